package credentials

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fawry-gateway/internal/storage"
)

const (
	// EnvStaging and EnvProduction are the two recognized environments.
	EnvStaging    = "staging"
	EnvProduction = "production"

	rateLimitWindow = 15 * time.Minute
	rateLimitMax    = 30

	// maxInFlight bounds concurrently executing credentialed requests.
	maxInFlight = 3
)

// ErrNotInitialized is returned when credentials are requested before
// Initialize has run.
var ErrNotInitialized = errors.New("credentials: store not initialized")

// RateLimitError reports a saturated rate-limit window.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter.Round(time.Second))
}

// Credentials holds the merchant identity for the payment provider.
type Credentials struct {
	MerchantCode string `json:"merchant_code"`
	SecurityKey  string `json:"security_key"`
	Environment  string `json:"environment"`
	APIBaseURL   string `json:"api_base_url"`
}

// RateLimitState is the persisted sliding-window counter. Count never
// decreases within a window; it resets to zero exactly when the window
// expires.
type RateLimitState struct {
	Count         int       `json:"count"`
	WindowResetAt time.Time `json:"window_reset_at"`
	LastRequestAt time.Time `json:"last_request_at"`
}

// Defaults supplies the staging credentials installed when no persisted
// record exists, and the production base URL used by
// SetProductionCredentials.
type Defaults struct {
	StagingMerchantCode string
	StagingSecurityKey  string
	StagingBaseURL      string
	ProductionBaseURL   string
}

// Store owns the merchant credentials and the outbound request budget.
// Construct one in the composition root and inject it into every component
// that talks to the provider.
type Store struct {
	store    storage.Store
	defaults Defaults
	now      func() time.Time

	mu          sync.Mutex
	creds       *Credentials
	rate        RateLimitState
	initialized bool

	// Buffered-channel semaphore gating concurrent request execution.
	slots chan struct{}
}

// NewStore creates an uninitialized credential store backed by the given
// keyed-blob storage.
func NewStore(st storage.Store, defaults Defaults) *Store {
	return &Store{
		store:    st,
		defaults: defaults,
		now:      time.Now,
		slots:    make(chan struct{}, maxInFlight),
	}
}

// Initialize loads persisted credentials and rate-limit state, installing
// staging defaults when nothing is persisted yet. Safe to call more than
// once. A storage failure is surfaced rather than masked with staging
// defaults: a production deployment must not silently downgrade because its
// state store is unavailable.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var creds Credentials
	err := s.store.Get(ctx, storage.KeyCredentials, &creds)
	switch {
	case err == nil:
		s.creds = &creds
	case errors.Is(err, storage.ErrNotFound):
		s.creds = &Credentials{
			MerchantCode: s.defaults.StagingMerchantCode,
			SecurityKey:  s.defaults.StagingSecurityKey,
			Environment:  EnvStaging,
			APIBaseURL:   s.defaults.StagingBaseURL,
		}
		if err := s.store.Set(ctx, storage.KeyCredentials, s.creds); err != nil {
			return fmt.Errorf("failed to persist staging credentials: %w", err)
		}
		log.Println("No persisted credentials found, staging defaults installed")
	default:
		return fmt.Errorf("failed to load credentials: %w", err)
	}

	var rate RateLimitState
	err = s.store.Get(ctx, storage.KeyRateLimit, &rate)
	switch {
	case err == nil:
		s.rate = rate
	case errors.Is(err, storage.ErrNotFound):
		s.rate = RateLimitState{WindowResetAt: s.now().Add(rateLimitWindow)}
	default:
		return fmt.Errorf("failed to load rate-limit state: %w", err)
	}

	s.initialized = true
	return nil
}

// Credentials returns the in-memory credential record.
func (s *Store) Credentials() (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return Credentials{}, ErrNotInitialized
	}
	return *s.creds, nil
}

// Environment returns the active environment, or staging when uninitialized.
func (s *Store) Environment() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return EnvStaging
	}
	return s.creds.Environment
}

// CheckRateLimit consumes one unit of the sliding-window budget, persisting
// the updated state. Returns a *RateLimitError carrying the remaining wait
// when the window is saturated.
func (s *Store) CheckRateLimit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return ErrNotInitialized
	}

	now := s.now()
	if now.After(s.rate.WindowResetAt) {
		s.rate.Count = 0
		s.rate.WindowResetAt = now.Add(rateLimitWindow)
	}

	if s.rate.Count >= rateLimitMax {
		return &RateLimitError{RetryAfter: s.rate.WindowResetAt.Sub(now)}
	}

	s.rate.Count++
	s.rate.LastRequestAt = now

	if err := s.store.Set(ctx, storage.KeyRateLimit, s.rate); err != nil {
		return fmt.Errorf("failed to persist rate-limit state: %w", err)
	}
	return nil
}

// Do admits fn through the concurrency gate (at most 3 requests in flight)
// and charges the rate limit immediately before running it. A rate-limit
// rejection propagates to this caller only; other waiting callers are
// unaffected.
func (s *Store) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.slots }()

	if err := s.CheckRateLimit(ctx); err != nil {
		return err
	}
	return fn(ctx)
}

// SetProductionCredentials overwrites the in-memory and persisted record
// with production credentials. Reachability of the production endpoint is
// not verified here.
func (s *Store) SetProductionCredentials(ctx context.Context, merchantCode, securityKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return ErrNotInitialized
	}

	creds := &Credentials{
		MerchantCode: merchantCode,
		SecurityKey:  securityKey,
		Environment:  EnvProduction,
		APIBaseURL:   s.defaults.ProductionBaseURL,
	}
	if err := s.store.Set(ctx, storage.KeyCredentials, creds); err != nil {
		return fmt.Errorf("failed to persist production credentials: %w", err)
	}

	s.creds = creds
	log.Println("Production credentials installed")
	return nil
}

// Clear removes persisted credentials and rate-limit state and returns the
// store to its uninitialized state.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Delete(ctx, storage.KeyCredentials); err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	if err := s.store.Delete(ctx, storage.KeyRateLimit); err != nil {
		return fmt.Errorf("failed to clear rate-limit state: %w", err)
	}

	s.creds = nil
	s.rate = RateLimitState{}
	s.initialized = false
	return nil
}
