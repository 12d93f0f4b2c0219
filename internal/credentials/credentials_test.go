package credentials

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fawry-gateway/internal/storage"
)

var testDefaults = Defaults{
	StagingMerchantCode: "STAGING_CODE",
	StagingSecurityKey:  "STAGING_KEY",
	StagingBaseURL:      "https://staging.example.com",
	ProductionBaseURL:   "https://prod.example.com",
}

func newTestStore(t *testing.T) (*Store, *storage.MemoryStore) {
	t.Helper()
	mem := storage.NewMemoryStore()
	s := NewStore(mem, testDefaults)
	require.NoError(t, s.Initialize(context.Background()))
	return s, mem
}

func TestCredentialsBeforeInitialize(t *testing.T) {
	s := NewStore(storage.NewMemoryStore(), testDefaults)

	_, err := s.Credentials()
	require.ErrorIs(t, err, ErrNotInitialized)

	require.ErrorIs(t, s.CheckRateLimit(context.Background()), ErrNotInitialized)
}

func TestInitializeInstallsStagingDefaults(t *testing.T) {
	s, mem := newTestStore(t)

	creds, err := s.Credentials()
	require.NoError(t, err)
	require.Equal(t, "STAGING_CODE", creds.MerchantCode)
	require.Equal(t, EnvStaging, creds.Environment)
	require.Equal(t, "https://staging.example.com", creds.APIBaseURL)

	// Defaults were persisted, not just held in memory.
	var persisted Credentials
	require.NoError(t, mem.Get(context.Background(), storage.KeyCredentials, &persisted))
	require.Equal(t, creds, persisted)
}

func TestInitializeIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.SetProductionCredentials(context.Background(), "PROD_CODE", "PROD_KEY"))

	// A second Initialize loads the persisted production record instead of
	// reinstalling staging defaults.
	require.NoError(t, s.Initialize(context.Background()))
	creds, err := s.Credentials()
	require.NoError(t, err)
	require.Equal(t, "PROD_CODE", creds.MerchantCode)
	require.Equal(t, EnvProduction, creds.Environment)
}

type failingStore struct{}

func (failingStore) Get(context.Context, string, interface{}) error {
	return errors.New("disk on fire")
}
func (failingStore) Set(context.Context, string, interface{}) error {
	return errors.New("disk on fire")
}
func (failingStore) SetIfAbsent(context.Context, string, interface{}) (bool, error) {
	return false, errors.New("disk on fire")
}
func (failingStore) Delete(context.Context, string) error {
	return errors.New("disk on fire")
}

func TestInitializeSurfacesStorageFailure(t *testing.T) {
	// A broken state store must not silently downgrade to staging defaults.
	s := NewStore(failingStore{}, testDefaults)
	require.Error(t, s.Initialize(context.Background()))

	_, err := s.Credentials()
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestRateLimitSaturation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	s.rate = RateLimitState{WindowResetAt: now.Add(rateLimitWindow)}

	for i := 0; i < rateLimitMax; i++ {
		require.NoError(t, s.CheckRateLimit(ctx), "call %d should pass", i+1)
	}

	err := s.CheckRateLimit(ctx)
	var rateErr *RateLimitError
	require.ErrorAs(t, err, &rateErr)
	require.Greater(t, rateErr.RetryAfter, time.Duration(0))

	// Advancing past the window resets the counter to 1.
	now = now.Add(rateLimitWindow + time.Second)
	require.NoError(t, s.CheckRateLimit(ctx))
	require.Equal(t, 1, s.rate.Count)
	require.Equal(t, now.Add(rateLimitWindow), s.rate.WindowResetAt)
}

func TestRateLimitStatePersisted(t *testing.T) {
	s, mem := newTestStore(t)
	require.NoError(t, s.CheckRateLimit(context.Background()))

	var persisted RateLimitState
	require.NoError(t, mem.Get(context.Background(), storage.KeyRateLimit, &persisted))
	require.Equal(t, 1, persisted.Count)
	require.False(t, persisted.LastRequestAt.IsZero())
}

func TestDoBoundsConcurrency(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var inFlight, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Do(ctx, func(context.Context) error {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					old := atomic.LoadInt32(&peak)
					if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, atomic.LoadInt32(&peak), int32(maxInFlight))
}

func TestDoPropagatesRateLimitToCallerOnly(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.mu.Lock()
	s.rate.Count = rateLimitMax
	s.mu.Unlock()

	ran := false
	err := s.Do(ctx, func(context.Context) error {
		ran = true
		return nil
	})
	var rateErr *RateLimitError
	require.ErrorAs(t, err, &rateErr)
	require.False(t, ran, "fn must not run when the window is saturated")

	// The semaphore slot was released; a later caller (after reset) runs.
	s.mu.Lock()
	s.rate.Count = 0
	s.mu.Unlock()
	require.NoError(t, s.Do(ctx, func(context.Context) error { return nil }))
}

func TestSetProductionCredentials(t *testing.T) {
	s, mem := newTestStore(t)
	require.NoError(t, s.SetProductionCredentials(context.Background(), "PROD_CODE", "PROD_KEY"))

	creds, err := s.Credentials()
	require.NoError(t, err)
	require.Equal(t, "PROD_CODE", creds.MerchantCode)
	require.Equal(t, "PROD_KEY", creds.SecurityKey)
	require.Equal(t, EnvProduction, creds.Environment)
	require.Equal(t, "https://prod.example.com", creds.APIBaseURL)

	var persisted Credentials
	require.NoError(t, mem.Get(context.Background(), storage.KeyCredentials, &persisted))
	require.Equal(t, creds, persisted)
}

func TestClear(t *testing.T) {
	s, mem := newTestStore(t)
	require.NoError(t, s.Clear(context.Background()))

	_, err := s.Credentials()
	require.ErrorIs(t, err, ErrNotInitialized)

	var creds Credentials
	require.ErrorIs(t, mem.Get(context.Background(), storage.KeyCredentials, &creds), storage.ErrNotFound)
}
