package queue

import (
	"log"

	"github.com/hibiken/asynq"
)

// Queue wraps the asynq client used to enqueue webhook reconciliations and
// the mux that worker processes register handlers on.
type Queue struct {
	Client *asynq.Client
	Mux    *asynq.ServeMux
}

// New creates the queue client and handler mux.
func New(redisURL string) (*Queue, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, err
	}

	q := &Queue{
		Client: asynq.NewClient(redisOpt),
		Mux:    asynq.NewServeMux(),
	}

	log.Println("Queue client initialized")
	return q, nil
}

// ServerConfig returns the connection options and server configuration for
// running a worker.
func ServerConfig(redisURL string, concurrency int) (asynq.RedisConnOpt, asynq.Config, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, asynq.Config{}, err
	}

	return redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			"critical": 6,
			"default":  3,
			"low":      1,
		},
	}, nil
}

// Close gracefully closes the queue client.
func (q *Queue) Close() error {
	if q.Client != nil {
		log.Println("Closing queue client...")
		return q.Client.Close()
	}
	return nil
}
