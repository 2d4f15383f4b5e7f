// Package cleanup provides a Redis-backed retry queue for blob deletions
// that failed after a successful database commit.
package cleanup

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Task describes one storage object awaiting deletion.
type Task struct {
	StorageKey string    `json:"storage_key"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Releaser deletes a single object from blob storage.
type Releaser interface {
	Release(ctx context.Context, storageKey string) error
}

// Queue implements deferred blob deletion using a Redis list.
type Queue struct {
	client      *redis.Client
	key         string
	maxAttempts int
}

// NewQueue connects to Redis and returns a cleanup queue.
func NewQueue(redisURL string, maxAttempts int) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewQueueWithClient(client, maxAttempts), nil
}

// NewQueueWithClient creates a queue from an existing Redis client.
func NewQueueWithClient(client *redis.Client, maxAttempts int) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Queue{
		client:      client,
		key:         "cleanup:blobs",
		maxAttempts: maxAttempts,
	}
}

// Enqueue records a storage key whose deletion must be retried later.
func (q *Queue) Enqueue(ctx context.Context, storageKey string) error {
	task := Task{
		StorageKey: storageKey,
		EnqueuedAt: time.Now(),
	}
	return q.push(ctx, task)
}

func (q *Queue) push(ctx context.Context, task Task) error {
	jsonData, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal cleanup task: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, jsonData).Err(); err != nil {
		return fmt.Errorf("enqueue cleanup task: %w", err)
	}
	return nil
}

// Len reports the number of pending tasks.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("count cleanup tasks: %w", err)
	}
	return n, nil
}

// ProcessOnce drains the tasks currently queued, attempting each deletion
// once. Tasks that fail again are re-queued with an incremented attempt
// counter until maxAttempts is reached, after which they are dropped.
// Returns the number of successful deletions.
func (q *Queue) ProcessOnce(ctx context.Context, releaser Releaser) (int, error) {
	pending, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("count cleanup tasks: %w", err)
	}

	released := 0
	for i := int64(0); i < pending; i++ {
		jsonData, err := q.client.RPop(ctx, q.key).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return released, fmt.Errorf("pop cleanup task: %w", err)
		}

		var task Task
		if err := json.Unmarshal([]byte(jsonData), &task); err != nil {
			log.Printf("cleanup: dropping malformed task: %v", err)
			continue
		}

		if err := releaser.Release(ctx, task.StorageKey); err != nil {
			task.Attempts++
			if task.Attempts >= q.maxAttempts {
				log.Printf("cleanup: giving up on %s after %d attempts: %v", task.StorageKey, task.Attempts, err)
				continue
			}
			if err := q.push(ctx, task); err != nil {
				return released, err
			}
			continue
		}
		released++
	}

	return released, nil
}

// Run processes the queue on a fixed interval until the context is canceled.
func (q *Queue) Run(ctx context.Context, releaser Releaser, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.ProcessOnce(ctx, releaser); err != nil {
				log.Printf("cleanup: process queue: %v", err)
			}
		}
	}
}

// Close closes the Redis connection.
func (q *Queue) Close() error {
	return q.client.Close()
}

// Ping checks if Redis is reachable.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
