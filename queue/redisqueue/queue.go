// Package redisqueue implements hitlflow.ReviewQueue on a Redis hash so that
// several server processes show reviewers the same pending list.
package redisqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/deepnoodle-ai/hitlflow"
	"github.com/redis/go-redis/v9"
)

// DefaultKey is the hash holding queued review items.
const DefaultKey = "hitlflow:review_queue"

// Queue stores one hash field per checkpoint ID, holding the JSON encoded
// review item.
type Queue struct {
	client redis.UniversalClient
	key    string
}

var _ hitlflow.ReviewQueue = (*Queue)(nil)

// Options configures a Queue.
type Options struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, opts Options) (*Queue, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", opts.Addr, err)
	}
	return NewWithClient(client, opts.Key), nil
}

// NewWithClient wraps an existing client. An empty key uses DefaultKey.
func NewWithClient(client redis.UniversalClient, key string) *Queue {
	if key == "" {
		key = DefaultKey
	}
	return &Queue{client: client, key: key}
}

func (q *Queue) Add(ctx context.Context, item hitlflow.ReviewItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal review item: %w", err)
	}
	if err := q.client.HSet(ctx, q.key, item.CheckpointID, data).Err(); err != nil {
		return fmt.Errorf("failed to queue checkpoint %s: %w", item.CheckpointID, err)
	}
	return nil
}

func (q *Queue) Remove(ctx context.Context, checkpointID string) error {
	if err := q.client.HDel(ctx, q.key, checkpointID).Err(); err != nil {
		return fmt.Errorf("failed to dequeue checkpoint %s: %w", checkpointID, err)
	}
	return nil
}

// List returns the queued items, oldest pause first.
func (q *Queue) List(ctx context.Context) ([]hitlflow.ReviewItem, error) {
	values, err := q.client.HVals(ctx, q.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list review queue: %w", err)
	}
	items := make([]hitlflow.ReviewItem, 0, len(values))
	for _, value := range values {
		var item hitlflow.ReviewItem
		if err := json.Unmarshal([]byte(value), &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal review item: %w", err)
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].PausedAt.Equal(items[j].PausedAt) {
			return items[i].CheckpointID < items[j].CheckpointID
		}
		return items[i].PausedAt.Before(items[j].PausedAt)
	})
	return items, nil
}

// Close closes the Redis client.
func (q *Queue) Close() error {
	return q.client.Close()
}
