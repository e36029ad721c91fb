package hitlflow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ReviewItem is what a reviewer needs to act on a paused run.
type ReviewItem struct {
	CheckpointID string    `json:"checkpoint_id"`
	RunID        string    `json:"run_id"`
	InvoiceID    string    `json:"invoice_id"`
	Amount       float64   `json:"amount"`
	Reason       string    `json:"reason"`
	Stage        Stage     `json:"stage"`
	PausedAt     time.Time `json:"paused_at"`
}

// ReviewQueue indexes runs halted at a gate, keyed by checkpoint ID. Entries
// are added when the engine pauses and removed when a decision consumes the
// checkpoint. List order is not guaranteed.
type ReviewQueue interface {
	Add(ctx context.Context, item ReviewItem) error
	Remove(ctx context.Context, checkpointID string) error
	List(ctx context.Context) ([]ReviewItem, error)
}

// MemoryReviewQueue is a process-wide ReviewQueue held in memory. Create one
// at startup and inject it wherever it is needed.
type MemoryReviewQueue struct {
	mutex sync.RWMutex
	items map[string]ReviewItem
}

// NewMemoryReviewQueue returns an empty queue.
func NewMemoryReviewQueue() *MemoryReviewQueue {
	return &MemoryReviewQueue{items: map[string]ReviewItem{}}
}

func (q *MemoryReviewQueue) Add(ctx context.Context, item ReviewItem) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.items[item.CheckpointID] = item
	return nil
}

func (q *MemoryReviewQueue) Remove(ctx context.Context, checkpointID string) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	delete(q.items, checkpointID)
	return nil
}

// List returns the queued items, oldest pause first.
func (q *MemoryReviewQueue) List(ctx context.Context) ([]ReviewItem, error) {
	q.mutex.RLock()
	defer q.mutex.RUnlock()
	items := make([]ReviewItem, 0, len(q.items))
	for _, item := range q.items {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].PausedAt.Before(items[j].PausedAt)
	})
	return items, nil
}
