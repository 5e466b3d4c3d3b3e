package llm

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	strixerrors "github.com/TWN-Systems/strix/internal/errors"
)

// Default queue bounds.
const (
	DefaultMaxConcurrent      = 6
	DefaultMinRequestInterval = time.Second
)

// RequestQueue bounds concurrency toward the reasoning service and spaces
// request starts by a minimum interval. Waiters reserve a start slot under
// the lock and sleep outside it, so spacing holds under contention without
// serializing the calls themselves.
type RequestQueue struct {
	sem         *semaphore.Weighted
	minInterval time.Duration

	mu        sync.Mutex
	nextStart time.Time

	statsMu     sync.Mutex
	total       int64
	succeeded   int64
	failed      int64
	rateLimited int64
	retries     int64
	totalWait   time.Duration
}

// QueueStats is a point-in-time snapshot of queue traffic.
type QueueStats struct {
	Total       int64   `json:"total"`
	Succeeded   int64   `json:"succeeded"`
	Failed      int64   `json:"failed"`
	RateLimited int64   `json:"rate_limited"`
	Retries     int64   `json:"retries"`
	AvgWaitMS   float64 `json:"avg_wait_ms"`
}

// NewRequestQueue builds a queue admitting maxConcurrent requests with
// minInterval between consecutive starts. Non-positive values fall back to
// the defaults.
func NewRequestQueue(maxConcurrent int64, minInterval time.Duration) *RequestQueue {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if minInterval < 0 {
		minInterval = DefaultMinRequestInterval
	}
	return &RequestQueue{
		sem:         semaphore.NewWeighted(maxConcurrent),
		minInterval: minInterval,
	}
}

// Do admits fn through the queue: acquire a concurrency slot, wait out the
// spacing reservation, then run. The slot is held for the whole call so a
// retrying envelope inside fn occupies one admission.
func (q *RequestQueue) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	enqueued := time.Now()
	if err := q.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer q.sem.Release(1)

	if err := q.waitForSlot(ctx); err != nil {
		return err
	}
	q.recordAdmission(time.Since(enqueued))

	err := fn(ctx)
	q.recordOutcome(err)
	return err
}

// RecordRetry counts one retry attempt inside an admitted request.
func (q *RequestQueue) RecordRetry() {
	q.statsMu.Lock()
	q.retries++
	q.statsMu.Unlock()
}

// Stats reports queue counters. Average wait covers admission only, not
// request execution.
func (q *RequestQueue) Stats() QueueStats {
	q.statsMu.Lock()
	defer q.statsMu.Unlock()
	stats := QueueStats{
		Total:       q.total,
		Succeeded:   q.succeeded,
		Failed:      q.failed,
		RateLimited: q.rateLimited,
		Retries:     q.retries,
	}
	if q.total > 0 {
		avg := q.totalWait.Seconds() * 1000 / float64(q.total)
		stats.AvgWaitMS = math.Round(avg*10) / 10
	}
	return stats
}

// waitForSlot reserves the next permissible start time and sleeps until it
// arrives. Reservation and sleep are separated so concurrent waiters queue
// up distinct slots instead of racing for the same one.
func (q *RequestQueue) waitForSlot(ctx context.Context) error {
	q.mu.Lock()
	now := time.Now()
	slot := q.nextStart
	if slot.Before(now) {
		slot = now
	}
	q.nextStart = slot.Add(q.minInterval)
	q.mu.Unlock()

	wait := time.Until(slot)
	if wait <= 0 {
		return nil
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *RequestQueue) recordAdmission(waited time.Duration) {
	q.statsMu.Lock()
	q.total++
	q.totalWait += waited
	q.statsMu.Unlock()
}

func (q *RequestQueue) recordOutcome(err error) {
	q.statsMu.Lock()
	defer q.statsMu.Unlock()
	if err == nil {
		q.succeeded++
		return
	}
	q.failed++
	var transient *strixerrors.TransientError
	if errors.As(err, &transient) && transient.StatusCode == 429 {
		q.rateLimited++
	}
}
