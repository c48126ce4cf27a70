package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Bucket is the state of one key after a hit.
type Bucket struct {
	Count   int
	ResetAt time.Time
}

// BucketStore records hits against keys. Hit must be atomic per key: reset the
// bucket to count 1 when it is missing or expired, otherwise increment it.
type BucketStore interface {
	Hit(ctx context.Context, key string, window time.Duration, now time.Time) (Bucket, error)
	Close() error
}

// SweepInterval is how often MemoryStore evicts expired buckets.
const SweepInterval = 60 * time.Second

// MemoryStore keeps buckets in process memory. It suits single-instance
// deployments; multi-instance deployments need RedisStore.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
	now     func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMemoryStore creates the store and starts its sweeper. Close stops it.
func NewMemoryStore(interval time.Duration) *MemoryStore {
	return newMemoryStore(interval, time.Now)
}

func newMemoryStore(interval time.Duration, now func() time.Time) *MemoryStore {
	if interval <= 0 {
		interval = SweepInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &MemoryStore{
		buckets: make(map[string]*Bucket),
		now:     now,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.sweepLoop(ctx, interval)
	return s
}

func (s *MemoryStore) Hit(_ context.Context, key string, window time.Duration, now time.Time) (Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok || !now.Before(b.ResetAt) {
		b = &Bucket{Count: 1, ResetAt: now.Add(window)}
		s.buckets[key] = b
		return *b, nil
	}
	b.Count++
	return *b, nil
}

// Sweep evicts every bucket whose window has ended and returns how many went.
func (s *MemoryStore) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, b := range s.buckets {
		if !now.Before(b.ResetAt) {
			delete(s.buckets, key)
			n++
		}
	}
	return n
}

// Len returns the number of live buckets.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

func (s *MemoryStore) sweepLoop(ctx context.Context, interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Close stops the sweeper and waits for it to exit.
func (s *MemoryStore) Close() error {
	s.cancel()
	<-s.done
	return nil
}
