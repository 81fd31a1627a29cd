package pipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonpay/ilpd/internal/clock"
)

// bucketSet holds one token bucket per peer. Buckets refill at the
// configured rate and hold at most one second of burst.
type bucketSet struct {
	mu    sync.Mutex
	clock clock.Clock
	rate  float64
	m     map[uuid.UUID]*bucket
}

type bucket struct {
	tokens float64
	last   time.Time
}

func newBucketSet(c clock.Clock, rate float64) *bucketSet {
	return &bucketSet{clock: c, rate: rate, m: make(map[uuid.UUID]*bucket)}
}

// take spends n tokens from the peer's bucket. A zero rate disables the
// limit.
func (s *bucketSet) take(id uuid.UUID, n float64) bool {
	if s.rate <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	b, ok := s.m[id]
	if !ok {
		b = &bucket{tokens: s.rate, last: now}
		s.m[id] = b
	}
	b.tokens += now.Sub(b.last).Seconds() * s.rate
	if b.tokens > s.rate {
		b.tokens = s.rate
	}
	b.last = now

	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}
