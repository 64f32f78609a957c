package ratelimit

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/halcyon/gridfall_backend/internal/logging"
)

// Bucket names an admission category with its own per-minute limit
type Bucket string

const (
	BucketAction Bucket = "action"
	BucketChat   Bucket = "chat"
	BucketDM     Bucket = "dm"
)

const (
	windowSeconds = 60
	shardCount    = 16
)

// Limits maps buckets to their per-minute allowance
type Limits map[Bucket]int

// DefaultLimits returns the standard bucket limits
func DefaultLimits() Limits {
	return Limits{
		BucketAction: 30,
		BucketChat:   20,
		BucketDM:     60,
	}
}

// Decision is the result of one admission check
type Decision struct {
	Allowed     bool
	RetryAfter  time.Duration
	Utilization float64
}

// ring holds per-second counts over the sliding window
type ring struct {
	counts  [windowSeconds]int
	lastSec int64
}

type shard struct {
	mu    sync.Mutex
	rings map[string]*ring
}

// Limiter makes sliding-window admission decisions per (user, bucket). State
// is per-process and not replicated.
type Limiter struct {
	limits Limits
	shards [shardCount]*shard
	now    func() time.Time
}

// New creates a limiter with the given per-minute limits
func New(limits Limits) *Limiter {
	l := &Limiter{
		limits: limits,
		now:    time.Now,
	}
	for i := range l.shards {
		l.shards[i] = &shard{rings: make(map[string]*ring)}
	}
	return l
}

// shardFor picks the shard for a user id to reduce lock contention
func (l *Limiter) shardFor(userID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return l.shards[h.Sum32()%shardCount]
}

// Allow records one request for (user, bucket) if it fits the window and
// returns the admission decision. Denials are logged for abuse telemetry.
func (l *Limiter) Allow(userID string, bucket Bucket) Decision {
	limit, ok := l.limits[bucket]
	if !ok || limit <= 0 {
		return Decision{Allowed: true}
	}

	nowSec := l.now().Unix()
	key := userID + "|" + string(bucket)

	s := l.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rings[key]
	if !ok {
		r = &ring{lastSec: nowSec}
		s.rings[key] = r
	}
	r.advance(nowSec)

	total := 0
	for _, c := range r.counts {
		total += c
	}

	utilization := float64(total) / float64(limit)
	if total >= limit {
		retry := r.retryAfter(nowSec)
		logging.LogRateLimitEvent(userID, string(bucket), map[string]interface{}{
			"utilization":    fmt.Sprintf("%.2f", utilization),
			"retry_after_ms": retry.Milliseconds(),
		})
		return Decision{Allowed: false, RetryAfter: retry, Utilization: utilization}
	}

	r.counts[nowSec%windowSeconds]++
	return Decision{Allowed: true, Utilization: float64(total+1) / float64(limit)}
}

// advance clears slots for seconds that have rolled out of the window
func (r *ring) advance(nowSec int64) {
	elapsed := nowSec - r.lastSec
	if elapsed <= 0 {
		return
	}
	if elapsed >= windowSeconds {
		r.counts = [windowSeconds]int{}
	} else {
		for s := r.lastSec + 1; s <= nowSec; s++ {
			r.counts[s%windowSeconds] = 0
		}
	}
	r.lastSec = nowSec
}

// retryAfter estimates when the oldest counted second rolls off the window
func (r *ring) retryAfter(nowSec int64) time.Duration {
	for offset := windowSeconds - 1; offset >= 0; offset-- {
		sec := nowSec - int64(offset)
		if sec < 0 {
			continue
		}
		if r.counts[sec%windowSeconds] > 0 {
			return time.Duration(sec+windowSeconds-nowSec) * time.Second
		}
	}
	return time.Second
}

// Reset clears the window for one (user, bucket); used by tests and when a
// user is removed.
func (l *Limiter) Reset(userID string, bucket Bucket) {
	key := userID + "|" + string(bucket)
	s := l.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rings, key)
}
