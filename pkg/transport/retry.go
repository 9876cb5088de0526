package transport

import (
    "math/rand/v2"
    "sync"
    "time"

    "github.com/google/uuid"
    "go.uber.org/zap"
)

// RetryPolicy bounds automatic reconnects: at most MaxAttempts tries with
// exponential backoff from Initial capped at Max, plus up to Jitter random
// delay.
type RetryPolicy struct {
    MaxAttempts int
    Initial     time.Duration
    Max         time.Duration
    Jitter      time.Duration
}

// DefaultRetryPolicy is 5 attempts starting at 500ms, capped at 30s.
func DefaultRetryPolicy() RetryPolicy {
    return RetryPolicy{MaxAttempts: 5, Initial: 500 * time.Millisecond, Max: 30 * time.Second, Jitter: 250 * time.Millisecond}
}

func (p RetryPolicy) normalized() RetryPolicy {
    d := DefaultRetryPolicy()
    if p.MaxAttempts <= 0 { p.MaxAttempts = d.MaxAttempts }
    if p.Initial <= 0 { p.Initial = d.Initial }
    if p.Max < p.Initial { p.Max = p.Initial }
    if p.Jitter < 0 { p.Jitter = 0 }
    return p
}

// Backoff returns the delay before attempt n (1-based), without jitter.
func (p RetryPolicy) Backoff(n int) time.Duration {
    p = p.normalized()
    d := p.Initial
    for i := 1; i < n; i++ {
        d *= 2
        if d >= p.Max { return p.Max }
    }
    return d
}

// Retrier tracks automatic reconnect attempts per device. Counters never
// grow past the policy bound; once exhausted a device stays exhausted until
// Reset (manual connect) or Forget (fresh discovery).
type Retrier struct {
    policy RetryPolicy
    mu     sync.Mutex
    counts map[uuid.UUID]int
}

// NewRetrier returns a retrier for p; zero fields take defaults.
func NewRetrier(p RetryPolicy) *Retrier {
    return &Retrier{policy: p.normalized(), counts: make(map[uuid.UUID]int)}
}

// Policy returns the effective policy.
func (r *Retrier) Policy() RetryPolicy { return r.policy }

// Next consumes one attempt for id and returns the delay to wait before it.
// ok is false when the attempts are exhausted.
func (r *Retrier) Next(id uuid.UUID) (delay time.Duration, ok bool) {
    r.mu.Lock()
    n := r.counts[id]
    if n >= r.policy.MaxAttempts {
        r.mu.Unlock()
        return 0, false
    }
    n++
    r.counts[id] = n
    r.mu.Unlock()
    delay = r.policy.Backoff(n)
    if r.policy.Jitter > 0 { delay += rand.N(r.policy.Jitter) }
    return delay, true
}

// Attempts returns how many automatic attempts id has used.
func (r *Retrier) Attempts(id uuid.UUID) int {
    r.mu.Lock(); defer r.mu.Unlock()
    return r.counts[id]
}

// Exhausted reports whether id has no automatic attempts left.
func (r *Retrier) Exhausted(id uuid.UUID) bool { return r.Attempts(id) >= r.policy.MaxAttempts }

// Succeeded clears the counter after a successful connection.
func (r *Retrier) Succeeded(id uuid.UUID) {
    r.mu.Lock(); delete(r.counts, id); r.mu.Unlock()
}

// Reset clears the counter on an explicit manual connect request.
func (r *Retrier) Reset(id uuid.UUID) {
    r.mu.Lock(); n := r.counts[id]; delete(r.counts, id); r.mu.Unlock()
    if n > 0 { zap.L().Debug("retry counter reset by manual connect", zap.String("device", id.String()), zap.Int("attempts", n)) }
}

// Forget clears the counter when the device is freshly discovered.
func (r *Retrier) Forget(id uuid.UUID) {
    r.mu.Lock(); n := r.counts[id]; delete(r.counts, id); r.mu.Unlock()
    if n > 0 { zap.L().Debug("retry counter cleared by discovery", zap.String("device", id.String()), zap.Int("attempts", n)) }
}
