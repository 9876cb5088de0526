package priocq

import (
    "sync"
    "time"
)

// TokenBucket shapes traffic to rate bytes per second with the given burst.
type TokenBucket struct {
    mu       sync.Mutex
    capacity int64
    tokens   int64
    rate     int64 // tokens per second
    last     time.Time
    now      func() time.Time
}

func NewTokenBucket(ratePerSec, capacity int64) *TokenBucket {
    if capacity <= 0 { capacity = ratePerSec }
    return &TokenBucket{capacity: capacity, tokens: capacity, rate: ratePerSec, now: time.Now, last: time.Now()}
}

// Allow tries to consume n tokens; if not enough, returns duration to wait.
// Requests larger than the burst are let through once the bucket is full.
func (b *TokenBucket) Allow(n int64) (ok bool, wait time.Duration) {
    b.mu.Lock(); defer b.mu.Unlock()
    if b.rate <= 0 { return true, 0 }
    now := b.now()
    if dt := now.Sub(b.last); dt > 0 {
        if add := b.refill(dt); add > 0 || b.tokens >= b.capacity {
            b.tokens = min(b.tokens+add, b.capacity)
            b.last = now
        }
    }
    if n > b.capacity && b.tokens == b.capacity {
        b.tokens = 0
        return true, 0
    }
    if b.tokens >= n {
        b.tokens -= n
        return true, 0
    }
    need := n - b.tokens
    if n > b.capacity { need = b.capacity - b.tokens }
    return false, time.Duration((need * int64(time.Second)) / b.rate)
}

// refill returns the tokens earned over dt, saturating at what the bucket is
// missing so long idle gaps cannot overflow rate*dt.
func (b *TokenBucket) refill(dt time.Duration) int64 {
    missing := b.capacity - b.tokens
    secs, rem := int64(dt/time.Second), int64(dt%time.Second)
    if secs > missing/b.rate { return missing }
    return b.rate*secs + (b.rate*rem)/int64(time.Second)
}
