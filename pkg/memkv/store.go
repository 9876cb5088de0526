// Package memkv is a sharded, concurrency-safe in-memory key/value store
// with per-key TTL, an optional total size limit and cheap atomic metrics.
// The mesh uses it for short-lived de-duplication marks and the peer key
// directory.
package memkv

import (
    "container/heap"
    "hash/fnv"
    "sync"
    "sync/atomic"
    "time"
)

// Options tunes a Store. Zero values take defaults.
type Options struct {
    Shards   int    // number of shards (default 64)
    MaxBytes uint64 // hard limit on the total size of values (0 = none)
    // Now overrides the clock, for tests.
    Now func() time.Time
}

func (o Options) withDefaults() Options {
    if o.Shards <= 0 { o.Shards = 64 }
    if o.Now == nil { o.Now = time.Now }
    return o
}

// Store is safe for concurrent use. Values are copied on the way in and out.
type Store struct {
    opts   Options
    shards []shard

    expMu  sync.Mutex
    expq   expHeap
    wake   chan struct{}
    closed chan struct{}
    once   sync.Once
    wg     sync.WaitGroup

    mKeys    atomic.Uint64
    mBytes   atomic.Uint64
    mSets    atomic.Uint64
    mHits    atomic.Uint64
    mMisses  atomic.Uint64
    mDels    atomic.Uint64
    mExpired atomic.Uint64
}

type shard struct {
    mu sync.RWMutex
    m  map[string]*entry
}

type entry struct {
    val      []byte
    expireAt int64 // unix nano; 0 = never
}

func (e *entry) expired(now int64) bool { return e.expireAt != 0 && e.expireAt <= now }

// New starts a store and its background expirer. Call Close to stop it.
func New(opts Options) *Store {
    opts = opts.withDefaults()
    s := &Store{
        opts:   opts,
        shards: make([]shard, opts.Shards),
        wake:   make(chan struct{}, 1),
        closed: make(chan struct{}),
    }
    for i := range s.shards { s.shards[i].m = make(map[string]*entry) }
    s.wg.Add(1)
    go s.expirer()
    return s
}

// Close stops the expirer. The store stays readable.
func (s *Store) Close() {
    s.once.Do(func() { close(s.closed) })
    s.wg.Wait()
}

func (s *Store) shardFor(key string) *shard {
    h := fnv.New64a()
    _, _ = h.Write([]byte(key))
    return &s.shards[h.Sum64()%uint64(len(s.shards))]
}

func (s *Store) now() int64 { return s.opts.Now().UnixNano() }

func clone(b []byte) []byte {
    if b == nil { return nil }
    out := make([]byte, len(b))
    copy(out, b)
    return out
}

// reserve accounts for delta more bytes; false if the limit would be exceeded.
func (s *Store) reserve(delta int) bool {
    if delta <= 0 {
        s.release(-delta)
        return true
    }
    for {
        cur := s.mBytes.Load()
        next := cur + uint64(delta)
        if s.opts.MaxBytes != 0 && next > s.opts.MaxBytes { return false }
        if s.mBytes.CompareAndSwap(cur, next) { return true }
    }
}

func (s *Store) release(n int) {
    if n <= 0 { return }
    for {
        cur := s.mBytes.Load()
        next := uint64(0)
        if uint64(n) < cur { next = cur - uint64(n) }
        if s.mBytes.CompareAndSwap(cur, next) { return }
    }
}

// dropLocked removes key from sh; the caller holds sh.mu.
func (s *Store) dropLocked(sh *shard, key string, e *entry, expired bool) {
    delete(sh.m, key)
    s.mKeys.Add(^uint64(0))
    s.release(len(e.val))
    if expired { s.mExpired.Add(1) } else { s.mDels.Add(1) }
}

func (s *Store) put(key string, val []byte, ttl time.Duration, onlyIfAbsent bool) bool {
    now := s.now()
    var expAt int64
    if ttl > 0 { expAt = now + int64(ttl) }
    v := clone(val)

    sh := s.shardFor(key)
    sh.mu.Lock()
    prev, existed := sh.m[key]
    if existed && prev.expired(now) {
        s.dropLocked(sh, key, prev, true)
        prev, existed = nil, false
    }
    if existed && onlyIfAbsent {
        sh.mu.Unlock()
        return false
    }
    oldLen := 0
    if existed { oldLen = len(prev.val) }
    if !s.reserve(len(v) - oldLen) {
        sh.mu.Unlock()
        return false
    }
    sh.m[key] = &entry{val: v, expireAt: expAt}
    if !existed { s.mKeys.Add(1) }
    s.mSets.Add(1)
    sh.mu.Unlock()

    if expAt != 0 { s.enqueueExpire(key, expAt) }
    return !existed
}

// Set stores val under key. It reports whether the key was created rather
// than overwritten; it also returns false when MaxBytes would be exceeded.
func (s *Store) Set(key string, val []byte, ttl time.Duration) bool {
    return s.put(key, val, ttl, false)
}

// Add stores val only if key is absent (or expired) and reports whether it
// did. An existing key keeps its value and TTL.
func (s *Store) Add(key string, val []byte, ttl time.Duration) bool {
    return s.put(key, val, ttl, true)
}

// Get returns a copy of the value for key.
func (s *Store) Get(key string) ([]byte, bool) {
    sh := s.shardFor(key)
    sh.mu.RLock()
    e, ok := sh.m[key]
    var val []byte
    var exp bool
    if ok {
        val = e.val
        exp = e.expired(s.now())
    }
    sh.mu.RUnlock()
    if !ok || exp {
        if exp { s.lazyExpire(sh, key) }
        s.mMisses.Add(1)
        return nil, false
    }
    s.mHits.Add(1)
    return clone(val), true
}

func (s *Store) lazyExpire(sh *shard, key string) {
    sh.mu.Lock()
    if e, ok := sh.m[key]; ok && e.expired(s.now()) { s.dropLocked(sh, key, e, true) }
    sh.mu.Unlock()
}

// Update replaces the value of an existing, unexpired key with fn(old) and
// keeps its TTL. fn must not retain old.
func (s *Store) Update(key string, fn func(old []byte) []byte) bool {
    sh := s.shardFor(key)
    sh.mu.Lock(); defer sh.mu.Unlock()
    e, ok := sh.m[key]
    if !ok { return false }
    if e.expired(s.now()) {
        s.dropLocked(sh, key, e, true)
        return false
    }
    nv := clone(fn(e.val))
    if !s.reserve(len(nv) - len(e.val)) { return false }
    e.val = nv
    s.mSets.Add(1)
    return true
}

// Delete removes key and reports whether it existed.
func (s *Store) Delete(key string) bool {
    sh := s.shardFor(key)
    sh.mu.Lock(); defer sh.mu.Unlock()
    e, ok := sh.m[key]
    if ok { s.dropLocked(sh, key, e, false) }
    return ok
}

// Expire sets a new TTL; ttl <= 0 deletes the key.
func (s *Store) Expire(key string, ttl time.Duration) bool {
    if ttl <= 0 { return s.Delete(key) }
    now := s.now()
    exp := now + int64(ttl)
    sh := s.shardFor(key)
    sh.mu.Lock()
    e, ok := sh.m[key]
    if !ok {
        sh.mu.Unlock()
        return false
    }
    if e.expired(now) {
        s.dropLocked(sh, key, e, true)
        sh.mu.Unlock()
        return false
    }
    e.expireAt = exp
    sh.mu.Unlock()
    s.enqueueExpire(key, exp)
    return true
}

// TTL returns the remaining lifetime. A key without TTL yields (0, true).
func (s *Store) TTL(key string) (time.Duration, bool) {
    sh := s.shardFor(key)
    sh.mu.RLock()
    e, ok := sh.m[key]
    var exp int64
    if ok { exp = e.expireAt }
    sh.mu.RUnlock()
    if !ok { return 0, false }
    if exp == 0 { return 0, true }
    now := s.now()
    if exp <= now {
        s.lazyExpire(sh, key)
        return 0, false
    }
    return time.Duration(exp - now), true
}

// Range calls fn for every live key until fn returns false. Values are
// copies; fn may call other Store methods.
func (s *Store) Range(fn func(key string, val []byte) bool) {
    now := s.now()
    for i := range s.shards {
        sh := &s.shards[i]
        type kv struct {
            k string
            v []byte
        }
        sh.mu.RLock()
        items := make([]kv, 0, len(sh.m))
        for k, e := range sh.m {
            if !e.expired(now) { items = append(items, kv{k, clone(e.val)}) }
        }
        sh.mu.RUnlock()
        for _, it := range items {
            if !fn(it.k, it.v) { return }
        }
    }
}

// Stats is a metrics snapshot.
type Stats struct {
    Keys    uint64
    Bytes   uint64
    Sets    uint64
    Hits    uint64
    Misses  uint64
    Dels    uint64
    Expired uint64
}

// Metrics returns current counters without blocking the store.
func (s *Store) Metrics() Stats {
    return Stats{
        Keys:    s.mKeys.Load(),
        Bytes:   s.mBytes.Load(),
        Sets:    s.mSets.Load(),
        Hits:    s.mHits.Load(),
        Misses:  s.mMisses.Load(),
        Dels:    s.mDels.Load(),
        Expired: s.mExpired.Load(),
    }
}

// ---- expiry queue ----

type expItem struct {
    when int64
    key  string
}

type expHeap []expItem

func (h expHeap) Len() int           { return len(h) }
func (h expHeap) Less(i, j int) bool { return h[i].when < h[j].when }
func (h expHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *expHeap) Push(x any)        { *h = append(*h, x.(expItem)) }
func (h *expHeap) Pop() any          { old := *h; n := len(old); it := old[n-1]; *h = old[:n-1]; return it }

func (s *Store) enqueueExpire(key string, when int64) {
    s.expMu.Lock()
    heap.Push(&s.expq, expItem{when: when, key: key})
    s.expMu.Unlock()
    select { case s.wake <- struct{}{}: default: }
}

func (s *Store) expirer() {
    defer s.wg.Done()
    timer := time.NewTimer(time.Hour)
    defer timer.Stop()
    for {
        s.expMu.Lock()
        var wait time.Duration = time.Hour
        for s.expq.Len() > 0 {
            it := s.expq[0]
            now := s.now()
            if it.when > now {
                wait = time.Duration(it.when - now)
                break
            }
            heap.Pop(&s.expq)
            s.expMu.Unlock()
            s.lazyExpire(s.shardFor(it.key), it.key)
            s.expMu.Lock()
        }
        s.expMu.Unlock()

        if !timer.Stop() {
            select { case <-timer.C: default: }
        }
        timer.Reset(wait)
        select {
        case <-s.closed:
            return
        case <-s.wake:
        case <-timer.C:
        }
    }
}
