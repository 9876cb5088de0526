package mesh

import "sync"

// inbox is the unbounded serial queue in front of the dispatch goroutine.
// Posting never blocks, so handlers, timers and listener callbacks can all
// feed it, including from inside the dispatch goroutine itself.
type inbox struct {
    mu     sync.Mutex
    q      []func()
    wake   chan struct{}
    closed bool
    done   chan struct{}
}

func newInbox() *inbox {
    return &inbox{wake: make(chan struct{}, 1), done: make(chan struct{})}
}

// post queues fn. It reports false once the inbox is closed.
func (b *inbox) post(fn func()) bool {
    b.mu.Lock()
    if b.closed { b.mu.Unlock(); return false }
    b.q = append(b.q, fn)
    b.mu.Unlock()
    select { case b.wake <- struct{}{}: default: }
    return true
}

// close rejects further posts; run returns once the backlog is processed.
func (b *inbox) close() {
    b.mu.Lock(); b.closed = true; b.mu.Unlock()
    select { case b.wake <- struct{}{}: default: }
}

func (b *inbox) run() {
    defer close(b.done)
    for {
        b.mu.Lock()
        batch := b.q
        b.q = nil
        closed := b.closed
        b.mu.Unlock()
        for _, fn := range batch { fn() }
        if len(batch) > 0 { continue }
        if closed { return }
        <-b.wake
    }
}
