package priocq

import (
    "testing"
    "time"

    "github.com/google/uuid"
)

func TestStrictPriority(t *testing.T) {
    q := New()
    d := uuid.New()
    q.Enqueue(Item{Dest: d, Bytes: []byte("bulk"), Class: L2Bulk})
    q.Enqueue(Item{Dest: d, Bytes: []byte("rt"), Class: L1Realtime})
    q.Enqueue(Item{Dest: d, Bytes: []byte("ctl"), Class: L0Control})

    for _, want := range []string{"ctl", "rt", "bulk"} {
        it, ok := q.TryDequeue()
        if !ok || string(it.Bytes) != want {
            t.Fatalf("got %q ok=%v, want %q", it.Bytes, ok, want)
        }
    }
    if _, ok := q.TryDequeue(); ok {
        t.Fatalf("queue should be empty")
    }
}

func TestFIFOPerDestination(t *testing.T) {
    q := New()
    d := uuid.New()
    for i := 0; i < 5; i++ { q.Enqueue(Item{Dest: d, Bytes: []byte{byte(i)}, Class: L1Realtime}) }
    for i := 0; i < 5; i++ {
        it, _ := q.TryDequeue()
        if it.Bytes[0] != byte(i) {
            t.Fatalf("out of order: got %d want %d", it.Bytes[0], i)
        }
    }
}

func TestDRRFairAndOversized(t *testing.T) {
    q := New()
    a, b := uuid.New(), uuid.New()
    // one item far larger than the control quantum must still come out
    q.Enqueue(Item{Dest: a, Bytes: make([]byte, 10000), Class: L0Control})
    q.Enqueue(Item{Dest: b, Bytes: []byte("s1"), Class: L0Control})
    q.Enqueue(Item{Dest: b, Bytes: []byte("s2"), Class: L0Control})

    got := map[uuid.UUID]int{}
    for i := 0; i < 3; i++ {
        it, ok := q.TryDequeue()
        if !ok { t.Fatalf("dequeue %d failed", i) }
        got[it.Dest]++
    }
    if got[a] != 1 || got[b] != 2 || q.Len() != 0 {
        t.Fatalf("unexpected distribution %v len=%d", got, q.Len())
    }
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
    q := New()
    stop := make(chan struct{})
    res := make(chan Item, 1)
    go func() { it, _ := q.Dequeue(stop); res <- it }()
    time.Sleep(20 * time.Millisecond)
    q.Enqueue(Item{Dest: uuid.New(), Bytes: []byte("x")})
    select {
    case it := <-res:
        if string(it.Bytes) != "x" { t.Fatalf("got %q", it.Bytes) }
    case <-time.After(time.Second):
        t.Fatalf("Dequeue did not wake")
    }

    go func() { _, ok := q.Dequeue(stop); if ok { res <- Item{} } else { close(res) } }()
    close(stop)
    select {
    case _, open := <-res:
        if open { t.Fatalf("Dequeue returned an item after stop") }
    case <-time.After(time.Second):
        t.Fatalf("Dequeue ignored stop")
    }
}

func TestDrain(t *testing.T) {
    q := New()
    q.Enqueue(Item{Dest: uuid.New(), Bytes: []byte("a"), Class: L2Bulk})
    q.Enqueue(Item{Dest: uuid.New(), Bytes: []byte("b"), Class: L0Control})
    out := q.Drain()
    if len(out) != 2 || string(out[0].Bytes) != "b" || q.Len() != 0 {
        t.Fatalf("drain = %v", out)
    }
}

func TestTokenBucket(t *testing.T) {
    now := time.Unix(0, 0)
    tb := NewTokenBucket(1000, 100)
    tb.now = func() time.Time { return now }
    tb.last = now

    if ok, _ := tb.Allow(100); !ok { t.Fatalf("burst should pass") }
    ok, wait := tb.Allow(50)
    if ok || wait != 50*time.Millisecond {
        t.Fatalf("ok=%v wait=%v", ok, wait)
    }
    now = now.Add(50 * time.Millisecond)
    if ok, _ := tb.Allow(50); !ok { t.Fatalf("refill failed") }

    now = now.Add(time.Second)
    if ok, _ := tb.Allow(500); !ok { t.Fatalf("oversized request on full bucket should pass") }
    if ok, _ := tb.Allow(1); ok { t.Fatalf("bucket should be empty") }
}

func TestTokenBucketLongIdle(t *testing.T) {
    now := time.Unix(0, 0)
    tb := NewTokenBucket(1_000_000, 2_000_000)
    tb.now = func() time.Time { return now }
    tb.last = now

    if ok, _ := tb.Allow(2_000_000); !ok { t.Fatalf("burst should pass") }
    if ok, _ := tb.Allow(1); ok { t.Fatalf("bucket should be empty") }

    now = now.Add(3 * time.Hour)
    if ok, wait := tb.Allow(1_000_000); !ok { t.Fatalf("refill after idle failed, wait=%v", wait) }
    if ok, _ := tb.Allow(1_000_000); !ok { t.Fatalf("bucket should be full after idle") }
    if ok, _ := tb.Allow(1); ok { t.Fatalf("refill exceeded capacity") }
}

func TestTokenBucketIdleWhileFull(t *testing.T) {
    now := time.Unix(0, 0)
    tb := NewTokenBucket(1000, 100)
    tb.now = func() time.Time { return now }
    tb.last = now

    now = now.Add(time.Hour)
    if ok, _ := tb.Allow(100); !ok { t.Fatalf("full bucket should pass") }
    // time spent full earns nothing
    if ok, wait := tb.Allow(100); ok || wait != 100*time.Millisecond {
        t.Fatalf("ok=%v wait=%v", ok, wait)
    }
}
