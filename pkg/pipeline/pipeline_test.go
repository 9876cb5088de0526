package pipeline

import (
    "context"
    "errors"
    "sync"
    "testing"
    "time"

    "github.com/google/uuid"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "meshbase/pkg/core/priocq"
)

type recorder struct {
    mu    sync.Mutex
    sent  [][]byte
    fail  error
    block chan struct{}
}

func (r *recorder) SendData(ctx context.Context, b []byte, dest uuid.UUID) error {
    if r.block != nil {
        select {
        case <-r.block:
        case <-ctx.Done():
            return ctx.Err()
        }
    }
    r.mu.Lock()
    defer r.mu.Unlock()
    r.sent = append(r.sent, b)
    return r.fail
}

func (r *recorder) count() int { r.mu.Lock(); defer r.mu.Unlock(); return len(r.sent) }

func TestClassify(t *testing.T) {
    assert.Equal(t, priocq.L0Control, Classify(true, 1<<20))
    assert.Equal(t, priocq.L1Realtime, Classify(false, BulkThreshold))
    assert.Equal(t, priocq.L2Bulk, Classify(false, BulkThreshold+1))
}

func TestDeliversInOrderAndReports(t *testing.T) {
    rec := &recorder{}
    p := New(rec, Options{})
    defer p.Close()

    dest := uuid.New()
    results := make(chan error, 3)
    for i := 0; i < 3; i++ {
        require.NoError(t, p.Enqueue([]byte{byte(i)}, dest, priocq.L1Realtime, func(err error) { results <- err }))
    }
    for i := 0; i < 3; i++ {
        select {
        case err := <-results:
            require.NoError(t, err)
        case <-time.After(time.Second):
            t.Fatal("no completion")
        }
    }
    rec.mu.Lock()
    defer rec.mu.Unlock()
    require.Len(t, rec.sent, 3)
    for i, b := range rec.sent { assert.Equal(t, byte(i), b[0]) }
}

func TestSendErrorReachesCallback(t *testing.T) {
    boom := errors.New("boom")
    p := New(&recorder{fail: boom}, Options{})
    defer p.Close()

    res := make(chan error, 1)
    require.NoError(t, p.Enqueue([]byte("x"), uuid.New(), priocq.L1Realtime, func(err error) { res <- err }))
    select {
    case err := <-res:
        require.ErrorIs(t, err, boom)
    case <-time.After(time.Second):
        t.Fatal("no completion")
    }
}

func TestCloseFailsQueued(t *testing.T) {
    rec := &recorder{block: make(chan struct{})}
    p := New(rec, Options{})

    var mu sync.Mutex
    var errs []error
    done := func(err error) { mu.Lock(); errs = append(errs, err); mu.Unlock() }
    dest := uuid.New()
    for i := 0; i < 4; i++ { require.NoError(t, p.Enqueue([]byte{byte(i)}, dest, priocq.L1Realtime, done)) }

    closed := make(chan struct{})
    go func() { p.Close(); close(closed) }()
    time.Sleep(20 * time.Millisecond)
    close(rec.block)
    select {
    case <-closed:
    case <-time.After(2 * time.Second):
        t.Fatal("Close did not return")
    }

    mu.Lock()
    defer mu.Unlock()
    require.Len(t, errs, 4)
    closedCount := 0
    for _, err := range errs { if errors.Is(err, ErrClosed) { closedCount++ } }
    assert.GreaterOrEqual(t, closedCount, 3)
    assert.ErrorIs(t, p.Enqueue([]byte("late"), dest, priocq.L0Control, nil), ErrClosed)
    p.Close()
}

func TestShaperDelaysSecondFrame(t *testing.T) {
    rec := &recorder{}
    p := New(rec, Options{RateBytesPerSec: 1000, BurstBytes: 100})
    defer p.Close()

    dest := uuid.New()
    res := make(chan error, 2)
    start := time.Now()
    require.NoError(t, p.Enqueue(make([]byte, 100), dest, priocq.L1Realtime, func(err error) { res <- err }))
    require.NoError(t, p.Enqueue(make([]byte, 50), dest, priocq.L1Realtime, func(err error) { res <- err }))
    for i := 0; i < 2; i++ {
        select {
        case err := <-res:
            require.NoError(t, err)
        case <-time.After(2 * time.Second):
            t.Fatal("no completion")
        }
    }
    assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
    assert.Equal(t, 2, rec.count())
}
