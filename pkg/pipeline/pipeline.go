// Package pipeline is the egress stage between the mesh manager and the
// router: frames are classified, queued by priority and destination, shaped
// per destination and handed to the router by a single worker, which keeps
// frames to one destination in order.
package pipeline

import (
    "context"
    "errors"
    "sync"
    "time"

    "github.com/google/uuid"
    "go.uber.org/zap"

    "meshbase/pkg/core/priocq"
    "meshbase/pkg/peers"
)

// ErrClosed is reported for items enqueued after, or still queued at, Close.
var ErrClosed = errors.New("pipeline: closed")

// BulkThreshold is the payload size above which frames go to the bulk class.
const BulkThreshold = 64 * 1024

// Sender delivers bytes to a direct neighbor.
type Sender interface {
    SendData(ctx context.Context, b []byte, dest uuid.UUID) error
}

// Options configure shaping. A zero rate disables it.
type Options struct {
    RateBytesPerSec int64
    BurstBytes      int64
    Peers           *peers.Store
}

// Pipeline wires classification → multi-level queue → egress worker.
type Pipeline struct {
    q      *priocq.MultiLevelQueue
    out    Sender
    opts   Options
    shaper map[uuid.UUID]*priocq.TokenBucket

    mu     sync.Mutex
    closed bool

    ctx    context.Context
    cancel context.CancelFunc
    stop   chan struct{}
    done   chan struct{}
}

func New(out Sender, opts Options) *Pipeline {
    ctx, cancel := context.WithCancel(context.Background())
    p := &Pipeline{
        q:      priocq.New(),
        out:    out,
        opts:   opts,
        shaper: make(map[uuid.UUID]*priocq.TokenBucket),
        ctx:    ctx,
        cancel: cancel,
        stop:   make(chan struct{}),
        done:   make(chan struct{}),
    }
    go p.worker()
    return p
}

// Classify picks the queue class of a frame.
func Classify(isAck bool, size int) priocq.Class {
    if isAck { return priocq.L0Control }
    if size > BulkThreshold { return priocq.L2Bulk }
    return priocq.L1Realtime
}

// Enqueue queues b for dest. done is called exactly once with the result of
// the router send, or with ErrClosed.
func (p *Pipeline) Enqueue(b []byte, dest uuid.UUID, class priocq.Class, done func(error)) error {
    p.mu.Lock()
    defer p.mu.Unlock()
    if p.closed { return ErrClosed }
    p.q.Enqueue(priocq.Item{Bytes: b, Dest: dest, Size: len(b), Class: class, Arrived: time.Now(), Done: done})
    return nil
}

// Len returns the number of queued frames.
func (p *Pipeline) Len() int { return p.q.Len() }

// Close cancels the frame in flight, stops the worker and fails whatever is
// still queued with ErrClosed. It is safe to call more than once.
func (p *Pipeline) Close() {
    p.mu.Lock()
    if p.closed { p.mu.Unlock(); <-p.done; return }
    p.closed = true
    p.mu.Unlock()

    close(p.stop)
    p.cancel()
    <-p.done
    left := p.q.Drain()
    if len(left) > 0 { zap.L().Debug("pipeline closed with queued frames", zap.Int("dropped", len(left))) }
    for _, it := range left { finish(it, ErrClosed) }
}

func finish(it priocq.Item, err error) {
    if it.Done != nil { it.Done(err) }
}

func (p *Pipeline) worker() {
    defer close(p.done)
    for {
        select {
        case <-p.stop:
            return
        default:
        }
        it, ok := p.q.Dequeue(p.stop)
        if !ok { return }
        if !p.shape(it) {
            p.q.Enqueue(it)
            return
        }
        err := p.out.SendData(p.ctx, it.Bytes, it.Dest)
        if err != nil {
            zap.L().Debug("egress send failed", zap.String("dest", it.Dest.String()), zap.Stringer("class", it.Class), zap.Error(err))
        } else if p.opts.Peers != nil {
            p.opts.Peers.RecordOut(it.Dest, it.Size)
        }
        finish(it, err)
    }
}

// shape waits for the destination's bucket; false means the pipeline stopped.
func (p *Pipeline) shape(it priocq.Item) bool {
    if p.opts.RateBytesPerSec <= 0 { return true }
    tb := p.shaper[it.Dest]
    if tb == nil {
        tb = priocq.NewTokenBucket(p.opts.RateBytesPerSec, p.opts.BurstBytes)
        p.shaper[it.Dest] = tb
    }
    for {
        ok, wait := tb.Allow(int64(it.Size))
        if ok { return true }
        t := time.NewTimer(wait)
        select {
        case <-p.stop:
            t.Stop()
            return false
        case <-t.C:
        }
    }
}
