package mesh

import (
    "sync"

    "meshbase/pkg/protocol"
    "meshbase/pkg/router"
    "meshbase/pkg/transport"
)

// EventKind discriminates Event.
type EventKind int

const (
    StatusChanged EventKind = iota + 1
    NeighborConnected
    NeighborDisconnected
    DataReceived
    Error
)

func (k EventKind) String() string {
    switch k {
    case StatusChanged:
        return "status"
    case NeighborConnected:
        return "neighbor-connected"
    case NeighborDisconnected:
        return "neighbor-disconnected"
    case DataReceived:
        return "data"
    case Error:
        return "error"
    default:
        return "unknown"
    }
}

// Event is what a subscriber receives. Only the fields of its kind are set:
// Status for StatusChanged, Neighbor for the neighbor kinds, Frame and From
// for DataReceived, Err (and From when known) for Error.
type Event struct {
    Kind     EventKind
    Status   Status
    Neighbor router.Neighbor
    Frame    *protocol.Frame
    From     transport.Device
    Err      error
}

// subscription buffers events without bound so the dispatch goroutine never
// waits on a slow consumer.
type subscription struct {
    ch   chan Event
    mu   sync.Mutex
    q    []Event
    wake chan struct{}
    stop chan struct{}
    once sync.Once
}

func newSubscription() *subscription {
    s := &subscription{ch: make(chan Event), wake: make(chan struct{}, 1), stop: make(chan struct{})}
    go s.pump()
    return s
}

func (s *subscription) push(ev Event) {
    s.mu.Lock(); s.q = append(s.q, ev); s.mu.Unlock()
    select { case s.wake <- struct{}{}: default: }
}

func (s *subscription) close() { s.once.Do(func() { close(s.stop) }) }

func (s *subscription) pump() {
    defer close(s.ch)
    for {
        s.mu.Lock()
        var ev Event
        have := len(s.q) > 0
        if have { ev = s.q[0]; s.q[0] = Event{}; s.q = s.q[1:] }
        s.mu.Unlock()
        if !have {
            select {
            case <-s.wake:
                continue
            case <-s.stop:
                return
            }
        }
        select {
        case s.ch <- ev:
        case <-s.stop:
            return
        }
    }
}

// Subscribe returns the channel of the single current subscriber. A new call
// replaces the previous subscription, whose channel is closed.
func (m *Manager) Subscribe() <-chan Event {
    s := newSubscription()
    m.subMu.Lock()
    old := m.sub
    m.sub = s
    m.subMu.Unlock()
    if old != nil { old.close() }
    return s.ch
}

func (m *Manager) emit(ev Event) {
    m.subMu.Lock(); s := m.sub; m.subMu.Unlock()
    if s != nil { s.push(ev) }
}
