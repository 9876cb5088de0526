package link

import (
    "context"
    "net"
    "sync"
    "time"
)

// ConnSession is a Session over a single net.Conn (TCP, pipes).
type ConnSession struct {
    mu       sync.Mutex
    peer     PeerInfo
    kind     Kind
    c        net.Conn
    outbound bool
    st       *Framed

    establishedAt time.Time
    lastSeen      time.Time
}

// NewConnSession wraps c. addr is recorded as the peer address.
func NewConnSession(kind Kind, c net.Conn, outbound bool, addr string) *ConnSession {
    s := &ConnSession{peer: PeerInfo{Addr: addr}, kind: kind, c: c, outbound: outbound, establishedAt: time.Now()}
    s.st = NewFramed(c, s.touch)
    return s
}

func (s *ConnSession) touch() { s.mu.Lock(); s.lastSeen = time.Now(); s.mu.Unlock() }

func (s *ConnSession) Peer() PeerInfo { s.mu.Lock(); defer s.mu.Unlock(); return s.peer }
func (s *ConnSession) SetPeer(pi PeerInfo) { s.mu.Lock(); s.peer = pi; s.mu.Unlock() }
func (s *ConnSession) Kind() Kind { return s.kind }
func (s *ConnSession) Outbound() bool { return s.outbound }
func (s *ConnSession) LocalAddr() net.Addr { return s.c.LocalAddr() }
func (s *ConnSession) RemoteAddr() net.Addr { return s.c.RemoteAddr() }
func (s *ConnSession) EstablishedAt() time.Time { return s.establishedAt }

// LastSeen is the time of the last completed send or receive.
func (s *ConnSession) LastSeen() time.Time { s.mu.Lock(); defer s.mu.Unlock(); return s.lastSeen }

func (s *ConnSession) Stream(_ context.Context) (Stream, error) { return s.st, nil }
func (s *ConnSession) Close() error { return s.c.Close() }

// AcceptQueue hands accepted sessions to Accept callers. Listener
// implementations embed it.
type AcceptQueue struct {
    newCh     chan Session
    closeCh   chan struct{}
    closeOnce sync.Once
}

// NewAcceptQueue returns an open queue with a small backlog.
func NewAcceptQueue() *AcceptQueue {
    return &AcceptQueue{newCh: make(chan Session, 8), closeCh: make(chan struct{})}
}

// Push offers s to Accept; s is closed when the backlog is full or the
// queue is closed.
func (q *AcceptQueue) Push(s Session) {
    select {
    case <-q.closeCh:
        _ = s.Close()
        return
    default:
    }
    select {
    case q.newCh <- s:
    default:
        _ = s.Close()
    }
}

// Accept waits for the next session.
func (q *AcceptQueue) Accept(ctx context.Context) (Session, error) {
    select {
    case <-ctx.Done():
        return nil, ctx.Err()
    case <-q.closeCh:
        return nil, ErrListenerClosed
    case s := <-q.newCh:
        return s, nil
    }
}

// Close unblocks Accept callers. Safe to call more than once.
func (q *AcceptQueue) Close() { q.closeOnce.Do(func() { close(q.closeCh) }) }

// Done is closed once the queue is closed.
func (q *AcceptQueue) Done() <-chan struct{} { return q.closeCh }
