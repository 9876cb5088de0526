// Package mem is an in-process link transport over net.Pipe, used by tests
// and single-process simulations.
package mem

import (
    "context"
    "errors"
    "net"
    "sync"

    "meshbase/pkg/transport/link"
)

// Network is a namespace of in-process listeners. Transports created from the
// same Network can reach each other.
type Network struct {
    mu        sync.Mutex
    listeners map[string]*listener
}

// NewNetwork returns an empty namespace.
func NewNetwork() *Network { return &Network{listeners: make(map[string]*listener)} }

var defaultNetwork = NewNetwork()

// Transport dials and listens on a Network.
type Transport struct{ net *Network }

// New returns a transport on the process-wide default network.
func New() *Transport { return &Transport{net: defaultNetwork} }

// On returns a transport bound to n.
func On(n *Network) *Transport { return &Transport{net: n} }

func (t *Transport) Kind() link.Kind { return link.KindMem }

func (t *Transport) Listen(ctx context.Context, name string) (link.Listener, error) {
    n := t.net
    n.mu.Lock(); defer n.mu.Unlock()
    if _, ok := n.listeners[name]; ok {
        return nil, errors.New("mem: listener already exists")
    }
    l := &listener{name: name, q: link.NewAcceptQueue(), net: n}
    n.listeners[name] = l
    go func() {
        select {
        case <-ctx.Done():
        case <-l.q.Done():
        }
        _ = l.Close()
    }()
    return l, nil
}

func (t *Transport) Dial(ctx context.Context, name string) (link.Session, error) {
    if err := ctx.Err(); err != nil { return nil, err }
    t.net.mu.Lock(); l := t.net.listeners[name]; t.net.mu.Unlock()
    if l == nil { return nil, errors.New("mem: no such listener") }
    c1, c2 := net.Pipe()
    l.q.Push(link.NewConnSession(link.KindMem, c1, false, "pipe"))
    return link.NewConnSession(link.KindMem, c2, true, name), nil
}

type listener struct {
    name string
    q    *link.AcceptQueue
    net  *Network
}

func (l *listener) Addr() net.Addr { return memAddr(l.name) }

func (l *listener) Accept(ctx context.Context) (link.Session, error) { return l.q.Accept(ctx) }

func (l *listener) Close() error {
    l.q.Close()
    l.net.mu.Lock()
    if l.net.listeners[l.name] == l { delete(l.net.listeners, l.name) }
    l.net.mu.Unlock()
    return nil
}

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }
