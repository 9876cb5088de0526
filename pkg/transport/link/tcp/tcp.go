// Package tcp is a link transport over TCP connections.
package tcp

import (
    "context"
    "net"

    "meshbase/pkg/transport/link"
)

// Transport implements TCP links with varint length-prefixed messages.
type Transport struct{}

func New() *Transport { return &Transport{} }

func (t *Transport) Kind() link.Kind { return link.KindTCP }

func (t *Transport) Listen(ctx context.Context, address string) (link.Listener, error) {
    var lc net.ListenConfig
    l, err := lc.Listen(ctx, "tcp", address)
    if err != nil { return nil, err }
    tl := &listener{l: l, q: link.NewAcceptQueue()}
    go tl.acceptLoop()
    go func() {
        select {
        case <-ctx.Done():
        case <-tl.q.Done():
        }
        _ = tl.Close()
    }()
    return tl, nil
}

func (t *Transport) Dial(ctx context.Context, address string) (link.Session, error) {
    d := &net.Dialer{}
    c, err := d.DialContext(ctx, "tcp", address)
    if err != nil { return nil, err }
    return link.NewConnSession(link.KindTCP, c, true, address), nil
}

type listener struct {
    l net.Listener
    q *link.AcceptQueue
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (link.Session, error) { return l.q.Accept(ctx) }

func (l *listener) Close() error {
    l.q.Close()
    return l.l.Close()
}

func (l *listener) acceptLoop() {
    for {
        c, err := l.l.Accept()
        if err != nil { return }
        l.q.Push(link.NewConnSession(link.KindTCP, c, false, c.RemoteAddr().String()))
    }
}
