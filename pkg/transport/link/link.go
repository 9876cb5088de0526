// Package link provides reliable, ordered byte-message links between two
// nodes over a concrete network (in-process pipes, TCP, QUIC). The lan
// handler runs the mesh handler contract on top of these links.
//
// Key concepts:
// - Transport: dials/listens for Sessions of a specific Kind
// - Session: a connection to one peer carrying a single message Stream
// - Stream: SendBytes/RecvBytes of whole messages (varint length prefix)
// - Manager: keeps one canonical session per peer when both sides dial
package link

import (
    "context"
    "errors"
    "net"
    "time"

    "github.com/google/uuid"
)

// Kind identifies the link type for policy decisions.
type Kind int

const (
    KindUnknown Kind = iota
    KindQUIC
    KindTCP
    KindMem
)

func (k Kind) String() string {
    switch k {
    case KindQUIC:
        return "quic"
    case KindTCP:
        return "tcp"
    case KindMem:
        return "mem"
    default:
        return "unknown"
    }
}

// ParseKind maps a configuration string to a Kind.
func ParseKind(s string) Kind {
    switch s {
    case "quic":
        return KindQUIC
    case "tcp":
        return KindTCP
    case "mem":
        return KindMem
    default:
        return KindUnknown
    }
}

// PeerInfo is what a session knows about the remote end. ID stays uuid.Nil
// until the hello exchange binds it.
type PeerInfo struct {
    ID   uuid.UUID
    Addr string
}

// Stream carries whole messages. Exactly one reader and one writer goroutine
// are expected; SendBytes is additionally safe for concurrent use.
type Stream interface {
    SendBytes([]byte) error
    RecvBytes() ([]byte, error)
    Close() error
}

// Session is a connection to a single peer.
type Session interface {
    Peer() PeerInfo
    SetPeer(PeerInfo)
    Kind() Kind
    // Outbound is true on the dialing side.
    Outbound() bool
    LocalAddr() net.Addr
    RemoteAddr() net.Addr
    EstablishedAt() time.Time

    // Stream returns the session's message stream, opening it on first use.
    Stream(ctx context.Context) (Stream, error)
    Close() error
}

// Listener accepts inbound sessions.
type Listener interface {
    // Accept blocks until an inbound session is available or ctx is done.
    Accept(ctx context.Context) (Session, error)
    Addr() net.Addr
    // Close stops the listener and unblocks Accept.
    Close() error
}

// Transport dials and listens for one link kind.
type Transport interface {
    Kind() Kind
    Listen(ctx context.Context, address string) (Listener, error)
    Dial(ctx context.Context, address string) (Session, error)
}

// ErrListenerClosed is returned by Accept after Close.
var ErrListenerClosed = errors.New("link: listener closed")
