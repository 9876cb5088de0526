// Package quic is a link transport over QUIC. Each session carries one
// bidirectional stream opened by the dialer.
package quic

import (
    "context"
    "crypto/rand"
    "crypto/rsa"
    "crypto/tls"
    "crypto/x509"
    "math/big"
    "net"
    "sync"
    "time"

    quicgo "github.com/quic-go/quic-go"

    "meshbase/pkg/transport/link"
)

const alpn = "meshbase"

// Transport implements QUIC sessions with length-prefixed messages on a
// single stream. TLS only secures the channel; peer identity is established
// by the signed hello on top.
type Transport struct {
    tlsConf  *tls.Config
    quicConf *quicgo.Config
}

// New builds a transport with an ephemeral self-signed server certificate.
func New() (*Transport, error) {
    cert, err := selfSignedCert()
    if err != nil { return nil, err }
    tlsConf := &tls.Config{
        Certificates: []tls.Certificate{cert},
        NextProtos:   []string{alpn},
        MinVersion:   tls.VersionTLS13,
    }
    qconf := &quicgo.Config{KeepAlivePeriod: 10 * time.Second, MaxIdleTimeout: 30 * time.Second}
    return &Transport{tlsConf: tlsConf, quicConf: qconf}, nil
}

func (t *Transport) Kind() link.Kind { return link.KindQUIC }

func (t *Transport) Listen(ctx context.Context, address string) (link.Listener, error) {
    l, err := quicgo.ListenAddr(address, t.tlsConf, t.quicConf)
    if err != nil { return nil, err }
    ql := &listener{l: l, q: link.NewAcceptQueue()}
    lctx, cancel := context.WithCancel(ctx)
    go ql.acceptLoop(lctx)
    go func() {
        select {
        case <-ctx.Done():
        case <-ql.q.Done():
        }
        cancel()
        _ = ql.Close()
    }()
    return ql, nil
}

func (t *Transport) Dial(ctx context.Context, address string) (link.Session, error) {
    tlsClient := &tls.Config{
        InsecureSkipVerify: true, // identity is verified by the hello signature
        NextProtos:         []string{alpn},
        MinVersion:         tls.VersionTLS13,
    }
    c, err := quicgo.DialAddr(ctx, address, tlsClient, t.quicConf)
    if err != nil { return nil, err }
    return newSession(c, true, address), nil
}

type listener struct {
    l *quicgo.Listener
    q *link.AcceptQueue
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (link.Session, error) { return l.q.Accept(ctx) }

func (l *listener) Close() error {
    l.q.Close()
    return l.l.Close()
}

func (l *listener) acceptLoop(ctx context.Context) {
    for {
        c, err := l.l.Accept(ctx)
        if err != nil { return }
        l.q.Push(newSession(c, false, c.RemoteAddr().String()))
    }
}

type session struct {
    c        quicgo.Connection
    outbound bool

    mu            sync.Mutex
    peer          link.PeerInfo
    st            *link.Framed
    establishedAt time.Time
    lastSeen      time.Time
}

func newSession(c quicgo.Connection, outbound bool, addr string) *session {
    return &session{c: c, outbound: outbound, peer: link.PeerInfo{Addr: addr}, establishedAt: time.Now()}
}

func (s *session) Peer() link.PeerInfo { s.mu.Lock(); defer s.mu.Unlock(); return s.peer }
func (s *session) SetPeer(pi link.PeerInfo) { s.mu.Lock(); s.peer = pi; s.mu.Unlock() }
func (s *session) Kind() link.Kind { return link.KindQUIC }
func (s *session) Outbound() bool { return s.outbound }
func (s *session) LocalAddr() net.Addr { return s.c.LocalAddr() }
func (s *session) RemoteAddr() net.Addr { return s.c.RemoteAddr() }
func (s *session) EstablishedAt() time.Time { return s.establishedAt }

func (s *session) touch() { s.mu.Lock(); s.lastSeen = time.Now(); s.mu.Unlock() }

// Stream opens (dialer) or accepts (listener) the session's single stream.
// The listener side returns once the dialer has written to it.
func (s *session) Stream(ctx context.Context) (link.Stream, error) {
    s.mu.Lock()
    if s.st != nil {
        st := s.st
        s.mu.Unlock()
        return st, nil
    }
    s.mu.Unlock()

    var (
        qs  quicgo.Stream
        err error
    )
    if s.outbound {
        qs, err = s.c.OpenStreamSync(ctx)
    } else {
        qs, err = s.c.AcceptStream(ctx)
    }
    if err != nil { return nil, err }

    s.mu.Lock(); defer s.mu.Unlock()
    if s.st == nil { s.st = link.NewFramed(qs, s.touch) }
    return s.st, nil
}

func (s *session) Close() error { return s.c.CloseWithError(0, "") }

// selfSignedCert generates a short-lived self-signed TLS certificate.
func selfSignedCert() (tls.Certificate, error) {
    priv, err := rsa.GenerateKey(rand.Reader, 2048)
    if err != nil { return tls.Certificate{}, err }
    tmpl := x509.Certificate{
        SerialNumber:          big.NewInt(time.Now().UnixNano()),
        NotBefore:             time.Now().Add(-time.Minute),
        NotAfter:              time.Now().Add(24 * time.Hour),
        KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
        ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
        BasicConstraintsValid: true,
        DNSNames:              []string{"localhost"},
    }
    der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
    if err != nil { return tls.Certificate{}, err }
    return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
