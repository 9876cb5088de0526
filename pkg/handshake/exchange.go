package handshake

import (
    "context"
    "time"

    "meshbase/pkg/transport/link"
)

// Exchange sends our hello on st and verifies the peer's. Both sides send
// first, so the exchange completes in one round trip. The stream is closed
// if ctx ends before the peer answers.
func Exchange(ctx context.Context, st link.Stream, ours Hello, maxSkew time.Duration) (Peer, error) {
    b, err := ours.Marshal()
    if err != nil { return Peer{}, err }

    type result struct {
        p   Peer
        err error
    }
    done := make(chan result, 1)
    go func() {
        raw, err := st.RecvBytes()
        if err != nil { done <- result{err: err}; return }
        h, err := ParseHello(raw)
        if err != nil { done <- result{err: err}; return }
        p, err := VerifyHello(h, maxSkew)
        done <- result{p: p, err: err}
    }()
    if err := st.SendBytes(b); err != nil {
        _ = st.Close()
        return Peer{}, err
    }
    select {
    case r := <-done:
        return r.p, r.err
    case <-ctx.Done():
        _ = st.Close()
        return Peer{}, ctx.Err()
    }
}
