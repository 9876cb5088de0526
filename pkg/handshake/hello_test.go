package handshake

import (
    "context"
    "sync"
    "testing"
    "time"

    "github.com/stretchr/testify/require"

    "meshbase/pkg/identity"
    "meshbase/pkg/transport/link"
    "meshbase/pkg/transport/link/mem"
)

var (
    idOnce sync.Once
    idA    *identity.Engine
    idB    *identity.Engine
)

func engines(t *testing.T) (*identity.Engine, *identity.Engine) {
    t.Helper()
    idOnce.Do(func() {
        idA, idB = identity.New(0), identity.New(0)
        if err := idA.GenerateKeyPair(); err != nil { panic(err) }
        if err := idB.GenerateKeyPair(); err != nil { panic(err) }
    })
    return idA, idB
}

func TestHelloSignVerify(t *testing.T) {
    a, _ := engines(t)
    h, err := BuildHello("node-a", a)
    require.NoError(t, err)

    b, err := h.Marshal()
    require.NoError(t, err)
    h2, err := ParseHello(b)
    require.NoError(t, err)

    p, err := VerifyHello(h2, time.Minute)
    require.NoError(t, err)
    want, _ := a.ID()
    require.Equal(t, want, p.ID)
    require.Equal(t, "node-a", p.Name)
    require.True(t, identity.ValidateFingerprint(p.PublicKey, p.ID))
}

func TestHelloTamper(t *testing.T) {
    a, b := engines(t)
    h, err := BuildHello("node-a", a)
    require.NoError(t, err)

    renamed := h
    renamed.NodeName = "mallory"
    _, err = VerifyHello(renamed, time.Minute)
    require.ErrorIs(t, err, ErrBadSignature)

    swapped := h
    swapped.PubKey, _ = b.PublicKeyBytes()
    _, err = VerifyHello(swapped, time.Minute)
    require.ErrorIs(t, err, ErrBadSignature)

    stale := h
    stale.Timestamp -= int64(time.Hour / time.Millisecond)
    _, err = VerifyHello(stale, time.Minute)
    require.ErrorIs(t, err, ErrClockSkew)

    garbage := h
    garbage.PubKey = []byte("nope")
    _, err = VerifyHello(garbage, time.Minute)
    require.ErrorIs(t, err, ErrBadHello)

    _, err = ParseHello([]byte{0xff})
    require.ErrorIs(t, err, ErrBadHello)
}

func TestExchangeOverLink(t *testing.T) {
    a, b := engines(t)
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()

    tr := mem.On(mem.NewNetwork())
    l, err := tr.Listen(ctx, "b")
    require.NoError(t, err)
    defer l.Close()
    cli, err := tr.Dial(ctx, "b")
    require.NoError(t, err)
    srv, err := l.Accept(ctx)
    require.NoError(t, err)

    run := func(s link.Session, e *identity.Engine, name string) <-chan Peer {
        out := make(chan Peer, 1)
        go func() {
            st, err := s.Stream(ctx)
            if err != nil { t.Errorf("stream: %v", err); close(out); return }
            h, err := BuildHello(name, e)
            if err != nil { t.Errorf("build: %v", err); close(out); return }
            p, err := Exchange(ctx, st, h, time.Minute)
            if err != nil { t.Errorf("exchange: %v", err); close(out); return }
            out <- p
        }()
        return out
    }
    pa := run(cli, a, "a")
    pb := run(srv, b, "b")

    aID, _ := a.ID()
    bID, _ := b.ID()
    require.Equal(t, bID, (<-pa).ID)
    require.Equal(t, aID, (<-pb).ID)
}
