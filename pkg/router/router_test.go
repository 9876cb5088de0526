package router

import (
    "context"
    "errors"
    "sync"
    "testing"
    "time"

    "github.com/google/uuid"
    "github.com/stretchr/testify/require"

    "meshbase/pkg/identity"
    "meshbase/pkg/memkv"
    "meshbase/pkg/peers"
    "meshbase/pkg/transport"
    "meshbase/pkg/transport/transporttest"
)

// wire binds every handler's sink to r.Apply, recording changes. Tests emit
// from one goroutine, so Apply keeps its single-caller contract.
func wire(r *Router, hs ...*transporttest.Handler) *[]Change {
    var changes []Change
    for _, h := range hs {
        h.Bind(func(ev transport.Event) { changes = append(changes, r.Apply(ev)...) })
    }
    return &changes
}

func newRouter(t *testing.T, opts Options, hs ...*transporttest.Handler) *Router {
    t.Helper()
    list := make([]transport.Handler, 0, len(hs))
    for _, h := range hs { list = append(list, h) }
    r, err := New(list, opts)
    require.NoError(t, err)
    return r
}

func TestSendDataUnreachable(t *testing.T) {
    h := transporttest.New("h1")
    r := newRouter(t, Options{}, h)
    wire(r, h)

    start := time.Now()
    err := r.SendData(context.Background(), []byte("x"), uuid.New())
    require.ErrorIs(t, err, ErrNeighborUnreachable)
    require.Less(t, time.Since(start), 100*time.Millisecond)
    require.Empty(t, h.Sent())

    // Discovered but not connected is not routable either.
    d := transport.Device{UUID: uuid.New()}
    h.Emit(transport.Event{Kind: transport.DeviceDiscovered, Device: d})
    n, ok := r.Lookup(d.UUID)
    require.True(t, ok)
    require.Equal(t, Connecting, n.State)
    require.ErrorIs(t, r.SendData(context.Background(), nil, d.UUID), ErrNeighborUnreachable)
    require.Empty(t, h.Sent())
}

func TestFirstConnectedWins(t *testing.T) {
    h1, h2 := transporttest.New("h1"), transporttest.New("h2")
    r := newRouter(t, Options{}, h1, h2)
    changes := wire(r, h1, h2)

    d := transport.Device{UUID: uuid.New(), Address: "a"}
    h1.Connect(d)
    h2.Connect(transport.Device{UUID: d.UUID, Address: "b"})

    require.Len(t, r.Neighbors(), 1)
    n, _ := r.Lookup(d.UUID)
    require.Equal(t, transport.HandlerID("h1"), n.Handler)
    require.Equal(t, "a", n.Device.Address)
    require.Len(t, *changes, 1)

    require.NoError(t, r.SendData(context.Background(), []byte("hi"), d.UUID))
    require.Len(t, h1.Sent(), 1)
    require.Empty(t, h2.Sent())

    // Only the owner can remove the entry.
    h2.Disconnect(d)
    _, ok := r.Lookup(d.UUID)
    require.True(t, ok)
    h1.Disconnect(d)
    _, ok = r.Lookup(d.UUID)
    require.False(t, ok)
    require.Len(t, *changes, 2)
    require.Equal(t, NeighborRemoved, (*changes)[1].Kind)

    // Now h2 may take over.
    h2.Connect(d)
    n, _ = r.Lookup(d.UUID)
    require.Equal(t, transport.HandlerID("h2"), n.Handler)
}

func TestTransportErrorSurfacedUnchanged(t *testing.T) {
    h := transporttest.New("h1")
    r := newRouter(t, Options{}, h)
    wire(r, h)
    d := transport.Device{UUID: uuid.New()}
    h.Connect(d)

    cause := errors.New("radio busy")
    h.FailSends(cause)
    err := r.SendData(context.Background(), []byte("x"), d.UUID)
    require.ErrorIs(t, err, transport.ErrTransport)
    require.ErrorIs(t, err, cause)
}

func TestReceiveSingleCallback(t *testing.T) {
    h1, h2 := transporttest.New("h1"), transporttest.New("h2")
    r := newRouter(t, Options{}, h1, h2)
    wire(r, h1, h2)

    var mu sync.Mutex
    var got []string
    r.OnReceive(func(b []byte, from transport.Device, _ bool) {
        mu.Lock(); got = append(got, string(b)+"@"+from.UUID.String()); mu.Unlock()
    })

    a, b := transport.Device{UUID: uuid.New()}, transport.Device{UUID: uuid.New()}
    h1.Connect(a)
    h2.Connect(b)
    h1.Deliver([]byte("one"), a)
    h2.Deliver([]byte("two"), b)
    h2.Deliver([]byte("three"), a) // a reached via h1, data over h2 still counts
    h1.Deliver([]byte("ghost"), transport.Device{UUID: uuid.New()})

    require.Equal(t, []string{"one@" + a.UUID.String(), "two@" + b.UUID.String(), "three@" + a.UUID.String()}, got)
}

func TestDuplicatesFlagged(t *testing.T) {
    kv := memkv.New(memkv.Options{})
    defer kv.Close()
    h := transporttest.New("h1")
    r := newRouter(t, Options{Dedup: kv, DedupTTL: time.Minute}, h)
    wire(r, h)

    var dups []bool
    r.OnReceive(func(_ []byte, _ transport.Device, dup bool) { dups = append(dups, dup) })
    d := transport.Device{UUID: uuid.New()}
    h.Connect(d)
    h.Deliver([]byte("frame"), d)
    h.Deliver([]byte("frame"), d)
    h.Deliver([]byte("other"), d)
    require.Equal(t, []bool{false, true, false}, dups)
}

func TestFingerprintMismatchRejected(t *testing.T) {
    e := identity.New(0)
    require.NoError(t, e.GenerateKeyPair())
    der, _ := e.PublicKeyBytes()
    id, _ := e.ID()

    kv := memkv.New(memkv.Options{})
    defer kv.Close()
    ps := peers.NewStore(kv, 0)

    h := transporttest.New("h1")
    r := newRouter(t, Options{Peers: ps}, h)
    changes := wire(r, h)

    h.Connect(transport.Device{UUID: uuid.New(), PublicKey: der})
    require.Empty(t, r.Neighbors())
    require.Empty(t, *changes)

    h.Connect(transport.Device{UUID: id, PublicKey: der})
    require.Len(t, r.Neighbors(), 1)
    _, err := ps.PublicKey(id)
    require.NoError(t, err)
}

func TestAvailabilityDropsNeighbors(t *testing.T) {
    h1, h2 := transporttest.New("h1"), transporttest.New("h2")
    r := newRouter(t, Options{}, h1, h2)
    changes := wire(r, h1, h2)
    a, b := transport.Device{UUID: uuid.New()}, transport.Device{UUID: uuid.New()}
    h1.Connect(a)
    h2.Connect(b)
    *changes = nil

    h1.SetAvailable(false)
    require.Len(t, r.Neighbors(), 1)
    require.Len(t, *changes, 1)
    require.Equal(t, a.UUID, (*changes)[0].Neighbor.Device.UUID)
}

func TestNearbyPrunesConnecting(t *testing.T) {
    h := transporttest.New("h1")
    r := newRouter(t, Options{}, h)
    wire(r, h)
    a, b := transport.Device{UUID: uuid.New()}, transport.Device{UUID: uuid.New()}
    h.Emit(transport.Event{Kind: transport.DeviceDiscovered, Device: a})
    h.Connect(b)
    h.Emit(transport.Event{Kind: transport.NearbySetChanged, Nearby: []transport.Device{b}})
    _, ok := r.Lookup(a.UUID)
    require.False(t, ok)
    _, ok = r.Lookup(b.UUID)
    require.True(t, ok, "connected entries survive nearby updates")
}

func TestShutdownHelpers(t *testing.T) {
    h := transporttest.New("h1")
    r := newRouter(t, Options{}, h)
    wire(r, h)
    d := transport.Device{UUID: uuid.New()}
    h.Connect(d)

    r.MarkDisconnecting()
    require.False(t, r.Reachable(d.UUID))
    require.ErrorIs(t, r.SendData(context.Background(), nil, d.UUID), ErrNeighborUnreachable)
    ch := r.Clear()
    require.Len(t, ch, 1)
    require.Empty(t, r.Neighbors())
}

func TestDuplicateHandlerID(t *testing.T) {
    _, err := New([]transport.Handler{transporttest.New("x"), transporttest.New("x")}, Options{})
    require.Error(t, err)
}
