package peers

import (
    "sync"
    "testing"
    "time"

    "github.com/google/uuid"
    "github.com/stretchr/testify/require"

    "meshbase/pkg/identity"
    "meshbase/pkg/memkv"
    "meshbase/pkg/transport"
)

func TestLearnVerifiedKey(t *testing.T) {
    kv := memkv.New(memkv.Options{})
    defer kv.Close()
    s := NewStore(kv, 0)

    e := identity.New(0)
    require.NoError(t, e.GenerateKeyPair())
    id, _ := e.ID()
    der, _ := e.PublicKeyBytes()

    require.True(t, s.Learn(transport.Device{UUID: id, DisplayName: "a", PublicKey: der}, "lan0"))
    pub, err := s.PublicKey(id)
    require.NoError(t, err)
    require.True(t, identity.ValidateFingerprint(pub, id))

    s.RecordIn(id, 10)
    s.RecordOut(id, 4)
    r, ok := s.Get(id)
    require.True(t, ok)
    require.Equal(t, "a", r.Name)
    require.Equal(t, "lan0", r.Handler)
    require.EqualValues(t, 1, r.MsgsIn)
    require.EqualValues(t, 10, r.BytesIn)
    require.EqualValues(t, 4, r.BytesOut)

    // A key that does not hash to the claimed id is never stored.
    other := uuid.New()
    require.False(t, s.Learn(transport.Device{UUID: other, PublicKey: der}, "lan0"))
    _, err = s.PublicKey(other)
    require.ErrorIs(t, err, ErrNoPublicKey)

    _, err = s.PublicKey(uuid.New())
    require.ErrorIs(t, err, ErrUnknownPeer)

    require.Len(t, s.List(), 2)
    require.True(t, s.Forget(other))
    require.Len(t, s.List(), 1)
}

func testDevice(t *testing.T) transport.Device {
    t.Helper()
    e := identity.New(0)
    require.NoError(t, e.GenerateKeyPair())
    id, _ := e.ID()
    der, _ := e.PublicKeyBytes()
    return transport.Device{UUID: id, PublicKey: der}
}

func TestInboundTrafficRefreshesTTL(t *testing.T) {
    var mu sync.Mutex
    now := time.Unix(1700000000, 0)
    clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
    advance := func(d time.Duration) { mu.Lock(); now = now.Add(d); mu.Unlock() }

    kv := memkv.New(memkv.Options{Now: clock})
    defer kv.Close()
    s := NewStore(kv, time.Hour)
    dev := testDevice(t)
    require.True(t, s.Learn(dev, "lan0"))

    advance(40 * time.Minute)
    s.RecordOut(dev.UUID, 1)
    require.Equal(t, 20*time.Minute, s.List()[0].ExpiresIn)

    s.RecordIn(dev.UUID, 1)
    require.Equal(t, time.Hour, s.List()[0].ExpiresIn)

    // counters never resurrect a forgotten peer
    require.True(t, s.Forget(dev.UUID))
    s.RecordIn(dev.UUID, 1)
    _, ok := s.Get(dev.UUID)
    require.False(t, ok)
}

func TestConcurrentCounters(t *testing.T) {
    kv := memkv.New(memkv.Options{})
    defer kv.Close()
    s := NewStore(kv, 0)
    dev := testDevice(t)
    require.True(t, s.Learn(dev, "lan0"))

    var wg sync.WaitGroup
    for i := 0; i < 50; i++ {
        wg.Add(2)
        go func() { defer wg.Done(); s.RecordIn(dev.UUID, 2) }()
        go func() { defer wg.Done(); s.RecordOut(dev.UUID, 3) }()
    }
    wg.Wait()
    r, ok := s.Get(dev.UUID)
    require.True(t, ok)
    require.EqualValues(t, 50, r.MsgsIn)
    require.EqualValues(t, 100, r.BytesIn)
    require.EqualValues(t, 50, r.MsgsOut)
    require.EqualValues(t, 150, r.BytesOut)
}
