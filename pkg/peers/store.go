// Package peers keeps a directory of peers the mesh has met: their verified
// public keys, last-seen times and traffic counters.
package peers

import (
    "bytes"
    "crypto/rsa"
    "errors"
    "sort"
    "time"

    "github.com/google/uuid"
    "go.uber.org/zap"

    "meshbase/pkg/identity"
    "meshbase/pkg/memkv"
    "meshbase/pkg/protocol/codec"
    "meshbase/pkg/transport"
)

// DefaultTTL is how long a record survives without being refreshed.
const DefaultTTL = 24 * time.Hour

var (
    // ErrUnknownPeer is returned for ids the directory has no record of.
    ErrUnknownPeer = errors.New("peers: unknown peer")
    // ErrNoPublicKey is returned when a peer is known but never presented a key.
    ErrNoPublicKey = errors.New("peers: no public key for peer")
)

// Record is what the directory knows about one peer.
type Record struct {
    ID        uuid.UUID `cbor:"1,keyasint" json:"id"`
    Name      string    `cbor:"2,keyasint,omitempty" json:"name,omitempty"`
    PublicKey []byte    `cbor:"3,keyasint,omitempty" json:"public_key,omitempty"`
    Handler   string    `cbor:"4,keyasint,omitempty" json:"handler,omitempty"`
    Address   string    `cbor:"5,keyasint,omitempty" json:"address,omitempty"`
    FirstSeen int64     `cbor:"6,keyasint" json:"first_seen_unix_ms"`
    LastSeen  int64     `cbor:"7,keyasint" json:"last_seen_unix_ms"`
    MsgsIn    uint64    `cbor:"8,keyasint" json:"msgs_in"`
    MsgsOut   uint64    `cbor:"9,keyasint" json:"msgs_out"`
    BytesIn   uint64    `cbor:"10,keyasint" json:"bytes_in"`
    BytesOut  uint64    `cbor:"11,keyasint" json:"bytes_out"`
    // ExpiresIn is filled by List from the record's remaining TTL.
    ExpiresIn time.Duration `cbor:"-" json:"expires_in,omitempty"`
}

// Store persists peer records in the in-memory KV.
type Store struct {
    kv  *memkv.Store
    ttl time.Duration
    now func() time.Time
}

// NewStore wraps kv. ttl <= 0 selects DefaultTTL.
func NewStore(kv *memkv.Store, ttl time.Duration) *Store {
    if ttl <= 0 { ttl = DefaultTTL }
    return &Store{kv: kv, ttl: ttl, now: time.Now}
}

func keyPeer(id uuid.UUID) string { return "peer:" + id.String() }

func (s *Store) load(id uuid.UUID) (Record, bool) {
    b, ok := s.kv.Get(keyPeer(id))
    if !ok { return Record{}, false }
    var r Record
    if err := codec.DefaultCBOR().Unmarshal(b, &r); err != nil {
        zap.L().Warn("peer record corrupt, dropping", zap.String("peer", id.String()), zap.Error(err))
        s.kv.Delete(keyPeer(id))
        return Record{}, false
    }
    return r, true
}

func (s *Store) save(r Record) {
    b, err := codec.DefaultCBOR().Marshal(r)
    if err != nil {
        zap.L().Error("peer record not stored", zap.String("peer", r.ID.String()), zap.Error(err))
        return
    }
    s.kv.Set(keyPeer(r.ID), b, s.ttl)
}

// Learn records dev as seen through handler. A presented public key is
// stored only when it matches the device uuid; a mismatching key is logged
// and ignored and Learn reports false.
func (s *Store) Learn(dev transport.Device, handler transport.HandlerID) bool {
    now := s.now().UnixMilli()
    r, ok := s.load(dev.UUID)
    if !ok { r = Record{ID: dev.UUID, FirstSeen: now} }
    r.LastSeen = now
    r.Handler = string(handler)
    if dev.DisplayName != "" { r.Name = dev.DisplayName }
    if dev.Address != "" { r.Address = dev.Address }
    valid := true
    if len(dev.PublicKey) > 0 {
        if identity.ValidateFingerprintBytes(dev.PublicKey, dev.UUID) {
            if len(r.PublicKey) > 0 && !bytes.Equal(r.PublicKey, dev.PublicKey) {
                zap.L().Warn("peer presented a different key for the same id", zap.String("peer", dev.UUID.String()))
            }
            r.PublicKey = append([]byte(nil), dev.PublicKey...)
        } else {
            zap.L().Warn("peer key does not match its id", zap.String("peer", dev.UUID.String()), zap.String("handler", string(handler)))
            valid = false
        }
    }
    s.save(r)
    return valid
}

// Get returns the record for id.
func (s *Store) Get(id uuid.UUID) (Record, bool) { return s.load(id) }

// PublicKey returns the verified key of id.
func (s *Store) PublicKey(id uuid.UUID) (*rsa.PublicKey, error) {
    r, ok := s.load(id)
    if !ok { return nil, ErrUnknownPeer }
    if len(r.PublicKey) == 0 { return nil, ErrNoPublicKey }
    return identity.PublicKeyFromBytes(r.PublicKey)
}

// RecordIn counts an inbound message of n bytes from id.
func (s *Store) RecordIn(id uuid.UUID, n int) { s.count(id, n, true) }

// RecordOut counts an outbound message of n bytes to id.
func (s *Store) RecordOut(id uuid.UUID, n int) { s.count(id, n, false) }

func (s *Store) count(id uuid.UUID, n int, in bool) {
    key := keyPeer(id)
    ok := s.kv.Update(key, func(old []byte) []byte {
        var r Record
        if err := codec.DefaultCBOR().Unmarshal(old, &r); err != nil { return old }
        if in {
            r.MsgsIn++
            r.BytesIn += uint64(n)
            r.LastSeen = s.now().UnixMilli()
        } else {
            r.MsgsOut++
            r.BytesOut += uint64(n)
        }
        b, err := codec.DefaultCBOR().Marshal(r)
        if err != nil { return old }
        return b
    })
    // hearing from a peer keeps its record alive
    if ok && in { s.kv.Expire(key, s.ttl) }
}

// Forget removes id.
func (s *Store) Forget(id uuid.UUID) bool { return s.kv.Delete(keyPeer(id)) }

// List returns all records ordered by id.
func (s *Store) List() []Record {
    var out []Record
    s.kv.Range(func(k string, v []byte) bool {
        if len(k) < 5 || k[:5] != "peer:" { return true }
        var r Record
        if codec.DefaultCBOR().Unmarshal(v, &r) != nil { return true }
        r.ExpiresIn, _ = s.kv.TTL(k)
        out = append(out, r)
        return true
    })
    sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0 })
    return out
}
