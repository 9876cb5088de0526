// Package handshake implements the signed Hello two nodes exchange when a
// link comes up. A verified Hello binds the link to the sender's public key
// and therefore to its fingerprint-derived device uuid.
package handshake

import (
    "crypto/rand"
    "crypto/rsa"
    "errors"
    "fmt"
    "time"

    "github.com/google/uuid"

    "meshbase/pkg/crypto/sign"
    "meshbase/pkg/identity"
    "meshbase/pkg/protocol/codec"
)

// DefaultMaxSkew is the accepted clock difference when none is given.
const DefaultMaxSkew = 5 * time.Minute

var (
    ErrBadHello     = errors.New("handshake: malformed hello")
    ErrClockSkew    = errors.New("handshake: hello timestamp out of bounds")
    ErrBadSignature = errors.New("handshake: hello signature invalid")
)

// Hello is a signed identity message. PubKey is the canonical (PKIX DER)
// public key encoding.
type Hello struct {
    Version   uint32 `cbor:"1,keyasint"`
    NodeName  string `cbor:"2,keyasint,omitempty"`
    PubKey    []byte `cbor:"3,keyasint"`
    Nonce     []byte `cbor:"4,keyasint"`
    Timestamp int64  `cbor:"5,keyasint"`
    Sig       []byte `cbor:"6,keyasint"`
}

// Peer is the verified result of a Hello.
type Peer struct {
    ID        uuid.UUID
    Name      string
    PublicKey *rsa.PublicKey
    // KeyBytes is the canonical key encoding as received.
    KeyBytes []byte
}

// BuildHello constructs a Hello and signs it with the engine's key.
func BuildHello(nodeName string, id *identity.Engine) (Hello, error) {
    pub, err := id.PublicKeyBytes()
    if err != nil { return Hello{}, err }
    nonce := make([]byte, 16)
    if _, err := rand.Read(nonce); err != nil { return Hello{}, err }
    h := Hello{
        Version:   1,
        NodeName:  nodeName,
        PubKey:    pub,
        Nonce:     nonce,
        Timestamp: time.Now().UnixMilli(),
    }
    sig, err := id.Sign(sign.HelloTranscript(h.Version, h.PubKey, h.Nonce, h.Timestamp, h.NodeName))
    if err != nil { return Hello{}, err }
    h.Sig = sig
    return h, nil
}

// VerifyHello checks version, freshness and signature, and derives the
// sender's device uuid from its key.
func VerifyHello(h Hello, maxSkew time.Duration) (Peer, error) {
    if h.Version != 1 { return Peer{}, fmt.Errorf("%w: version %d", ErrBadHello, h.Version) }
    if len(h.Nonce) == 0 || len(h.Sig) == 0 { return Peer{}, fmt.Errorf("%w: missing nonce or signature", ErrBadHello) }
    pub, err := identity.PublicKeyFromBytes(h.PubKey)
    if err != nil { return Peer{}, fmt.Errorf("%w: %v", ErrBadHello, err) }
    if maxSkew <= 0 { maxSkew = DefaultMaxSkew }
    now := time.Now().UnixMilli()
    if dt := now - h.Timestamp; dt > maxSkew.Milliseconds() || dt < -maxSkew.Milliseconds() {
        return Peer{}, ErrClockSkew
    }
    if !sign.VerifyPSS(pub, sign.HelloTranscript(h.Version, h.PubKey, h.Nonce, h.Timestamp, h.NodeName), h.Sig) {
        return Peer{}, ErrBadSignature
    }
    return Peer{ID: identity.FingerprintBytes(h.PubKey), Name: h.NodeName, PublicKey: pub, KeyBytes: h.PubKey}, nil
}

// Marshal encodes h as deterministic CBOR.
func (h Hello) Marshal() ([]byte, error) { return codec.DefaultCBOR().Marshal(h) }

// ParseHello decodes a Hello produced by Marshal.
func ParseHello(b []byte) (Hello, error) {
    var h Hello
    if err := codec.DefaultCBOR().Unmarshal(b, &h); err != nil {
        return Hello{}, fmt.Errorf("%w: %v", ErrBadHello, err)
    }
    return h, nil
}
