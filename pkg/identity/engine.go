// Package identity holds the local device key pair and derives device
// identities from public-key fingerprints.
//
// A device uuid is the first 16 bytes of SHA3-256 over the PKIX (DER)
// encoding of its RSA public key. The same encoding is used on the wire, so
// any peer that learns the key bytes can recompute and check the uuid.
package identity

import (
    "crypto/rand"
    "crypto/rsa"
    "crypto/x509"
    "errors"
    "fmt"
    "sync"

    "github.com/google/uuid"
    "golang.org/x/crypto/sha3"

    "meshbase/pkg/crypto/sign"
)

// DefaultKeyBits is the RSA modulus size used when none is configured.
const DefaultKeyBits = 2048

// MinKeyBits is the smallest modulus accepted by GenerateKeyPair.
const MinKeyBits = 2048

var (
    // ErrKeyGeneration is returned when a key pair cannot be produced.
    ErrKeyGeneration = errors.New("identity: key generation failed")
    // ErrNoKeyPair is returned by accessors called before a key pair exists.
    ErrNoKeyPair = errors.New("identity: no key pair")
    // ErrDecodeKey is returned for key bytes that are not a canonical RSA public key.
    ErrDecodeKey = errors.New("identity: malformed public key")
)

// Engine owns the local key pair. The pair is written once and read-only
// afterwards, so it may be shared freely between components.
type Engine struct {
    mu   sync.RWMutex
    bits int
    priv *rsa.PrivateKey
    id   uuid.UUID
}

// New returns an engine without key material. Call GenerateKeyPair or
// SetPrivateKey before using it.
func New(bits int) *Engine {
    if bits <= 0 { bits = DefaultKeyBits }
    return &Engine{bits: bits}
}

// GenerateKeyPair creates and stores a fresh RSA key pair.
func (e *Engine) GenerateKeyPair() error {
    if e.bits < MinKeyBits {
        return fmt.Errorf("%w: %d-bit modulus below minimum %d", ErrKeyGeneration, e.bits, MinKeyBits)
    }
    priv, err := rsa.GenerateKey(rand.Reader, e.bits)
    if err != nil {
        return fmt.Errorf("%w: %v", ErrKeyGeneration, err)
    }
    return e.SetPrivateKey(priv)
}

// SetPrivateKey installs an existing key (e.g. loaded from disk).
func (e *Engine) SetPrivateKey(priv *rsa.PrivateKey) error {
    if priv == nil { return ErrNoKeyPair }
    id, err := Fingerprint(&priv.PublicKey)
    if err != nil { return fmt.Errorf("%w: %v", ErrKeyGeneration, err) }
    e.mu.Lock()
    e.priv = priv
    e.id = id
    e.mu.Unlock()
    return nil
}

// PublicKey returns the stored public key.
func (e *Engine) PublicKey() (*rsa.PublicKey, error) {
    e.mu.RLock(); defer e.mu.RUnlock()
    if e.priv == nil { return nil, ErrNoKeyPair }
    return &e.priv.PublicKey, nil
}

// PrivateKey returns the stored private key.
func (e *Engine) PrivateKey() (*rsa.PrivateKey, error) {
    e.mu.RLock(); defer e.mu.RUnlock()
    if e.priv == nil { return nil, ErrNoKeyPair }
    return e.priv, nil
}

// ID returns the local device uuid (fingerprint of the public key).
func (e *Engine) ID() (uuid.UUID, error) {
    e.mu.RLock(); defer e.mu.RUnlock()
    if e.priv == nil { return uuid.Nil, ErrNoKeyPair }
    return e.id, nil
}

// PublicKeyBytes returns the canonical encoding of the local public key.
func (e *Engine) PublicKeyBytes() ([]byte, error) {
    pub, err := e.PublicKey()
    if err != nil { return nil, err }
    return PublicKeyBytes(pub)
}

// Sign signs data with the local private key (RSA-PSS, SHA-256).
func (e *Engine) Sign(data []byte) ([]byte, error) {
    priv, err := e.PrivateKey()
    if err != nil { return nil, err }
    return sign.SignPSS(priv, data)
}

// Decrypt opens a ciphertext addressed to the local key.
func (e *Engine) Decrypt(ct *Ciphertext) ([]byte, error) {
    priv, err := e.PrivateKey()
    if err != nil { return nil, err }
    return Decrypt(ct, priv)
}

// PublicKeyBytes returns the canonical PKIX DER encoding of pub.
func PublicKeyBytes(pub *rsa.PublicKey) ([]byte, error) {
    if pub == nil { return nil, ErrNoKeyPair }
    return x509.MarshalPKIXPublicKey(pub)
}

// PublicKeyFromBytes parses a PKIX DER encoded RSA public key. Inputs that do
// not re-encode to the same bytes are rejected so the round trip is exact.
func PublicKeyFromBytes(b []byte) (*rsa.PublicKey, error) {
    k, err := x509.ParsePKIXPublicKey(b)
    if err != nil {
        return nil, fmt.Errorf("%w: %v", ErrDecodeKey, err)
    }
    pub, ok := k.(*rsa.PublicKey)
    if !ok {
        return nil, fmt.Errorf("%w: not an RSA key (%T)", ErrDecodeKey, k)
    }
    return pub, nil
}

// FingerprintBytes hashes an already canonical key encoding.
func FingerprintBytes(der []byte) uuid.UUID {
    sum := sha3.Sum256(der)
    var id uuid.UUID
    copy(id[:], sum[:len(id)])
    return id
}

// Fingerprint returns the device uuid for pub.
func Fingerprint(pub *rsa.PublicKey) (uuid.UUID, error) {
    der, err := PublicKeyBytes(pub)
    if err != nil { return uuid.Nil, err }
    return FingerprintBytes(der), nil
}

// ValidateFingerprint reports whether claimed is the fingerprint of pub.
// A mismatch is a normal outcome, never an error.
func ValidateFingerprint(pub *rsa.PublicKey, claimed uuid.UUID) bool {
    if pub == nil { return false }
    id, err := Fingerprint(pub)
    if err != nil { return false }
    return id == claimed
}

// ValidateFingerprintBytes parses key bytes and checks them against claimed.
// Bytes that do not decode to a public key simply fail validation.
func ValidateFingerprintBytes(der []byte, claimed uuid.UUID) bool {
    pub, err := PublicKeyFromBytes(der)
    if err != nil { return false }
    return ValidateFingerprint(pub, claimed)
}
