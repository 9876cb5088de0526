package identity

import (
    "crypto/rand"
    "crypto/rsa"
    "crypto/sha256"
    "errors"
    "fmt"
    "io"

    "golang.org/x/crypto/chacha20poly1305"

    "meshbase/pkg/protocol/codec"
)

// ErrDecryption is returned for any ciphertext that cannot be opened. The
// cause is deliberately not distinguished (wrong key, tampering, truncation).
var ErrDecryption = errors.New("identity: decryption failed")

// oaepLabel binds wrapped keys to this protocol.
var oaepLabel = []byte("meshbase-v1")

// Ciphertext is the output of Encrypt. The payload key is wrapped with
// RSA-OAEP; the payload itself is sealed with ChaCha20-Poly1305 and the
// wrapped key is bound as additional data.
type Ciphertext struct {
    WrappedKey []byte `cbor:"1,keyasint"`
    Nonce      []byte `cbor:"2,keyasint"`
    Data       []byte `cbor:"3,keyasint"`
}

// Marshal encodes the ciphertext as deterministic CBOR.
func (c *Ciphertext) Marshal() ([]byte, error) {
    return codec.DefaultCBOR().Marshal(c)
}

// ParseCiphertext decodes bytes produced by Ciphertext.Marshal.
func ParseCiphertext(b []byte) (*Ciphertext, error) {
    var c Ciphertext
    if err := codec.DefaultCBOR().Unmarshal(b, &c); err != nil {
        return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
    }
    return &c, nil
}

// Encrypt seals plaintext for the holder of pub. Any plaintext length works,
// including zero.
func Encrypt(plaintext []byte, pub *rsa.PublicKey) (*Ciphertext, error) {
    if pub == nil { return nil, ErrNoKeyPair }
    key := make([]byte, chacha20poly1305.KeySize)
    if _, err := io.ReadFull(rand.Reader, key); err != nil {
        return nil, fmt.Errorf("identity: payload key: %w", err)
    }
    wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, oaepLabel)
    if err != nil {
        return nil, fmt.Errorf("identity: wrap key: %w", err)
    }
    aead, err := chacha20poly1305.New(key)
    if err != nil { return nil, err }
    nonce := make([]byte, aead.NonceSize())
    if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
        return nil, fmt.Errorf("identity: nonce: %w", err)
    }
    return &Ciphertext{
        WrappedKey: wrapped,
        Nonce:      nonce,
        Data:       aead.Seal(nil, nonce, plaintext, wrapped),
    }, nil
}

// Decrypt opens ct with priv. It returns ErrDecryption and no plaintext on
// any integrity or key mismatch.
func Decrypt(ct *Ciphertext, priv *rsa.PrivateKey) ([]byte, error) {
    if priv == nil { return nil, ErrNoKeyPair }
    if ct == nil || len(ct.Nonce) != chacha20poly1305.NonceSize {
        return nil, ErrDecryption
    }
    key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ct.WrappedKey, oaepLabel)
    if err != nil || len(key) != chacha20poly1305.KeySize {
        return nil, ErrDecryption
    }
    aead, err := chacha20poly1305.New(key)
    if err != nil { return nil, ErrDecryption }
    pt, err := aead.Open(nil, ct.Nonce, ct.Data, ct.WrappedKey)
    if err != nil { return nil, ErrDecryption }
    if pt == nil { pt = []byte{} }
    return pt, nil
}
