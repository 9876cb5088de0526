package identity

import (
    "crypto/rsa"
    "crypto/x509"
    "encoding/base64"
    "encoding/pem"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"

    "go.uber.org/zap"

    "meshbase/pkg/config"
)

const pemPrivateKey = "PRIVATE KEY"

// LoadOrGenerate returns an engine holding the configured key. Lookup order:
// inline private_key, then key_file; when neither yields a key a new pair is
// generated and, if key_file is set, written there with 0600 permissions.
func LoadOrGenerate(c config.IdentityConfig) (*Engine, error) {
    e := New(c.KeyBits)
    if s := strings.TrimSpace(c.PrivateKey); s != "" {
        der, err := base64.RawURLEncoding.DecodeString(s)
        if err != nil { return nil, fmt.Errorf("identity.private_key: %w", err) }
        priv, err := parsePKCS8(der)
        if err != nil { return nil, fmt.Errorf("identity.private_key: %w", err) }
        return e, e.SetPrivateKey(priv)
    }
    if path := strings.TrimSpace(c.KeyFile); path != "" {
        priv, err := ReadKeyFile(path)
        switch {
        case err == nil:
            return e, e.SetPrivateKey(priv)
        case !errors.Is(err, os.ErrNotExist):
            return nil, err
        }
    }
    if err := e.GenerateKeyPair(); err != nil { return nil, err }
    id, _ := e.ID()
    if path := strings.TrimSpace(c.KeyFile); path != "" {
        priv, _ := e.PrivateKey()
        if err := WriteKeyFile(path, priv); err != nil { return nil, err }
        zap.L().Info("generated new identity", zap.String("id", id.String()), zap.String("key_file", path))
    } else {
        zap.L().Warn("generated ephemeral identity (set identity.key_file to persist it)", zap.String("id", id.String()))
    }
    return e, nil
}

// ReadKeyFile reads a PEM encoded PKCS#8 RSA private key.
func ReadKeyFile(path string) (*rsa.PrivateKey, error) {
    b, err := os.ReadFile(path)
    if err != nil { return nil, err }
    blk, _ := pem.Decode(b)
    if blk == nil || blk.Type != pemPrivateKey {
        return nil, fmt.Errorf("%s: no %q PEM block", path, pemPrivateKey)
    }
    priv, err := parsePKCS8(blk.Bytes)
    if err != nil { return nil, fmt.Errorf("%s: %w", path, err) }
    return priv, nil
}

// WriteKeyFile stores priv as PEM encoded PKCS#8, creating parent directories.
func WriteKeyFile(path string, priv *rsa.PrivateKey) error {
    der, err := x509.MarshalPKCS8PrivateKey(priv)
    if err != nil { return err }
    if dir := filepath.Dir(path); dir != "." {
        if err := os.MkdirAll(dir, 0o700); err != nil { return err }
    }
    return os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: pemPrivateKey, Bytes: der}), 0o600)
}

// PublicKeyPEM renders the canonical public key encoding as PEM.
func PublicKeyPEM(pub *rsa.PublicKey) ([]byte, error) {
    der, err := PublicKeyBytes(pub)
    if err != nil { return nil, err }
    return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePEM accepts either a private key or a public key PEM block and returns
// the public half.
func ParsePEM(b []byte) (*rsa.PublicKey, error) {
    blk, _ := pem.Decode(b)
    if blk == nil { return nil, fmt.Errorf("%w: no PEM block", ErrDecodeKey) }
    switch blk.Type {
    case pemPrivateKey:
        priv, err := parsePKCS8(blk.Bytes)
        if err != nil { return nil, err }
        return &priv.PublicKey, nil
    case "PUBLIC KEY":
        return PublicKeyFromBytes(blk.Bytes)
    default:
        return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrDecodeKey, blk.Type)
    }
}

func parsePKCS8(der []byte) (*rsa.PrivateKey, error) {
    k, err := x509.ParsePKCS8PrivateKey(der)
    if err != nil { return nil, fmt.Errorf("%w: %v", ErrDecodeKey, err) }
    priv, ok := k.(*rsa.PrivateKey)
    if !ok { return nil, fmt.Errorf("%w: not an RSA key (%T)", ErrDecodeKey, k) }
    return priv, nil
}
