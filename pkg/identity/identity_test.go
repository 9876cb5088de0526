package identity

import (
    "bytes"
    "crypto/rand"
    "os"
    "path/filepath"
    "sync"
    "testing"

    "github.com/google/uuid"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "meshbase/pkg/config"
    "meshbase/pkg/crypto/sign"
)

var (
    sharedOnce sync.Once
    shared     [2]*Engine
)

// engines returns two generated engines, reused across tests since RSA key
// generation is slow.
func engines(t *testing.T) (*Engine, *Engine) {
    t.Helper()
    sharedOnce.Do(func() {
        for i := range shared {
            e := New(DefaultKeyBits)
            if err := e.GenerateKeyPair(); err != nil { t.Fatalf("generate: %v", err) }
            shared[i] = e
        }
    })
    require.NotNil(t, shared[0])
    return shared[0], shared[1]
}

func TestAccessorsBeforeGeneration(t *testing.T) {
    e := New(0)
    _, err := e.PublicKey()
    require.ErrorIs(t, err, ErrNoKeyPair)
    _, err = e.PrivateKey()
    require.ErrorIs(t, err, ErrNoKeyPair)
    _, err = e.ID()
    require.ErrorIs(t, err, ErrNoKeyPair)
}

func TestGenerateRejectsWeakModulus(t *testing.T) {
    err := New(1024).GenerateKeyPair()
    require.ErrorIs(t, err, ErrKeyGeneration)
}

func TestFingerprintDeterministic(t *testing.T) {
    a, b := engines(t)
    pub, err := a.PublicKey()
    require.NoError(t, err)

    f1, err := Fingerprint(pub)
    require.NoError(t, err)
    f2, err := Fingerprint(pub)
    require.NoError(t, err)
    require.Equal(t, f1, f2)

    id, err := a.ID()
    require.NoError(t, err)
    require.Equal(t, f1, id)
    require.True(t, ValidateFingerprint(pub, f1))

    other, _ := b.ID()
    require.NotEqual(t, id, other)
    require.False(t, ValidateFingerprint(pub, other))
}

func TestFingerprintTamperRejected(t *testing.T) {
    a, _ := engines(t)
    pub, _ := a.PublicKey()
    der, err := PublicKeyBytes(pub)
    require.NoError(t, err)
    fp := FingerprintBytes(der)
    require.True(t, ValidateFingerprintBytes(der, fp))

    for i := 0; i < len(fp)*8; i++ {
        bad := fp
        bad[i/8] ^= 1 << (i % 8)
        if ValidateFingerprint(pub, bad) {
            t.Fatalf("bit %d flip still validates", i)
        }
        if ValidateFingerprintBytes(der, bad) {
            t.Fatalf("bit %d flip still validates (bytes form)", i)
        }
    }
}

func TestValidateFingerprintGarbage(t *testing.T) {
    assert.False(t, ValidateFingerprint(nil, uuid.New()))
    assert.False(t, ValidateFingerprintBytes([]byte("not a key"), uuid.New()))
    assert.False(t, ValidateFingerprintBytes(nil, uuid.Nil))
}

func TestPublicKeyBytesRoundTrip(t *testing.T) {
    a, _ := engines(t)
    der, err := a.PublicKeyBytes()
    require.NoError(t, err)
    pub, err := PublicKeyFromBytes(der)
    require.NoError(t, err)
    again, err := PublicKeyBytes(pub)
    require.NoError(t, err)
    require.True(t, bytes.Equal(der, again))

    _, err = PublicKeyFromBytes(der[:len(der)-3])
    require.ErrorIs(t, err, ErrDecodeKey)
}

func TestHybridRoundTrip(t *testing.T) {
    a, _ := engines(t)
    pub, _ := a.PublicKey()
    priv, _ := a.PrivateKey()

    large := make([]byte, 1<<20+17)
    _, err := rand.Read(large)
    require.NoError(t, err)

    for _, m := range [][]byte{{}, {0x42}, []byte("hello mesh"), large} {
        ct, err := Encrypt(m, pub)
        require.NoError(t, err)
        pt, err := Decrypt(ct, priv)
        require.NoError(t, err)
        require.Equal(t, len(m), len(pt))
        require.True(t, bytes.Equal(m, pt))
    }
}

func TestHybridFreshKeyPerMessage(t *testing.T) {
    a, _ := engines(t)
    pub, _ := a.PublicKey()
    c1, err := Encrypt([]byte("same"), pub)
    require.NoError(t, err)
    c2, err := Encrypt([]byte("same"), pub)
    require.NoError(t, err)
    require.NotEqual(t, c1.WrappedKey, c2.WrappedKey)
    require.NotEqual(t, c1.Data, c2.Data)
}

func TestDecryptFailsClosed(t *testing.T) {
    a, b := engines(t)
    pub, _ := a.PublicKey()
    priv, _ := a.PrivateKey()
    wrong, _ := b.PrivateKey()

    ct, err := Encrypt([]byte("secret payload"), pub)
    require.NoError(t, err)

    pt, err := Decrypt(ct, wrong)
    require.ErrorIs(t, err, ErrDecryption)
    require.Nil(t, pt)

    tampered := *ct
    tampered.Data = append([]byte(nil), ct.Data...)
    tampered.Data[0] ^= 0x01
    pt, err = Decrypt(&tampered, priv)
    require.ErrorIs(t, err, ErrDecryption)
    require.Nil(t, pt)

    swapped := *ct
    swapped.WrappedKey = append([]byte(nil), ct.WrappedKey...)
    swapped.WrappedKey[5] ^= 0x80
    _, err = Decrypt(&swapped, priv)
    require.ErrorIs(t, err, ErrDecryption)

    short := *ct
    short.Nonce = ct.Nonce[:4]
    _, err = Decrypt(&short, priv)
    require.ErrorIs(t, err, ErrDecryption)
}

func TestCiphertextMarshal(t *testing.T) {
    a, _ := engines(t)
    pub, _ := a.PublicKey()
    ct, err := Encrypt([]byte("over the wire"), pub)
    require.NoError(t, err)
    b, err := ct.Marshal()
    require.NoError(t, err)
    back, err := ParseCiphertext(b)
    require.NoError(t, err)
    pt, err := a.Decrypt(back)
    require.NoError(t, err)
    require.Equal(t, "over the wire", string(pt))

    _, err = ParseCiphertext([]byte{0xff, 0x00})
    require.ErrorIs(t, err, ErrDecryption)
}

func TestEngineSignVerifies(t *testing.T) {
    a, _ := engines(t)
    sig, err := a.Sign([]byte("transcript"))
    require.NoError(t, err)
    pub, _ := a.PublicKey()
    require.True(t, sign.VerifyPSS(pub, []byte("transcript"), sig))
}

func TestLoadOrGeneratePersists(t *testing.T) {
    path := filepath.Join(t.TempDir(), "keys", "node.pem")
    cfg := config.IdentityConfig{KeyFile: path}

    e1, err := LoadOrGenerate(cfg)
    require.NoError(t, err)
    st, err := os.Stat(path)
    require.NoError(t, err)
    require.Equal(t, os.FileMode(0o600), st.Mode().Perm())

    e2, err := LoadOrGenerate(cfg)
    require.NoError(t, err)
    id1, _ := e1.ID()
    id2, _ := e2.ID()
    require.Equal(t, id1, id2)

    raw, err := os.ReadFile(path)
    require.NoError(t, err)
    pub, err := ParsePEM(raw)
    require.NoError(t, err)
    require.True(t, ValidateFingerprint(pub, id1))
}

func TestLoadOrGenerateBadFile(t *testing.T) {
    path := filepath.Join(t.TempDir(), "bad.pem")
    require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))
    _, err := LoadOrGenerate(config.IdentityConfig{KeyFile: path})
    require.Error(t, err)
}
