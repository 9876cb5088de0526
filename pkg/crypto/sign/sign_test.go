package sign

import (
    "crypto/rand"
    "crypto/rsa"
    "testing"

    "github.com/stretchr/testify/require"
)

func TestSignVerifyPSS(t *testing.T) {
    priv, err := rsa.GenerateKey(rand.Reader, 2048)
    require.NoError(t, err)
    msg := HelloTranscript(1, []byte("pub"), []byte("nonce"), 1700000000000, "node-a")

    sig, err := SignPSS(priv, msg)
    require.NoError(t, err)
    require.True(t, VerifyPSS(&priv.PublicKey, msg, sig))

    msg[len(msg)-1] ^= 0x01
    require.False(t, VerifyPSS(&priv.PublicKey, msg, sig))
    require.False(t, VerifyPSS(nil, msg, sig))
}

func TestHelloTranscriptBindsFields(t *testing.T) {
    base := HelloTranscript(1, []byte{1}, []byte{2}, 10, "x")
    for name, other := range map[string][]byte{
        "version": HelloTranscript(2, []byte{1}, []byte{2}, 10, "x"),
        "ts":      HelloTranscript(1, []byte{1}, []byte{2}, 11, "x"),
        "name":    HelloTranscript(1, []byte{1}, []byte{2}, 10, "y"),
        "shifted": HelloTranscript(1, []byte{1, 2}, nil, 10, "x"),
    } {
        require.NotEqual(t, base, other, name)
    }
}
