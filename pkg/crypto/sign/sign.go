package sign

import (
    "crypto"
    "crypto/rand"
    "crypto/rsa"
    "crypto/sha256"
)

var pssOpts = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}

// SignPSS signs data with RSA-PSS over SHA-256.
func SignPSS(priv *rsa.PrivateKey, data []byte) ([]byte, error) {
    sum := sha256.Sum256(data)
    return rsa.SignPSS(rand.Reader, priv, crypto.SHA256, sum[:], pssOpts)
}

// VerifyPSS verifies an RSA-PSS SHA-256 signature.
func VerifyPSS(pub *rsa.PublicKey, data, sig []byte) bool {
    if pub == nil { return false }
    sum := sha256.Sum256(data)
    return rsa.VerifyPSS(pub, crypto.SHA256, sum[:], sig, pssOpts) == nil
}
