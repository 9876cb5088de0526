package config

// IdentityConfig describes the local RSA identity.
type IdentityConfig struct {
    KeyBits    int    `mapstructure:"key_bits"`    // RSA modulus size for generated keys
    PrivateKey string `mapstructure:"private_key"` // base64url(no padding) of PKCS#8 DER
    KeyFile    string `mapstructure:"key_file"`    // PEM file; generated and written when missing
}
