package crypto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Vault is the subset of KeyManager used to seal and open secrets.
type Vault interface {
	EncryptBytes(plaintext []byte) (string, error)
	DecryptBytes(ciphertext string) ([]byte, error)
}

// Credentials is a decrypted exchange credential bundle. Secret material is
// held in byte slices so it can be wiped once a request has been signed.
type Credentials struct {
	APIKey     string `json:"api_key"`
	APISecret  []byte `json:"api_secret"`
	Passphrase []byte `json:"passphrase,omitempty"`
}

// Wipe zeroes the secret material.
func (c *Credentials) Wipe() {
	if c == nil {
		return
	}
	WipeBytes(c.APISecret)
	WipeBytes(c.Passphrase)
	c.APISecret = nil
	c.Passphrase = nil
	c.APIKey = ""
}

// Validate checks that the bundle has the fields every venue needs.
func (c Credentials) Validate() error {
	if c.APIKey == "" || len(c.APISecret) == 0 {
		return errors.New("api key and secret are required")
	}
	return nil
}

// SealCredentials encrypts a bundle into a single opaque string.
func SealCredentials(v Vault, c Credentials) (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode credentials: %w", err)
	}
	defer WipeBytes(raw)
	return v.EncryptBytes(raw)
}

// OpenCredentials decrypts a bundle sealed by SealCredentials. The caller
// owns the result and must Wipe it after use.
func OpenCredentials(v Vault, ciphertext string) (Credentials, error) {
	raw, err := v.DecryptBytes(ciphertext)
	if err != nil {
		return Credentials{}, err
	}
	defer WipeBytes(raw)

	var c Credentials
	if err := json.Unmarshal(raw, &c); err != nil {
		return Credentials{}, fmt.Errorf("%w: decode credentials: %w", ErrDecryptionFailed, err)
	}
	return c, nil
}

// WipeBytes zeroes b in place.
func WipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
