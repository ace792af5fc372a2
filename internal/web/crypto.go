package web

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"
)

const encPrefix = "ENC:"

// KeyPair is the per-process RSA key that lets clients send the admin
// password encrypted when the admin API is reached over plain HTTP.
type KeyPair struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

// GenerateKeyPair creates a new RSA-2048 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key: %w", err)
	}
	return &KeyPair{Private: priv, Public: &priv.PublicKey}, nil
}

// PublicKeyPEM returns the PEM-encoded public key.
func (kp *KeyPair) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(kp.Public)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// Decrypt decodes a base64 RSA-OAEP(SHA-256) ciphertext.
func (kp *KeyPair) Decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, kp.Private, data, nil)
	if err != nil {
		return "", fmt.Errorf("RSA decrypt: %w", err)
	}
	return string(plaintext), nil
}

// MaybeDecrypt decrypts values carrying the "ENC:" prefix and returns
// anything else unchanged.
func (kp *KeyPair) MaybeDecrypt(value string) (string, error) {
	if !strings.HasPrefix(value, encPrefix) {
		return value, nil
	}
	if kp == nil {
		return "", fmt.Errorf("encrypted value but no key available")
	}
	return kp.Decrypt(value[len(encPrefix):])
}
