package cryptoutils

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
)

// pssSaltLength matches the salt length used by browser clients (WebCrypto
// RSA-PSS with SHA-256).
const pssSaltLength = 32

func oaepHash(v ShaVersion) (hash.Hash, error) {
	switch v {
	case OAEPWithSHA1:
		return sha1.New(), nil
	case OAEPWithSHA256:
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("unsupported OAEP hash variant %d", v)
	}
}

// GenerateRSAKeyPair creates a new RSA key pair for the given OAEP variant.
func GenerateRSAKeyPair(bits int, v ShaVersion) (KeyPair, error) {
	if bits == 0 {
		bits = DefaultRSAKeySize
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return KeyPair{}, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return KeyPair{Private: priv, Hash: v}, nil
}

// EncryptRSA encrypts data with RSA-OAEP using the key's OAEP variant.
func EncryptRSA(pub PublicKey, data []byte) ([]byte, error) {
	if pub.Key == nil {
		return nil, errors.New("nil public key")
	}
	h, err := oaepHash(pub.Hash)
	if err != nil {
		return nil, err
	}
	ciphertext, err := rsa.EncryptOAEP(h, rand.Reader, pub.Key, data, nil)
	if err != nil {
		return nil, fmt.Errorf("RSA-OAEP encryption failed: %w", err)
	}
	return ciphertext, nil
}

// DecryptRSA decrypts RSA-OAEP ciphertext with the pair's OAEP variant.
func DecryptRSA(kp KeyPair, ciphertext []byte) ([]byte, error) {
	if kp.Private == nil {
		return nil, errors.New("nil private key")
	}
	h, err := oaepHash(kp.Hash)
	if err != nil {
		return nil, err
	}
	plaintext, err := rsa.DecryptOAEP(h, nil, kp.Private, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("RSA-OAEP decryption failed: %w", err)
	}
	return plaintext, nil
}

// SignPSS signs data with RSA-PSS over SHA-256.
func SignPSS(priv *rsa.PrivateKey, data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest[:], &rsa.PSSOptions{SaltLength: pssSaltLength})
	if err != nil {
		return nil, fmt.Errorf("RSA-PSS signing failed: %w", err)
	}
	return sig, nil
}

// VerifyPSS checks an RSA-PSS SHA-256 signature.
func VerifyPSS(pub *rsa.PublicKey, data, signature []byte) bool {
	if pub == nil {
		return false
	}
	digest := sha256.Sum256(data)
	return rsa.VerifyPSS(pub, crypto.SHA256, digest[:], signature, &rsa.PSSOptions{SaltLength: pssSaltLength}) == nil
}

// MarshalSpkiHex encodes a public key as hex SPKI (PKIX DER).
func MarshalSpkiHex(pub *rsa.PublicKey) (string, error) {
	if pub == nil {
		return "", errors.New("nil public key")
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return hex.EncodeToString(der), nil
}

// ParseSpkiHex decodes a hex SPKI RSA public key.
func ParseSpkiHex(spkiHex string) (*rsa.PublicKey, error) {
	der, err := hex.DecodeString(spkiHex)
	if err != nil {
		return nil, fmt.Errorf("invalid hex format: %w", err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("invalid public key structure: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported public key type: %T", parsed)
	}
	return pub, nil
}

// MarshalPKCS8 encodes a private key as PKCS8 DER.
func MarshalPKCS8(priv *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return der, nil
}

// ParsePKCS8 decodes a PKCS8 DER RSA private key.
func ParsePKCS8(der []byte) (*rsa.PrivateKey, error) {
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("invalid private key structure: %w", err)
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type: %T", parsed)
	}
	return priv, nil
}

// SelfTest runs a live encrypt/decrypt round trip with the pair. A key that
// parses correctly but fails this test must not be used.
func SelfTest(kp KeyPair) error {
	if kp.Private == nil {
		return errors.New("nil private key")
	}
	if err := kp.Private.Validate(); err != nil {
		return fmt.Errorf("invalid private key: %w", err)
	}
	challenge, err := RandomBytes(32)
	if err != nil {
		return err
	}
	ciphertext, err := EncryptRSA(kp.Public(), challenge)
	if err != nil {
		return err
	}
	decrypted, err := DecryptRSA(kp, ciphertext)
	if err != nil {
		return err
	}
	if !bytes.Equal(challenge, decrypted) {
		return errors.New("round trip mismatch")
	}
	return nil
}
