package cryptoutils

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
)

// JWK algorithm names used when persisting key pairs.
const (
	AlgorithmOAEP    = string(jose.RSA_OAEP)
	AlgorithmOAEP256 = string(jose.RSA_OAEP_256)
	AlgorithmPSS     = string(jose.PS256)
)

// StoredKeyPair is the exportable representation of a key pair, a JWK for
// each half.
type StoredKeyPair struct {
	PublicKey  json.RawMessage `json:"publicKey"`
	PrivateKey json.RawMessage `json:"privateKey"`
}

// MarshalKeyPairJWK exports an encryption key pair. The OAEP variant is
// carried in the JWK "alg" member.
func MarshalKeyPairJWK(kp KeyPair) ([]byte, error) {
	return marshalKeyPair(kp, kp.Hash.String(), "enc")
}

// MarshalSignatureKeyPairJWK exports an RSA-PSS signature key pair.
func MarshalSignatureKeyPairJWK(kp KeyPair) ([]byte, error) {
	return marshalKeyPair(kp, AlgorithmPSS, "sig")
}

func marshalKeyPair(kp KeyPair, alg, use string) ([]byte, error) {
	if kp.Private == nil {
		return nil, errors.New("nil private key")
	}
	fp, err := kp.Fingerprint()
	if err != nil {
		return nil, err
	}

	privJWK := jose.JSONWebKey{Key: kp.Private, KeyID: fp.String(), Algorithm: alg, Use: use}
	pubJWK := privJWK.Public()

	privJSON, err := privJWK.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private JWK: %w", err)
	}
	pubJSON, err := pubJWK.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public JWK: %w", err)
	}

	return json.Marshal(StoredKeyPair{PublicKey: pubJSON, PrivateKey: privJSON})
}

// UnmarshalKeyPairJWK imports a key pair exported with MarshalKeyPairJWK or
// MarshalSignatureKeyPairJWK. It checks that both halves match.
func UnmarshalKeyPairJWK(data []byte) (KeyPair, error) {
	var stored StoredKeyPair
	if err := json.Unmarshal(data, &stored); err != nil {
		return KeyPair{}, fmt.Errorf("invalid stored key pair: %w", err)
	}

	var privJWK, pubJWK jose.JSONWebKey
	if err := privJWK.UnmarshalJSON(stored.PrivateKey); err != nil {
		return KeyPair{}, fmt.Errorf("invalid private JWK: %w", err)
	}
	if err := pubJWK.UnmarshalJSON(stored.PublicKey); err != nil {
		return KeyPair{}, fmt.Errorf("invalid public JWK: %w", err)
	}

	priv, ok := privJWK.Key.(*rsa.PrivateKey)
	if !ok {
		return KeyPair{}, fmt.Errorf("unsupported private key type: %T", privJWK.Key)
	}
	pub, ok := pubJWK.Key.(*rsa.PublicKey)
	if !ok {
		return KeyPair{}, fmt.Errorf("unsupported public key type: %T", pubJWK.Key)
	}
	if !pub.Equal(&priv.PublicKey) {
		return KeyPair{}, errors.New("public key does not match private key")
	}

	hash := OAEPWithSHA256
	if privJWK.Algorithm == AlgorithmOAEP {
		hash = OAEPWithSHA1
	}
	return KeyPair{Private: priv, Hash: hash}, nil
}

// MarshalPublicKeyJWK exports a single public key, used for locally kept
// signature verification keys.
func MarshalPublicKeyJWK(pub *rsa.PublicKey, alg string) ([]byte, error) {
	fp, err := FingerprintOf(pub)
	if err != nil {
		return nil, err
	}
	jwk := jose.JSONWebKey{Key: pub, KeyID: fp.String(), Algorithm: alg}
	return jwk.MarshalJSON()
}

// UnmarshalPublicKeyJWK imports a public key exported with MarshalPublicKeyJWK.
func UnmarshalPublicKeyJWK(data []byte) (*rsa.PublicKey, error) {
	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("invalid public JWK: %w", err)
	}
	pub, ok := jwk.Key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported public key type: %T", jwk.Key)
	}
	return pub, nil
}
