package cryptoutils

import (
	"crypto/rsa"
	"strings"
)

const (
	// fingerprintV1Length is the number of trailing hex characters of the SPKI
	// encoding kept by a V1 fingerprint.
	fingerprintV1Length = 32

	// rsaExponentSuffix is the hex DER encoding of the public exponent 65537.
	// Every RSA SPKI produced by this module ends with it, so V2 fingerprints
	// drop it.
	rsaExponentSuffix = "0203010001"

	fingerprintV2Length = fingerprintV1Length - len(rsaExponentSuffix)
)

// FingerprintV1 is the legacy public key fingerprint: the last 32 hex
// characters of the hex-encoded SPKI public key.
type FingerprintV1 string

// FingerprintV2 is a FingerprintV1 without its constant 10 character suffix.
// It is the canonical format used for all lookups inside this module.
type FingerprintV2 string

// FingerprintV1FromSpkiHex derives the V1 fingerprint of a hex SPKI key.
func FingerprintV1FromSpkiHex(spkiHex string) FingerprintV1 {
	spkiHex = strings.ToLower(spkiHex)
	if len(spkiHex) <= fingerprintV1Length {
		return FingerprintV1(spkiHex)
	}
	return FingerprintV1(spkiHex[len(spkiHex)-fingerprintV1Length:])
}

// FingerprintV2FromSpkiHex derives the V2 fingerprint of a hex SPKI key.
func FingerprintV2FromSpkiHex(spkiHex string) FingerprintV2 {
	return FingerprintV1FromSpkiHex(spkiHex).V2()
}

// FingerprintOf returns the V2 fingerprint of an RSA public key.
func FingerprintOf(pub *rsa.PublicKey) (FingerprintV2, error) {
	spkiHex, err := MarshalSpkiHex(pub)
	if err != nil {
		return "", err
	}
	return FingerprintV2FromSpkiHex(spkiHex), nil
}

// V2 strips the exponent suffix. Values too short to carry the suffix are
// returned unchanged.
func (f FingerprintV1) V2() FingerprintV2 {
	if len(f) < len(rsaExponentSuffix) {
		return FingerprintV2(f)
	}
	return FingerprintV2(f[:len(f)-len(rsaExponentSuffix)])
}

// String returns the fingerprint as stored.
func (f FingerprintV1) String() string {
	return string(f)
}

// V1 restores the constant exponent suffix.
func (f FingerprintV2) V1() FingerprintV1 {
	return FingerprintV1(string(f) + rsaExponentSuffix)
}

// String returns the fingerprint as stored.
func (f FingerprintV2) String() string {
	return string(f)
}

// NormalizeFingerprint converts a map key found on a published record into a
// V2 fingerprint. Published records historically use full hex SPKI keys, V1
// fingerprints or V2 fingerprints as map keys; the length tells them apart.
func NormalizeFingerprint(key string) FingerprintV2 {
	key = strings.ToLower(key)
	switch {
	case len(key) > fingerprintV1Length:
		return FingerprintV1FromSpkiHex(key).V2()
	case len(key) == fingerprintV1Length:
		return FingerprintV1(key).V2()
	default:
		return FingerprintV2(key)
	}
}

// IsFingerprintV2 reports whether s has the shape of a V2 fingerprint.
func IsFingerprintV2(s string) bool {
	return len(s) == fingerprintV2Length
}
