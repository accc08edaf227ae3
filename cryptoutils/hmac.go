package cryptoutils

import (
	"crypto/hmac"
	"crypto/sha512"
	"errors"
)

// HMACKeySize is the size of generated HMAC-SHA-512 keys, equal to the hash
// block size.
const HMACKeySize = 128

// GenerateHMACKey returns a fresh random HMAC-SHA-512 key.
func GenerateHMACKey() ([]byte, error) {
	return RandomBytes(HMACKeySize)
}

// ImportHMACKey validates raw key material for use with SignHMAC.
func ImportHMACKey(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, errors.New("empty HMAC key")
	}
	key := make([]byte, len(raw))
	copy(key, raw)
	return key, nil
}

// SignHMAC computes HMAC-SHA-512 of data.
func SignHMAC(key, data []byte) []byte {
	mac := hmac.New(sha512.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// VerifyHMAC checks an HMAC-SHA-512 signature in constant time.
func VerifyHMAC(key, data, signature []byte) bool {
	return hmac.Equal(SignHMAC(key, data), signature)
}
