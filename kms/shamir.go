package kms

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/hashicorp/vault/shamir"
)

// MaxShares is the largest number of shares a secret can be split into.
const MaxShares = 255

// shamirMarker prefixes every split secret. A combination of unrelated or
// too few shares yields random bytes, which the marker check rejects before
// the result is ever parsed as key material.
var shamirMarker = []byte("e2ee-sss:v1\x00")

var (
	// ErrInvalidSplitParameters is returned for impossible thresholds or share counts.
	ErrInvalidSplitParameters = errors.New("invalid split parameters")

	// ErrInvalidShares is returned when shares do not combine into a marked secret.
	ErrInvalidShares = errors.New("shares do not reconstruct a valid secret")
)

// SplitSecret splits secret into parts shares, any threshold of which
// reconstruct it. With a threshold of 1 every share is the marked secret
// itself.
func SplitSecret(secret []byte, parts, threshold int) ([][]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty secret", ErrInvalidSplitParameters)
	}
	if threshold < 1 || parts < threshold || parts > MaxShares {
		return nil, fmt.Errorf("%w: threshold %d of %d parts", ErrInvalidSplitParameters, threshold, parts)
	}

	marked := make([]byte, 0, len(shamirMarker)+len(secret))
	marked = append(marked, shamirMarker...)
	marked = append(marked, secret...)
	defer wipeBytes(marked)

	if threshold == 1 {
		shares := make([][]byte, parts)
		for i := range shares {
			shares[i] = bytes.Clone(marked)
		}
		return shares, nil
	}

	shares, err := shamir.Split(marked, parts, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split secret: %w", err)
	}
	return shares, nil
}

// CombineShares reconstructs a secret split with SplitSecret. It fails with
// ErrInvalidShares when the shares are insufficient or unrelated.
func CombineShares(shares [][]byte) ([]byte, error) {
	if len(shares) == 0 {
		return nil, fmt.Errorf("%w: no shares", ErrInvalidShares)
	}

	// Threshold 1 splits carry the marked secret in every share.
	for _, share := range shares {
		if bytes.HasPrefix(share, shamirMarker) {
			return bytes.Clone(share[len(shamirMarker):]), nil
		}
	}

	if len(shares) < 2 {
		return nil, fmt.Errorf("%w: a single share of a threshold split", ErrInvalidShares)
	}

	combined, err := shamir.Combine(shares)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidShares, err)
	}
	defer wipeBytes(combined)

	if !bytes.HasPrefix(combined, shamirMarker) {
		return nil, fmt.Errorf("%w: marker mismatch", ErrInvalidShares)
	}
	return bytes.Clone(combined[len(shamirMarker):]), nil
}

// wipeBytes securely erases sensitive data from memory
func wipeBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
