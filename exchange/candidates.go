package exchange

import (
	"encoding/base64"
	"maps"
	"slices"

	"github.com/ruteri/e2ee-keyexchange/cryptoutils"
	"github.com/ruteri/e2ee-keyexchange/interfaces"
)

// Decrypted pairs an entity with a value decrypted from it.
type Decrypted[E, T any] struct {
	Entity E
	Value  T
}

// Batch is the outcome of decrypting many entities: the ones a key worked
// for and the ones no available key could open.
type Batch[E, T any] struct {
	Successes []Decrypted[E, T]
	Failures  []E
}

// Values returns the decrypted values in order.
func (b Batch[E, T]) Values() []T {
	out := make([]T, 0, len(b.Successes))
	for _, s := range b.Successes {
		out = append(out, s.Value)
	}
	return out
}

// candidate is one (key, ciphertext) attempt.
type candidate struct {
	pair       interfaces.KeyPair
	ciphertext []byte
}

// firstDecrypted tries candidates in order and returns the first output
// accepted by decode.
func firstDecrypted[T any](candidates []candidate, decode func([]byte) (T, error)) (T, bool) {
	var zero T
	for _, c := range candidates {
		plain, err := cryptoutils.DecryptRSA(c.pair, c.ciphertext)
		if err != nil {
			continue
		}
		value, err := decode(plain)
		if err != nil {
			continue
		}
		return value, true
	}
	return zero, false
}

// base64Candidates matches the entries of an encrypted field with the
// available keys, in fingerprint order.
func base64Candidates(field map[interfaces.FingerprintV2]string, keys map[interfaces.FingerprintV2]interfaces.KeyPair) []candidate {
	var out []candidate
	for _, fp := range slices.Sorted(maps.Keys(field)) {
		kp, ok := keys[fp]
		if !ok {
			continue
		}
		ct, err := base64.StdEncoding.DecodeString(field[fp])
		if err != nil {
			continue
		}
		out = append(out, candidate{pair: kp, ciphertext: ct})
	}
	return out
}
