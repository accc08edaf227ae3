package interfaces

import (
	"fmt"
	"maps"
	"slices"

	"github.com/ruteri/e2ee-keyexchange/cryptoutils"
)

type FingerprintV1 = cryptoutils.FingerprintV1
type FingerprintV2 = cryptoutils.FingerprintV2
type KeyPair = cryptoutils.KeyPair
type PublicKey = cryptoutils.PublicKey

// DataOwner is the published record of an identity able to hold keys. All
// maps are owned by the record's store; the core only reads them and proposes
// updates to the owner's own record.
type DataOwner struct {
	ID       string `json:"id"`
	Rev      string `json:"rev,omitempty"`
	ParentID string `json:"parentId,omitempty"`

	// PublicKey is the legacy hex SPKI key (RSA-OAEP with SHA-1).
	PublicKey string `json:"publicKey,omitempty"`
	// PublicKeysForOaepWithSha256 are hex SPKI keys used with RSA-OAEP SHA-256.
	PublicKeysForOaepWithSha256 []string `json:"publicKeysForOaepWithSha256,omitempty"`

	// HcPartyKeys is the oldest key sharing format:
	// delegateId -> [hex encrypted for delegator, hex encrypted for delegate].
	HcPartyKeys map[string][]string `json:"hcPartyKeys,omitempty"`
	// AesExchangeKeys: delegator hex SPKI -> delegateId -> recipient fingerprint -> hex ciphertext.
	AesExchangeKeys map[string]map[string]map[string]string `json:"aesExchangeKeys,omitempty"`
	// TransferKeys: source fingerprint -> target fingerprint -> hex encrypted PKCS8 private key.
	TransferKeys map[string]map[string]string `json:"transferKeys,omitempty"`
	// KeyShamirPartitions: split key fingerprint -> split.
	KeyShamirPartitions map[string]ShamirSplit `json:"keyShamirPartitions,omitempty"`
}

// ShamirSplit is a K-of-N split of one private key. Each share is AES
// encrypted with an exchange key shared between the owner and the delegate
// holding it.
type ShamirSplit struct {
	Threshold int               `json:"threshold"`
	Shares    map[string]string `json:"shares"`
}

// PublicKeyEntry is a published public key with the OAEP variant it must be
// used with.
type PublicKeyEntry struct {
	SpkiHex string
	Hash    cryptoutils.ShaVersion
}

// Parse decodes the entry.
func (e PublicKeyEntry) Parse() (PublicKey, error) {
	return cryptoutils.NewPublicKeyFromSpkiHex(e.SpkiHex, e.Hash)
}

// PublicKeys lists every public key published by the data owner, by V2
// fingerprint. SHA-1 keys are the legacy key and the keys used as delegator
// keys in AesExchangeKeys; a key also listed for SHA-256 is a SHA-256 key.
func (d *DataOwner) PublicKeys() map[FingerprintV2]PublicKeyEntry {
	res := make(map[FingerprintV2]PublicKeyEntry)
	if d.PublicKey != "" {
		res[cryptoutils.FingerprintV2FromSpkiHex(d.PublicKey)] = PublicKeyEntry{SpkiHex: d.PublicKey, Hash: cryptoutils.OAEPWithSHA1}
	}
	for spki := range d.AesExchangeKeys {
		if len(spki) <= 32 {
			// keyed by fingerprint, the key itself is published elsewhere
			continue
		}
		res[cryptoutils.FingerprintV2FromSpkiHex(spki)] = PublicKeyEntry{SpkiHex: spki, Hash: cryptoutils.OAEPWithSHA1}
	}
	for _, spki := range d.PublicKeysForOaepWithSha256 {
		res[cryptoutils.FingerprintV2FromSpkiHex(spki)] = PublicKeyEntry{SpkiHex: spki, Hash: cryptoutils.OAEPWithSHA256}
	}
	return res
}

// PublicKeyFor returns the parsed published key with the given fingerprint.
func (d *DataOwner) PublicKeyFor(fp FingerprintV2) (PublicKey, error) {
	entry, ok := d.PublicKeys()[fp]
	if !ok {
		return PublicKey{}, fmt.Errorf("%w: data owner %s has no public key %s", ErrNotFound, d.ID, fp)
	}
	return entry.Parse()
}

// SortedFingerprints returns the fingerprints of all published keys in
// ascending order.
func (d *DataOwner) SortedFingerprints() []FingerprintV2 {
	return slices.Sorted(maps.Keys(d.PublicKeys()))
}

// Clone returns a deep copy of the record.
func (d *DataOwner) Clone() *DataOwner {
	if d == nil {
		return nil
	}
	c := *d
	c.PublicKeysForOaepWithSha256 = append([]string(nil), d.PublicKeysForOaepWithSha256...)
	if d.HcPartyKeys != nil {
		c.HcPartyKeys = make(map[string][]string, len(d.HcPartyKeys))
		for k, v := range d.HcPartyKeys {
			c.HcPartyKeys[k] = append([]string(nil), v...)
		}
	}
	if d.AesExchangeKeys != nil {
		c.AesExchangeKeys = make(map[string]map[string]map[string]string, len(d.AesExchangeKeys))
		for pub, byDelegate := range d.AesExchangeKeys {
			copied := make(map[string]map[string]string, len(byDelegate))
			for delegate, byFp := range byDelegate {
				copied[delegate] = maps.Clone(byFp)
			}
			c.AesExchangeKeys[pub] = copied
		}
	}
	if d.TransferKeys != nil {
		c.TransferKeys = make(map[string]map[string]string, len(d.TransferKeys))
		for src, byTarget := range d.TransferKeys {
			c.TransferKeys[src] = maps.Clone(byTarget)
		}
	}
	if d.KeyShamirPartitions != nil {
		c.KeyShamirPartitions = make(map[string]ShamirSplit, len(d.KeyShamirPartitions))
		for fp, split := range d.KeyShamirPartitions {
			c.KeyShamirPartitions[fp] = ShamirSplit{Threshold: split.Threshold, Shares: maps.Clone(split.Shares)}
		}
	}
	return &c
}

// ExchangeData bundles the secrets shared between a delegator and a delegate.
// Every payload map is keyed by the V2 fingerprint of the recipient public
// key and holds base64 RSA-OAEP ciphertext.
type ExchangeData struct {
	ID  string `json:"id"`
	Rev string `json:"rev,omitempty"`

	Delegator string `json:"delegator"`
	Delegate  string `json:"delegate"`

	ExchangeKey         map[FingerprintV2]string `json:"exchangeKey"`
	AccessControlSecret map[FingerprintV2]string `json:"accessControlSecret"`
	SharedSignatureKey  map[FingerprintV2]string `json:"sharedSignatureKey"`

	// SharedSignature is the base64 HMAC-SHA-512 over the canonical content.
	SharedSignature string `json:"sharedSignature"`
	// DelegatorSignature: delegator signature key fingerprint -> base64 RSA-PSS signature.
	DelegatorSignature map[FingerprintV2]string `json:"delegatorSignature"`
}

// RecipientFingerprints returns the sorted fingerprints the payload is
// encrypted for.
func (e *ExchangeData) RecipientFingerprints() []FingerprintV2 {
	return slices.Sorted(maps.Keys(e.ExchangeKey))
}

// CheckKeySets verifies that the three payload maps have the same
// recipients. A mismatch means tampering or a partial update.
func (e *ExchangeData) CheckKeySets() error {
	if len(e.ExchangeKey) != len(e.AccessControlSecret) || len(e.ExchangeKey) != len(e.SharedSignatureKey) {
		return fmt.Errorf("%w: exchange data %s has mismatched recipient sets", ErrInvariantViolation, e.ID)
	}
	for fp := range e.ExchangeKey {
		_, okAcs := e.AccessControlSecret[fp]
		_, okSsk := e.SharedSignatureKey[fp]
		if !okAcs || !okSsk {
			return fmt.Errorf("%w: exchange data %s has mismatched recipient sets", ErrInvariantViolation, e.ID)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (e *ExchangeData) Clone() *ExchangeData {
	if e == nil {
		return nil
	}
	c := *e
	c.ExchangeKey = maps.Clone(e.ExchangeKey)
	c.AccessControlSecret = maps.Clone(e.AccessControlSecret)
	c.SharedSignatureKey = maps.Clone(e.SharedSignatureKey)
	c.DelegatorSignature = maps.Clone(e.DelegatorSignature)
	return &c
}

// ExchangeDataPage is one page of a participant listing.
type ExchangeDataPage struct {
	Rows          []*ExchangeData
	NextPageToken string
}
