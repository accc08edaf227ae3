package interfaces

import "errors"

var (
	// ErrNotFound is returned when a requested entity or key is absent. It is
	// always recoverable, usually by falling back to creation.
	ErrNotFound = errors.New("not found")

	// ErrConcurrentModification is returned by stores when an update carries a
	// stale revision. Callers must re-read and re-derive their change.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrInvariantViolation marks corrupt data or programmer errors, such as
	// mismatched recipient sets or a write to another owner's record.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrVerificationFailed is returned when signed data does not verify and
	// the caller asked for verified data only.
	ErrVerificationFailed = errors.New("verification failed")

	// ErrNotInHierarchy is returned when neither party of a request belongs
	// to the current data owner hierarchy.
	ErrNotInHierarchy = errors.New("data owner not in current hierarchy")

	// ErrKeyGenerationAborted is returned when the crypto strategies refuse to
	// provide a key for a data owner without verified keys.
	ErrKeyGenerationAborted = errors.New("key generation aborted")

	// ErrBackendUnavailable is returned when a storage backend is not accessible.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned when a storage location URI is malformed or unsupported.
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)
