package domain

import "errors"

var (
	// ErrInvalidInput is a malformed request, rejected before any I/O.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidMatchShape is returned when team sizes do not fit the match kind.
	ErrInvalidMatchShape = errors.New("invalid match shape")

	// ErrUnknownParticipant is returned when the ledger rejects a match that
	// references an unregistered player.
	ErrUnknownParticipant = errors.New("unknown participant")

	// ErrLedgerWriteFailed is an ambiguous ledger write outcome. Re-query the
	// ledger before retrying.
	ErrLedgerWriteFailed = errors.New("ledger write failed")

	ErrMetadataWriteFailed = errors.New("metadata write failed")

	// ErrMalformedIdentifier is a codec-level data error.
	ErrMalformedIdentifier = errors.New("malformed identifier")

	ErrNotFound         = errors.New("not found")
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrAlreadyRegistered is returned when an owner already has a confirmed player.
	ErrAlreadyRegistered = errors.New("player already registered")

	// ErrMatchExists is returned by the ledger for a duplicate match identifier.
	ErrMatchExists = errors.New("match already exists")
)

// Indeterminate is implemented by errors whose write outcome is unknown.
type Indeterminate interface {
	Indeterminate() bool
}

// IsIndeterminate reports whether a write may still have been applied.
func IsIndeterminate(err error) bool {
	var ind Indeterminate
	if errors.As(err, &ind) {
		return ind.Indeterminate()
	}
	return false
}

// IsClientError reports whether the error comes from the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInvalidMatchShape) ||
		errors.Is(err, ErrMalformedIdentifier) ||
		errors.Is(err, ErrAlreadyRegistered)
}

// Kind maps an error to its machine-readable kind. Order matters: the most
// specific condition wins when several sentinels are wrapped.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidMatchShape):
		return "invalid_match_shape"
	case errors.Is(err, ErrMalformedIdentifier):
		return "malformed_identifier"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrAlreadyRegistered):
		return "already_registered"
	case errors.Is(err, ErrUnknownParticipant):
		return "unknown_participant"
	case errors.Is(err, ErrMatchExists):
		return "match_exists"
	case errors.Is(err, ErrLedgerWriteFailed):
		return "ledger_write_failed"
	case errors.Is(err, ErrMetadataWriteFailed):
		return "metadata_write_failed"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	}
	return "internal"
}
