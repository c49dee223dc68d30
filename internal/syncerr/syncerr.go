// Package syncerr defines the typed error kinds shared across every public
// entry point of the sync engine (device setup, pairing, group operations,
// publish, sync). Leaves (crypto, blob-store) return these directly;
// higher-level components wrap them into result envelopes.
package syncerr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error classes from spec §7.
type Kind string

const (
	NotConfigured      Kind = "not_configured"
	ProviderInvalid     Kind = "provider_invalid"
	BlobUploadFailed    Kind = "blob_upload_failed"
	BlobFetchFailed     Kind = "blob_fetch_failed"
	BlobNotFound        Kind = "blob_not_found"
	RateLimited         Kind = "rate_limited"
	Timeout             Kind = "timeout"
	CryptoDecryptFailed Kind = "crypto_decrypt_failed"
	SignatureInvalid    Kind = "signature_invalid"
	UnknownAuthor       Kind = "unknown_author"
	BadTimestamp        Kind = "bad_timestamp"
	MalformedMutation   Kind = "malformed_mutation"
	SessionExpired      Kind = "session_expired"
	EmojisRejected      Kind = "emojis_rejected"
	ConflictDetected    Kind = "conflict_detected"
	MigrationFailed     Kind = "migration_failed"
)

// Error is the typed error carried through result envelopes. Wrap records
// an underlying cause, which Unwrap returns so errors.Is/As can reach it;
// New leaves Cause nil.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is match on Kind alone via a sentinel constructed with New.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Of returns the Kind carried by err, if any, and whether err is a *Error.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
