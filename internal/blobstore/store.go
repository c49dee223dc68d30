// Package blobstore implements the BlobStore abstraction of spec §4.4: an
// untrusted, content-addressed storage network reached through a
// priority-ordered set of gateways, plus a mutable-naming layer addressed
// by long-lived public keys.
package blobstore

import (
	"context"

	"github.com/recordmoney/syncd/internal/syncerr"
)

// UploadResult is returned by Upload.
type UploadResult struct {
	CID  string
	Size int
}

// BlobStore is the abstract interface every concrete transport (HTTP
// gateway pool, libp2p pinning peer) implements. All out-of-scope pinning
// service HTTP dialects live behind this boundary per spec §1.
type BlobStore interface {
	// Upload stores bytes and returns its CID. name is an optional hint
	// some backends use for debug logging; it is never part of addressing.
	Upload(ctx context.Context, data []byte, name string) (UploadResult, error)

	// Fetch retrieves the bytes at cid. Returns a *syncerr.Error with Kind
	// BlobNotFound (404) or RateLimited (429) on those specific failures.
	Fetch(ctx context.Context, cid string) ([]byte, error)

	// Unpin releases cid. Idempotent: a 404 is treated as success.
	Unpin(ctx context.Context, cid string) error

	// ResolveName returns the CID currently published at namePub, or
	// ("", nil) if no record was found anywhere.
	ResolveName(ctx context.Context, namePub []byte) (string, error)

	// PublishName signs and publishes a new mutable-name record pointing
	// at cid, under sequence number sequence.
	PublishName(ctx context.Context, namePriv, namePub []byte, cid string, sequence uint64) error
}

// NotFoundError and RateLimitedError are thin constructors so transports
// agree on how to signal the two special-cased HTTP statuses (spec §4.4).
func NotFoundError(cause error) error {
	return syncerr.Wrap(syncerr.BlobNotFound, "blob not found", cause)
}

func RateLimitedError(cause error) error {
	return syncerr.Wrap(syncerr.RateLimited, "rate limited", cause)
}
