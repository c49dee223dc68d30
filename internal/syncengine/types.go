// Package syncengine implements spec §4.9: the single-threaded cooperative
// loop that publishes pending mutations, then walks every peer's manifest
// to fetch, verify, conflict-check and apply what has changed since the
// last cursor, with adaptive polling and exponential backoff.
package syncengine

import (
	"time"

	"github.com/recordmoney/syncd/internal/localstore"
	"github.com/recordmoney/syncd/internal/mutation"
)

// Config holds spec §6's scheduling constants.
type Config struct {
	ForegroundInterval     time.Duration
	BackgroundInterval     time.Duration
	MinBackoff             time.Duration
	MaxBackoff             time.Duration
	MaxConsecutiveFailures int
}

func DefaultConfig() Config {
	return Config{
		ForegroundInterval:     15 * time.Second,
		BackgroundInterval:     5 * time.Minute,
		MinBackoff:             5 * time.Second,
		MaxBackoff:             5 * time.Minute,
		MaxConsecutiveFailures: 10,
	}
}

// EventKind enumerates spec §4.9's fire-and-forget listener events.
type EventKind string

const (
	EventSyncStart        EventKind = "sync_start"
	EventSyncComplete     EventKind = "sync_complete"
	EventSyncError        EventKind = "sync_error"
	EventMutationReceived EventKind = "mutation_received"
	EventConflictDetected EventKind = "conflict_detected"
	EventStateChange      EventKind = "state_change"
)

// Event is what Listener receives. Peer and Mutation are populated only for
// the events that concern a single peer/mutation.
type Event struct {
	Kind     EventKind
	Peer     string
	Mutation *mutation.Mutation
	Conflict *localstore.Conflict
	Err      error
}

// Listener observes engine events. Listeners run synchronously on the sync
// goroutine and must not block; panics are not recovered.
type Listener func(Event)

// KeyringFunc resolves the keys needed to decrypt one peer's published
// state: broadcastOrGroupKey decrypts the peer's DeviceRing,
// personalOrGroupKey decrypts its ChunkIndex and MutationChunks. Which pair
// applies — a shared-identity device's BroadcastKey/PersonalKey, or a
// group-only peer's single GroupKey used for both — is domain knowledge
// (who shares which group with whom) this package doesn't keep; the caller
// supplies it per spec §4.9 step 2b's "the caller selects which keyring
// applies".
type KeyringFunc func(peer localstore.PeerSyncState) (broadcastOrGroupKey, personalOrGroupKey []byte, err error)

// ApplyFunc applies a verified, non-conflicting mutation to the domain
// ledger. Out of this package's scope (spec §1); supplied by the caller.
type ApplyFunc func(mut *mutation.Mutation) error

// ConflictChecker detects and records conflicts per spec §4.10. Concrete
// implementation lives in internal/conflict.
type ConflictChecker interface {
	Detect(incoming *mutation.Mutation) (*localstore.Conflict, bool, error)
}

// UpgradeTracker is an optional capability of a ConflictChecker: recording
// an observed `propose_upgrade` mutation (spec §4.3) so its 48-hour voting
// window can later be queried. internal/conflict.Detector implements this;
// syncengine type-asserts for it so ConflictChecker's required surface
// stays the single Detect method.
type UpgradeTracker interface {
	RegisterUpgradeProposal(m *mutation.Mutation)
}

// MalformedReporter is invoked for a mutation that fails signature
// verification or age validation (spec §4.10's "malformed report").
type MalformedReporter func(mut *mutation.Mutation, reason string)

// Result is the outcome of one Sync() call.
type Result struct {
	Success        bool
	PublishedCount int
	PeersSynced    int
	Err            error
}
