// Package conflict implements spec §4.10: detecting a clash between an
// incoming mutation and a device's own queued-but-not-yet-published
// mutations, recording it as a resolvable local Conflict, applying the
// user's resolution, and the bounded malformed-content report log.
package conflict

import "time"

// MalformedReport is one entry of the bounded (≤100) in-memory report
// spec §4.10 requires for invalid signatures, unknown authors, stale
// timestamps or structural errors — logged, never thrown into the sync
// loop.
type MalformedReport struct {
	MutationUUID string    `json:"mutationUuid"`
	TargetUUID   string    `json:"targetUuid"`
	Reason       string    `json:"reason"`
	At           time.Time `json:"at"`
}

// MaxMalformedReports bounds the in-memory report ring (spec §4.10).
const MaxMalformedReports = 100

// UpgradeVotingWindow is the duration spec §4.3's `propose_upgrade`
// operation leaves its voting window open for, starting at the proposing
// mutation's SignedAt.
const UpgradeVotingWindow = 48 * time.Hour

// UpgradeProposal is one observed `propose_upgrade` mutation, tracked so a
// caller can tell whether its 48-hour window is still open.
type UpgradeProposal struct {
	MutationUUID        string    `json:"mutationUuid"`
	DeviceID            string    `json:"deviceId"`
	MaxSupportedVersion int       `json:"maxSupportedVersion"`
	ProposedAt          time.Time `json:"proposedAt"`
	ExpiresAt           time.Time `json:"expiresAt"`
}

// MaxTrackedUpgradeProposals bounds the in-memory proposal ring, mirroring
// MaxMalformedReports.
const MaxTrackedUpgradeProposals = 100
