// Package localstore implements the abstract LocalStore collaborator: the
// typed local tables every other component reads and writes (device keys,
// queued mutations, peer cursors, conflicts, pending invites, CID history).
// The concrete database engine is out of scope; this package gives it one
// reference implementation, file-backed, so the rest of the module has
// something concrete to run against.
package localstore

import "time"

// SyncMode mirrors the three states setupDevice chooses between.
type SyncMode string

const (
	ModeNotConfigured SyncMode = "not_configured"
	ModeSolo          SyncMode = "solo"
	ModeSynced        SyncMode = "synced"
)

// DeviceKeys is the deviceKeys table: the device's persistent P-256 auth
// keypair and Ed25519 ipns keypair. Never logged; zeroized on reset.
type DeviceKeys struct {
	AuthPrivateKey []byte `json:"authPrivateKey"`
	AuthPublicKey  []byte `json:"authPublicKey"`
	IpnsPrivateKey []byte `json:"ipnsPrivateKey"`
	IpnsPublicKey  []byte `json:"ipnsPublicKey"`
}

func (k *DeviceKeys) zero() {
	zeroBytes(k.AuthPrivateKey)
	zeroBytes(k.IpnsPrivateKey)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// SyncConfig is the syncConfig table.
type SyncConfig struct {
	Mode            SyncMode   `json:"mode"`
	PersonalKey     []byte     `json:"personalKey,omitempty"`
	BroadcastKey    []byte     `json:"broadcastKey,omitempty"`
	ProviderConfig  []byte     `json:"providerConfig,omitempty"` // opaque JSON, caller-defined
	Migrated        bool       `json:"migrated"`
	MigratedAt      *time.Time `json:"migratedAt,omitempty"`
	SelfPersonUUID  string     `json:"selfPersonUuid,omitempty"`
	SelfEmail       string     `json:"selfEmail,omitempty"`
}

func (c *SyncConfig) zero() {
	zeroBytes(c.PersonalKey)
	zeroBytes(c.BroadcastKey)
}

// MutationQueueStatus is the status column of mutationQueue.
type MutationQueueStatus string

const (
	QueuePending   MutationQueueStatus = "pending"
	QueuePublished MutationQueueStatus = "published"
)

// MutationQueueEntry is one row of mutationQueue{id,status,json,timestamps}.
// ID is the device-local monotonic mutation id (spec §3's `id`), not a
// separate row key — the queue is keyed by the same id the mutation itself
// carries, since within one device it is already unique and strictly
// increasing.
type MutationQueueEntry struct {
	ID          uint64              `json:"id"`
	Status      MutationQueueStatus `json:"status"`
	JSON        []byte              `json:"json"`
	CreatedAt   time.Time           `json:"createdAt"`
	PublishedAt *time.Time          `json:"publishedAt,omitempty"`
}

// GroupKeyRecord is one row of groupKeys.
type GroupKeyRecord struct {
	GroupUUID string    `json:"groupUuid"`
	GroupKey  []byte    `json:"groupKey"`
	RotatedAt time.Time `json:"rotatedAt"`
}

// PeerSyncState is one row of peerSyncStates.
type PeerSyncState struct {
	DeviceID            string     `json:"deviceId"`
	IpnsPub              []byte     `json:"ipnsPub"`
	LastSyncedID          uint64     `json:"lastSyncedId"`
	LastSyncedAt          *time.Time `json:"lastSyncedAt,omitempty"`
	LastAttemptedAt       *time.Time `json:"lastAttemptedAt,omitempty"`
	ConsecutiveFailures   int        `json:"consecutiveFailures"`
}

// ConflictStatus tracks a Conflict's lifecycle.
type ConflictStatus string

const (
	ConflictPending  ConflictStatus = "pending"
	ConflictResolved ConflictStatus = "resolved"
)

// ConflictType enumerates §4.10's three detectable shapes.
type ConflictType string

const (
	ConflictField  ConflictType = "field"
	ConflictEntity ConflictType = "entity"
	ConflictMerge  ConflictType = "merge"
)

// ConflictOption is one candidate value in a Conflict.
type ConflictOption struct {
	MutationUUID string    `json:"mutationUuid"`
	DeviceID     string    `json:"deviceId"`
	Value        any       `json:"value"`
	Timestamp    time.Time `json:"timestamp"`
}

// Conflict is the conflicts table row.
type Conflict struct {
	ID         string           `json:"id"`
	Type       ConflictType     `json:"type"`
	TargetUUID string           `json:"targetUuid"`
	TargetType string           `json:"targetType"`
	Field      string           `json:"field,omitempty"`
	Options    []ConflictOption `json:"options"`
	Status     ConflictStatus   `json:"status"`
}

// InviteRole distinguishes which side of a pairing/invite this row tracks.
type InviteRole string

const (
	RoleInitiator InviteRole = "initiator"
	RoleJoiner    InviteRole = "joiner"
)

// InviteStatus is PendingInvite's state machine (spec §3/§4.6/§4.7).
type InviteStatus string

const (
	InviteCreated   InviteStatus = "created"
	InviteScanned   InviteStatus = "scanned"
	InviteResponded InviteStatus = "responded"
	InviteVerified  InviteStatus = "verified"
	InviteExchanging InviteStatus = "exchanging"
	InviteApproved  InviteStatus = "approved"
	InviteRejected  InviteStatus = "rejected"
	InviteCompleted InviteStatus = "completed"
	InviteFailed    InviteStatus = "failed"
	InviteExpired   InviteStatus = "expired"
)

// PendingInvite is the pendingInvites table row, shared by device pairing
// (§4.6) and group invites (§4.7) — GroupUUID is empty for a device pairing.
type PendingInvite struct {
	ID             string       `json:"id"`
	Role           InviteRole   `json:"role"`
	GroupUUID      string       `json:"groupUuid,omitempty"`
	TempIpnsPriv   []byte       `json:"tempIpnsPriv,omitempty"`
	TempIpnsPub    []byte       `json:"tempIpnsPub"`
	TempSymmetricKey []byte     `json:"tempSymmetricKey,omitempty"`
	PeerIpnsPub    []byte       `json:"peerIpnsPub,omitempty"`
	PeerAuthPub    []byte       `json:"peerAuthPub,omitempty"`
	Emojis         []string     `json:"emojis,omitempty"`
	Status         InviteStatus `json:"status"`
	CreatedAt      time.Time    `json:"createdAt"`
	ExpiresAt      time.Time    `json:"expiresAt"`
}

// CidHistory mirrors blobstore.CidHistory without importing that package,
// so localstore has no dependency on the blob-store transport layer.
type CidHistory struct {
	Current  string   `json:"current"`
	Previous []string `json:"previous"`
}
