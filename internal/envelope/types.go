// Package envelope implements the encrypted container formats of spec §4.2:
// DeviceManifest, GroupManifest, DeviceRing, PeerDirectory, MutationChunk
// and ChunkIndex. DeviceManifest, GroupManifest, DeviceRing and
// MutationChunk have Serialize/Parse functions; DeviceRing, MutationChunk
// and ChunkIndex have Encrypt/Decrypt functions; PeerDirectory has
// BuildPeerDirectory/ScanPeerDirectory. PeerDirectory and ChunkIndex have no
// Serialize/Parse functions of their own. The wire container is JSON with
// base64 byte fields.
package envelope

import (
	"github.com/recordmoney/syncd/internal/cryptoutil"
	"github.com/recordmoney/syncd/internal/mutation"
)

// DeviceRingEntry describes one of a user's own devices as broadcast to
// peers (spec §3 DeviceRing).
type DeviceRingEntry struct {
	DeviceID      string           `json:"deviceId"`
	AuthPublicKey cryptoutil.Bytes `json:"authPublicKey"`
	IpnsPublicKey cryptoutil.Bytes `json:"ipnsPublicKey"`
	LastSyncedID  uint64           `json:"lastSyncedId"`
}

// DeviceRing is the broadcast-encrypted set of a user's own devices.
type DeviceRing struct {
	Devices []DeviceRingEntry `json:"devices"`
}

// SharedGroup carries a group key shared with a recipient via the peer
// directory.
type SharedGroup struct {
	GroupUUID string           `json:"groupUuid"`
	GroupKey  cryptoutil.Bytes `json:"groupKey"`
}

// PeerDirectoryPayload is the plaintext sealed inside one PeerDirectoryEntry
// (spec §3): the owner's own devices receive PersonalKey; every recipient
// receives BroadcastKey and whatever groups they share with the sender.
type PeerDirectoryPayload struct {
	PersonalKey  cryptoutil.Bytes `json:"personalKey,omitempty"`
	BroadcastKey cryptoutil.Bytes `json:"broadcastKey"`
	SharedGroups []SharedGroup    `json:"sharedGroups,omitempty"`
}

// PeerDirectoryEntry is one ECDH-sealed envelope (spec §4.2).
type PeerDirectoryEntry struct {
	RecipientPublicKey cryptoutil.Bytes `json:"recipientPublicKey"`
	Ciphertext         cryptoutil.Bytes `json:"ciphertext"`
}

// PeerDirectory is the full, shuffled list of sealed entries published
// alongside a manifest.
type PeerDirectory struct {
	Entries []PeerDirectoryEntry `json:"entries"`
}

// ChunkRef describes one contiguous span of a chunk index.
type ChunkRef struct {
	StartID uint64 `json:"startId"`
	EndID   uint64 `json:"endId"`
	CID     string `json:"cid"`
}

// MutationChunk is an ordered list of mutations authored by one device,
// stored encrypted at a CID (spec §3).
type MutationChunk struct {
	Mutations []mutation.Mutation `json:"mutations"`
}

// DeviceManifest is the envelope a device's mutable name points to.
type DeviceManifest struct {
	DatabaseCID      string           `json:"databaseCid"`
	LatestMutationID cryptoutil.Bytes `json:"latestMutationId"` // AES-GCM(PersonalKey, uint64 LE), opaque to outsiders
	ChunkIndex       cryptoutil.Bytes `json:"chunkIndex"`        // AES-GCM(PersonalKey, canonicalJson([]ChunkRef))
	DeviceRingCID    string           `json:"deviceRingCid"`
	PeerDirectoryCID string           `json:"peerDirectoryCid"`
}

// GroupManifest mirrors DeviceManifest but is encrypted with the group's
// GroupKey and additionally carries group metadata (spec §4.7).
type GroupManifest struct {
	GroupUUID        string           `json:"groupUuid"`
	Name             string           `json:"name"`
	DatabaseCID      string           `json:"databaseCid"`
	LatestMutationID cryptoutil.Bytes `json:"latestMutationId"`
	ChunkIndex       cryptoutil.Bytes `json:"chunkIndex"`
	RotatedAt        int64            `json:"rotatedAt,omitempty"`
}
