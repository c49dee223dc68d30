package conflict

import (
	"crypto/ecdsa"
	"encoding/json"
	"time"

	"github.com/recordmoney/syncd/internal/cryptoutil"
	"github.com/recordmoney/syncd/internal/localstore"
	"github.com/recordmoney/syncd/internal/mutation"
	"github.com/recordmoney/syncd/internal/syncerr"
)

// IsSelfDeviceDelete reports whether m is a `delete` targeting selfDeviceID
// itself — the incoming mutation a removed device sees announcing its own
// removal (spec §4.10's self-wipe trigger).
func IsSelfDeviceDelete(m *mutation.Mutation, selfDeviceID string) bool {
	return m.Operation.Kind == mutation.OpDelete && m.TargetType == mutation.TargetDevice && m.TargetUUID == selfDeviceID
}

// ApplySelfWipe clears local sync configuration in response to seeing one's
// own device removed (spec §4.10: "clears local sync config"). Device keys
// are left alone — a wiped device still has an identity, it simply forgets
// it was ever paired or synced.
func ApplySelfWipe(store *localstore.Store) error {
	return store.ResetSyncConfig()
}

// RemoveDeviceResult carries the freshly rotated keys a caller must seal
// into a republished DeviceRing/PeerDirectory/DeviceManifest — this
// package only rotates and queues the mutation; who remains addressable
// (the rest of the device ring) is domain/session state it doesn't keep,
// the same boundary internal/group draws for member removal.
type RemoveDeviceResult struct {
	PersonalKey  []byte
	BroadcastKey []byte
}

// RemoveDevice implements spec §4.10's device-removal sequence: queue a
// signed `delete` against the removed device's id, then rotate both
// PersonalKey and BroadcastKey so its past access is worthless against
// future publishes.
func RemoveDevice(store *localstore.Store, selfPriv *ecdsa.PrivateKey, selfAuthPub []byte, removedDeviceID string) (*RemoveDeviceResult, error) {
	id, err := store.NextMutationID()
	if err != nil {
		return nil, err
	}
	m := mutation.New(id, removedDeviceID, mutation.TargetDevice, mutation.Operation{Kind: mutation.OpDelete})
	if err := m.Sign(selfPriv, selfAuthPub); err != nil {
		return nil, syncerr.Wrap(syncerr.SignatureInvalid, "sign device removal", err)
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if err := store.EnqueueMutation(localstore.MutationQueueEntry{
		ID:        id,
		Status:    localstore.QueuePending,
		JSON:      raw,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return nil, err
	}

	cfg, err := store.SyncConfig()
	if err != nil {
		return nil, err
	}
	personalKey, err := cryptoutil.GenerateSymmetricKey()
	if err != nil {
		return nil, err
	}
	broadcastKey, err := cryptoutil.GenerateSymmetricKey()
	if err != nil {
		return nil, err
	}
	cfg.PersonalKey = personalKey
	cfg.BroadcastKey = broadcastKey
	if err := store.SaveSyncConfig(cfg); err != nil {
		return nil, err
	}

	return &RemoveDeviceResult{PersonalKey: personalKey, BroadcastKey: broadcastKey}, nil
}

// ProposeUpgrade queues a signed `propose_upgrade` mutation announcing
// maxSupportedVersion, targeting the proposing device itself (spec §4.3:
// "Opens a 48-hour protocol-upgrade voting window"). The window itself is
// tracked on receipt by Detector.RegisterUpgradeProposal, not here — this
// only authors and queues the proposal for publication.
func ProposeUpgrade(store *localstore.Store, selfPriv *ecdsa.PrivateKey, selfAuthPub []byte, selfDeviceID string, maxSupportedVersion int) (*mutation.Mutation, error) {
	id, err := store.NextMutationID()
	if err != nil {
		return nil, err
	}
	m := mutation.New(id, selfDeviceID, mutation.TargetDevice, mutation.Operation{
		Kind:                mutation.OpProposeUpgrade,
		MaxSupportedVersion: maxSupportedVersion,
	})
	if err := m.Sign(selfPriv, selfAuthPub); err != nil {
		return nil, syncerr.Wrap(syncerr.SignatureInvalid, "sign upgrade proposal", err)
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if err := store.EnqueueMutation(localstore.MutationQueueEntry{
		ID:        id,
		Status:    localstore.QueuePending,
		JSON:      raw,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return nil, err
	}
	return m, nil
}
