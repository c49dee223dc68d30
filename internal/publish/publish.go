// Package publish implements spec §4.8: the nine-step sequence that turns a
// device's queued pending mutations into a freshly published manifest.
package publish

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/recordmoney/syncd/internal/blobstore"
	"github.com/recordmoney/syncd/internal/cryptoutil"
	"github.com/recordmoney/syncd/internal/device"
	"github.com/recordmoney/syncd/internal/envelope"
	"github.com/recordmoney/syncd/internal/localstore"
	"github.com/recordmoney/syncd/internal/mutation"
	"github.com/recordmoney/syncd/internal/syncerr"
)

// DatabaseSnapshotFunc supplies the current full domain-ledger state to seal
// into the manifest's database CID. The ledger's own schema is out of this
// module's scope (spec §1), so the caller owns producing the snapshot; a nil
// func publishes an empty snapshot, matching device setup's bootstrap state.
type DatabaseSnapshotFunc func(ctx context.Context) (json.RawMessage, error)

// PeerRecipientsFunc supplies the full set of recipients (the device's own
// other devices plus any contacts it shares groups with) a fresh
// PeerDirectory must address. Like DatabaseSnapshotFunc, this is domain
// knowledge this package doesn't keep; a nil func publishes a
// self-only PeerDirectory, matching device setup's bootstrap state.
type PeerRecipientsFunc func(ctx context.Context, personalKey, broadcastKey []byte) ([]envelope.RecipientPayload, error)

// ErrAlreadyPublishing is returned by PublishPendingMutations when a prior
// call is still running, per spec §5: "publishPendingMutations runs under a
// process-wide flag; reentry returns an error."
var ErrAlreadyPublishing = errors.New("publish: already in progress")

// Service runs the publish cycle under a process-wide non-reentrant flag
// (spec §4.8/§5: "runs under a process-wide mutex" that rejects reentry
// rather than serializing it).
type Service struct {
	mu         sync.Mutex
	publishing bool
	store      *localstore.Store
	blobs      blobstore.BlobStore
	cids       *blobstore.CidManager
	devices    *device.Service
	snapshot   DatabaseSnapshotFunc
	recipients PeerRecipientsFunc
	logger     *logrus.Logger
}

func New(store *localstore.Store, blobs blobstore.BlobStore, cids *blobstore.CidManager, devices *device.Service, snapshot DatabaseSnapshotFunc, recipients PeerRecipientsFunc, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{store: store, blobs: blobs, cids: cids, devices: devices, snapshot: snapshot, recipients: recipients, logger: logger}
}

// Result is the `{count}` envelope spec §4.8 step 1 describes, extended
// with the resulting manifest CID for callers that want it (the sync engine
// reads only Count).
type Result struct {
	Count       int
	ManifestCID string
}

// PublishPendingMutations runs the full nine-step sequence. Returns
// {Count: 0} immediately if the queue is empty (step 1).
func (s *Service) PublishPendingMutations(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	if s.publishing {
		s.mu.Unlock()
		return nil, ErrAlreadyPublishing
	}
	s.publishing = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.publishing = false
		s.mu.Unlock()
	}()

	pending, err := s.store.PendingMutations()
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return &Result{Count: 0}, nil
	}

	keys, err := s.devices.EnsureDeviceKeys()
	if err != nil {
		return nil, err
	}
	cfg, err := s.store.SyncConfig()
	if err != nil {
		return nil, err
	}
	if len(cfg.PersonalKey) == 0 || len(cfg.BroadcastKey) == 0 {
		return nil, syncerr.New(syncerr.NotConfigured, "device has no personal/broadcast key yet")
	}
	deviceID := cryptoutil.DeriveDeviceID(keys.AuthPublicKey)
	priv := cryptoutil.P256PrivateFromBytes(keys.AuthPrivateKey)

	latestMutationID, chunkIndex, prevManifestCid := s.resolveOwnManifest(ctx, keys, cfg)

	startID := latestMutationID + 1
	endID, mutations, err := decodePending(pending)
	if err != nil {
		return nil, err
	}

	chunkCid, err := s.uploadMutationChunk(ctx, cfg.PersonalKey, mutations, deviceID, startID, endID)
	if err != nil {
		return nil, err
	}
	chunkIndex = envelope.AppendChunk(chunkIndex, startID, endID, chunkCid)

	databaseCid, err := s.uploadDatabaseSnapshot(ctx, cfg.PersonalKey, deviceID)
	if err != nil {
		return nil, err
	}

	deviceRingCid, err := s.uploadDeviceRing(ctx, keys, cfg.BroadcastKey, deviceID, endID)
	if err != nil {
		return nil, err
	}

	peerDirectoryCid, err := s.uploadPeerDirectory(ctx, priv, keys, cfg)
	if err != nil {
		return nil, err
	}

	manifestCid, err := s.uploadManifest(ctx, cfg.PersonalKey, databaseCid, deviceRingCid, peerDirectoryCid, chunkIndex, endID, deviceID)
	if err != nil {
		return nil, err
	}

	seq, err := s.store.NextManifestSequence()
	if err != nil {
		return nil, err
	}
	if err := s.blobs.PublishName(ctx, keys.IpnsPrivateKey, keys.IpnsPublicKey, manifestCid, seq); err != nil {
		return nil, syncerr.Wrap(syncerr.BlobUploadFailed, "publish device mutable name", err)
	}

	ids := make([]uint64, len(pending))
	for i, entry := range pending {
		ids[i] = entry.ID
	}
	now := time.Now().UTC()
	if err := s.store.MarkPublished(ids, now); err != nil {
		return nil, err
	}

	if prevManifestCid != "" && prevManifestCid != manifestCid {
		if err := s.blobs.Unpin(ctx, prevManifestCid); err != nil {
			s.logger.WithError(err).WithField("cid", prevManifestCid).Warn("best-effort unpin of previous manifest failed")
		}
	}

	s.logger.WithFields(logrus.Fields{"deviceId": deviceID, "count": len(pending), "startId": startID, "endId": endID}).Info("published pending mutations")
	return &Result{Count: len(pending), ManifestCID: manifestCid}, nil
}

// resolveOwnManifest is step 2: best-effort resolve-and-decrypt of the
// device's own current manifest. Any failure along the way (no manifest
// yet, fetch error, decrypt error) is treated as "starting fresh" rather
// than propagated, matching spec §4.8's "best-effort" phrasing.
func (s *Service) resolveOwnManifest(ctx context.Context, keys localstore.DeviceKeys, cfg localstore.SyncConfig) (uint64, []envelope.ChunkRef, string) {
	cid, err := s.blobs.ResolveName(ctx, keys.IpnsPublicKey)
	if err != nil || cid == "" {
		return 0, nil, ""
	}
	data, err := s.blobs.Fetch(ctx, cid)
	if err != nil {
		return 0, nil, cid
	}
	manifest, err := envelope.ParseDeviceManifest(data)
	if err != nil {
		return 0, nil, cid
	}
	latestID, err := envelope.DecryptLatestMutationID(cfg.PersonalKey, manifest.LatestMutationID)
	if err != nil {
		return 0, nil, cid
	}
	index, err := envelope.DecryptChunkIndex(cfg.PersonalKey, manifest.ChunkIndex)
	if err != nil {
		return 0, nil, cid
	}
	return latestID, index, cid
}

func decodePending(pending []localstore.MutationQueueEntry) (uint64, []mutation.Mutation, error) {
	var endID uint64
	mutations := make([]mutation.Mutation, 0, len(pending))
	for _, entry := range pending {
		var m mutation.Mutation
		if err := json.Unmarshal(entry.JSON, &m); err != nil {
			return 0, nil, syncerr.Wrap(syncerr.MalformedMutation, "decode queued mutation", err)
		}
		mutations = append(mutations, m)
		if entry.ID > endID {
			endID = entry.ID
		}
	}
	return endID, mutations, nil
}

func (s *Service) uploadMutationChunk(ctx context.Context, personalKey []byte, mutations []mutation.Mutation, deviceID string, startID, endID uint64) (string, error) {
	sealed, err := envelope.EncryptMutationChunk(personalKey, &envelope.MutationChunk{Mutations: mutations})
	if err != nil {
		return "", syncerr.Wrap(syncerr.CryptoDecryptFailed, "seal mutation chunk", err)
	}
	return s.upload(ctx, sealed, fmt.Sprintf("device:%s:chunk:%d-%d", deviceID, startID, endID))
}

func (s *Service) uploadDatabaseSnapshot(ctx context.Context, personalKey []byte, deviceID string) (string, error) {
	var snapshot json.RawMessage
	if s.snapshot != nil {
		data, err := s.snapshot(ctx)
		if err != nil {
			return "", syncerr.Wrap(syncerr.NotConfigured, "produce database snapshot", err)
		}
		snapshot = data
	} else {
		snapshot, _ = json.Marshal(map[string]any{"persons": []any{}, "records": []any{}, "groups": []any{}})
	}
	sealed, err := cryptoutil.AESGCMEncrypt(personalKey, snapshot)
	if err != nil {
		return "", syncerr.Wrap(syncerr.CryptoDecryptFailed, "seal database snapshot", err)
	}
	return s.upload(ctx, sealed, fmt.Sprintf("device:%s:database", deviceID))
}

func (s *Service) uploadDeviceRing(ctx context.Context, keys localstore.DeviceKeys, broadcastKey []byte, deviceID string, endID uint64) (string, error) {
	ring, err := s.fetchOwnDeviceRing(ctx, keys, broadcastKey)
	if err != nil || ring == nil {
		ring = &envelope.DeviceRing{}
	}
	found := false
	for i := range ring.Devices {
		if ring.Devices[i].DeviceID == deviceID {
			ring.Devices[i].LastSyncedID = endID
			found = true
			break
		}
	}
	if !found {
		ring.Devices = append(ring.Devices, envelope.DeviceRingEntry{
			DeviceID:      deviceID,
			AuthPublicKey: keys.AuthPublicKey,
			IpnsPublicKey: keys.IpnsPublicKey,
			LastSyncedID:  endID,
		})
	}
	sealed, err := envelope.EncryptDeviceRing(broadcastKey, ring)
	if err != nil {
		return "", syncerr.Wrap(syncerr.CryptoDecryptFailed, "seal device ring", err)
	}
	return s.upload(ctx, sealed, fmt.Sprintf("device:%s:deviceRing", deviceID))
}

func (s *Service) fetchOwnDeviceRing(ctx context.Context, keys localstore.DeviceKeys, broadcastKey []byte) (*envelope.DeviceRing, error) {
	cid, err := s.blobs.ResolveName(ctx, keys.IpnsPublicKey)
	if err != nil || cid == "" {
		return nil, nil
	}
	data, err := s.blobs.Fetch(ctx, cid)
	if err != nil {
		return nil, err
	}
	manifest, err := envelope.ParseDeviceManifest(data)
	if err != nil {
		return nil, err
	}
	sealed, err := s.blobs.Fetch(ctx, manifest.DeviceRingCID)
	if err != nil {
		return nil, err
	}
	return envelope.DecryptDeviceRing(broadcastKey, sealed)
}

func (s *Service) uploadPeerDirectory(ctx context.Context, priv *ecdsa.PrivateKey, keys localstore.DeviceKeys, cfg localstore.SyncConfig) (string, error) {
	var recipients []envelope.RecipientPayload
	if s.recipients != nil {
		provided, err := s.recipients(ctx, cfg.PersonalKey, cfg.BroadcastKey)
		if err != nil {
			return "", syncerr.Wrap(syncerr.NotConfigured, "produce peer recipients", err)
		}
		recipients = provided
	}
	selfIncluded := false
	for _, r := range recipients {
		if bytesEqual(r.RecipientPublicKey, keys.AuthPublicKey) {
			selfIncluded = true
			break
		}
	}
	if !selfIncluded {
		recipients = append(recipients, envelope.RecipientPayload{
			RecipientPublicKey: keys.AuthPublicKey,
			Payload:            envelope.PeerDirectoryPayload{PersonalKey: cfg.PersonalKey, BroadcastKey: cfg.BroadcastKey},
		})
	}
	dir, err := envelope.BuildPeerDirectory(priv, recipients)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(dir)
	if err != nil {
		return "", err
	}
	return s.upload(ctx, raw, fmt.Sprintf("device:%s:peerDirectory", cryptoutil.DeriveDeviceID(keys.AuthPublicKey)))
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *Service) uploadManifest(ctx context.Context, personalKey []byte, databaseCid, deviceRingCid, peerDirectoryCid string, chunkIndex []envelope.ChunkRef, latestMutationID uint64, deviceID string) (string, error) {
	encryptedLatest, err := envelope.EncryptLatestMutationID(personalKey, latestMutationID)
	if err != nil {
		return "", err
	}
	encryptedIndex, err := envelope.EncryptChunkIndex(personalKey, chunkIndex)
	if err != nil {
		return "", err
	}
	manifest := &envelope.DeviceManifest{
		DatabaseCID:      databaseCid,
		LatestMutationID: encryptedLatest,
		ChunkIndex:       encryptedIndex,
		DeviceRingCID:    deviceRingCid,
		PeerDirectoryCID: peerDirectoryCid,
	}
	raw, err := envelope.SerializeDeviceManifest(manifest)
	if err != nil {
		return "", err
	}
	return s.upload(ctx, raw, fmt.Sprintf("device:%s:manifest", deviceID))
}

func (s *Service) upload(ctx context.Context, data []byte, cidKey string) (string, error) {
	result, err := s.blobs.Upload(ctx, data, cidKey)
	if err != nil {
		return "", syncerr.Wrap(syncerr.BlobUploadFailed, "upload "+cidKey, err)
	}
	if s.cids != nil {
		s.cids.Record(ctx, cidKey, result.CID)
	}
	return result.CID, nil
}
