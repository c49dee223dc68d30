// Package device implements spec §4.5: persistent device key management and
// the first-time setup flow that turns a bare set of device keys into a
// published, resolvable device identity.
package device

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/recordmoney/syncd/internal/blobstore"
	"github.com/recordmoney/syncd/internal/cryptoutil"
	"github.com/recordmoney/syncd/internal/envelope"
	"github.com/recordmoney/syncd/internal/localstore"
	"github.com/recordmoney/syncd/internal/syncerr"
)

// Service owns device key lifecycle and first-time setup. It holds no
// long-lived network connections; every method is a single pass over the
// blob store.
type Service struct {
	store      *localstore.Store
	blobs      blobstore.BlobStore
	cids       *blobstore.CidManager
	logger     *logrus.Logger
}

func New(store *localstore.Store, blobs blobstore.BlobStore, cids *blobstore.CidManager, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{store: store, blobs: blobs, cids: cids, logger: logger}
}

// EnsureDeviceKeys loads the persisted device keypairs, generating and
// persisting a fresh pair the first time this device runs (spec §4.5).
func (s *Service) EnsureDeviceKeys() (localstore.DeviceKeys, error) {
	existing, ok, err := s.store.DeviceKeys()
	if err != nil {
		return localstore.DeviceKeys{}, err
	}
	if ok {
		return existing, nil
	}

	auth, err := cryptoutil.GenerateP256Keypair()
	if err != nil {
		return localstore.DeviceKeys{}, syncerr.Wrap(syncerr.NotConfigured, "generate auth keypair", err)
	}
	ipns, err := cryptoutil.GenerateEd25519Keypair()
	if err != nil {
		return localstore.DeviceKeys{}, syncerr.Wrap(syncerr.NotConfigured, "generate ipns keypair", err)
	}
	keys := localstore.DeviceKeys{
		AuthPrivateKey: auth.Private.D.Bytes(),
		AuthPublicKey:  auth.Public,
		IpnsPrivateKey: []byte(ipns.Private),
		IpnsPublicKey:  []byte(ipns.Public),
	}
	if err := s.store.SaveDeviceKeys(keys); err != nil {
		return localstore.DeviceKeys{}, err
	}
	s.logger.WithField("deviceId", cryptoutil.DeriveDeviceID(keys.AuthPublicKey)).Info("generated new device keys")
	return keys, nil
}

// Status reports the three-way mode spec §4.5 distinguishes: not_configured
// (no device keys yet), solo (keys exist but never published/paired) or
// synced (a manifest has been published and the sync config says so).
func (s *Service) Status() (localstore.SyncMode, error) {
	_, hasKeys, err := s.store.DeviceKeys()
	if err != nil {
		return "", err
	}
	if !hasKeys {
		return localstore.ModeNotConfigured, nil
	}
	cfg, err := s.store.SyncConfig()
	if err != nil {
		return "", err
	}
	if cfg.Mode == localstore.ModeSynced {
		return localstore.ModeSynced, nil
	}
	return localstore.ModeSolo, nil
}

// SetupResult is the result envelope returned by SetupDevice (spec §7).
type SetupResult struct {
	Success bool
	Mode    localstore.SyncMode
	Err     *syncerr.Error
}

// SetupDevice performs spec §4.5's ordered first-time setup. It is
// idempotent: if a manifest is already published under this device's
// mutable name, setup is skipped and the current status is returned.
func (s *Service) SetupDevice(ctx context.Context, providerConfig json.RawMessage, selfName string, onProgress func(step string)) (*SetupResult, error) {
	progress := func(step string) {
		if onProgress != nil {
			onProgress(step)
		}
	}

	progress("ensure_keys")
	keys, err := s.EnsureDeviceKeys()
	if err != nil {
		return nil, err
	}
	deviceID := cryptoutil.DeriveDeviceID(keys.AuthPublicKey)

	progress("validate_provider")
	if len(providerConfig) == 0 {
		return &SetupResult{Success: false, Err: syncerr.New(syncerr.ProviderInvalid, "provider config is required")}, nil
	}

	if existingCid, err := s.blobs.ResolveName(ctx, keys.IpnsPublicKey); err == nil && existingCid != "" {
		s.logger.WithField("deviceId", deviceID).Info("device manifest already published, skipping setup")
		mode, err := s.Status()
		if err != nil {
			return nil, err
		}
		return &SetupResult{Success: true, Mode: mode}, nil
	}

	progress("generate_symmetric_keys")
	personalKey, err := cryptoutil.GenerateSymmetricKey()
	if err != nil {
		return nil, syncerr.Wrap(syncerr.NotConfigured, "generate personal key", err)
	}
	broadcastKey, err := cryptoutil.GenerateSymmetricKey()
	if err != nil {
		return nil, syncerr.Wrap(syncerr.NotConfigured, "generate broadcast key", err)
	}

	progress("upload_database")
	databaseCid, err := s.uploadEncryptedEmptyDatabase(ctx, personalKey, deviceID)
	if err != nil {
		return nil, err
	}

	progress("upload_device_ring")
	deviceRingCid, err := s.uploadDeviceRing(ctx, broadcastKey, keys, deviceID)
	if err != nil {
		return nil, err
	}

	progress("upload_peer_directory")
	peerDirectoryCid, err := s.uploadSelfPeerDirectory(ctx, keys, personalKey, broadcastKey, deviceID)
	if err != nil {
		return nil, err
	}

	progress("upload_manifest")
	manifestCid, err := s.uploadManifest(ctx, personalKey, databaseCid, deviceRingCid, peerDirectoryCid, deviceID)
	if err != nil {
		return nil, err
	}

	progress("publish_name")
	seq, err := s.store.NextManifestSequence()
	if err != nil {
		return nil, err
	}
	if err := s.blobs.PublishName(ctx, keys.IpnsPrivateKey, keys.IpnsPublicKey, manifestCid, seq); err != nil {
		return nil, syncerr.Wrap(syncerr.BlobUploadFailed, "publish device mutable name", err)
	}

	progress("persist_config")
	cfg := localstore.SyncConfig{
		Mode:           localstore.ModeSynced,
		PersonalKey:    personalKey,
		BroadcastKey:   broadcastKey,
		ProviderConfig: providerConfig,
		Migrated:       true,
	}
	if err := s.store.SaveSyncConfig(cfg); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{"deviceId": deviceID, "selfName": selfName}).Info("device setup complete")
	return &SetupResult{Success: true, Mode: localstore.ModeSynced}, nil
}

func (s *Service) uploadEncryptedEmptyDatabase(ctx context.Context, personalKey []byte, deviceID string) (string, error) {
	empty, err := json.Marshal(map[string]any{"persons": []any{}, "records": []any{}, "groups": []any{}})
	if err != nil {
		return "", err
	}
	sealed, err := cryptoutil.AESGCMEncrypt(personalKey, empty)
	if err != nil {
		return "", syncerr.Wrap(syncerr.CryptoDecryptFailed, "seal empty database", err)
	}
	return s.upload(ctx, sealed, fmt.Sprintf("device:%s:database", deviceID))
}

func (s *Service) uploadDeviceRing(ctx context.Context, broadcastKey []byte, keys localstore.DeviceKeys, deviceID string) (string, error) {
	ring := &envelope.DeviceRing{Devices: []envelope.DeviceRingEntry{{
		DeviceID:      deviceID,
		AuthPublicKey: keys.AuthPublicKey,
		IpnsPublicKey: keys.IpnsPublicKey,
		LastSyncedID:  0,
	}}}
	sealed, err := envelope.EncryptDeviceRing(broadcastKey, ring)
	if err != nil {
		return "", syncerr.Wrap(syncerr.CryptoDecryptFailed, "seal device ring", err)
	}
	return s.upload(ctx, sealed, fmt.Sprintf("device:%s:deviceRing", deviceID))
}

func (s *Service) uploadSelfPeerDirectory(ctx context.Context, keys localstore.DeviceKeys, personalKey, broadcastKey []byte, deviceID string) (string, error) {
	priv := cryptoutil.P256PrivateFromBytes(keys.AuthPrivateKey)
	dir, err := envelope.BuildPeerDirectory(priv, []envelope.RecipientPayload{{
		RecipientPublicKey: keys.AuthPublicKey,
		Payload: envelope.PeerDirectoryPayload{
			PersonalKey:  personalKey,
			BroadcastKey: broadcastKey,
		},
	}})
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(dir)
	if err != nil {
		return "", err
	}
	return s.upload(ctx, raw, fmt.Sprintf("device:%s:peerDirectory", deviceID))
}

func (s *Service) uploadManifest(ctx context.Context, personalKey []byte, databaseCid, deviceRingCid, peerDirectoryCid, deviceID string) (string, error) {
	latestMutationID, err := envelope.EncryptLatestMutationID(personalKey, 0)
	if err != nil {
		return "", err
	}
	chunkIndex, err := envelope.EncryptChunkIndex(personalKey, nil)
	if err != nil {
		return "", err
	}
	manifest := &envelope.DeviceManifest{
		DatabaseCID:      databaseCid,
		LatestMutationID: latestMutationID,
		ChunkIndex:       chunkIndex,
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
		return "", err
	}
	if s.cids != nil {
		s.cids.Record(ctx, cidKey, result.CID)
	}
	return result.CID, nil
}
