package pairing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/recordmoney/syncd/internal/blobstore"
	"github.com/recordmoney/syncd/internal/cryptoutil"
	"github.com/recordmoney/syncd/internal/device"
	"github.com/recordmoney/syncd/internal/envelope"
	"github.com/recordmoney/syncd/internal/localstore"
	"github.com/recordmoney/syncd/internal/syncerr"
)

// MigrateFunc is invoked with the device's PersonalKey and BroadcastKey on
// each completed pairing (on the initiator whether the keys are new or
// reused), giving the legacy-data migration (§4.11) a hook to run before
// the device republishes its identity. A nil hook is a no-op — most
// devices have nothing to migrate.
type MigrateFunc func(ctx context.Context, personalKey, broadcastKey []byte) error

// Service drives both sides of spec §4.6's handshake.
type Service struct {
	store   *localstore.Store
	blobs   blobstore.BlobStore
	cids    *blobstore.CidManager
	devices *device.Service
	cfg     Config
	logger  *logrus.Logger
}

func New(store *localstore.Store, blobs blobstore.BlobStore, cids *blobstore.CidManager, devices *device.Service, cfg Config, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{store: store, blobs: blobs, cids: cids, devices: devices, cfg: cfg, logger: logger}
}

// StartPairing begins the initiator (A) role: generates a temp keypair,
// builds the QR payload, and records a session row.
func (s *Service) StartPairing(ctx context.Context) (*QRPayload, string, error) {
	keys, err := s.devices.EnsureDeviceKeys()
	if err != nil {
		return nil, "", err
	}
	temp, err := cryptoutil.GenerateEd25519Keypair()
	if err != nil {
		return nil, "", syncerr.Wrap(syncerr.NotConfigured, "generate temp keypair", err)
	}
	cfg, err := s.store.SyncConfig()
	if err != nil {
		return nil, "", err
	}

	sessionID := uuid.NewString()
	now := time.Now().UTC()
	invite := localstore.PendingInvite{
		ID:           sessionID,
		Role:         localstore.RoleInitiator,
		TempIpnsPriv: []byte(temp.Private),
		TempIpnsPub:  []byte(temp.Public),
		Status:       localstore.InviteCreated,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.cfg.SessionExpiry),
	}
	if err := s.store.SavePendingInvite(invite); err != nil {
		return nil, "", err
	}

	payload := &QRPayload{
		Version:            1,
		IpnsPublicKey:      keys.IpnsPublicKey,
		AuthPublicKey:      keys.AuthPublicKey,
		TempIpnsPrivateKey: cryptoutil.Bytes(temp.Private),
		ProviderConfig:     cfg.ProviderConfig,
	}
	return payload, sessionID, nil
}

// AwaitJoinerResponse polls the temp mutable name at the configured cadence
// until a joiner response appears or the session expires/poll budget is
// exhausted (spec §4.6: "polls ... with a 2s cadence up to 2 min").
func (s *Service) AwaitJoinerResponse(ctx context.Context, sessionID string) (*Result, error) {
	invite, err := s.findInvite(sessionID)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < s.cfg.MaxPollAttempts; attempt++ {
		if time.Now().UTC().After(invite.ExpiresAt) {
			invite.Status = localstore.InviteExpired
			_ = s.store.SavePendingInvite(invite)
			return &Result{Success: false, State: localstore.InviteExpired}, nil
		}
		cid, err := s.blobs.ResolveName(ctx, invite.TempIpnsPub)
		if err == nil && cid != "" {
			return s.onJoinerResponseFound(ctx, invite, cid)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}
	invite.Status = localstore.InviteExpired
	_ = s.store.SavePendingInvite(invite)
	return &Result{Success: false, State: localstore.InviteExpired}, nil
}

func (s *Service) onJoinerResponseFound(ctx context.Context, invite localstore.PendingInvite, cid string) (*Result, error) {
	data, err := s.blobs.Fetch(ctx, cid)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.BlobFetchFailed, "fetch joiner response", err)
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, syncerr.Wrap(syncerr.MalformedMutation, "parse joiner response", err)
	}
	if resp.DeviceID != cryptoutil.DeriveDeviceID(resp.AuthPublicKey) {
		invite.Status = localstore.InviteFailed
		_ = s.store.SavePendingInvite(invite)
		return &Result{Success: false, State: localstore.InviteFailed, Err: syncerr.New(syncerr.UnknownAuthor, "joiner deviceId does not match its auth key")}, nil
	}

	emojis := cryptoutil.EmojiFingerprint(resp.IpnsPublicKey, resp.AuthPublicKey)
	invite.PeerIpnsPub = resp.IpnsPublicKey
	invite.PeerAuthPub = resp.AuthPublicKey
	invite.Emojis = emojis
	invite.Status = localstore.InviteVerified
	if err := s.store.SavePendingInvite(invite); err != nil {
		return nil, err
	}
	return &Result{
		Success: true,
		State:   localstore.InviteVerified,
		Emojis:  emojis,
		Peer:    &PeerInfo{IpnsPublicKey: resp.IpnsPublicKey, AuthPublicKey: resp.AuthPublicKey, DeviceID: resp.DeviceID},
	}, nil
}

// ConfirmAndExchange runs on the initiator's explicit visual confirmation
// that the emoji codes matched (spec §4.6's "On A's confirmation" step):
// establish or reuse the symmetric keys, run the migration hook if one is
// given, and republish a two-device identity.
func (s *Service) ConfirmAndExchange(ctx context.Context, sessionID string, migrate MigrateFunc) (*Result, error) {
	invite, err := s.findInvite(sessionID)
	if err != nil {
		return nil, err
	}
	if invite.Status != localstore.InviteVerified {
		return &Result{Success: false, Err: syncerr.New(syncerr.SessionExpired, "session not in verified state")}, nil
	}
	if time.Now().UTC().After(invite.ExpiresAt) {
		invite.Status = localstore.InviteExpired
		_ = s.store.SavePendingInvite(invite)
		return &Result{Success: false, State: localstore.InviteExpired}, nil
	}
	invite.Status = localstore.InviteExchanging
	_ = s.store.SavePendingInvite(invite)

	keys, err := s.devices.EnsureDeviceKeys()
	if err != nil {
		return nil, err
	}
	cfg, err := s.store.SyncConfig()
	if err != nil {
		return nil, err
	}

	firstPairing := len(cfg.PersonalKey) == 0
	if firstPairing {
		cfg.PersonalKey, err = cryptoutil.GenerateSymmetricKey()
		if err != nil {
			return nil, syncerr.Wrap(syncerr.NotConfigured, "generate personal key", err)
		}
		cfg.BroadcastKey, err = cryptoutil.GenerateSymmetricKey()
		if err != nil {
			return nil, syncerr.Wrap(syncerr.NotConfigured, "generate broadcast key", err)
		}
	}

	if migrate != nil {
		if err := migrate(ctx, cfg.PersonalKey, cfg.BroadcastKey); err != nil {
			invite.Status = localstore.InviteFailed
			_ = s.store.SavePendingInvite(invite)
			return nil, syncerr.Wrap(syncerr.MigrationFailed, "run migration before pairing publish", err)
		}
	}

	selfID := cryptoutil.DeriveDeviceID(keys.AuthPublicKey)
	peerID := cryptoutil.DeriveDeviceID(invite.PeerAuthPub)
	ring := &envelope.DeviceRing{Devices: []envelope.DeviceRingEntry{
		{DeviceID: selfID, AuthPublicKey: keys.AuthPublicKey, IpnsPublicKey: keys.IpnsPublicKey},
		{DeviceID: peerID, AuthPublicKey: invite.PeerAuthPub, IpnsPublicKey: invite.PeerIpnsPub},
	}}
	deviceRingCid, err := s.uploadSealed(ctx, envelope.EncryptDeviceRing, cfg.BroadcastKey, ring, fmt.Sprintf("device:%s:deviceRing", selfID))
	if err != nil {
		return nil, err
	}

	priv := cryptoutil.P256PrivateFromBytes(keys.AuthPrivateKey)
	dir, err := envelope.BuildPeerDirectory(priv, []envelope.RecipientPayload{
		{RecipientPublicKey: keys.AuthPublicKey, Payload: envelope.PeerDirectoryPayload{PersonalKey: cfg.PersonalKey, BroadcastKey: cfg.BroadcastKey}},
		{RecipientPublicKey: invite.PeerAuthPub, Payload: envelope.PeerDirectoryPayload{PersonalKey: cfg.PersonalKey, BroadcastKey: cfg.BroadcastKey}},
	})
	if err != nil {
		return nil, err
	}
	peerDirectoryCid, err := s.uploadJSON(ctx, dir, fmt.Sprintf("device:%s:peerDirectory", selfID))
	if err != nil {
		return nil, err
	}

	databaseCid, err := s.uploadEmptyDatabase(ctx, cfg.PersonalKey, selfID)
	if err != nil {
		return nil, err
	}

	manifestCid, err := s.uploadManifest(ctx, cfg.PersonalKey, databaseCid, deviceRingCid, peerDirectoryCid, selfID)
	if err != nil {
		return nil, err
	}

	seq, err := s.store.NextManifestSequence()
	if err != nil {
		return nil, err
	}
	if err := s.blobs.PublishName(ctx, keys.IpnsPrivateKey, keys.IpnsPublicKey, manifestCid, seq); err != nil {
		return nil, syncerr.Wrap(syncerr.BlobUploadFailed, "republish device mutable name", err)
	}

	cfg.Mode = localstore.ModeSynced
	if err := s.store.SaveSyncConfig(cfg); err != nil {
		return nil, err
	}
	if err := s.store.SavePeerSyncState(localstore.PeerSyncState{DeviceID: peerID, IpnsPub: invite.PeerIpnsPub}); err != nil {
		return nil, err
	}

	invite.Status = localstore.InviteCompleted
	if err := s.store.SavePendingInvite(invite); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"sessionId": sessionID, "peerDeviceId": peerID}).Info("pairing confirmed by initiator")
	return &Result{Success: true, State: localstore.InviteCompleted, Peer: &PeerInfo{IpnsPublicKey: invite.PeerIpnsPub, AuthPublicKey: invite.PeerAuthPub, DeviceID: peerID}}, nil
}

// Join runs the joiner (B) role: scan the QR, ensure local keys, optionally
// adopt the initiator's provider config, and publish a response under the
// temp name.
func (s *Service) Join(ctx context.Context, qr *QRPayload) (*Result, string, error) {
	keys, err := s.devices.EnsureDeviceKeys()
	if err != nil {
		return nil, "", err
	}
	if len(qr.ProviderConfig) > 0 {
		cfg, err := s.store.SyncConfig()
		if err != nil {
			return nil, "", err
		}
		if len(cfg.ProviderConfig) == 0 {
			cfg.ProviderConfig = qr.ProviderConfig
			if err := s.store.SaveSyncConfig(cfg); err != nil {
				return nil, "", err
			}
		}
	}

	deviceID := cryptoutil.DeriveDeviceID(keys.AuthPublicKey)
	resp := Response{Version: 1, IpnsPublicKey: keys.IpnsPublicKey, AuthPublicKey: keys.AuthPublicKey, DeviceID: deviceID}
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, "", err
	}
	result, err := s.blobs.Upload(ctx, raw, "pairing-response:"+deviceID)
	if err != nil {
		return nil, "", syncerr.Wrap(syncerr.BlobUploadFailed, "upload pairing response", err)
	}

	tempPub := ed25519PublicFromPrivate(qr.TempIpnsPrivateKey)
	if err := s.blobs.PublishName(ctx, qr.TempIpnsPrivateKey, tempPub, result.CID, 1); err != nil {
		return nil, "", syncerr.Wrap(syncerr.BlobUploadFailed, "publish pairing response name", err)
	}

	sessionID := uuid.NewString()
	now := time.Now().UTC()
	emojis := cryptoutil.EmojiFingerprint(keys.IpnsPublicKey, keys.AuthPublicKey)
	invite := localstore.PendingInvite{
		ID:          sessionID,
		Role:        localstore.RoleJoiner,
		TempIpnsPub: tempPub,
		PeerIpnsPub: qr.IpnsPublicKey,
		PeerAuthPub: qr.AuthPublicKey,
		Emojis:      emojis,
		Status:      localstore.InviteResponded,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.SessionExpiry),
	}
	if err := s.store.SavePendingInvite(invite); err != nil {
		return nil, "", err
	}
	return &Result{Success: true, State: localstore.InviteResponded, Emojis: emojis}, sessionID, nil
}

// AwaitCompletion is the joiner-side counterpart to ConfirmAndExchange: poll
// A's mutable name for the republished manifest, pull out this device's
// PeerDirectory entry, persist the shared keys, run migration, and publish
// this device's own identity.
func (s *Service) AwaitCompletion(ctx context.Context, sessionID string, migrate MigrateFunc) (*Result, error) {
	invite, err := s.findInvite(sessionID)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < s.cfg.MaxPollAttempts; attempt++ {
		if time.Now().UTC().After(invite.ExpiresAt) {
			invite.Status = localstore.InviteExpired
			_ = s.store.SavePendingInvite(invite)
			return &Result{Success: false, State: localstore.InviteExpired}, nil
		}
		manifestCid, err := s.blobs.ResolveName(ctx, invite.PeerIpnsPub)
		if err == nil && manifestCid != "" {
			res, err := s.completeFromManifest(ctx, invite, manifestCid, migrate)
			if err != nil || res != nil {
				return res, err
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}
	invite.Status = localstore.InviteExpired
	_ = s.store.SavePendingInvite(invite)
	return &Result{Success: false, State: localstore.InviteExpired}, nil
}

func (s *Service) completeFromManifest(ctx context.Context, invite localstore.PendingInvite, manifestCid string, migrate MigrateFunc) (*Result, error) {
	data, err := s.blobs.Fetch(ctx, manifestCid)
	if err != nil {
		return nil, nil // not yet fetchable; keep polling
	}
	manifest, err := envelope.ParseDeviceManifest(data)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.MalformedMutation, "parse peer manifest", err)
	}
	dirRaw, err := s.blobs.Fetch(ctx, manifest.PeerDirectoryCID)
	if err != nil {
		return nil, nil
	}
	var dir envelope.PeerDirectory
	if err := json.Unmarshal(dirRaw, &dir); err != nil {
		return nil, syncerr.Wrap(syncerr.MalformedMutation, "parse peer directory", err)
	}

	keys, err := s.devices.EnsureDeviceKeys()
	if err != nil {
		return nil, err
	}
	myPriv := cryptoutil.P256PrivateFromBytes(keys.AuthPrivateKey)
	payload, found := envelope.ScanPeerDirectory(&dir, myPriv, keys.AuthPublicKey, invite.PeerAuthPub)
	if !found {
		return nil, nil // our entry isn't published yet
	}

	if migrate != nil {
		if err := migrate(ctx, payload.PersonalKey, payload.BroadcastKey); err != nil {
			return nil, syncerr.Wrap(syncerr.MigrationFailed, "run migration after pairing", err)
		}
	}

	cfg, err := s.store.SyncConfig()
	if err != nil {
		return nil, err
	}
	cfg.Mode = localstore.ModeSynced
	cfg.PersonalKey = payload.PersonalKey
	cfg.BroadcastKey = payload.BroadcastKey
	if err := s.store.SaveSyncConfig(cfg); err != nil {
		return nil, err
	}

	selfID := cryptoutil.DeriveDeviceID(keys.AuthPublicKey)
	if err := s.publishOwnIdentity(ctx, keys, cfg, selfID, invite); err != nil {
		return nil, err
	}

	invite.Status = localstore.InviteCompleted
	if err := s.store.SavePendingInvite(invite); err != nil {
		return nil, err
	}
	peerID := cryptoutil.DeriveDeviceID(invite.PeerAuthPub)
	s.logger.WithFields(logrus.Fields{"deviceId": selfID, "peerDeviceId": peerID}).Info("pairing completed by joiner")
	return &Result{Success: true, State: localstore.InviteCompleted, Peer: &PeerInfo{IpnsPublicKey: invite.PeerIpnsPub, AuthPublicKey: invite.PeerAuthPub, DeviceID: peerID}}, nil
}

func (s *Service) publishOwnIdentity(ctx context.Context, keys localstore.DeviceKeys, cfg localstore.SyncConfig, selfID string, invite localstore.PendingInvite) error {
	peerID := cryptoutil.DeriveDeviceID(invite.PeerAuthPub)
	ring := &envelope.DeviceRing{Devices: []envelope.DeviceRingEntry{
		{DeviceID: selfID, AuthPublicKey: keys.AuthPublicKey, IpnsPublicKey: keys.IpnsPublicKey},
		{DeviceID: peerID, AuthPublicKey: invite.PeerAuthPub, IpnsPublicKey: invite.PeerIpnsPub},
	}}
	deviceRingCid, err := s.uploadSealed(ctx, envelope.EncryptDeviceRing, cfg.BroadcastKey, ring, fmt.Sprintf("device:%s:deviceRing", selfID))
	if err != nil {
		return err
	}
	priv := cryptoutil.P256PrivateFromBytes(keys.AuthPrivateKey)
	dir, err := envelope.BuildPeerDirectory(priv, []envelope.RecipientPayload{
		{RecipientPublicKey: keys.AuthPublicKey, Payload: envelope.PeerDirectoryPayload{PersonalKey: cfg.PersonalKey, BroadcastKey: cfg.BroadcastKey}},
	})
	if err != nil {
		return err
	}
	peerDirectoryCid, err := s.uploadJSON(ctx, dir, fmt.Sprintf("device:%s:peerDirectory", selfID))
	if err != nil {
		return err
	}
	databaseCid, err := s.uploadEmptyDatabase(ctx, cfg.PersonalKey, selfID)
	if err != nil {
		return err
	}
	manifestCid, err := s.uploadManifest(ctx, cfg.PersonalKey, databaseCid, deviceRingCid, peerDirectoryCid, selfID)
	if err != nil {
		return err
	}
	seq, err := s.store.NextManifestSequence()
	if err != nil {
		return err
	}
	return s.blobs.PublishName(ctx, keys.IpnsPrivateKey, keys.IpnsPublicKey, manifestCid, seq)
}

func (s *Service) findInvite(sessionID string) (localstore.PendingInvite, error) {
	invites, err := s.store.PendingInvites()
	if err != nil {
		return localstore.PendingInvite{}, err
	}
	for _, inv := range invites {
		if inv.ID == sessionID {
			return inv, nil
		}
	}
	return localstore.PendingInvite{}, syncerr.New(syncerr.SessionExpired, "unknown pairing session")
}

func (s *Service) uploadJSON(ctx context.Context, v any, cidKey string) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	result, err := s.blobs.Upload(ctx, raw, cidKey)
	if err != nil {
		return "", syncerr.Wrap(syncerr.BlobUploadFailed, "upload "+cidKey, err)
	}
	if s.cids != nil {
		s.cids.Record(ctx, cidKey, result.CID)
	}
	return result.CID, nil
}

func (s *Service) uploadSealed(ctx context.Context, seal func([]byte, *envelope.DeviceRing) ([]byte, error), key []byte, ring *envelope.DeviceRing, cidKey string) (string, error) {
	sealed, err := seal(key, ring)
	if err != nil {
		return "", syncerr.Wrap(syncerr.CryptoDecryptFailed, "seal device ring", err)
	}
	result, err := s.blobs.Upload(ctx, sealed, cidKey)
	if err != nil {
		return "", syncerr.Wrap(syncerr.BlobUploadFailed, "upload "+cidKey, err)
	}
	if s.cids != nil {
		s.cids.Record(ctx, cidKey, result.CID)
	}
	return result.CID, nil
}

func (s *Service) uploadEmptyDatabase(ctx context.Context, personalKey []byte, selfID string) (string, error) {
	empty, err := json.Marshal(map[string]any{"persons": []any{}, "records": []any{}, "groups": []any{}})
	if err != nil {
		return "", err
	}
	sealed, err := cryptoutil.AESGCMEncrypt(personalKey, empty)
	if err != nil {
		return "", syncerr.Wrap(syncerr.CryptoDecryptFailed, "seal database", err)
	}
	return s.uploadRaw(ctx, sealed, fmt.Sprintf("device:%s:database", selfID))
}

func (s *Service) uploadManifest(ctx context.Context, personalKey []byte, databaseCid, deviceRingCid, peerDirectoryCid, selfID string) (string, error) {
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
	return s.uploadRaw(ctx, raw, fmt.Sprintf("device:%s:manifest", selfID))
}

func (s *Service) uploadRaw(ctx context.Context, data []byte, cidKey string) (string, error) {
	result, err := s.blobs.Upload(ctx, data, cidKey)
	if err != nil {
		return "", syncerr.Wrap(syncerr.BlobUploadFailed, "upload "+cidKey, err)
	}
	if s.cids != nil {
		s.cids.Record(ctx, cidKey, result.CID)
	}
	return result.CID, nil
}

func ed25519PublicFromPrivate(priv []byte) []byte {
	if len(priv) != 64 {
		return nil
	}
	return append([]byte(nil), priv[32:]...)
}
