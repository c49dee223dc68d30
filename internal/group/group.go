package group

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/recordmoney/syncd/internal/blobstore"
	"github.com/recordmoney/syncd/internal/cryptoutil"
	"github.com/recordmoney/syncd/internal/device"
	"github.com/recordmoney/syncd/internal/envelope"
	"github.com/recordmoney/syncd/internal/localstore"
	"github.com/recordmoney/syncd/internal/mutation"
	"github.com/recordmoney/syncd/internal/syncerr"
)

// Service drives group creation, invites and membership changes.
type Service struct {
	store   *localstore.Store
	blobs   blobstore.BlobStore
	devices *device.Service
	cfg     Config
	logger  *logrus.Logger
}

func New(store *localstore.Store, blobs blobstore.BlobStore, devices *device.Service, cfg Config, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{store: store, blobs: blobs, devices: devices, cfg: cfg, logger: logger}
}

// CreateGroup implements spec §4.7's creation step: a fresh GroupKey is
// generated and persisted, and two signed mutations are queued — a `create`
// on `group:UUID` and a `create` adding self as the first person member.
// Returns the new group's UUID.
func (s *Service) CreateGroup(ctx context.Context, name string, selfPersonUUID string) (string, error) {
	groupUUID := uuid.NewString()
	groupKey, err := cryptoutil.GenerateSymmetricKey()
	if err != nil {
		return "", syncerr.Wrap(syncerr.NotConfigured, "generate group key", err)
	}
	if err := s.store.SaveGroupKey(localstore.GroupKeyRecord{GroupUUID: groupUUID, GroupKey: groupKey, RotatedAt: time.Now().UTC()}); err != nil {
		return "", err
	}

	keys, err := s.devices.EnsureDeviceKeys()
	if err != nil {
		return "", err
	}
	priv := cryptoutil.P256PrivateFromBytes(keys.AuthPrivateKey)

	groupCreate := mutation.Operation{Kind: mutation.OpCreate, Data: map[string]interface{}{
		"uuid": groupUUID,
		"name": name,
	}}
	memberCreate := mutation.Operation{Kind: mutation.OpCreate, Data: map[string]interface{}{
		"uuid":       selfPersonUUID,
		"groupUuid":  groupUUID,
		"personUuid": selfPersonUUID,
	}}
	if err := s.enqueueMutation(priv, keys.AuthPublicKey, groupUUID, mutation.TargetGroup, groupCreate); err != nil {
		return "", err
	}
	if err := s.enqueueMutation(priv, keys.AuthPublicKey, selfPersonUUID, mutation.TargetPerson, memberCreate); err != nil {
		return "", err
	}

	s.logger.WithFields(logrus.Fields{"groupUuid": groupUUID, "name": name}).Info("group created")
	return groupUUID, nil
}

// CreatePersonalLedger creates the one distinguished self-only group every
// device has after setup (spec glossary "Personal Ledger").
func (s *Service) CreatePersonalLedger(ctx context.Context, selfPersonUUID string) (string, error) {
	return s.CreateGroup(ctx, PersonalLedgerName, selfPersonUUID)
}

// StartInvite begins the inviter side of the group invite handshake: a temp
// Ed25519 keypair (for the mutable name) plus a fresh temp symmetric key
// (for sealing the response), persisted as a group-scoped PendingInvite.
func (s *Service) StartInvite(ctx context.Context, groupUUID, groupName string) (*InviteQRPayload, string, error) {
	temp, err := cryptoutil.GenerateEd25519Keypair()
	if err != nil {
		return nil, "", syncerr.Wrap(syncerr.NotConfigured, "generate temp keypair", err)
	}
	tempKey, err := cryptoutil.GenerateSymmetricKey()
	if err != nil {
		return nil, "", syncerr.Wrap(syncerr.NotConfigured, "generate temp symmetric key", err)
	}

	sessionID := uuid.NewString()
	now := time.Now().UTC()
	invite := localstore.PendingInvite{
		ID:               sessionID,
		Role:             localstore.RoleInitiator,
		GroupUUID:        groupUUID,
		TempIpnsPriv:     []byte(temp.Private),
		TempIpnsPub:      []byte(temp.Public),
		TempSymmetricKey: tempKey,
		Status:           localstore.InviteCreated,
		CreatedAt:        now,
		ExpiresAt:        now.Add(s.cfg.SessionExpiry),
	}
	if err := s.store.SavePendingInvite(invite); err != nil {
		return nil, "", err
	}

	payload := &InviteQRPayload{
		Version:            1,
		GroupUUID:          groupUUID,
		GroupName:          groupName,
		TempIpnsPrivateKey: temp.Private,
		TempSymmetricKey:   tempKey,
	}
	return payload, sessionID, nil
}

// RespondToInvite is the prospective member's side: seal an InviteResponse
// under the temp symmetric key and publish it at the temp mutable name.
func (s *Service) RespondToInvite(ctx context.Context, qr *InviteQRPayload, selfPersonUUID string) error {
	keys, err := s.devices.EnsureDeviceKeys()
	if err != nil {
		return err
	}
	deviceID := cryptoutil.DeriveDeviceID(keys.AuthPublicKey)
	resp := InviteResponse{
		Version:       1,
		AuthPublicKey: keys.AuthPublicKey,
		IpnsPublicKey: keys.IpnsPublicKey,
		DeviceID:      deviceID,
		PersonUUID:    selfPersonUUID,
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	sealed, err := cryptoutil.AESGCMEncrypt(qr.TempSymmetricKey, raw)
	if err != nil {
		return syncerr.Wrap(syncerr.CryptoDecryptFailed, "seal invite response", err)
	}
	result, err := s.blobs.Upload(ctx, sealed, "group-invite-response:"+deviceID)
	if err != nil {
		return syncerr.Wrap(syncerr.BlobUploadFailed, "upload invite response", err)
	}
	tempPub := ed25519PublicFromPrivate(qr.TempIpnsPrivateKey)
	if err := s.blobs.PublishName(ctx, qr.TempIpnsPrivateKey, tempPub, result.CID, 1); err != nil {
		return syncerr.Wrap(syncerr.BlobUploadFailed, "publish invite response name", err)
	}
	return nil
}

// AwaitInviteResponse polls the temp name for the prospective member's
// sealed response, decrypts it, and computes the emoji fingerprint over the
// raw response bytes — `sha256(response)[0..5]` per spec §4.7, distinct
// from pairing's over-the-keys fingerprint.
func (s *Service) AwaitInviteResponse(ctx context.Context, sessionID string) (*Result, error) {
	invite, err := s.findInvite(sessionID)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < s.cfg.MaxPollAttempts; attempt++ {
		if time.Now().UTC().After(invite.ExpiresAt) {
			invite.Status = localstore.InviteExpired
			_ = s.store.SavePendingInvite(invite)
			return &Result{Success: false}, nil
		}
		cid, err := s.blobs.ResolveName(ctx, invite.TempIpnsPub)
		if err == nil && cid != "" {
			return s.onInviteResponseFound(ctx, invite, cid)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}
	invite.Status = localstore.InviteExpired
	_ = s.store.SavePendingInvite(invite)
	return &Result{Success: false}, nil
}

func (s *Service) onInviteResponseFound(ctx context.Context, invite localstore.PendingInvite, cid string) (*Result, error) {
	sealed, err := s.blobs.Fetch(ctx, cid)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.BlobFetchFailed, "fetch invite response", err)
	}
	raw, err := cryptoutil.AESGCMDecrypt(invite.TempSymmetricKey, sealed)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CryptoDecryptFailed, "open invite response", err)
	}
	var resp InviteResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, syncerr.Wrap(syncerr.MalformedMutation, "parse invite response", err)
	}

	emojis := cryptoutil.EmojiFromBytes(raw)
	invite.PeerAuthPub = resp.AuthPublicKey
	invite.PeerIpnsPub = resp.IpnsPublicKey
	invite.Emojis = emojis
	invite.Status = localstore.InviteVerified
	if err := s.store.SavePendingInvite(invite); err != nil {
		return nil, err
	}
	return &Result{Success: true, Emojis: emojis, Peer: &resp, GroupUUID: invite.GroupUUID}, nil
}

// ApproveInvite admits the new member on the inviter's explicit approval:
// emits a `create` person mutation within the group and returns the
// GroupKey, the group UUID and the new member's response; the caller turns
// these into a SharedGroup entry with BuildSharedGroupRecipient and folds it
// into a PeerDirectory rewrite (spec §4.7: "rewriting the PeerDirectory to
// add the new member's entry with the GroupKey in sharedGroups").
func (s *Service) ApproveInvite(ctx context.Context, sessionID string) (*Result, error) {
	invite, err := s.findInvite(sessionID)
	if err != nil {
		return nil, err
	}
	if invite.Status != localstore.InviteVerified {
		return &Result{Success: false, Err: syncerr.New(syncerr.SessionExpired, "invite not in verified state")}, nil
	}

	groupKey, found, err := s.store.GroupKey(invite.GroupUUID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, syncerr.New(syncerr.NotConfigured, "no group key for this group")
	}

	keys, err := s.devices.EnsureDeviceKeys()
	if err != nil {
		return nil, err
	}
	priv := cryptoutil.P256PrivateFromBytes(keys.AuthPrivateKey)

	var resp InviteResponse
	raw, err := s.decryptedResponse(ctx, invite)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, syncerr.Wrap(syncerr.MalformedMutation, "parse invite response", err)
	}

	memberCreate := mutation.Operation{Kind: mutation.OpCreate, Data: map[string]interface{}{
		"uuid":       resp.PersonUUID,
		"groupUuid":  invite.GroupUUID,
		"personUuid": resp.PersonUUID,
	}}
	if err := s.enqueueMutation(priv, keys.AuthPublicKey, resp.PersonUUID, mutation.TargetPerson, memberCreate); err != nil {
		return nil, err
	}

	invite.Status = localstore.InviteCompleted
	if err := s.store.SavePendingInvite(invite); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"groupUuid": invite.GroupUUID, "personUuid": resp.PersonUUID}).Info("group invite approved")
	return &Result{Success: true, GroupKey: groupKey, GroupUUID: invite.GroupUUID, Peer: &resp}, nil
}

func (s *Service) decryptedResponse(ctx context.Context, invite localstore.PendingInvite) ([]byte, error) {
	cid, err := s.blobs.ResolveName(ctx, invite.TempIpnsPub)
	if err != nil || cid == "" {
		return nil, syncerr.New(syncerr.BlobNotFound, "invite response no longer resolvable")
	}
	sealed, err := s.blobs.Fetch(ctx, cid)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.BlobFetchFailed, "fetch invite response", err)
	}
	return cryptoutil.AESGCMDecrypt(invite.TempSymmetricKey, sealed)
}

// RemoveMember implements spec §4.7's removal step: emit a `delete` mutation
// on the person UUID within the group and rotate the GroupKey so the
// removed device cannot decrypt subsequent group data. Returns the new
// GroupKey; the caller is responsible for rewriting the PeerDirectory
// without the removed recipient's entry (this package has no visibility
// into the caller's full recipient list).
func (s *Service) RemoveMember(ctx context.Context, groupUUID, personUUID string) ([]byte, error) {
	keys, err := s.devices.EnsureDeviceKeys()
	if err != nil {
		return nil, err
	}
	priv := cryptoutil.P256PrivateFromBytes(keys.AuthPrivateKey)

	removeOp := mutation.Operation{Kind: mutation.OpDelete}
	if err := s.enqueueMutation(priv, keys.AuthPublicKey, personUUID, mutation.TargetPerson, removeOp); err != nil {
		return nil, err
	}

	newKey, err := cryptoutil.GenerateSymmetricKey()
	if err != nil {
		return nil, syncerr.Wrap(syncerr.NotConfigured, "rotate group key", err)
	}
	if err := s.store.SaveGroupKey(localstore.GroupKeyRecord{GroupUUID: groupUUID, GroupKey: newKey, RotatedAt: time.Now().UTC()}); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"groupUuid": groupUUID, "personUuid": personUUID}).Info("group member removed, key rotated")
	return newKey, nil
}

// ExitGroup implements spec §4.7's exit step: emit an `exit` mutation.
// The Personal Ledger may never be exited.
func (s *Service) ExitGroup(ctx context.Context, groupUUID, selfPersonUUID string, isPersonalLedger bool) error {
	if isPersonalLedger {
		return syncerr.New(syncerr.NotConfigured, "the personal ledger cannot be exited")
	}
	keys, err := s.devices.EnsureDeviceKeys()
	if err != nil {
		return err
	}
	priv := cryptoutil.P256PrivateFromBytes(keys.AuthPrivateKey)
	return s.enqueueMutation(priv, keys.AuthPublicKey, selfPersonUUID, mutation.TargetPerson, mutation.Operation{Kind: mutation.OpExit})
}

// ForkResult is what ForkGroup returns: the new group's UUID and GroupKey.
// The mutations that populate it are queued in the local store, not
// returned.
type ForkResult struct {
	NewGroupUUID string
	NewGroupKey  []byte
}

// ForkGroup duplicates a group under a new UUID and a fresh GroupKey
// (spec §4.7: "used when users decide some peers acted in bad faith"). The
// caller supplies the remaining members; a member create is queued for each
// of them, so anyone left out of remainingMembers is excluded from the fork.
// The caller is responsible for copying records owned by them into the new group —
// that copy is domain-schema work outside this package's boundary.
func (s *Service) ForkGroup(ctx context.Context, sourceName string, remainingMembers []Member) (*ForkResult, error) {
	newUUID := uuid.NewString()
	newKey, err := cryptoutil.GenerateSymmetricKey()
	if err != nil {
		return nil, syncerr.Wrap(syncerr.NotConfigured, "generate forked group key", err)
	}
	if err := s.store.SaveGroupKey(localstore.GroupKeyRecord{GroupUUID: newUUID, GroupKey: newKey, RotatedAt: time.Now().UTC()}); err != nil {
		return nil, err
	}

	keys, err := s.devices.EnsureDeviceKeys()
	if err != nil {
		return nil, err
	}
	priv := cryptoutil.P256PrivateFromBytes(keys.AuthPrivateKey)

	groupCreate := mutation.Operation{Kind: mutation.OpCreate, Data: map[string]interface{}{
		"uuid": newUUID,
		"name": sourceName,
	}}
	if err := s.enqueueMutation(priv, keys.AuthPublicKey, newUUID, mutation.TargetGroup, groupCreate); err != nil {
		return nil, err
	}
	for _, m := range remainingMembers {
		memberCreate := mutation.Operation{Kind: mutation.OpCreate, Data: map[string]interface{}{
			"uuid":       m.PersonUUID,
			"groupUuid":  newUUID,
			"personUuid": m.PersonUUID,
		}}
		if err := s.enqueueMutation(priv, keys.AuthPublicKey, m.PersonUUID, mutation.TargetPerson, memberCreate); err != nil {
			return nil, err
		}
	}

	s.logger.WithFields(logrus.Fields{"sourceGroup": sourceName, "newGroupUuid": newUUID, "members": len(remainingMembers)}).Info("group forked")
	return &ForkResult{NewGroupUUID: newUUID, NewGroupKey: newKey}, nil
}

// BuildSharedGroupRecipient is a convenience for callers rebuilding a
// PeerDirectory after ApproveInvite or RemoveMember: it packages the group
// key as a SharedGroup entry addressed to one recipient's payload.
func BuildSharedGroupRecipient(recipientPublicKey []byte, existing []envelope.SharedGroup, groupUUID string, groupKey []byte) envelope.RecipientPayload {
	shared := append([]envelope.SharedGroup(nil), existing...)
	shared = append(shared, envelope.SharedGroup{GroupUUID: groupUUID, GroupKey: groupKey})
	return envelope.RecipientPayload{
		RecipientPublicKey: recipientPublicKey,
		Payload:            envelope.PeerDirectoryPayload{SharedGroups: shared},
	}
}

func (s *Service) enqueueMutation(priv *ecdsa.PrivateKey, authorPub []byte, targetUUID string, targetType mutation.TargetType, op mutation.Operation) error {
	id, err := s.store.NextMutationID()
	if err != nil {
		return err
	}
	m := mutation.New(id, targetUUID, targetType, op)
	if err := m.Sign(priv, authorPub); err != nil {
		return syncerr.Wrap(syncerr.SignatureInvalid, "sign mutation", err)
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.store.EnqueueMutation(localstore.MutationQueueEntry{
		ID:        id,
		Status:    localstore.QueuePending,
		JSON:      raw,
		CreatedAt: time.Now().UTC(),
	})
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
	return localstore.PendingInvite{}, syncerr.New(syncerr.SessionExpired, "unknown invite session")
}

func ed25519PublicFromPrivate(priv []byte) []byte {
	if len(priv) != 64 {
		return nil
	}
	return append([]byte(nil), priv[32:]...)
}
