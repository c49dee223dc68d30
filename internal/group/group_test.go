package group

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/recordmoney/syncd/internal/blobstore"
	"github.com/recordmoney/syncd/internal/device"
	"github.com/recordmoney/syncd/internal/localstore"
)

type fakeBlobStore struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	names   map[string]string
	counter int
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{blobs: make(map[string][]byte), names: make(map[string]string)}
}

func (f *fakeBlobStore) Upload(ctx context.Context, data []byte, name string) (blobstore.UploadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counter++
	cid := name + "#" + string(rune('a'+f.counter%26)) + string(rune('0'+f.counter/26%10))
	f.blobs[cid] = append([]byte(nil), data...)
	return blobstore.UploadResult{CID: cid, Size: len(data)}, nil
}

func (f *fakeBlobStore) Fetch(ctx context.Context, cid string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[cid]
	if !ok {
		return nil, blobstore.NotFoundError(nil)
	}
	return data, nil
}

func (f *fakeBlobStore) Unpin(ctx context.Context, cid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blobs, cid)
	return nil
}

func (f *fakeBlobStore) ResolveName(ctx context.Context, namePub []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.names[blobstore.DeriveName(namePub)], nil
}

func (f *fakeBlobStore) PublishName(ctx context.Context, namePriv, namePub []byte, cid string, sequence uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names[blobstore.DeriveName(namePub)] = cid
	return nil
}

func newTestSide(t *testing.T, blobs *fakeBlobStore, cfg Config) *Service {
	t.Helper()
	store, err := localstore.Open(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("open local store: %v", err)
	}
	devices := device.New(store, blobs, nil, nil)
	return New(store, blobs, devices, cfg, nil)
}

func fastConfig() Config {
	return Config{PollInterval: time.Millisecond, MaxPollAttempts: 200, SessionExpiry: time.Hour}
}

func TestCreateGroupQueuesCreateMutationsAndGroupKey(t *testing.T) {
	svc := newTestSide(t, newFakeBlobStore(), fastConfig())

	groupUUID, err := svc.CreateGroup(context.Background(), "Ski Trip", "person-1")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if groupUUID == "" {
		t.Fatalf("expected non-empty group uuid")
	}

	key, found, err := svc.store.GroupKey(groupUUID)
	if err != nil {
		t.Fatalf("group key: %v", err)
	}
	if !found || len(key) != 32 {
		t.Fatalf("expected a 32-byte group key to be persisted, got found=%v len=%d", found, len(key))
	}

	pending, err := svc.store.PendingMutations()
	if err != nil {
		t.Fatalf("pending mutations: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 queued mutations (group create + member create), got %d", len(pending))
	}
}

func TestCreatePersonalLedgerUsesDistinguishedName(t *testing.T) {
	svc := newTestSide(t, newFakeBlobStore(), fastConfig())
	groupUUID, err := svc.CreatePersonalLedger(context.Background(), "person-1")
	if err != nil {
		t.Fatalf("create personal ledger: %v", err)
	}
	if groupUUID == "" {
		t.Fatalf("expected non-empty group uuid")
	}
}

func TestInviteRoundTripApprovesNewMember(t *testing.T) {
	blobs := newFakeBlobStore()
	cfg := fastConfig()
	inviter := newTestSide(t, blobs, cfg)
	joiner := newTestSide(t, blobs, cfg)
	ctx := context.Background()

	groupUUID, err := inviter.CreateGroup(ctx, "Roommates", "person-owner")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	qr, sessionID, err := inviter.StartInvite(ctx, groupUUID, "Roommates")
	if err != nil {
		t.Fatalf("start invite: %v", err)
	}

	if err := joiner.RespondToInvite(ctx, qr, "person-joiner"); err != nil {
		t.Fatalf("respond to invite: %v", err)
	}

	awaitResult, err := inviter.AwaitInviteResponse(ctx, sessionID)
	if err != nil {
		t.Fatalf("await invite response: %v", err)
	}
	if !awaitResult.Success || len(awaitResult.Emojis) != 6 {
		t.Fatalf("expected verified response with 6 emojis, got %+v", awaitResult)
	}
	if awaitResult.Peer.PersonUUID != "person-joiner" {
		t.Fatalf("expected joiner person uuid to round-trip, got %q", awaitResult.Peer.PersonUUID)
	}

	approveResult, err := inviter.ApproveInvite(ctx, sessionID)
	if err != nil {
		t.Fatalf("approve invite: %v", err)
	}
	if !approveResult.Success || len(approveResult.GroupKey) != 32 {
		t.Fatalf("expected approval to carry the group key, got %+v", approveResult)
	}

	recipient := BuildSharedGroupRecipient(awaitResult.Peer.AuthPublicKey, nil, groupUUID, approveResult.GroupKey)
	if recipient.Payload.SharedGroups[0].GroupUUID != groupUUID {
		t.Fatalf("expected shared group entry for the new member")
	}
}

func TestAwaitInviteResponseExpiresAtSessionBoundary(t *testing.T) {
	blobs := newFakeBlobStore()
	cfg := Config{PollInterval: time.Millisecond, MaxPollAttempts: 3, SessionExpiry: 50 * time.Millisecond}
	inviter := newTestSide(t, blobs, cfg)
	ctx := context.Background()

	groupUUID, err := inviter.CreateGroup(ctx, "Expiring", "person-owner")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	_, sessionID, err := inviter.StartInvite(ctx, groupUUID, "Expiring")
	if err != nil {
		t.Fatalf("start invite: %v", err)
	}

	time.Sleep(60 * time.Millisecond)

	result, err := inviter.AwaitInviteResponse(ctx, sessionID)
	if err != nil {
		t.Fatalf("await invite response: %v", err)
	}
	if result.Success {
		t.Fatalf("expected expired invite to report failure, got %+v", result)
	}
}

func TestRemoveMemberRotatesGroupKey(t *testing.T) {
	svc := newTestSide(t, newFakeBlobStore(), fastConfig())
	ctx := context.Background()

	groupUUID, err := svc.CreateGroup(ctx, "Team", "person-owner")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	originalKey, _, err := svc.store.GroupKey(groupUUID)
	if err != nil {
		t.Fatalf("group key: %v", err)
	}

	rotatedKey, err := svc.RemoveMember(ctx, groupUUID, "person-removed")
	if err != nil {
		t.Fatalf("remove member: %v", err)
	}
	if string(rotatedKey) == string(originalKey) {
		t.Fatalf("expected group key to change after member removal")
	}

	persistedKey, found, err := svc.store.GroupKey(groupUUID)
	if err != nil {
		t.Fatalf("group key: %v", err)
	}
	if !found || string(persistedKey) != string(rotatedKey) {
		t.Fatalf("expected rotated key to be persisted")
	}
}

func TestExitGroupRejectsPersonalLedger(t *testing.T) {
	svc := newTestSide(t, newFakeBlobStore(), fastConfig())
	ctx := context.Background()
	groupUUID, err := svc.CreatePersonalLedger(ctx, "person-owner")
	if err != nil {
		t.Fatalf("create personal ledger: %v", err)
	}
	if err := svc.ExitGroup(ctx, groupUUID, "person-owner", true); err == nil {
		t.Fatalf("expected exiting the personal ledger to fail")
	}
}

func TestExitGroupQueuesExitMutation(t *testing.T) {
	svc := newTestSide(t, newFakeBlobStore(), fastConfig())
	ctx := context.Background()
	groupUUID, err := svc.CreateGroup(ctx, "Team", "person-owner")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	before, err := svc.store.PendingMutations()
	if err != nil {
		t.Fatalf("pending mutations: %v", err)
	}
	if err := svc.ExitGroup(ctx, groupUUID, "person-owner", false); err != nil {
		t.Fatalf("exit group: %v", err)
	}
	after, err := svc.store.PendingMutations()
	if err != nil {
		t.Fatalf("pending mutations: %v", err)
	}
	if len(after) != len(before)+1 {
		t.Fatalf("expected exactly one new queued mutation, before=%d after=%d", len(before), len(after))
	}
}

func TestForkGroupQueuesCreatesForRemainingMembers(t *testing.T) {
	svc := newTestSide(t, newFakeBlobStore(), fastConfig())
	ctx := context.Background()

	result, err := svc.ForkGroup(ctx, "Roommates", []Member{
		{PersonUUID: "person-a", AuthPublicKey: []byte("a")},
		{PersonUUID: "person-b", AuthPublicKey: []byte("b")},
	})
	if err != nil {
		t.Fatalf("fork group: %v", err)
	}
	if result.NewGroupUUID == "" || len(result.NewGroupKey) != 32 {
		t.Fatalf("expected a fresh group identity, got %+v", result)
	}

	pending, err := svc.store.PendingMutations()
	if err != nil {
		t.Fatalf("pending mutations: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected group create + 2 member creates queued, got %d", len(pending))
	}
}
