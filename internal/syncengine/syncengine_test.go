package syncengine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/recordmoney/syncd/internal/blobstore"
	"github.com/recordmoney/syncd/internal/conflict"
	"github.com/recordmoney/syncd/internal/cryptoutil"
	"github.com/recordmoney/syncd/internal/device"
	"github.com/recordmoney/syncd/internal/localstore"
	"github.com/recordmoney/syncd/internal/mutation"
	"github.com/recordmoney/syncd/internal/publish"
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

// alwaysClean never reports a conflict; most tests just need the incoming
// mutation applied.
type alwaysClean struct{}

func (alwaysClean) Detect(m *mutation.Mutation) (*localstore.Conflict, bool, error) {
	return nil, false, nil
}

func newSide(t *testing.T, blobs *fakeBlobStore) (*Service, *localstore.Store, *device.Service, *[]*mutation.Mutation) {
	t.Helper()
	store, err := localstore.Open(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("open local store: %v", err)
	}
	devices := device.New(store, blobs, nil, nil)
	pub := publish.New(store, blobs, nil, devices, nil, nil, nil)

	applied := &[]*mutation.Mutation{}
	apply := func(m *mutation.Mutation) error {
		*applied = append(*applied, m)
		return nil
	}

	cfg := DefaultConfig()
	cfg.ForegroundInterval = time.Hour // tests drive Sync() directly, not the loop
	cfg.BackgroundInterval = time.Hour

	keyring := func(peer localstore.PeerSyncState) ([]byte, []byte, error) {
		syncCfg, err := store.SyncConfig()
		if err != nil {
			return nil, nil, err
		}
		return syncCfg.BroadcastKey, syncCfg.PersonalKey, nil
	}

	svc := New(store, blobs, pub, keyring, apply, alwaysClean{}, nil, cfg, nil)
	return svc, store, devices, applied
}

func setupAndPublish(t *testing.T, blobs *fakeBlobStore, name string, targets ...string) (*device.Service, localstore.DeviceKeys, *localstore.Store) {
	t.Helper()
	store, err := localstore.Open(filepath.Join(t.TempDir(), name+"-state.json"))
	if err != nil {
		t.Fatalf("open local store: %v", err)
	}
	devices := device.New(store, blobs, nil, nil)
	providerConfig, _ := json.Marshal(map[string]string{"gateway": "https://pin.example"})
	if _, err := devices.SetupDevice(context.Background(), providerConfig, name, nil); err != nil {
		t.Fatalf("setup device %s: %v", name, err)
	}
	keys, err := devices.EnsureDeviceKeys()
	if err != nil {
		t.Fatalf("ensure keys: %v", err)
	}

	pub := publish.New(store, blobs, nil, devices, nil, nil, nil)
	for _, targetUUID := range targets {
		id, err := store.NextMutationID()
		if err != nil {
			t.Fatalf("next mutation id: %v", err)
		}
		m := mutation.New(id, targetUUID, mutation.TargetRecord, mutation.Operation{Kind: mutation.OpCreate, Data: map[string]interface{}{"amount": 7}})
		priv := cryptoutil.P256PrivateFromBytes(keys.AuthPrivateKey)
		if err := m.Sign(priv, keys.AuthPublicKey); err != nil {
			t.Fatalf("sign mutation: %v", err)
		}
		raw, err := json.Marshal(m)
		if err != nil {
			t.Fatalf("marshal mutation: %v", err)
		}
		if err := store.EnqueueMutation(localstore.MutationQueueEntry{ID: id, Status: localstore.QueuePending, JSON: raw}); err != nil {
			t.Fatalf("enqueue mutation: %v", err)
		}
	}
	if len(targets) > 0 {
		if _, err := pub.PublishPendingMutations(context.Background()); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	return devices, keys, store
}

func TestSyncAppliesPeerMutations(t *testing.T) {
	blobs := newFakeBlobStore()
	ctx := context.Background()

	_, peerKeys, peerStore := setupAndPublish(t, blobs, "bob", "record-1", "record-2")
	peerSyncCfg, err := peerStore.SyncConfig()
	if err != nil {
		t.Fatalf("peer sync config: %v", err)
	}

	svc, store, devices, applied := newSide(t, blobs)
	if _, err := devices.EnsureDeviceKeys(); err != nil {
		t.Fatalf("ensure keys: %v", err)
	}
	if err := store.SaveSyncConfig(localstore.SyncConfig{
		Mode:         localstore.ModeSynced,
		PersonalKey:  peerSyncCfg.PersonalKey,
		BroadcastKey: peerSyncCfg.BroadcastKey,
	}); err != nil {
		t.Fatalf("save sync config: %v", err)
	}
	peerDeviceID := cryptoutil.DeriveDeviceID(peerKeys.AuthPublicKey)
	if err := store.SavePeerSyncState(localstore.PeerSyncState{
		DeviceID: peerDeviceID,
		IpnsPub:  peerKeys.IpnsPublicKey,
	}); err != nil {
		t.Fatalf("save peer sync state: %v", err)
	}

	res, err := svc.Sync(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected sync success, got %+v", res)
	}
	if len(*applied) != 2 {
		t.Fatalf("expected 2 mutations applied, got %d", len(*applied))
	}

	peers, err := store.PeerSyncStates()
	if err != nil {
		t.Fatalf("peer sync states: %v", err)
	}
	if peers[peerDeviceID].LastSyncedID != 2 {
		t.Fatalf("expected cursor to advance to 2, got %d", peers[peerDeviceID].LastSyncedID)
	}

	// A second sync with nothing new from the peer applies nothing further.
	res2, err := svc.Sync(ctx)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if !res2.Success || len(*applied) != 2 {
		t.Fatalf("expected second sync to be a no-op, got res=%+v applied=%d", res2, len(*applied))
	}
}

func TestSyncIsNonReentrant(t *testing.T) {
	blobs := newFakeBlobStore()
	svc, _, devices, _ := newSide(t, blobs)
	if _, err := devices.EnsureDeviceKeys(); err != nil {
		t.Fatalf("ensure keys: %v", err)
	}

	svc.mu.Lock()
	svc.syncing = true
	svc.mu.Unlock()

	res, err := svc.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Success {
		t.Fatalf("expected a concurrent sync call to report failure, got %+v", res)
	}
}

func TestSyncRegistersUpgradeProposalFromPeer(t *testing.T) {
	blobs := newFakeBlobStore()
	ctx := context.Background()

	peerDevices, peerKeys, peerStore := setupAndPublish(t, blobs, "carol")
	id, err := peerStore.NextMutationID()
	if err != nil {
		t.Fatalf("next mutation id: %v", err)
	}
	m := mutation.New(id, cryptoutil.DeriveDeviceID(peerKeys.AuthPublicKey), mutation.TargetDevice, mutation.Operation{
		Kind:                mutation.OpProposeUpgrade,
		MaxSupportedVersion: 2,
	})
	priv := cryptoutil.P256PrivateFromBytes(peerKeys.AuthPrivateKey)
	if err := m.Sign(priv, peerKeys.AuthPublicKey); err != nil {
		t.Fatalf("sign upgrade proposal: %v", err)
	}
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal upgrade proposal: %v", err)
	}
	if err := peerStore.EnqueueMutation(localstore.MutationQueueEntry{ID: id, Status: localstore.QueuePending, JSON: raw}); err != nil {
		t.Fatalf("enqueue upgrade proposal: %v", err)
	}
	peerPub := publish.New(peerStore, blobs, nil, peerDevices, nil, nil, nil)
	if _, err := peerPub.PublishPendingMutations(ctx); err != nil {
		t.Fatalf("publish upgrade proposal: %v", err)
	}

	store, err := localstore.Open(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("open local store: %v", err)
	}
	devices := device.New(store, blobs, nil, nil)
	if _, err := devices.EnsureDeviceKeys(); err != nil {
		t.Fatalf("ensure keys: %v", err)
	}
	peerSyncCfg, err := peerStore.SyncConfig()
	if err != nil {
		t.Fatalf("peer sync config: %v", err)
	}
	if err := store.SaveSyncConfig(localstore.SyncConfig{
		Mode:         localstore.ModeSynced,
		PersonalKey:  peerSyncCfg.PersonalKey,
		BroadcastKey: peerSyncCfg.BroadcastKey,
	}); err != nil {
		t.Fatalf("save sync config: %v", err)
	}
	peerDeviceID := cryptoutil.DeriveDeviceID(peerKeys.AuthPublicKey)
	if err := store.SavePeerSyncState(localstore.PeerSyncState{
		DeviceID: peerDeviceID,
		IpnsPub:  peerKeys.IpnsPublicKey,
	}); err != nil {
		t.Fatalf("save peer sync state: %v", err)
	}

	pub := publish.New(store, blobs, nil, devices, nil, nil, nil)
	keyring := func(peer localstore.PeerSyncState) ([]byte, []byte, error) {
		cfg, err := store.SyncConfig()
		if err != nil {
			return nil, nil, err
		}
		return cfg.BroadcastKey, cfg.PersonalKey, nil
	}
	detector := conflict.New(store, nil)
	apply := func(*mutation.Mutation) error { return nil }
	cfg := DefaultConfig()
	cfg.ForegroundInterval = time.Hour
	cfg.BackgroundInterval = time.Hour
	svc := New(store, blobs, pub, keyring, apply, detector, nil, cfg, nil)

	res, err := svc.Sync(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected sync success, got %+v", res)
	}

	active := detector.ActiveUpgradeProposals(m.SignedAt)
	if len(active) != 1 || active[0].MutationUUID != m.UUID || active[0].MaxSupportedVersion != 2 {
		t.Fatalf("expected the peer's propose_upgrade to be tracked as an active proposal, got %+v", active)
	}
}

func TestSyncRecordsWholeCycleFailureWhenEveryPeerErrors(t *testing.T) {
	blobs := newFakeBlobStore()
	ctx := context.Background()

	_, peerKeys, _ := setupAndPublish(t, blobs, "bob", "record-1")

	svc, store, devices, _ := newSide(t, blobs)
	if _, err := devices.EnsureDeviceKeys(); err != nil {
		t.Fatalf("ensure keys: %v", err)
	}
	peerDeviceID := cryptoutil.DeriveDeviceID(peerKeys.AuthPublicKey)
	if err := store.SavePeerSyncState(localstore.PeerSyncState{
		DeviceID: peerDeviceID,
		IpnsPub:  peerKeys.IpnsPublicKey,
	}); err != nil {
		t.Fatalf("save peer sync state: %v", err)
	}

	// Point the peer's published name at a CID the blob store doesn't have,
	// so resolving it succeeds but fetching the manifest fails for every
	// peer in the cycle — this must engage whole-cycle backoff, not just
	// the per-peer consecutiveFailures counter.
	blobs.mu.Lock()
	blobs.names[blobstore.DeriveName(peerKeys.IpnsPublicKey)] = "missing-cid"
	blobs.mu.Unlock()

	if svc.failures != 0 {
		t.Fatalf("expected failures to start at 0, got %d", svc.failures)
	}
	res, err := svc.Sync(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Success {
		t.Fatalf("expected whole-cycle failure, got %+v", res)
	}
	if svc.failures != 1 {
		t.Fatalf("expected failures to reach 1 after an all-peer-failed cycle, got %d", svc.failures)
	}

	res2, err := svc.Sync(ctx)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if res2.Success {
		t.Fatalf("expected second whole-cycle failure, got %+v", res2)
	}
	if svc.failures != 2 {
		t.Fatalf("expected failures to reach 2 after a second all-peer-failed cycle, got %d", svc.failures)
	}
}

func TestCurrentIntervalBacksOffExponentiallyAndCaps(t *testing.T) {
	blobs := newFakeBlobStore()
	svc, _, _, _ := newSide(t, blobs)
	svc.cfg = DefaultConfig()
	svc.foreground = true

	cases := []struct {
		failures int
		want     time.Duration
	}{
		{0, 15 * time.Second},
		{1, 15 * time.Second}, // 5s backoff < 15s base, base wins
		{2, 15 * time.Second}, // 10s backoff < 15s base
		{3, 20 * time.Second}, // 20s backoff > base
		{4, 40 * time.Second},
		{5, 80 * time.Second},
		{10, 5 * time.Minute}, // capped at MaxBackoff
	}
	for _, tc := range cases {
		svc.failures = tc.failures
		got := svc.currentInterval()
		if got != tc.want {
			t.Fatalf("failures=%d: expected interval %v, got %v", tc.failures, tc.want, got)
		}
	}
}

func TestManualSyncResetsBackoff(t *testing.T) {
	blobs := newFakeBlobStore()
	svc, _, devices, _ := newSide(t, blobs)
	if _, err := devices.EnsureDeviceKeys(); err != nil {
		t.Fatalf("ensure keys: %v", err)
	}
	svc.failures = 7

	if _, err := svc.ManualSync(context.Background()); err != nil {
		t.Fatalf("manual sync: %v", err)
	}
	if svc.currentInterval() != svc.cfg.ForegroundInterval {
		t.Fatalf("expected manual sync to clear backoff, interval=%v", svc.currentInterval())
	}
}

func TestEventsFireOnSyncStartAndComplete(t *testing.T) {
	blobs := newFakeBlobStore()
	svc, _, devices, _ := newSide(t, blobs)
	if _, err := devices.EnsureDeviceKeys(); err != nil {
		t.Fatalf("ensure keys: %v", err)
	}

	var kinds []EventKind
	var mu sync.Mutex
	svc.On(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, ev.Kind)
	})

	if _, err := svc.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(kinds) < 2 || kinds[0] != EventSyncStart || kinds[len(kinds)-1] != EventStateChange {
		t.Fatalf("expected sync_start first and state_change last, got %v", kinds)
	}
}

func TestStartStopDoesNotPanic(t *testing.T) {
	blobs := newFakeBlobStore()
	svc, _, devices, _ := newSide(t, blobs)
	if _, err := devices.EnsureDeviceKeys(); err != nil {
		t.Fatalf("ensure keys: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc.Start(ctx)
	time.Sleep(10 * time.Millisecond)
	svc.Stop()
}
