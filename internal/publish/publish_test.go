package publish

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/recordmoney/syncd/internal/blobstore"
	"github.com/recordmoney/syncd/internal/cryptoutil"
	"github.com/recordmoney/syncd/internal/device"
	"github.com/recordmoney/syncd/internal/envelope"
	"github.com/recordmoney/syncd/internal/localstore"
	"github.com/recordmoney/syncd/internal/mutation"
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

func newTestHarness(t *testing.T) (*Service, *device.Service, *localstore.Store, *fakeBlobStore) {
	t.Helper()
	store, err := localstore.Open(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("open local store: %v", err)
	}
	blobs := newFakeBlobStore()
	devices := device.New(store, blobs, nil, nil)
	svc := New(store, blobs, nil, devices, nil, nil, nil)
	return svc, devices, store, blobs
}

func enqueueTestMutation(t *testing.T, store *localstore.Store, keys localstore.DeviceKeys, targetUUID string) {
	t.Helper()
	id, err := store.NextMutationID()
	if err != nil {
		t.Fatalf("next mutation id: %v", err)
	}
	m := mutation.New(id, targetUUID, mutation.TargetRecord, mutation.Operation{Kind: mutation.OpCreate, Data: map[string]interface{}{"amount": 42}})
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

func TestPublishPendingMutationsEmptyQueueReturnsZeroCount(t *testing.T) {
	svc, devices, _, _ := newTestHarness(t)
	if _, err := devices.EnsureDeviceKeys(); err != nil {
		t.Fatalf("ensure keys: %v", err)
	}
	res, err := svc.PublishPendingMutations(context.Background())
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if res.Count != 0 {
		t.Fatalf("expected zero count for empty queue, got %d", res.Count)
	}
}

func TestPublishPendingMutationsRejectsReentry(t *testing.T) {
	svc, devices, store, _ := newTestHarness(t)
	if _, err := devices.EnsureDeviceKeys(); err != nil {
		t.Fatalf("ensure keys: %v", err)
	}
	keys, err := devices.EnsureDeviceKeys()
	if err != nil {
		t.Fatalf("ensure keys: %v", err)
	}
	enqueueTestMutation(t, store, keys, "record-1")

	svc.mu.Lock()
	svc.publishing = true
	svc.mu.Unlock()

	_, err = svc.PublishPendingMutations(context.Background())
	if err != ErrAlreadyPublishing {
		t.Fatalf("expected ErrAlreadyPublishing on reentry, got %v", err)
	}

	svc.mu.Lock()
	svc.publishing = false
	svc.mu.Unlock()
}

func TestPublishPendingMutationsFullCycle(t *testing.T) {
	svc, devices, store, blobs := newTestHarness(t)
	ctx := context.Background()

	providerConfig, _ := json.Marshal(map[string]string{"gateway": "https://pin.example"})
	setupRes, err := devices.SetupDevice(ctx, providerConfig, "alice", nil)
	if err != nil {
		t.Fatalf("setup device: %v", err)
	}
	if !setupRes.Success {
		t.Fatalf("expected successful setup, got %+v", setupRes)
	}

	keys, err := devices.EnsureDeviceKeys()
	if err != nil {
		t.Fatalf("ensure keys: %v", err)
	}
	enqueueTestMutation(t, store, keys, "record-1")
	enqueueTestMutation(t, store, keys, "record-2")

	res, err := svc.PublishPendingMutations(ctx)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if res.Count != 2 {
		t.Fatalf("expected 2 mutations published, got %d", res.Count)
	}
	if res.ManifestCID == "" {
		t.Fatalf("expected a manifest cid")
	}

	pending, err := store.PendingMutations()
	if err != nil {
		t.Fatalf("pending mutations: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending mutations left, got %d", len(pending))
	}

	resolvedCid, err := blobs.ResolveName(ctx, keys.IpnsPublicKey)
	if err != nil {
		t.Fatalf("resolve name: %v", err)
	}
	if resolvedCid != res.ManifestCID {
		t.Fatalf("expected published manifest to resolve at the device's mutable name")
	}

	data, err := blobs.Fetch(ctx, resolvedCid)
	if err != nil {
		t.Fatalf("fetch manifest: %v", err)
	}
	manifest, err := envelope.ParseDeviceManifest(data)
	if err != nil {
		t.Fatalf("parse manifest: %v", err)
	}
	cfg, err := store.SyncConfig()
	if err != nil {
		t.Fatalf("sync config: %v", err)
	}
	latestID, err := envelope.DecryptLatestMutationID(cfg.PersonalKey, manifest.LatestMutationID)
	if err != nil {
		t.Fatalf("decrypt latest mutation id: %v", err)
	}
	if latestID != 2 {
		t.Fatalf("expected latest mutation id 2, got %d", latestID)
	}
}

func TestPublishPendingMutationsSecondRoundAppendsChunk(t *testing.T) {
	svc, devices, store, _ := newTestHarness(t)
	ctx := context.Background()
	providerConfig, _ := json.Marshal(map[string]string{"gateway": "https://pin.example"})
	if _, err := devices.SetupDevice(ctx, providerConfig, "alice", nil); err != nil {
		t.Fatalf("setup device: %v", err)
	}
	keys, err := devices.EnsureDeviceKeys()
	if err != nil {
		t.Fatalf("ensure keys: %v", err)
	}

	enqueueTestMutation(t, store, keys, "record-1")
	if _, err := svc.PublishPendingMutations(ctx); err != nil {
		t.Fatalf("first publish: %v", err)
	}

	enqueueTestMutation(t, store, keys, "record-2")
	res, err := svc.PublishPendingMutations(ctx)
	if err != nil {
		t.Fatalf("second publish: %v", err)
	}
	if res.Count != 1 {
		t.Fatalf("expected second round to publish exactly the new mutation, got %d", res.Count)
	}
}
