package device

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/recordmoney/syncd/internal/blobstore"
	"github.com/recordmoney/syncd/internal/localstore"
)

// fakeBlobStore is an in-memory BlobStore good enough to exercise device
// setup without any network or gateway machinery.
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

func newTestService(t *testing.T) (*Service, *fakeBlobStore) {
	t.Helper()
	store, err := localstore.Open(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("open local store: %v", err)
	}
	blobs := newFakeBlobStore()
	return New(store, blobs, nil, nil), blobs
}

func TestEnsureDeviceKeysGeneratesOnceAndPersists(t *testing.T) {
	svc, _ := newTestService(t)

	keys1, err := svc.EnsureDeviceKeys()
	if err != nil {
		t.Fatalf("ensure keys: %v", err)
	}
	keys2, err := svc.EnsureDeviceKeys()
	if err != nil {
		t.Fatalf("ensure keys again: %v", err)
	}
	if string(keys1.AuthPublicKey) != string(keys2.AuthPublicKey) {
		t.Fatalf("expected stable keys across calls")
	}
}

func TestSetupDeviceRejectsEmptyProviderConfig(t *testing.T) {
	svc, _ := newTestService(t)
	res, err := svc.SetupDevice(context.Background(), nil, "alice", nil)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if res.Success {
		t.Fatalf("expected failure for empty provider config")
	}
}

func TestSetupDeviceFullFlowThenIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	providerConfig, _ := json.Marshal(map[string]string{"gateway": "https://pin.example"})

	var steps []string
	res, err := svc.SetupDevice(context.Background(), providerConfig, "alice", func(step string) {
		steps = append(steps, step)
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if !res.Success || res.Mode != localstore.ModeSynced {
		t.Fatalf("expected successful synced setup, got %+v", res)
	}
	if len(steps) == 0 {
		t.Fatalf("expected progress callbacks")
	}

	res2, err := svc.SetupDevice(context.Background(), providerConfig, "alice", nil)
	if err != nil {
		t.Fatalf("second setup: %v", err)
	}
	if !res2.Success || res2.Mode != localstore.ModeSynced {
		t.Fatalf("expected idempotent success, got %+v", res2)
	}
}

func TestStatusReflectsKeyAndConfigPresence(t *testing.T) {
	svc, _ := newTestService(t)
	mode, err := svc.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if mode != localstore.ModeNotConfigured {
		t.Fatalf("expected not_configured before any keys, got %q", mode)
	}

	if _, err := svc.EnsureDeviceKeys(); err != nil {
		t.Fatalf("ensure keys: %v", err)
	}
	mode, err = svc.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if mode != localstore.ModeSolo {
		t.Fatalf("expected solo after keys but before setup, got %q", mode)
	}
}
