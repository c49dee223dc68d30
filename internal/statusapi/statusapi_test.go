package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/recordmoney/syncd/internal/blobstore"
	"github.com/recordmoney/syncd/internal/conflict"
	"github.com/recordmoney/syncd/internal/device"
	"github.com/recordmoney/syncd/internal/localstore"
)

type noopBlobStore struct{}

func (noopBlobStore) Upload(ctx context.Context, data []byte, name string) (blobstore.UploadResult, error) {
	return blobstore.UploadResult{}, nil
}
func (noopBlobStore) Fetch(ctx context.Context, cid string) ([]byte, error)  { return nil, nil }
func (noopBlobStore) Unpin(ctx context.Context, cid string) error            { return nil }
func (noopBlobStore) ResolveName(ctx context.Context, namePub []byte) (string, error) {
	return "", nil
}
func (noopBlobStore) PublishName(ctx context.Context, namePriv, namePub []byte, cid string, sequence uint64) error {
	return nil
}

func newTestServer(t *testing.T) (*Server, *localstore.Store) {
	t.Helper()
	store, err := localstore.Open(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("open local store: %v", err)
	}
	devices := device.New(store, noopBlobStore{}, nil, nil)
	detector := conflict.New(store, nil)
	return New(store, devices, nil, detector, nil), store
}

func TestHandleStatusReportsMode(t *testing.T) {
	srv, store := newTestServer(t)
	if err := store.SaveSyncConfig(localstore.SyncConfig{Mode: localstore.ModeSolo}); err != nil {
		t.Fatalf("save sync config: %v", err)
	}

	rr := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp statusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Mode != localstore.ModeSolo {
		t.Fatalf("expected solo mode, got %v", resp.Mode)
	}
}

func TestHandlePeersReturnsEmptyMap(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/peers", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var peers map[string]localstore.PeerSyncState
	if err := json.Unmarshal(rr.Body.Bytes(), &peers); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(peers) != 0 {
		t.Fatalf("expected no peers, got %d", len(peers))
	}
}

func TestHandleConflictsOnlyReturnsPending(t *testing.T) {
	srv, store := newTestServer(t)
	if err := store.SaveConflict(localstore.Conflict{ID: "c1", Status: localstore.ConflictPending}); err != nil {
		t.Fatalf("save conflict: %v", err)
	}
	if err := store.SaveConflict(localstore.Conflict{ID: "c2", Status: localstore.ConflictResolved}); err != nil {
		t.Fatalf("save conflict: %v", err)
	}

	rr := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/conflicts", nil))
	var body struct {
		Pending []localstore.Conflict `json:"pending"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Pending) != 1 || body.Pending[0].ID != "c1" {
		t.Fatalf("expected only the pending conflict, got %+v", body.Pending)
	}
}

func TestHandleMigrationReportsNotYetMigrated(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/migration", nil))
	var body struct {
		Migrated bool `json:"migrated"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Migrated {
		t.Fatalf("expected migrated=false by default")
	}
}
