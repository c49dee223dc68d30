package migration

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/recordmoney/syncd/internal/blobstore"
	"github.com/recordmoney/syncd/internal/device"
	"github.com/recordmoney/syncd/internal/localstore"
	"github.com/recordmoney/syncd/internal/mutation"
)

type fakeSource struct {
	users   []LegacyUser
	records []LegacyRecord
	groups  []LegacyGroup
}

func (f fakeSource) Users() ([]LegacyUser, error)     { return f.users, nil }
func (f fakeSource) Records() ([]LegacyRecord, error) { return f.records, nil }
func (f fakeSource) Groups() ([]LegacyGroup, error)   { return f.groups, nil }

func newTestService(t *testing.T) (*Service, *localstore.Store) {
	t.Helper()
	store, err := localstore.Open(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("open local store: %v", err)
	}
	devices := device.New(store, noopBlobStore{}, nil, nil)
	return New(store, devices, nil), store
}

// noopBlobStore satisfies blobstore.BlobStore for a device.Service that
// migration never calls into; EnsureDeviceKeys touches only the local
// store.
type noopBlobStore struct{}

func (noopBlobStore) Upload(ctx context.Context, data []byte, name string) (blobstore.UploadResult, error) {
	panic("unused")
}

func (noopBlobStore) Fetch(ctx context.Context, cid string) ([]byte, error) {
	panic("unused")
}

func (noopBlobStore) Unpin(ctx context.Context, cid string) error {
	panic("unused")
}

func (noopBlobStore) ResolveName(ctx context.Context, namePub []byte) (string, error) {
	panic("unused")
}

func (noopBlobStore) PublishName(ctx context.Context, namePriv, namePub []byte, cid string, sequence uint64) error {
	panic("unused")
}

func TestMigrateConvertsUsersRecordsAndGroups(t *testing.T) {
	svc, store := newTestService(t)

	source := fakeSource{
		users: []LegacyUser{
			{Email: "alice@example.com", Name: "Alice"},
			{Email: "bob@example.com", Name: "Bob"},
		},
		records: []LegacyRecord{
			{
				ID:      "record-1",
				PaidBy:  []LegacyParticipant{{Email: "alice@example.com", Amount: 40}},
				PaidFor: []LegacyParticipant{{Email: "alice@example.com", Amount: 20}, {Email: "carol@example.com", Amount: 20}},
				Data:    map[string]interface{}{"description": "dinner"},
			},
		},
		groups: []LegacyGroup{
			{ID: "group-1", Name: "Roommates", MemberEmails: []string{"alice@example.com", "bob@example.com"}},
		},
	}

	result, err := svc.Migrate(source, "alice@example.com")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if result.Skipped {
		t.Fatalf("expected first migration not to be skipped")
	}
	if result.PersonsCreated != 3 { // alice, bob, carol (placeholder)
		t.Fatalf("expected 3 persons created (2 users + 1 placeholder), got %d", result.PersonsCreated)
	}
	if result.PlaceholderCount != 1 {
		t.Fatalf("expected exactly 1 placeholder person, got %d", result.PlaceholderCount)
	}
	if result.RecordsCreated != 1 || result.GroupsCreated != 1 {
		t.Fatalf("expected 1 record and 1 group created, got records=%d groups=%d", result.RecordsCreated, result.GroupsCreated)
	}
	if result.SelfPersonUUID == "" {
		t.Fatalf("expected self person uuid to be set")
	}

	pending, err := store.PendingMutations()
	if err != nil {
		t.Fatalf("pending mutations: %v", err)
	}
	if len(pending) != 5 { // 2 users + 1 placeholder + 1 record + 1 group
		t.Fatalf("expected 5 queued mutations, got %d", len(pending))
	}

	var sawSelf, sawPlaceholder bool
	var recordMutation *mutation.Mutation
	for _, entry := range pending {
		var m mutation.Mutation
		if err := json.Unmarshal(entry.JSON, &m); err != nil {
			t.Fatalf("unmarshal mutation: %v", err)
		}
		if m.TargetType == mutation.TargetPerson {
			if isSelf, _ := m.Operation.Data["isSelf"].(bool); isSelf {
				sawSelf = true
			}
			if isPlaceholder, _ := m.Operation.Data["isPlaceholder"].(bool); isPlaceholder {
				sawPlaceholder = true
			}
		}
		if m.TargetType == mutation.TargetRecord {
			cp := m
			recordMutation = &cp
		}
	}
	if !sawSelf || !sawPlaceholder {
		t.Fatalf("expected both a self person and a placeholder person among queued mutations")
	}
	if recordMutation == nil {
		t.Fatalf("expected a queued record mutation")
	}
	paidBy, ok := recordMutation.Operation.Data["paidBy"].([]interface{})
	if !ok || len(paidBy) != 1 {
		t.Fatalf("expected record's paidBy rewritten to 1 person reference, got %+v", recordMutation.Operation.Data["paidBy"])
	}

	cfg, err := store.SyncConfig()
	if err != nil {
		t.Fatalf("sync config: %v", err)
	}
	if !cfg.Migrated || cfg.MigratedAt == nil || cfg.SelfPersonUUID != result.SelfPersonUUID {
		t.Fatalf("expected sync config to record migration completion, got %+v", cfg)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	svc, store := newTestService(t)
	source := fakeSource{users: []LegacyUser{{Email: "alice@example.com", Name: "Alice"}}}

	first, err := svc.Migrate(source, "alice@example.com")
	if err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	if first.Skipped {
		t.Fatalf("expected first run not skipped")
	}

	second, err := svc.Migrate(source, "alice@example.com")
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if !second.Skipped {
		t.Fatalf("expected second run to report skipped")
	}

	pending, err := store.PendingMutations()
	if err != nil {
		t.Fatalf("pending mutations: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected no additional mutations queued by the second run, got %d", len(pending))
	}
}
