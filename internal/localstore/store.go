package localstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/recordmoney/syncd/internal/syncerr"
)

// snapshot is the whole-file persisted shape. Unlike the teacher's
// WAL+periodic-snapshot ledger (core/ledger.go), this state is small and
// rewritten wholesale on every mutation — a single atomic rename-on-write
// is sufficient and avoids replay logic for data this size.
type snapshot struct {
	DeviceKeys       *DeviceKeys                    `json:"deviceKeys,omitempty"`
	SyncConfig       *SyncConfig                    `json:"syncConfig,omitempty"`
	NextMutation     uint64                         `json:"nextMutationId"`
	ManifestSequence uint64                         `json:"manifestSequence"`
	Queue            map[uint64]*MutationQueueEntry `json:"mutationQueue"`
	GroupKeys      map[string]*GroupKeyRecord `json:"groupKeys"`
	PeerStates     map[string]*PeerSyncState  `json:"peerSyncStates"`
	Conflicts      map[string]*Conflict       `json:"conflicts"`
	PendingInvites map[string]*PendingInvite  `json:"pendingInvites"`
	CidHistory     map[string]*CidHistory     `json:"cidHistory"`
}

func newSnapshot() *snapshot {
	return &snapshot{
		Queue:          make(map[uint64]*MutationQueueEntry),
		GroupKeys:      make(map[string]*GroupKeyRecord),
		PeerStates:     make(map[string]*PeerSyncState),
		Conflicts:      make(map[string]*Conflict),
		PendingInvites: make(map[string]*PendingInvite),
		CidHistory:     make(map[string]*CidHistory),
	}
}

// Store is the reference LocalStore implementation: all tables held in
// memory, guarded by one mutex, persisted as a single JSON file on every
// write. Sized for one user's local device state, not a high-throughput
// database.
type Store struct {
	mu   sync.Mutex
	path string
	data *snapshot
}

// Open loads path if it exists, or starts an empty store. The directory
// containing path is created if missing.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create local store dir: %w", err)
	}
	s := &Store{path: path, data: newSnapshot()}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("open local store: %w", err)
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(s.data); err != nil {
		return nil, fmt.Errorf("decode local store: %w", err)
	}
	if s.data.Queue == nil {
		s.data.Queue = make(map[uint64]*MutationQueueEntry)
	}
	if s.data.GroupKeys == nil {
		s.data.GroupKeys = make(map[string]*GroupKeyRecord)
	}
	if s.data.PeerStates == nil {
		s.data.PeerStates = make(map[string]*PeerSyncState)
	}
	if s.data.Conflicts == nil {
		s.data.Conflicts = make(map[string]*Conflict)
	}
	if s.data.PendingInvites == nil {
		s.data.PendingInvites = make(map[string]*PendingInvite)
	}
	if s.data.CidHistory == nil {
		s.data.CidHistory = make(map[string]*CidHistory)
	}
	return s, nil
}

// persist must be called with mu held. It writes to a temp file and
// renames over path, so a crash mid-write never corrupts the prior state.
func (s *Store) persist() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open temp local store: %w", err)
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(s.data); err != nil {
		f.Close()
		return fmt.Errorf("encode local store: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp local store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename local store: %w", err)
	}
	return nil
}

// DeviceKeys returns the stored device keypairs, if any.
func (s *Store) DeviceKeys() (DeviceKeys, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.DeviceKeys == nil {
		return DeviceKeys{}, false, nil
	}
	return *s.data.DeviceKeys, true, nil
}

// SaveDeviceKeys persists keys, generated once per device and never
// regenerated while present (spec §3 "never leave the device").
func (s *Store) SaveDeviceKeys(keys DeviceKeys) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.DeviceKeys = &keys
	return s.persist()
}

// SyncConfig returns the current config row, or the zero value with
// Mode=ModeNotConfigured if none has been written yet.
func (s *Store) SyncConfig() (SyncConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.SyncConfig == nil {
		return SyncConfig{Mode: ModeNotConfigured}, nil
	}
	return *s.data.SyncConfig, nil
}

func (s *Store) SaveSyncConfig(cfg SyncConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.SyncConfig = &cfg
	return s.persist()
}

// ResetSyncConfig zeroizes and clears all key material (spec §5 resource
// policy): device keys, symmetric keys, and group keys are wiped from
// memory before the snapshot is rewritten without them. Used both for a
// voluntary reset and for the self-wipe that fires on receiving a `delete`
// mutation targeting this device's own deviceId (spec §4.10).
func (s *Store) ResetSyncConfig() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.DeviceKeys != nil {
		s.data.DeviceKeys.zero()
		s.data.DeviceKeys = nil
	}
	if s.data.SyncConfig != nil {
		s.data.SyncConfig.zero()
		s.data.SyncConfig = nil
	}
	for _, gk := range s.data.GroupKeys {
		zeroBytes(gk.GroupKey)
	}
	s.data.GroupKeys = make(map[string]*GroupKeyRecord)
	return s.persist()
}

// NextMutationID returns the next device-local monotonic mutation id and
// advances the counter atomically with respect to concurrent callers
// (spec §5: getNextMutationId must be atomic w.r.t. concurrent enqueues).
func (s *Store) NextMutationID() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.NextMutation++
	id := s.data.NextMutation
	if err := s.persist(); err != nil {
		return 0, err
	}
	return id, nil
}

// NextManifestSequence returns the next mutable-name sequence number to
// publish under, and advances the counter. One counter per device, shared
// by the first-time setup publish (§4.5), pairing republish (§4.6) and
// every later publishPendingMutations republish (§4.8) — spec §4.8 step 8
// requires `sequence = prev + 1` regardless of which caller is publishing.
func (s *Store) NextManifestSequence() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.ManifestSequence++
	seq := s.data.ManifestSequence
	if err := s.persist(); err != nil {
		return 0, err
	}
	return seq, nil
}

// EnqueueMutation adds a pending row keyed by the mutation's own id.
func (s *Store) EnqueueMutation(entry MutationQueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.Status == "" {
		entry.Status = QueuePending
	}
	s.data.Queue[entry.ID] = &entry
	return s.persist()
}

// PendingMutations returns all queue rows with Status==pending, ordered by
// id ascending.
func (s *Store) PendingMutations() ([]MutationQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MutationQueueEntry, 0, len(s.data.Queue))
	for _, e := range s.data.Queue {
		if e.Status == QueuePending {
			out = append(out, *e)
		}
	}
	sortQueueByID(out)
	return out, nil
}

func sortQueueByID(entries []MutationQueueEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].ID < entries[j-1].ID; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// MarkPublished flips the given mutation ids to published, stamping
// publishedAt. Unknown ids are ignored.
func (s *Store) MarkPublished(ids []uint64, publishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if e, ok := s.data.Queue[id]; ok {
			e.Status = QueuePublished
			e.PublishedAt = &publishedAt
		}
	}
	return s.persist()
}

// GroupKey returns the current key for a group, if any.
func (s *Store) GroupKey(groupUUID string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.data.GroupKeys[groupUUID]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), rec.GroupKey...), true, nil
}

func (s *Store) SaveGroupKey(rec GroupKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.GroupKeys[rec.GroupUUID] = &rec
	return s.persist()
}

func (s *Store) DeleteGroupKey(groupUUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.data.GroupKeys[groupUUID]; ok {
		zeroBytes(rec.GroupKey)
	}
	delete(s.data.GroupKeys, groupUUID)
	return s.persist()
}

// PeerSyncStates returns all peer cursor rows keyed by deviceId.
func (s *Store) PeerSyncStates() (map[string]PeerSyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]PeerSyncState, len(s.data.PeerStates))
	for k, v := range s.data.PeerStates {
		out[k] = *v
	}
	return out, nil
}

func (s *Store) SavePeerSyncState(state PeerSyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.PeerStates[state.DeviceID] = &state
	return s.persist()
}

func (s *Store) Conflicts() ([]Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Conflict, 0, len(s.data.Conflicts))
	for _, c := range s.data.Conflicts {
		out = append(out, *c)
	}
	return out, nil
}

func (s *Store) SaveConflict(c Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		return syncerr.New(syncerr.MalformedMutation, "conflict requires an id")
	}
	s.data.Conflicts[c.ID] = &c
	return s.persist()
}

func (s *Store) PendingInvites() ([]PendingInvite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PendingInvite, 0, len(s.data.PendingInvites))
	for _, inv := range s.data.PendingInvites {
		out = append(out, *inv)
	}
	return out, nil
}

func (s *Store) SavePendingInvite(inv PendingInvite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.PendingInvites[inv.ID] = &inv
	return s.persist()
}

func (s *Store) DeletePendingInvite(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data.PendingInvites, id)
	return s.persist()
}

// CidHistorySnapshot / SaveCidHistorySnapshot load and replace the
// cidHistory table, shaped like blobstore.CidManager's Export/Import
// snapshot. No code in this module calls them with CidManager data.
func (s *Store) CidHistorySnapshot() (map[string]CidHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]CidHistory, len(s.data.CidHistory))
	for k, v := range s.data.CidHistory {
		out[k] = *v
	}
	return out, nil
}

func (s *Store) SaveCidHistorySnapshot(snap map[string]CidHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.CidHistory = make(map[string]*CidHistory, len(snap))
	for k, v := range snap {
		copied := v
		s.data.CidHistory[k] = &copied
	}
	return s.persist()
}
