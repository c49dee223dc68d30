package syncengine

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/recordmoney/syncd/internal/blobstore"
	"github.com/recordmoney/syncd/internal/envelope"
	"github.com/recordmoney/syncd/internal/localstore"
	"github.com/recordmoney/syncd/internal/mutation"
	"github.com/recordmoney/syncd/internal/publish"
	"github.com/recordmoney/syncd/internal/syncerr"
)

// Service is the adaptive-poll loop of spec §4.9. One Service runs against
// one device's LocalStore; Start spawns a single background goroutine that
// publishes, then syncs from every known peer, sleeping an interval that
// widens under backoff and narrows back down the moment a cycle succeeds.
type Service struct {
	store     *localstore.Store
	blobs     blobstore.BlobStore
	publisher *publish.Service
	keyring   KeyringFunc
	apply     ApplyFunc
	conflicts ConflictChecker
	malformed MalformedReporter
	cfg       Config
	logger    *logrus.Logger

	mu         sync.Mutex
	active     bool
	syncing    bool
	foreground bool
	failures   int
	lastSyncAt *time.Time
	quit       chan struct{}
	wake       chan struct{}

	listenersMu sync.Mutex
	listeners   []Listener
}

func New(
	store *localstore.Store,
	blobs blobstore.BlobStore,
	publisher *publish.Service,
	keyring KeyringFunc,
	apply ApplyFunc,
	conflicts ConflictChecker,
	malformed MalformedReporter,
	cfg Config,
	logger *logrus.Logger,
) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{
		store:      store,
		blobs:      blobs,
		publisher:  publisher,
		keyring:    keyring,
		apply:      apply,
		conflicts:  conflicts,
		malformed:  malformed,
		cfg:        cfg,
		logger:     logger,
		foreground: true,
		wake:       make(chan struct{}, 1),
	}
}

// On registers a Listener. Not safe to call concurrently with an active
// sync cycle emitting events to the same slice without this lock, hence the
// separate listenersMu.
func (s *Service) On(l Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Service) emit(ev Event) {
	s.listenersMu.Lock()
	listeners := append([]Listener(nil), s.listeners...)
	s.listenersMu.Unlock()
	for _, l := range listeners {
		l(ev)
	}
}

// Start spawns the background loop if it isn't already running. Idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return
	}
	s.active = true
	s.quit = make(chan struct{})
	s.mu.Unlock()

	go s.loop(ctx)
	s.logger.Info("sync engine started")
}

// Stop clears the scheduled wakeup. A sync already in flight runs to
// completion; Stop does not cancel it.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	close(s.quit)
	s.active = false
}

func (s *Service) loop(ctx context.Context) {
	for {
		if _, err := s.Sync(ctx); err != nil {
			s.logger.WithError(err).Warn("sync cycle returned an error")
		}

		interval := s.currentInterval()
		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		case <-s.wake:
		case <-time.After(interval):
		}
	}
}

// SetForeground records an app visibility transition. Moving to foreground
// wakes an idle loop immediately and switches future scheduling to the
// shorter foreground cadence; moving to background only affects the next
// scheduled interval.
func (s *Service) SetForeground(foreground bool) {
	s.mu.Lock()
	was := s.foreground
	s.foreground = foreground
	s.mu.Unlock()
	if foreground && !was {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

func (s *Service) currentInterval() time.Duration {
	s.mu.Lock()
	failures := s.failures
	foreground := s.foreground
	s.mu.Unlock()

	base := s.cfg.BackgroundInterval
	if foreground {
		base = s.cfg.ForegroundInterval
	}
	if failures == 0 {
		return base
	}
	backoff := s.cfg.MinBackoff * time.Duration(uint64(1)<<uint(failures-1))
	if backoff > s.cfg.MaxBackoff {
		backoff = s.cfg.MaxBackoff
	}
	if backoff > base {
		return backoff
	}
	return base
}

// ManualSync runs one sync cycle immediately and clears accumulated backoff
// regardless of outcome, so a user-triggered sync is never throttled by a
// prior run of failures (spec §4.9).
func (s *Service) ManualSync(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()
	return s.Sync(ctx)
}

// Sync runs exactly one cycle: publish pending local mutations, then walk
// every known peer applying what changed since the local cursor. Concurrent
// calls are serialized — a call made while one is already in flight returns
// immediately with Success=false rather than blocking or interleaving.
func (s *Service) Sync(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	if s.syncing {
		s.mu.Unlock()
		return &Result{Success: false}, nil
	}
	s.syncing = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.syncing = false
		s.mu.Unlock()
	}()

	s.emit(Event{Kind: EventSyncStart})

	pubRes, err := s.publisher.PublishPendingMutations(ctx)
	if err != nil {
		s.recordFailure()
		s.emit(Event{Kind: EventSyncError, Err: err})
		return &Result{Success: false, Err: err}, nil
	}

	peers, err := s.store.PeerSyncStates()
	if err != nil {
		s.recordFailure()
		s.emit(Event{Kind: EventSyncError, Err: err})
		return &Result{Success: false, Err: err}, nil
	}

	synced := 0
	failed := 0
	for deviceID, peer := range peers {
		if err := s.syncPeer(ctx, deviceID, peer); err != nil {
			s.logger.WithError(err).WithField("peer", deviceID).Warn("peer sync failed")
			s.markPeerFailure(peer)
			s.emit(Event{Kind: EventSyncError, Peer: deviceID, Err: err})
			failed++
			continue
		}
		synced++
	}

	// A cycle where every known peer errored is a whole-cycle failure for
	// backoff purposes (spec §4.9/§6), not merely a per-peer one.
	if failed > 0 && synced == 0 {
		s.recordFailure()
		now := time.Now().UTC()
		s.mu.Lock()
		s.lastSyncAt = &now
		s.mu.Unlock()
		s.emit(Event{Kind: EventStateChange})
		return &Result{Success: false, PublishedCount: pubRes.Count, PeersSynced: synced}, nil
	}

	s.recordSuccess()
	now := time.Now().UTC()
	s.mu.Lock()
	s.lastSyncAt = &now
	s.mu.Unlock()

	s.emit(Event{Kind: EventSyncComplete})
	s.emit(Event{Kind: EventStateChange})

	return &Result{Success: true, PublishedCount: pubRes.Count, PeersSynced: synced}, nil
}

// syncPeer implements spec §4.9 step 2's lettered sub-steps for a single
// peer device.
func (s *Service) syncPeer(ctx context.Context, deviceID string, peer localstore.PeerSyncState) error {
	manifestCID, err := s.blobs.ResolveName(ctx, peer.IpnsPub)
	if err != nil {
		return syncerr.Wrap(syncerr.BlobFetchFailed, "resolve peer manifest name", err)
	}
	if manifestCID == "" {
		return nil
	}

	broadcastOrGroupKey, personalOrGroupKey, err := s.keyring(peer)
	if err != nil {
		return err
	}

	data, err := s.blobs.Fetch(ctx, manifestCID)
	if err != nil {
		return syncerr.Wrap(syncerr.BlobFetchFailed, "fetch peer manifest", err)
	}
	manifest, err := envelope.ParseDeviceManifest(data)
	if err != nil {
		return err
	}

	ringSealed, err := s.blobs.Fetch(ctx, manifest.DeviceRingCID)
	if err != nil {
		return syncerr.Wrap(syncerr.BlobFetchFailed, "fetch peer device ring", err)
	}
	ring, err := envelope.DecryptDeviceRing(broadcastOrGroupKey, ringSealed)
	if err != nil {
		return syncerr.Wrap(syncerr.CryptoDecryptFailed, "decrypt peer device ring", err)
	}

	var announcedLatest uint64
	found := false
	for _, entry := range ring.Devices {
		if entry.DeviceID == deviceID {
			announcedLatest = entry.LastSyncedID
			found = true
			break
		}
	}
	if !found || announcedLatest <= peer.LastSyncedID {
		return s.finishPeer(peer, peer.LastSyncedID)
	}

	index, err := envelope.DecryptChunkIndex(personalOrGroupKey, manifest.ChunkIndex)
	if err != nil {
		return syncerr.Wrap(syncerr.CryptoDecryptFailed, "decrypt peer chunk index", err)
	}

	for _, chunkRef := range envelope.ChunksAfter(index, peer.LastSyncedID) {
		sealed, err := s.blobs.Fetch(ctx, chunkRef.CID)
		if err != nil {
			return syncerr.Wrap(syncerr.BlobFetchFailed, "fetch mutation chunk", err)
		}
		chunk, err := envelope.DecryptMutationChunk(personalOrGroupKey, sealed)
		if err != nil {
			return syncerr.Wrap(syncerr.CryptoDecryptFailed, "decrypt mutation chunk", err)
		}
		if err := s.applyChunk(chunk, peer.LastSyncedID); err != nil {
			return err
		}
	}

	return s.finishPeer(peer, announcedLatest)
}

func (s *Service) applyChunk(chunk *envelope.MutationChunk, lastSyncedID uint64) error {
	for i := range chunk.Mutations {
		m := &chunk.Mutations[i]
		if m.ID <= lastSyncedID {
			continue
		}

		now := time.Now().UTC()
		if mutation.IsMalformedByAge(m, now) {
			s.reportMalformed(m, "mutation older than the malformed-age threshold")
			continue
		}
		if !mutation.Verify(m, mutation.VerifyOptions{CheckFreshness: false}) {
			s.reportMalformed(m, "signature verification failed")
			continue
		}

		s.emit(Event{Kind: EventMutationReceived, Mutation: m})

		if m.Operation.Kind == mutation.OpProposeUpgrade {
			if tracker, ok := s.conflicts.(UpgradeTracker); ok {
				tracker.RegisterUpgradeProposal(m)
			}
		}

		conflict, hasConflict, err := s.conflicts.Detect(m)
		if err != nil {
			return err
		}
		if hasConflict {
			s.emit(Event{Kind: EventConflictDetected, Mutation: m, Conflict: conflict})
			continue
		}

		if s.apply != nil {
			if err := s.apply(m); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) reportMalformed(m *mutation.Mutation, reason string) {
	if s.malformed != nil {
		s.malformed(m, reason)
	} else {
		s.logger.WithField("mutation_uuid", m.UUID).Warn(reason)
	}
}

func (s *Service) finishPeer(peer localstore.PeerSyncState, newLastSyncedID uint64) error {
	now := time.Now().UTC()
	peer.LastSyncedID = newLastSyncedID
	peer.LastSyncedAt = &now
	peer.ConsecutiveFailures = 0
	return s.store.SavePeerSyncState(peer)
}

func (s *Service) markPeerFailure(peer localstore.PeerSyncState) {
	now := time.Now().UTC()
	peer.ConsecutiveFailures++
	peer.LastAttemptedAt = &now
	if err := s.store.SavePeerSyncState(peer); err != nil {
		s.logger.WithError(err).Warn("failed to persist peer failure state")
	}
}

func (s *Service) recordFailure() {
	s.mu.Lock()
	if s.failures < s.cfg.MaxConsecutiveFailures {
		s.failures++
	}
	s.mu.Unlock()
}

func (s *Service) recordSuccess() {
	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()
}

// LastSyncAt reports when the most recent cycle finished, or nil if none
// has run yet.
func (s *Service) LastSyncAt() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSyncAt
}
