package blobstore

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// CidHistory is the per-logical-key record CidManager maintains: the
// current CID plus a bounded ring of superseded ones (spec §4.4).
type CidHistory struct {
	Current  string   `json:"current"`
	Previous []string `json:"previous"`
}

// CidManager tracks, per logical key (e.g. "device:<id>:manifest" or
// "group:<uuid>:manifest"), the current CID and a bounded history of
// previous ones so they can be unpinned once superseded. A small LRU
// shadows the authoritative map so repeated lookups of hot keys (the
// engine re-checks its own manifest CID every sync tick) avoid touching
// the history map's lock on the common path.
type CidManager struct {
	mu         sync.Mutex
	history    map[string]*CidHistory
	maxHistory int
	cache      *lru.Cache[string, string]
	unpin      func(ctx context.Context, cid string) error
	logger     *logrus.Logger
}

func NewCidManager(maxHistory int, unpin func(ctx context.Context, cid string) error, logger *logrus.Logger) *CidManager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	cache, _ := lru.New[string, string](256)
	return &CidManager{
		history:    make(map[string]*CidHistory),
		maxHistory: maxHistory,
		cache:      cache,
		unpin:      unpin,
		logger:     logger,
	}
}

// Record stores cid as the new current value for key, demoting the old
// current into Previous. If Previous overflows maxHistory, the oldest
// entry is unpinned best-effort: failures are logged, never returned.
func (cm *CidManager) Record(ctx context.Context, key, cid string) {
	cm.mu.Lock()
	h, ok := cm.history[key]
	if !ok {
		h = &CidHistory{}
		cm.history[key] = h
	}
	if h.Current != "" && h.Current != cid {
		h.Previous = append(h.Previous, h.Current)
	}
	h.Current = cid
	var toUnpin string
	if len(h.Previous) > cm.maxHistory {
		toUnpin = h.Previous[0]
		h.Previous = h.Previous[1:]
	}
	cm.mu.Unlock()

	cm.cache.Add(key, cid)

	if toUnpin != "" && cm.unpin != nil {
		if err := cm.unpin(ctx, toUnpin); err != nil {
			cm.logger.WithError(err).WithField("cid", toUnpin).Warn("best-effort unpin failed")
		}
	}
}

// Current returns the current CID for key, preferring the LRU shadow.
func (cm *CidManager) Current(key string) (string, bool) {
	if cid, ok := cm.cache.Get(key); ok {
		return cid, true
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	h, ok := cm.history[key]
	if !ok || h.Current == "" {
		return "", false
	}
	return h.Current, true
}

// Export snapshots all history for persistence into LocalStore's
// cidHistory table.
func (cm *CidManager) Export() map[string]CidHistory {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	out := make(map[string]CidHistory, len(cm.history))
	for k, v := range cm.history {
		out[k] = *v
	}
	return out
}

// Import restores history previously produced by Export, e.g. on restart.
func (cm *CidManager) Import(snapshot map[string]CidHistory) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.history = make(map[string]*CidHistory, len(snapshot))
	for k, v := range snapshot {
		copied := v
		cm.history[k] = &copied
		cm.cache.Add(k, v.Current)
	}
}
