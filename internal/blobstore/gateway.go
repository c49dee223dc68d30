package blobstore

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Gateway is one pinning-service HTTP endpoint in priority order.
type Gateway struct {
	URL      string
	Priority int // lower base priority == preferred, decaying penalty is added on top
}

type gatewayStat struct {
	lastSuccess         time.Time
	lastFailure         time.Time
	consecutiveFailures int
}

// GatewayManager tracks per-URL health and re-orders a gateway list so
// recently-failing gateways drop back while still recovering over time
// (spec §4.4): penalty = min(consecutiveFailures*10, 100) * 0.5^(minutes
// since last failure), added to the base priority.
type GatewayManager struct {
	mu       sync.Mutex
	gateways []Gateway
	stats    map[string]*gatewayStat
	now      func() time.Time // overridable for tests
}

func NewGatewayManager(gateways []Gateway) *GatewayManager {
	return &GatewayManager{
		gateways: append([]Gateway(nil), gateways...),
		stats:    make(map[string]*gatewayStat),
		now:      time.Now,
	}
}

func (gm *GatewayManager) statFor(url string) *gatewayStat {
	s, ok := gm.stats[url]
	if !ok {
		s = &gatewayStat{}
		gm.stats[url] = s
	}
	return s
}

// RecordSuccess resets a gateway's failure streak.
func (gm *GatewayManager) RecordSuccess(url string) {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	s := gm.statFor(url)
	s.lastSuccess = gm.now()
	s.consecutiveFailures = 0
}

// RecordFailure bumps a gateway's failure streak.
func (gm *GatewayManager) RecordFailure(url string) {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	s := gm.statFor(url)
	s.lastFailure = gm.now()
	s.consecutiveFailures++
}

func (gm *GatewayManager) penalty(url string) float64 {
	s, ok := gm.stats[url]
	if !ok || s.consecutiveFailures == 0 {
		return 0
	}
	base := math.Min(float64(s.consecutiveFailures)*10, 100)
	minutesSince := gm.now().Sub(s.lastFailure).Minutes()
	if minutesSince < 0 {
		minutesSince = 0
	}
	return base * math.Pow(0.5, minutesSince)
}

// Ordered returns the gateway list sorted by effective priority
// (base priority + decaying penalty), lowest first.
func (gm *GatewayManager) Ordered() []Gateway {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	type scored struct {
		gw    Gateway
		score float64
	}
	scoredList := make([]scored, 0, len(gm.gateways))
	for _, gw := range gm.gateways {
		scoredList = append(scoredList, scored{gw: gw, score: float64(gw.Priority) + gm.penalty(gw.URL)})
	}
	sort.SliceStable(scoredList, func(i, j int) bool { return scoredList[i].score < scoredList[j].score })

	out := make([]Gateway, len(scoredList))
	for i, s := range scoredList {
		out[i] = s.gw
	}
	return out
}
