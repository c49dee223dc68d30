package conflict

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/recordmoney/syncd/internal/cryptoutil"
	"github.com/recordmoney/syncd/internal/localstore"
	"github.com/recordmoney/syncd/internal/mutation"
)

// Detector implements syncengine.ConflictChecker against one device's
// LocalStore: an incoming mutation conflicts with a pending (queued,
// not-yet-published) local mutation targeting the same entity.
type Detector struct {
	store  *localstore.Store
	logger *logrus.Logger

	mu       sync.Mutex
	reports  []MalformedReport
	upgrades []UpgradeProposal
}

func New(store *localstore.Store, logger *logrus.Logger) *Detector {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Detector{store: store, logger: logger}
}

// Detect compares incoming against every pending local mutation targeting
// the same (TargetUUID, TargetType), per spec §4.10's three detectable
// shapes. The first conflicting pair found is persisted as a Conflict (or
// folded into an existing pending one for the same target+field) and
// returned.
func (d *Detector) Detect(incoming *mutation.Mutation) (*localstore.Conflict, bool, error) {
	pending, err := d.store.PendingMutations()
	if err != nil {
		return nil, false, err
	}

	for _, entry := range pending {
		var local mutation.Mutation
		if err := json.Unmarshal(entry.JSON, &local); err != nil {
			continue
		}
		if local.UUID == incoming.UUID {
			continue
		}
		if local.TargetUUID != incoming.TargetUUID || local.TargetType != incoming.TargetType {
			continue
		}

		kind, field, ok := classify(&local, incoming)
		if !ok {
			continue
		}

		c, err := d.recordConflict(kind, incoming, &local, field)
		if err != nil {
			return nil, false, err
		}
		return c, true, nil
	}

	return nil, false, nil
}

// classify implements spec §4.10's detection rules. Returns ok=false when
// the pair is disjoint or causally ordered (one's `old` matches the
// other's `new`).
func classify(a, b *mutation.Mutation) (localstore.ConflictType, string, bool) {
	if a.Operation.Kind == mutation.OpUpdate && b.Operation.Kind == mutation.OpUpdate {
		for _, ca := range a.Operation.Changes {
			for _, cb := range b.Operation.Changes {
				if ca.Field != cb.Field {
					continue
				}
				if causallyOrdered(ca, cb) {
					continue
				}
				if equalValue(ca.Old, cb.Old) && !equalValue(ca.New, cb.New) {
					return localstore.ConflictField, ca.Field, true
				}
			}
		}
		return "", "", false
	}

	isDeleteUpdatePair := (a.Operation.Kind == mutation.OpDelete && b.Operation.Kind == mutation.OpUpdate) ||
		(a.Operation.Kind == mutation.OpUpdate && b.Operation.Kind == mutation.OpDelete)
	if isDeleteUpdatePair {
		return localstore.ConflictEntity, "", true
	}

	isMergeUpdatePair := (a.Operation.Kind == mutation.OpMerge && b.Operation.Kind == mutation.OpUpdate) ||
		(a.Operation.Kind == mutation.OpUpdate && b.Operation.Kind == mutation.OpMerge)
	if isMergeUpdatePair && a.TargetType == mutation.TargetPerson {
		return localstore.ConflictMerge, "", true
	}

	return "", "", false
}

// causallyOrdered reports whether one change's `old` matches the other's
// `new`, meaning one was made with knowledge of the other rather than
// concurrently.
func causallyOrdered(a, b mutation.FieldChange) bool {
	return equalValue(a.Old, b.New) || equalValue(b.Old, a.New)
}

func equalValue(a, b interface{}) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ja) == string(jb)
}

func (d *Detector) recordConflict(kind localstore.ConflictType, incoming, local *mutation.Mutation, field string) (*localstore.Conflict, error) {
	existing, err := d.store.Conflicts()
	if err != nil {
		return nil, err
	}
	for i := range existing {
		c := &existing[i]
		if c.Status != localstore.ConflictPending {
			continue
		}
		if c.TargetUUID != incoming.TargetUUID || string(c.TargetType) != string(incoming.TargetType) || c.Type != kind {
			continue
		}
		if kind == localstore.ConflictField && c.Field != field {
			continue
		}
		c.Options = appendOption(c.Options, incoming)
		if err := d.store.SaveConflict(*c); err != nil {
			return nil, err
		}
		return c, nil
	}

	c := localstore.Conflict{
		ID:         uuid.NewString(),
		Type:       kind,
		TargetUUID: incoming.TargetUUID,
		TargetType: string(incoming.TargetType),
		Field:      field,
		Status:     localstore.ConflictPending,
	}
	c.Options = appendOption(c.Options, local)
	c.Options = appendOption(c.Options, incoming)
	if err := d.store.SaveConflict(c); err != nil {
		return nil, err
	}
	return &c, nil
}

func appendOption(options []localstore.ConflictOption, m *mutation.Mutation) []localstore.ConflictOption {
	for _, o := range options {
		if o.MutationUUID == m.UUID {
			return options
		}
	}
	return append(options, localstore.ConflictOption{
		MutationUUID: m.UUID,
		DeviceID:     cryptoutil.DeriveDeviceID(m.AuthorDevicePublicKey),
		Value:        optionValue(m),
		Timestamp:    m.SignedAt,
	})
}

func optionValue(m *mutation.Mutation) interface{} {
	switch m.Operation.Kind {
	case mutation.OpUpdate:
		return m.Operation.Changes
	case mutation.OpDelete:
		return "deleted"
	case mutation.OpMerge:
		return map[string]string{"fromUuid": m.Operation.FromUUID}
	default:
		return m.Operation.Kind
	}
}

// ReportMalformed appends to the bounded in-memory report log and logs at
// warn level, never propagating into the sync loop (spec §4.10).
func (d *Detector) ReportMalformed(m *mutation.Mutation, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	report := MalformedReport{Reason: reason, At: time.Now().UTC()}
	if m != nil {
		report.MutationUUID = m.UUID
		report.TargetUUID = m.TargetUUID
	}
	d.reports = append(d.reports, report)
	if len(d.reports) > MaxMalformedReports {
		d.reports = d.reports[len(d.reports)-MaxMalformedReports:]
	}
	d.logger.WithFields(logrus.Fields{"mutation_uuid": report.MutationUUID, "reason": reason}).Warn("malformed mutation reported")
}

// MalformedReports returns a snapshot of the bounded report log.
func (d *Detector) MalformedReports() []MalformedReport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]MalformedReport(nil), d.reports...)
}

// RegisterUpgradeProposal records an observed `propose_upgrade` mutation
// (spec §4.3) and opens its 48-hour voting window. Ignores m if it isn't a
// propose_upgrade operation.
func (d *Detector) RegisterUpgradeProposal(m *mutation.Mutation) {
	if m == nil || m.Operation.Kind != mutation.OpProposeUpgrade {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.upgrades {
		if p.MutationUUID == m.UUID {
			return
		}
	}
	d.upgrades = append(d.upgrades, UpgradeProposal{
		MutationUUID:        m.UUID,
		DeviceID:            cryptoutil.DeriveDeviceID(m.AuthorDevicePublicKey),
		MaxSupportedVersion: m.Operation.MaxSupportedVersion,
		ProposedAt:          m.SignedAt,
		ExpiresAt:           m.SignedAt.Add(UpgradeVotingWindow),
	})
	if len(d.upgrades) > MaxTrackedUpgradeProposals {
		d.upgrades = d.upgrades[len(d.upgrades)-MaxTrackedUpgradeProposals:]
	}
	d.logger.WithFields(logrus.Fields{
		"mutation_uuid":         m.UUID,
		"max_supported_version": m.Operation.MaxSupportedVersion,
	}).Info("upgrade proposal registered")
}

// ActiveUpgradeProposals returns the tracked proposals whose voting window
// has not yet closed as of now.
func (d *Detector) ActiveUpgradeProposals(now time.Time) []UpgradeProposal {
	d.mu.Lock()
	defer d.mu.Unlock()
	active := make([]UpgradeProposal, 0, len(d.upgrades))
	for _, p := range d.upgrades {
		if now.Before(p.ExpiresAt) {
			active = append(active, p)
		}
	}
	return active
}

// ResolveConflict applies a resolve_conflict mutation naming winnerUUID:
// marks the stored Conflict resolved and reports which pending local
// mutations were voided (the caller is responsible for discarding their
// effect on the target, per spec §4.10 — this package only knows about
// the conflict record, not the domain application of its options).
func (d *Detector) ResolveConflict(conflictID, winnerMutationUUID string) ([]string, error) {
	conflicts, err := d.store.Conflicts()
	if err != nil {
		return nil, err
	}
	for _, c := range conflicts {
		if c.ID != conflictID {
			continue
		}
		found := false
		var voided []string
		for _, o := range c.Options {
			if o.MutationUUID == winnerMutationUUID {
				found = true
				continue
			}
			voided = append(voided, o.MutationUUID)
		}
		if !found {
			return nil, fmt.Errorf("conflict %s: winner %s is not among its options", conflictID, winnerMutationUUID)
		}
		c.Status = localstore.ConflictResolved
		if err := d.store.SaveConflict(c); err != nil {
			return nil, err
		}
		return voided, nil
	}
	return nil, fmt.Errorf("conflict %s not found", conflictID)
}
