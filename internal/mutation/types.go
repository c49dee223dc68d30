// Package mutation implements the signed, ordered, field-granular operation
// log described in spec §4.3: the sole authoritative representation of a
// change to a Person, Device, Group or ledger record.
package mutation

import (
	"crypto/ecdsa"
	"time"

	"github.com/google/uuid"

	"github.com/recordmoney/syncd/internal/cryptoutil"
)

// ProtocolVersion is the current wire version (spec §3).
const ProtocolVersion = 1

// TargetType enumerates what a mutation applies to.
type TargetType string

const (
	TargetRecord TargetType = "record"
	TargetPerson TargetType = "person"
	TargetGroup  TargetType = "group"
	TargetDevice TargetType = "device"
)

// OperationKind enumerates spec §4.3's operation catalogue.
type OperationKind string

const (
	OpCreate           OperationKind = "create"
	OpUpdate           OperationKind = "update"
	OpDelete           OperationKind = "delete"
	OpMerge            OperationKind = "merge"
	OpExit             OperationKind = "exit"
	OpResolveConflict  OperationKind = "resolve_conflict"
	OpProposeUpgrade   OperationKind = "propose_upgrade"
)

// ArrayOpKind enumerates how an array-typed field entry changed.
type ArrayOpKind string

const (
	ArrayAdd    ArrayOpKind = "add"
	ArrayRemove ArrayOpKind = "remove"
	ArrayUpdate ArrayOpKind = "update"
)

// FieldChange is a scalar field diff: {field, old, new}.
type FieldChange struct {
	Field string      `json:"field"`
	Old   interface{} `json:"old"`
	New   interface{} `json:"new"`
}

// ArrayChange is an add/remove/update against an array-typed field (paidBy,
// paidFor, devices), keyed by the entry's identifier (personUuid/deviceId).
// Old carries the prior entry for remove/update ops so the change can be
// inverted without re-diffing; forward application only ever needs Value.
type ArrayChange struct {
	Field string      `json:"field"`
	Op    ArrayOpKind `json:"op"`
	Key   string      `json:"key"`
	Value interface{} `json:"value,omitempty"`
	Old   interface{} `json:"old,omitempty"`
}

// Operation is the tagged-union payload of a mutation. Exactly the fields
// relevant to Kind are populated; this mirrors the original `__type`-tagged
// dynamic JSON as an explicit Go sum type per Design Note §9.
type Operation struct {
	Kind OperationKind `json:"type"`

	// create
	Data map[string]interface{} `json:"data,omitempty"`

	// update
	Changes      []FieldChange `json:"changes,omitempty"`
	ArrayChanges []ArrayChange `json:"arrayChanges,omitempty"`

	// merge
	FromUUID string `json:"fromUuid,omitempty"`

	// resolve_conflict
	ConflictType        string   `json:"conflictType,omitempty"`
	WinnerMutationUUID  string   `json:"winnerMutationUuid,omitempty"`
	VoidedMutationUUIDs []string `json:"voidedMutationUuids,omitempty"`
	Summary             string   `json:"summary,omitempty"`

	// propose_upgrade
	MaxSupportedVersion int `json:"maxSupportedVersion,omitempty"`
}

// Mutation is the authoritative change record of spec §3.
type Mutation struct {
	Version               int        `json:"version"`
	UUID                  string     `json:"uuid"`
	ID                    uint64     `json:"id"`
	TargetUUID            string     `json:"targetUuid"`
	TargetType            TargetType `json:"targetType"`
	Operation             Operation  `json:"operation"`
	Timestamp             time.Time  `json:"timestamp"`
	SignedAt              time.Time  `json:"signedAt"`
	AuthorDevicePublicKey cryptoutil.Bytes `json:"authorDevicePublicKey"`
	Signature             cryptoutil.Bytes `json:"signature"`
}

// New builds an unsigned mutation; callers must call Sign before publishing.
func New(id uint64, targetUUID string, targetType TargetType, op Operation) *Mutation {
	return &Mutation{
		Version:    ProtocolVersion,
		UUID:       uuid.NewString(),
		ID:         id,
		TargetUUID: targetUUID,
		TargetType: targetType,
		Operation:  op,
		Timestamp:  time.Now().UTC(),
	}
}

// signingPayload is the exact set of fields signed over: every field of
// Mutation except Signature.
type signingPayload struct {
	Version               int        `json:"version"`
	UUID                  string     `json:"uuid"`
	ID                    uint64     `json:"id"`
	TargetUUID            string     `json:"targetUuid"`
	TargetType            TargetType `json:"targetType"`
	Operation             Operation  `json:"operation"`
	Timestamp             time.Time  `json:"timestamp"`
	SignedAt              time.Time  `json:"signedAt"`
	AuthorDevicePublicKey cryptoutil.Bytes `json:"authorDevicePublicKey"`
}

func (m *Mutation) payload() signingPayload {
	return signingPayload{
		Version:               m.Version,
		UUID:                  m.UUID,
		ID:                    m.ID,
		TargetUUID:            m.TargetUUID,
		TargetType:            m.TargetType,
		Operation:             m.Operation,
		Timestamp:             m.Timestamp,
		SignedAt:              m.SignedAt,
		AuthorDevicePublicKey: m.AuthorDevicePublicKey,
	}
}

// CanonicalBytes returns the canonical JSON of every signed field.
func (m *Mutation) CanonicalBytes() ([]byte, error) {
	return cryptoutil.CanonicalJSON(m.payload())
}

// Sign stamps SignedAt=now, sets AuthorDevicePublicKey and computes the
// ECDSA signature over the canonical JSON of every other field.
func (m *Mutation) Sign(priv *ecdsa.PrivateKey, authorPub []byte) error {
	m.SignedAt = time.Now().UTC()
	m.AuthorDevicePublicKey = authorPub
	digestInput, err := m.CanonicalBytes()
	if err != nil {
		return err
	}
	sig, err := cryptoutil.EcdsaSignP256(priv, digestInput)
	if err != nil {
		return err
	}
	m.Signature = sig
	return nil
}
