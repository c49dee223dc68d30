// Package migration implements spec §4.11: the one-shot, idempotent walk
// of a pre-sync legacy ledger into the signed mutation log.
package migration

// LegacyUser is one row of the legacy users table.
type LegacyUser struct {
	Email string
	Name  string
}

// LegacyParticipant references a legacy user by email within a record's
// paidBy/paidFor list — the representation spec §4.11 says migration must
// rewrite into Person UUIDs.
type LegacyParticipant struct {
	Email  string
	Amount float64
}

// LegacyRecord is one row of the legacy records table. Data carries
// whatever additional domain fields the legacy schema has (description,
// currency, date, ...); migration only ever rewrites PaidBy/PaidFor, never
// Data, since their shape is this package's one opinion about the legacy
// schema and everything else is out of scope (spec §1).
type LegacyRecord struct {
	ID      string
	PaidBy  []LegacyParticipant
	PaidFor []LegacyParticipant
	Data    map[string]interface{}
}

// LegacyGroup is one row of the legacy groups table.
type LegacyGroup struct {
	ID           string
	Name         string
	MemberEmails []string
}

// Source supplies the legacy tables to walk. The concrete legacy database
// engine is out of this module's scope; a caller adapts its own storage
// into this shape, the same injection pattern internal/publish uses for
// DatabaseSnapshotFunc.
type Source interface {
	Users() ([]LegacyUser, error)
	Records() ([]LegacyRecord, error)
	Groups() ([]LegacyGroup, error)
}

// Result summarizes one migration run.
type Result struct {
	Skipped          bool // true if already migrated (idempotency guard)
	PersonsCreated   int
	RecordsCreated   int
	GroupsCreated    int
	PlaceholderCount int
	SelfPersonUUID   string
}
