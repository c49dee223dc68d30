// Package group implements spec §4.7: group creation (including the
// distinguished self-only Personal Ledger), the temp-keyed invite handshake
// that admits a new member, member removal with GroupKey rotation, exit,
// and fork. Knowledge of which Person/Group records exist in the domain
// ledger itself is out of scope here (spec §1's "domain schema of expense
// records" boundary) — callers identify groups and members by UUID/public
// key and this package only manages the cryptographic and mutation-log
// side effects of membership changes.
package group

import "time"

// PersonalLedgerName is the one group name that is self-only and can never
// be exited (spec §4.7, glossary "Personal Ledger").
const PersonalLedgerName = "Personal Ledger"

// Config holds the invite handshake's timing constants, the group-scoped
// analogue of pairing.Config (spec §4.7: "same flow, group scope").
type Config struct {
	PollInterval    time.Duration
	MaxPollAttempts int
	SessionExpiry   time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:    2 * time.Second,
		MaxPollAttempts: 60,
		SessionExpiry:   10 * time.Minute,
	}
}

// InviteQRPayload is what the inviter hands the prospective member, carrying
// the group name and a temp symmetric key rather than pairing's ECDH temp
// keypair — the group invite response is sealed with AES-GCM under this
// shared secret directly (spec §4.7).
type InviteQRPayload struct {
	Version            int    `json:"version"`
	GroupUUID          string `json:"groupUuid"`
	GroupName          string `json:"groupName"`
	TempIpnsPrivateKey []byte `json:"tempIpnsPrivateKey"`
	TempSymmetricKey   []byte `json:"tempSymmetricKey"`
}

// InviteResponse is the prospective member's reply, sealed under
// TempSymmetricKey before upload.
type InviteResponse struct {
	Version       int    `json:"version"`
	AuthPublicKey []byte `json:"authPublicKey"`
	IpnsPublicKey []byte `json:"ipnsPublicKey"`
	DeviceID      string `json:"deviceId"`
	PersonUUID    string `json:"personUuid"`
}

// Member identifies one current or prospective group member's key material,
// the unit the caller supplies to ForkGroup for each member the fork keeps.
type Member struct {
	PersonUUID    string
	AuthPublicKey []byte
}

// Result mirrors pairing.Result: the envelope convention of spec §7.
type Result struct {
	Success    bool
	Emojis     []string
	Peer       *InviteResponse
	GroupKey   []byte
	GroupUUID  string
	Err        error
}
