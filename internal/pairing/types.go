// Package pairing implements spec §4.6: the temp-key handshake two devices
// use to introduce themselves, verify each other visually via an emoji
// fingerprint, and exchange the symmetric keys that let the joining device
// read and write the owner's synced state.
package pairing

import (
	"time"

	"github.com/recordmoney/syncd/internal/cryptoutil"
	"github.com/recordmoney/syncd/internal/localstore"
)

// Config holds the timing constants of spec §6 relevant to pairing.
type Config struct {
	PollInterval    time.Duration
	MaxPollAttempts int
	SessionExpiry   time.Duration
}

// DefaultConfig matches spec §6's literal values.
func DefaultConfig() Config {
	return Config{
		PollInterval:    2 * time.Second,
		MaxPollAttempts: 60,
		SessionExpiry:   10 * time.Minute,
	}
}

// QRPayload is the initiator's QR code contents (spec §6).
type QRPayload struct {
	Version            int              `json:"version"`
	IpnsPublicKey      cryptoutil.Bytes `json:"ipnsPublicKey"`
	AuthPublicKey      cryptoutil.Bytes `json:"authPublicKey"`
	TempIpnsPrivateKey cryptoutil.Bytes `json:"tempIpnsPrivateKey"`
	ProviderConfig     []byte           `json:"providerConfig,omitempty"`
}

// Response is the joiner's uploaded reply (spec §6).
type Response struct {
	Version       int              `json:"version"`
	IpnsPublicKey cryptoutil.Bytes `json:"ipnsPublicKey"`
	AuthPublicKey cryptoutil.Bytes `json:"authPublicKey"`
	DeviceID      string           `json:"deviceId"`
}

// PeerInfo is what each side learns about the other during the handshake.
type PeerInfo struct {
	IpnsPublicKey []byte
	AuthPublicKey []byte
	DeviceID      string
}

// Result is returned by every public pairing entry point except
// StartPairing, which returns the QR payload and session id (spec §7's
// result envelope convention).
type Result struct {
	Success bool
	State   localstore.InviteStatus
	Emojis  []string
	Peer    *PeerInfo
	Err     error
}
