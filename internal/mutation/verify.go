package mutation

import (
	"time"

	"github.com/recordmoney/syncd/internal/cryptoutil"
)

// SignatureValidityWindow is the default ±5 minute freshness bound applied
// to newly received mutations (spec §4.3, §6 signatureValidityWindowMs).
const SignatureValidityWindow = 5 * time.Minute

// MalformedAge is the threshold beyond which a mutation is reported as
// malformed regardless of signature validity (spec §4.10).
const MalformedAge = 7 * 24 * time.Hour

// VerifyOptions controls which checks Verify performs.
type VerifyOptions struct {
	// CheckFreshness requires |now - SignedAt| <= SignatureValidityWindow.
	// Historical mutations replayed from a chunk are checked only for
	// signature validity (CheckFreshness=false).
	CheckFreshness bool
	Now            time.Time // defaults to time.Now() if zero
}

// Verify checks the ECDSA signature of m against m.AuthorDevicePublicKey,
// and optionally the
// freshness window. Authorization (that AuthorDevicePublicKey belongs to
// the relevant device ring at publication time) is the caller's
// responsibility per spec §4.3.
func Verify(m *Mutation, opts VerifyOptions) bool {
	pub, err := cryptoutil.P256PublicFromBytes(m.AuthorDevicePublicKey)
	if err != nil {
		return false
	}
	payload, err := m.CanonicalBytes()
	if err != nil {
		return false
	}
	if !cryptoutil.EcdsaVerifyP256(pub, payload, m.Signature) {
		return false
	}
	if opts.CheckFreshness {
		now := opts.Now
		if now.IsZero() {
			now = time.Now().UTC()
		}
		drift := now.Sub(m.SignedAt)
		if drift < 0 {
			drift = -drift
		}
		if drift > SignatureValidityWindow {
			return false
		}
	}
	return true
}

// IsMalformedByAge reports whether m's SignedAt is further than MalformedAge
// from now, independent of signature validity (spec §4.10).
func IsMalformedByAge(m *Mutation, now time.Time) bool {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	drift := now.Sub(m.SignedAt)
	if drift < 0 {
		drift = -drift
	}
	return drift > MalformedAge
}
