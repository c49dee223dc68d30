package blobstore

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/recordmoney/syncd/internal/cryptoutil"
)

// MutableNameRecord is the wire format a blob-store backend without native
// mutable-name support can fall back to publishing as plain bytes under
// DeriveName(namePub) (spec §6).
type MutableNameRecord struct {
	Value        string `json:"value"`
	Sequence     uint64 `json:"sequence"`
	Validity     string `json:"validity"`
	ValidityType int    `json:"validityType"`
	Signature    string `json:"signature"` // hex-encoded Ed25519 signature
}

// DeriveName implements spec §6: deriveName(namePub) = hex(sha256(namePub)).
func DeriveName(namePub []byte) string {
	return hex.EncodeToString(cryptoutil.Sha256(namePub))
}

// DefaultValidityWindow is one year out, matching typical IPNS record lifetimes.
const DefaultValidityWindow = 365 * 24 * time.Hour

// SignMutableNameRecord signs value||validity||validityType||sequence with
// namePriv and returns the full serialized record ready to upload.
func SignMutableNameRecord(namePriv ed25519.PrivateKey, cid string, sequence uint64, now time.Time) ([]byte, error) {
	value := "/ipfs/" + cid
	validity := now.Add(DefaultValidityWindow).UTC().Format(time.RFC3339)
	validityType := 0

	signInput := recordSignInput(value, validity, validityType, sequence)
	sig := cryptoutil.Ed25519Sign(namePriv, signInput)

	rec := MutableNameRecord{
		Value:        value,
		Sequence:     sequence,
		Validity:     validity,
		ValidityType: validityType,
		Signature:    hex.EncodeToString(sig),
	}
	return json.Marshal(rec)
}

// VerifyMutableNameRecord checks rec's signature against namePub and
// returns the CID it points to.
func VerifyMutableNameRecord(namePub ed25519.PublicKey, data []byte) (cid string, sequence uint64, err error) {
	var rec MutableNameRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", 0, fmt.Errorf("parse mutable name record: %w", err)
	}
	sig, err := hex.DecodeString(rec.Signature)
	if err != nil {
		return "", 0, fmt.Errorf("decode signature: %w", err)
	}
	signInput := recordSignInput(rec.Value, rec.Validity, rec.ValidityType, rec.Sequence)
	if !cryptoutil.Ed25519Verify(namePub, signInput, sig) {
		return "", 0, fmt.Errorf("mutable name record: invalid signature")
	}
	const prefix = "/ipfs/"
	if len(rec.Value) <= len(prefix) || rec.Value[:len(prefix)] != prefix {
		return "", 0, fmt.Errorf("mutable name record: malformed value %q", rec.Value)
	}
	return rec.Value[len(prefix):], rec.Sequence, nil
}

func recordSignInput(value, validity string, validityType int, sequence uint64) []byte {
	out := []byte(value)
	out = append(out, []byte(validity)...)
	out = append(out, []byte(strconv.Itoa(validityType))...)
	out = append(out, []byte(strconv.FormatUint(sequence, 10))...)
	return out
}
