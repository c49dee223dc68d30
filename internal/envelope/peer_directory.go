package envelope

import (
	"crypto/ecdsa"
	crand "crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/recordmoney/syncd/internal/cryptoutil"
)

// RecipientPayload pairs a recipient's auth public key with the payload to
// seal for them, the input to BuildPeerDirectory.
type RecipientPayload struct {
	RecipientPublicKey []byte
	Payload            PeerDirectoryPayload
}

// BuildPeerDirectory implements spec §4.2's pseudocode: for each recipient,
// derive an AES key from ECDH(senderPriv, recipientPub) via HKDF, seal the
// canonical JSON of the payload, then shuffle the resulting entries so
// publish order leaks no information about who was addressed.
func BuildPeerDirectory(senderPriv *ecdsa.PrivateKey, recipients []RecipientPayload) (*PeerDirectory, error) {
	entries := make([]PeerDirectoryEntry, 0, len(recipients))
	for _, r := range recipients {
		recipientPub, err := cryptoutil.P256PublicFromBytes(r.RecipientPublicKey)
		if err != nil {
			return nil, fmt.Errorf("peer directory: recipient pubkey: %w", err)
		}
		shared, err := cryptoutil.ECDHP256(senderPriv, recipientPub)
		if err != nil {
			return nil, fmt.Errorf("peer directory: ecdh: %w", err)
		}
		aesKey, err := cryptoutil.HKDFDeriveAESKey(shared)
		if err != nil {
			return nil, fmt.Errorf("peer directory: hkdf: %w", err)
		}
		plain, err := cryptoutil.CanonicalJSON(r.Payload)
		if err != nil {
			return nil, err
		}
		ct, err := cryptoutil.AESGCMEncrypt(aesKey, plain)
		if err != nil {
			return nil, fmt.Errorf("peer directory: seal: %w", err)
		}
		entries = append(entries, PeerDirectoryEntry{
			RecipientPublicKey: r.RecipientPublicKey,
			Ciphertext:         ct,
		})
	}
	if err := shuffleEntries(entries); err != nil {
		return nil, err
	}
	return &PeerDirectory{Entries: entries}, nil
}

// shuffleEntries performs an in-place Fisher-Yates shuffle using a CSPRNG,
// matching spec §4.2's ordering-inference defense.
func shuffleEntries(entries []PeerDirectoryEntry) error {
	for i := len(entries) - 1; i > 0; i-- {
		jBig, err := crand.Int(crand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return fmt.Errorf("shuffle: %w", err)
		}
		j := int(jBig.Int64())
		entries[i], entries[j] = entries[j], entries[i]
	}
	return nil
}

// ScanPeerDirectory looks for an entry addressed to myPub and decrypts it
// against the claimed sender's public key. A reader who cannot match any
// entry, or whose AEAD fails to open, simply was not a recipient: spec §4.2
// and §7 both call this a silent, non-error outcome.
func ScanPeerDirectory(dir *PeerDirectory, myPriv *ecdsa.PrivateKey, myPub []byte, senderPub []byte) (*PeerDirectoryPayload, bool) {
	sender, err := cryptoutil.P256PublicFromBytes(senderPub)
	if err != nil {
		return nil, false
	}
	shared, err := cryptoutil.ECDHP256(myPriv, sender)
	if err != nil {
		return nil, false
	}
	aesKey, err := cryptoutil.HKDFDeriveAESKey(shared)
	if err != nil {
		return nil, false
	}
	for _, e := range dir.Entries {
		if !bytesEqual(e.RecipientPublicKey, myPub) {
			continue
		}
		plain, err := cryptoutil.AESGCMDecrypt(aesKey, e.Ciphertext)
		if err != nil {
			continue
		}
		var payload PeerDirectoryPayload
		if err := json.Unmarshal(plain, &payload); err != nil {
			continue
		}
		return &payload, true
	}
	return nil, false
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
