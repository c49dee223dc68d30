package envelope

import (
	"testing"

	"github.com/recordmoney/syncd/internal/cryptoutil"
)

func TestPeerDirectoryRoundTrip(t *testing.T) {
	alice, _ := cryptoutil.GenerateP256Keypair()
	bob, _ := cryptoutil.GenerateP256Keypair()
	mallory, _ := cryptoutil.GenerateP256Keypair()

	broadcastKey, _ := cryptoutil.GenerateSymmetricKey()
	dir, err := BuildPeerDirectory(alice.Private, []RecipientPayload{
		{RecipientPublicKey: bob.Public, Payload: PeerDirectoryPayload{BroadcastKey: broadcastKey}},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	payload, ok := ScanPeerDirectory(dir, bob.Private, bob.Public, alice.Public)
	if !ok {
		t.Fatal("expected bob to find his entry")
	}
	if string(payload.BroadcastKey) != string(broadcastKey) {
		t.Fatal("expected decrypted broadcast key to match")
	}

	if _, ok := ScanPeerDirectory(dir, mallory.Private, mallory.Public, alice.Public); ok {
		t.Fatal("expected mallory to find no entry addressed to her")
	}
}

func TestChunkIndexValidation(t *testing.T) {
	idx := []ChunkRef{{StartID: 1, EndID: 10, CID: "a"}, {StartID: 11, EndID: 20, CID: "b"}}
	if !ValidateChunkIndex(idx, 20) {
		t.Fatal("expected contiguous index to validate")
	}
	if ValidateChunkIndex(idx, 25) {
		t.Fatal("expected gap beyond 20 to fail validation")
	}

	withGap := []ChunkRef{{StartID: 1, EndID: 10, CID: "a"}, {StartID: 12, EndID: 20, CID: "b"}}
	if ValidateChunkIndex(withGap, 20) {
		t.Fatal("expected a gap to fail validation")
	}

	withOverlap := []ChunkRef{{StartID: 1, EndID: 10, CID: "a"}, {StartID: 8, EndID: 20, CID: "b"}}
	if ValidateChunkIndex(withOverlap, 20) {
		t.Fatal("expected overlap to fail validation")
	}
}

func TestEncryptChunkIndexRoundTrip(t *testing.T) {
	key, _ := cryptoutil.GenerateSymmetricKey()
	idx := []ChunkRef{{StartID: 1, EndID: 5, CID: "cid1"}}
	ct, err := EncryptChunkIndex(key, idx)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := DecryptChunkIndex(key, ct)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if len(got) != 1 || got[0].CID != "cid1" {
		t.Fatalf("unexpected round trip result: %+v", got)
	}
}
