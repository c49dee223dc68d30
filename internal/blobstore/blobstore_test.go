package blobstore

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"
)

type ed25519Pair struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func genEd25519Pair(t *testing.T) (ed25519Pair, error) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return ed25519Pair{}, err
	}
	return ed25519Pair{pub: pub, priv: priv}, nil
}

func TestGatewayManagerOrdersByPriorityThenHealth(t *testing.T) {
	gm := NewGatewayManager([]Gateway{
		{URL: "a", Priority: 0},
		{URL: "b", Priority: 1},
	})
	fake := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	gm.now = func() time.Time { return fake }

	ordered := gm.Ordered()
	if ordered[0].URL != "a" || ordered[1].URL != "b" {
		t.Fatalf("expected a before b with no failures, got %v", ordered)
	}

	for i := 0; i < 10; i++ {
		gm.RecordFailure("a")
	}
	ordered = gm.Ordered()
	if ordered[0].URL != "b" {
		t.Fatalf("expected b to overtake a after 10 failures, got %v", ordered)
	}
}

func TestGatewayManagerPenaltyDecaysWithinAnHour(t *testing.T) {
	gm := NewGatewayManager([]Gateway{
		{URL: "a", Priority: 0},
		{URL: "b", Priority: 1},
	})
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	gm.now = func() time.Time { return start }

	for i := 0; i < 10; i++ {
		gm.RecordFailure("a")
	}
	if ordered := gm.Ordered(); ordered[0].URL != "b" {
		t.Fatalf("expected b ahead right after failures, got %v", ordered)
	}

	gm.now = func() time.Time { return start.Add(time.Hour) }
	ordered := gm.Ordered()
	if ordered[0].URL != "a" {
		t.Fatalf("expected a to return to the front after an hour of decay, got %v", ordered)
	}
}

func TestGatewayManagerSuccessResetsFailureStreak(t *testing.T) {
	gm := NewGatewayManager([]Gateway{{URL: "a", Priority: 0}, {URL: "b", Priority: 0}})
	fake := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	gm.now = func() time.Time { return fake }

	for i := 0; i < 5; i++ {
		gm.RecordFailure("a")
	}
	gm.RecordSuccess("a")
	if p := gm.penalty("a"); p != 0 {
		t.Fatalf("expected zero penalty after success reset, got %v", p)
	}
}

func TestCidManagerRecordTracksHistoryAndUnpinsOverflow(t *testing.T) {
	var unpinned []string
	cm := NewCidManager(2, func(ctx context.Context, cid string) error {
		unpinned = append(unpinned, cid)
		return nil
	}, nil)

	ctx := context.Background()
	cm.Record(ctx, "device:1:manifest", "cid-1")
	cm.Record(ctx, "device:1:manifest", "cid-2")
	cm.Record(ctx, "device:1:manifest", "cid-3")

	cur, ok := cm.Current("device:1:manifest")
	if !ok || cur != "cid-3" {
		t.Fatalf("expected current cid-3, got %q ok=%v", cur, ok)
	}
	if len(unpinned) != 0 {
		t.Fatalf("expected no unpins within history budget, got %v", unpinned)
	}

	cm.Record(ctx, "device:1:manifest", "cid-4")
	if len(unpinned) != 1 || unpinned[0] != "cid-1" {
		t.Fatalf("expected oldest cid-1 unpinned on overflow, got %v", unpinned)
	}
}

func TestCidManagerExportImportRoundTrip(t *testing.T) {
	cm := NewCidManager(5, nil, nil)
	ctx := context.Background()
	cm.Record(ctx, "k1", "cid-a")
	cm.Record(ctx, "k1", "cid-b")

	snapshot := cm.Export()

	restored := NewCidManager(5, nil, nil)
	restored.Import(snapshot)

	cur, ok := restored.Current("k1")
	if !ok || cur != "cid-b" {
		t.Fatalf("expected restored current cid-b, got %q ok=%v", cur, ok)
	}
}

func TestMutableNameRecordSignVerifyRoundTrip(t *testing.T) {
	kp, err := genEd25519Pair(t)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	data, err := SignMutableNameRecord(kp.priv, "bafyabc123", 4, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	cid, seq, err := VerifyMutableNameRecord(kp.pub, data)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if cid != "bafyabc123" || seq != 4 {
		t.Fatalf("unexpected cid/seq: %s %d", cid, seq)
	}
}

func TestMutableNameRecordRejectsTamperedSignature(t *testing.T) {
	kp, err := genEd25519Pair(t)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	data, err := SignMutableNameRecord(kp.priv, "bafyabc123", 4, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	data[len(data)-3] ^= 0xFF // corrupt tail of the JSON-escaped signature hex
	if _, _, err := VerifyMutableNameRecord(kp.pub, data); err == nil {
		t.Fatalf("expected tampered record to fail verification")
	}
}
