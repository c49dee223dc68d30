package blobstore

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
)

// TestLibP2PBlobStoreRoundTrip spins up two in-process libp2p hosts: one
// serving ServeBlobProtocol out of a MemoryBlobStore (the pinning peer) and
// one dialing it through LibP2PBlobStore (the client), then exercises
// Upload/Fetch/Unpin end to end over real libp2p streams.
func TestLibP2PBlobStoreRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pinningHost, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	if err != nil {
		t.Fatalf("new pinning host: %v", err)
	}
	defer pinningHost.Close()

	clientHost, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	if err != nil {
		t.Fatalf("new client host: %v", err)
	}
	defer clientHost.Close()

	backing := NewMemoryBlobStore()
	ServeBlobProtocol(pinningHost, backing, nil)

	pinningInfo := peer.AddrInfo{ID: pinningHost.ID(), Addrs: pinningHost.Addrs()}
	if err := clientHost.Connect(ctx, pinningInfo); err != nil {
		t.Fatalf("connect to pinning host: %v", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, clientHost)
	if err != nil {
		t.Fatalf("new gossipsub: %v", err)
	}

	store := NewLibP2PBlobStore(clientHost, ps, pinningHost.ID(), 5*time.Second, nil)

	data := []byte("hello from the client host")
	uploaded, err := store.Upload(ctx, data, "test-blob")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if uploaded.Size != len(data) {
		t.Fatalf("uploaded size = %d, want %d", uploaded.Size, len(data))
	}

	fetched, err := store.Fetch(ctx, uploaded.CID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(fetched) != string(data) {
		t.Fatalf("fetched = %q, want %q", fetched, data)
	}

	if _, err := store.Fetch(ctx, "bafynotarealcid"); err == nil {
		t.Fatal("fetch of unknown cid should fail")
	}

	if err := store.Unpin(ctx, uploaded.CID); err != nil {
		t.Fatalf("unpin: %v", err)
	}
	if _, err := backing.Fetch(ctx, uploaded.CID); err == nil {
		t.Fatal("blob should be gone from backing store after unpin")
	}
}
