package blobstore

import (
	"context"
	"sync"
)

// MemoryBlobStore is an in-process BlobStore backed by a map, used as the
// backing store a libp2p pinning peer serves out of (ServeBlobProtocol) and
// in tests that need a working store without a real gateway or libp2p host.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	names map[string]*pendingRecord
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{
		blobs: make(map[string][]byte),
		names: make(map[string]*pendingRecord),
	}
}

func (s *MemoryBlobStore) Upload(ctx context.Context, data []byte, name string) (UploadResult, error) {
	c, err := computeCID(data)
	if err != nil {
		return UploadResult{}, err
	}
	cidStr := c.String()
	s.mu.Lock()
	s.blobs[cidStr] = append([]byte(nil), data...)
	s.mu.Unlock()
	return UploadResult{CID: cidStr, Size: len(data)}, nil
}

func (s *MemoryBlobStore) Fetch(ctx context.Context, cid string) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.blobs[cid]
	s.mu.RUnlock()
	if !ok {
		return nil, NotFoundError(nil)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryBlobStore) Unpin(ctx context.Context, cid string) error {
	s.mu.Lock()
	delete(s.blobs, cid)
	s.mu.Unlock()
	return nil
}

func (s *MemoryBlobStore) ResolveName(ctx context.Context, namePub []byte) (string, error) {
	name := DeriveName(namePub)
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.names[name]
	if !ok {
		return "", nil
	}
	return rec.cid, nil
}

func (s *MemoryBlobStore) PublishName(ctx context.Context, namePriv, namePub []byte, cid string, sequence uint64) error {
	name := DeriveName(namePub)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.names[name]
	if ok && cur.seq >= sequence {
		return nil
	}
	s.names[name] = &pendingRecord{cid: cid, seq: sequence}
	return nil
}

var _ BlobStore = (*MemoryBlobStore)(nil)
