package blobstore

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	cidpkg "github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/sirupsen/logrus"

	"github.com/recordmoney/syncd/internal/syncerr"
)

// HTTPBlobStore is the reference BlobStore backend: a priority-ordered pool
// of pinning-service HTTP gateways (spec §4.4). CIDs are computed locally
// (content is self-addressing) and pinned by PUTting to whichever gateway
// answers first in priority order.
type HTTPBlobStore struct {
	gateways  *GatewayManager
	client    *http.Client
	gwTimeout time.Duration
	logger    *logrus.Logger
}

func NewHTTPBlobStore(gateways *GatewayManager, gatewayTimeout time.Duration, logger *logrus.Logger) *HTTPBlobStore {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &HTTPBlobStore{
		gateways:  gateways,
		client:    &http.Client{},
		gwTimeout: gatewayTimeout,
		logger:    logger,
	}
}

// computeCID hashes data with SHA-256 and wraps it as a raw-codec CIDv1,
// matching how content-addressed pinning services key immutable blobs.
func computeCID(data []byte) (cidpkg.Cid, error) {
	hash, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return cidpkg.Undef, fmt.Errorf("multihash sum: %w", err)
	}
	return cidpkg.NewCidV1(cidpkg.Raw, hash), nil
}

func (s *HTTPBlobStore) Upload(ctx context.Context, data []byte, name string) (UploadResult, error) {
	c, err := computeCID(data)
	if err != nil {
		return UploadResult{}, err
	}
	cidStr := c.String()

	var lastErr error
	for _, gw := range s.gateways.Ordered() {
		gctx, cancel := context.WithTimeout(ctx, s.gwTimeout)
		err := s.uploadTo(gctx, gw.URL, cidStr, data)
		cancel()
		if err == nil {
			s.gateways.RecordSuccess(gw.URL)
			return UploadResult{CID: cidStr, Size: len(data)}, nil
		}
		s.gateways.RecordFailure(gw.URL)
		lastErr = err
	}
	return UploadResult{}, syncerr.Wrap(syncerr.BlobUploadFailed, "all gateways failed", lastErr)
}

func (s *HTTPBlobStore) uploadTo(ctx context.Context, base, cidStr string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, base+"/pin/"+cidStr, bytes.NewReader(data))
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("gateway %s: status %d", base, resp.StatusCode)
}

func (s *HTTPBlobStore) Fetch(ctx context.Context, cid string) ([]byte, error) {
	var lastErr error
	for _, gw := range s.gateways.Ordered() {
		gctx, cancel := context.WithTimeout(ctx, s.gwTimeout)
		data, err := s.fetchFrom(gctx, gw.URL, cid)
		cancel()
		if err == nil {
			s.gateways.RecordSuccess(gw.URL)
			return data, nil
		}
		s.gateways.RecordFailure(gw.URL)
		if kind, ok := syncerr.Of(err); ok && (kind == syncerr.BlobNotFound || kind == syncerr.RateLimited) {
			// Both are treated as fatal to this attempt (spec §4.4): don't
			// keep rotating past a gateway that authoritatively answered.
			return nil, err
		}
		lastErr = err
	}
	return nil, syncerr.Wrap(syncerr.BlobFetchFailed, "all gateways failed", lastErr)
}

func (s *HTTPBlobStore) fetchFrom(ctx context.Context, base, cid string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/ipfs/"+cid, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNotFound:
		return nil, NotFoundError(fmt.Errorf("gateway %s: 404", base))
	case http.StatusTooManyRequests:
		return nil, RateLimitedError(fmt.Errorf("gateway %s: 429", base))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("gateway %s: status %d", base, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (s *HTTPBlobStore) Unpin(ctx context.Context, cid string) error {
	var lastErr error
	for _, gw := range s.gateways.Ordered() {
		gctx, cancel := context.WithTimeout(ctx, s.gwTimeout)
		req, err := http.NewRequestWithContext(gctx, http.MethodDelete, gw.URL+"/pin/"+cid, nil)
		if err != nil {
			cancel()
			lastErr = err
			continue
		}
		resp, err := s.client.Do(req)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound || (resp.StatusCode >= 200 && resp.StatusCode < 300) {
			return nil // idempotent: 404 is success
		}
		lastErr = fmt.Errorf("gateway %s: status %d", gw.URL, resp.StatusCode)
	}
	return lastErr
}

// ResolveName queries every gateway in parallel (spec §4.4) and returns the
// CID from whichever record carries the highest sequence number; if no
// gateway exposes a sequence, any non-null result is returned.
func (s *HTTPBlobStore) ResolveName(ctx context.Context, namePub []byte) (string, error) {
	name := DeriveName(namePub)
	gateways := s.gateways.Ordered()

	type result struct {
		cid string
		seq uint64
	}
	results := make(chan *result, len(gateways))
	var wg sync.WaitGroup
	for _, gw := range gateways {
		wg.Add(1)
		go func(base string) {
			defer wg.Done()
			gctx, cancel := context.WithTimeout(ctx, s.gwTimeout)
			defer cancel()
			data, err := s.fetchFrom(gctx, base, "name/"+name)
			if err != nil {
				results <- nil
				return
			}
			cidStr, seq, err := parseUnsignedRecord(data)
			if err != nil {
				results <- nil
				return
			}
			results <- &result{cid: cidStr, seq: seq}
		}(gw.URL)
	}
	go func() { wg.Wait(); close(results) }()

	var best *result
	for r := range results {
		if r == nil {
			continue
		}
		if best == nil || r.seq > best.seq {
			best = r
		}
	}
	if best == nil {
		return "", nil
	}
	return best.cid, nil
}

// parseUnsignedRecord extracts cid/sequence without verifying the
// signature. ResolveName (and LibP2PBlobStore's name-topic consumer) use it
// to pick the highest-sequence candidate; neither checks the record's
// signature against the name's public key.
func parseUnsignedRecord(data []byte) (string, uint64, error) {
	var rec MutableNameRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", 0, err
	}
	const prefix = "/ipfs/"
	if len(rec.Value) <= len(prefix) {
		return "", 0, fmt.Errorf("malformed record value")
	}
	return rec.Value[len(prefix):], rec.Sequence, nil
}

func (s *HTTPBlobStore) PublishName(ctx context.Context, namePriv, namePub []byte, cid string, sequence uint64) error {
	data, err := SignMutableNameRecord(ed25519.PrivateKey(namePriv), cid, sequence, time.Now())
	if err != nil {
		return err
	}
	name := DeriveName(namePub)
	var lastErr error
	published := false
	for _, gw := range s.gateways.Ordered() {
		gctx, cancel := context.WithTimeout(ctx, s.gwTimeout)
		err := s.uploadNameTo(gctx, gw.URL, name, data)
		cancel()
		if err == nil {
			s.gateways.RecordSuccess(gw.URL)
			published = true
			continue
		}
		s.gateways.RecordFailure(gw.URL)
		lastErr = err
	}
	// Best-effort broadcast: publishing is fire-to-every-gateway, so only
	// fail the whole call if every gateway rejected it.
	if !published && lastErr != nil {
		return syncerr.Wrap(syncerr.BlobUploadFailed, "publish name failed on all gateways", lastErr)
	}
	return nil
}

func (s *HTTPBlobStore) uploadNameTo(ctx context.Context, base, name string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, base+"/name/"+name, bytes.NewReader(data))
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("gateway %s: status %d", base, resp.StatusCode)
}
