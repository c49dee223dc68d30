package blobstore

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/sirupsen/logrus"

	"github.com/recordmoney/syncd/internal/syncerr"
)

// responseStatus codes exchanged on BlobProtocol streams.
const (
	statusOK byte = iota
	statusNotFound
	statusRateLimited
	statusError
)

// BlobProtocol is the libp2p stream protocol LibP2PBlobStore speaks to a
// pinning peer: a single request/response frame with a 1-byte opcode.
const BlobProtocol = protocol.ID("/recordmoney/blob/1.0.0")

const (
	opUpload byte = iota
	opFetch
	opUnpin
)

// LibP2PBlobStore is an alternate BlobStore transport that talks directly
// to a pinning peer over libp2p streams instead of HTTP, and broadcasts
// mutable-name records over pubsub rather than polling gateways — grounded
// in the teacher's Node/PeerManagement wiring (host, pubsub, mDNS-free
// direct dial since the pinning peer's address is already known).
type LibP2PBlobStore struct {
	host       host.Host
	pinningPeer peer.ID
	ps         *pubsub.PubSub
	timeout    time.Duration
	logger     *logrus.Logger

	mu      sync.RWMutex
	topics  map[string]*pubsub.Topic
	latest  map[string]*pendingRecord // name -> most recently seen record
}

type pendingRecord struct {
	cid string
	seq uint64
}

// NewLibP2PBlobStore wraps an already-bootstrapped libp2p host and dials a
// known pinning peer for every Upload/Fetch/Unpin. Call ServeBlobProtocol on
// the pinning peer's own host so it answers these streams.
func NewLibP2PBlobStore(h host.Host, ps *pubsub.PubSub, pinningPeer peer.ID, timeout time.Duration, logger *logrus.Logger) *LibP2PBlobStore {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &LibP2PBlobStore{
		host:        h,
		pinningPeer: pinningPeer,
		ps:          ps,
		timeout:     timeout,
		logger:      logger,
		topics:      make(map[string]*pubsub.Topic),
		latest:      make(map[string]*pendingRecord),
	}
	return s
}

func (s *LibP2PBlobStore) openStream(ctx context.Context) (network.Stream, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.host.NewStream(cctx, s.pinningPeer, BlobProtocol)
}

func (s *LibP2PBlobStore) Upload(ctx context.Context, data []byte, name string) (UploadResult, error) {
	c, err := computeCID(data)
	if err != nil {
		return UploadResult{}, err
	}
	cidStr := c.String()

	stream, err := s.openStream(ctx)
	if err != nil {
		return UploadResult{}, syncerr.Wrap(syncerr.BlobUploadFailed, "dial pinning peer", err)
	}
	defer stream.Close()

	if err := writeFrame(stream, opUpload, []byte(cidStr), data); err != nil {
		return UploadResult{}, syncerr.Wrap(syncerr.BlobUploadFailed, "write upload frame", err)
	}
	status, _, err := readFrame(stream)
	if err != nil {
		return UploadResult{}, syncerr.Wrap(syncerr.BlobUploadFailed, "read upload ack", err)
	}
	if status != 0 {
		return UploadResult{}, syncerr.New(syncerr.BlobUploadFailed, "pinning peer rejected upload")
	}
	return UploadResult{CID: cidStr, Size: len(data)}, nil
}

func (s *LibP2PBlobStore) Fetch(ctx context.Context, cid string) ([]byte, error) {
	stream, err := s.openStream(ctx)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.BlobFetchFailed, "dial pinning peer", err)
	}
	defer stream.Close()

	if err := writeFrame(stream, opFetch, []byte(cid), nil); err != nil {
		return nil, syncerr.Wrap(syncerr.BlobFetchFailed, "write fetch frame", err)
	}
	status, payload, err := readFrame(stream)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.BlobFetchFailed, "read fetch response", err)
	}
	switch status {
	case 0:
		return payload, nil
	case 1:
		return nil, NotFoundError(fmt.Errorf("cid %s not found on pinning peer", cid))
	case 2:
		return nil, RateLimitedError(fmt.Errorf("pinning peer rate limited fetch of %s", cid))
	default:
		return nil, syncerr.New(syncerr.BlobFetchFailed, "unexpected status from pinning peer")
	}
}

func (s *LibP2PBlobStore) Unpin(ctx context.Context, cid string) error {
	stream, err := s.openStream(ctx)
	if err != nil {
		return syncerr.Wrap(syncerr.BlobUploadFailed, "dial pinning peer", err)
	}
	defer stream.Close()
	if err := writeFrame(stream, opUnpin, []byte(cid), nil); err != nil {
		return err
	}
	status, _, err := readFrame(stream)
	if err != nil {
		return err
	}
	if status != 0 && status != 1 { // 404-as-success is idempotent
		return syncerr.New(syncerr.BlobUploadFailed, "pinning peer rejected unpin")
	}
	return nil
}

// ResolveName reads the highest-sequence record seen so far on the name's
// pubsub topic. Callers should allow a brief settling window after
// subscribing before relying on this for a cold name.
func (s *LibP2PBlobStore) ResolveName(ctx context.Context, namePub []byte) (string, error) {
	name := DeriveName(namePub)
	if err := s.ensureSubscribed(ctx, name); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.latest[name]
	if !ok {
		return "", nil
	}
	return rec.cid, nil
}

// PublishName broadcasts a freshly signed record over the name's topic.
func (s *LibP2PBlobStore) PublishName(ctx context.Context, namePriv, namePub []byte, cid string, sequence uint64) error {
	name := DeriveName(namePub)
	if err := s.ensureSubscribed(ctx, name); err != nil {
		return err
	}
	data, err := SignMutableNameRecord(ed25519.PrivateKey(namePriv), cid, sequence, time.Now())
	if err != nil {
		return err
	}
	s.mu.RLock()
	topic := s.topics[name]
	s.mu.RUnlock()
	if err := topic.Publish(ctx, data); err != nil {
		return syncerr.Wrap(syncerr.BlobUploadFailed, "publish name record", err)
	}
	s.mu.Lock()
	s.latest[name] = &pendingRecord{cid: cid, seq: sequence}
	s.mu.Unlock()
	return nil
}

func (s *LibP2PBlobStore) ensureSubscribed(ctx context.Context, name string) error {
	s.mu.Lock()
	if _, ok := s.topics[name]; ok {
		s.mu.Unlock()
		return nil
	}
	topic, err := s.ps.Join("recordmoney-name-" + name)
	if err != nil {
		s.mu.Unlock()
		return syncerr.Wrap(syncerr.BlobFetchFailed, "join name topic", err)
	}
	s.topics[name] = topic
	s.mu.Unlock()

	sub, err := topic.Subscribe()
	if err != nil {
		return syncerr.Wrap(syncerr.BlobFetchFailed, "subscribe name topic", err)
	}
	go s.consumeNameTopic(name, sub)
	return nil
}

func (s *LibP2PBlobStore) consumeNameTopic(name string, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(context.Background())
		if err != nil {
			return
		}
		cidStr, seq, err := parseUnsignedRecord(msg.Data)
		if err != nil {
			s.logger.WithError(err).Warn("dropping malformed mutable-name record")
			continue
		}
		s.mu.Lock()
		cur, ok := s.latest[name]
		if !ok || seq > cur.seq {
			s.latest[name] = &pendingRecord{cid: cidStr, seq: seq}
		}
		s.mu.Unlock()
	}
}

// ServeBlobProtocol registers a BlobProtocol stream handler on h that
// answers requests out of backing, turning h into the pinning peer a
// LibP2PBlobStore on another host can dial. backing is typically a
// MemoryBlobStore or another concrete BlobStore the operator has pinned
// capacity behind.
func ServeBlobProtocol(h host.Host, backing BlobStore, logger *logrus.Logger) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	h.SetStreamHandler(BlobProtocol, func(stream network.Stream) {
		defer stream.Close()
		if err := handleBlobStream(stream, backing); err != nil {
			logger.WithError(err).Warn("blob protocol: request failed")
		}
	})
}

func handleBlobStream(stream network.Stream, backing BlobStore) error {
	ctx := context.Background()
	op, key, body, err := readRequestFrame(stream)
	if err != nil {
		return fmt.Errorf("read request frame: %w", err)
	}
	switch op {
	case opUpload:
		_, err := backing.Upload(ctx, body, string(key))
		return writeFrame(stream, statusFor(err), nil, nil)
	case opFetch:
		data, err := backing.Fetch(ctx, string(key))
		if err != nil {
			return writeFrame(stream, statusFor(err), nil, nil)
		}
		return writeFrame(stream, statusOK, nil, data)
	case opUnpin:
		err := backing.Unpin(ctx, string(key))
		return writeFrame(stream, statusFor(err), nil, nil)
	default:
		return writeFrame(stream, statusError, nil, nil)
	}
}

// statusFor maps a BlobStore error to the wire status the client side
// switches on; nil maps to success.
func statusFor(err error) byte {
	if err == nil {
		return statusOK
	}
	switch kind, _ := syncerr.Of(err); kind {
	case syncerr.BlobNotFound:
		return statusNotFound
	case syncerr.RateLimited:
		return statusRateLimited
	default:
		return statusError
	}
}

// readRequestFrame reads the op+key+body frame a client sends, the
// server-side counterpart of readFrame (which reads a status+body response).
func readRequestFrame(r io.Reader) (op byte, key, body []byte, err error) {
	br := bufio.NewReader(r)
	op, err = br.ReadByte()
	if err != nil {
		return 0, nil, nil, err
	}
	key, err = readChunk(br)
	if err != nil {
		return 0, nil, nil, err
	}
	body, err = readChunk(br)
	return op, key, body, err
}

// writeFrame/readFrame implement the tiny length-prefixed wire format the
// blob protocol streams use: opcode byte, then a uint32 length-prefixed
// key, then a uint32 length-prefixed body.
func writeFrame(w io.Writer, op byte, key, body []byte) error {
	bw := bufio.NewWriter(w)
	if err := bw.WriteByte(op); err != nil {
		return err
	}
	if err := writeChunk(bw, key); err != nil {
		return err
	}
	if err := writeChunk(bw, body); err != nil {
		return err
	}
	return bw.Flush()
}

func writeChunk(w *bufio.Writer, chunk []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(chunk)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(chunk)
	return err
}

func readFrame(r io.Reader) (status byte, payload []byte, err error) {
	br := bufio.NewReader(r)
	status, err = br.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	if _, err = readChunk(br); err != nil { // key, unused by the response side
		return 0, nil, err
	}
	payload, err = readChunk(br)
	return status, payload, err
}

func readChunk(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
