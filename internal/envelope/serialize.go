package envelope

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/recordmoney/syncd/internal/cryptoutil"
)

// The Serialize*/Parse* pairs below implement the serialize/parse half of
// the create/serialize/parse/(encrypt/decrypt) quartet for DeviceManifest,
// GroupManifest, DeviceRing and MutationChunk, each a plain
// json.Marshal/Unmarshal.

func SerializeDeviceManifest(m *DeviceManifest) ([]byte, error) {
	return json.Marshal(m)
}

func ParseDeviceManifest(data []byte) (*DeviceManifest, error) {
	var m DeviceManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse device manifest: %w", err)
	}
	return &m, nil
}

func SerializeGroupManifest(m *GroupManifest) ([]byte, error) {
	return json.Marshal(m)
}

func ParseGroupManifest(data []byte) (*GroupManifest, error) {
	var m GroupManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse group manifest: %w", err)
	}
	return &m, nil
}

func SerializeDeviceRing(r *DeviceRing) ([]byte, error) {
	return json.Marshal(r)
}

func ParseDeviceRing(data []byte) (*DeviceRing, error) {
	var r DeviceRing
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse device ring: %w", err)
	}
	return &r, nil
}

func SerializeMutationChunk(c *MutationChunk) ([]byte, error) {
	return json.Marshal(c)
}

func ParseMutationChunk(data []byte) (*MutationChunk, error) {
	var c MutationChunk
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse mutation chunk: %w", err)
	}
	return &c, nil
}

// EncryptChunkIndex seals a ChunkIndex with key (PersonalKey or GroupKey).
func EncryptChunkIndex(key []byte, index []ChunkRef) ([]byte, error) {
	raw, err := cryptoutil.CanonicalJSON(index)
	if err != nil {
		return nil, err
	}
	return cryptoutil.AESGCMEncrypt(key, raw)
}

// DecryptChunkIndex reverses EncryptChunkIndex.
func DecryptChunkIndex(key []byte, ciphertext []byte) ([]ChunkRef, error) {
	raw, err := cryptoutil.AESGCMDecrypt(key, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt chunk index: %w", err)
	}
	var index []ChunkRef
	if err := json.Unmarshal(raw, &index); err != nil {
		return nil, fmt.Errorf("unmarshal chunk index: %w", err)
	}
	return index, nil
}

// EncryptLatestMutationID seals the latest applied mutation id so it stays
// opaque to anyone without PersonalKey/GroupKey (spec §3).
func EncryptLatestMutationID(key []byte, id uint64) ([]byte, error) {
	raw := make([]byte, 8)
	binary.LittleEndian.PutUint64(raw, id)
	return cryptoutil.AESGCMEncrypt(key, raw)
}

func DecryptLatestMutationID(key []byte, ciphertext []byte) (uint64, error) {
	raw, err := cryptoutil.AESGCMDecrypt(key, ciphertext)
	if err != nil {
		return 0, fmt.Errorf("decrypt latest mutation id: %w", err)
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("latest mutation id: expected 8 bytes, got %d", len(raw))
	}
	return binary.LittleEndian.Uint64(raw), nil
}

// EncryptDeviceRing seals a DeviceRing with BroadcastKey.
func EncryptDeviceRing(key []byte, r *DeviceRing) ([]byte, error) {
	raw, err := SerializeDeviceRing(r)
	if err != nil {
		return nil, err
	}
	return cryptoutil.AESGCMEncrypt(key, raw)
}

func DecryptDeviceRing(key []byte, ciphertext []byte) (*DeviceRing, error) {
	raw, err := cryptoutil.AESGCMDecrypt(key, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt device ring: %w", err)
	}
	return ParseDeviceRing(raw)
}

// EncryptMutationChunk seals a chunk with the authoring device's
// PersonalKey (own devices) or the relevant GroupKey (group history).
func EncryptMutationChunk(key []byte, c *MutationChunk) ([]byte, error) {
	raw, err := SerializeMutationChunk(c)
	if err != nil {
		return nil, err
	}
	return cryptoutil.AESGCMEncrypt(key, raw)
}

func DecryptMutationChunk(key []byte, ciphertext []byte) (*MutationChunk, error) {
	raw, err := cryptoutil.AESGCMDecrypt(key, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt mutation chunk: %w", err)
	}
	return ParseMutationChunk(raw)
}
