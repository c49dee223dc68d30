// Package cryptoutil implements the cryptographic primitives the protocol is
// built from: P-256 ECDSA+ECDH, Ed25519, AES-256-GCM, HKDF, SHA-256 and
// canonical JSON signing. Nothing here touches the network or local
// storage — callers own key lifecycle.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/hkdf"
)

// HKDFInfo is the application-specific context string mixed into every key
// derived from an ECDH shared secret.
const HKDFInfo = "recordmoney-key-share"

// P256KeyPair holds an uncompressed P-256 point pair used for both ECDSA
// signing and ECDH key agreement, matching spec §3 ("auth*" keys).
type P256KeyPair struct {
	Private *ecdsa.PrivateKey
	Public  []byte // 65-byte uncompressed point
}

// GenerateP256Keypair creates a fresh device auth keypair.
func GenerateP256Keypair() (*P256KeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), crand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate p256 key: %w", err)
	}
	pub := elliptic.Marshal(elliptic.P256(), priv.X, priv.Y)
	return &P256KeyPair{Private: priv, Public: pub}, nil
}

// P256PublicFromBytes parses a 65-byte uncompressed point back into a usable
// public key.
func P256PublicFromBytes(pub []byte) (*ecdsa.PublicKey, error) {
	if len(pub) != 65 {
		return nil, fmt.Errorf("p256 public key must be 65 bytes, got %d", len(pub))
	}
	x, y := elliptic.Unmarshal(elliptic.P256(), pub)
	if x == nil {
		return nil, errors.New("invalid p256 point")
	}
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}

// P256PrivateFromBytes reconstructs a usable private key from the raw
// scalar D persisted by LocalStore, re-deriving the public point from it
// rather than trusting a separately-stored copy.
func P256PrivateFromBytes(d []byte) *ecdsa.PrivateKey {
	priv := new(ecdsa.PrivateKey)
	priv.Curve = elliptic.P256()
	priv.D = new(big.Int).SetBytes(d)
	priv.X, priv.Y = priv.Curve.ScalarBaseMult(d)
	return priv
}

// Ed25519KeyPair holds a device's ipns identity keypair (spec §3).
type Ed25519KeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// GenerateEd25519Keypair creates a fresh Ed25519 keypair.
func GenerateEd25519Keypair() (*Ed25519KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(crand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &Ed25519KeyPair{Private: priv, Public: pub}, nil
}

// GenerateSymmetricKey returns 32 bytes of CSPRNG material suitable for
// PersonalKey, BroadcastKey or GroupKey.
func GenerateSymmetricKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(crand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate symmetric key: %w", err)
	}
	return key, nil
}

// ECDHP256 computes the shared X-coordinate between priv and pub, 32 bytes,
// matching both directions: ECDHP256(A.priv, B.pub) == ECDHP256(B.priv, A.pub).
func ECDHP256(priv *ecdsa.PrivateKey, pub *ecdsa.PublicKey) ([]byte, error) {
	if priv.Curve != elliptic.P256() || pub.Curve != elliptic.P256() {
		return nil, errors.New("ecdh: keys must be on P-256")
	}
	x, _ := priv.Curve.ScalarMult(pub.X, pub.Y, priv.D.Bytes())
	if x == nil {
		return nil, errors.New("ecdh: scalar mult failed")
	}
	out := make([]byte, 32)
	xb := x.Bytes()
	copy(out[32-len(xb):], xb)
	return out, nil
}

// HKDFDeriveAESKey expands an ECDH (or other) shared secret into a 32-byte
// AES-256 key via HKDF-SHA256 with the fixed application info string.
func HKDFDeriveAESKey(secret []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte(HKDFInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return key, nil
}

// AESGCMEncrypt seals plaintext under key (32 bytes), prepending a random
// 96-bit nonce to the ciphertext.
func AESGCMEncrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(crand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	return append(nonce, sealed...), nil
}

// AESGCMDecrypt reverses AESGCMEncrypt. ciphertext must be nonce||sealed.
func AESGCMDecrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	out, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("gcm open: %w", err)
	}
	return out, nil
}

// Sha256 is a thin re-export so callers never need to import crypto/sha256
// directly and the hashing convention stays centralized.
func Sha256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// EcdsaSignP256 signs the SHA-256 digest of msg and returns a fixed 64-byte
// r||s signature (each coordinate left-padded to 32 bytes), matching spec
// §4.1's wire format instead of Go's default ASN.1 DER encoding.
func EcdsaSignP256(priv *ecdsa.PrivateKey, msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	r, s, err := ecdsa.Sign(crand.Reader, priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("ecdsa sign: %w", err)
	}
	out := make([]byte, 64)
	rb, sb := r.Bytes(), s.Bytes()
	copy(out[32-len(rb):32], rb)
	copy(out[64-len(sb):64], sb)
	return out, nil
}

// EcdsaVerifyP256 verifies a 64-byte r||s signature produced by EcdsaSignP256.
func EcdsaVerifyP256(pub *ecdsa.PublicKey, msg, sig []byte) bool {
	if len(sig) != 64 {
		return false
	}
	digest := sha256.Sum256(msg)
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	return ecdsa.Verify(pub, digest[:], r, s)
}

// Ed25519Sign signs msg with priv.
func Ed25519Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Ed25519Verify verifies sig over msg with pub.
func Ed25519Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(pub, msg, sig)
}

// DeriveDeviceID implements spec §3: deviceId = SHA-256(authPublicKey), hex
// rendered as 64 characters.
func DeriveDeviceID(authPublicKey []byte) string {
	sum := sha256.Sum256(authPublicKey)
	return hex.EncodeToString(sum[:])
}
