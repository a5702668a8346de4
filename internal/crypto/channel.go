// Package crypto implements the per-session end-to-end-encrypted channel
// (C2): ECDH handshake, HKDF key derivation, XChaCha20-Poly1305 AEAD, and
// ECDSA-secp256k1 signature verification with address recovery.
//
// Grounded on the teacher's x402.LocalFacilitator (EIP-712 digest recovery
// via go-ethereum's crypto.Ecrecover / crypto.PubkeyToAddress) and on the
// HKDF-Extract/Expand-then-AEAD pipeline used throughout the SAGE session
// and hpke reference files.
package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	dsecp "github.com/decred/dcrd/dcrec/secp256k1/v4"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// SessionKeySize is the width of the per-session symmetric key (§3).
const SessionKeySize = 32

// Channel performs the host side of the handshake and all subsequent
// AEAD framing. It holds the host's long-term secp256k1 key; zero value is
// valid and means "encryption not configured" (ENCRYPTION_NOT_SUPPORTED).
type Channel struct {
	hostKey *ecdsa.PrivateKey
}

// NewChannel builds a Channel bound to the host's long-term private key.
// A nil key is legal and causes DecryptInit to report
// ErrEncryptionNotSupported; the package-level Encrypt and Decrypt take
// the session key directly and do not depend on a Channel.
func NewChannel(hostKey *ecdsa.PrivateKey) *Channel {
	return &Channel{hostKey: hostKey}
}

// Configured reports whether the host carries a long-term key.
func (c *Channel) Configured() bool { return c.hostKey != nil }

// InitEnvelope is the raw, still-hex-encoded `encrypted_session_init`
// payload (§4.2).
type InitEnvelope struct {
	EphPubHex     string
	CiphertextHex string
	SignatureHex  string
	NonceHex      string
	AADHex        string
}

// InitPayload is the inner JSON carried by a decrypted init envelope
// (§6: camelCase mandatory, extra fields rejected).
type InitPayload struct {
	SessionKey    string `json:"sessionKey"`
	JobID         string `json:"jobId"`
	ModelName     string `json:"modelName"`
	PricePerToken int64  `json:"pricePerToken"`
}

// DecryptInit runs the six-step handshake of §4.2 and returns the inner
// session key (hex-decoded to SessionKeySize bytes) plus the parsed
// payload. expectedPayerAddress is the job's registered payer (0x-prefixed
// checksum or lowercase hex address); the signature must recover to it.
func (c *Channel) DecryptInit(env InitEnvelope, expectedPayerAddress string) ([]byte, *InitPayload, error) {
	if !c.Configured() {
		return nil, nil, ErrEncryptionNotSupported
	}

	ephPubBytes, err := DecodeHex(env.EphPubHex)
	if err != nil {
		return nil, nil, err
	}
	if len(ephPubBytes) != 33 {
		return nil, nil, fmt.Errorf("%w: ephemeral public key must be 33 bytes compressed", ErrInvalidHexEncoding)
	}
	ephPub, err := dsecp.ParsePubKey(ephPubBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidHexEncoding, err)
	}

	ciphertext, err := DecodeHex(env.CiphertextHex)
	if err != nil {
		return nil, nil, err
	}
	signature, err := DecodeHex(env.SignatureHex)
	if err != nil {
		return nil, nil, err
	}
	nonce, err := DecodeHex(env.NonceHex)
	if err != nil {
		return nil, nil, err
	}
	if len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidNonceSize, chacha20poly1305.NonceSizeX, len(nonce))
	}
	aad, err := DecodeHex(env.AADHex)
	if err != nil {
		return nil, nil, err
	}

	// Step 2-3: ECDH + HKDF-SHA256.
	sharedSecret := ecdh(c.hostKey, ephPub)
	derivedKey, err := hkdfDerive(sharedSecret, nil, []byte("fabstir/session-init v1"), SessionKeySize)
	if err != nil {
		return nil, nil, fmt.Errorf("deriving handshake key: %w", err)
	}

	// Step 4: verify the signature over SHA-256(ciphertext), recover the
	// signer address and match it against the job's registered payer.
	digest := sha256.Sum256(ciphertext)
	if err := verifySignatureAddress(digest[:], signature, expectedPayerAddress); err != nil {
		return nil, nil, err
	}

	// Step 5: AEAD-decrypt.
	plaintext, err := aeadOpen(derivedKey, nonce, ciphertext, aad)
	if err != nil {
		return nil, nil, err
	}

	// Step 6: parse inner JSON, rejecting unknown fields.
	payload, err := parseInitPayload(plaintext)
	if err != nil {
		return nil, nil, err
	}

	sessionKey, err := DecodeHex(payload.SessionKey)
	if err != nil {
		return nil, nil, err
	}
	if len(sessionKey) != SessionKeySize {
		return nil, nil, fmt.Errorf("%w: sessionKey must be %d bytes", ErrInvalidHexEncoding, SessionKeySize)
	}

	return sessionKey, payload, nil
}

func parseInitPayload(raw []byte) (*InitPayload, error) {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	var p InitPayload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: inner init payload: %v", ErrDecryptionFailed, err)
	}
	if p.SessionKey == "" || p.JobID == "" || p.ModelName == "" {
		return nil, fmt.Errorf("%w: inner init payload missing required fields", ErrDecryptionFailed)
	}
	return &p, nil
}

// EncryptedPayload is the wire shape of every `payload` field (§6).
type EncryptedPayload struct {
	CiphertextHex string `json:"ciphertextHex"`
	NonceHex      string `json:"nonceHex"`
	AADHex        string `json:"aadHex"`
}

// Encrypt seals plaintext under key with the given AAD string, drawing a
// fresh 24-byte nonce from crypto/rand at the call site. Nonce generation
// lives nowhere else in this package by construction, per §4.2's
// requirement that nonce-reuse be unreachable rather than merely avoided.
func Encrypt(key []byte, aad string, plaintext []byte) (EncryptedPayload, error) {
	if len(key) != SessionKeySize {
		return EncryptedPayload{}, fmt.Errorf("%w: session key must be %d bytes", ErrSessionKeyNotFound, SessionKeySize)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return EncryptedPayload{}, fmt.Errorf("generating nonce: %w", err)
	}
	ciphertext, err := aeadSeal(key, nonce, plaintext, []byte(aad))
	if err != nil {
		return EncryptedPayload{}, err
	}
	return EncryptedPayload{
		CiphertextHex: EncodeHex(ciphertext),
		NonceHex:      EncodeHex(nonce),
		AADHex:        EncodeHex([]byte(aad)),
	}, nil
}

// Decrypt opens a streaming payload under key. The caller supplies the
// expected AAD out of band (it is also carried on the wire in aadHex and
// must match byte-for-byte, or decryption fails).
func Decrypt(key []byte, payload EncryptedPayload) ([]byte, error) {
	if len(key) != SessionKeySize {
		return nil, fmt.Errorf("%w: session key must be %d bytes", ErrSessionKeyNotFound, SessionKeySize)
	}
	ciphertext, err := DecodeHex(payload.CiphertextHex)
	if err != nil {
		return nil, err
	}
	nonce, err := DecodeHex(payload.NonceHex)
	if err != nil {
		return nil, err
	}
	if len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidNonceSize, chacha20poly1305.NonceSizeX, len(nonce))
	}
	aad, err := DecodeHex(payload.AADHex)
	if err != nil {
		return nil, err
	}
	return aeadOpen(key, nonce, ciphertext, aad)
}

func aeadSeal(key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("constructing AEAD: %w", err)
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

func aeadOpen(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("constructing AEAD: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// verifySignatureAddress recovers the secp256k1 signer of digest from sig
// and checks it matches expectedAddress, following the same Ecrecover +
// PubkeyToAddress idiom as the teacher's x402.LocalFacilitator.Verify.
func verifySignatureAddress(digest, sig []byte, expectedAddress string) error {
	if len(sig) != 65 {
		return fmt.Errorf("%w: signature must be 65 bytes", ErrInvalidSignature)
	}
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pubBytes, err := ethcrypto.Ecrecover(digest, normalized)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	pub, err := ethcrypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	recovered := ethcrypto.PubkeyToAddress(*pub)
	if !strings.EqualFold(recovered.Hex(), expectedAddress) {
		return fmt.Errorf("%w: recovered %s, expected %s", ErrInvalidSignature, recovered.Hex(), expectedAddress)
	}
	return nil
}

// ecdh computes the secp256k1 Diffie-Hellman shared point and returns its
// affine X coordinate as input keying material for HKDF. Manual scalar
// multiplication via the decred secp256k1 primitives, the standard
// recipe for secp256k1 ECDH since Go's stdlib crypto/ecdh does not cover
// this curve.
func ecdh(priv *ecdsa.PrivateKey, pub *dsecp.PublicKey) []byte {
	dpriv, _ := dsecp.PrivKeyFromBytes(priv.D.Bytes())
	var point, result dsecp.JacobianPoint
	pub.AsJacobian(&point)
	dsecp.ScalarMultNonConst(&dpriv.Key, &point, &result)
	result.ToAffine()
	x := result.X.Bytes()
	return x[:]
}

func hkdfDerive(secret, salt, info []byte, size int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, info)
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ChunkAAD builds the outbound AAD for a streamed token chunk (§4.2).
func ChunkAAD(index int) string { return fmt.Sprintf("chunk_%d", index) }

// MessageAAD builds the inbound AAD for a client prompt (§4.2).
func MessageAAD(index int) string { return fmt.Sprintf("message_%d", index) }

// ImageResponseAAD is the fixed outbound AAD for an image reply (§4.2).
const ImageResponseAAD = "encrypted_image_response"
