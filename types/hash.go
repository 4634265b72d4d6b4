package types

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/hdevalence/ed25519consensus"
)

// HashSize is the size of a hash in bytes
const HashSize = sha256.Size

// SignatureSize is the size of a signature in bytes
const SignatureSize = ed25519.SignatureSize

// PublicKeySize is the size of a public key in bytes
const PublicKeySize = ed25519.PublicKeySize

// Hash is a SHA-256 digest.
type Hash [HashSize]byte

// HashBytes computes the SHA-256 hash of the concatenation of its arguments.
func HashBytes(data ...[]byte) Hash {
	h := sha256.New()
	for _, d := range data {
		h.Write(d)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// NewHash creates a Hash from bytes. Use for untrusted input.
func NewHash(data []byte) (Hash, error) {
	var h Hash
	if len(data) != HashSize {
		return h, fmt.Errorf("hash must be %d bytes, got %d", HashSize, len(data))
	}
	copy(h[:], data)
	return h, nil
}

// IsZero returns true if every byte of the hash is zero.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 8 hex characters, for logs.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:4])
}

// BlockID identifies a block by the hash of its header.
type BlockID Hash

// GenesisID is the parent of the first block.
var GenesisID = BlockID{}

// IsZero returns true for the genesis ID and for nullify votes.
func (id BlockID) IsZero() bool { return Hash(id).IsZero() }

func (id BlockID) String() string { return Hash(id).String() }

// Short returns an abbreviated hex form.
func (id BlockID) Short() string { return Hash(id).Short() }

// TransactionID is the content hash of a signed transaction body.
type TransactionID Hash

func (id TransactionID) String() string { return Hash(id).String() }

// Short returns an abbreviated hex form.
func (id TransactionID) Short() string { return Hash(id).Short() }

// PublicKey is an ed25519 public key.
type PublicKey [PublicKeySize]byte

// NewPublicKey creates a PublicKey from bytes. Use for untrusted input.
func NewPublicKey(data []byte) (PublicKey, error) {
	var pk PublicKey
	if len(data) != PublicKeySize {
		return pk, fmt.Errorf("public key must be %d bytes, got %d", PublicKeySize, len(data))
	}
	copy(pk[:], data)
	return pk, nil
}

// ParsePublicKey decodes a hex-encoded public key.
func ParsePublicKey(s string) (PublicKey, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("invalid public key hex: %w", err)
	}
	return NewPublicKey(data)
}

// IsZero returns true for the zero key.
func (pk PublicKey) IsZero() bool {
	return pk == PublicKey{}
}

func (pk PublicKey) String() string {
	return hex.EncodeToString(pk[:])
}

// Short returns an abbreviated hex form, for logs.
func (pk PublicKey) Short() string {
	return hex.EncodeToString(pk[:4])
}

// ComparePublicKeys orders keys bytewise.
func ComparePublicKeys(a, b PublicKey) int {
	return bytes.Compare(a[:], b[:])
}

// Verify checks an ed25519 signature using the ZIP-215 validation rules,
// so every node accepts exactly the same set of signatures.
func (pk PublicKey) Verify(msg []byte, sig Signature) bool {
	return ed25519consensus.Verify(pk[:], msg, sig[:])
}

// Signature is an ed25519 signature.
type Signature [SignatureSize]byte

// NewSignature creates a Signature from bytes. Use for untrusted input.
func NewSignature(data []byte) (Signature, error) {
	var s Signature
	if len(data) != SignatureSize {
		return s, fmt.Errorf("signature must be %d bytes, got %d", SignatureSize, len(data))
	}
	copy(s[:], data)
	return s, nil
}

// IsZero returns true if the signature is unset.
func (s Signature) IsZero() bool {
	return s == Signature{}
}

func (s Signature) String() string {
	return hex.EncodeToString(s[:])
}
