// Package wallet holds the ed25519 signing key used for all session
// transactions and the deterministic derivation of session handles.
package wallet

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/mr-tron/base58"
)

const (
	handleSeedPrefix  = "chainvault:session"
	storageSeedPrefix = "chainvault:storage"
)

// Keypair wraps an ed25519 key used to sign ledger transactions.
type Keypair struct {
	public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// Generate creates a new random keypair.
func Generate() (*Keypair, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &Keypair{public: public, private: private}, nil
}

// FromSeed derives a keypair from a 32-byte seed.
func FromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	private := ed25519.NewKeyFromSeed(seed)
	return &Keypair{
		public:  private.Public().(ed25519.PublicKey),
		private: private,
	}, nil
}

// FromBase58 parses a base58-encoded 64-byte private key.
func FromBase58(encoded string) (*Keypair, error) {
	raw, err := base58.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	private := ed25519.PrivateKey(raw)
	return &Keypair{
		public:  private.Public().(ed25519.PublicKey),
		private: private,
	}, nil
}

// Address returns the base58-encoded public key.
func (k *Keypair) Address() string {
	return base58.Encode(k.public)
}

// PublicKey returns the raw 32-byte public key.
func (k *Keypair) PublicKey() [32]byte {
	var out [32]byte
	copy(out[:], k.public)
	return out
}

// Sign signs the message with the private key.
func (k *Keypair) Sign(message []byte) []byte {
	return ed25519.Sign(k.private, message)
}

// Export returns the base58-encoded private key.
func (k *Keypair) Export() string {
	return base58.Encode(k.private)
}

// Verify checks an ed25519 signature against a raw public key.
func Verify(publicKey [32]byte, message, signature []byte) bool {
	return ed25519.Verify(publicKey[:], message, signature)
}

// DeriveSessionHandle computes the deterministic on-chain address of a
// session account from its owner and session id. The same (owner, sessionId)
// pair always yields the same handle.
func DeriveSessionHandle(owner [32]byte, sessionID [16]byte) string {
	hash := sha256.New()
	hash.Write([]byte(handleSeedPrefix))
	hash.Write(owner[:])
	hash.Write(sessionID[:])
	return base58.Encode(hash.Sum(nil))
}

// DeriveStorageHandle computes the address of an owner's one-time storage
// account.
func DeriveStorageHandle(owner [32]byte) string {
	hash := sha256.New()
	hash.Write([]byte(storageSeedPrefix))
	hash.Write(owner[:])
	return base58.Encode(hash.Sum(nil))
}
