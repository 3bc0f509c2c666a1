package session

import (
	"encoding/binary"
	"fmt"

	"github.com/chainvault/go-chainvault/wallet"
)

// Status of a session account. Transitions only Active -> Finalized.
type Status byte

// Session statuses as stored on chain.
const (
	StatusActive    Status = 0
	StatusFinalized Status = 1
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusFinalized:
		return "finalized"
	default:
		return fmt.Sprintf("unknown(%d)", byte(s))
	}
}

// AccountSize is the fixed session account layout:
// owner(32) | sessionId(16) | totalChunks(u32 LE) | digest(32) | status(1).
const AccountSize = 85

// Session is one logical upload's on-chain record.
type Session struct {
	Owner       [32]byte
	ID          [16]byte
	TotalChunks uint32
	Digest      [32]byte
	Status      Status
}

// Handle returns the session account's deterministic address.
func (s *Session) Handle() string {
	return wallet.DeriveSessionHandle(s.Owner, s.ID)
}

// Finalized reports whether the session's chunk set is complete and readable.
func (s *Session) Finalized() bool {
	return s.Status == StatusFinalized
}

// ParseAccount decodes the fixed-offset session account layout.
func ParseAccount(data []byte) (*Session, error) {
	if len(data) != AccountSize {
		return nil, fmt.Errorf("session account must be %d bytes, got %d", AccountSize, len(data))
	}

	parsed := &Session{
		TotalChunks: binary.LittleEndian.Uint32(data[48:52]),
		Status:      Status(data[84]),
	}
	copy(parsed.Owner[:], data[0:32])
	copy(parsed.ID[:], data[32:48])
	copy(parsed.Digest[:], data[52:84])

	if parsed.Status != StatusActive && parsed.Status != StatusFinalized {
		return nil, fmt.Errorf("invalid session status byte %d", data[84])
	}
	return parsed, nil
}

// EncodeAccount is the inverse of ParseAccount.
func EncodeAccount(s *Session) []byte {
	out := make([]byte, 0, AccountSize)
	out = append(out, s.Owner[:]...)
	out = append(out, s.ID[:]...)
	out = binary.LittleEndian.AppendUint32(out, s.TotalChunks)
	out = append(out, s.Digest[:]...)
	out = append(out, byte(s.Status))
	return out
}
