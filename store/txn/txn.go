// Package txn builds, signs and parses the minimal transaction wire format
// submitted to the ledger. The chunk instruction layout is stable because the
// history-scan read path parses it back out of transaction records.
package txn

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"

	"github.com/chainvault/go-chainvault/wallet"
)

// Operation discriminators, the first byte of every instruction payload.
const (
	DiscInitStorage   byte = 0x00
	DiscCreateSession byte = 0x01
	DiscAppendChunk   byte = 0x02
	DiscFinalize      byte = 0x03
)

// chunkHeaderSize is discriminator(1) + sessionId(16) + chunkIndex(4) + method(1).
const chunkHeaderSize = 22

// messageHeaderSize is blockRef(32) + signer(32).
const messageHeaderSize = 64

// SignatureSize is the length of an ed25519 signature.
const SignatureSize = 64

// Signed is a fully signed transaction ready for submission.
type Signed struct {
	// Raw is signature(64) | blockRef(32) | signer(32) | instruction bytes.
	Raw []byte
	// Signature is the base58-encoded transaction signature, the id used
	// for status queries.
	Signature string
}

// Sign wraps an instruction payload in a message carrying the block
// reference and signer, and signs it.
func Sign(keypair *wallet.Keypair, blockRef [32]byte, instruction []byte) (*Signed, error) {
	if len(instruction) == 0 {
		return nil, errors.New("instruction payload is empty")
	}

	signer := keypair.PublicKey()
	message := make([]byte, 0, messageHeaderSize+len(instruction))
	message = append(message, blockRef[:]...)
	message = append(message, signer[:]...)
	message = append(message, instruction...)

	signature := keypair.Sign(message)

	raw := make([]byte, 0, SignatureSize+len(message))
	raw = append(raw, signature...)
	raw = append(raw, message...)

	return &Signed{
		Raw:       raw,
		Signature: base58.Encode(signature),
	}, nil
}

// Verify checks a serialized transaction's signature against the signer
// embedded in its message.
func Verify(raw []byte) error {
	if len(raw) < SignatureSize+messageHeaderSize+1 {
		return fmt.Errorf("transaction too short: %d bytes", len(raw))
	}
	message := raw[SignatureSize:]
	var signer [32]byte
	copy(signer[:], message[32:64])
	if !wallet.Verify(signer, message, raw[:SignatureSize]) {
		return errors.New("invalid transaction signature")
	}
	return nil
}

// Instruction extracts the instruction payload from a serialized transaction.
func Instruction(raw []byte) ([]byte, error) {
	if len(raw) < SignatureSize+messageHeaderSize+1 {
		return nil, fmt.Errorf("transaction too short: %d bytes", len(raw))
	}
	return raw[SignatureSize+messageHeaderSize:], nil
}

// ChunkInstruction is the parsed form of one chunk transaction's payload.
type ChunkInstruction struct {
	SessionID [16]byte
	Index     uint32
	Method    byte
	Data      []byte
}

// EncodeChunkInstruction produces the chunk instruction payload:
// discriminator(1) | sessionId(16) | chunkIndex(u32 LE) | method(1) | chunk bytes.
func EncodeChunkInstruction(sessionID [16]byte, index uint32, method byte, data []byte) []byte {
	out := make([]byte, 0, chunkHeaderSize+len(data))
	out = append(out, DiscAppendChunk)
	out = append(out, sessionID[:]...)
	out = binary.LittleEndian.AppendUint32(out, index)
	out = append(out, method)
	out = append(out, data...)
	return out
}

// ParseChunkInstruction decodes a chunk instruction payload. The boolean is
// false when the payload is not a chunk instruction (wrong discriminator or
// too short); malformed data never produces a partial result.
func ParseChunkInstruction(raw []byte) (*ChunkInstruction, bool) {
	if len(raw) <= chunkHeaderSize || raw[0] != DiscAppendChunk {
		return nil, false
	}

	instruction := &ChunkInstruction{
		Index:  binary.LittleEndian.Uint32(raw[17:21]),
		Method: raw[21],
		Data:   raw[chunkHeaderSize:],
	}
	copy(instruction.SessionID[:], raw[1:17])
	return instruction, true
}

// EncodeCreateSessionInstruction produces the session creation payload:
// discriminator(1) | sessionId(16) | totalChunks(u32 LE) | digest(32).
func EncodeCreateSessionInstruction(sessionID [16]byte, totalChunks uint32, digest [32]byte) []byte {
	out := make([]byte, 0, 53)
	out = append(out, DiscCreateSession)
	out = append(out, sessionID[:]...)
	out = binary.LittleEndian.AppendUint32(out, totalChunks)
	out = append(out, digest[:]...)
	return out
}

// EncodeFinalizeInstruction produces the finalize payload:
// discriminator(1) | sessionId(16).
func EncodeFinalizeInstruction(sessionID [16]byte) []byte {
	out := make([]byte, 0, 17)
	out = append(out, DiscFinalize)
	out = append(out, sessionID[:]...)
	return out
}

// EncodeInitStorageInstruction produces the one-time-per-owner storage
// initialization payload: discriminator(1) | owner(32).
func EncodeInitStorageInstruction(owner [32]byte) []byte {
	out := make([]byte, 0, 33)
	out = append(out, DiscInitStorage)
	out = append(out, owner[:]...)
	return out
}
