// Package encoding turns payloads into ordered chunk lists and back.
// It is a pure data transform: compression, chunk splitting, digesting
// and the reverse operations, with no I/O.
package encoding

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"

	"github.com/klauspost/compress/zstd"
)

// Encoding method markers. Every encoded stream starts with exactly one of
// these bytes, so the read path never has to guess whether compression was
// applied.
const (
	MethodRaw  byte = 0x00
	MethodZstd byte = 0x01
)

// DefaultChunkSize fits a chunk transaction within the ledger's data limit.
const DefaultChunkSize = 900

// MaxChunkSize is the hard upper bound on a configured chunk size.
const MaxChunkSize = 1 << 20

// compressionThreshold is the payload size below which compression is
// skipped: the zstd frame header alone would dominate the output.
const compressionThreshold = 64

// ErrEmptyPayload is returned for zero-length payloads.
var ErrEmptyPayload = errors.New("payload is empty")

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// Chunk is one slice of the encoded stream, carried by one transaction.
type Chunk struct {
	Index int
	Data  []byte
}

// Encoded is the result of preparing a payload for upload.
type Encoded struct {
	Chunks       []Chunk
	Digest       [32]byte
	Method       byte
	OriginalSize int
	EncodedSize  int
}

// Compressed reports whether the payload was stored compressed.
func (e *Encoded) Compressed() bool {
	return e.Method == MethodZstd
}

// Encode prefixes the payload with an encoding marker, optionally compresses
// it, and splits the result into chunks of at most chunkSize bytes.
// The digest is computed over the full encoded stream before splitting, so
// it does not depend on the chosen chunk size.
func Encode(payload []byte, compress bool, chunkSize int) (*Encoded, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	if chunkSize <= 0 || chunkSize > MaxChunkSize {
		return nil, fmt.Errorf("invalid chunk size %d, must be in range [1, %d]", chunkSize, MaxChunkSize)
	}

	method := MethodRaw
	body := payload
	if compress && len(payload) >= compressionThreshold {
		compressed := zstdEncoder.EncodeAll(payload, make([]byte, 0, len(payload)))
		if len(compressed) < len(payload) {
			method = MethodZstd
			body = compressed
		}
	}

	stream := make([]byte, 0, len(body)+1)
	stream = append(stream, method)
	stream = append(stream, body...)

	return &Encoded{
		Chunks:       Split(stream, chunkSize),
		Digest:       Digest(stream),
		Method:       method,
		OriginalSize: len(payload),
		EncodedSize:  len(stream),
	}, nil
}

// Split cuts a stream into dense, indexed chunks. The last chunk may be
// shorter than chunkSize; no chunk is ever empty.
func Split(stream []byte, chunkSize int) []Chunk {
	count := ChunkCount(len(stream), chunkSize)
	chunks := make([]Chunk, 0, count)
	for i := 0; i < count; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(stream) {
			end = len(stream)
		}
		chunks = append(chunks, Chunk{Index: i, Data: stream[start:end]})
	}
	return chunks
}

// ChunkCount returns ceil(streamLength / chunkSize).
func ChunkCount(streamLength, chunkSize int) int {
	return (streamLength + chunkSize - 1) / chunkSize
}

// Digest is the SHA-256 fingerprint of the full encoded stream.
func Digest(stream []byte) [32]byte {
	return sha256.Sum256(stream)
}

// Reassemble sorts chunks by index and concatenates them. Chunk indices must
// be dense and unique; arrival order is irrelevant.
func Reassemble(chunks []Chunk) ([]byte, error) {
	if len(chunks) == 0 {
		return nil, errors.New("no chunks to reassemble")
	}

	sorted := make([]Chunk, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	var buf bytes.Buffer
	for i, chunk := range sorted {
		if chunk.Index != i {
			return nil, fmt.Errorf("chunk indices are not dense: expected %d, got %d", i, chunk.Index)
		}
		buf.Write(chunk.Data)
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode on a reassembled stream: it strips the encoding
// marker and decompresses if the stream was stored compressed.
func Decode(stream []byte) ([]byte, error) {
	if len(stream) < 2 {
		return nil, errors.New("encoded stream is too short")
	}

	switch stream[0] {
	case MethodRaw:
		return stream[1:], nil
	case MethodZstd:
		payload, err := zstdDecoder.DecodeAll(stream[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("decompress stream: %w", err)
		}
		return payload, nil
	default:
		return nil, fmt.Errorf("unknown encoding marker 0x%02x", stream[0])
	}
}
