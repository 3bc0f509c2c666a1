// Package store is the top-level API: it encodes payloads, drives the
// on-chain session lifecycle, dispatches chunk transactions and reconstructs
// payloads from any of the configured chunk sources.
package store

import (
	"errors"
	"fmt"

	"github.com/chainvault/go-chainvault/store/dispatch"
	"github.com/chainvault/go-chainvault/store/session"
)

// ErrSessionNotFinalized is returned when retrieval is attempted against a
// session whose chunk set is not yet marked complete.
var ErrSessionNotFinalized = errors.New("session is not finalized")

// FinalizationError is returned when every chunk confirmed but the closing
// transaction did not. The chunk set is fully on chain; only the status flip
// is missing, so the caller may retry finalization alone.
type FinalizationError struct {
	SessionHandle string
	Err           error
}

func (e *FinalizationError) Error() string {
	return fmt.Sprintf("session %s has all chunks confirmed but finalization failed: %s", e.SessionHandle, e.Err)
}

func (e *FinalizationError) Unwrap() error {
	return e.Err
}

// IntegrityError is returned when the reconstructed stream does not hash to
// the digest the session account declares.
type IntegrityError struct {
	SessionHandle string
	Expected      [32]byte
	Actual        [32]byte
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("session %s content digest mismatch: expected %x, got %x",
		e.SessionHandle, e.Expected, e.Actual)
}

// StorageResult describes a completed upload.
type StorageResult struct {
	SessionHandle string
	SessionID     [16]byte
	TotalChunks   uint32
	// Signatures holds the confirmed transaction signature per chunk index.
	Signatures []string
	// Records lists every chunk submission attempt, including retried and
	// failed ones, for audit.
	Records           []dispatch.Record
	FinalizeSignature string
	Digest            [32]byte
	Compressed        bool
	OriginalSize      int
	EncodedSize       int
}

// RetrievalResult describes a reconstructed payload.
type RetrievalResult struct {
	Payload []byte
	Size    int
	// Session is the on-chain session state at retrieval time.
	Session *session.Session
	// Source names the chunk source that served the payload.
	Source string
}

// Progress is a point-in-time summary of a dispatch-record list: how many
// chunks ended confirmed, how many exhausted their attempts, and how many are
// still in flight.
type Progress struct {
	Confirmed int
	Failed    int
	Pending   int
}

// ProgressOf summarizes the latest attempt of every chunk in the record list.
func ProgressOf(records []dispatch.Record) Progress {
	latest := map[int]dispatch.Record{}
	for _, record := range records {
		if existing, ok := latest[record.ChunkIndex]; !ok || record.Attempt > existing.Attempt {
			latest[record.ChunkIndex] = record
		}
	}

	var progress Progress
	for _, record := range latest {
		switch record.Outcome {
		case dispatch.OutcomeConfirmed:
			progress.Confirmed++
		case dispatch.OutcomeFailed:
			progress.Failed++
		default:
			progress.Pending++
		}
	}
	return progress
}
