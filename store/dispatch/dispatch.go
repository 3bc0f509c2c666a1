// Package dispatch submits chunk transactions to the ledger under a
// selectable strategy and tracks their confirmation in batched polling
// rounds with a bounded retry budget.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/chainvault/go-chainvault/rpc"
	"github.com/chainvault/go-chainvault/store/encoding"
	"github.com/chainvault/go-chainvault/store/txn"
	"github.com/chainvault/go-chainvault/wallet"
)

// Ledger is the slice of the RPC surface the dispatcher needs.
type Ledger interface {
	SendTransaction(ctx context.Context, signedTx []byte) (string, error)
	SimulateTransaction(ctx context.Context, signedTx []byte) error
	GetSignatureStatuses(ctx context.Context, signatures []string) ([]rpc.SignatureStatus, error)
	GetLatestBlockRef(ctx context.Context) ([32]byte, error)
}

// Outcome of one dispatch record.
type Outcome string

// Dispatch record outcomes.
const (
	OutcomePending   Outcome = "pending"
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeFailed    Outcome = "failed"
)

// Record tracks one submission attempt of one chunk. A chunk accumulates a
// record per attempt; exactly one must end confirmed for the upload to
// succeed.
type Record struct {
	ChunkIndex int
	Signature  string
	Attempt    int
	Outcome    Outcome
}

// Result of dispatching a full chunk set.
type Result struct {
	// Signatures holds the confirmed signature per chunk index. Entries for
	// unconfirmed chunks are empty when the dispatch failed.
	Signatures []string
	// Records lists every submission attempt, including failed ones, for
	// audit and diagnostics.
	Records []Record
}

// UploadError is returned when chunks remain unconfirmed after the retry
// budget is exhausted.
type UploadError struct {
	UnconfirmedIndices []int
}

func (e *UploadError) Error() string {
	parts := make([]string, len(e.UnconfirmedIndices))
	for i, index := range e.UnconfirmedIndices {
		parts[i] = fmt.Sprintf("%d", index)
	}
	return fmt.Sprintf("upload failed: %d chunks unconfirmed after retries (indices %s)",
		len(e.UnconfirmedIndices), strings.Join(parts, ", "))
}

// Dispatcher submits a session's chunks and drives the retry loop.
type Dispatcher struct {
	ledger  Ledger
	keypair *wallet.Keypair
	config  Config
	logger  log.Logger
}

// New creates a Dispatcher. Zero-value config fields fall back to defaults,
// except MaxRetryRounds where zero means no re-dispatch rounds.
func New(ledger Ledger, keypair *wallet.Keypair, config Config, logger log.Logger) *Dispatcher {
	return &Dispatcher{
		ledger:  ledger,
		keypair: keypair,
		config:  config.withDefaults(),
		logger:  logger,
	}
}

type submission struct {
	chunk     encoding.Chunk
	signature string
	err       error
}

// Run dispatches every chunk and returns once all are confirmed or the retry
// budget is exhausted. The result carries the full dispatch-record list even
// on failure.
func (d *Dispatcher) Run(ctx context.Context, sessionID [16]byte, method byte, chunks []encoding.Chunk) (*Result, error) {
	if len(chunks) == 0 {
		return nil, errors.New("no chunks to dispatch")
	}

	result := &Result{Signatures: make([]string, len(chunks))}

	if d.config.Simulate {
		if err := d.simulateFirst(ctx, sessionID, method, chunks[0]); err != nil {
			return nil, fmt.Errorf("chunk transaction simulation: %w", err)
		}
	}

	remaining := chunks
	for round := 0; round <= d.config.MaxRetryRounds && len(remaining) > 0; round++ {
		attempt := round + 1
		if round > 0 {
			d.logger.Warnf("Re-dispatching %d unconfirmed chunks (attempt %d/%d)",
				len(remaining), attempt, d.config.MaxRetryRounds+1)
		}

		var failed []encoding.Chunk
		switch d.config.Strategy {
		case StrategyFireAndForget:
			failed = d.runGroup(ctx, sessionID, method, remaining, attempt, result, true)
		case StrategySequential:
			failed = d.runGrouped(ctx, sessionID, method, remaining, attempt, result, 1, false, d.config.StaggerDelay)
		default:
			failed = d.runGrouped(ctx, sessionID, method, remaining, attempt, result, d.config.BatchSize, true, 0)
		}
		remaining = failed

		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("dispatch cancelled: %w", err)
		}
	}

	if len(remaining) > 0 {
		indices := make([]int, len(remaining))
		for i, chunk := range remaining {
			indices[i] = chunk.Index
		}
		sort.Ints(indices)
		return result, &UploadError{UnconfirmedIndices: indices}
	}
	return result, nil
}

// runGrouped partitions the chunks into fixed-size groups and keeps at most
// one group in flight unconfirmed at a time. gap spaces consecutive groups;
// the sequential strategy runs groups of one and uses it as the delay
// between submissions.
func (d *Dispatcher) runGrouped(ctx context.Context, sessionID [16]byte, method byte, chunks []encoding.Chunk, attempt int, result *Result, groupSize int, parallel bool, gap time.Duration) []encoding.Chunk {
	var failed []encoding.Chunk
	for start := 0; start < len(chunks); start += groupSize {
		if start > 0 {
			if err := sleepCtx(ctx, gap); err != nil {
				for _, chunk := range chunks[start:] {
					result.Records = append(result.Records, Record{ChunkIndex: chunk.Index, Attempt: attempt, Outcome: OutcomeFailed})
				}
				return append(failed, chunks[start:]...)
			}
		}
		end := start + groupSize
		if end > len(chunks) {
			end = len(chunks)
		}
		failed = append(failed, d.runGroup(ctx, sessionID, method, chunks[start:end], attempt, result, parallel)...)
	}
	return failed
}

// runGroup submits one group of chunks against a single fresh block
// reference, then confirms the whole group in batched polling rounds.
func (d *Dispatcher) runGroup(ctx context.Context, sessionID [16]byte, method byte, group []encoding.Chunk, attempt int, result *Result, parallel bool) []encoding.Chunk {
	blockRef, err := d.ledger.GetLatestBlockRef(ctx)
	if err != nil {
		d.logger.Warnf("Failed to fetch block reference, %d chunks deferred to next round: %s", len(group), err)
		for _, chunk := range group {
			result.Records = append(result.Records, Record{ChunkIndex: chunk.Index, Attempt: attempt, Outcome: OutcomeFailed})
		}
		return group
	}

	var submissions []submission
	if parallel {
		submissions = d.submitParallel(ctx, sessionID, method, group, blockRef)
	} else {
		submissions = d.submitSequential(ctx, sessionID, method, group, blockRef)
	}

	pending := make(map[string]int, len(submissions))
	recordAt := make(map[string]int, len(submissions))
	var failed []encoding.Chunk
	for _, sub := range submissions {
		if sub.err != nil {
			d.logger.Warnf("Chunk %d submission failed (attempt %d): %s", sub.chunk.Index, attempt, sub.err)
			result.Records = append(result.Records, Record{ChunkIndex: sub.chunk.Index, Attempt: attempt, Outcome: OutcomeFailed})
			failed = append(failed, sub.chunk)
			continue
		}
		result.Records = append(result.Records, Record{
			ChunkIndex: sub.chunk.Index,
			Signature:  sub.signature,
			Attempt:    attempt,
			Outcome:    OutcomePending,
		})
		pending[sub.signature] = sub.chunk.Index
		recordAt[sub.signature] = len(result.Records) - 1
	}

	if len(pending) == 0 {
		return failed
	}

	tracker := newTracker(pending)
	tracker.run(ctx, d.ledger, d.config.PollInterval, d.config.MaxWait, d.logger)

	byIndex := make(map[int]encoding.Chunk, len(group))
	for _, chunk := range group {
		byIndex[chunk.Index] = chunk
	}

	for signature, position := range recordAt {
		index := pending[signature]
		if _, ok := tracker.confirmed[signature]; ok {
			result.Records[position].Outcome = OutcomeConfirmed
			result.Signatures[index] = signature
			continue
		}
		result.Records[position].Outcome = OutcomeFailed
		failed = append(failed, byIndex[index])
	}

	return failed
}

// submitParallel launches the group concurrently, staggering starts by a
// fixed delay to keep relative submission order best-effort.
func (d *Dispatcher) submitParallel(ctx context.Context, sessionID [16]byte, method byte, group []encoding.Chunk, blockRef [32]byte) []submission {
	resultChan := make(chan submission, len(group))
	var wg sync.WaitGroup
	for position, chunk := range group {
		wg.Add(1)
		go func(position int, chunk encoding.Chunk) {
			defer wg.Done()
			if err := sleepCtx(ctx, time.Duration(position)*d.config.StaggerDelay); err != nil {
				resultChan <- submission{chunk: chunk, err: err}
				return
			}
			signature, err := d.submitChunk(ctx, sessionID, method, chunk, blockRef)
			resultChan <- submission{chunk: chunk, signature: signature, err: err}
		}(position, chunk)
	}
	wg.Wait()
	close(resultChan)

	submissions := make([]submission, 0, len(group))
	for sub := range resultChan {
		submissions = append(submissions, sub)
	}
	return submissions
}

func (d *Dispatcher) submitSequential(ctx context.Context, sessionID [16]byte, method byte, group []encoding.Chunk, blockRef [32]byte) []submission {
	submissions := make([]submission, 0, len(group))
	for position, chunk := range group {
		if position > 0 {
			if err := sleepCtx(ctx, d.config.StaggerDelay); err != nil {
				submissions = append(submissions, submission{chunk: chunk, err: err})
				continue
			}
		}
		signature, err := d.submitChunk(ctx, sessionID, method, chunk, blockRef)
		submissions = append(submissions, submission{chunk: chunk, signature: signature, err: err})
	}
	return submissions
}

func (d *Dispatcher) submitChunk(ctx context.Context, sessionID [16]byte, method byte, chunk encoding.Chunk, blockRef [32]byte) (string, error) {
	instruction := txn.EncodeChunkInstruction(sessionID, uint32(chunk.Index), method, chunk.Data)
	signed, err := txn.Sign(d.keypair, blockRef, instruction)
	if err != nil {
		return "", fmt.Errorf("sign chunk %d: %w", chunk.Index, err)
	}

	d.logger.Debugf("Submitting chunk %d (%d bytes)", chunk.Index, len(chunk.Data))
	if _, err := d.ledger.SendTransaction(ctx, signed.Raw); err != nil {
		return "", fmt.Errorf("submit chunk %d: %w", chunk.Index, err)
	}
	return signed.Signature, nil
}

func (d *Dispatcher) simulateFirst(ctx context.Context, sessionID [16]byte, method byte, chunk encoding.Chunk) error {
	blockRef, err := d.ledger.GetLatestBlockRef(ctx)
	if err != nil {
		return fmt.Errorf("fetch block reference: %w", err)
	}
	instruction := txn.EncodeChunkInstruction(sessionID, uint32(chunk.Index), method, chunk.Data)
	signed, err := txn.Sign(d.keypair, blockRef, instruction)
	if err != nil {
		return err
	}
	return d.ledger.SimulateTransaction(ctx, signed.Raw)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
