package dispatch

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/chainvault/go-chainvault/rpc"
	"github.com/chainvault/go-chainvault/store/txn"
)

// StatusQuerier is the single RPC call the confirmation tracker needs.
type StatusQuerier interface {
	GetSignatureStatuses(ctx context.Context, signatures []string) ([]rpc.SignatureStatus, error)
}

// tracker is the confirmation state machine for one batch of signatures.
// Confirmation is monotonic: once a signature lands in confirmed it is
// excluded from every subsequent polling round.
type tracker struct {
	pending   map[string]int // signature -> chunk index
	confirmed map[string]int
	failed    map[string]int
}

func newTracker(pending map[string]int) *tracker {
	owned := make(map[string]int, len(pending))
	for signature, index := range pending {
		owned[signature] = index
	}
	return &tracker{
		pending:   owned,
		confirmed: make(map[string]int),
		failed:    make(map[string]int),
	}
}

// run polls signature statuses in rounds until every signature resolves or
// maxWait elapses. Each round issues exactly one batched status query
// covering all outstanding signatures. Signatures still pending at the
// deadline are moved to failed so the retry loop picks them up.
func (t *tracker) run(ctx context.Context, querier StatusQuerier, interval, maxWait time.Duration, logger log.Logger) {
	deadline := time.Now().Add(maxWait)

	for len(t.pending) > 0 {
		signatures := make([]string, 0, len(t.pending))
		for signature := range t.pending {
			signatures = append(signatures, signature)
		}
		sort.Strings(signatures)

		statuses, err := querier.GetSignatureStatuses(ctx, signatures)
		if err != nil {
			logger.Warnf("Signature status query failed: %s", err)
		} else {
			t.classify(statuses, logger)
		}

		if len(t.pending) == 0 || time.Now().After(deadline) {
			break
		}
		if err := sleepCtx(ctx, interval); err != nil {
			break
		}
	}

	for signature, index := range t.pending {
		logger.Debugf("Signature %s still pending at deadline, treating as failed", signature)
		t.failed[signature] = index
		delete(t.pending, signature)
	}
}

func (t *tracker) classify(statuses []rpc.SignatureStatus, logger log.Logger) {
	for _, status := range statuses {
		index, outstanding := t.pending[status.Signature]
		if !outstanding {
			continue
		}
		switch {
		case status.Failed():
			// Failed on chain: resolved immediately, no point waiting out
			// the rest of the budget.
			logger.Debugf("Chunk %d signature %s failed on chain: %s", index, status.Signature, status.Err)
			t.failed[status.Signature] = index
			delete(t.pending, status.Signature)
		case status.Confirmed():
			t.confirmed[status.Signature] = index
			delete(t.pending, status.Signature)
		default:
			// Not seen yet or only processed: keep polling.
		}
	}
}

// SubmitAndConfirm submits a single signed transaction and waits for it to
// confirm. Used for session creation, storage initialization and finalize
// transactions, which follow the same discipline as a chunk.
func SubmitAndConfirm(ctx context.Context, ledger Ledger, signed *txn.Signed, interval, maxWait time.Duration, logger log.Logger) error {
	if _, err := ledger.SendTransaction(ctx, signed.Raw); err != nil {
		return fmt.Errorf("submit transaction: %w", err)
	}

	t := newTracker(map[string]int{signed.Signature: 0})
	t.run(ctx, ledger, interval, maxWait, logger)

	if _, ok := t.confirmed[signed.Signature]; !ok {
		return fmt.Errorf("transaction %s not confirmed within %s", signed.Signature, maxWait)
	}
	return nil
}
