package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainvault/go-chainvault/store/encoding"
	"github.com/chainvault/go-chainvault/wallet"
)

func testConfig(strategy Strategy) Config {
	return Config{
		Strategy:       strategy,
		BatchSize:      5,
		StaggerDelay:   time.Millisecond,
		PollInterval:   time.Millisecond,
		MaxWait:        time.Second,
		MaxRetryRounds: 2,
	}
}

func makeChunks(t *testing.T, count int) []encoding.Chunk {
	t.Helper()
	chunks := make([]encoding.Chunk, count)
	for i := range chunks {
		chunks[i] = encoding.Chunk{Index: i, Data: []byte{byte(i), 0xaa}}
	}
	return chunks
}

func newTestDispatcher(t *testing.T, ledger Ledger, config Config) *Dispatcher {
	t.Helper()
	keypair, err := wallet.Generate()
	require.NoError(t, err)
	return New(ledger, keypair, config, log.NewLogger())
}

func TestBatchedParallelDispatchesInGroups(t *testing.T) {
	ledger := newFakeLedger()
	dispatcher := newTestDispatcher(t, ledger, testConfig(StrategyBatchedParallel))

	result, err := dispatcher.Run(context.Background(), [16]byte{1}, encoding.MethodRaw, makeChunks(t, 20))
	require.NoError(t, err)

	// 20 chunks with batch size 5: exactly 4 batches, one block reference each.
	assert.Equal(t, 4, ledger.blockRefCalls)
	assert.Len(t, result.Records, 20)
	require.Len(t, result.Signatures, 20)
	for i, signature := range result.Signatures {
		assert.NotEmpty(t, signature, "chunk %d has no confirmed signature", i)
	}
}

func TestFireAndForgetUsesOneBlockRefAndBatchedStatusQuery(t *testing.T) {
	ledger := newFakeLedger()
	dispatcher := newTestDispatcher(t, ledger, testConfig(StrategyFireAndForget))

	_, err := dispatcher.Run(context.Background(), [16]byte{1}, encoding.MethodRaw, makeChunks(t, 20))
	require.NoError(t, err)

	assert.Equal(t, 1, ledger.blockRefCalls)
	// All signatures resolved in the first round via a single batched query.
	require.NotEmpty(t, ledger.statusSizes)
	assert.Equal(t, 20, ledger.statusSizes[0])
}

func TestSequentialSubmitsInOrder(t *testing.T) {
	ledger := newFakeLedger()
	dispatcher := newTestDispatcher(t, ledger, testConfig(StrategySequential))

	_, err := dispatcher.Run(context.Background(), [16]byte{1}, encoding.MethodRaw, makeChunks(t, 6))
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, ledger.sendOrder)
}

func TestSequentialSpacesSubmissions(t *testing.T) {
	ledger := newFakeLedger()
	config := testConfig(StrategySequential)
	config.StaggerDelay = 20 * time.Millisecond
	dispatcher := newTestDispatcher(t, ledger, config)

	start := time.Now()
	_, err := dispatcher.Run(context.Background(), [16]byte{1}, encoding.MethodRaw, makeChunks(t, 3))
	require.NoError(t, err)

	// Two gaps between three submissions.
	assert.GreaterOrEqual(t, time.Since(start), 2*config.StaggerDelay)
}

func TestFailedChunkIsRetriedWithFreshBlockRef(t *testing.T) {
	ledger := newFakeLedger()
	ledger.failOnChain(7, 1)
	dispatcher := newTestDispatcher(t, ledger, testConfig(StrategyFireAndForget))

	result, err := dispatcher.Run(context.Background(), [16]byte{1}, encoding.MethodRaw, makeChunks(t, 10))
	require.NoError(t, err)

	// The retry round fetched its own block reference.
	assert.Equal(t, 2, ledger.blockRefCalls)

	// 10 confirmed chunk signatures, plus the failed first attempt kept for audit.
	assert.Len(t, result.Records, 11)
	confirmed := 0
	failed := 0
	for _, record := range result.Records {
		switch record.Outcome {
		case OutcomeConfirmed:
			confirmed++
		case OutcomeFailed:
			failed++
			assert.Equal(t, 7, record.ChunkIndex)
			assert.Equal(t, 1, record.Attempt)
		}
	}
	assert.Equal(t, 10, confirmed)
	assert.Equal(t, 1, failed)
	assert.NotEmpty(t, result.Signatures[7])
}

func TestSubmitRejectionFeedsRetryLoop(t *testing.T) {
	ledger := newFakeLedger()
	ledger.rejectSubmit(3, 1)
	dispatcher := newTestDispatcher(t, ledger, testConfig(StrategyBatchedParallel))

	result, err := dispatcher.Run(context.Background(), [16]byte{1}, encoding.MethodRaw, makeChunks(t, 5))
	require.NoError(t, err)
	assert.NotEmpty(t, result.Signatures[3])
}

func TestRetryBudgetIsBounded(t *testing.T) {
	ledger := newFakeLedger()
	ledger.failOnChain(2, 1)
	ledger.failOnChain(2, 2)
	ledger.failOnChain(2, 3)
	dispatcher := newTestDispatcher(t, ledger, testConfig(StrategyFireAndForget))

	result, err := dispatcher.Run(context.Background(), [16]byte{1}, encoding.MethodRaw, makeChunks(t, 3))
	require.Error(t, err)

	var uploadErr *UploadError
	require.True(t, errors.As(err, &uploadErr))
	assert.Equal(t, []int{2}, uploadErr.UnconfirmedIndices)

	// Initial round plus exactly MaxRetryRounds re-dispatches, no more.
	assert.Equal(t, 3, ledger.attempts[2])
	assert.Empty(t, result.Signatures[2])
}

func TestPendingAtTimeoutIsRetriedThenFails(t *testing.T) {
	ledger := newFakeLedger()
	ledger.neverConfirm[1] = true

	config := testConfig(StrategyFireAndForget)
	config.MaxWait = 10 * time.Millisecond
	config.MaxRetryRounds = 1
	dispatcher := newTestDispatcher(t, ledger, config)

	_, err := dispatcher.Run(context.Background(), [16]byte{1}, encoding.MethodRaw, makeChunks(t, 2))
	require.Error(t, err)

	var uploadErr *UploadError
	require.True(t, errors.As(err, &uploadErr))
	assert.Equal(t, []int{1}, uploadErr.UnconfirmedIndices)
	assert.Equal(t, 2, ledger.attempts[1])
}

func TestConfirmedSignatureNeverRequeried(t *testing.T) {
	ledger := newFakeLedger()
	// Chunk 0 confirms on the first query, chunk 1 needs three rounds.
	ledger.pendingQueries[1] = 2
	dispatcher := newTestDispatcher(t, ledger, testConfig(StrategyFireAndForget))

	_, err := dispatcher.Run(context.Background(), [16]byte{1}, encoding.MethodRaw, makeChunks(t, 2))
	require.NoError(t, err)

	// Later rounds only cover the still-pending signature.
	require.GreaterOrEqual(t, len(ledger.statusSizes), 2)
	assert.Equal(t, 2, ledger.statusSizes[0])
	for _, size := range ledger.statusSizes[1:] {
		assert.Equal(t, 1, size)
	}
}

func TestNoRecordIsBothConfirmedAndFailed(t *testing.T) {
	ledger := newFakeLedger()
	ledger.failOnChain(0, 1)
	ledger.pendingQueries[1] = 1
	dispatcher := newTestDispatcher(t, ledger, testConfig(StrategyFireAndForget))

	result, err := dispatcher.Run(context.Background(), [16]byte{1}, encoding.MethodRaw, makeChunks(t, 3))
	require.NoError(t, err)

	outcomes := map[string]Outcome{}
	for _, record := range result.Records {
		if record.Signature == "" {
			continue
		}
		previous, seen := outcomes[record.Signature]
		if seen {
			t.Fatalf("signature %s classified twice: %s then %s", record.Signature, previous, record.Outcome)
		}
		outcomes[record.Signature] = record.Outcome
	}
}

func TestSimulateGateRunsBeforeDispatch(t *testing.T) {
	ledger := newFakeLedger()
	config := testConfig(StrategyFireAndForget)
	config.Simulate = true
	dispatcher := newTestDispatcher(t, ledger, config)

	_, err := dispatcher.Run(context.Background(), [16]byte{1}, encoding.MethodRaw, makeChunks(t, 2))
	require.NoError(t, err)
	assert.Equal(t, 1, ledger.simulateCalls)
}

func TestEmptyChunkListRejected(t *testing.T) {
	dispatcher := newTestDispatcher(t, newFakeLedger(), testConfig(StrategyFireAndForget))
	_, err := dispatcher.Run(context.Background(), [16]byte{1}, encoding.MethodRaw, nil)
	assert.Error(t, err)
}
