package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/mr-tron/base58"

	"github.com/chainvault/go-chainvault/rpc"
	"github.com/chainvault/go-chainvault/store/txn"
)

// fakeLedger scripts on-chain behavior per chunk index and attempt.
type fakeLedger struct {
	mu sync.Mutex

	// failOnChainAttempts marks (chunk index, attempt) pairs whose
	// transaction lands but errors on chain.
	failOnChainAttempts map[int]map[int]bool
	// rejectSubmitAttempts marks (chunk index, attempt) pairs whose
	// submission is rejected outright.
	rejectSubmitAttempts map[int]map[int]bool
	// pendingQueries is how many status queries a signature stays unknown
	// before confirming.
	pendingQueries map[int]int
	// neverConfirm keeps the chunk's signatures pending forever.
	neverConfirm map[int]bool

	attempts      map[int]int    // chunk index -> submissions so far
	signatures    map[string]sigInfo
	queriesPerSig map[string]int
	statusCalls   int
	statusSizes   []int
	blockRefCalls int
	simulateCalls int
	sendOrder     []int
}

type sigInfo struct {
	chunkIndex int
	attempt    int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		failOnChainAttempts:  map[int]map[int]bool{},
		rejectSubmitAttempts: map[int]map[int]bool{},
		pendingQueries:       map[int]int{},
		neverConfirm:         map[int]bool{},
		attempts:             map[int]int{},
		signatures:           map[string]sigInfo{},
		queriesPerSig:        map[string]int{},
	}
}

func (f *fakeLedger) failOnChain(chunkIndex, attempt int) {
	if f.failOnChainAttempts[chunkIndex] == nil {
		f.failOnChainAttempts[chunkIndex] = map[int]bool{}
	}
	f.failOnChainAttempts[chunkIndex][attempt] = true
}

func (f *fakeLedger) rejectSubmit(chunkIndex, attempt int) {
	if f.rejectSubmitAttempts[chunkIndex] == nil {
		f.rejectSubmitAttempts[chunkIndex] = map[int]bool{}
	}
	f.rejectSubmitAttempts[chunkIndex][attempt] = true
}

func (f *fakeLedger) SendTransaction(_ context.Context, signedTx []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	instruction, err := txn.Instruction(signedTx)
	if err != nil {
		return "", err
	}
	parsed, ok := txn.ParseChunkInstruction(instruction)
	if !ok {
		return "", fmt.Errorf("not a chunk instruction")
	}

	index := int(parsed.Index)
	f.attempts[index]++
	attempt := f.attempts[index]

	if f.rejectSubmitAttempts[index][attempt] {
		return "", fmt.Errorf("broadcast endpoint rejected chunk %d", index)
	}

	signature := base58.Encode(signedTx[:txn.SignatureSize])
	f.signatures[signature] = sigInfo{chunkIndex: index, attempt: attempt}
	f.sendOrder = append(f.sendOrder, index)
	return signature, nil
}

func (f *fakeLedger) SimulateTransaction(context.Context, []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.simulateCalls++
	return nil
}

func (f *fakeLedger) GetSignatureStatuses(_ context.Context, signatures []string) ([]rpc.SignatureStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.statusCalls++
	f.statusSizes = append(f.statusSizes, len(signatures))

	statuses := make([]rpc.SignatureStatus, len(signatures))
	for i, signature := range signatures {
		statuses[i] = rpc.SignatureStatus{Signature: signature}
		info, known := f.signatures[signature]
		if !known {
			continue
		}
		f.queriesPerSig[signature]++

		if f.failOnChainAttempts[info.chunkIndex][info.attempt] {
			statuses[i].Confirmation = rpc.ConfirmationProcessed
			statuses[i].Err = `{"InstructionError":0}`
			continue
		}
		if f.neverConfirm[info.chunkIndex] {
			continue
		}
		if f.queriesPerSig[signature] > f.pendingQueries[info.chunkIndex] {
			statuses[i].Confirmation = rpc.ConfirmationConfirmed
		}
	}
	return statuses, nil
}

func (f *fakeLedger) GetLatestBlockRef(context.Context) ([32]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockRefCalls++
	var ref [32]byte
	ref[0] = byte(f.blockRefCalls)
	return ref, nil
}
