// Package session owns the on-chain session lifecycle: one-time storage
// initialization, session creation, finalization and session account reads.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/chainvault/go-chainvault/rpc"
	"github.com/chainvault/go-chainvault/store/dispatch"
	"github.com/chainvault/go-chainvault/store/txn"
	"github.com/chainvault/go-chainvault/wallet"
)

// ErrSessionNotFound is returned when a session account does not exist.
var ErrSessionNotFound = errors.New("session not found")

// Ledger is the RPC surface the session manager needs.
type Ledger interface {
	dispatch.Ledger
	GetAccountInfo(ctx context.Context, address string) ([]byte, error)
}

// Manager drives session lifecycle transactions for one owner key.
type Manager struct {
	ledger       Ledger
	keypair      *wallet.Keypair
	logger       log.Logger
	pollInterval time.Duration
	maxWait      time.Duration
}

// NewManager creates a Manager. Zero poll settings fall back to defaults.
func NewManager(ledger Ledger, keypair *wallet.Keypair, pollInterval, maxWait time.Duration, logger log.Logger) *Manager {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}
	return &Manager{
		ledger:       ledger,
		keypair:      keypair,
		logger:       logger,
		pollInterval: pollInterval,
		maxWait:      maxWait,
	}
}

// EnsureStorageInitialized provisions the owner's one-time storage account.
// Idempotent: an existing account, or an "already initialized" response from
// a concurrent initializer, both count as success. Any other failure is
// fatal and must abort the upload before any chunk is sent.
func (m *Manager) EnsureStorageInitialized(ctx context.Context) error {
	owner := m.keypair.PublicKey()
	storageHandle := wallet.DeriveStorageHandle(owner)

	_, err := m.ledger.GetAccountInfo(ctx, storageHandle)
	if err == nil {
		m.logger.Debugf("Storage account %s already exists", storageHandle)
		return nil
	}
	if !errors.Is(err, rpc.ErrAccountNotFound) {
		return fmt.Errorf("check storage account: %w", err)
	}

	m.logger.Debugf("Initializing storage account %s", storageHandle)
	signed, err := m.sign(ctx, txn.EncodeInitStorageInstruction(owner))
	if err != nil {
		return fmt.Errorf("sign storage initialization: %w", err)
	}

	err = dispatch.SubmitAndConfirm(ctx, m.ledger, signed, m.pollInterval, m.maxWait, m.logger)
	if err != nil {
		if isAlreadyInitialized(err) {
			m.logger.Debugf("Storage account was initialized concurrently, continuing")
			return nil
		}
		return fmt.Errorf("initialize storage: %w", err)
	}
	return nil
}

// CreateSession submits the session creation transaction and gates on the
// account existing before any chunk dispatch may begin.
func (m *Manager) CreateSession(ctx context.Context, sessionID [16]byte, totalChunks uint32, digest [32]byte) (*Session, string, error) {
	signed, err := m.sign(ctx, txn.EncodeCreateSessionInstruction(sessionID, totalChunks, digest))
	if err != nil {
		return nil, "", fmt.Errorf("sign session creation: %w", err)
	}

	if err := dispatch.SubmitAndConfirm(ctx, m.ledger, signed, m.pollInterval, m.maxWait, m.logger); err != nil {
		return nil, "", fmt.Errorf("create session: %w", err)
	}

	handle := wallet.DeriveSessionHandle(m.keypair.PublicKey(), sessionID)
	created, err := m.Fetch(ctx, handle)
	if err != nil {
		return nil, "", fmt.Errorf("verify created session %s: %w", handle, err)
	}
	if created.TotalChunks != totalChunks {
		return nil, "", fmt.Errorf("created session %s declares %d chunks, expected %d", handle, created.TotalChunks, totalChunks)
	}

	m.logger.Debugf("Session %s created (%d chunks declared)", handle, totalChunks)
	return created, signed.Signature, nil
}

// Finalize submits the closing transaction that marks the session's chunk
// set complete. Failure leaves the session active and is surfaced, never
// swallowed.
func (m *Manager) Finalize(ctx context.Context, sessionID [16]byte) (string, error) {
	signed, err := m.sign(ctx, txn.EncodeFinalizeInstruction(sessionID))
	if err != nil {
		return "", fmt.Errorf("sign finalize: %w", err)
	}
	if err := dispatch.SubmitAndConfirm(ctx, m.ledger, signed, m.pollInterval, m.maxWait, m.logger); err != nil {
		return "", fmt.Errorf("finalize session: %w", err)
	}
	return signed.Signature, nil
}

// Fetch reads and parses a session account.
func (m *Manager) Fetch(ctx context.Context, handle string) (*Session, error) {
	data, err := m.ledger.GetAccountInfo(ctx, handle)
	if err != nil {
		if errors.Is(err, rpc.ErrAccountNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, handle)
		}
		return nil, fmt.Errorf("fetch session account: %w", err)
	}
	parsed, err := ParseAccount(data)
	if err != nil {
		return nil, fmt.Errorf("parse session account %s: %w", handle, err)
	}
	return parsed, nil
}

func (m *Manager) sign(ctx context.Context, instruction []byte) (*txn.Signed, error) {
	blockRef, err := m.ledger.GetLatestBlockRef(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch block reference: %w", err)
	}
	return txn.Sign(m.keypair, blockRef, instruction)
}

func isAlreadyInitialized(err error) bool {
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "already initialized") || strings.Contains(message, "already in use")
}
