package store

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/chainvault/go-chainvault/store/dispatch"
	"github.com/chainvault/go-chainvault/store/encoding"
	"github.com/chainvault/go-chainvault/store/network"
	"github.com/chainvault/go-chainvault/store/session"
	"github.com/chainvault/go-chainvault/wallet"
)

// UploadInput is the information an upload needs beyond the wired
// collaborators.
type UploadInput struct {
	Payload     []byte
	Description string
	Compress    bool
	// ChunkSize overrides the default chunk size. Zero means default.
	ChunkSize int
	// LogicalID is the caller's name for the payload. When set, the
	// (logicalId, sessionHandle) pair is emitted to the index recorder after
	// finalization.
	LogicalID string
}

// sessionLifecycle is the slice of the session manager the uploader drives.
type sessionLifecycle interface {
	EnsureStorageInitialized(ctx context.Context) error
	CreateSession(ctx context.Context, sessionID [16]byte, totalChunks uint32, digest [32]byte) (*session.Session, string, error)
	Finalize(ctx context.Context, sessionID [16]byte) (string, error)
}

// chunkDispatcher submits a chunk set and reports per-chunk outcomes.
type chunkDispatcher interface {
	Run(ctx context.Context, sessionID [16]byte, method byte, chunks []encoding.Chunk) (*dispatch.Result, error)
}

// sessionRegistrar is the service-side bookkeeping surface used during
// upload.
type sessionRegistrar interface {
	PrepareSession(ctx context.Context, requestBody network.PrepareSessionRequest) (*network.PrepareSessionResponse, error)
}

// IndexRecorder accepts the (logicalId, sessionHandle) pair of a finalized
// upload for later lookup. The core only ever writes this mapping.
type IndexRecorder interface {
	Record(logicalID, sessionHandle string) error
}

// Mirror is an optional off-chain copy of the encoded stream, keyed by
// session handle. The ledger stays the source of truth; the mirror only
// exists to make retrieval fast.
type Mirror interface {
	Put(ctx context.Context, handle string, stream []byte) error
	Get(ctx context.Context, handle string) ([]byte, error)
}

// Uploader stores payloads on the ledger.
type Uploader struct {
	sessions   sessionLifecycle
	dispatcher chunkDispatcher
	service    sessionRegistrar
	mirror     Mirror
	index      IndexRecorder
	keypair    *wallet.Keypair
	envRepo    env.Repository
	logger     log.Logger
}

// NewUploader creates an Uploader. service, mirror and index may be nil; the
// upload then runs ledger-only.
func NewUploader(
	sessions sessionLifecycle,
	dispatcher chunkDispatcher,
	service sessionRegistrar,
	mirror Mirror,
	index IndexRecorder,
	keypair *wallet.Keypair,
	envRepo env.Repository,
	logger log.Logger,
) *Uploader {
	return &Uploader{
		sessions:   sessions,
		dispatcher: dispatcher,
		service:    service,
		mirror:     mirror,
		index:      index,
		keypair:    keypair,
		envRepo:    envRepo,
		logger:     logger,
	}
}

// Upload encodes the payload, creates a session and dispatches every chunk,
// then finalizes the session. The returned result carries the full
// dispatch-record list even when the upload fails partway.
func (u *Uploader) Upload(ctx context.Context, input UploadInput) (*StorageResult, error) {
	chunkSize := input.ChunkSize
	if chunkSize == 0 {
		chunkSize = encoding.DefaultChunkSize
	}

	encoded, err := encoding.Encode(input.Payload, input.Compress, chunkSize)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	u.logger.Infof("Encoded %s into %d chunks (%s on chain)",
		units.HumanSizeWithPrecision(float64(encoded.OriginalSize), 3),
		len(encoded.Chunks),
		units.HumanSizeWithPrecision(float64(encoded.EncodedSize), 3))

	sessionID := [16]byte(uuid.New())
	handle := wallet.DeriveSessionHandle(u.keypair.PublicKey(), sessionID)

	tracker := newOperationTracker("upload", u.envRepo, u.logger)
	defer tracker.wait()
	uploadStartTime := time.Now()

	if err := u.register(ctx, sessionID, handle, encoded, chunkSize, input.Description); err != nil {
		return nil, err
	}

	if err := u.sessions.EnsureStorageInitialized(ctx); err != nil {
		return nil, fmt.Errorf("storage initialization: %w", err)
	}

	created, _, err := u.sessions.CreateSession(ctx, sessionID, uint32(len(encoded.Chunks)), encoded.Digest)
	if err != nil {
		return nil, err
	}
	u.logger.Donef("Session %s created", handle)

	result := &StorageResult{
		SessionHandle: handle,
		SessionID:     sessionID,
		TotalChunks:   created.TotalChunks,
		Digest:        encoded.Digest,
		Compressed:    encoded.Compressed(),
		OriginalSize:  encoded.OriginalSize,
		EncodedSize:   encoded.EncodedSize,
	}

	dispatched, err := u.dispatcher.Run(ctx, sessionID, encoded.Method, encoded.Chunks)
	if dispatched != nil {
		result.Signatures = dispatched.Signatures
		result.Records = dispatched.Records
	}
	if err != nil {
		return result, err
	}
	u.logger.Donef("All %d chunks confirmed", len(encoded.Chunks))

	finalizeSignature, err := u.sessions.Finalize(ctx, sessionID)
	if err != nil {
		return result, &FinalizationError{SessionHandle: handle, Err: err}
	}
	result.FinalizeSignature = finalizeSignature
	u.logger.Donef("Session %s finalized in %s", handle, time.Since(uploadStartTime).Round(time.Second))
	tracker.logPayloadStored(time.Since(uploadStartTime), encoded.EncodedSize, len(encoded.Chunks), len(result.Records))

	u.mirrorStream(ctx, handle, encoded)
	u.recordIndexPair(input.LogicalID, handle)

	return result, nil
}

// recordIndexPair emits the (logicalId, sessionHandle) mapping. Best effort:
// the session is already finalized on chain and stays retrievable by handle.
func (u *Uploader) recordIndexPair(logicalID, handle string) {
	if u.index == nil || logicalID == "" {
		return
	}
	if err := u.index.Record(logicalID, handle); err != nil {
		u.logger.Warnf("Index write failed for %s -> %s: %s", logicalID, handle, err)
	}
}

// register announces the session to the bookkeeping service before any
// transaction is submitted.
func (u *Uploader) register(ctx context.Context, sessionID [16]byte, handle string, encoded *encoding.Encoded, chunkSize int, description string) error {
	if u.service == nil {
		u.logger.Debugf("No session service configured, continuing ledger-only")
		return nil
	}

	response, err := u.service.PrepareSession(ctx, network.PrepareSessionRequest{
		Owner:              u.keypair.Address(),
		SessionID:          hex.EncodeToString(sessionID[:]),
		PayloadDescription: description,
		ChunkSizeHint:      chunkSize,
		TotalChunks:        uint32(len(encoded.Chunks)),
		ContentDigest:      hex.EncodeToString(encoded.Digest[:]),
		EncodedSizeBytes:   encoded.EncodedSize,
	})
	if err != nil {
		return fmt.Errorf("register session with service: %w", err)
	}
	if response.TotalChunks != uint32(len(encoded.Chunks)) {
		u.logger.Warnf("Service tracks %d chunks for session %s, client encoded %d",
			response.TotalChunks, handle, len(encoded.Chunks))
	}
	return nil
}

// mirrorStream copies the encoded stream to the mirror. Best effort: the
// chunks are already confirmed on chain, so a mirror failure only costs
// retrieval speed.
func (u *Uploader) mirrorStream(ctx context.Context, handle string, encoded *encoding.Encoded) {
	if u.mirror == nil {
		return
	}
	stream, err := encoding.Reassemble(encoded.Chunks)
	if err != nil {
		u.logger.Warnf("Skipping mirror write for session %s: %s", handle, err)
		return
	}
	if err := u.mirror.Put(ctx, handle, stream); err != nil {
		u.logger.Warnf("Mirror write failed for session %s: %s", handle, err)
		return
	}
	u.logger.Debugf("Encoded stream mirrored for session %s", handle)
}
