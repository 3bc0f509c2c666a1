package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/jpillora/backoff"

	"github.com/chainvault/go-chainvault/rpc"
	"github.com/chainvault/go-chainvault/store/encoding"
	"github.com/chainvault/go-chainvault/store/network"
	"github.com/chainvault/go-chainvault/store/session"
	"github.com/chainvault/go-chainvault/store/txn"
)

// SourceResult is what a chunk source hands back: either the dense chunk set
// or the whole encoded stream, whichever form the source naturally serves.
type SourceResult struct {
	Chunks []encoding.Chunk
	Stream []byte
}

// ChunkSource serves the encoded content of a finalized session. Sources are
// tried in order; a failing source defers to the next one.
type ChunkSource interface {
	Name() string
	Fetch(ctx context.Context, meta *session.Session) (*SourceResult, error)
}

// sessionReader reads session accounts from the ledger.
type sessionReader interface {
	Fetch(ctx context.Context, handle string) (*session.Session, error)
}

// RetrieveOptions tune the retriever's metadata retry loop.
type RetrieveOptions struct {
	// MaxRetries bounds metadata fetch attempts. Zero means 5.
	MaxRetries int
	// RetryDelay is the initial delay between metadata attempts, growing
	// exponentially. Zero means 1s.
	RetryDelay time.Duration
}

func (o RetrieveOptions) withDefaults() RetrieveOptions {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	return o
}

// Retriever reconstructs payloads from finalized sessions.
type Retriever struct {
	sessions sessionReader
	sources  []ChunkSource
	cache    *PayloadCache
	options  RetrieveOptions
	envRepo  env.Repository
	logger   log.Logger
}

// NewRetriever creates a Retriever. cache may be nil to disable caching.
// Sources are consulted in the given order.
func NewRetriever(
	sessions sessionReader,
	sources []ChunkSource,
	cache *PayloadCache,
	options RetrieveOptions,
	envRepo env.Repository,
	logger log.Logger,
) *Retriever {
	return &Retriever{
		sessions: sessions,
		sources:  sources,
		cache:    cache,
		options:  options.withDefaults(),
		envRepo:  envRepo,
		logger:   logger,
	}
}

// Retrieve reconstructs the payload stored under a session handle. A session
// still marked active is re-read on the metadata retry budget until it
// finalizes; the reconstructed stream must hash to the digest the session
// account declares.
func (r *Retriever) Retrieve(ctx context.Context, handle string) (*RetrievalResult, error) {
	if r.cache != nil {
		if payload, ok := r.cache.Get(handle); ok {
			r.logger.Debugf("Payload cache hit for session %s", handle)
			return &RetrievalResult{Payload: payload, Size: len(payload), Source: "cache"}, nil
		}
	}

	tracker := newOperationTracker("download", r.envRepo, r.logger)
	defer tracker.wait()
	downloadStartTime := time.Now()

	meta, err := r.fetchMetadata(ctx, handle)
	if err != nil {
		return nil, err
	}

	stream, source, err := r.fetchStream(ctx, meta)
	if err != nil {
		return nil, err
	}

	if actual := encoding.Digest(stream); actual != meta.Digest {
		return nil, &IntegrityError{SessionHandle: handle, Expected: meta.Digest, Actual: actual}
	}

	payload, err := encoding.Decode(stream)
	if err != nil {
		return nil, fmt.Errorf("decode stream for session %s: %w", handle, err)
	}

	if r.cache != nil {
		r.cache.Add(handle, payload)
	}
	r.logger.Donef("Retrieved %s from %s in %s",
		units.HumanSizeWithPrecision(float64(len(payload)), 3), source, time.Since(downloadStartTime).Round(time.Second))
	tracker.logPayloadRetrieved(time.Since(downloadStartTime), len(payload), source)

	return &RetrievalResult{
		Payload: payload,
		Size:    len(payload),
		Session: meta,
		Source:  source,
	}, nil
}

// fetchMetadata reads the session account until it is finalized, with
// bounded retries. Sessions finalize moments before they are read back, so a
// not-found answer or a still-active status both get a few more chances
// before becoming fatal.
func (r *Retriever) fetchMetadata(ctx context.Context, handle string) (*session.Session, error) {
	delay := &backoff.Backoff{
		Min:    r.options.RetryDelay,
		Max:    10 * r.options.RetryDelay,
		Factor: 2,
	}

	var lastErr error
	for attempt := 1; attempt <= r.options.MaxRetries; attempt++ {
		meta, err := r.sessions.Fetch(ctx, handle)
		switch {
		case err != nil:
			lastErr = err
		case !meta.Finalized():
			lastErr = fmt.Errorf("%w: %s", ErrSessionNotFinalized, handle)
		default:
			return meta, nil
		}

		if attempt < r.options.MaxRetries {
			wait := delay.Duration()
			r.logger.Warnf("Session %s not readable yet (attempt %d/%d), retrying in %s: %s",
				handle, attempt, r.options.MaxRetries, wait, lastErr)
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("session metadata not ready after %d attempts: %w", r.options.MaxRetries, lastErr)
}

// fetchStream tries each source in order until one serves the full encoded
// stream.
func (r *Retriever) fetchStream(ctx context.Context, meta *session.Session) ([]byte, string, error) {
	if len(r.sources) == 0 {
		return nil, "", errors.New("no chunk sources configured")
	}

	handle := meta.Handle()
	var lastErr error
	for _, source := range r.sources {
		result, err := source.Fetch(ctx, meta)
		if err != nil {
			r.logger.Warnf("Source %s failed for session %s: %s", source.Name(), handle, err)
			lastErr = err
			continue
		}

		if result.Stream != nil {
			return result.Stream, source.Name(), nil
		}

		if len(result.Chunks) != int(meta.TotalChunks) {
			// The digest check is the real gate; a count mismatch on its own
			// is only suspicious.
			r.logger.Warnf("Session %s declares %d chunks, source %s served %d",
				handle, meta.TotalChunks, source.Name(), len(result.Chunks))
		}
		stream, err := encoding.Reassemble(result.Chunks)
		if err != nil {
			r.logger.Warnf("Source %s served an unusable chunk set for session %s: %s", source.Name(), handle, err)
			lastErr = err
			continue
		}
		return stream, source.Name(), nil
	}
	return nil, "", fmt.Errorf("all chunk sources failed: %w", lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// chunkDownloader is the service-side download surface.
type chunkDownloader interface {
	DownloadChunks(ctx context.Context, handle string) (*network.ChunkDownload, error)
	FetchArchive(ctx context.Context, url string) ([]byte, error)
}

// ServiceSource downloads chunks from the session service, following the
// archive URL when the service serves the stream whole.
type ServiceSource struct {
	client chunkDownloader
}

// NewServiceSource creates a ServiceSource.
func NewServiceSource(client chunkDownloader) *ServiceSource {
	return &ServiceSource{client: client}
}

// Name implements ChunkSource.
func (s *ServiceSource) Name() string {
	return "service"
}

// Fetch implements ChunkSource.
func (s *ServiceSource) Fetch(ctx context.Context, meta *session.Session) (*SourceResult, error) {
	download, err := s.client.DownloadChunks(ctx, meta.Handle())
	if err != nil {
		return nil, err
	}
	if download.ArchiveURL != "" {
		stream, err := s.client.FetchArchive(ctx, download.ArchiveURL)
		if err != nil {
			return nil, err
		}
		return &SourceResult{Stream: stream}, nil
	}
	return &SourceResult{Chunks: download.Chunks}, nil
}

// historyLedger is the RPC surface the history scanner needs.
type historyLedger interface {
	GetTransactionHistory(ctx context.Context, address string) ([]rpc.TransactionRecord, error)
}

// HistorySource reconstructs the chunk set from the session account's
// transaction history. It needs no service at all: every chunk instruction is
// parsed back out of the transactions that carried it.
type HistorySource struct {
	ledger historyLedger
}

// NewHistorySource creates a HistorySource.
func NewHistorySource(ledger historyLedger) *HistorySource {
	return &HistorySource{ledger: ledger}
}

// Name implements ChunkSource.
func (s *HistorySource) Name() string {
	return "history"
}

// Fetch implements ChunkSource.
func (s *HistorySource) Fetch(ctx context.Context, meta *session.Session) (*SourceResult, error) {
	records, err := s.ledger.GetTransactionHistory(ctx, meta.Handle())
	if err != nil {
		return nil, err
	}

	// A retried chunk appears in several transactions; the content is
	// identical per index, so the first occurrence wins.
	seen := map[uint32][]byte{}
	for _, record := range records {
		for _, instructionRecord := range record.Instructions {
			raw, err := base64.StdEncoding.DecodeString(instructionRecord.Data)
			if err != nil {
				return nil, fmt.Errorf("decode instruction of transaction %s: %w", record.Signature, err)
			}
			instruction, ok := txn.ParseChunkInstruction(raw)
			if !ok || instruction.SessionID != meta.ID {
				continue
			}
			if _, exists := seen[instruction.Index]; !exists {
				seen[instruction.Index] = instruction.Data
			}
		}
	}
	if len(seen) == 0 {
		return nil, fmt.Errorf("no chunk transactions found for session %s", meta.Handle())
	}

	chunks := make([]encoding.Chunk, 0, len(seen))
	for index, data := range seen {
		chunks = append(chunks, encoding.Chunk{Index: int(index), Data: data})
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })
	return &SourceResult{Chunks: chunks}, nil
}

// MirrorSource serves the encoded stream from the off-chain mirror.
type MirrorSource struct {
	mirror Mirror
}

// NewMirrorSource creates a MirrorSource.
func NewMirrorSource(mirror Mirror) *MirrorSource {
	return &MirrorSource{mirror: mirror}
}

// Name implements ChunkSource.
func (s *MirrorSource) Name() string {
	return "mirror"
}

// Fetch implements ChunkSource.
func (s *MirrorSource) Fetch(ctx context.Context, meta *session.Session) (*SourceResult, error) {
	stream, err := s.mirror.Get(ctx, meta.Handle())
	if err != nil {
		return nil, err
	}
	return &SourceResult{Stream: stream}, nil
}
