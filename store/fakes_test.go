package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/chainvault/go-chainvault/rpc"
	"github.com/chainvault/go-chainvault/store/dispatch"
	"github.com/chainvault/go-chainvault/store/encoding"
	"github.com/chainvault/go-chainvault/store/network"
	"github.com/chainvault/go-chainvault/store/session"
)

// fakeEnvRepo is an in-memory env.Repository.
type fakeEnvRepo struct {
	values map[string]string
}

func (f fakeEnvRepo) Get(key string) string {
	return f.values[key]
}

func (f fakeEnvRepo) Set(key, value string) error {
	f.values[key] = value
	return nil
}

func (f fakeEnvRepo) Unset(key string) error {
	delete(f.values, key)
	return nil
}

func (f fakeEnvRepo) List() []string {
	var list []string
	for key, value := range f.values {
		list = append(list, fmt.Sprintf("%s=%s", key, value))
	}
	return list
}

// fakeSessions scripts the session lifecycle and account reads.
type fakeSessions struct {
	mu sync.Mutex

	initErr     error
	createErr   error
	finalizeErr error

	initCalls     int
	createCalls   int
	finalizeCalls int

	createdID     [16]byte
	createdChunks uint32
	createdDigest [32]byte

	// fetchQueue is consumed one entry per Fetch call; the last entry
	// repeats once the queue is drained.
	fetchQueue []fetchAnswer
	fetchCalls int
}

type fetchAnswer struct {
	meta *session.Session
	err  error
}

func (f *fakeSessions) EnsureStorageInitialized(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	return f.initErr
}

func (f *fakeSessions) CreateSession(_ context.Context, sessionID [16]byte, totalChunks uint32, digest [32]byte) (*session.Session, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return nil, "", f.createErr
	}
	f.createdID = sessionID
	f.createdChunks = totalChunks
	f.createdDigest = digest
	created := &session.Session{
		ID:          sessionID,
		TotalChunks: totalChunks,
		Digest:      digest,
		Status:      session.StatusActive,
	}
	return created, "create-signature", nil
}

func (f *fakeSessions) Finalize(context.Context, [16]byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalizeCalls++
	if f.finalizeErr != nil {
		return "", f.finalizeErr
	}
	return "finalize-signature", nil
}

func (f *fakeSessions) Fetch(context.Context, string) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if len(f.fetchQueue) == 0 {
		return nil, session.ErrSessionNotFound
	}
	answer := f.fetchQueue[0]
	if len(f.fetchQueue) > 1 {
		f.fetchQueue = f.fetchQueue[1:]
	}
	return answer.meta, answer.err
}

// fakeDispatcher confirms every chunk unless scripted otherwise.
type fakeDispatcher struct {
	err error

	sessionID [16]byte
	method    byte
	chunks    []encoding.Chunk
	runCalls  int
}

func (f *fakeDispatcher) Run(_ context.Context, sessionID [16]byte, method byte, chunks []encoding.Chunk) (*dispatch.Result, error) {
	f.runCalls++
	f.sessionID = sessionID
	f.method = method
	f.chunks = chunks

	result := &dispatch.Result{Signatures: make([]string, len(chunks))}
	for i, chunk := range chunks {
		signature := fmt.Sprintf("signature-%d", chunk.Index)
		result.Records = append(result.Records, dispatch.Record{
			ChunkIndex: chunk.Index,
			Signature:  signature,
			Attempt:    1,
			Outcome:    dispatch.OutcomeConfirmed,
		})
		result.Signatures[i] = signature
	}
	if f.err != nil {
		for i := range result.Records {
			result.Records[i].Outcome = dispatch.OutcomeFailed
			result.Signatures[i] = ""
		}
		return result, f.err
	}
	return result, nil
}

// fakeRegistrar records the session registration sent to the service.
type fakeRegistrar struct {
	err      error
	request  network.PrepareSessionRequest
	prepared int
}

func (f *fakeRegistrar) PrepareSession(_ context.Context, requestBody network.PrepareSessionRequest) (*network.PrepareSessionResponse, error) {
	f.prepared++
	f.request = requestBody
	if f.err != nil {
		return nil, f.err
	}
	return &network.PrepareSessionResponse{
		SessionHandle:  "service-handle",
		ChunkSizeBytes: requestBody.ChunkSizeHint,
		TotalChunks:    requestBody.TotalChunks,
	}, nil
}

// fakeIndex records emitted (logicalId, sessionHandle) pairs.
type fakeIndex struct {
	err   error
	pairs map[string]string
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{pairs: map[string]string{}}
}

func (f *fakeIndex) Record(logicalID, sessionHandle string) error {
	if f.err != nil {
		return f.err
	}
	f.pairs[logicalID] = sessionHandle
	return nil
}

// fakeMirror is an in-memory Mirror.
type fakeMirror struct {
	mu      sync.Mutex
	streams map[string][]byte
	putErr  error
	getErr  error
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{streams: map[string][]byte{}}
}

func (f *fakeMirror) Put(_ context.Context, handle string, stream []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	f.streams[handle] = stream
	return nil
}

func (f *fakeMirror) Get(_ context.Context, handle string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	stream, ok := f.streams[handle]
	if !ok {
		return nil, fmt.Errorf("no mirrored stream for %s", handle)
	}
	return stream, nil
}

// fakeSource serves a scripted result.
type fakeSource struct {
	name   string
	result *SourceResult
	err    error
	calls  int
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Fetch(context.Context, *session.Session) (*SourceResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

// fakeHistoryLedger serves a scripted transaction history.
type fakeHistoryLedger struct {
	records []rpc.TransactionRecord
	err     error
	address string
}

func (f *fakeHistoryLedger) GetTransactionHistory(_ context.Context, address string) ([]rpc.TransactionRecord, error) {
	f.address = address
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

// fakeDownloader serves a scripted chunk download and archive stream.
type fakeDownloader struct {
	download   *network.ChunkDownload
	archive    []byte
	err        error
	archiveErr error

	downloadedHandle string
	fetchedURL       string
}

func (f *fakeDownloader) DownloadChunks(_ context.Context, handle string) (*network.ChunkDownload, error) {
	f.downloadedHandle = handle
	if f.err != nil {
		return nil, f.err
	}
	return f.download, nil
}

func (f *fakeDownloader) FetchArchive(_ context.Context, url string) ([]byte, error) {
	f.fetchedURL = url
	if f.archiveErr != nil {
		return nil, f.archiveErr
	}
	return f.archive, nil
}
