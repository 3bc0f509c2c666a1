// Package index is the local bookkeeping layer on top of the transfer
// primitive: a JSON file mapping logical ids to session handles, with link
// traversal and embedding similarity search over the recorded entries.
package index

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// ErrEntryNotFound is returned when a logical id has no index entry.
var ErrEntryNotFound = errors.New("no index entry for logical id")

// Entry describes one stored payload.
type Entry struct {
	LogicalID     string `json:"logical_id"`
	SessionHandle string `json:"session_handle"`
	Description   string `json:"description,omitempty"`
	// Links are logical ids of related entries, forming a directed graph.
	Links []string `json:"links,omitempty"`
	// Embedding is an optional vector used for similarity search.
	Embedding []float64 `json:"embedding,omitempty"`
	StoredAt  time.Time `json:"stored_at"`
}

type indexFile struct {
	Entries []Entry `json:"entries"`
}

// Index is a JSON-file-backed map of logical ids to stored sessions. Safe
// for concurrent use; every mutation is persisted before it returns.
type Index struct {
	mu      sync.RWMutex
	path    string
	entries map[string]Entry
	logger  log.Logger
}

// Load opens the index at path, creating an empty one when the file does not
// exist yet.
func Load(path string, logger log.Logger) (*Index, error) {
	ix := &Index{
		path:    path,
		entries: map[string]Entry{},
		logger:  logger,
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Debugf("No index file at %s, starting empty", path)
		return ix, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read index file: %w", err)
	}

	var file indexFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse index file %s: %w", path, err)
	}
	for _, entry := range file.Entries {
		ix.entries[entry.LogicalID] = entry
	}
	return ix, nil
}

// Record maps a logical id to a session handle. An existing entry keeps its
// description, links and embedding; only the handle and timestamp move.
func (ix *Index) Record(logicalID, sessionHandle string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	entry := ix.entries[logicalID]
	entry.LogicalID = logicalID
	entry.SessionHandle = sessionHandle
	entry.StoredAt = time.Now().UTC()
	ix.entries[logicalID] = entry

	return ix.save()
}

// Put stores a full entry, replacing any previous one for the logical id.
func (ix *Index) Put(entry Entry) error {
	if entry.LogicalID == "" {
		return errors.New("entry needs a logical id")
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	ix.entries[entry.LogicalID] = entry
	return ix.save()
}

// Lookup returns the entry recorded for a logical id.
func (ix *Index) Lookup(logicalID string) (Entry, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	entry, ok := ix.entries[logicalID]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, logicalID)
	}
	return entry, nil
}

// Remove deletes the entry for a logical id. Removing a missing id is a
// no-op.
func (ix *Index) Remove(logicalID string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, ok := ix.entries[logicalID]; !ok {
		return nil
	}
	delete(ix.entries, logicalID)
	return ix.save()
}

// Entries returns every entry, sorted by logical id.
func (ix *Index) Entries() []Entry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	entries := make([]Entry, 0, len(ix.entries))
	for _, entry := range ix.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].LogicalID < entries[j].LogicalID })
	return entries
}

// Len returns the number of recorded entries.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// save writes the index atomically: full marshal to a temp file in the same
// directory, then rename. Callers hold the write lock.
func (ix *Index) save() error {
	entries := make([]Entry, 0, len(ix.entries))
	for _, entry := range ix.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].LogicalID < entries[j].LogicalID })

	data, err := json.MarshalIndent(indexFile{Entries: entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}

	dir := filepath.Dir(ix.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create index directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".index-*")
	if err != nil {
		return fmt.Errorf("create temp index file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close index file: %w", err)
	}
	if err := os.Rename(tmp.Name(), ix.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace index file: %w", err)
	}
	return nil
}
