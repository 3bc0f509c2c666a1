package index

import (
	"errors"
	"math"
	"sort"
)

// Match pairs an entry with its similarity to a search query.
type Match struct {
	Entry      Entry
	Similarity float64
}

// Nearest returns the k entries whose embeddings are most similar to the
// query vector, best first. Entries without an embedding, or with one of a
// different dimension, are skipped.
func (ix *Index) Nearest(query []float64, k int) ([]Match, error) {
	if len(query) == 0 {
		return nil, errors.New("query vector is empty")
	}
	if k <= 0 {
		return nil, errors.New("k must be positive")
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var matches []Match
	for _, entry := range ix.entries {
		if len(entry.Embedding) != len(query) {
			continue
		}
		similarity, ok := cosineSimilarity(query, entry.Embedding)
		if !ok {
			continue
		}
		matches = append(matches, Match{Entry: entry, Similarity: similarity})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Entry.LogicalID < matches[j].Entry.LogicalID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// cosineSimilarity returns the cosine of the angle between two equal-length
// vectors. A zero-magnitude vector has no direction; ok is false then.
func cosineSimilarity(a, b []float64) (float64, bool) {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), true
}
