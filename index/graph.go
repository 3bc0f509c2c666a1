package index

import "fmt"

// Traverse walks the link graph breadth-first from a starting logical id and
// returns the reachable entries in visit order, the start included. maxDepth
// bounds how many link hops to follow; negative means unbounded. Links to
// unrecorded ids are skipped.
func (ix *Index) Traverse(start string, maxDepth int) ([]Entry, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	root, ok := ix.entries[start]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, start)
	}

	type queued struct {
		entry Entry
		depth int
	}
	visited := map[string]bool{start: true}
	queue := []queued{{entry: root}}
	var result []Entry

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current.entry)

		if maxDepth >= 0 && current.depth >= maxDepth {
			continue
		}
		for _, link := range current.entry.Links {
			if visited[link] {
				continue
			}
			visited[link] = true
			next, ok := ix.entries[link]
			if !ok {
				ix.logger.Debugf("Link %s -> %s points at an unrecorded id, skipping", current.entry.LogicalID, link)
				continue
			}
			queue = append(queue, queued{entry: next, depth: current.depth + 1})
		}
	}
	return result, nil
}
