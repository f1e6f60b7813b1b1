package reward

import (
	"sync"

	"github.com/foldrl/bindertune/internal/model"
)

// History is the bounded, insertion-ordered record of past episodes'
// structural fingerprints. Single writer (episode finalization), many
// concurrent readers (in-flight reward computations). Readers get a snapshot
// so scoring never blocks finalization.
type History struct {
	mu      sync.RWMutex
	cap     int
	entries []model.Fingerprint
}

// NewHistory creates a history retaining at most capacity fingerprints;
// the oldest entry is evicted first.
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{cap: capacity}
}

// Append records a fingerprint, evicting the oldest entry at capacity.
// Nil fingerprints are ignored.
func (h *History) Append(fp model.Fingerprint) {
	if len(fp) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.entries) == h.cap {
		h.entries = append(h.entries[1:], fp)
		return
	}
	h.entries = append(h.entries, fp)
}

// Snapshot returns the current fingerprints, oldest first. The returned slice
// shares fingerprint storage but not the backing array, so appends after the
// call do not affect it.
func (h *History) Snapshot() []model.Fingerprint {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]model.Fingerprint, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len returns the number of retained fingerprints.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}
