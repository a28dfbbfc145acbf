package sync

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	stdsync "sync"
)

// Fingerprints decide whether a remote write is necessary: if a session's
// digest matches the one stored after its last successful push, the push
// exporter skips the network call entirely.
//
// The digest covers the canonical projection of a session — the fields
// that affect its remote representation — and deliberately excludes
// volatile bookkeeping like LastModified and the event linkage, so a
// no-op merge does not invalidate the cache. FNV-1a at 64 bits is enough:
// a collision downgrades one update to a skip, which the next genuine
// edit corrects — an accepted low-probability degradation, not a
// correctness requirement.

// Digest computes the content hash of a session's sync-relevant fields.
// courseName is included because the rendered event title depends on it.
func Digest(s *Session, courseName string) uint64 {
	h := fnv.New64a()

	parts := []string{
		s.CourseID,
		courseName,
		s.Date,
		s.StartTime,
		s.EndDate,
		s.EndTime,
		fmt.Sprint(s.DurationMinutes),
		fmt.Sprint(s.Completed),
		fmt.Sprint(s.CompletionPercent),
		s.Notes,
	}

	if s.Recurrence != nil {
		ex := append([]string(nil), s.Recurrence.ExceptionDates...)
		sort.Strings(ex)

		parts = append(parts,
			s.Recurrence.Rule,
			s.Recurrence.SeriesStart,
			s.Recurrence.Until,
			fmt.Sprint(s.Recurrence.Count),
			strings.Join(ex, ","),
		)
	}

	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0}) // field separator so "ab"+"c" != "a"+"bc"
	}

	return h.Sum64()
}

// FingerprintCache holds the last-pushed digest per session id. It is
// loaded from the state store at the start of a run and written back after
// a successful run. Safe for concurrent use by exporter workers.
type FingerprintCache struct {
	mu     stdsync.Mutex
	prints map[string]uint64
}

// NewFingerprintCache wraps a digest map loaded from the state store.
// A nil map starts the cache empty.
func NewFingerprintCache(prints map[string]uint64) *FingerprintCache {
	if prints == nil {
		prints = make(map[string]uint64)
	}

	return &FingerprintCache{prints: prints}
}

// ShouldSkip reports whether the session's content is unchanged since the
// last successful push. A hit means the exporter must not issue a write.
func (c *FingerprintCache) ShouldSkip(sessionID string, digest uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored, ok := c.prints[sessionID]

	return ok && stored == digest
}

// Commit records the digest after a successful remote write.
func (c *FingerprintCache) Commit(sessionID string, digest uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.prints[sessionID] = digest
}

// Forget drops the stored digest, forcing the next push to write. Called
// when the remote event is deleted or a write fails partway.
func (c *FingerprintCache) Forget(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.prints, sessionID)
}

// Snapshot returns a copy of the digest map for persistence.
func (c *FingerprintCache) Snapshot() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]uint64, len(c.prints))
	for id, d := range c.prints {
		out[id] = d
	}

	return out
}
