// Package directory implements the directory server (C10): it accepts
// PCP connections, aggregates bcst records into a channel table keyed
// by channel ID, and serves an XML snapshot of that table over HTTP.
package directory

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/progre/peercastpcp/pcp/record"
)

// entry is one channel's most recent broadcast plus first/last-seen
// timestamps.
type entry struct {
	bcst      *record.Bcst
	createdAt time.Time
	updatedAt time.Time
}

// Table is the shared channel directory: the most recent bcst seen for
// each channel ID, protected by a single write-exclusion lock per the
// concurrency model (critical sections are map insert/lookup only, no
// I/O while holding the lock).
type Table struct {
	mu      sync.RWMutex
	entries map[[16]byte]*entry
	log     *zap.Logger

	startedAt   time.Time
	connections int64
}

// NewTable returns an empty Table, starting its uptime clock now, with
// channel-table mutations discarded rather than logged.
func NewTable() *Table {
	return NewTableWithLogger(zap.NewNop())
}

// NewTableWithLogger returns an empty Table that reports each upsert
// through log, mirroring the teacher's Header.ZapFields() structured
// logging convention.
func NewTableWithLogger(log *zap.Logger) *Table {
	return &Table{
		entries:   make(map[[16]byte]*entry),
		log:       log,
		startedAt: nowFunc(),
	}
}

// nowFunc is indirected so tests can control elapsed uptime without
// sleeping.
var nowFunc = time.Now

// Upsert inserts or refreshes the entry for b.Chan.ID. A first sighting
// sets createdAt == updatedAt == now; later sightings update bcst and
// updatedAt only.
func (t *Table) Upsert(b *record.Bcst) {
	if b.Chan == nil {
		return
	}
	now := nowFunc()

	t.mu.Lock()
	e, existed := t.entries[b.Chan.ID]
	if existed {
		e.bcst = b
		e.updatedAt = now
	} else {
		t.entries[b.Chan.ID] = &entry{bcst: b, createdAt: now, updatedAt: now}
	}
	t.mu.Unlock()

	t.log.Debug("channel table upsert",
		zap.String("channel_id", b.Chan.ID.String()),
		zap.Bool("existed", existed),
	)
}

// Snapshot returns a stable copy of every entry, for rendering without
// holding the lock during XML marshaling.
func (t *Table) Snapshot() []entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	return out
}

// Uptime returns the elapsed duration since the Table was created (by
// NewTable or NewTableWithLogger).
func (t *Table) Uptime() time.Duration {
	return nowFunc().Sub(t.startedAt)
}

// IncrementConnections records the start of a PCP session. Callers must
// pair every increment with a deferred DecrementConnections on scope
// exit, regardless of the session's outcome.
func (t *Table) IncrementConnections() {
	atomic.AddInt64(&t.connections, 1)
}

// DecrementConnections records a PCP session's end.
func (t *Table) DecrementConnections() {
	atomic.AddInt64(&t.connections, -1)
}

// Connections returns the current process-global connection count.
func (t *Table) Connections() int64 {
	return atomic.LoadInt64(&t.connections)
}
