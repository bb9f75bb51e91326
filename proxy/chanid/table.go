// Package chanid implements the channel-id → tip-host binding (spec
// §3): a short-lived entry created when the proxy observes a
// GET /pls/<ID>?tip=<host> or /stream/<ID>?tip=<host> request, used
// later to resolve an inbound GET /channel/<ID> request to the
// originally advertised tip. Entries are removed on request completion,
// not on a timer — unlike the sub-listener registry, there is no
// implicit expiry.
package chanid

import "sync"

// Table is the shared channel-id → tip-host map, protected by a single
// write-exclusion lock per the concurrency model (spec §5): critical
// sections are map insert/lookup/delete only, no I/O while holding the
// lock.
type Table struct {
	mu      sync.Mutex
	entries map[string]string
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{entries: make(map[string]string)}
}

// Bind records that channelID's originally advertised tip is host. A
// later Bind for the same channelID overwrites the previous tip.
func (t *Table) Bind(channelID, tip string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[channelID] = tip
}

// Resolve returns the tip bound to channelID, if any.
func (t *Table) Resolve(channelID string) (tip string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tip, ok = t.entries[channelID]
	return tip, ok
}

// Release removes channelID's binding. Callers invoke this once the
// request that consumed the binding completes, per spec §3 ("removed
// on request completion") — this table has no timer-based expiry, in
// contrast to the sub-listener registry.
func (t *Table) Release(channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, channelID)
}
