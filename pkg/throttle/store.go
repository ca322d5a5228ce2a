// Package throttle implements the throttle-store writer (component F): the
// three conditional, idempotent row updates that reflect a Decision into the
// mail server's externally-owned throttle table.
package throttle

import "context"

// Record is one row of the externally-owned IP table (§3), limited to the
// fields the core reads and writes.
type Record struct {
	ID            int64
	IP            string
	Priority      int
	OldPriority   *int // nil iff the row is clean (I2)
	BlockingLists string
	LastEvent     *string
}

// Store exposes exactly the three write operations spec.md §4.F names, plus
// the read needed to fetch the working set at the start of a run. Every
// write is a single-row, conditional, read-committed update; a write that
// affects zero rows is reported, never returned as an error — the caller
// decides what that means (already applied, or the id vanished).
type Store interface {
	// FetchIPs returns every row the run should process.
	FetchIPs(ctx context.Context) ([]Record, error)

	// NewListing applies the clean→listed transition: sets priority to
	// listedPriority, captures oldPriority only if it is currently null,
	// and writes the canonical zone list. Refuses to write (reports
	// applied=false) if blockingLists is already canonicalZones.
	NewListing(ctx context.Context, id int64, canonicalZones string, listedPriority int) (applied bool, err error)

	// ZoneChange rewrites blockingLists while the row stays listed. Never
	// touches priority or oldPriority. Refuses to write if blockingLists
	// is already canonicalZones.
	ZoneChange(ctx context.Context, id int64, canonicalZones string) (applied bool, err error)

	// Cleared applies the listed→clean transition: restores priority from
	// oldPriority (or fallbackPriority if oldPriority is null), clears
	// oldPriority and blockingLists. Refuses to write if blockingLists is
	// already empty.
	Cleared(ctx context.Context, id int64, fallbackPriority int) (applied bool, err error)

	// Close releases the underlying connection.
	Close() error
}
