// Package quota defines the daily consultation quota domain: one counter row
// per partner principal (login/secret pair), consumed atomically and reset at
// date rollover.
package quota

import (
	"context"
	"fmt"
	"time"
)

// Principal identifies a partner credential pair. Quota is tracked per pair:
// the same login under a different secret counts separately, matching the
// partner's own session accounting.
type Principal struct {
	Login  string
	Secret string
}

// Valid reports whether both halves of the principal are present.
func (p Principal) Valid() bool {
	return p.Login != "" && p.Secret != ""
}

// Record is a daily usage counter for one principal.
type Record struct {
	ID        uint
	Principal Principal
	Total     int
	Used      int
	Remaining int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ResetRecord captures the before/after state of one row touched by the
// stale-counter sweep.
type ResetRecord struct {
	ID                uint
	Login             string
	PreviousUsed      int
	Used              int
	Remaining         int
	PreviousUpdatedAt time.Time
	UpdatedAt         time.Time
}

// ResetFilter optionally narrows the sweep to one principal.
type ResetFilter struct {
	Login  string
	Secret string
}

// Ledger is the storage contract for quota accounting.
type Ledger interface {
	// Consume atomically checks and increments today's usage for a principal.
	// The row is created lazily on first consumption. A delta that exceeds the
	// remaining budget fails with *ExceededError and mutates nothing.
	Consume(ctx context.Context, principal Principal, delta int, configuredTotal int) (*Record, error)

	// ResetStale zeroes counters whose last update is strictly before the
	// current business date and whose used count is positive.
	ResetStale(ctx context.Context, filter ResetFilter) ([]ResetRecord, error)
}

// ExceededError is the business-rule rejection for a consumption attempt that
// would overrun the daily ceiling. It carries the counters observed under lock.
type ExceededError struct {
	Total     int `json:"total"`
	Used      int `json:"used"`
	Remaining int `json:"remaining"`
	Requested int `json:"requested"`
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("daily consultation limit exceeded for this login/secret: total=%d used=%d remaining=%d requested=%d",
		e.Total, e.Used, e.Remaining, e.Requested)
}
