// Package consultation defines the persisted consultation work queue: subject
// rows submitted for the partner margin-consultation workflow, their status
// state machine and the storage contract with exclusive claim semantics.
package consultation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Status is the persisted processing state of a queue row. The values are
// kept in Portuguese for compatibility with the legacy schema shared with
// other consumers of the store.
type Status string

const (
	StatusPending    Status = "Pendente"
	StatusProcessing Status = "Processando"
	StatusConcluded  Status = "Concluido"
	StatusError      Status = "Erro"
	StatusLimit      Status = "Limite"
)

// IsTerminal reports whether s is an absorbing state: no transition leaves it.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusConcluded, StatusError, StatusLimit:
		return true
	}
	return false
}

// SubjectRow is a raw ingestion row before normalization.
type SubjectRow struct {
	CPF   string
	Name  string
	Phone string
}

// QueueItem is one consultation queue row.
type QueueItem struct {
	ID         uint
	CPF        int64
	Name       string
	Phone      int64
	Owner      string // partner login the row belongs to
	BatchLabel string // batch file label, or "Individual"
	Status     Status
	Message    *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CPFString renders the numeric CPF zero-padded to its canonical 11 digits.
func (q *QueueItem) CPFString() string {
	return fmt.Sprintf("%011d", q.CPF)
}

// Facet is one computed result row for a subject. A single consultation can
// expand into several facets, one per available credit offer; the first facet
// overwrites the originating queue row and the rest insert as sibling rows.
// Nil fields preserve whatever the row already holds.
type Facet struct {
	CPF               *int64
	Name              *string
	Phone             *int64
	Enrollment        *string // employment registration (matricula)
	EmployerTaxID     *string
	Eligible          *string
	AvailableMargin   *string
	BaseMargin        *string
	TotalDue          *string
	AdmissionDate     *time.Time
	BirthDate         *time.Time
	MotherName        *string
	Sex               *string
	OfferName         *string
	TermMonths        *int64
	InterestRate      *string
	ReleasedAmount    *string
	InstallmentAmount *string
	InsuranceRate     *string
	InsuranceAmount   *string
	// Payload carries the raw workflow outcome for audit.
	Payload json.RawMessage
}

// Valid reports whether the facet identifies a subject. Facets without a CPF
// are skipped rather than persisted.
func (f *Facet) Valid() bool {
	return f.CPF != nil
}

// EnqueueResult reports a bulk pending insert.
type EnqueueResult struct {
	Inserted int
	Skipped  int // rows dropped for lacking an identifier
}

// CompleteOptions parameterizes the completion upsert of a claimed row.
type CompleteOptions struct {
	Status  Status
	Message *string
}

// CompleteResult reports the row-level effect of a completion upsert.
type CompleteResult struct {
	Updated  int
	Inserted int
	Skipped  int
}

// Repository is the storage contract for the consultation queue.
//
// Claim is the mutual-exclusion primitive for the whole scheduler: it is the
// only place two pollers can race, and it must be race-free under concurrent
// callers against the same row and against disjoint rows.
type Repository interface {
	// EnqueuePending bulk-inserts sanitized rows in StatusPending. Rows whose
	// identifier reduces to no digits are dropped and counted as skipped.
	EnqueuePending(ctx context.Context, rows []SubjectRow, owner, batchLabel string, createdAt time.Time) (EnqueueResult, error)

	// ListPending returns up to limit pending rows using a non-blocking read;
	// rows locked by a concurrent claimer are skipped, not waited on. Ordering
	// interleaves owners fairly: per-owner arrival rank first, then id.
	ListPending(ctx context.Context, limit int) ([]QueueItem, error)

	// Claim atomically transitions exactly one row from StatusPending to
	// StatusProcessing. A raced-away or missing row yields (nil, nil).
	Claim(ctx context.Context, id uint) (*QueueItem, error)

	// MarkStatus writes a status unconditionally. A nil message preserves any
	// previously recorded message. Returns the number of affected rows.
	MarkStatus(ctx context.Context, id uint, status Status, message *string) (int64, error)

	// CompleteClaimed finishes a previously claimed row in one transaction:
	// the first valid facet merges into the row in place together with the
	// terminal status, additional facets insert as sibling rows sharing the
	// owner/batch/creation identity, and zero valid facets degrade to a plain
	// terminal mark with the supplied message.
	CompleteClaimed(ctx context.Context, item *QueueItem, facets []Facet, opts CompleteOptions) (CompleteResult, error)

	// InsertResults persists facets of a consultation that never went through
	// the queue (synchronous individual flow).
	InsertResults(ctx context.Context, facets []Facet, owner, batchLabel string, createdAt time.Time, status Status, message *string) (CompleteResult, error)

	// LookupConsultedToday returns which of the given subjects already have a
	// row for this owner today. Advisory only; a race here causes at most a
	// harmless duplicate.
	LookupConsultedToday(ctx context.Context, owner string, cpfs []int64) (map[int64]struct{}, error)
}
