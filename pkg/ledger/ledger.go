// Package ledger persists the dual append-only streams kept per run: the
// event stream (what happened) and the audit stream (who did what, with
// payload hashes). The ledger is the source of truth for behavior; integrity
// views re-derive run health from it rather than trusting run state.
package ledger

import (
	"context"
	"errors"

	"github.com/flockmesh/flockmesh/pkg/contracts"
)

// Pagination bounds for ledger reads.
const (
	MinLimit = 1
	MaxLimit = 500
)

// ErrInvalidPage marks a read with an out-of-range limit or offset.
var ErrInvalidPage = errors.New("ledger: limit must be in [1,500] and offset must be >= 0")

// EventPage is one window of a run's event stream.
type EventPage struct {
	Items  []contracts.EventRecord `json:"items"`
	Total  int                     `json:"total"`
	Limit  int                     `json:"limit"`
	Offset int                     `json:"offset"`
}

// AuditPage is one window of a run's audit stream.
type AuditPage struct {
	Items  []contracts.AuditRecord `json:"items"`
	Total  int                     `json:"total"`
	Limit  int                     `json:"limit"`
	Offset int                     `json:"offset"`
}

// Ledger appends and reads the per-run streams. Appends must be durable
// before they return: callers respond to clients only after the entry is on
// disk. Within a run, insertion order equals observation order.
type Ledger interface {
	AppendEvent(ctx context.Context, event *contracts.EventRecord) error
	AppendAudit(ctx context.Context, audit *contracts.AuditRecord) error
	ReadEvents(ctx context.Context, runID string, limit, offset int) (EventPage, error)
	ReadAudit(ctx context.Context, runID string, limit, offset int) (AuditPage, error)
}

func validPage(limit, offset int) bool {
	return limit >= MinLimit && limit <= MaxLimit && offset >= 0
}
