// Package store defines the persistence interface for the ledger engine.
// Implementations include PostgreSQL (source of truth) and in-memory (for
// testing and development).
//
// Every multi-row mutation runs inside InTx, so an allocation batch, a
// participation match or a cycle close is either fully applied or not at all.
package store

import (
	"context"
	"time"

	"github.com/cyclepool/ledger-engine/internal/model"
)

// CycleFilter selects cycles. Zero values match everything.
type CycleFilter struct {
	ID     string
	Status []model.CycleStatus
}

// LineFilter selects cycle lines. CycleID is required unless CommitID is set.
type LineFilter struct {
	CycleID   string
	CommitID  string
	TypeID    int64
	StationID int64
}

// AllocationFilter selects allocations of one line, optionally one side.
type AllocationFilter struct {
	LineID string
	Side   model.Side
}

// ParticipationFilter selects participations.
type ParticipationFilter struct {
	CycleID string
	Status  []model.ParticipationStatus
}

// EntryFilter selects ledger entries.
type EntryFilter struct {
	CycleID         string
	PlanCommitID    string
	ParticipationID string
	EntryType       model.EntryType
	Limit           int
}

// EventFilter selects inbox events. Pending restricts to events that have not
// been applied yet (no allocation / bound participation / line fee). Events
// come back ordered by (OccurredAt, key); After resumes strictly past a cursor.
type EventFilter struct {
	Since   time.Time
	Pending bool
	After   *Cursor
	Limit   int
}

// Cursor is a position in the inbox order. Key is the event reference; fills
// use "SIDE:ref" since a reference is only unique per side.
type Cursor struct {
	OccurredAt time.Time
	Key        string
}

// FillCursor returns the inbox position of e.
func FillCursor(e model.FillEvent) Cursor {
	return Cursor{OccurredAt: e.OccurredAt, Key: fillKey(e.Side, e.ExternalRefID)}
}

// passed reports whether an event at (at, key) lies at or before c.
func (c *Cursor) passed(at time.Time, key string) bool {
	if c == nil {
		return false
	}
	if !at.Equal(c.OccurredAt) {
		return at.Before(c.OccurredAt)
	}
	return key <= c.Key
}

// CycleRepo persists cycles and plan commits.
type CycleRepo interface {
	CreateCycle(ctx context.Context, c *model.Cycle) error
	GetCycle(ctx context.Context, id string) (*model.Cycle, error)
	// LockCycle reads a cycle under an exclusive row lock held until the
	// transaction ends. Every writer of the cycle's lines or participations
	// takes it before reading them. Only meaningful inside InTx.
	LockCycle(ctx context.Context, id string) (*model.Cycle, error)
	// ShareLockCycle reads a cycle under a shared row lock: concurrent
	// readers proceed, an exclusive LockCycle waits for them.
	ShareLockCycle(ctx context.Context, id string) (*model.Cycle, error)
	ListCycles(ctx context.Context, f CycleFilter) ([]model.Cycle, error)
	UpdateCycle(ctx context.Context, c *model.Cycle) error

	CreateCommit(ctx context.Context, pc *model.PlanCommit) error
	GetCommit(ctx context.Context, id string) (*model.PlanCommit, error)
}

// LineRepo persists cycle lines, their allocations and line fees.
type LineRepo interface {
	CreateLine(ctx context.Context, l *model.CycleLine) error
	GetLine(ctx context.Context, id string) (*model.CycleLine, error)
	ListLines(ctx context.Context, f LineFilter) ([]model.CycleLine, error)
	UpdateLine(ctx context.Context, l *model.CycleLine) error
	// DeleteLine removes a line after cascading its allocations and fees.
	DeleteLine(ctx context.Context, id string) error

	InsertAllocation(ctx context.Context, a *model.Allocation) error
	HasAllocation(ctx context.Context, side model.Side, externalRefID string) (bool, error)
	ListAllocations(ctx context.Context, f AllocationFilter) ([]model.Allocation, error)

	InsertLineFee(ctx context.Context, f *model.LineFee) error
	HasLineFee(ctx context.Context, refID string) (bool, error)
}

// ParticipationRepo persists investor participations.
type ParticipationRepo interface {
	CreateParticipation(ctx context.Context, p *model.Participation) error
	GetParticipation(ctx context.Context, id string) (*model.Participation, error)
	ListParticipations(ctx context.Context, f ParticipationFilter) ([]model.Participation, error)
	UpdateParticipation(ctx context.Context, p *model.Participation) error
	// FindParticipationByRef returns the participation bound to a cash
	// event reference, or model.ErrNotFound.
	FindParticipationByRef(ctx context.Context, refID string) (*model.Participation, error)
	// FindRolloverOf returns the successor participation created from
	// sourceID, or model.ErrNotFound.
	FindRolloverOf(ctx context.Context, sourceID string) (*model.Participation, error)
}

// CostRepo persists transport fees and snapshots.
type CostRepo interface {
	InsertTransportFee(ctx context.Context, f *model.TransportFee) error
	ListTransportFees(ctx context.Context, cycleID string) ([]model.TransportFee, error)
	InsertSnapshot(ctx context.Context, s *model.CycleSnapshot) error
	ListSnapshots(ctx context.Context, cycleID string) ([]model.CycleSnapshot, error)
}

// EntryRepo is the immutable ledger trail.
type EntryRepo interface {
	// AppendEntry inserts an entry unless one with the same DedupeKey
	// exists. Reports whether a row was written.
	AppendEntry(ctx context.Context, e *model.LedgerEntry) (bool, error)
	ListEntries(ctx context.Context, f EntryFilter) ([]model.LedgerEntry, error)
}

// InboxRepo holds normalized external events delivered by source adapters.
// Inserts are idempotent on the event reference.
type InboxRepo interface {
	InsertFillEvent(ctx context.Context, e *model.FillEvent) (bool, error)
	ListFillEvents(ctx context.Context, f EventFilter) ([]model.FillEvent, error)
	InsertCashEvent(ctx context.Context, e *model.CashEvent) (bool, error)
	GetCashEvent(ctx context.Context, refID string) (*model.CashEvent, error)
	ListCashEvents(ctx context.Context, f EventFilter) ([]model.CashEvent, error)
	InsertFeeEvent(ctx context.Context, e *model.FeeEvent) (bool, error)
	ListFeeEvents(ctx context.Context, f EventFilter) ([]model.FeeEvent, error)
}

// Repos is the full repository surface available inside a unit of work.
type Repos interface {
	CycleRepo
	LineRepo
	ParticipationRepo
	CostRepo
	EntryRepo
	InboxRepo
}

// Store is the persistence interface. PostgreSQL is the source of truth.
type Store interface {
	// InTx runs fn as one atomic unit. If fn returns an error nothing it
	// wrote is visible afterwards.
	InTx(ctx context.Context, fn func(ctx context.Context, r Repos) error) error

	// View runs fn against committed state without a write transaction.
	View(ctx context.Context, fn func(ctx context.Context, r Repos) error) error
}
