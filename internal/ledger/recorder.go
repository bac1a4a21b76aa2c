// Package ledger writes the immutable trail of financial events. Entries are
// never updated or deleted; a repeated event resolves to the same dedupe key
// and is written at most once.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cyclepool/ledger-engine/internal/model"
	"github.com/cyclepool/ledger-engine/internal/store"
)

// Recorder appends ledger entries inside the caller's unit of work.
type Recorder struct {
	now func() time.Time
}

// NewRecorder creates a Recorder using the wall clock.
func NewRecorder() *Recorder {
	return &Recorder{now: time.Now}
}

// WithClock returns a copy of the recorder stamping entries with now.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	return &Recorder{now: now}
}

// DedupeKey derives the idempotency key of an entry from its source and links.
func DedupeKey(e *model.LedgerEntry) string {
	return strings.Join([]string{
		string(e.Source), e.SourceRef, string(e.EntryType), string(e.MatchStatus), e.LineID, e.ParticipationID,
	}, "|")
}

// AttemptKey keys an entry that logs an attempt rather than an event. Every
// attempt is written, even when its source reference repeats.
func AttemptKey(e *model.LedgerEntry) string {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return DedupeKey(e) + "|" + e.ID
}

// Record fills in identity fields and appends e. It reports whether a new
// row was written; false means an identical event was already recorded.
func (r *Recorder) Record(ctx context.Context, repos store.EntryRepo, e *model.LedgerEntry) (bool, error) {
	if e.EntryType == "" || e.Source == "" {
		return false, &model.InvariantError{Invariant: "ledger entry has type and source",
			Detail: fmt.Sprintf("type=%q source=%q", e.EntryType, e.Source)}
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = e.CreatedAt
	}
	if e.MatchStatus == "" {
		e.MatchStatus = model.Matched
	}
	e.AmountISK = model.RoundISK(e.AmountISK)
	if e.DedupeKey == "" && e.SourceRef != "" {
		e.DedupeKey = DedupeKey(e)
	}

	written, err := repos.AppendEntry(ctx, e)
	if err != nil {
		return false, fmt.Errorf("record %s entry: %w", e.EntryType, err)
	}
	return written, nil
}

// List returns entries matching f.
func List(ctx context.Context, st store.Store, f store.EntryFilter) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	err := st.View(ctx, func(ctx context.Context, r store.Repos) error {
		var err error
		entries, err = r.ListEntries(ctx, f)
		return err
	})
	return entries, err
}
