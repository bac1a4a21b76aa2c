// Package reconcile drains the event inbox into cycle state.
//
// A sweep walks the active cycles, feeds their pending fills and fee rows to
// the allocation engine and their pending transfers to the participation
// matcher. Every step is idempotent, so a sweep can be re-run at any time.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/cyclepool/ledger-engine/internal/allocation"
	"github.com/cyclepool/ledger-engine/internal/metrics"
	"github.com/cyclepool/ledger-engine/internal/model"
	"github.com/cyclepool/ledger-engine/internal/participation"
	"github.com/cyclepool/ledger-engine/internal/store"
)

// DefaultBatchSize bounds the events read per cycle and kind in one sweep.
const DefaultBatchSize = 5000

// Summary counts what one sweep did.
type Summary struct {
	CyclesProcessed    int `json:"cycles_processed"`
	BuysAllocated      int `json:"buys_allocated"`
	SellsAllocated     int `json:"sells_allocated"`
	UnmatchedBuys      int `json:"unmatched_buys"`
	UnmatchedSells     int `json:"unmatched_sells"`
	PartialFills       int `json:"partial_fills"`
	Duplicates         int `json:"duplicates"`
	Malformed          int `json:"malformed"`
	Rejected           int `json:"rejected"`
	FeesApplied        int `json:"fees_applied"`
	UnmatchedFees      int `json:"unmatched_fees"`
	DonationsMatched   int `json:"donations_matched"`
	DonationsUnmatched int `json:"donations_unmatched"`
	DonationsAmbiguous int `json:"donations_ambiguous"`
}

func (s *Summary) addFills(b allocation.BatchResult) {
	s.BuysAllocated += b.Buys
	s.SellsAllocated += b.Sells
	s.UnmatchedBuys += b.UnmatchedBuys
	s.UnmatchedSells += b.UnmatchedSells
	s.PartialFills += b.PartialFills
	s.Duplicates += b.Duplicates
	s.Malformed += b.Malformed
	s.Rejected += b.Rejected
}

func (s *Summary) addFees(f allocation.FeeResult) {
	s.FeesApplied += f.Applied
	s.UnmatchedFees += f.Unmatched
	s.Duplicates += f.Duplicates
	s.Malformed += f.Malformed
}

func (s *Summary) addCash(b participation.BatchResult) {
	s.DonationsMatched += b.Matched
	s.DonationsUnmatched += b.Unmatched
	s.DonationsAmbiguous += b.Ambiguous
	s.Duplicates += b.Duplicates
	s.Malformed += b.Malformed
}

// Sweeper runs reconciliation sweeps.
type Sweeper struct {
	store   store.Store
	engine  *allocation.Engine
	matcher *participation.Matcher
	batch   int
}

// NewSweeper creates a sweeper. A non-positive batch uses DefaultBatchSize.
func NewSweeper(st store.Store, engine *allocation.Engine, matcher *participation.Matcher, batch int) *Sweeper {
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	return &Sweeper{store: st, engine: engine, matcher: matcher, batch: batch}
}

// Reconcile sweeps one cycle, or every planned and open cycle when cycleID is
// empty. A cycle that changes state mid-sweep is skipped; its events stay in
// the inbox.
func (s *Sweeper) Reconcile(ctx context.Context, cycleID string) (*Summary, error) {
	start := time.Now()
	defer func() { metrics.ReconcileLatency.Observe(time.Since(start).Seconds()) }()

	cycles, err := s.targets(ctx, cycleID)
	if err != nil {
		return nil, err
	}

	sum := &Summary{}
	for i := range cycles {
		c := &cycles[i]
		if err := s.sweepCycle(ctx, c, sum); err != nil {
			if allocation.IsBatchFatal(err) {
				return nil, err
			}
			slog.Warn("cycle skipped by reconcile", "cycle", c.ID, "err", err)
			continue
		}
		sum.CyclesProcessed++
	}

	slog.Info("reconcile complete",
		"cycles", sum.CyclesProcessed,
		"buys", sum.BuysAllocated,
		"sells", sum.SellsAllocated,
		"unmatched_buys", sum.UnmatchedBuys,
		"unmatched_sells", sum.UnmatchedSells,
		"fees", sum.FeesApplied,
		"donations", sum.DonationsMatched,
		"ambiguous", sum.DonationsAmbiguous,
		"elapsed", time.Since(start),
	)
	return sum, nil
}

func (s *Sweeper) targets(ctx context.Context, cycleID string) ([]model.Cycle, error) {
	var cycles []model.Cycle
	err := s.store.View(ctx, func(ctx context.Context, r store.Repos) error {
		if cycleID != "" {
			c, err := r.GetCycle(ctx, cycleID)
			if err != nil {
				return err
			}
			cycles = []model.Cycle{*c}
			return nil
		}
		var err error
		cycles, err = r.ListCycles(ctx, store.CycleFilter{
			Status: []model.CycleStatus{model.CyclePlanned, model.CycleOpen},
		})
		return err
	})
	return cycles, err
}

func (s *Sweeper) sweepCycle(ctx context.Context, c *model.Cycle, sum *Summary) error {
	if c.Status == model.CycleClosed {
		return model.CycleConflict(c, "reconcile", model.CyclePlanned, model.CycleOpen)
	}

	// Investors send capital between planning and opening, so transfers are
	// read from cycle creation on.
	cashFilter := store.EventFilter{Since: c.CreatedAt, Pending: true}
	err := sweepPages(ctx, s, cashFilter, store.Repos.ListCashEvents,
		func(e model.CashEvent) store.Cursor { return store.Cursor{OccurredAt: e.OccurredAt, Key: e.RefID} },
		func(page []model.CashEvent) error {
			res, err := s.matcher.MatchBatch(ctx, c.ID, page)
			if err != nil {
				return err
			}
			sum.addCash(res)
			return nil
		})
	if err != nil || c.Status != model.CycleOpen {
		return err
	}

	marketFilter := store.EventFilter{Since: c.StartedAt, Pending: true}
	err = sweepPages(ctx, s, marketFilter, store.Repos.ListFillEvents, store.FillCursor,
		func(page []model.FillEvent) error {
			res, err := s.engine.ApplyFills(ctx, c.ID, page)
			if err != nil {
				return err
			}
			sum.addFills(res)
			return nil
		})
	if err != nil {
		return err
	}
	return sweepPages(ctx, s, marketFilter, store.Repos.ListFeeEvents,
		func(e model.FeeEvent) store.Cursor { return store.Cursor{OccurredAt: e.OccurredAt, Key: e.RefID} },
		func(page []model.FeeEvent) error {
			res, err := s.engine.ApplyFees(ctx, c.ID, page)
			if err != nil {
				return err
			}
			sum.addFees(res)
			return nil
		})
}

// sweepPages walks the pending inbox in pages of s.batch events, resuming
// each read past the last event seen. Events left unapplied (unmatched or
// ambiguous) stay behind the cursor, so they cannot hold back newer ones.
func sweepPages[T any](ctx context.Context, s *Sweeper, f store.EventFilter,
	list func(store.Repos, context.Context, store.EventFilter) ([]T, error),
	cursor func(T) store.Cursor, apply func([]T) error) error {
	f.Limit = s.batch
	for {
		var page []T
		err := s.store.View(ctx, func(ctx context.Context, r store.Repos) error {
			var err error
			page, err = list(r, ctx, f)
			return err
		})
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		if err := apply(page); err != nil {
			return err
		}
		if s.batch <= 0 || len(page) < s.batch {
			return nil
		}
		next := cursor(page[len(page)-1])
		f.After = &next
	}
}
