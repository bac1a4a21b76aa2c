package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cyclepool/ledger-engine/internal/allocation"
	"github.com/cyclepool/ledger-engine/internal/ledger"
	"github.com/cyclepool/ledger-engine/internal/memo"
	"github.com/cyclepool/ledger-engine/internal/model"
	"github.com/cyclepool/ledger-engine/internal/participation"
	"github.com/cyclepool/ledger-engine/internal/store"
)

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

var t0 = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

const (
	openID    = "aaaaaaaa-0000-0000-0000-000000000001"
	plannedID = "bbbbbbbb-0000-0000-0000-000000000002"
	aliceID   = "cccccccc-0000-0000-0000-000000000003"
)

func seed(t *testing.T) (*store.MemoryStore, *Sweeper) {
	t.Helper()
	st := store.NewMemoryStore()
	err := st.InTx(context.Background(), func(ctx context.Context, r store.Repos) error {
		if err := r.CreateCycle(ctx, &model.Cycle{ID: openID, Name: "june", Status: model.CycleOpen,
			StartedAt: t0, CreatedAt: t0.Add(-72 * time.Hour)}); err != nil {
			return err
		}
		if err := r.CreateCycle(ctx, &model.Cycle{ID: plannedID, Name: "july", Status: model.CyclePlanned,
			StartedAt: t0.AddDate(0, 1, 0), CreatedAt: t0}); err != nil {
			return err
		}
		if err := r.CreateLine(ctx, &model.CycleLine{ID: "line-1", CycleID: openID, TypeID: 34,
			DestinationStationID: 60003760, PlannedUnits: 100, CreatedAt: t0}); err != nil {
			return err
		}
		if err := r.CreateParticipation(ctx, &model.Participation{ID: aliceID, CycleID: plannedID,
			CharacterName: "Alice", AmountISK: d("1000000"), ProfitSharePct: d("0.5"),
			Status: model.AwaitingInvestment, Memo: memo.ForCycle(plannedID, aliceID),
			Reinvest: model.CashOut, CreatedAt: t0}); err != nil {
			return err
		}

		fills := []model.FillEvent{
			{ExternalRefID: "tx-1", Side: model.SideBuy, TypeID: 34, StationID: 60003760, Quantity: 100, UnitPriceISK: d("5"), OccurredAt: t0.Add(time.Hour)},
			{ExternalRefID: "tx-2", Side: model.SideSell, TypeID: 34, StationID: 60003760, Quantity: 40, UnitPriceISK: d("8"), OccurredAt: t0.Add(2 * time.Hour)},
			{ExternalRefID: "tx-3", Side: model.SideBuy, TypeID: 99, StationID: 60003760, Quantity: 1, UnitPriceISK: d("1"), OccurredAt: t0.Add(3 * time.Hour)},
			// before the cycle started
			{ExternalRefID: "tx-0", Side: model.SideBuy, TypeID: 34, StationID: 60003760, Quantity: 5, UnitPriceISK: d("5"), OccurredAt: t0.Add(-time.Hour)},
		}
		for i := range fills {
			if _, err := r.InsertFillEvent(ctx, &fills[i]); err != nil {
				return err
			}
		}
		if _, err := r.InsertFeeEvent(ctx, &model.FeeEvent{RefID: "fee-1", Kind: model.FeeBroker, TypeID: 34,
			StationID: 60003760, AmountISK: d("12.50"), OccurredAt: t0.Add(2 * time.Hour)}); err != nil {
			return err
		}
		_, err := r.InsertCashEvent(ctx, &model.CashEvent{RefID: "j-1", AmountISK: d("1000000"), CharacterName: "alice",
			Reason: memo.ForCycle(plannedID, aliceID), IsWalletJournal: true, OccurredAt: t0.Add(time.Hour)})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := ledger.NewRecorder()
	clock := func() time.Time { return t0 }
	engine := allocation.NewEngine(st, rec, allocation.DefaultRates()).WithClock(clock)
	matcher := participation.NewMatcher(st, rec).WithClock(clock)
	return st, NewSweeper(st, engine, matcher, 0)
}

func TestReconcileSweep(t *testing.T) {
	st, sw := seed(t)
	ctx := context.Background()

	sum, err := sw.Reconcile(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if sum.CyclesProcessed != 2 {
		t.Errorf("cycles processed = %d, want 2", sum.CyclesProcessed)
	}
	if sum.BuysAllocated != 1 || sum.SellsAllocated != 1 || sum.UnmatchedBuys != 1 {
		t.Errorf("fills: %+v", sum)
	}
	if sum.FeesApplied != 1 {
		t.Errorf("fees applied = %d", sum.FeesApplied)
	}
	// The transfer is tried against both cycles; only the planned one binds it.
	if sum.DonationsMatched != 1 {
		t.Errorf("donations matched = %d", sum.DonationsMatched)
	}

	var line *model.CycleLine
	st.View(ctx, func(ctx context.Context, r store.Repos) error {
		line, _ = r.GetLine(ctx, "line-1")
		return nil
	})
	if line.UnitsBought != 100 || line.UnitsSold != 40 || !line.BrokerFeesISK.Equal(d("12.50")) {
		t.Fatalf("line after sweep = %+v", line)
	}
	before, _ := ledger.List(ctx, st, store.EntryFilter{})

	again, err := sw.Reconcile(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if again.BuysAllocated != 0 || again.SellsAllocated != 0 || again.FeesApplied != 0 || again.DonationsMatched != 0 {
		t.Fatalf("second sweep changed state: %+v", again)
	}
	after, _ := ledger.List(ctx, st, store.EntryFilter{})
	if len(after) != len(before) {
		t.Fatalf("ledger grew from %d to %d entries on re-run", len(before), len(after))
	}
	st.View(ctx, func(ctx context.Context, r store.Repos) error {
		line, _ = r.GetLine(ctx, "line-1")
		return nil
	})
	if line.UnitsBought != 100 || line.UnitsSold != 40 {
		t.Fatalf("line changed on re-run: %+v", line)
	}
}

func TestReconcileSingleCycle(t *testing.T) {
	_, sw := seed(t)
	ctx := context.Background()

	sum, err := sw.Reconcile(ctx, plannedID)
	if err != nil {
		t.Fatal(err)
	}
	if sum.CyclesProcessed != 1 || sum.BuysAllocated != 0 || sum.DonationsMatched != 1 {
		t.Fatalf("planned cycle sweep = %+v", sum)
	}

	if _, err := sw.Reconcile(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReconcilePagesPastUnmatchedFills(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	err := st.InTx(ctx, func(ctx context.Context, r store.Repos) error {
		if err := r.CreateCycle(ctx, &model.Cycle{ID: openID, Name: "june", Status: model.CycleOpen,
			StartedAt: t0, CreatedAt: t0}); err != nil {
			return err
		}
		if err := r.CreateLine(ctx, &model.CycleLine{ID: "line-1", CycleID: openID, TypeID: 34,
			DestinationStationID: 60003760, PlannedUnits: 100, CreatedAt: t0}); err != nil {
			return err
		}
		// Two unplanned fills fill the first page ahead of the planned ones.
		fills := []model.FillEvent{
			{ExternalRefID: "tx-1", Side: model.SideBuy, TypeID: 99, StationID: 60003760, Quantity: 1, UnitPriceISK: d("1"), OccurredAt: t0.Add(time.Hour)},
			{ExternalRefID: "tx-2", Side: model.SideBuy, TypeID: 99, StationID: 60003760, Quantity: 1, UnitPriceISK: d("1"), OccurredAt: t0.Add(2 * time.Hour)},
			{ExternalRefID: "tx-3", Side: model.SideBuy, TypeID: 34, StationID: 60003760, Quantity: 30, UnitPriceISK: d("5"), OccurredAt: t0.Add(3 * time.Hour)},
			{ExternalRefID: "tx-4", Side: model.SideBuy, TypeID: 34, StationID: 60003760, Quantity: 20, UnitPriceISK: d("5"), OccurredAt: t0.Add(4 * time.Hour)},
			{ExternalRefID: "tx-5", Side: model.SideBuy, TypeID: 99, StationID: 60003760, Quantity: 1, UnitPriceISK: d("1"), OccurredAt: t0.Add(5 * time.Hour)},
		}
		for i := range fills {
			if _, err := r.InsertFillEvent(ctx, &fills[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := ledger.NewRecorder()
	clock := func() time.Time { return t0 }
	sw := NewSweeper(st,
		allocation.NewEngine(st, rec, allocation.DefaultRates()).WithClock(clock),
		participation.NewMatcher(st, rec).WithClock(clock), 2)

	sum, err := sw.Reconcile(ctx, openID)
	if err != nil {
		t.Fatal(err)
	}
	if sum.BuysAllocated != 2 || sum.UnmatchedBuys != 3 {
		t.Fatalf("sweep = %+v, want 2 buys and 3 unmatched", sum)
	}

	var line *model.CycleLine
	st.View(ctx, func(ctx context.Context, r store.Repos) error {
		line, _ = r.GetLine(ctx, "line-1")
		return nil
	})
	if line.UnitsBought != 50 {
		t.Fatalf("units bought = %d, want 50", line.UnitsBought)
	}

	again, err := sw.Reconcile(ctx, openID)
	if err != nil {
		t.Fatal(err)
	}
	if again.BuysAllocated != 0 || again.UnmatchedBuys != 3 {
		t.Fatalf("re-run = %+v", again)
	}
}
