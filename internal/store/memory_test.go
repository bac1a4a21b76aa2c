package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cyclepool/ledger-engine/internal/model"
)

func TestMemoryTxRollback(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(ctx context.Context, r Repos) error {
		if err := r.CreateCycle(ctx, &model.Cycle{ID: "c1", Status: model.CyclePlanned}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}

	s.View(ctx, func(ctx context.Context, r Repos) error {
		if _, err := r.GetCycle(ctx, "c1"); !errors.Is(err, model.ErrNotFound) {
			t.Errorf("rolled back cycle visible: %v", err)
		}
		if err := r.CreateCycle(ctx, &model.Cycle{ID: "c2"}); !errors.Is(err, errReadOnly) {
			t.Errorf("write in view: %v", err)
		}
		return nil
	})
}

func TestMemoryListCyclesOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	s.InTx(ctx, func(ctx context.Context, r Repos) error {
		r.CreateCycle(ctx, &model.Cycle{ID: "b", Status: model.CyclePlanned, StartedAt: t0, CreatedAt: t0})
		r.CreateCycle(ctx, &model.Cycle{ID: "a", Status: model.CyclePlanned, StartedAt: t0, CreatedAt: t0})
		r.CreateCycle(ctx, &model.Cycle{ID: "c", Status: model.CycleOpen, StartedAt: t0.Add(-time.Hour), CreatedAt: t0})
		return nil
	})

	var all, planned []model.Cycle
	s.View(ctx, func(ctx context.Context, r Repos) error {
		all, _ = r.ListCycles(ctx, CycleFilter{})
		planned, _ = r.ListCycles(ctx, CycleFilter{Status: []model.CycleStatus{model.CyclePlanned}})
		return nil
	})
	if len(all) != 3 || all[0].ID != "c" || all[1].ID != "a" || all[2].ID != "b" {
		t.Errorf("order = %v", ids(all))
	}
	if len(planned) != 2 {
		t.Errorf("planned = %v", ids(planned))
	}
}

func TestMemoryLineUniqueness(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	err := s.InTx(ctx, func(ctx context.Context, r Repos) error {
		if err := r.CreateCycle(ctx, &model.Cycle{ID: "c1"}); err != nil {
			return err
		}
		if err := r.CreateLine(ctx, &model.CycleLine{ID: "l1", CycleID: "c1", TypeID: 34, DestinationStationID: 1}); err != nil {
			return err
		}
		// Rolled-over inventory may share the key with a planned line.
		return r.CreateLine(ctx, &model.CycleLine{ID: "l2", CycleID: "c1", TypeID: 34, DestinationStationID: 1, IsRollover: true})
	})
	if err != nil {
		t.Fatal(err)
	}

	err = s.InTx(ctx, func(ctx context.Context, r Repos) error {
		return r.CreateLine(ctx, &model.CycleLine{ID: "l3", CycleID: "c1", TypeID: 34, DestinationStationID: 1})
	})
	if !errors.Is(err, model.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestMemoryEntryDedupe(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var first, second bool
	s.InTx(ctx, func(ctx context.Context, r Repos) error {
		first, _ = r.AppendEntry(ctx, &model.LedgerEntry{ID: "e1", CycleID: "c1", DedupeKey: "k"})
		second, _ = r.AppendEntry(ctx, &model.LedgerEntry{ID: "e2", CycleID: "c1", DedupeKey: "k"})
		return nil
	})
	if !first || second {
		t.Fatalf("first = %v, second = %v", first, second)
	}

	var entries []model.LedgerEntry
	s.View(ctx, func(ctx context.Context, r Repos) error {
		entries, _ = r.ListEntries(ctx, EntryFilter{CycleID: "c1"})
		return nil
	})
	if len(entries) != 1 || entries[0].ID != "e1" {
		t.Errorf("entries = %+v", entries)
	}
}

func ids(cs []model.Cycle) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}
