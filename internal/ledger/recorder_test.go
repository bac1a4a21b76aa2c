package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cyclepool/ledger-engine/internal/model"
	"github.com/cyclepool/ledger-engine/internal/store"
)

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func TestRecordDeduplicates(t *testing.T) {
	st := store.NewMemoryStore()
	rec := NewRecorder().WithClock(func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) })
	ctx := context.Background()

	entry := func() *model.LedgerEntry {
		return &model.LedgerEntry{
			CycleID:   "c1",
			EntryType: model.EntryBuy,
			AmountISK: d("2000.004"),
			LineID:    "l1",
			Source:    model.SourceMarket,
			SourceRef: "tx-1",
		}
	}

	for i, want := range []bool{true, false} {
		err := st.InTx(ctx, func(ctx context.Context, r store.Repos) error {
			written, err := rec.Record(ctx, r, entry())
			if err != nil {
				return err
			}
			if written != want {
				t.Errorf("attempt %d: written = %v, want %v", i, written, want)
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	entries, err := List(ctx, st, store.EntryFilter{CycleID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if !e.AmountISK.Equal(d("2000.00")) {
		t.Errorf("amount = %s, want 2000.00", e.AmountISK)
	}
	if e.MatchStatus != model.Matched {
		t.Errorf("match status = %s", e.MatchStatus)
	}
	if e.DedupeKey != "MARKET_TRANSACTION|tx-1|BUY|MATCHED|l1|" {
		t.Errorf("dedupe key = %q", e.DedupeKey)
	}
}

func TestRecordDistinctStatusesAreSeparateEntries(t *testing.T) {
	st := store.NewMemoryStore()
	rec := NewRecorder()
	ctx := context.Background()

	err := st.InTx(ctx, func(ctx context.Context, r store.Repos) error {
		for _, status := range []model.MatchStatus{model.Rejected, model.Matched} {
			if _, err := rec.Record(ctx, r, &model.LedgerEntry{
				EntryType:       model.EntryManualMatch,
				Source:          model.SourceOperator,
				SourceRef:       "j-9",
				ParticipationID: "p1",
				MatchStatus:     status,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	entries, _ := List(ctx, st, store.EntryFilter{ParticipationID: "p1"})
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}

func TestRecordRequiresTypeAndSource(t *testing.T) {
	st := store.NewMemoryStore()
	err := st.InTx(context.Background(), func(ctx context.Context, r store.Repos) error {
		_, err := NewRecorder().Record(ctx, r, &model.LedgerEntry{EntryType: model.EntryBuy})
		return err
	})
	if !errors.Is(err, model.ErrInvariant) {
		t.Fatalf("expected ErrInvariant, got %v", err)
	}
}
