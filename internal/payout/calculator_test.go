package payout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cyclepool/ledger-engine/internal/ledger"
	"github.com/cyclepool/ledger-engine/internal/model"
	"github.com/cyclepool/ledger-engine/internal/store"
)

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

var t0 = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func opted(id, amount, pct string, created int) model.Participation {
	return model.Participation{
		ID:             id,
		CharacterName:  id,
		AmountISK:      d(amount),
		ProfitSharePct: d(pct),
		Status:         model.OptedIn,
		Reinvest:       model.CashOut,
		CreatedAt:      t0.Add(time.Duration(created) * time.Minute),
	}
}

func sum(s *Suggestion) decimal.Decimal {
	total := decimal.Zero
	for _, p := range s.Payouts {
		total = total.Add(p.PayoutISK)
	}
	return total
}

func TestComputeResidualGoesToLargest(t *testing.T) {
	parts := []model.Participation{
		opted("a", "100", "1", 0),
		opted("b", "100", "1", 1),
		opted("c", "100", "1", 2),
	}
	s := Compute("c1", d("100.00"), parts, nil)

	if !s.PoolISK.Equal(d("100.00")) {
		t.Fatalf("pool = %s", s.PoolISK)
	}
	if !sum(s).Equal(s.PoolISK) {
		t.Fatalf("payouts sum to %s, pool %s", sum(s), s.PoolISK)
	}
	// Equal amounts: the earliest created takes the residual cent.
	if !s.Payouts[0].PayoutISK.Equal(d("33.34")) || !s.Payouts[1].PayoutISK.Equal(d("33.33")) {
		t.Errorf("payouts = %s, %s, %s", s.Payouts[0].PayoutISK, s.Payouts[1].PayoutISK, s.Payouts[2].PayoutISK)
	}
}

func TestComputeProportionalWithShares(t *testing.T) {
	parts := []model.Participation{
		opted("small", "1000000", "0.5", 0),
		opted("large", "3000000", "0.5", 1),
		{ID: "pending", AmountISK: d("9000000"), ProfitSharePct: d("0.5"), Status: model.AwaitingInvestment},
	}
	s := Compute("c1", d("1000.01"), parts, nil)

	if len(s.Payouts) != 2 {
		t.Fatalf("only opted-in participations are paid, got %d", len(s.Payouts))
	}
	if !s.TotalCapitalISK.Equal(d("4000000")) {
		t.Errorf("total capital = %s", s.TotalCapitalISK)
	}
	// 1000.01 * 0.5 = 500.005 -> pool 500.01; 125.00125 + 375.00375 -> 125.00 + 375.00 + residual.
	if !s.PoolISK.Equal(d("500.01")) {
		t.Errorf("pool = %s, want 500.01", s.PoolISK)
	}
	if !s.Payouts[1].PayoutISK.Equal(d("375.01")) {
		t.Errorf("large payout = %s, want 375.01", s.Payouts[1].PayoutISK)
	}
	if !sum(s).Equal(s.PoolISK) {
		t.Errorf("sum %s != pool %s", sum(s), s.PoolISK)
	}

	override := d("1")
	s = Compute("c1", d("1000.00"), parts, &override)
	if !s.Payouts[0].PayoutISK.Equal(d("250.00")) || !s.Payouts[1].PayoutISK.Equal(d("750.00")) {
		t.Errorf("override payouts = %s, %s", s.Payouts[0].PayoutISK, s.Payouts[1].PayoutISK)
	}
}

func TestComputeLossPaysNothing(t *testing.T) {
	parts := []model.Participation{opted("a", "100", "0.5", 0)}
	for _, profit := range []string{"0", "-500.00"} {
		s := Compute("c1", d(profit), parts, nil)
		if !s.PoolISK.IsZero() || !s.Payouts[0].PayoutISK.IsZero() {
			t.Errorf("profit %s: pool=%s payout=%s", profit, s.PoolISK, s.Payouts[0].PayoutISK)
		}
	}
}

func TestCycleProfit(t *testing.T) {
	lines := []model.CycleLine{{
		UnitsBought: 1000, UnitsSold: 1000, BuyCostISK: d("5600.00"),
		SalesNetISK: d("6440.00"), BrokerFeesISK: d("40.00"),
	}, {
		UnitsBought: 10, UnitsSold: 5, BuyCostISK: d("100.00"),
		SalesNetISK: d("80.00"), RelistFeesISK: d("2.00"),
	}}
	fees := []model.TransportFee{{AmountISK: d("100.00")}}
	// (6440 - 5600 - 40) + (80 - 50 - 2) - 100
	if got := CycleProfit(lines, fees); !got.Equal(d("728.00")) {
		t.Fatalf("profit = %s, want 728.00", got)
	}
}

func TestFinalizeAndMarkSent(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	const cycleID = "aaaaaaaa-0000-0000-0000-000000000001"
	err := st.InTx(ctx, func(ctx context.Context, r store.Repos) error {
		if err := r.CreateCycle(ctx, &model.Cycle{ID: cycleID, Status: model.CycleOpen, StartedAt: t0, CreatedAt: t0}); err != nil {
			return err
		}
		if err := r.CreateLine(ctx, &model.CycleLine{ID: "l1", CycleID: cycleID, TypeID: 1, DestinationStationID: 1,
			PlannedUnits: 10, UnitsBought: 10, UnitsSold: 10, BuyCostISK: d("100.00"), SalesNetISK: d("300.00")}); err != nil {
			return err
		}
		for _, p := range []model.Participation{opted("p1", "1000", "0.5", 0), opted("p2", "3000", "0.5", 1)} {
			p.CycleID = cycleID
			if err := r.CreateParticipation(ctx, &p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	calc := NewCalculator(st, ledger.NewRecorder()).WithClock(func() time.Time { return t0 })

	s, err := calc.Suggest(ctx, cycleID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !s.ProfitISK.Equal(d("200.00")) || !s.PoolISK.Equal(d("100.00")) {
		t.Fatalf("suggestion profit=%s pool=%s", s.ProfitISK, s.PoolISK)
	}

	if _, err := calc.Finalize(ctx, cycleID, nil); !errors.Is(err, model.ErrStateConflict) {
		t.Fatalf("finalize on OPEN cycle: expected ErrStateConflict, got %v", err)
	}

	st.InTx(ctx, func(ctx context.Context, r store.Repos) error {
		c, _ := r.GetCycle(ctx, cycleID)
		c.Status = model.CycleClosed
		return r.UpdateCycle(ctx, c)
	})

	if _, err := calc.MarkPayoutSent(ctx, "p1"); !errors.Is(err, model.ErrInvariant) {
		t.Fatalf("mark sent before finalize: expected ErrInvariant, got %v", err)
	}

	parts, err := calc.Finalize(ctx, cycleID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 2 || !parts[0].PayoutAmountISK.Equal(d("25.00")) || !parts[1].PayoutAmountISK.Equal(d("75.00")) {
		t.Fatalf("finalized = %+v", parts)
	}

	parts, err = calc.Finalize(ctx, cycleID, map[string]decimal.Decimal{"p1": d("30.00")})
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 1 || !parts[0].PayoutAmountISK.Equal(d("30.00")) {
		t.Fatalf("approved override = %+v", parts)
	}

	p, err := calc.MarkPayoutSent(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != model.Completed || p.PayoutPaidAt == nil {
		t.Fatalf("participation = %+v", p)
	}
	if _, err := calc.MarkPayoutSent(ctx, "p1"); !errors.Is(err, model.ErrStateConflict) {
		t.Fatalf("second mark sent: expected ErrStateConflict, got %v", err)
	}

	entries, _ := ledger.List(ctx, st, store.EntryFilter{EntryType: model.EntryPayout})
	if len(entries) != 1 || !entries[0].AmountISK.Equal(d("1030.00")) {
		t.Fatalf("payout entries = %+v", entries)
	}

	// Paid participations keep their share of the capital base and are left
	// untouched by a later finalize.
	s, err = calc.Suggest(ctx, cycleID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !s.TotalCapitalISK.Equal(d("4000")) || !sum(s).Equal(d("100.00")) {
		t.Fatalf("suggestion after payout: capital=%s sum=%s", s.TotalCapitalISK, sum(s))
	}
	parts, err = calc.Finalize(ctx, cycleID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 1 || parts[0].ID != "p2" || !parts[0].PayoutAmountISK.Equal(d("75.00")) {
		t.Fatalf("refinalized after payout = %+v", parts)
	}
	if _, err := calc.Finalize(ctx, cycleID, map[string]decimal.Decimal{"p1": d("50.00")}); !errors.Is(err, model.ErrStateConflict) {
		t.Fatalf("finalize paid participation: expected ErrStateConflict, got %v", err)
	}
}
