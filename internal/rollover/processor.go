// Package rollover carries a closing cycle's unsold inventory and reinvested
// capital into its successor.
//
// Rolled lines start fully listed, since their stock stays on the market
// across the close. Rolled participations keep the source participation's
// character name; the payout recipient is never used for attribution.
package rollover

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cyclepool/ledger-engine/internal/ledger"
	"github.com/cyclepool/ledger-engine/internal/memo"
	"github.com/cyclepool/ledger-engine/internal/model"
	"github.com/cyclepool/ledger-engine/internal/store"
)

// RefPrefix prefixes the synthetic BUY allocation of a rolled line.
const RefPrefix = "rollover:"

// wacScale is the precision kept for the synthetic allocation's unit price.
const wacScale = 6

// Result lists the rows created in the successor cycle.
type Result struct {
	Lines          []model.CycleLine     `json:"lines"`
	Participations []model.Participation `json:"participations"`
}

// Processor creates successor rows inside the close transaction.
type Processor struct {
	rec *ledger.Recorder
	now func() time.Time
}

// NewProcessor creates a rollover processor.
func NewProcessor(rec *ledger.Recorder) *Processor {
	return &Processor{rec: rec, now: time.Now}
}

// WithClock overrides the processor's clock.
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// Pending reports whether closing cycleID has anything to carry forward:
// unsold inventory or opted-in capital that is not cashed out.
func Pending(ctx context.Context, r store.Repos, cycleID string) (bool, error) {
	lines, err := r.ListLines(ctx, store.LineFilter{CycleID: cycleID})
	if err != nil {
		return false, err
	}
	for i := range lines {
		if lines[i].RemainingUnits() > 0 {
			return true, nil
		}
	}
	parts, err := r.ListParticipations(ctx, store.ParticipationFilter{
		CycleID: cycleID,
		Status:  []model.ParticipationStatus{model.OptedIn},
	})
	if err != nil {
		return false, err
	}
	for _, pt := range parts {
		if pt.Reinvest != model.CashOut {
			return true, nil
		}
	}
	return false, nil
}

// RollLine builds the successor of src in cycle successorID. The cost basis
// moves with the units at the source's weighted-average cost.
func RollLine(src *model.CycleLine, successorID string, now time.Time) (*model.CycleLine, error) {
	remaining := src.RemainingUnits()
	if remaining <= 0 {
		return nil, &model.InvariantError{Invariant: "rollover needs unsold units",
			Detail: fmt.Sprintf("line %s bought %d sold %d", src.ID, src.UnitsBought, src.UnitsSold)}
	}
	cost := model.RoundISK(src.BuyCostISK.Mul(decimal.NewFromInt(remaining)).Div(decimal.NewFromInt(src.UnitsBought)))
	l := &model.CycleLine{
		ID:                   uuid.NewString(),
		CycleID:              successorID,
		TypeID:               src.TypeID,
		TypeName:             src.TypeName,
		DestinationStationID: src.DestinationStationID,
		StationName:          src.StationName,
		PlannedUnits:         remaining,
		UnitsBought:          remaining,
		ListedUnits:          remaining,
		BuyCostISK:           cost,
		SalesGrossISK:        decimal.Zero,
		SalesTaxISK:          decimal.Zero,
		SalesNetISK:          decimal.Zero,
		BrokerFeesISK:        decimal.Zero,
		RelistFeesISK:        decimal.Zero,
		IsRollover:           true,
		RolloverFromLineID:   src.ID,
		CreatedAt:            now,
	}
	if l.ListedUnits != l.UnitsBought {
		return nil, &model.InvariantError{Invariant: "rollover line listed_units == units_bought",
			Detail: fmt.Sprintf("line %s listed %d bought %d", l.ID, l.ListedUnits, l.UnitsBought)}
	}
	return l, l.Validate()
}

// RollParticipation builds the successor of src in cycle successorID, or nil
// when src cashes out.
func RollParticipation(src *model.Participation, successorID string, now time.Time) (*model.Participation, error) {
	if src.Reinvest == model.CashOut || src.Reinvest == "" {
		return nil, nil
	}
	amount := src.ReinvestedISK()
	if !amount.IsPositive() {
		return nil, &model.InvariantError{Invariant: "rollover amount > 0",
			Detail: fmt.Sprintf("participation %s reinvests %s", src.ID, amount)}
	}
	validated := now
	p := &model.Participation{
		ID:                          uuid.NewString(),
		CycleID:                     successorID,
		UserID:                      src.UserID,
		CharacterName:               src.CharacterName,
		CharacterID:                 src.CharacterID,
		AmountISK:                   amount,
		ProfitSharePct:              src.ProfitSharePct,
		Status:                      model.OptedIn,
		Memo:                        memo.ForRollover(successorID, src.ID),
		Reinvest:                    src.Reinvest,
		PayoutRecipient:             src.PayoutRecipient,
		ValidatedAt:                 &validated,
		RolloverFromParticipationID: src.ID,
		CreatedAt:                   now,
	}
	if err := CheckIdentity(p, src); err != nil {
		return nil, err
	}
	return p, nil
}

// CheckIdentity enforces that a rollover participation is attributed to the
// same character as its source.
func CheckIdentity(p, src *model.Participation) error {
	if p.RolloverFromParticipationID == "" || !memo.IsRollover(p.Memo) {
		return nil
	}
	if p.RolloverFromParticipationID != src.ID || p.CharacterName != src.CharacterName {
		return &model.InvariantError{Invariant: "rollover character_name equals source",
			Detail: fmt.Sprintf("participation %s has %q, source %s has %q",
				p.ID, p.CharacterName, src.ID, src.CharacterName)}
	}
	return nil
}

// Roll creates the successor lines and participations for source in
// successor. payouts maps participation ids to their computed payout and is
// used for REINVEST_ALL amounts. Must run inside the close transaction.
func (p *Processor) Roll(ctx context.Context, r store.Repos, source, successor *model.Cycle, payouts map[string]decimal.Decimal) (*Result, error) {
	if successor.Status == model.CycleClosed {
		return nil, model.CycleConflict(successor, "receive rollover", model.CyclePlanned, model.CycleOpen)
	}
	now := p.now().UTC()
	res := &Result{}

	lines, err := r.ListLines(ctx, store.LineFilter{CycleID: source.ID})
	if err != nil {
		return nil, err
	}
	for i := range lines {
		src := &lines[i]
		if src.RemainingUnits() <= 0 {
			continue
		}
		l, err := RollLine(src, successor.ID, now)
		if err != nil {
			return nil, err
		}
		if err := r.CreateLine(ctx, l); err != nil {
			return nil, err
		}
		ref := RefPrefix + src.ID
		if err := r.InsertAllocation(ctx, &model.Allocation{
			ID:            uuid.NewString(),
			Side:          model.SideBuy,
			LineID:        l.ID,
			ExternalRefID: ref,
			Quantity:      l.UnitsBought,
			UnitPriceISK:  src.WACUnitCost().Round(wacScale),
			OccurredAt:    now,
			CreatedAt:     now,
		}); err != nil {
			return nil, err
		}
		if _, err := p.rec.Record(ctx, r, &model.LedgerEntry{
			CycleID:    successor.ID,
			EntryType:  model.EntryRollover,
			AmountISK:  l.BuyCostISK,
			Quantity:   l.UnitsBought,
			OccurredAt: now,
			Memo:       fmt.Sprintf("rolled from cycle %s", source.Name),
			LineID:     l.ID,
			TypeID:     l.TypeID,
			StationID:  l.DestinationStationID,
			Source:     model.SourceSystem,
			SourceRef:  ref,
		}); err != nil {
			return nil, err
		}
		res.Lines = append(res.Lines, *l)
	}

	parts, err := r.ListParticipations(ctx, store.ParticipationFilter{
		CycleID: source.ID,
		Status:  []model.ParticipationStatus{model.OptedIn},
	})
	if err != nil {
		return nil, err
	}
	for i := range parts {
		src := &parts[i]
		if amt, ok := payouts[src.ID]; ok {
			v := amt
			src.PayoutAmountISK = &v
		}
		np, err := RollParticipation(src, successor.ID, now)
		if err != nil {
			return nil, err
		}
		if np == nil {
			continue
		}
		if err := r.CreateParticipation(ctx, np); err != nil {
			return nil, err
		}
		if _, err := p.rec.Record(ctx, r, &model.LedgerEntry{
			CycleID:         successor.ID,
			EntryType:       model.EntryRollover,
			AmountISK:       np.AmountISK,
			OccurredAt:      now,
			Memo:            np.Memo,
			ParticipationID: np.ID,
			CharacterName:   np.CharacterName,
			Source:          model.SourceSystem,
			SourceRef:       RefPrefix + src.ID,
		}); err != nil {
			return nil, err
		}
		res.Participations = append(res.Participations, *np)
	}

	slog.Info("rollover created",
		"source", source.ID, "successor", successor.ID,
		"lines", len(res.Lines), "participations", len(res.Participations))
	return res, nil
}
