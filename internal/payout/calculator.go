// Package payout computes each investor's share of a cycle's profit and
// tracks the payout through finalization and transfer.
package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cyclepool/ledger-engine/internal/ledger"
	"github.com/cyclepool/ledger-engine/internal/model"
	"github.com/cyclepool/ledger-engine/internal/store"
)

// Payout is the suggested profit share of one participation.
type Payout struct {
	ParticipationID string             `json:"participation_id"`
	CharacterName   string             `json:"character_name"`
	AmountISK       decimal.Decimal    `json:"amount_isk"`
	ProfitSharePct  decimal.Decimal    `json:"profit_share_pct"`
	Reinvest        model.ReinvestMode `json:"reinvest"`
	PayoutISK       decimal.Decimal    `json:"payout_isk"`
}

// Suggestion is the payout proposal for a cycle. Nothing is persisted.
type Suggestion struct {
	CycleID         string          `json:"cycle_id"`
	ProfitISK       decimal.Decimal `json:"profit_isk"`
	TotalCapitalISK decimal.Decimal `json:"total_capital_isk"`
	PoolISK         decimal.Decimal `json:"pool_isk"`
	Payouts         []Payout        `json:"payouts"`
}

// CycleProfit is realized line profit net of transport costs.
func CycleProfit(lines []model.CycleLine, fees []model.TransportFee) decimal.Decimal {
	profit := decimal.Zero
	for i := range lines {
		profit = profit.Add(lines[i].RealizedProfit())
	}
	for _, f := range fees {
		profit = profit.Sub(f.AmountISK)
	}
	return model.RoundISK(profit)
}

// Compute splits profit across the opted-in participations in proportion to
// their capital. Participations already paid out still count toward the
// capital base, so the split stays stable after MarkPayoutSent. pct overrides each participation's own profit share when
// non-nil. Payouts are rounded to cents and the rounding residual is given to
// the largest participation (earliest created on ties) so they sum exactly to
// the pool. A non-positive profit pays nothing.
func Compute(cycleID string, profit decimal.Decimal, parts []model.Participation, pct *decimal.Decimal) *Suggestion {
	s := &Suggestion{CycleID: cycleID, ProfitISK: profit, TotalCapitalISK: decimal.Zero, PoolISK: decimal.Zero}

	var opted []model.Participation
	for _, p := range parts {
		if p.Status == model.OptedIn || p.Status == model.Completed {
			opted = append(opted, p)
			s.TotalCapitalISK = s.TotalCapitalISK.Add(p.AmountISK)
		}
	}
	if len(opted) == 0 {
		return s
	}

	raw := make([]decimal.Decimal, len(opted))
	rawPool := decimal.Zero
	if profit.IsPositive() && s.TotalCapitalISK.IsPositive() {
		for i, p := range opted {
			share := p.ProfitSharePct
			if pct != nil {
				share = *pct
			}
			raw[i] = profit.Mul(p.AmountISK).Mul(share).Div(s.TotalCapitalISK)
			rawPool = rawPool.Add(raw[i])
		}
	}
	s.PoolISK = model.RoundISK(rawPool)

	sum := decimal.Zero
	largest := 0
	for i, p := range opted {
		share := p.ProfitSharePct
		if pct != nil {
			share = *pct
		}
		amt := model.RoundISK(raw[i])
		sum = sum.Add(amt)
		s.Payouts = append(s.Payouts, Payout{
			ParticipationID: p.ID,
			CharacterName:   p.CharacterName,
			AmountISK:       p.AmountISK,
			ProfitSharePct:  share,
			Reinvest:        p.Reinvest,
			PayoutISK:       amt,
		})
		if p.AmountISK.GreaterThan(opted[largest].AmountISK) {
			largest = i
		}
	}
	if residual := s.PoolISK.Sub(sum); !residual.IsZero() {
		s.Payouts[largest].PayoutISK = s.Payouts[largest].PayoutISK.Add(residual)
	}
	return s
}

// Calculator reads cycle state to suggest and persist payouts.
type Calculator struct {
	store store.Store
	rec   *ledger.Recorder
	now   func() time.Time
}

// NewCalculator creates a payout calculator.
func NewCalculator(st store.Store, rec *ledger.Recorder) *Calculator {
	return &Calculator{store: st, rec: rec, now: time.Now}
}

// WithClock overrides the calculator's clock.
func (c *Calculator) WithClock(now func() time.Time) *Calculator {
	c.now = now
	return c
}

// Suggest computes payouts for cycleID without persisting them.
func (c *Calculator) Suggest(ctx context.Context, cycleID string, pct *decimal.Decimal) (*Suggestion, error) {
	if pct != nil && (pct.IsNegative() || pct.GreaterThan(decimal.NewFromInt(1))) {
		return nil, &model.InvariantError{Invariant: "0 <= profit_share_pct <= 1", Detail: pct.String()}
	}
	var s *Suggestion
	err := c.store.View(ctx, func(ctx context.Context, r store.Repos) error {
		if _, err := r.GetCycle(ctx, cycleID); err != nil {
			return err
		}
		var err error
		s, err = SuggestIn(ctx, r, cycleID, pct)
		return err
	})
	return s, err
}

// SuggestIn computes payouts inside an existing unit of work.
func SuggestIn(ctx context.Context, r store.Repos, cycleID string, pct *decimal.Decimal) (*Suggestion, error) {
	lines, err := r.ListLines(ctx, store.LineFilter{CycleID: cycleID})
	if err != nil {
		return nil, err
	}
	fees, err := r.ListTransportFees(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	parts, err := r.ListParticipations(ctx, store.ParticipationFilter{
		CycleID: cycleID,
		Status:  []model.ParticipationStatus{model.OptedIn, model.Completed},
	})
	if err != nil {
		return nil, err
	}
	return Compute(cycleID, CycleProfit(lines, fees), parts, pct), nil
}

// Finalize persists payouts for a closed cycle. An empty approved map
// finalizes the current suggestion for participations not yet paid out;
// otherwise only the listed participations change. Reinvesting successors whose cycle has not opened yet are resized
// to principal plus the final payout.
func (c *Calculator) Finalize(ctx context.Context, cycleID string, approved map[string]decimal.Decimal) ([]model.Participation, error) {
	var out []model.Participation
	err := c.store.InTx(ctx, func(ctx context.Context, r store.Repos) error {
		out = nil
		cycle, err := r.LockCycle(ctx, cycleID)
		if err != nil {
			return err
		}
		if cycle.Status != model.CycleClosed {
			return model.CycleConflict(cycle, "finalize payouts", model.CycleClosed)
		}

		derived := len(approved) == 0
		if derived {
			s, err := SuggestIn(ctx, r, cycleID, nil)
			if err != nil {
				return err
			}
			approved = make(map[string]decimal.Decimal, len(s.Payouts))
			for _, p := range s.Payouts {
				approved[p.ParticipationID] = p.PayoutISK
			}
		}

		for _, id := range slices.Sorted(maps.Keys(approved)) {
			amount := approved[id]
			p, err := r.GetParticipation(ctx, id)
			if err != nil {
				return err
			}
			if p.CycleID != cycleID {
				return fmt.Errorf("%w: participation %s in cycle %s", model.ErrNotFound, id, cycleID)
			}
			if derived && p.Status == model.Completed {
				continue
			}
			if p.Status != model.OptedIn {
				return model.ParticipationConflict(p, "finalize payout", model.OptedIn)
			}
			if amount.IsNegative() {
				return &model.InvariantError{Invariant: "payout >= 0",
					Detail: fmt.Sprintf("participation %s: %s", id, amount)}
			}
			v := model.RoundISK(amount)
			p.PayoutAmountISK = &v
			if err := r.UpdateParticipation(ctx, p); err != nil {
				return err
			}
			if err := resizeSuccessor(ctx, r, p); err != nil {
				return err
			}
			out = append(out, *p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("payouts finalized", "cycle", cycleID, "participations", len(out))
	return out, nil
}

func resizeSuccessor(ctx context.Context, r store.Repos, p *model.Participation) error {
	if p.Reinvest != model.ReinvestAll {
		return nil
	}
	succ, err := r.FindRolloverOf(ctx, p.ID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		return err
	}
	next, err := r.GetCycle(ctx, succ.CycleID)
	if err != nil {
		return err
	}
	if next.Status != model.CyclePlanned {
		slog.Warn("successor cycle already opened, rollover amount kept",
			"participation", p.ID, "successor", succ.ID, "cycle", next.ID)
		return nil
	}
	succ.AmountISK = p.ReinvestedISK()
	return r.UpdateParticipation(ctx, succ)
}

// MarkPayoutSent records that the operator transferred the payout.
func (c *Calculator) MarkPayoutSent(ctx context.Context, participationID string) (*model.Participation, error) {
	var out *model.Participation
	err := c.store.InTx(ctx, func(ctx context.Context, r store.Repos) error {
		p, err := r.GetParticipation(ctx, participationID)
		if err != nil {
			return err
		}
		cycle, err := r.LockCycle(ctx, p.CycleID)
		if err != nil {
			return err
		}
		if p, err = r.GetParticipation(ctx, participationID); err != nil {
			return err
		}
		if cycle.Status != model.CycleClosed {
			return model.CycleConflict(cycle, "mark payout sent", model.CycleClosed)
		}
		if p.Status != model.OptedIn {
			return model.ParticipationConflict(p, "mark payout sent", model.OptedIn)
		}
		if p.PayoutAmountISK == nil {
			return &model.InvariantError{Invariant: "payout computed before transfer",
				Detail: "participation " + p.ID + " has no payout amount"}
		}

		now := c.now().UTC()
		p.PayoutPaidAt = &now
		p.Status = model.Completed
		if err := r.UpdateParticipation(ctx, p); err != nil {
			return err
		}
		recipient := p.PayoutRecipient
		if recipient == "" {
			recipient = p.CharacterName
		}
		if _, err := c.rec.Record(ctx, r, &model.LedgerEntry{
			CycleID:         p.CycleID,
			EntryType:       model.EntryPayout,
			AmountISK:       p.CashOutISK(),
			OccurredAt:      now,
			Memo:            fmt.Sprintf("payout to %s", recipient),
			ParticipationID: p.ID,
			CharacterName:   p.CharacterName,
			Source:          model.SourceOperator,
			SourceRef:       "payout:" + p.ID,
			MatchStatus:     model.Matched,
		}); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("payout sent", "participation", out.ID, "amount", model.FormatISK(out.CashOutISK()))
	return out, nil
}
