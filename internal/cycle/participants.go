package cycle

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cyclepool/ledger-engine/internal/memo"
	"github.com/cyclepool/ledger-engine/internal/model"
	"github.com/cyclepool/ledger-engine/internal/store"
)

// OptInRequest registers an investor's intent to contribute. The
// participation waits in AWAITING_INVESTMENT until a matching transfer
// arrives.
type OptInRequest struct {
	UserID          string             `json:"user_id,omitempty"`
	CharacterName   string             `json:"character_name"`
	CharacterID     *int64             `json:"character_id,omitempty"`
	AmountISK       decimal.Decimal    `json:"amount_isk"`
	ProfitSharePct  *decimal.Decimal   `json:"profit_share_pct,omitempty"`
	Reinvest        model.ReinvestMode `json:"reinvest,omitempty"`
	PayoutRecipient string             `json:"payout_recipient,omitempty"`
}

func (m *Manager) validateOptIn(req *OptInRequest) error {
	switch {
	case req.CharacterName == "":
		return &model.InvariantError{Invariant: "character_name required", Detail: "empty name"}
	case !req.AmountISK.IsPositive():
		return &model.InvariantError{Invariant: "amount_isk > 0", Detail: req.AmountISK.String()}
	case !req.AmountISK.Equal(model.RoundISK(req.AmountISK)):
		return &model.InvariantError{Invariant: "amount_isk in cents", Detail: req.AmountISK.String()}
	}
	if req.ProfitSharePct == nil {
		pct := m.defaultShare
		req.ProfitSharePct = &pct
	}
	if req.ProfitSharePct.IsNegative() || req.ProfitSharePct.GreaterThan(decimal.NewFromInt(1)) {
		return &model.InvariantError{Invariant: "0 <= profit_share_pct <= 1", Detail: req.ProfitSharePct.String()}
	}
	if req.Reinvest == "" {
		req.Reinvest = model.CashOut
	}
	if !req.Reinvest.Valid() {
		return &model.InvariantError{Invariant: "known reinvest mode", Detail: string(req.Reinvest)}
	}
	if req.PayoutRecipient == "" {
		req.PayoutRecipient = req.CharacterName
	}
	return nil
}

// OptIn creates a participation in a planned or open cycle and returns it
// with the memo the investor must put on the transfer.
func (m *Manager) OptIn(ctx context.Context, cycleID string, req OptInRequest) (*model.Participation, error) {
	if err := m.validateOptIn(&req); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	p := &model.Participation{
		ID:              id,
		CycleID:         cycleID,
		UserID:          req.UserID,
		CharacterName:   req.CharacterName,
		CharacterID:     req.CharacterID,
		AmountISK:       req.AmountISK,
		ProfitSharePct:  *req.ProfitSharePct,
		Status:          model.AwaitingInvestment,
		Memo:            memo.ForCycle(cycleID, id),
		Reinvest:        req.Reinvest,
		PayoutRecipient: req.PayoutRecipient,
		CreatedAt:       m.now().UTC(),
	}
	err := m.store.InTx(ctx, func(ctx context.Context, r store.Repos) error {
		if _, err := lockPlannable(ctx, r, cycleID, "opt in"); err != nil {
			return err
		}
		return r.CreateParticipation(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("participation opened", "cycle", cycleID, "participation", p.ID,
		"character", p.CharacterName, "amount", model.FormatISK(p.AmountISK), "memo", p.Memo)
	m.notify.Notify(EventParticipationCreated, p)
	return p, nil
}

// OptOut withdraws a participation whose capital has not arrived.
func (m *Manager) OptOut(ctx context.Context, participationID string) (*model.Participation, error) {
	var out *model.Participation
	err := m.store.InTx(ctx, func(ctx context.Context, r store.Repos) error {
		p, err := r.GetParticipation(ctx, participationID)
		if err != nil {
			return err
		}
		if _, err := r.LockCycle(ctx, p.CycleID); err != nil {
			return err
		}
		if p, err = r.GetParticipation(ctx, participationID); err != nil {
			return err
		}
		if p.Status != model.AwaitingInvestment {
			return model.ParticipationConflict(p, "opt out", model.AwaitingInvestment)
		}
		p.Status = model.OptedOut
		out = p
		return r.UpdateParticipation(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("participation opted out", "participation", out.ID)
	return out, nil
}

// Refund returns a participation's capital before its cycle closes. Received
// capital is recorded as a REFUND ledger entry.
func (m *Manager) Refund(ctx context.Context, participationID string) (*model.Participation, error) {
	var out *model.Participation
	err := m.store.InTx(ctx, func(ctx context.Context, r store.Repos) error {
		p, err := r.GetParticipation(ctx, participationID)
		if err != nil {
			return err
		}
		c, err := lockPlannable(ctx, r, p.CycleID, "refund participation")
		if err != nil {
			return err
		}
		if p, err = r.GetParticipation(ctx, participationID); err != nil {
			return err
		}
		received := p.Status == model.OptedIn
		if !received && p.Status != model.AwaitingInvestment {
			return model.ParticipationConflict(p, "refund", model.AwaitingInvestment, model.OptedIn)
		}
		p.Status = model.Refunded
		if err := r.UpdateParticipation(ctx, p); err != nil {
			return err
		}
		out = p
		if !received {
			return nil
		}
		// An open cycle already counted this capital when it opened.
		if c.Status == model.CycleOpen {
			c.RefundedISK = c.RefundedISK.Add(p.AmountISK)
			if err := r.UpdateCycle(ctx, c); err != nil {
				return err
			}
		}
		_, err = m.rec.Record(ctx, r, &model.LedgerEntry{
			CycleID:         p.CycleID,
			EntryType:       model.EntryRefund,
			AmountISK:       p.AmountISK,
			OccurredAt:      m.now().UTC(),
			Memo:            p.Memo,
			ParticipationID: p.ID,
			CharacterName:   p.CharacterName,
			Source:          model.SourceOperator,
			SourceRef:       "refund:" + p.ID,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	slog.Info("participation refunded", "participation", out.ID, "amount", model.FormatISK(out.AmountISK))
	return out, nil
}

// GetParticipation returns one participation.
func (m *Manager) GetParticipation(ctx context.Context, id string) (*model.Participation, error) {
	var p *model.Participation
	err := m.store.View(ctx, func(ctx context.Context, r store.Repos) error {
		var err error
		p, err = r.GetParticipation(ctx, id)
		return err
	})
	return p, err
}

// ListParticipations returns the participations of a cycle.
func (m *Manager) ListParticipations(ctx context.Context, cycleID string) ([]model.Participation, error) {
	var out []model.Participation
	err := m.store.View(ctx, func(ctx context.Context, r store.Repos) error {
		if _, err := r.GetCycle(ctx, cycleID); err != nil {
			return err
		}
		var err error
		out, err = r.ListParticipations(ctx, store.ParticipationFilter{CycleID: cycleID})
		return err
	})
	return out, err
}
