package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ParticipationStatus tracks an investor's contribution through a cycle.
type ParticipationStatus string

const (
	AwaitingInvestment ParticipationStatus = "AWAITING_INVESTMENT"
	OptedIn            ParticipationStatus = "OPTED_IN"
	OptedOut           ParticipationStatus = "OPTED_OUT"
	Refunded           ParticipationStatus = "REFUNDED"
	Completed          ParticipationStatus = "COMPLETED"
)

// ReinvestMode decides what happens to an investor's capital at close.
type ReinvestMode string

const (
	CashOut           ReinvestMode = "CASH_OUT"
	ReinvestPrincipal ReinvestMode = "REINVEST_PRINCIPAL"
	ReinvestAll       ReinvestMode = "REINVEST_ALL"
)

// Valid reports whether m is a known reinvest mode.
func (m ReinvestMode) Valid() bool {
	return m == CashOut || m == ReinvestPrincipal || m == ReinvestAll
}

// Participation is one investor's capital contribution to a cycle.
type Participation struct {
	ID                          string              `json:"id" db:"id"`
	CycleID                     string              `json:"cycle_id" db:"cycle_id"`
	UserID                      string              `json:"user_id,omitempty" db:"user_id"`
	CharacterName               string              `json:"character_name" db:"character_name"`
	CharacterID                 *int64              `json:"character_id,omitempty" db:"character_id"`
	AmountISK                   decimal.Decimal     `json:"amount_isk" db:"amount_isk"`
	ProfitSharePct              decimal.Decimal     `json:"profit_share_pct" db:"profit_share_pct"`
	Status                      ParticipationStatus `json:"status" db:"status"`
	Memo                        string              `json:"memo" db:"memo"`
	Reinvest                    ReinvestMode        `json:"reinvest" db:"reinvest"`
	PayoutRecipient             string              `json:"payout_recipient,omitempty" db:"payout_recipient"`
	WalletJournalRef            string              `json:"wallet_journal_ref,omitempty" db:"wallet_journal_ref"`
	ValidatedAt                 *time.Time          `json:"validated_at,omitempty" db:"validated_at"`
	RolloverFromParticipationID string              `json:"rollover_from_participation_id,omitempty" db:"rollover_from_participation_id"`
	PayoutAmountISK             *decimal.Decimal    `json:"payout_amount_isk,omitempty" db:"payout_amount_isk"`
	PayoutPaidAt                *time.Time          `json:"payout_paid_at,omitempty" db:"payout_paid_at"`
	CreatedAt                   time.Time           `json:"created_at" db:"created_at"`
}

// CashOutISK is the amount actually transferred back to the investor once a
// payout is known: reinvested capital stays in the pool.
func (p *Participation) CashOutISK() decimal.Decimal {
	payout := decimal.Zero
	if p.PayoutAmountISK != nil {
		payout = *p.PayoutAmountISK
	}
	switch p.Reinvest {
	case ReinvestAll:
		return decimal.Zero
	case ReinvestPrincipal:
		return payout
	default:
		return p.AmountISK.Add(payout)
	}
}

// ReinvestedISK is the capital carried into the successor cycle.
func (p *Participation) ReinvestedISK() decimal.Decimal {
	switch p.Reinvest {
	case ReinvestAll:
		if p.PayoutAmountISK != nil {
			return p.AmountISK.Add(*p.PayoutAmountISK)
		}
		return p.AmountISK
	case ReinvestPrincipal:
		return p.AmountISK
	default:
		return decimal.Zero
	}
}
