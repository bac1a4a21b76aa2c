package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// FillEvent is a normalized market transaction delivered by the source
// adapter. Delivery may repeat or arrive out of order.
type FillEvent struct {
	ExternalRefID string          `json:"external_ref_id"`
	Side          Side            `json:"side"`
	TypeID        int64           `json:"type_id"`
	StationID     int64           `json:"station_id"`
	Quantity      int64           `json:"quantity"`
	UnitPriceISK  decimal.Decimal `json:"unit_price_isk"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// Validate rejects events missing identifiers or carrying impossible amounts.
func (e *FillEvent) Validate() error {
	switch {
	case e.ExternalRefID == "":
		return &MalformedEventError{Field: "external_ref_id", Reason: "required"}
	case !e.Side.Valid():
		return &MalformedEventError{Field: "side", Reason: "must be BUY or SELL"}
	case e.TypeID <= 0:
		return &MalformedEventError{Field: "type_id", Reason: "must be positive"}
	case e.StationID <= 0:
		return &MalformedEventError{Field: "station_id", Reason: "must be positive"}
	case e.Quantity <= 0:
		return &MalformedEventError{Field: "quantity", Reason: "must be positive"}
	case e.UnitPriceISK.IsNegative():
		return &MalformedEventError{Field: "unit_price_isk", Reason: "must not be negative"}
	case e.OccurredAt.IsZero():
		return &MalformedEventError{Field: "occurred_at", Reason: "required"}
	}
	return nil
}

// CashEvent is a normalized ISK transfer (wallet journal donation or
// transaction-style record).
type CashEvent struct {
	RefID           string          `json:"ref_id"`
	AmountISK       decimal.Decimal `json:"amount_isk"`
	CharacterID     *int64          `json:"character_id,omitempty"`
	CharacterName   string          `json:"character_name,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	IsWalletJournal bool            `json:"is_wallet_journal"`
	OccurredAt      time.Time       `json:"occurred_at"`
}

// Validate rejects events missing a reference or carrying a non-positive amount.
func (e *CashEvent) Validate() error {
	switch {
	case e.RefID == "":
		return &MalformedEventError{Field: "ref_id", Reason: "required"}
	case !e.AmountISK.IsPositive():
		return &MalformedEventError{Field: "amount_isk", Reason: "must be positive"}
	case !e.AmountISK.Equal(RoundISK(e.AmountISK)):
		return &MalformedEventError{Field: "amount_isk", Reason: "more than 2 decimal places"}
	}
	return nil
}

// FeeEvent is a broker or relist fee journal row for one item at one station.
type FeeEvent struct {
	RefID      string          `json:"ref_id"`
	Kind       FeeKind         `json:"kind"`
	TypeID     int64           `json:"type_id"`
	StationID  int64           `json:"station_id"`
	AmountISK  decimal.Decimal `json:"amount_isk"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Validate rejects fee rows that cannot be attributed to a line.
func (e *FeeEvent) Validate() error {
	switch {
	case e.RefID == "":
		return &MalformedEventError{Field: "ref_id", Reason: "required"}
	case e.Kind != FeeBroker && e.Kind != FeeRelist:
		return &MalformedEventError{Field: "kind", Reason: "must be BROKER or RELIST"}
	case e.TypeID <= 0 || e.StationID <= 0:
		return &MalformedEventError{Field: "type_id/station_id", Reason: "must be positive"}
	case e.AmountISK.IsNegative():
		return &MalformedEventError{Field: "amount_isk", Reason: "must not be negative"}
	}
	return nil
}
