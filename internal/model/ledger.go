package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryBuy          EntryType = "BUY"
	EntrySell         EntryType = "SELL"
	EntryDeposit      EntryType = "DEPOSIT"
	EntryBrokerFee    EntryType = "BROKER_FEE"
	EntryRelistFee    EntryType = "RELIST_FEE"
	EntryTransportFee EntryType = "TRANSPORT_FEE"
	EntryRollover     EntryType = "ROLLOVER"
	EntryPayout       EntryType = "PAYOUT"
	EntryRefund       EntryType = "REFUND"
	EntryManualMatch  EntryType = "MANUAL_MATCH"
)

// Source names the feed that produced an entry.
type Source string

const (
	SourceMarket   Source = "MARKET_TRANSACTION"
	SourceJournal  Source = "WALLET_JOURNAL"
	SourceOperator Source = "OPERATOR"
	SourceSystem   Source = "SYSTEM"
)

// MatchStatus records how the underlying event was reconciled.
type MatchStatus string

const (
	Matched   MatchStatus = "MATCHED"
	Unmatched MatchStatus = "UNMATCHED"
	Partial   MatchStatus = "PARTIAL"
	Rejected  MatchStatus = "REJECTED"
)

// LedgerEntry is an immutable record of a financial event.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID              string          `json:"id" db:"id"`
	CycleID         string          `json:"cycle_id,omitempty" db:"cycle_id"`
	EntryType       EntryType       `json:"entry_type" db:"entry_type"`
	AmountISK       decimal.Decimal `json:"amount_isk" db:"amount_isk"`
	Quantity        int64           `json:"quantity,omitempty" db:"quantity"`
	OccurredAt      time.Time       `json:"occurred_at" db:"occurred_at"`
	Memo            string          `json:"memo,omitempty" db:"memo"`
	PlanCommitID    string          `json:"plan_commit_id,omitempty" db:"plan_commit_id"`
	LineID          string          `json:"line_id,omitempty" db:"line_id"`
	ParticipationID string          `json:"participation_id,omitempty" db:"participation_id"`
	CharacterName   string          `json:"character_name,omitempty" db:"character_name"`
	TypeID          int64           `json:"type_id,omitempty" db:"type_id"`
	StationID       int64           `json:"station_id,omitempty" db:"station_id"`
	Source          Source          `json:"source" db:"source"`
	SourceRef       string          `json:"source_ref,omitempty" db:"source_ref"`
	MatchStatus     MatchStatus     `json:"match_status" db:"match_status"`
	DedupeKey       string          `json:"-" db:"dedupe_key"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}
