// Package model defines the core domain types shared across the ledger engine.
// All monetary values are shopspring/decimal amounts rounded to ISK cents, never float64.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// CycleStatus is the lifecycle state of a cycle. Transitions only move forward:
// PLANNED → OPEN → CLOSED.
type CycleStatus string

const (
	CyclePlanned CycleStatus = "PLANNED"
	CycleOpen    CycleStatus = "OPEN"
	CycleClosed  CycleStatus = "CLOSED"
)

// Side is the direction of a market fill.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// Cycle is one pooled-capital trading period.
type Cycle struct {
	ID                  string          `json:"id" db:"id"`
	Name                string          `json:"name" db:"name"`
	Status              CycleStatus     `json:"status" db:"status"`
	StartedAt           time.Time       `json:"started_at" db:"started_at"`
	ClosedAt            *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
	InitialInjectionISK decimal.Decimal `json:"initial_injection_isk" db:"initial_injection_isk"`
	InitialCapitalISK   decimal.Decimal `json:"initial_capital_isk" db:"initial_capital_isk"`
	// RefundedISK is capital returned to investors while the cycle was open.
	RefundedISK decimal.Decimal `json:"refunded_isk" db:"refunded_isk"`
	CreatedAt           time.Time       `json:"created_at" db:"created_at"`
}

// PlanCommit groups the lines created by one committed trade plan.
type PlanCommit struct {
	ID        string    `json:"id" db:"id"`
	CycleID   string    `json:"cycle_id" db:"cycle_id"`
	Memo      string    `json:"memo" db:"memo"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// CycleLine is a planned buy-then-sell position for one item type at one
// destination station within a cycle.
type CycleLine struct {
	ID                   string          `json:"id" db:"id"`
	CycleID              string          `json:"cycle_id" db:"cycle_id"`
	CommitID             string          `json:"commit_id,omitempty" db:"commit_id"`
	TypeID               int64           `json:"type_id" db:"type_id"`
	TypeName             string          `json:"type_name,omitempty" db:"type_name"`
	DestinationStationID int64           `json:"destination_station_id" db:"destination_station_id"`
	StationName          string          `json:"station_name,omitempty" db:"station_name"`
	PlannedUnits         int64           `json:"planned_units" db:"planned_units"`
	UnitsBought          int64           `json:"units_bought" db:"units_bought"`
	UnitsSold            int64           `json:"units_sold" db:"units_sold"`
	ListedUnits          int64           `json:"listed_units" db:"listed_units"`
	BuyCostISK           decimal.Decimal `json:"buy_cost_isk" db:"buy_cost_isk"`
	SalesGrossISK        decimal.Decimal `json:"sales_gross_isk" db:"sales_gross_isk"`
	SalesTaxISK          decimal.Decimal `json:"sales_tax_isk" db:"sales_tax_isk"`
	SalesNetISK          decimal.Decimal `json:"sales_net_isk" db:"sales_net_isk"`
	BrokerFeesISK        decimal.Decimal `json:"broker_fees_isk" db:"broker_fees_isk"`
	RelistFeesISK        decimal.Decimal `json:"relist_fees_isk" db:"relist_fees_isk"`
	IsRollover           bool            `json:"is_rollover" db:"is_rollover"`
	RolloverFromLineID   string          `json:"rollover_from_line_id,omitempty" db:"rollover_from_line_id"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
}

// WACUnitCost is the weighted average cost per unit over everything bought.
// Zero when nothing has been bought.
func (l *CycleLine) WACUnitCost() decimal.Decimal {
	if l.UnitsBought == 0 {
		return decimal.Zero
	}
	return l.BuyCostISK.Div(decimal.NewFromInt(l.UnitsBought))
}

// RemainingUnits is inventory bought but not yet sold.
func (l *CycleLine) RemainingUnits() int64 { return l.UnitsBought - l.UnitsSold }

// CostOfSold is the WAC cost basis of the units sold so far.
func (l *CycleLine) CostOfSold() decimal.Decimal {
	if l.UnitsBought == 0 {
		return decimal.Zero
	}
	return RoundISK(l.BuyCostISK.Mul(decimal.NewFromInt(l.UnitsSold)).Div(decimal.NewFromInt(l.UnitsBought)))
}

// InventoryCost is the WAC cost basis of the unsold units.
func (l *CycleLine) InventoryCost() decimal.Decimal {
	return l.BuyCostISK.Sub(l.CostOfSold())
}

// RealizedProfit is net sales minus the cost of what was sold and the
// line's own fees.
func (l *CycleLine) RealizedProfit() decimal.Decimal {
	return l.SalesNetISK.Sub(l.CostOfSold()).Sub(l.BrokerFeesISK).Sub(l.RelistFeesISK)
}

// ClampListed enforces ListedUnits ≤ UnitsBought.
func (l *CycleLine) ClampListed() {
	if l.ListedUnits > l.UnitsBought {
		l.ListedUnits = l.UnitsBought
	}
}

// Validate checks the unit invariants of a line.
func (l *CycleLine) Validate() error {
	switch {
	case l.PlannedUnits < 0:
		return &InvariantError{Invariant: "planned_units >= 0", Detail: fmt.Sprintf("line %s planned %d", l.ID, l.PlannedUnits)}
	case l.UnitsBought < 0:
		return &InvariantError{Invariant: "units_bought >= 0", Detail: fmt.Sprintf("line %s bought %d", l.ID, l.UnitsBought)}
	case l.ListedUnits < 0 || l.ListedUnits > l.UnitsBought:
		return &InvariantError{Invariant: "0 <= listed_units <= units_bought",
			Detail: fmt.Sprintf("line %s listed %d bought %d", l.ID, l.ListedUnits, l.UnitsBought)}
	case l.UnitsSold < 0 || l.UnitsSold > l.UnitsBought:
		return &InvariantError{Invariant: "units_sold <= units_bought",
			Detail: fmt.Sprintf("line %s sold %d bought %d", l.ID, l.UnitsSold, l.UnitsBought)}
	}
	return nil
}

// Allocation is one matched portion of an external fill applied to a line.
type Allocation struct {
	ID            string          `json:"id" db:"id"`
	Side          Side            `json:"side" db:"side"`
	LineID        string          `json:"line_id" db:"line_id"`
	ExternalRefID string          `json:"external_ref_id" db:"external_ref_id"`
	Quantity      int64           `json:"quantity" db:"quantity"`
	UnitPriceISK  decimal.Decimal `json:"unit_price_isk" db:"unit_price_isk"`
	OccurredAt    time.Time       `json:"occurred_at" db:"occurred_at"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// FeeKind distinguishes broker fees paid when listing from relist fees paid
// when modifying an order.
type FeeKind string

const (
	FeeBroker FeeKind = "BROKER"
	FeeRelist FeeKind = "RELIST"
)

// LineFee is a broker or relist fee charged against a line.
type LineFee struct {
	ID         string          `json:"id" db:"id"`
	LineID     string          `json:"line_id" db:"line_id"`
	Kind       FeeKind         `json:"kind" db:"kind"`
	RefID      string          `json:"ref_id" db:"ref_id"`
	AmountISK  decimal.Decimal `json:"amount_isk" db:"amount_isk"`
	OccurredAt time.Time       `json:"occurred_at" db:"occurred_at"`
}

// TransportFee is a hauling cost charged to a whole cycle.
type TransportFee struct {
	ID        string          `json:"id" db:"id"`
	CycleID   string          `json:"cycle_id" db:"cycle_id"`
	AmountISK decimal.Decimal `json:"amount_isk" db:"amount_isk"`
	Memo      string          `json:"memo,omitempty" db:"memo"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// CycleSnapshot is a point-in-time view of a cycle's capital.
type CycleSnapshot struct {
	ID           string          `json:"id" db:"id"`
	CycleID      string          `json:"cycle_id" db:"cycle_id"`
	CashISK      decimal.Decimal `json:"cash_isk" db:"cash_isk"`
	InventoryISK decimal.Decimal `json:"inventory_isk" db:"inventory_isk"`
	TakenAt      time.Time       `json:"taken_at" db:"taken_at"`
}
