package cycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cyclepool/ledger-engine/internal/model"
	"github.com/cyclepool/ledger-engine/internal/store"
)

// LineSpec describes one planned line.
type LineSpec struct {
	TypeID       int64  `json:"type_id"`
	TypeName     string `json:"type_name,omitempty"`
	StationID    int64  `json:"destination_station_id"`
	StationName  string `json:"station_name,omitempty"`
	PlannedUnits int64  `json:"planned_units"`
}

func (s LineSpec) validate() error {
	switch {
	case s.TypeID <= 0:
		return &model.InvariantError{Invariant: "type_id > 0", Detail: fmt.Sprint(s.TypeID)}
	case s.StationID <= 0:
		return &model.InvariantError{Invariant: "destination_station_id > 0", Detail: fmt.Sprint(s.StationID)}
	case s.PlannedUnits <= 0:
		return &model.InvariantError{Invariant: "planned_units > 0", Detail: fmt.Sprint(s.PlannedUnits)}
	}
	return nil
}

// LineProgress is the fill state of one committed line.
type LineProgress struct {
	LineID       string          `json:"line_id"`
	TypeID       int64           `json:"type_id"`
	TypeName     string          `json:"type_name,omitempty"`
	StationID    int64           `json:"destination_station_id"`
	PlannedUnits int64           `json:"planned_units"`
	UnitsBought  int64           `json:"units_bought"`
	UnitsSold    int64           `json:"units_sold"`
	ListedUnits  int64           `json:"listed_units"`
	BuyCostISK   decimal.Decimal `json:"buy_cost_isk"`
	WACUnitISK   decimal.Decimal `json:"wac_unit_isk"`
	SalesNetISK  decimal.Decimal `json:"sales_net_isk"`
	ProfitISK    decimal.Decimal `json:"profit_isk"`
	BuyComplete  bool            `json:"buy_complete"`
}

// CommitStatus reports how far a committed plan has been executed.
type CommitStatus struct {
	Commit       model.PlanCommit `json:"commit"`
	Lines        []LineProgress   `json:"lines"`
	PlannedUnits int64            `json:"planned_units"`
	UnitsBought  int64            `json:"units_bought"`
	UnitsSold    int64            `json:"units_sold"`
	BuyCostISK   decimal.Decimal  `json:"buy_cost_isk"`
	SalesNetISK  decimal.Decimal  `json:"sales_net_isk"`
	ProfitISK    decimal.Decimal  `json:"profit_isk"`
	Entries      int              `json:"entries"`
}

func newLine(cycleID, commitID string, s LineSpec, now time.Time) *model.CycleLine {
	return &model.CycleLine{
		ID:                   uuid.NewString(),
		CycleID:              cycleID,
		CommitID:             commitID,
		TypeID:               s.TypeID,
		TypeName:             s.TypeName,
		DestinationStationID: s.StationID,
		StationName:          s.StationName,
		PlannedUnits:         s.PlannedUnits,
		BuyCostISK:           decimal.Zero,
		SalesGrossISK:        decimal.Zero,
		SalesTaxISK:          decimal.Zero,
		SalesNetISK:          decimal.Zero,
		BrokerFeesISK:        decimal.Zero,
		RelistFeesISK:        decimal.Zero,
		CreatedAt:            now,
	}
}

func lockPlannable(ctx context.Context, r store.Repos, cycleID, op string) (*model.Cycle, error) {
	c, err := r.LockCycle(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	if c.Status == model.CycleClosed {
		return nil, model.CycleConflict(c, op, model.CyclePlanned, model.CycleOpen)
	}
	return c, nil
}

// CreateCycleLine adds one line to a planned or open cycle.
func (m *Manager) CreateCycleLine(ctx context.Context, cycleID string, spec LineSpec) (*model.CycleLine, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	l := newLine(cycleID, "", spec, m.now().UTC())
	err := m.store.InTx(ctx, func(ctx context.Context, r store.Repos) error {
		if _, err := lockPlannable(ctx, r, cycleID, "create line"); err != nil {
			return err
		}
		return r.CreateLine(ctx, l)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("line created", "cycle", cycleID, "line", l.ID, "type", l.TypeID, "station", l.DestinationStationID, "planned", l.PlannedUnits)
	return l, nil
}

// CommitPlan creates all lines of a trade plan under one commit. A line
// clashing with an existing one fails the whole commit with model.ErrDuplicate.
func (m *Manager) CommitPlan(ctx context.Context, cycleID, memo string, specs []LineSpec) (*model.PlanCommit, []model.CycleLine, error) {
	if len(specs) == 0 {
		return nil, nil, &model.InvariantError{Invariant: "plan has lines", Detail: "empty plan"}
	}
	for _, s := range specs {
		if err := s.validate(); err != nil {
			return nil, nil, err
		}
	}
	now := m.now().UTC()
	pc := &model.PlanCommit{ID: uuid.NewString(), CycleID: cycleID, Memo: memo, CreatedAt: now}
	var lines []model.CycleLine
	err := m.store.InTx(ctx, func(ctx context.Context, r store.Repos) error {
		lines = nil
		if _, err := lockPlannable(ctx, r, cycleID, "commit plan"); err != nil {
			return err
		}
		if err := r.CreateCommit(ctx, pc); err != nil {
			return err
		}
		for _, s := range specs {
			l := newLine(cycleID, pc.ID, s, now)
			if err := r.CreateLine(ctx, l); err != nil {
				return err
			}
			lines = append(lines, *l)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	slog.Info("plan committed", "cycle", cycleID, "commit", pc.ID, "lines", len(lines))
	return pc, lines, nil
}

// DeleteLine removes a line and its allocations. Lines of a closed cycle
// are frozen.
func (m *Manager) DeleteLine(ctx context.Context, lineID string) error {
	err := m.store.InTx(ctx, func(ctx context.Context, r store.Repos) error {
		l, err := r.GetLine(ctx, lineID)
		if err != nil {
			return err
		}
		if _, err := lockPlannable(ctx, r, l.CycleID, "delete line"); err != nil {
			return err
		}
		return r.DeleteLine(ctx, lineID)
	})
	if err != nil {
		return err
	}
	slog.Info("line deleted", "line", lineID)
	return nil
}

// ListLines returns the lines of a cycle.
func (m *Manager) ListLines(ctx context.Context, cycleID string) ([]model.CycleLine, error) {
	var out []model.CycleLine
	err := m.store.View(ctx, func(ctx context.Context, r store.Repos) error {
		if _, err := r.GetCycle(ctx, cycleID); err != nil {
			return err
		}
		var err error
		out, err = r.ListLines(ctx, store.LineFilter{CycleID: cycleID})
		return err
	})
	return out, err
}

// GetCommitStatus returns per-line progress and totals of a committed plan.
func (m *Manager) GetCommitStatus(ctx context.Context, commitID string) (*CommitStatus, error) {
	var cs *CommitStatus
	err := m.store.View(ctx, func(ctx context.Context, r store.Repos) error {
		pc, err := r.GetCommit(ctx, commitID)
		if err != nil {
			return err
		}
		lines, err := r.ListLines(ctx, store.LineFilter{CommitID: commitID})
		if err != nil {
			return err
		}
		entries, err := r.ListEntries(ctx, store.EntryFilter{PlanCommitID: commitID})
		if err != nil {
			return err
		}
		cs = &CommitStatus{
			Commit:      *pc,
			Lines:       make([]LineProgress, 0, len(lines)),
			BuyCostISK:  decimal.Zero,
			SalesNetISK: decimal.Zero,
			ProfitISK:   decimal.Zero,
			Entries:     len(entries),
		}
		for i := range lines {
			l := &lines[i]
			lp := LineProgress{
				LineID:       l.ID,
				TypeID:       l.TypeID,
				TypeName:     l.TypeName,
				StationID:    l.DestinationStationID,
				PlannedUnits: l.PlannedUnits,
				UnitsBought:  l.UnitsBought,
				UnitsSold:    l.UnitsSold,
				ListedUnits:  l.ListedUnits,
				BuyCostISK:   l.BuyCostISK,
				WACUnitISK:   model.RoundISK(l.WACUnitCost()),
				SalesNetISK:  l.SalesNetISK,
				ProfitISK:    model.RoundISK(l.RealizedProfit()),
				BuyComplete:  l.UnitsBought >= l.PlannedUnits,
			}
			cs.Lines = append(cs.Lines, lp)
			cs.PlannedUnits += lp.PlannedUnits
			cs.UnitsBought += lp.UnitsBought
			cs.UnitsSold += lp.UnitsSold
			cs.BuyCostISK = cs.BuyCostISK.Add(lp.BuyCostISK)
			cs.SalesNetISK = cs.SalesNetISK.Add(lp.SalesNetISK)
			cs.ProfitISK = cs.ProfitISK.Add(lp.ProfitISK)
		}
		return nil
	})
	return cs, err
}

// AddTransportFee charges a hauling cost to a cycle that has not closed.
func (m *Manager) AddTransportFee(ctx context.Context, cycleID string, amount decimal.Decimal, memo string) (*model.TransportFee, error) {
	if !amount.IsPositive() {
		return nil, &model.InvariantError{Invariant: "transport fee > 0", Detail: amount.String()}
	}
	now := m.now().UTC()
	f := &model.TransportFee{ID: uuid.NewString(), CycleID: cycleID, AmountISK: model.RoundISK(amount), Memo: memo, CreatedAt: now}
	err := m.store.InTx(ctx, func(ctx context.Context, r store.Repos) error {
		if _, err := lockPlannable(ctx, r, cycleID, "add transport fee"); err != nil {
			return err
		}
		if err := r.InsertTransportFee(ctx, f); err != nil {
			return err
		}
		_, err := m.rec.Record(ctx, r, &model.LedgerEntry{
			CycleID:    cycleID,
			EntryType:  model.EntryTransportFee,
			AmountISK:  f.AmountISK,
			OccurredAt: now,
			Memo:       memo,
			Source:     model.SourceOperator,
			SourceRef:  "transport:" + f.ID,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	slog.Info("transport fee added", "cycle", cycleID, "amount", model.FormatISK(f.AmountISK))
	return f, nil
}

// CreateSnapshot records the cycle's current cash and inventory value.
func (m *Manager) CreateSnapshot(ctx context.Context, cycleID string) (*model.CycleSnapshot, error) {
	var s *model.CycleSnapshot
	err := m.store.InTx(ctx, func(ctx context.Context, r store.Repos) error {
		c, err := r.ShareLockCycle(ctx, cycleID)
		if err != nil {
			return err
		}
		s, err = snapshot(ctx, r, c, m.now().UTC())
		return err
	})
	if err != nil {
		return nil, err
	}
	slog.Info("snapshot taken", "cycle", cycleID, "cash", s.CashISK.String(), "inventory", s.InventoryISK.String())
	return s, nil
}

// ListSnapshots returns the snapshots of a cycle, oldest first.
func (m *Manager) ListSnapshots(ctx context.Context, cycleID string) ([]model.CycleSnapshot, error) {
	var out []model.CycleSnapshot
	err := m.store.View(ctx, func(ctx context.Context, r store.Repos) error {
		if _, err := r.GetCycle(ctx, cycleID); err != nil {
			return err
		}
		var err error
		out, err = r.ListSnapshots(ctx, cycleID)
		return err
	})
	return out, err
}

// Valuation computes cash and inventory of a cycle from its current state.
// A cycle that has not opened yet is valued with the capital it would open
// with.
func Valuation(ctx context.Context, r store.Repos, c *model.Cycle) (cash, inventory decimal.Decimal, err error) {
	cash = c.InitialCapitalISK.Sub(c.RefundedISK)
	if c.Status == model.CyclePlanned {
		if cash, err = capital(ctx, r, c); err != nil {
			return decimal.Zero, decimal.Zero, err
		}
	}
	inventory = decimal.Zero

	lines, err := r.ListLines(ctx, store.LineFilter{CycleID: c.ID})
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	for i := range lines {
		l := &lines[i]
		cash = cash.Sub(l.BuyCostISK).Add(l.SalesNetISK).Sub(l.BrokerFeesISK).Sub(l.RelistFeesISK)
		inventory = inventory.Add(l.InventoryCost())
	}
	fees, err := r.ListTransportFees(ctx, c.ID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	for _, f := range fees {
		cash = cash.Sub(f.AmountISK)
	}
	return model.RoundISK(cash), model.RoundISK(inventory), nil
}

func snapshot(ctx context.Context, r store.Repos, c *model.Cycle, now time.Time) (*model.CycleSnapshot, error) {
	cash, inventory, err := Valuation(ctx, r, c)
	if err != nil {
		return nil, err
	}
	s := &model.CycleSnapshot{ID: uuid.NewString(), CycleID: c.ID, CashISK: cash, InventoryISK: inventory, TakenAt: now}
	if err := r.InsertSnapshot(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}
