// Package allocation applies normalized market fills and fee journal rows to
// the lines of an open cycle, keeping weighted-average cost and sale proceeds
// per line.
//
// Every external reference is applied at most once per side: a fill whose
// reference already has an allocation is a no-op, so re-running ingestion over
// the same data is safe regardless of delivery order.
package allocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cyclepool/ledger-engine/internal/ledger"
	"github.com/cyclepool/ledger-engine/internal/metrics"
	"github.com/cyclepool/ledger-engine/internal/model"
	"github.com/cyclepool/ledger-engine/internal/store"
)

// Status is the outcome of applying one event.
type Status string

const (
	StatusApplied   Status = "APPLIED"
	StatusPartial   Status = "PARTIAL"
	StatusDuplicate Status = "DUPLICATE"
	StatusUnmatched Status = "UNMATCHED"
	StatusMalformed Status = "MALFORMED"
	StatusRejected  Status = "REJECTED"
)

// Rates are the market fee rates applied to sales.
type Rates struct {
	SalesTax  decimal.Decimal
	BrokerFee decimal.Decimal
}

// DefaultRates returns the rates used when none are configured.
func DefaultRates() Rates {
	return Rates{
		SalesTax:  decimal.RequireFromString("0.0337"),
		BrokerFee: decimal.RequireFromString("0.015"),
	}
}

// Portion is the quantity of a fill applied to one line.
type Portion struct {
	LineID   string `json:"line_id"`
	Quantity int64  `json:"quantity"`
}

// Outcome reports what happened to one fill event.
type Outcome struct {
	ExternalRefID string     `json:"external_ref_id"`
	Side          model.Side `json:"side"`
	Status        Status     `json:"status"`
	Portions      []Portion  `json:"portions,omitempty"`
	Applied       int64      `json:"applied"`
	Unapplied     int64      `json:"unapplied"`
	Reason        string     `json:"reason,omitempty"`
}

// BatchResult aggregates the outcomes of one ApplyFills call.
type BatchResult struct {
	Outcomes       []Outcome `json:"outcomes"`
	Buys           int       `json:"buys_allocated"`
	Sells          int       `json:"sells_allocated"`
	UnmatchedBuys  int       `json:"unmatched_buys"`
	UnmatchedSells int       `json:"unmatched_sells"`
	PartialFills   int       `json:"partial_fills"`
	Duplicates     int       `json:"duplicates"`
	Malformed      int       `json:"malformed"`
	Rejected       int       `json:"rejected"`
}

func (b *BatchResult) add(o Outcome) {
	b.Outcomes = append(b.Outcomes, o)
	switch o.Status {
	case StatusApplied, StatusPartial:
		if o.Side == model.SideBuy {
			b.Buys++
		} else {
			b.Sells++
		}
		if o.Status == StatusPartial {
			b.PartialFills++
		}
	case StatusUnmatched:
		if o.Side == model.SideBuy {
			b.UnmatchedBuys++
		} else {
			b.UnmatchedSells++
		}
	case StatusDuplicate:
		b.Duplicates++
	case StatusMalformed:
		b.Malformed++
	case StatusRejected:
		b.Rejected++
	}
}

// FeeResult aggregates the outcomes of one ApplyFees call.
type FeeResult struct {
	Applied    int `json:"applied"`
	Unmatched  int `json:"unmatched"`
	Duplicates int `json:"duplicates"`
	Malformed  int `json:"malformed"`
}

// Engine allocates fills to cycle lines.
type Engine struct {
	store store.Store
	rec   *ledger.Recorder
	rates Rates
	now   func() time.Time
}

// NewEngine creates an allocation engine.
func NewEngine(st store.Store, rec *ledger.Recorder, rates Rates) *Engine {
	return &Engine{store: st, rec: rec, rates: rates, now: time.Now}
}

// WithClock overrides the engine's clock.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Rates returns the configured sale rates.
func (e *Engine) Rates() Rates { return e.rates }

// Allocate applies a single fill to cycleID in its own transaction.
func (e *Engine) Allocate(ctx context.Context, cycleID string, ev model.FillEvent) (Outcome, error) {
	res, err := e.ApplyFills(ctx, cycleID, []model.FillEvent{ev})
	if err != nil {
		return Outcome{}, err
	}
	return res.Outcomes[0], nil
}

// ApplyFills applies a batch of fills to cycleID as one transaction. Malformed,
// unmatched, duplicate and invariant-rejected events are counted and the batch
// continues; a state conflict or store failure aborts the whole batch.
func (e *Engine) ApplyFills(ctx context.Context, cycleID string, events []model.FillEvent) (BatchResult, error) {
	var res BatchResult
	err := e.store.InTx(ctx, func(ctx context.Context, r store.Repos) error {
		res = BatchResult{}
		cycle, err := r.LockCycle(ctx, cycleID)
		if err != nil {
			return err
		}
		if cycle.Status != model.CycleOpen {
			return model.CycleConflict(cycle, "allocate fills", model.CycleOpen)
		}
		for _, ev := range events {
			o, err := e.allocateOne(ctx, r, cycle, ev)
			if err != nil {
				return err
			}
			res.add(o)
		}
		return nil
	})
	if err != nil {
		return BatchResult{}, err
	}

	for _, o := range res.Outcomes {
		metrics.FillsTotal.WithLabelValues(string(o.Side), string(o.Status)).Inc()
	}
	if len(events) > 0 {
		slog.Info("fills applied",
			"cycle", cycleID,
			"buys", res.Buys,
			"sells", res.Sells,
			"unmatched_buys", res.UnmatchedBuys,
			"unmatched_sells", res.UnmatchedSells,
			"partial", res.PartialFills,
			"duplicates", res.Duplicates,
			"malformed", res.Malformed,
			"rejected", res.Rejected,
		)
	}
	return res, nil
}

// candidates returns the cycle's lines for a type/station, rollover lines
// first, then oldest first.
func candidates(ctx context.Context, r store.Repos, cycleID string, typeID, stationID int64) ([]model.CycleLine, error) {
	lines, err := r.ListLines(ctx, store.LineFilter{CycleID: cycleID, TypeID: typeID, StationID: stationID})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(lines, func(i, j int) bool {
		if lines[i].IsRollover != lines[j].IsRollover {
			return lines[i].IsRollover
		}
		if !lines[i].CreatedAt.Equal(lines[j].CreatedAt) {
			return lines[i].CreatedAt.Before(lines[j].CreatedAt)
		}
		return lines[i].ID < lines[j].ID
	})
	return lines, nil
}

func capacity(l *model.CycleLine, side model.Side) int64 {
	var c int64
	if side == model.SideBuy {
		c = l.PlannedUnits - l.UnitsBought
	} else {
		c = l.UnitsBought - l.UnitsSold
	}
	return max(c, 0)
}

// sale is the proceeds breakdown of one sold portion.
type sale struct {
	gross, tax, broker, net decimal.Decimal
}

func (e *Engine) priceSale(q int64, price decimal.Decimal) sale {
	gross := model.RoundISK(price.Mul(decimal.NewFromInt(q)))
	tax := model.RoundISK(gross.Mul(e.rates.SalesTax))
	broker := model.RoundISK(gross.Mul(e.rates.BrokerFee))
	return sale{gross: gross, tax: tax, broker: broker, net: gross.Sub(tax).Sub(broker)}
}

func (e *Engine) allocateOne(ctx context.Context, r store.Repos, cycle *model.Cycle, ev model.FillEvent) (Outcome, error) {
	o := Outcome{ExternalRefID: ev.ExternalRefID, Side: ev.Side}
	if err := ev.Validate(); err != nil {
		o.Status, o.Reason = StatusMalformed, err.Error()
		slog.Warn("malformed fill", "cycle", cycle.ID, "ref", ev.ExternalRefID, "err", err)
		return o, nil
	}

	done, err := r.HasAllocation(ctx, ev.Side, ev.ExternalRefID)
	if err != nil {
		return o, err
	}
	if done {
		o.Status = StatusDuplicate
		return o, nil
	}

	lines, err := candidates(ctx, r, cycle.ID, ev.TypeID, ev.StationID)
	if err != nil {
		return o, err
	}

	// A sale larger than the inventory on hand is refused whole; it stays in
	// the inbox until the buys it depends on have been allocated.
	if ev.Side == model.SideSell && len(lines) > 0 {
		var onHand int64
		for i := range lines {
			onHand += capacity(&lines[i], ev.Side)
		}
		if onHand < ev.Quantity {
			err := &model.InvariantError{
				Invariant: "units_sold <= units_bought",
				Detail:    fmt.Sprintf("sell %s of %d units, %d on hand", ev.ExternalRefID, ev.Quantity, onHand),
			}
			o.Status, o.Reason = StatusRejected, err.Error()
			slog.Warn("fill rejected", "cycle", cycle.ID, "ref", ev.ExternalRefID, "err", err)
			return o, nil
		}
	}

	// Plan every portion on copies first so an invariant failure leaves
	// nothing written for this event.
	remaining := ev.Quantity
	var touched []*model.CycleLine
	var sales []sale
	for i := range lines {
		if remaining == 0 {
			break
		}
		l := &lines[i]
		q := min(capacity(l, ev.Side), remaining)
		if q == 0 {
			continue
		}

		var s sale
		if ev.Side == model.SideBuy {
			l.UnitsBought += q
			l.BuyCostISK = l.BuyCostISK.Add(model.RoundISK(ev.UnitPriceISK.Mul(decimal.NewFromInt(q))))
		} else {
			s = e.priceSale(q, ev.UnitPriceISK)
			l.UnitsSold += q
			l.SalesGrossISK = l.SalesGrossISK.Add(s.gross)
			l.SalesTaxISK = l.SalesTaxISK.Add(s.tax)
			l.SalesNetISK = l.SalesNetISK.Add(s.net)
		}
		l.ClampListed()
		if err := l.Validate(); err != nil {
			o.Status, o.Reason = StatusRejected, err.Error()
			slog.Error("fill rejected", "cycle", cycle.ID, "ref", ev.ExternalRefID, "err", err)
			return o, nil
		}

		touched = append(touched, l)
		sales = append(sales, s)
		o.Portions = append(o.Portions, Portion{LineID: l.ID, Quantity: q})
		remaining -= q
	}

	o.Applied = ev.Quantity - remaining
	o.Unapplied = remaining
	switch {
	case o.Applied == 0:
		o.Status = StatusUnmatched
	case remaining > 0:
		o.Status = StatusPartial
	default:
		o.Status = StatusApplied
	}

	now := e.now().UTC()
	entryType := model.EntryBuy
	if ev.Side == model.SideSell {
		entryType = model.EntrySell
	}

	for i, l := range touched {
		q := o.Portions[i].Quantity
		if err := r.UpdateLine(ctx, l); err != nil {
			return o, err
		}
		if err := r.InsertAllocation(ctx, &model.Allocation{
			ID:            uuid.NewString(),
			Side:          ev.Side,
			LineID:        l.ID,
			ExternalRefID: ev.ExternalRefID,
			Quantity:      q,
			UnitPriceISK:  ev.UnitPriceISK,
			OccurredAt:    ev.OccurredAt,
			CreatedAt:     now,
		}); err != nil {
			return o, err
		}

		entry := &model.LedgerEntry{
			CycleID:      cycle.ID,
			EntryType:    entryType,
			Quantity:     q,
			OccurredAt:   ev.OccurredAt,
			PlanCommitID: l.CommitID,
			LineID:       l.ID,
			TypeID:       l.TypeID,
			StationID:    l.DestinationStationID,
			Source:       model.SourceMarket,
			SourceRef:    ev.ExternalRefID,
			MatchStatus:  model.Matched,
		}
		if ev.Side == model.SideBuy {
			entry.AmountISK = model.RoundISK(ev.UnitPriceISK.Mul(decimal.NewFromInt(q)))
			entry.Memo = fmt.Sprintf("%d units @ %s", q, model.FormatISK(ev.UnitPriceISK))
		} else {
			s := sales[i]
			entry.AmountISK = s.net
			entry.Memo = fmt.Sprintf("gross %s, tax %s, broker %s",
				model.FormatISK(s.gross), model.FormatISK(s.tax), model.FormatISK(s.broker))
		}
		if _, err := e.rec.Record(ctx, r, entry); err != nil {
			return o, err
		}
	}

	if remaining > 0 {
		status := model.Unmatched
		if o.Applied > 0 {
			status = model.Partial
		}
		if _, err := e.rec.Record(ctx, r, &model.LedgerEntry{
			CycleID:     cycle.ID,
			EntryType:   entryType,
			AmountISK:   model.RoundISK(ev.UnitPriceISK.Mul(decimal.NewFromInt(remaining))),
			Quantity:    remaining,
			OccurredAt:  ev.OccurredAt,
			Memo:        fmt.Sprintf("%d units without line capacity", remaining),
			TypeID:      ev.TypeID,
			StationID:   ev.StationID,
			Source:      model.SourceMarket,
			SourceRef:   ev.ExternalRefID,
			MatchStatus: status,
		}); err != nil {
			return o, err
		}
		slog.Warn("fill not fully allocated",
			"cycle", cycle.ID, "ref", ev.ExternalRefID, "side", ev.Side,
			"type", ev.TypeID, "station", ev.StationID, "unapplied", remaining)
	}
	return o, nil
}

// ApplyFees attaches broker and relist fee rows to the lines of an open cycle.
// Each fee reference is applied once.
func (e *Engine) ApplyFees(ctx context.Context, cycleID string, events []model.FeeEvent) (FeeResult, error) {
	var res FeeResult
	var statuses []Status
	err := e.store.InTx(ctx, func(ctx context.Context, r store.Repos) error {
		res, statuses = FeeResult{}, nil
		cycle, err := r.LockCycle(ctx, cycleID)
		if err != nil {
			return err
		}
		if cycle.Status != model.CycleOpen {
			return model.CycleConflict(cycle, "apply fees", model.CycleOpen)
		}
		for _, ev := range events {
			st, err := e.applyFee(ctx, r, cycle, ev)
			if err != nil {
				return err
			}
			statuses = append(statuses, st)
			switch st {
			case StatusApplied:
				res.Applied++
			case StatusUnmatched:
				res.Unmatched++
			case StatusDuplicate:
				res.Duplicates++
			case StatusMalformed:
				res.Malformed++
			}
		}
		return nil
	})
	if err != nil {
		return FeeResult{}, err
	}
	for _, st := range statuses {
		metrics.FeesTotal.WithLabelValues(string(st)).Inc()
	}
	return res, nil
}

func (e *Engine) applyFee(ctx context.Context, r store.Repos, cycle *model.Cycle, ev model.FeeEvent) (Status, error) {
	if err := ev.Validate(); err != nil {
		slog.Warn("malformed fee", "cycle", cycle.ID, "ref", ev.RefID, "err", err)
		return StatusMalformed, nil
	}
	done, err := r.HasLineFee(ctx, ev.RefID)
	if err != nil {
		return "", err
	}
	if done {
		return StatusDuplicate, nil
	}

	entryType := model.EntryBrokerFee
	if ev.Kind == model.FeeRelist {
		entryType = model.EntryRelistFee
	}
	amount := model.RoundISK(ev.AmountISK)

	lines, err := candidates(ctx, r, cycle.ID, ev.TypeID, ev.StationID)
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		_, err := e.rec.Record(ctx, r, &model.LedgerEntry{
			CycleID:     cycle.ID,
			EntryType:   entryType,
			AmountISK:   amount,
			OccurredAt:  ev.OccurredAt,
			TypeID:      ev.TypeID,
			StationID:   ev.StationID,
			Source:      model.SourceJournal,
			SourceRef:   ev.RefID,
			MatchStatus: model.Unmatched,
		})
		return StatusUnmatched, err
	}

	l := &lines[0]
	if ev.Kind == model.FeeBroker {
		l.BrokerFeesISK = l.BrokerFeesISK.Add(amount)
	} else {
		l.RelistFeesISK = l.RelistFeesISK.Add(amount)
	}
	if err := r.UpdateLine(ctx, l); err != nil {
		return "", err
	}
	if err := r.InsertLineFee(ctx, &model.LineFee{
		ID:         uuid.NewString(),
		LineID:     l.ID,
		Kind:       ev.Kind,
		RefID:      ev.RefID,
		AmountISK:  amount,
		OccurredAt: ev.OccurredAt,
	}); err != nil {
		return "", err
	}
	_, err = e.rec.Record(ctx, r, &model.LedgerEntry{
		CycleID:      cycle.ID,
		EntryType:    entryType,
		AmountISK:    amount,
		OccurredAt:   ev.OccurredAt,
		PlanCommitID: l.CommitID,
		LineID:       l.ID,
		TypeID:       l.TypeID,
		StationID:    l.DestinationStationID,
		Source:       model.SourceJournal,
		SourceRef:    ev.RefID,
		MatchStatus:  model.Matched,
	})
	return StatusApplied, err
}

// SetListedUnits records how many bought units are currently on the market.
func (e *Engine) SetListedUnits(ctx context.Context, lineID string, units int64) (*model.CycleLine, error) {
	var line *model.CycleLine
	err := e.store.InTx(ctx, func(ctx context.Context, r store.Repos) error {
		l, err := r.GetLine(ctx, lineID)
		if err != nil {
			return err
		}
		cycle, err := r.LockCycle(ctx, l.CycleID)
		if err != nil {
			return err
		}
		// The first read only located the cycle.
		if l, err = r.GetLine(ctx, lineID); err != nil {
			return err
		}
		if cycle.Status == model.CycleClosed {
			return model.CycleConflict(cycle, "update listed units", model.CyclePlanned, model.CycleOpen)
		}
		if units < 0 || units > l.UnitsBought {
			return &model.InvariantError{
				Invariant: "0 <= listed_units <= units_bought",
				Detail:    fmt.Sprintf("line %s: listed %d, bought %d", l.ID, units, l.UnitsBought),
			}
		}
		l.ListedUnits = units
		if err := r.UpdateLine(ctx, l); err != nil {
			return err
		}
		line = l
		return nil
	})
	return line, err
}

// IsBatchFatal reports whether err aborts a reconciliation sweep rather than
// being skipped for the cycle at hand.
func IsBatchFatal(err error) bool {
	return err != nil && !errors.Is(err, model.ErrStateConflict) && !errors.Is(err, model.ErrNotFound)
}
