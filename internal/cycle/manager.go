// Package cycle owns the PLANNED → OPEN → CLOSED state machine of trading
// cycles and orchestrates the close fan-out.
//
// Close runs under a per-cycle lock and as a single transaction: the cycle
// row is locked, payouts are computed from final line state, unsold
// inventory and reinvested capital roll into the successor, a final snapshot
// is written and the cycle is stamped CLOSED. Any failure leaves the cycle
// OPEN with nothing fanned out, so the operator can simply retry.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cyclepool/ledger-engine/internal/ledger"
	"github.com/cyclepool/ledger-engine/internal/lock"
	"github.com/cyclepool/ledger-engine/internal/metrics"
	"github.com/cyclepool/ledger-engine/internal/model"
	"github.com/cyclepool/ledger-engine/internal/payout"
	"github.com/cyclepool/ledger-engine/internal/rollover"
	"github.com/cyclepool/ledger-engine/internal/store"
)

// Event names a lifecycle notification pushed to operators.
type Event string

const (
	EventPlanned              Event = "cycle.planned"
	EventOpened               Event = "cycle.opened"
	EventClosed               Event = "cycle.closed"
	EventParticipationCreated Event = "participation.created"
	EventPayoutSent           Event = "payout.sent"
	EventReconciled           Event = "reconcile.completed"
)

// Events lists every Event in a stable order.
func Events() []Event {
	return []Event{EventPlanned, EventOpened, EventClosed, EventParticipationCreated, EventPayoutSent, EventReconciled}
}

// Notifier receives lifecycle events for push delivery to operators.
type Notifier interface {
	Notify(ev Event, payload any)
}

type nopNotifier struct{}

func (nopNotifier) Notify(Event, any) {}

// Options configures a Manager.
type Options struct {
	LockTTL            time.Duration
	DefaultProfitShare decimal.Decimal
	Notifier           Notifier
}

// Manager runs cycle lifecycle operations.
type Manager struct {
	store        store.Store
	locker       lock.Locker
	rec          *ledger.Recorder
	roller       *rollover.Processor
	lockTTL      time.Duration
	defaultShare decimal.Decimal
	notify       Notifier
	now          func() time.Time
}

// NewManager creates a cycle manager.
func NewManager(st store.Store, locker lock.Locker, rec *ledger.Recorder, opts Options) *Manager {
	if opts.LockTTL <= 0 {
		opts.LockTTL = 2 * time.Minute
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	return &Manager{
		store:        st,
		locker:       locker,
		rec:          rec,
		roller:       rollover.NewProcessor(rec),
		lockTTL:      opts.LockTTL,
		defaultShare: opts.DefaultProfitShare,
		notify:       opts.Notifier,
		now:          time.Now,
	}
}

// WithClock overrides the manager's clock.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	m.roller.WithClock(now)
	return m
}

// PlanRequest describes a new cycle.
type PlanRequest struct {
	Name                string          `json:"name"`
	StartedAt           time.Time       `json:"started_at"`
	InitialInjectionISK decimal.Decimal `json:"initial_injection_isk"`
}

// UpdateRequest changes a planned cycle. Nil fields are left unchanged.
type UpdateRequest struct {
	Name                *string          `json:"name,omitempty"`
	StartedAt           *time.Time       `json:"started_at,omitempty"`
	InitialInjectionISK *decimal.Decimal `json:"initial_injection_isk,omitempty"`
}

// CloseOptions selects the successor that receives rolled inventory and
// capital. Empty SuccessorID picks the oldest planned cycle, or plans a new
// one when something must roll and none exists.
type CloseOptions struct {
	SuccessorID string `json:"successor_id,omitempty"`
}

// CloseResult summarizes a completed close.
type CloseResult struct {
	Cycle     *model.Cycle         `json:"cycle"`
	Successor *model.Cycle         `json:"successor,omitempty"`
	Payouts   *payout.Suggestion   `json:"payouts"`
	Rollover  *rollover.Result     `json:"rollover,omitempty"`
	Snapshot  *model.CycleSnapshot `json:"snapshot"`
}

func validInjection(v decimal.Decimal) error {
	if v.IsNegative() {
		return &model.InvariantError{Invariant: "initial_injection_isk >= 0", Detail: v.String()}
	}
	return nil
}

// PlanCycle creates a cycle in PLANNED state.
func (m *Manager) PlanCycle(ctx context.Context, req PlanRequest) (*model.Cycle, error) {
	if req.Name == "" {
		return nil, &model.InvariantError{Invariant: "cycle name required", Detail: "empty name"}
	}
	if err := validInjection(req.InitialInjectionISK); err != nil {
		return nil, err
	}
	now := m.now().UTC()
	c := &model.Cycle{
		ID:                  uuid.NewString(),
		Name:                req.Name,
		Status:              model.CyclePlanned,
		StartedAt:           req.StartedAt.UTC(),
		InitialInjectionISK: model.RoundISK(req.InitialInjectionISK),
		InitialCapitalISK:   decimal.Zero,
		CreatedAt:           now,
	}
	if c.StartedAt.IsZero() {
		c.StartedAt = now
	}
	err := m.store.InTx(ctx, func(ctx context.Context, r store.Repos) error {
		return r.CreateCycle(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("cycle planned", "cycle", c.ID, "name", c.Name, "starts", c.StartedAt)
	m.notify.Notify(EventPlanned, c)
	return c, nil
}

// UpdatePlannedCycle changes the start date, injection or name of a cycle
// that has not opened yet.
func (m *Manager) UpdatePlannedCycle(ctx context.Context, id string, req UpdateRequest) (*model.Cycle, error) {
	if req.InitialInjectionISK != nil {
		if err := validInjection(*req.InitialInjectionISK); err != nil {
			return nil, err
		}
	}
	var out *model.Cycle
	err := m.store.InTx(ctx, func(ctx context.Context, r store.Repos) error {
		c, err := r.LockCycle(ctx, id)
		if err != nil {
			return err
		}
		if c.Status != model.CyclePlanned {
			return model.CycleConflict(c, "update cycle", model.CyclePlanned)
		}
		if req.Name != nil && *req.Name != "" {
			c.Name = *req.Name
		}
		if req.StartedAt != nil {
			c.StartedAt = req.StartedAt.UTC()
		}
		if req.InitialInjectionISK != nil {
			c.InitialInjectionISK = model.RoundISK(*req.InitialInjectionISK)
		}
		out = c
		return r.UpdateCycle(ctx, c)
	})
	return out, err
}

// capital is what a cycle starts with: the injection, opted-in investor
// capital and the cost of inventory rolled into it.
func capital(ctx context.Context, r store.Repos, c *model.Cycle) (decimal.Decimal, error) {
	total := c.InitialInjectionISK
	parts, err := r.ListParticipations(ctx, store.ParticipationFilter{
		CycleID: c.ID,
		Status:  []model.ParticipationStatus{model.OptedIn},
	})
	if err != nil {
		return decimal.Zero, err
	}
	for _, p := range parts {
		total = total.Add(p.AmountISK)
	}
	lines, err := r.ListLines(ctx, store.LineFilter{CycleID: c.ID})
	if err != nil {
		return decimal.Zero, err
	}
	for i := range lines {
		if lines[i].IsRollover {
			total = total.Add(lines[i].BuyCostISK)
		}
	}
	return model.RoundISK(total), nil
}

// OpenCycle moves a planned cycle to OPEN, making its lines eligible for
// allocation and stamping its starting capital.
func (m *Manager) OpenCycle(ctx context.Context, id string) (*model.Cycle, error) {
	var out *model.Cycle
	err := m.store.InTx(ctx, func(ctx context.Context, r store.Repos) error {
		c, err := r.LockCycle(ctx, id)
		if err != nil {
			return err
		}
		if c.Status != model.CyclePlanned {
			return model.CycleConflict(c, "open cycle", model.CyclePlanned)
		}
		now := m.now().UTC()
		if now.Before(c.StartedAt) {
			c.StartedAt = now
		}
		if c.InitialCapitalISK, err = capital(ctx, r, c); err != nil {
			return err
		}
		c.Status = model.CycleOpen
		out = c
		return r.UpdateCycle(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	m.refreshOpenGauge(ctx)
	slog.Info("cycle opened", "cycle", out.ID, "capital", model.FormatISK(out.InitialCapitalISK))
	m.notify.Notify(EventOpened, out)
	return out, nil
}

// CloseCycle closes an open cycle and fans out payouts, rollover and the
// final snapshot in one transaction. A close already in progress for the same
// cycle makes this call fail with model.ErrConcurrentClose.
func (m *Manager) CloseCycle(ctx context.Context, id string, opts CloseOptions) (*CloseResult, error) {
	start := time.Now()
	release, err := m.locker.TryLock(ctx, lock.CycleKey(id), m.lockTTL)
	if errors.Is(err, lock.ErrHeld) {
		metrics.ClosesTotal.WithLabelValues("conflict").Inc()
		return nil, fmt.Errorf("%w: cycle %s", model.ErrConcurrentClose, id)
	}
	if err != nil {
		return nil, fmt.Errorf("lock cycle %s: %w", id, err)
	}
	defer release()

	var res *CloseResult
	err = m.store.InTx(ctx, func(ctx context.Context, r store.Repos) error {
		var err error
		res, err = m.close(ctx, r, id, opts)
		return err
	})
	if err != nil {
		metrics.ClosesTotal.WithLabelValues("error").Inc()
		slog.Error("cycle close failed", "cycle", id, "err", err)
		return nil, err
	}
	metrics.ClosesTotal.WithLabelValues("ok").Inc()
	metrics.CloseLatency.Observe(time.Since(start).Seconds())
	m.refreshOpenGauge(ctx)

	attrs := []any{"cycle", id, "profit", res.Payouts.ProfitISK.String(), "pool", res.Payouts.PoolISK.String()}
	if res.Successor != nil {
		attrs = append(attrs, "successor", res.Successor.ID,
			"rolled_lines", len(res.Rollover.Lines), "rolled_participations", len(res.Rollover.Participations))
	}
	slog.Info("cycle closed", attrs...)
	m.notify.Notify(EventClosed, res)
	return res, nil
}

func (m *Manager) close(ctx context.Context, r store.Repos, id string, opts CloseOptions) (*CloseResult, error) {
	c, err := r.LockCycle(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != model.CycleOpen {
		return nil, model.CycleConflict(c, "close cycle", model.CycleOpen)
	}
	now := m.now().UTC()

	successor, err := m.resolveSuccessor(ctx, r, c, opts.SuccessorID, now)
	if err != nil {
		return nil, err
	}

	suggestion, err := payout.SuggestIn(ctx, r, c.ID, nil)
	if err != nil {
		return nil, err
	}
	payouts := make(map[string]decimal.Decimal, len(suggestion.Payouts))
	for _, p := range suggestion.Payouts {
		payouts[p.ParticipationID] = p.PayoutISK
	}

	res := &CloseResult{Successor: successor, Payouts: suggestion}
	if successor != nil {
		if res.Rollover, err = m.roller.Roll(ctx, r, c, successor, payouts); err != nil {
			return nil, fmt.Errorf("rollover: %w", err)
		}
	}

	for _, pid := range slices.Sorted(maps.Keys(payouts)) {
		p, err := r.GetParticipation(ctx, pid)
		if err != nil {
			return nil, err
		}
		v := payouts[pid]
		p.PayoutAmountISK = &v
		if err := r.UpdateParticipation(ctx, p); err != nil {
			return nil, err
		}
	}

	if res.Snapshot, err = snapshot(ctx, r, c, now); err != nil {
		return nil, err
	}

	c.Status = model.CycleClosed
	c.ClosedAt = &now
	if err := r.UpdateCycle(ctx, c); err != nil {
		return nil, err
	}
	res.Cycle = c
	return res, nil
}

func (m *Manager) resolveSuccessor(ctx context.Context, r store.Repos, c *model.Cycle, explicit string, now time.Time) (*model.Cycle, error) {
	if explicit != "" {
		if explicit == c.ID {
			return nil, &model.InvariantError{Invariant: "successor differs from closing cycle", Detail: explicit}
		}
		s, err := r.LockCycle(ctx, explicit)
		if err != nil {
			return nil, err
		}
		if s.Status == model.CycleClosed {
			return nil, model.CycleConflict(s, "receive rollover", model.CyclePlanned, model.CycleOpen)
		}
		return s, nil
	}

	planned, err := r.ListCycles(ctx, store.CycleFilter{Status: []model.CycleStatus{model.CyclePlanned}})
	if err != nil {
		return nil, err
	}
	for i := range planned {
		if planned[i].ID != c.ID {
			return r.LockCycle(ctx, planned[i].ID)
		}
	}

	pending, err := rollover.Pending(ctx, r, c.ID)
	if err != nil || !pending {
		return nil, err
	}
	s := &model.Cycle{
		ID:                  uuid.NewString(),
		Name:                c.Name + " (next)",
		Status:              model.CyclePlanned,
		StartedAt:           now,
		InitialInjectionISK: decimal.Zero,
		InitialCapitalISK:   decimal.Zero,
		CreatedAt:           now,
	}
	if err := r.CreateCycle(ctx, s); err != nil {
		return nil, err
	}
	slog.Info("successor cycle planned for rollover", "cycle", c.ID, "successor", s.ID)
	return s, nil
}

// GetCycle returns one cycle.
func (m *Manager) GetCycle(ctx context.Context, id string) (*model.Cycle, error) {
	var c *model.Cycle
	err := m.store.View(ctx, func(ctx context.Context, r store.Repos) error {
		var err error
		c, err = r.GetCycle(ctx, id)
		return err
	})
	return c, err
}

// ListCycles returns cycles matching f, oldest start first.
func (m *Manager) ListCycles(ctx context.Context, f store.CycleFilter) ([]model.Cycle, error) {
	var cycles []model.Cycle
	err := m.store.View(ctx, func(ctx context.Context, r store.Repos) error {
		var err error
		cycles, err = r.ListCycles(ctx, f)
		return err
	})
	return cycles, err
}

func (m *Manager) refreshOpenGauge(ctx context.Context) {
	open, err := m.ListCycles(ctx, store.CycleFilter{Status: []model.CycleStatus{model.CycleOpen}})
	if err != nil {
		return
	}
	metrics.OpenCycles.Set(float64(len(open)))
}
