// Package scheduler runs periodic snapshot and reconciliation jobs.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cyclepool/ledger-engine/internal/model"
	"github.com/cyclepool/ledger-engine/internal/reconcile"
	"github.com/cyclepool/ledger-engine/internal/store"
)

// Snapshotter lists cycles and records snapshots.
type Snapshotter interface {
	ListCycles(ctx context.Context, f store.CycleFilter) ([]model.Cycle, error)
	CreateSnapshot(ctx context.Context, cycleID string) (*model.CycleSnapshot, error)
}

// Reconciler runs a reconciliation sweep.
type Reconciler interface {
	Reconcile(ctx context.Context, cycleID string) (*reconcile.Summary, error)
}

// Scheduler owns the cron engine.
type Scheduler struct {
	cron          *cron.Cron
	snapshots     Snapshotter
	reconciler    Reconciler
	snapshotSpec  string
	reconcileSpec string
	timeout       time.Duration
}

// New creates a scheduler. An empty spec disables its job.
func New(snapshots Snapshotter, reconciler Reconciler, snapshotSpec, reconcileSpec string) *Scheduler {
	return &Scheduler{
		cron:          cron.New(cron.WithLocation(time.UTC)),
		snapshots:     snapshots,
		reconciler:    reconciler,
		snapshotSpec:  snapshotSpec,
		reconcileSpec: reconcileSpec,
		timeout:       5 * time.Minute,
	}
}

// Start registers the jobs and starts the cron engine.
func (s *Scheduler) Start() error {
	if s.snapshotSpec != "" {
		if _, err := s.cron.AddFunc(s.snapshotSpec, s.runSnapshots); err != nil {
			return fmt.Errorf("snapshot cron %q: %w", s.snapshotSpec, err)
		}
	}
	if s.reconcileSpec != "" && s.reconciler != nil {
		if _, err := s.cron.AddFunc(s.reconcileSpec, s.runReconcile); err != nil {
			return fmt.Errorf("reconcile cron %q: %w", s.reconcileSpec, err)
		}
	}
	s.cron.Start()
	slog.Info("scheduler started", "snapshot", s.snapshotSpec, "reconcile", s.reconcileSpec, "jobs", len(s.cron.Entries()))
	return nil
}

// Stop stops the cron engine and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	slog.Info("scheduler stopped")
}

func (s *Scheduler) runSnapshots() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := SnapshotOpenCycles(ctx, s.snapshots); err != nil {
		slog.Error("scheduled snapshot failed", "err", err)
	}
}

func (s *Scheduler) runReconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.reconciler.Reconcile(ctx, ""); err != nil {
		slog.Error("scheduled reconcile failed", "err", err)
	}
}

// SnapshotOpenCycles records a snapshot of every open cycle. A failing cycle
// is logged and skipped; the count of snapshots taken is returned.
func SnapshotOpenCycles(ctx context.Context, s Snapshotter) (int, error) {
	cycles, err := s.ListCycles(ctx, store.CycleFilter{Status: []model.CycleStatus{model.CycleOpen}})
	if err != nil {
		return 0, err
	}
	taken := 0
	for _, c := range cycles {
		if _, err := s.CreateSnapshot(ctx, c.ID); err != nil {
			slog.Warn("snapshot skipped", "cycle", c.ID, "err", err)
			continue
		}
		taken++
	}
	return taken, nil
}
