package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/cyclepool/ledger-engine/internal/model"
)

var errReadOnly = errors.New("store: write attempted in read-only view")

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions serialize on txMu and mutate a private clone of the state,
// which replaces the committed state only when fn succeeds.
type MemoryStore struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	st   *memState
}

type memState struct {
	cycles         map[string]model.Cycle
	commits        map[string]model.PlanCommit
	lines          map[string]model.CycleLine
	allocations    []model.Allocation
	lineFees       []model.LineFee
	participations map[string]model.Participation
	transportFees  []model.TransportFee
	snapshots      []model.CycleSnapshot
	entries        []model.LedgerEntry
	entryKeys      map[string]bool
	fills          map[string]model.FillEvent
	cash           map[string]model.CashEvent
	fees           map[string]model.FeeEvent
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{st: &memState{
		cycles:         make(map[string]model.Cycle),
		commits:        make(map[string]model.PlanCommit),
		lines:          make(map[string]model.CycleLine),
		participations: make(map[string]model.Participation),
		entryKeys:      make(map[string]bool),
		fills:          make(map[string]model.FillEvent),
		cash:           make(map[string]model.CashEvent),
		fees:           make(map[string]model.FeeEvent),
	}}
}

func (s *memState) clone() *memState {
	return &memState{
		cycles:         maps.Clone(s.cycles),
		commits:        maps.Clone(s.commits),
		lines:          maps.Clone(s.lines),
		allocations:    slices.Clone(s.allocations),
		lineFees:       slices.Clone(s.lineFees),
		participations: maps.Clone(s.participations),
		transportFees:  slices.Clone(s.transportFees),
		snapshots:      slices.Clone(s.snapshots),
		entries:        slices.Clone(s.entries),
		entryKeys:      maps.Clone(s.entryKeys),
		fills:          maps.Clone(s.fills),
		cash:           maps.Clone(s.cash),
		fees:           maps.Clone(s.fees),
	}
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, r Repos) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	work := s.st.clone()
	s.mu.RUnlock()

	if err := fn(ctx, &memRepos{st: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.st = work
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) View(ctx context.Context, fn func(ctx context.Context, r Repos) error) error {
	// Committed states are never mutated after the swap in InTx, so the
	// pointer can be read without holding the lock for the whole call.
	s.mu.RLock()
	st := s.st
	s.mu.RUnlock()
	return fn(ctx, &memRepos{st: st, readOnly: true})
}

// memRepos is the Repos view over one state. Writers own their state
// exclusively, so no locking happens here.
type memRepos struct {
	st       *memState
	readOnly bool
}

func (r *memRepos) writable() error {
	if r.readOnly {
		return errReadOnly
	}
	return nil
}

// --- Cycles ---

func (r *memRepos) CreateCycle(_ context.Context, c *model.Cycle) error {
	if err := r.writable(); err != nil {
		return err
	}
	if _, ok := r.st.cycles[c.ID]; ok {
		return fmt.Errorf("%w: cycle %s", model.ErrDuplicate, c.ID)
	}
	r.st.cycles[c.ID] = *c
	return nil
}

func (r *memRepos) GetCycle(_ context.Context, id string) (*model.Cycle, error) {
	c, ok := r.st.cycles[id]
	if !ok {
		return nil, fmt.Errorf("%w: cycle %s", model.ErrNotFound, id)
	}
	return &c, nil
}

func (r *memRepos) LockCycle(ctx context.Context, id string) (*model.Cycle, error) {
	return r.GetCycle(ctx, id)
}

func (r *memRepos) ShareLockCycle(ctx context.Context, id string) (*model.Cycle, error) {
	return r.GetCycle(ctx, id)
}

func (r *memRepos) ListCycles(_ context.Context, f CycleFilter) ([]model.Cycle, error) {
	cycles := make([]model.Cycle, 0, len(r.st.cycles))
	for _, c := range r.st.cycles {
		if f.ID != "" && c.ID != f.ID {
			continue
		}
		if len(f.Status) > 0 && !slices.Contains(f.Status, c.Status) {
			continue
		}
		cycles = append(cycles, c)
	}
	sort.Slice(cycles, func(i, j int) bool {
		if !cycles[i].StartedAt.Equal(cycles[j].StartedAt) {
			return cycles[i].StartedAt.Before(cycles[j].StartedAt)
		}
		if !cycles[i].CreatedAt.Equal(cycles[j].CreatedAt) {
			return cycles[i].CreatedAt.Before(cycles[j].CreatedAt)
		}
		return cycles[i].ID < cycles[j].ID
	})
	return cycles, nil
}

func (r *memRepos) UpdateCycle(_ context.Context, c *model.Cycle) error {
	if err := r.writable(); err != nil {
		return err
	}
	if _, ok := r.st.cycles[c.ID]; !ok {
		return fmt.Errorf("%w: cycle %s", model.ErrNotFound, c.ID)
	}
	r.st.cycles[c.ID] = *c
	return nil
}

func (r *memRepos) CreateCommit(_ context.Context, pc *model.PlanCommit) error {
	if err := r.writable(); err != nil {
		return err
	}
	if _, ok := r.st.cycles[pc.CycleID]; !ok {
		return fmt.Errorf("%w: cycle %s", model.ErrNotFound, pc.CycleID)
	}
	r.st.commits[pc.ID] = *pc
	return nil
}

func (r *memRepos) GetCommit(_ context.Context, id string) (*model.PlanCommit, error) {
	pc, ok := r.st.commits[id]
	if !ok {
		return nil, fmt.Errorf("%w: commit %s", model.ErrNotFound, id)
	}
	return &pc, nil
}

// --- Lines ---

func (r *memRepos) CreateLine(_ context.Context, l *model.CycleLine) error {
	if err := r.writable(); err != nil {
		return err
	}
	if _, ok := r.st.cycles[l.CycleID]; !ok {
		return fmt.Errorf("%w: cycle %s", model.ErrNotFound, l.CycleID)
	}
	if !l.IsRollover {
		for _, existing := range r.st.lines {
			if existing.CycleID == l.CycleID && !existing.IsRollover &&
				existing.TypeID == l.TypeID && existing.DestinationStationID == l.DestinationStationID {
				return fmt.Errorf("%w: line for type %d at station %d already exists in cycle %s",
					model.ErrDuplicate, l.TypeID, l.DestinationStationID, l.CycleID)
			}
		}
	}
	r.st.lines[l.ID] = *l
	return nil
}

func (r *memRepos) GetLine(_ context.Context, id string) (*model.CycleLine, error) {
	l, ok := r.st.lines[id]
	if !ok {
		return nil, fmt.Errorf("%w: line %s", model.ErrNotFound, id)
	}
	return &l, nil
}

func (r *memRepos) ListLines(_ context.Context, f LineFilter) ([]model.CycleLine, error) {
	var lines []model.CycleLine
	for _, l := range r.st.lines {
		if f.CycleID != "" && l.CycleID != f.CycleID {
			continue
		}
		if f.CommitID != "" && l.CommitID != f.CommitID {
			continue
		}
		if f.TypeID != 0 && l.TypeID != f.TypeID {
			continue
		}
		if f.StationID != 0 && l.DestinationStationID != f.StationID {
			continue
		}
		lines = append(lines, l)
	}
	sort.Slice(lines, func(i, j int) bool {
		if !lines[i].CreatedAt.Equal(lines[j].CreatedAt) {
			return lines[i].CreatedAt.Before(lines[j].CreatedAt)
		}
		return lines[i].ID < lines[j].ID
	})
	return lines, nil
}

func (r *memRepos) UpdateLine(_ context.Context, l *model.CycleLine) error {
	if err := r.writable(); err != nil {
		return err
	}
	if _, ok := r.st.lines[l.ID]; !ok {
		return fmt.Errorf("%w: line %s", model.ErrNotFound, l.ID)
	}
	r.st.lines[l.ID] = *l
	return nil
}

func (r *memRepos) DeleteLine(_ context.Context, id string) error {
	if err := r.writable(); err != nil {
		return err
	}
	if _, ok := r.st.lines[id]; !ok {
		return fmt.Errorf("%w: line %s", model.ErrNotFound, id)
	}
	r.st.allocations = slices.DeleteFunc(r.st.allocations, func(a model.Allocation) bool { return a.LineID == id })
	r.st.lineFees = slices.DeleteFunc(r.st.lineFees, func(f model.LineFee) bool { return f.LineID == id })
	delete(r.st.lines, id)
	return nil
}

func (r *memRepos) InsertAllocation(_ context.Context, a *model.Allocation) error {
	if err := r.writable(); err != nil {
		return err
	}
	if _, ok := r.st.lines[a.LineID]; !ok {
		return fmt.Errorf("%w: line %s", model.ErrNotFound, a.LineID)
	}
	for _, existing := range r.st.allocations {
		if existing.LineID == a.LineID && existing.Side == a.Side && existing.ExternalRefID == a.ExternalRefID {
			return fmt.Errorf("%w: %s allocation %s on line %s", model.ErrDuplicate, a.Side, a.ExternalRefID, a.LineID)
		}
	}
	r.st.allocations = append(r.st.allocations, *a)
	return nil
}

func (r *memRepos) HasAllocation(_ context.Context, side model.Side, externalRefID string) (bool, error) {
	for _, a := range r.st.allocations {
		if a.Side == side && a.ExternalRefID == externalRefID {
			return true, nil
		}
	}
	return false, nil
}

func (r *memRepos) ListAllocations(_ context.Context, f AllocationFilter) ([]model.Allocation, error) {
	var result []model.Allocation
	for _, a := range r.st.allocations {
		if f.LineID != "" && a.LineID != f.LineID {
			continue
		}
		if f.Side != "" && a.Side != f.Side {
			continue
		}
		result = append(result, a)
	}
	return result, nil
}

func (r *memRepos) InsertLineFee(_ context.Context, f *model.LineFee) error {
	if err := r.writable(); err != nil {
		return err
	}
	for _, existing := range r.st.lineFees {
		if existing.RefID == f.RefID {
			return fmt.Errorf("%w: line fee %s", model.ErrDuplicate, f.RefID)
		}
	}
	r.st.lineFees = append(r.st.lineFees, *f)
	return nil
}

func (r *memRepos) HasLineFee(_ context.Context, refID string) (bool, error) {
	for _, f := range r.st.lineFees {
		if f.RefID == refID {
			return true, nil
		}
	}
	return false, nil
}

// --- Participations ---

func (r *memRepos) CreateParticipation(_ context.Context, p *model.Participation) error {
	if err := r.writable(); err != nil {
		return err
	}
	if _, ok := r.st.cycles[p.CycleID]; !ok {
		return fmt.Errorf("%w: cycle %s", model.ErrNotFound, p.CycleID)
	}
	if err := r.checkRefUnique(p); err != nil {
		return err
	}
	r.st.participations[p.ID] = *p
	return nil
}

func (r *memRepos) GetParticipation(_ context.Context, id string) (*model.Participation, error) {
	p, ok := r.st.participations[id]
	if !ok {
		return nil, fmt.Errorf("%w: participation %s", model.ErrNotFound, id)
	}
	return &p, nil
}

func (r *memRepos) ListParticipations(_ context.Context, f ParticipationFilter) ([]model.Participation, error) {
	var result []model.Participation
	for _, p := range r.st.participations {
		if f.CycleID != "" && p.CycleID != f.CycleID {
			continue
		}
		if len(f.Status) > 0 && !slices.Contains(f.Status, p.Status) {
			continue
		}
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (r *memRepos) UpdateParticipation(_ context.Context, p *model.Participation) error {
	if err := r.writable(); err != nil {
		return err
	}
	if _, ok := r.st.participations[p.ID]; !ok {
		return fmt.Errorf("%w: participation %s", model.ErrNotFound, p.ID)
	}
	if err := r.checkRefUnique(p); err != nil {
		return err
	}
	r.st.participations[p.ID] = *p
	return nil
}

func (r *memRepos) checkRefUnique(p *model.Participation) error {
	if p.WalletJournalRef == "" {
		return nil
	}
	for _, existing := range r.st.participations {
		if existing.ID != p.ID && existing.WalletJournalRef == p.WalletJournalRef {
			return fmt.Errorf("%w: wallet journal ref %s already bound to participation %s",
				model.ErrDuplicate, p.WalletJournalRef, existing.ID)
		}
	}
	return nil
}

func (r *memRepos) FindParticipationByRef(_ context.Context, refID string) (*model.Participation, error) {
	for _, p := range r.st.participations {
		if refID != "" && p.WalletJournalRef == refID {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("%w: participation for ref %s", model.ErrNotFound, refID)
}

func (r *memRepos) FindRolloverOf(_ context.Context, sourceID string) (*model.Participation, error) {
	for _, p := range r.st.participations {
		if sourceID != "" && p.RolloverFromParticipationID == sourceID {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("%w: rollover of participation %s", model.ErrNotFound, sourceID)
}

// --- Costs ---

func (r *memRepos) InsertTransportFee(_ context.Context, f *model.TransportFee) error {
	if err := r.writable(); err != nil {
		return err
	}
	r.st.transportFees = append(r.st.transportFees, *f)
	return nil
}

func (r *memRepos) ListTransportFees(_ context.Context, cycleID string) ([]model.TransportFee, error) {
	var result []model.TransportFee
	for _, f := range r.st.transportFees {
		if f.CycleID == cycleID {
			result = append(result, f)
		}
	}
	return result, nil
}

func (r *memRepos) InsertSnapshot(_ context.Context, s *model.CycleSnapshot) error {
	if err := r.writable(); err != nil {
		return err
	}
	r.st.snapshots = append(r.st.snapshots, *s)
	return nil
}

func (r *memRepos) ListSnapshots(_ context.Context, cycleID string) ([]model.CycleSnapshot, error) {
	var result []model.CycleSnapshot
	for _, s := range r.st.snapshots {
		if s.CycleID == cycleID {
			result = append(result, s)
		}
	}
	return result, nil
}

// --- Ledger ---

func (r *memRepos) AppendEntry(_ context.Context, e *model.LedgerEntry) (bool, error) {
	if err := r.writable(); err != nil {
		return false, err
	}
	if e.DedupeKey != "" && r.st.entryKeys[e.DedupeKey] {
		return false, nil
	}
	r.st.entries = append(r.st.entries, *e)
	if e.DedupeKey != "" {
		r.st.entryKeys[e.DedupeKey] = true
	}
	return true, nil
}

func (r *memRepos) ListEntries(_ context.Context, f EntryFilter) ([]model.LedgerEntry, error) {
	var result []model.LedgerEntry
	for _, e := range r.st.entries {
		if f.CycleID != "" && e.CycleID != f.CycleID {
			continue
		}
		if f.PlanCommitID != "" && e.PlanCommitID != f.PlanCommitID {
			continue
		}
		if f.ParticipationID != "" && e.ParticipationID != f.ParticipationID {
			continue
		}
		if f.EntryType != "" && e.EntryType != f.EntryType {
			continue
		}
		result = append(result, e)
		if f.Limit > 0 && len(result) >= f.Limit {
			break
		}
	}
	return result, nil
}

// --- Inbox ---

func fillKey(side model.Side, ref string) string { return string(side) + ":" + ref }

func (r *memRepos) InsertFillEvent(_ context.Context, e *model.FillEvent) (bool, error) {
	if err := r.writable(); err != nil {
		return false, err
	}
	key := fillKey(e.Side, e.ExternalRefID)
	if _, ok := r.st.fills[key]; ok {
		return false, nil
	}
	r.st.fills[key] = *e
	return true, nil
}

func (r *memRepos) ListFillEvents(ctx context.Context, f EventFilter) ([]model.FillEvent, error) {
	var result []model.FillEvent
	for _, e := range r.st.fills {
		if !f.Since.IsZero() && e.OccurredAt.Before(f.Since) {
			continue
		}
		if f.After.passed(e.OccurredAt, fillKey(e.Side, e.ExternalRefID)) {
			continue
		}
		if f.Pending {
			done, _ := r.HasAllocation(ctx, e.Side, e.ExternalRefID)
			if done {
				continue
			}
		}
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].OccurredAt.Equal(result[j].OccurredAt) {
			return result[i].OccurredAt.Before(result[j].OccurredAt)
		}
		return fillKey(result[i].Side, result[i].ExternalRefID) < fillKey(result[j].Side, result[j].ExternalRefID)
	})
	return limit(result, f.Limit), nil
}

func (r *memRepos) InsertCashEvent(_ context.Context, e *model.CashEvent) (bool, error) {
	if err := r.writable(); err != nil {
		return false, err
	}
	if _, ok := r.st.cash[e.RefID]; ok {
		return false, nil
	}
	r.st.cash[e.RefID] = *e
	return true, nil
}

func (r *memRepos) GetCashEvent(_ context.Context, refID string) (*model.CashEvent, error) {
	e, ok := r.st.cash[refID]
	if !ok {
		return nil, fmt.Errorf("%w: cash event %s", model.ErrNotFound, refID)
	}
	return &e, nil
}

func (r *memRepos) ListCashEvents(ctx context.Context, f EventFilter) ([]model.CashEvent, error) {
	var result []model.CashEvent
	for _, e := range r.st.cash {
		if !f.Since.IsZero() && e.OccurredAt.Before(f.Since) {
			continue
		}
		if f.After.passed(e.OccurredAt, e.RefID) {
			continue
		}
		if f.Pending {
			if _, err := r.FindParticipationByRef(ctx, e.RefID); err == nil {
				continue
			}
		}
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].OccurredAt.Equal(result[j].OccurredAt) {
			return result[i].OccurredAt.Before(result[j].OccurredAt)
		}
		return result[i].RefID < result[j].RefID
	})
	return limit(result, f.Limit), nil
}

func (r *memRepos) InsertFeeEvent(_ context.Context, e *model.FeeEvent) (bool, error) {
	if err := r.writable(); err != nil {
		return false, err
	}
	if _, ok := r.st.fees[e.RefID]; ok {
		return false, nil
	}
	r.st.fees[e.RefID] = *e
	return true, nil
}

func (r *memRepos) ListFeeEvents(ctx context.Context, f EventFilter) ([]model.FeeEvent, error) {
	var result []model.FeeEvent
	for _, e := range r.st.fees {
		if !f.Since.IsZero() && e.OccurredAt.Before(f.Since) {
			continue
		}
		if f.After.passed(e.OccurredAt, e.RefID) {
			continue
		}
		if f.Pending {
			if done, _ := r.HasLineFee(ctx, e.RefID); done {
				continue
			}
		}
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].OccurredAt.Equal(result[j].OccurredAt) {
			return result[i].OccurredAt.Before(result[j].OccurredAt)
		}
		return result[i].RefID < result[j].RefID
	})
	return limit(result, f.Limit), nil
}

func limit[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}
