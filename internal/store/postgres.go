package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/cyclepool/ledger-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision and
// travel as text to avoid float conversion.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, r Repos) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(ctx, &pgRepos{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}

func (s *PostgresStore) View(ctx context.Context, fn func(ctx context.Context, r Repos) error) error {
	return fn(ctx, &pgRepos{q: s.pool})
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

type pgRepos struct {
	q querier
}

// mapErr translates driver errors into the model's sentinel errors.
func mapErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", model.ErrNotFound, what)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s (%s)", model.ErrDuplicate, what, pgErr.ConstraintName)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func num(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

// where accumulates SQL predicates and their positional arguments.
type where struct {
	clauses []string
	args    []any
}

// add appends clause, binding each ? in turn to the next of args.
func (w *where) add(clause string, args ...any) {
	for _, arg := range args {
		w.args = append(w.args, arg)
		clause = strings.Replace(clause, "?", fmt.Sprintf("$%d", len(w.args)), 1)
	}
	w.clauses = append(w.clauses, clause)
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func (w *where) limit(n int) string {
	if n <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", n)
}

// --- Cycles ---

const cycleCols = `id::TEXT, name, status, started_at, closed_at,
	initial_injection_isk::TEXT, initial_capital_isk::TEXT, refunded_isk::TEXT, created_at`

func scanCycle(row scanner) (*model.Cycle, error) {
	var c model.Cycle
	var injection, capital, refunded string
	if err := row.Scan(&c.ID, &c.Name, &c.Status, &c.StartedAt, &c.ClosedAt,
		&injection, &capital, &refunded, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.InitialInjectionISK = num(injection)
	c.InitialCapitalISK = num(capital)
	c.RefundedISK = num(refunded)
	return &c, nil
}

func (r *pgRepos) CreateCycle(ctx context.Context, c *model.Cycle) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO cycles (id, name, status, started_at, closed_at, initial_injection_isk, initial_capital_isk,
		                     refunded_isk, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
		c.ID, c.Name, c.Status, c.StartedAt, c.ClosedAt,
		c.InitialInjectionISK.String(), c.InitialCapitalISK.String(), c.RefundedISK.String(), c.CreatedAt,
	)
	return mapErr(err, "create cycle "+c.ID)
}

func (r *pgRepos) GetCycle(ctx context.Context, id string) (*model.Cycle, error) {
	c, err := scanCycle(r.q.QueryRow(ctx, `SELECT `+cycleCols+` FROM cycles WHERE id = $1`, id))
	return c, mapErr(err, "cycle "+id)
}

func (r *pgRepos) LockCycle(ctx context.Context, id string) (*model.Cycle, error) {
	c, err := scanCycle(r.q.QueryRow(ctx, `SELECT `+cycleCols+` FROM cycles WHERE id = $1 FOR UPDATE`, id))
	return c, mapErr(err, "lock cycle "+id)
}

func (r *pgRepos) ShareLockCycle(ctx context.Context, id string) (*model.Cycle, error) {
	c, err := scanCycle(r.q.QueryRow(ctx, `SELECT `+cycleCols+` FROM cycles WHERE id = $1 FOR SHARE`, id))
	return c, mapErr(err, "share lock cycle "+id)
}

func (r *pgRepos) ListCycles(ctx context.Context, f CycleFilter) ([]model.Cycle, error) {
	var w where
	if f.ID != "" {
		w.add("id = ?", f.ID)
	}
	if len(f.Status) > 0 {
		statuses := make([]string, len(f.Status))
		for i, s := range f.Status {
			statuses[i] = string(s)
		}
		w.add("status = ANY(?)", statuses)
	}
	rows, err := r.q.Query(ctx,
		`SELECT `+cycleCols+` FROM cycles`+w.String()+` ORDER BY started_at, created_at, id`, w.args...)
	if err != nil {
		return nil, mapErr(err, "list cycles")
	}
	defer rows.Close()

	var cycles []model.Cycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		cycles = append(cycles, *c)
	}
	return cycles, rows.Err()
}

func (r *pgRepos) UpdateCycle(ctx context.Context, c *model.Cycle) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE cycles
		 SET name = $2, status = $3, started_at = $4, closed_at = $5,
		     initial_injection_isk = $6::NUMERIC, initial_capital_isk = $7::NUMERIC, refunded_isk = $8::NUMERIC
		 WHERE id = $1`,
		c.ID, c.Name, c.Status, c.StartedAt, c.ClosedAt,
		c.InitialInjectionISK.String(), c.InitialCapitalISK.String(), c.RefundedISK.String(),
	)
	if err != nil {
		return mapErr(err, "update cycle "+c.ID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: cycle %s", model.ErrNotFound, c.ID)
	}
	return nil
}

func (r *pgRepos) CreateCommit(ctx context.Context, pc *model.PlanCommit) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO plan_commits (id, cycle_id, memo, created_at) VALUES ($1, $2, $3, $4)`,
		pc.ID, pc.CycleID, pc.Memo, pc.CreatedAt)
	return mapErr(err, "create commit "+pc.ID)
}

func (r *pgRepos) GetCommit(ctx context.Context, id string) (*model.PlanCommit, error) {
	var pc model.PlanCommit
	err := r.q.QueryRow(ctx,
		`SELECT id::TEXT, cycle_id::TEXT, memo, created_at FROM plan_commits WHERE id = $1`, id).
		Scan(&pc.ID, &pc.CycleID, &pc.Memo, &pc.CreatedAt)
	if err != nil {
		return nil, mapErr(err, "commit "+id)
	}
	return &pc, nil
}

// --- Lines ---

const lineCols = `id::TEXT, cycle_id::TEXT, COALESCE(commit_id::TEXT, ''), type_id, type_name,
	destination_station_id, station_name, planned_units, units_bought, units_sold, listed_units,
	buy_cost_isk::TEXT, sales_gross_isk::TEXT, sales_tax_isk::TEXT, sales_net_isk::TEXT,
	broker_fees_isk::TEXT, relist_fees_isk::TEXT, is_rollover,
	COALESCE(rollover_from_line_id::TEXT, ''), created_at`

func scanLine(row scanner) (*model.CycleLine, error) {
	var l model.CycleLine
	var buyCost, gross, tax, net, broker, relist string
	if err := row.Scan(&l.ID, &l.CycleID, &l.CommitID, &l.TypeID, &l.TypeName,
		&l.DestinationStationID, &l.StationName, &l.PlannedUnits, &l.UnitsBought, &l.UnitsSold, &l.ListedUnits,
		&buyCost, &gross, &tax, &net, &broker, &relist, &l.IsRollover,
		&l.RolloverFromLineID, &l.CreatedAt); err != nil {
		return nil, err
	}
	l.BuyCostISK = num(buyCost)
	l.SalesGrossISK = num(gross)
	l.SalesTaxISK = num(tax)
	l.SalesNetISK = num(net)
	l.BrokerFeesISK = num(broker)
	l.RelistFeesISK = num(relist)
	return &l, nil
}

func (r *pgRepos) CreateLine(ctx context.Context, l *model.CycleLine) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO cycle_lines (id, cycle_id, commit_id, type_id, type_name, destination_station_id, station_name,
		        planned_units, units_bought, units_sold, listed_units,
		        buy_cost_isk, sales_gross_isk, sales_tax_isk, sales_net_isk, broker_fees_isk, relist_fees_isk,
		        is_rollover, rollover_from_line_id, created_at)
		 VALUES ($1, $2, NULLIF($3, '')::UUID, $4, $5, $6, $7, $8, $9, $10, $11,
		        $12::NUMERIC, $13::NUMERIC, $14::NUMERIC, $15::NUMERIC, $16::NUMERIC, $17::NUMERIC,
		        $18, NULLIF($19, '')::UUID, $20)`,
		l.ID, l.CycleID, l.CommitID, l.TypeID, l.TypeName, l.DestinationStationID, l.StationName,
		l.PlannedUnits, l.UnitsBought, l.UnitsSold, l.ListedUnits,
		l.BuyCostISK.String(), l.SalesGrossISK.String(), l.SalesTaxISK.String(), l.SalesNetISK.String(),
		l.BrokerFeesISK.String(), l.RelistFeesISK.String(),
		l.IsRollover, l.RolloverFromLineID, l.CreatedAt,
	)
	return mapErr(err, "create line "+l.ID)
}

func (r *pgRepos) GetLine(ctx context.Context, id string) (*model.CycleLine, error) {
	l, err := scanLine(r.q.QueryRow(ctx, `SELECT `+lineCols+` FROM cycle_lines WHERE id = $1`, id))
	return l, mapErr(err, "line "+id)
}

func (r *pgRepos) ListLines(ctx context.Context, f LineFilter) ([]model.CycleLine, error) {
	var w where
	if f.CycleID != "" {
		w.add("cycle_id = ?", f.CycleID)
	}
	if f.CommitID != "" {
		w.add("commit_id = ?", f.CommitID)
	}
	if f.TypeID != 0 {
		w.add("type_id = ?", f.TypeID)
	}
	if f.StationID != 0 {
		w.add("destination_station_id = ?", f.StationID)
	}
	rows, err := r.q.Query(ctx,
		`SELECT `+lineCols+` FROM cycle_lines`+w.String()+` ORDER BY created_at, id`, w.args...)
	if err != nil {
		return nil, mapErr(err, "list lines")
	}
	defer rows.Close()

	var lines []model.CycleLine
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		lines = append(lines, *l)
	}
	return lines, rows.Err()
}

func (r *pgRepos) UpdateLine(ctx context.Context, l *model.CycleLine) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE cycle_lines
		 SET planned_units = $2, units_bought = $3, units_sold = $4, listed_units = $5,
		     buy_cost_isk = $6::NUMERIC, sales_gross_isk = $7::NUMERIC, sales_tax_isk = $8::NUMERIC,
		     sales_net_isk = $9::NUMERIC, broker_fees_isk = $10::NUMERIC, relist_fees_isk = $11::NUMERIC
		 WHERE id = $1`,
		l.ID, l.PlannedUnits, l.UnitsBought, l.UnitsSold, l.ListedUnits,
		l.BuyCostISK.String(), l.SalesGrossISK.String(), l.SalesTaxISK.String(),
		l.SalesNetISK.String(), l.BrokerFeesISK.String(), l.RelistFeesISK.String(),
	)
	if err != nil {
		return mapErr(err, "update line "+l.ID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: line %s", model.ErrNotFound, l.ID)
	}
	return nil
}

func (r *pgRepos) DeleteLine(ctx context.Context, id string) error {
	if _, err := r.q.Exec(ctx, `DELETE FROM allocations WHERE line_id = $1`, id); err != nil {
		return mapErr(err, "delete allocations of line "+id)
	}
	if _, err := r.q.Exec(ctx, `DELETE FROM line_fees WHERE line_id = $1`, id); err != nil {
		return mapErr(err, "delete fees of line "+id)
	}
	tag, err := r.q.Exec(ctx, `DELETE FROM cycle_lines WHERE id = $1`, id)
	if err != nil {
		return mapErr(err, "delete line "+id)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: line %s", model.ErrNotFound, id)
	}
	return nil
}

func (r *pgRepos) InsertAllocation(ctx context.Context, a *model.Allocation) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO allocations (id, side, line_id, external_ref_id, quantity, unit_price_isk, occurred_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8)`,
		a.ID, a.Side, a.LineID, a.ExternalRefID, a.Quantity, a.UnitPriceISK.String(), a.OccurredAt, a.CreatedAt)
	return mapErr(err, "insert allocation "+a.ExternalRefID)
}

func (r *pgRepos) HasAllocation(ctx context.Context, side model.Side, externalRefID string) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM allocations WHERE side = $1 AND external_ref_id = $2)`,
		side, externalRefID).Scan(&exists)
	return exists, mapErr(err, "check allocation "+externalRefID)
}

func (r *pgRepos) ListAllocations(ctx context.Context, f AllocationFilter) ([]model.Allocation, error) {
	var w where
	if f.LineID != "" {
		w.add("line_id = ?", f.LineID)
	}
	if f.Side != "" {
		w.add("side = ?", f.Side)
	}
	rows, err := r.q.Query(ctx,
		`SELECT id::TEXT, side, line_id::TEXT, external_ref_id, quantity, unit_price_isk::TEXT, occurred_at, created_at
		 FROM allocations`+w.String()+` ORDER BY occurred_at, id`, w.args...)
	if err != nil {
		return nil, mapErr(err, "list allocations")
	}
	defer rows.Close()

	var result []model.Allocation
	for rows.Next() {
		var a model.Allocation
		var price string
		if err := rows.Scan(&a.ID, &a.Side, &a.LineID, &a.ExternalRefID, &a.Quantity, &price,
			&a.OccurredAt, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.UnitPriceISK = num(price)
		result = append(result, a)
	}
	return result, rows.Err()
}

func (r *pgRepos) InsertLineFee(ctx context.Context, f *model.LineFee) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO line_fees (id, line_id, kind, ref_id, amount_isk, occurred_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6)`,
		f.ID, f.LineID, f.Kind, f.RefID, f.AmountISK.String(), f.OccurredAt)
	return mapErr(err, "insert line fee "+f.RefID)
}

func (r *pgRepos) HasLineFee(ctx context.Context, refID string) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM line_fees WHERE ref_id = $1)`, refID).Scan(&exists)
	return exists, mapErr(err, "check line fee "+refID)
}

// --- Participations ---

const participationCols = `id::TEXT, cycle_id::TEXT, COALESCE(user_id, ''), character_name, character_id,
	amount_isk::TEXT, profit_share_pct::TEXT, status, memo, reinvest, payout_recipient,
	COALESCE(wallet_journal_ref, ''), validated_at, COALESCE(rollover_from_participation_id::TEXT, ''),
	payout_amount_isk::TEXT, payout_paid_at, created_at`

func scanParticipation(row scanner) (*model.Participation, error) {
	var p model.Participation
	var amount, pct string
	var payout *string
	if err := row.Scan(&p.ID, &p.CycleID, &p.UserID, &p.CharacterName, &p.CharacterID,
		&amount, &pct, &p.Status, &p.Memo, &p.Reinvest, &p.PayoutRecipient,
		&p.WalletJournalRef, &p.ValidatedAt, &p.RolloverFromParticipationID,
		&payout, &p.PayoutPaidAt, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.AmountISK = num(amount)
	p.ProfitSharePct = num(pct)
	if payout != nil {
		v := num(*payout)
		p.PayoutAmountISK = &v
	}
	return &p, nil
}

func optionalNum(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func (r *pgRepos) CreateParticipation(ctx context.Context, p *model.Participation) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO participations (id, cycle_id, user_id, character_name, character_id, amount_isk,
		        profit_share_pct, status, memo, reinvest, payout_recipient, wallet_journal_ref, validated_at,
		        rollover_from_participation_id, payout_amount_isk, payout_paid_at, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11,
		        NULLIF($12, ''), $13, NULLIF($14, '')::UUID, $15::NUMERIC, $16, $17)`,
		p.ID, p.CycleID, p.UserID, p.CharacterName, p.CharacterID, p.AmountISK.String(),
		p.ProfitSharePct.String(), p.Status, p.Memo, p.Reinvest, p.PayoutRecipient, p.WalletJournalRef,
		p.ValidatedAt, p.RolloverFromParticipationID, optionalNum(p.PayoutAmountISK), p.PayoutPaidAt, p.CreatedAt,
	)
	return mapErr(err, "create participation "+p.ID)
}

func (r *pgRepos) GetParticipation(ctx context.Context, id string) (*model.Participation, error) {
	p, err := scanParticipation(r.q.QueryRow(ctx,
		`SELECT `+participationCols+` FROM participations WHERE id = $1`, id))
	return p, mapErr(err, "participation "+id)
}

func (r *pgRepos) ListParticipations(ctx context.Context, f ParticipationFilter) ([]model.Participation, error) {
	var w where
	if f.CycleID != "" {
		w.add("cycle_id = ?", f.CycleID)
	}
	if len(f.Status) > 0 {
		statuses := make([]string, len(f.Status))
		for i, s := range f.Status {
			statuses[i] = string(s)
		}
		w.add("status = ANY(?)", statuses)
	}
	rows, err := r.q.Query(ctx,
		`SELECT `+participationCols+` FROM participations`+w.String()+` ORDER BY created_at, id`, w.args...)
	if err != nil {
		return nil, mapErr(err, "list participations")
	}
	defer rows.Close()

	var result []model.Participation
	for rows.Next() {
		p, err := scanParticipation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

func (r *pgRepos) UpdateParticipation(ctx context.Context, p *model.Participation) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE participations
		 SET amount_isk = $2::NUMERIC, profit_share_pct = $3::NUMERIC, status = $4,
		     wallet_journal_ref = NULLIF($5, ''), validated_at = $6,
		     payout_amount_isk = $7::NUMERIC, payout_paid_at = $8, payout_recipient = $9
		 WHERE id = $1`,
		p.ID, p.AmountISK.String(), p.ProfitSharePct.String(), p.Status,
		p.WalletJournalRef, p.ValidatedAt, optionalNum(p.PayoutAmountISK), p.PayoutPaidAt, p.PayoutRecipient,
	)
	if err != nil {
		return mapErr(err, "update participation "+p.ID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: participation %s", model.ErrNotFound, p.ID)
	}
	return nil
}

func (r *pgRepos) FindParticipationByRef(ctx context.Context, refID string) (*model.Participation, error) {
	p, err := scanParticipation(r.q.QueryRow(ctx,
		`SELECT `+participationCols+` FROM participations WHERE wallet_journal_ref = $1`, refID))
	return p, mapErr(err, "participation for ref "+refID)
}

func (r *pgRepos) FindRolloverOf(ctx context.Context, sourceID string) (*model.Participation, error) {
	p, err := scanParticipation(r.q.QueryRow(ctx,
		`SELECT `+participationCols+` FROM participations WHERE rollover_from_participation_id = $1`, sourceID))
	return p, mapErr(err, "rollover of participation "+sourceID)
}

// --- Costs ---

func (r *pgRepos) InsertTransportFee(ctx context.Context, f *model.TransportFee) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO transport_fees (id, cycle_id, amount_isk, memo, created_at) VALUES ($1, $2, $3::NUMERIC, $4, $5)`,
		f.ID, f.CycleID, f.AmountISK.String(), f.Memo, f.CreatedAt)
	return mapErr(err, "insert transport fee")
}

func (r *pgRepos) ListTransportFees(ctx context.Context, cycleID string) ([]model.TransportFee, error) {
	rows, err := r.q.Query(ctx,
		`SELECT id::TEXT, cycle_id::TEXT, amount_isk::TEXT, memo, created_at
		 FROM transport_fees WHERE cycle_id = $1 ORDER BY created_at`, cycleID)
	if err != nil {
		return nil, mapErr(err, "list transport fees")
	}
	defer rows.Close()

	var result []model.TransportFee
	for rows.Next() {
		var f model.TransportFee
		var amount string
		if err := rows.Scan(&f.ID, &f.CycleID, &amount, &f.Memo, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.AmountISK = num(amount)
		result = append(result, f)
	}
	return result, rows.Err()
}

func (r *pgRepos) InsertSnapshot(ctx context.Context, s *model.CycleSnapshot) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO cycle_snapshots (id, cycle_id, cash_isk, inventory_isk, taken_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5)`,
		s.ID, s.CycleID, s.CashISK.String(), s.InventoryISK.String(), s.TakenAt)
	return mapErr(err, "insert snapshot")
}

func (r *pgRepos) ListSnapshots(ctx context.Context, cycleID string) ([]model.CycleSnapshot, error) {
	rows, err := r.q.Query(ctx,
		`SELECT id::TEXT, cycle_id::TEXT, cash_isk::TEXT, inventory_isk::TEXT, taken_at
		 FROM cycle_snapshots WHERE cycle_id = $1 ORDER BY taken_at`, cycleID)
	if err != nil {
		return nil, mapErr(err, "list snapshots")
	}
	defer rows.Close()

	var result []model.CycleSnapshot
	for rows.Next() {
		var s model.CycleSnapshot
		var cash, inventory string
		if err := rows.Scan(&s.ID, &s.CycleID, &cash, &inventory, &s.TakenAt); err != nil {
			return nil, err
		}
		s.CashISK = num(cash)
		s.InventoryISK = num(inventory)
		result = append(result, s)
	}
	return result, rows.Err()
}

// --- Ledger ---

func (r *pgRepos) AppendEntry(ctx context.Context, e *model.LedgerEntry) (bool, error) {
	tag, err := r.q.Exec(ctx,
		`INSERT INTO ledger_entries (id, cycle_id, entry_type, amount_isk, quantity, occurred_at, memo,
		        plan_commit_id, line_id, participation_id, character_name, type_id, station_id,
		        source, source_ref, match_status, dedupe_key, created_at)
		 VALUES ($1, NULLIF($2, '')::UUID, $3, $4::NUMERIC, $5, $6, $7,
		        NULLIF($8, '')::UUID, NULLIF($9, '')::UUID, NULLIF($10, '')::UUID, $11, $12, $13,
		        $14, $15, $16, NULLIF($17, ''), $18)
		 ON CONFLICT (dedupe_key) DO NOTHING`,
		e.ID, e.CycleID, e.EntryType, e.AmountISK.String(), e.Quantity, e.OccurredAt, e.Memo,
		e.PlanCommitID, e.LineID, e.ParticipationID, e.CharacterName, e.TypeID, e.StationID,
		e.Source, e.SourceRef, e.MatchStatus, e.DedupeKey, e.CreatedAt,
	)
	if err != nil {
		return false, mapErr(err, "append ledger entry")
	}
	return tag.RowsAffected() == 1, nil
}

func (r *pgRepos) ListEntries(ctx context.Context, f EntryFilter) ([]model.LedgerEntry, error) {
	var w where
	if f.CycleID != "" {
		w.add("cycle_id = ?", f.CycleID)
	}
	if f.PlanCommitID != "" {
		w.add("plan_commit_id = ?", f.PlanCommitID)
	}
	if f.ParticipationID != "" {
		w.add("participation_id = ?", f.ParticipationID)
	}
	if f.EntryType != "" {
		w.add("entry_type = ?", f.EntryType)
	}
	rows, err := r.q.Query(ctx,
		`SELECT id::TEXT, COALESCE(cycle_id::TEXT, ''), entry_type, amount_isk::TEXT, quantity, occurred_at, memo,
		        COALESCE(plan_commit_id::TEXT, ''), COALESCE(line_id::TEXT, ''), COALESCE(participation_id::TEXT, ''),
		        character_name, type_id, station_id, source, source_ref, match_status,
		        COALESCE(dedupe_key, ''), created_at
		 FROM ledger_entries`+w.String()+` ORDER BY created_at, id`+w.limit(f.Limit), w.args...)
	if err != nil {
		return nil, mapErr(err, "list ledger entries")
	}
	defer rows.Close()

	var result []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var amount string
		if err := rows.Scan(&e.ID, &e.CycleID, &e.EntryType, &amount, &e.Quantity, &e.OccurredAt, &e.Memo,
			&e.PlanCommitID, &e.LineID, &e.ParticipationID,
			&e.CharacterName, &e.TypeID, &e.StationID, &e.Source, &e.SourceRef, &e.MatchStatus,
			&e.DedupeKey, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.AmountISK = num(amount)
		result = append(result, e)
	}
	return result, rows.Err()
}

// --- Inbox ---

func (r *pgRepos) InsertFillEvent(ctx context.Context, e *model.FillEvent) (bool, error) {
	tag, err := r.q.Exec(ctx,
		`INSERT INTO fill_events (side, external_ref_id, type_id, station_id, quantity, unit_price_isk, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7)
		 ON CONFLICT (side, external_ref_id) DO NOTHING`,
		e.Side, e.ExternalRefID, e.TypeID, e.StationID, e.Quantity, e.UnitPriceISK.String(), e.OccurredAt)
	if err != nil {
		return false, mapErr(err, "insert fill event "+e.ExternalRefID)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *pgRepos) ListFillEvents(ctx context.Context, f EventFilter) ([]model.FillEvent, error) {
	var w where
	if !f.Since.IsZero() {
		w.add("e.occurred_at >= ?", f.Since)
	}
	if f.After != nil {
		w.add("(e.occurred_at, e.side || ':' || e.external_ref_id) > (?, ?)", f.After.OccurredAt, f.After.Key)
	}
	if f.Pending {
		w.clauses = append(w.clauses,
			"NOT EXISTS (SELECT 1 FROM allocations a WHERE a.side = e.side AND a.external_ref_id = e.external_ref_id)")
	}
	rows, err := r.q.Query(ctx,
		`SELECT e.side, e.external_ref_id, e.type_id, e.station_id, e.quantity, e.unit_price_isk::TEXT, e.occurred_at
		 FROM fill_events e`+w.String()+` ORDER BY e.occurred_at, e.side || ':' || e.external_ref_id`+w.limit(f.Limit),
		w.args...)
	if err != nil {
		return nil, mapErr(err, "list fill events")
	}
	defer rows.Close()

	var result []model.FillEvent
	for rows.Next() {
		var e model.FillEvent
		var price string
		if err := rows.Scan(&e.Side, &e.ExternalRefID, &e.TypeID, &e.StationID, &e.Quantity, &price,
			&e.OccurredAt); err != nil {
			return nil, err
		}
		e.UnitPriceISK = num(price)
		result = append(result, e)
	}
	return result, rows.Err()
}

func (r *pgRepos) InsertCashEvent(ctx context.Context, e *model.CashEvent) (bool, error) {
	tag, err := r.q.Exec(ctx,
		`INSERT INTO cash_events (ref_id, amount_isk, character_id, character_name, reason, is_wallet_journal, occurred_at)
		 VALUES ($1, $2::NUMERIC, $3, $4, $5, $6, $7)
		 ON CONFLICT (ref_id) DO NOTHING`,
		e.RefID, e.AmountISK.String(), e.CharacterID, e.CharacterName, e.Reason, e.IsWalletJournal, e.OccurredAt)
	if err != nil {
		return false, mapErr(err, "insert cash event "+e.RefID)
	}
	return tag.RowsAffected() == 1, nil
}

const cashCols = `c.ref_id, c.amount_isk::TEXT, c.character_id, c.character_name, c.reason, c.is_wallet_journal, c.occurred_at`

func scanCash(row scanner) (*model.CashEvent, error) {
	var e model.CashEvent
	var amount string
	if err := row.Scan(&e.RefID, &amount, &e.CharacterID, &e.CharacterName, &e.Reason,
		&e.IsWalletJournal, &e.OccurredAt); err != nil {
		return nil, err
	}
	e.AmountISK = num(amount)
	return &e, nil
}

func (r *pgRepos) GetCashEvent(ctx context.Context, refID string) (*model.CashEvent, error) {
	e, err := scanCash(r.q.QueryRow(ctx, `SELECT `+cashCols+` FROM cash_events c WHERE c.ref_id = $1`, refID))
	return e, mapErr(err, "cash event "+refID)
}

func (r *pgRepos) ListCashEvents(ctx context.Context, f EventFilter) ([]model.CashEvent, error) {
	var w where
	if !f.Since.IsZero() {
		w.add("c.occurred_at >= ?", f.Since)
	}
	if f.After != nil {
		w.add("(c.occurred_at, c.ref_id) > (?, ?)", f.After.OccurredAt, f.After.Key)
	}
	if f.Pending {
		w.clauses = append(w.clauses,
			"NOT EXISTS (SELECT 1 FROM participations p WHERE p.wallet_journal_ref = c.ref_id)")
	}
	rows, err := r.q.Query(ctx,
		`SELECT `+cashCols+` FROM cash_events c`+w.String()+` ORDER BY c.occurred_at, c.ref_id`+w.limit(f.Limit),
		w.args...)
	if err != nil {
		return nil, mapErr(err, "list cash events")
	}
	defer rows.Close()

	var result []model.CashEvent
	for rows.Next() {
		e, err := scanCash(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	return result, rows.Err()
}

func (r *pgRepos) InsertFeeEvent(ctx context.Context, e *model.FeeEvent) (bool, error) {
	tag, err := r.q.Exec(ctx,
		`INSERT INTO fee_events (ref_id, kind, type_id, station_id, amount_isk, occurred_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6)
		 ON CONFLICT (ref_id) DO NOTHING`,
		e.RefID, e.Kind, e.TypeID, e.StationID, e.AmountISK.String(), e.OccurredAt)
	if err != nil {
		return false, mapErr(err, "insert fee event "+e.RefID)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *pgRepos) ListFeeEvents(ctx context.Context, f EventFilter) ([]model.FeeEvent, error) {
	var w where
	if !f.Since.IsZero() {
		w.add("e.occurred_at >= ?", f.Since)
	}
	if f.After != nil {
		w.add("(e.occurred_at, e.ref_id) > (?, ?)", f.After.OccurredAt, f.After.Key)
	}
	if f.Pending {
		w.clauses = append(w.clauses, "NOT EXISTS (SELECT 1 FROM line_fees lf WHERE lf.ref_id = e.ref_id)")
	}
	rows, err := r.q.Query(ctx,
		`SELECT e.ref_id, e.kind, e.type_id, e.station_id, e.amount_isk::TEXT, e.occurred_at
		 FROM fee_events e`+w.String()+` ORDER BY e.occurred_at, e.ref_id`+w.limit(f.Limit), w.args...)
	if err != nil {
		return nil, mapErr(err, "list fee events")
	}
	defer rows.Close()

	var result []model.FeeEvent
	for rows.Next() {
		var e model.FeeEvent
		var amount string
		if err := rows.Scan(&e.RefID, &e.Kind, &e.TypeID, &e.StationID, &amount, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.AmountISK = num(amount)
		result = append(result, e)
	}
	return result, rows.Err()
}

// Ping verifies connectivity; used by the health endpoint.
func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}
