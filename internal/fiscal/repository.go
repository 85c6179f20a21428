package fiscal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-fincore/internal/ledger"
	"github.com/odyssey-erp/odyssey-fincore/internal/platform/db"
	"github.com/odyssey-erp/odyssey-fincore/internal/shared"
)

const periodColumns = `id, organisation_id, branch_id, fiscal_year, period_number, period_name, start_date, end_date,
status, is_adjustment_period, closed_at, closed_by, locked_at, locked_by, created_by, created_at, updated_at`

// PgRepository persists fiscal periods in PostgreSQL.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PgRepository.
func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// WithTx executes fn inside a repeatable-read transaction.
func (r *PgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("fiscal: repository not initialised")
	}
	err := db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
	if db.IsSerializationFailure(err) {
		return fmt.Errorf("%w: %v", ErrConcurrentTransition, err)
	}
	return err
}

// GetPeriod loads a period by its natural key.
func (r *PgRepository) GetPeriod(ctx context.Context, key Key) (Period, error) {
	return scanPeriod(r.pool.QueryRow(ctx, `SELECT `+periodColumns+` FROM fiscal_periods
WHERE organisation_id=$1 AND branch_id=$2 AND fiscal_year=$3 AND period_number=$4`,
		key.Scope.OrganisationID, key.Scope.BranchID, key.FiscalYear, key.PeriodNumber))
}

// ListPeriods returns the periods of a year in number order.
func (r *PgRepository) ListPeriods(ctx context.Context, scope shared.Scope, year int) ([]Period, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+periodColumns+` FROM fiscal_periods
WHERE organisation_id=$1 AND branch_id=$2 AND fiscal_year=$3 ORDER BY period_number`,
		scope.OrganisationID, scope.BranchID, year)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %d", ErrYearNotInitialised, year)
	}
	return out, nil
}

// FindPeriodForDate returns the period containing date.
func (r *PgRepository) FindPeriodForDate(ctx context.Context, scope shared.Scope, date time.Time) (Period, error) {
	return scanPeriod(r.pool.QueryRow(ctx, `SELECT `+periodColumns+` FROM fiscal_periods
WHERE organisation_id=$1 AND branch_id=$2 AND $3::date BETWEEN start_date AND end_date`,
		scope.OrganisationID, scope.BranchID, dateOnly(date)))
}

// SharePeriodForDate loads the period covering date FOR SHARE inside q's
// transaction, so a concurrent close waits for the caller to finish.
func SharePeriodForDate(ctx context.Context, q ledger.Querier, scope shared.Scope, date time.Time) (Period, error) {
	return scanPeriod(q.QueryRow(ctx, `SELECT `+periodColumns+` FROM fiscal_periods
WHERE organisation_id=$1 AND branch_id=$2 AND $3::date BETWEEN start_date AND end_date
FOR SHARE`, scope.OrganisationID, scope.BranchID, dateOnly(date)))
}

type txRepository struct {
	tx pgx.Tx
}

func (t *txRepository) CountYearPeriods(ctx context.Context, scope shared.Scope, year int) (int, error) {
	var count int
	err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM fiscal_periods WHERE organisation_id=$1 AND branch_id=$2 AND fiscal_year=$3`,
		scope.OrganisationID, scope.BranchID, year).Scan(&count)
	return count, err
}

func (t *txRepository) InsertPeriods(ctx context.Context, periods []Period) error {
	if len(periods) == 0 {
		return nil
	}
	const cols = 11
	var sb strings.Builder
	sb.WriteString(`INSERT INTO fiscal_periods (id, organisation_id, branch_id, fiscal_year, period_number, period_name,
start_date, end_date, status, created_by, created_at) VALUES `)
	args := make([]any, 0, len(periods)*cols)
	for i, p := range periods {
		if i > 0 {
			sb.WriteString(",")
		}
		base := i * cols
		sb.WriteString("(")
		for c := 1; c <= cols; c++ {
			if c > 1 {
				sb.WriteString(",")
			}
			fmt.Fprintf(&sb, "$%d", base+c)
		}
		sb.WriteString(")")
		args = append(args, p.ID, p.Scope.OrganisationID, p.Scope.BranchID, p.FiscalYear, p.PeriodNumber, p.PeriodName,
			p.StartDate, p.EndDate, string(p.Status), p.CreatedBy, p.CreatedAt)
	}
	if _, err := t.tx.Exec(ctx, sb.String(), args...); err != nil {
		if shared.IsUniqueViolation(err) {
			return ErrYearExists
		}
		return err
	}
	return nil
}

func (t *txRepository) LockPeriod(ctx context.Context, key Key) (Period, error) {
	return scanPeriod(t.tx.QueryRow(ctx, `SELECT `+periodColumns+` FROM fiscal_periods
WHERE organisation_id=$1 AND branch_id=$2 AND fiscal_year=$3 AND period_number=$4 FOR UPDATE`,
		key.Scope.OrganisationID, key.Scope.BranchID, key.FiscalYear, key.PeriodNumber))
}

func (t *txRepository) SharePeriod(ctx context.Context, key Key) (Period, error) {
	return scanPeriod(t.tx.QueryRow(ctx, `SELECT `+periodColumns+` FROM fiscal_periods
WHERE organisation_id=$1 AND branch_id=$2 AND fiscal_year=$3 AND period_number=$4 FOR SHARE`,
		key.Scope.OrganisationID, key.Scope.BranchID, key.FiscalYear, key.PeriodNumber))
}

func (t *txRepository) CountDraftEntries(ctx context.Context, period Period) (int, error) {
	return ledger.CountDraftEntries(ctx, t.tx, period.ID)
}

func (t *txRepository) UpdateStatus(ctx context.Context, upd StatusUpdate) (Period, error) {
	var query string
	args := []any{upd.Period.ID, string(upd.From), string(upd.To), upd.At}
	switch upd.To {
	case StatusClosed:
		query = `UPDATE fiscal_periods SET status=$3, closed_at=$4, closed_by=$5, updated_at=$4
WHERE id=$1 AND status=$2 RETURNING ` + periodColumns
		args = append(args, upd.Actor)
	case StatusOpen:
		query = `UPDATE fiscal_periods SET status=$3, closed_at=NULL, closed_by=NULL, updated_at=$4
WHERE id=$1 AND status=$2 RETURNING ` + periodColumns
	case StatusLocked:
		query = `UPDATE fiscal_periods SET status=$3, locked_at=$4, locked_by=$5, updated_at=$4
WHERE id=$1 AND status=$2 RETURNING ` + periodColumns
		args = append(args, upd.Actor)
	default:
		return Period{}, fmt.Errorf("fiscal: unsupported status %q", upd.To)
	}
	p, err := scanPeriod(t.tx.QueryRow(ctx, query, args...))
	if errors.Is(err, ErrPeriodNotFound) {
		return Period{}, ErrConcurrentTransition
	}
	return p, err
}

func scanPeriod(row pgx.Row) (Period, error) {
	var p Period
	var status string
	if err := row.Scan(&p.ID, &p.Scope.OrganisationID, &p.Scope.BranchID, &p.FiscalYear, &p.PeriodNumber, &p.PeriodName,
		&p.StartDate, &p.EndDate, &status, &p.IsAdjustmentPeriod, &p.ClosedAt, &p.ClosedBy, &p.LockedAt, &p.LockedBy,
		&p.CreatedBy, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, ErrPeriodNotFound
		}
		return Period{}, err
	}
	p.Status = Status(status)
	return p, nil
}
