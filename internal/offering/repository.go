package offering

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-fincore/internal/fiscal"
	"github.com/odyssey-erp/odyssey-fincore/internal/ledger"
	"github.com/odyssey-erp/odyssey-fincore/internal/platform/db"
	"github.com/odyssey-erp/odyssey-fincore/internal/shared"
)

const batchColumns = `id, organisation_id, branch_id, batch_number, batch_date, service_name, offering_type,
cash_amount, mobile_money_amount, cheque_amount, foreign_currency_amount, cash_denominations, counted_by,
verifier_id, verified_by, verified_at, verification_notes, approved_by, approved_at, discrepancy_amount, discrepancy_notes,
bank_account_id, deposit_date, deposit_slip_number, status, is_posted_to_gl, journal_entry_id, posted_by, posted_at,
notes, version, created_by, created_at, updated_at`

// PgRepository persists offering batches in PostgreSQL.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PgRepository.
func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// WithTx executes fn inside a repeatable-read transaction. A serialization
// failure means another writer touched the batch first and surfaces as a
// stale version.
func (r *PgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("offering: repository not initialised")
	}
	err := db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
	if db.IsSerializationFailure(err) {
		return fmt.Errorf("%w: %v", ErrStaleVersion, err)
	}
	return err
}

// GetBatch loads a batch in scope.
func (r *PgRepository) GetBatch(ctx context.Context, scope shared.Scope, id uuid.UUID) (Batch, error) {
	return getBatch(ctx, r.pool, scope, id)
}

// ListBatches returns a filtered page and the total match count.
func (r *PgRepository) ListBatches(ctx context.Context, f ListFilter) ([]Batch, int, error) {
	where := []string{"organisation_id=$1", "branch_id=$2"}
	args := []any{f.Scope.OrganisationID, f.Scope.BranchID}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status=$%d", len(args)))
	}
	if f.DateFrom != nil {
		args = append(args, dateOnly(*f.DateFrom))
		where = append(where, fmt.Sprintf("batch_date >= $%d", len(args)))
	}
	if f.DateTo != nil {
		args = append(args, dateOnly(*f.DateTo))
		where = append(where, fmt.Sprintf("batch_date <= $%d", len(args)))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM offering_batches WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, f.PerPage, shared.Offset(f.Page, f.PerPage))
	query := fmt.Sprintf(`SELECT %s FROM offering_batches WHERE %s ORDER BY batch_date DESC, batch_number DESC LIMIT $%d OFFSET $%d`,
		batchColumns, clause, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, b)
	}
	return out, total, rows.Err()
}

// LastBatchSequence returns the highest numeric suffix among batch numbers of
// the scope that start with numberPrefix. Random eight-character suffixes are
// ignored.
func (r *PgRepository) LastBatchSequence(ctx context.Context, scope shared.Scope, numberPrefix string) (int64, error) {
	var last int64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(MAX(CAST(substr(batch_number, length($3) + 1) AS BIGINT)), 0)
FROM offering_batches
WHERE organisation_id=$1 AND branch_id=$2 AND left(batch_number, length($3)) = $3
AND substr(batch_number, length($3) + 1) ~ '^[0-9]{1,7}$'`,
		scope.OrganisationID, scope.BranchID, numberPrefix).Scan(&last)
	return last, err
}

type txRepository struct {
	tx pgx.Tx
}

func (t *txRepository) InsertBatch(ctx context.Context, b Batch) error {
	denominations, err := json.Marshal(b.CashDenominations)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `INSERT INTO offering_batches (id, organisation_id, branch_id, batch_number, batch_date, service_name, offering_type,
cash_amount, mobile_money_amount, cheque_amount, foreign_currency_amount, total_amount, cash_denominations, counted_by,
status, is_posted_to_gl, notes, version, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,FALSE,$16,0,$17,$18,$18)`,
		b.ID, b.Scope.OrganisationID, b.Scope.BranchID, b.BatchNumber, b.BatchDate, b.ServiceName, string(b.OfferingType),
		b.Amounts.Cash, b.Amounts.MobileMoney, b.Amounts.Cheque, b.Amounts.ForeignCurrency, b.TotalAmount(), denominations, b.CountedBy,
		string(b.Status), b.Notes, b.CreatedBy, b.CreatedAt)
	if err != nil {
		if shared.IsUniqueViolation(err, "uq_offering_batches_number") {
			return ErrDuplicateBatchNumber
		}
		return err
	}
	return nil
}

func (t *txRepository) GetBatch(ctx context.Context, scope shared.Scope, id uuid.UUID) (Batch, error) {
	return getBatch(ctx, t.tx, scope, id)
}

func (t *txRepository) CompareAndSwap(ctx context.Context, b Batch, expected int64) (Batch, error) {
	var version int64
	err := t.tx.QueryRow(ctx, `UPDATE offering_batches SET
status=$5, verifier_id=$6, verified_by=$7, verified_at=$8, verification_notes=$9,
approved_by=$10, approved_at=$11, discrepancy_amount=$12, discrepancy_notes=$13,
bank_account_id=$14, deposit_date=$15, deposit_slip_number=$16,
is_posted_to_gl=$17, posted_by=$18, posted_at=$19, updated_at=$20, version=version+1
WHERE id=$1 AND organisation_id=$2 AND branch_id=$3 AND version=$4 AND is_posted_to_gl=FALSE
RETURNING version`,
		b.ID, b.Scope.OrganisationID, b.Scope.BranchID, expected,
		string(b.Status), b.VerifierID, b.VerifiedBy, b.VerifiedAt, b.VerificationNotes,
		b.ApprovedBy, b.ApprovedAt, b.DiscrepancyAmount, b.DiscrepancyNotes,
		b.Deposit.BankAccountID, b.Deposit.DepositDate, b.Deposit.DepositSlipNumber,
		b.IsPostedToGL, b.PostedBy, b.PostedAt, b.UpdatedAt).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Batch{}, ErrStaleVersion
		}
		return Batch{}, err
	}
	b.Version = version
	return b, nil
}

func (t *txRepository) AttachJournalEntry(ctx context.Context, b Batch, entryID uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `UPDATE offering_batches SET journal_entry_id=$4
WHERE id=$1 AND organisation_id=$2 AND branch_id=$3 AND is_posted_to_gl AND journal_entry_id IS NULL`,
		b.ID, b.Scope.OrganisationID, b.Scope.BranchID, entryID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleVersion
	}
	return nil
}

func (t *txRepository) PostJournal(ctx context.Context, poster ledger.Poster, req ledger.JournalRequest) (ledger.JournalEntry, error) {
	return poster.PostJournal(ctx, t.tx, req)
}

func (t *txRepository) PeriodForDate(ctx context.Context, scope shared.Scope, date time.Time) (fiscal.Period, error) {
	return fiscal.SharePeriodForDate(ctx, t.tx, scope, date)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getBatch(ctx context.Context, q queryRower, scope shared.Scope, id uuid.UUID) (Batch, error) {
	return scanBatch(q.QueryRow(ctx, `SELECT `+batchColumns+` FROM offering_batches
WHERE id=$1 AND organisation_id=$2 AND branch_id=$3`, id, scope.OrganisationID, scope.BranchID))
}

func scanBatch(row pgx.Row) (Batch, error) {
	var b Batch
	var offeringType, status string
	var denominations []byte
	var discrepancy decimal.NullDecimal
	if err := row.Scan(&b.ID, &b.Scope.OrganisationID, &b.Scope.BranchID, &b.BatchNumber, &b.BatchDate, &b.ServiceName, &offeringType,
		&b.Amounts.Cash, &b.Amounts.MobileMoney, &b.Amounts.Cheque, &b.Amounts.ForeignCurrency, &denominations, &b.CountedBy,
		&b.VerifierID, &b.VerifiedBy, &b.VerifiedAt, &b.VerificationNotes, &b.ApprovedBy, &b.ApprovedAt, &discrepancy, &b.DiscrepancyNotes,
		&b.Deposit.BankAccountID, &b.Deposit.DepositDate, &b.Deposit.DepositSlipNumber, &status, &b.IsPostedToGL, &b.JournalEntryID,
		&b.PostedBy, &b.PostedAt, &b.Notes, &b.Version, &b.CreatedBy, &b.CreatedAt, &b.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Batch{}, ErrBatchNotFound
		}
		return Batch{}, err
	}
	b.OfferingType = OfferingType(offeringType)
	b.Status = Status(status)
	if discrepancy.Valid {
		amount := discrepancy.Decimal
		b.DiscrepancyAmount = &amount
	}
	if len(denominations) > 0 && string(denominations) != "null" {
		if err := json.Unmarshal(denominations, &b.CashDenominations); err != nil {
			return Batch{}, fmt.Errorf("offering: decode denominations: %w", err)
		}
	}
	return b, nil
}
