package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-fincore/internal/platform/db"
	"github.com/odyssey-erp/odyssey-fincore/internal/shared"
)

// Querier is satisfied by pgx.Tx and *pgxpool.Pool.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CountDraftEntries returns the number of DRAFT journal entries booked into
// the period. Callers closing a period pass their own transaction so the count
// and the status change commit together.
func CountDraftEntries(ctx context.Context, q Querier, periodID uuid.UUID) (int, error) {
	var count int
	err := q.QueryRow(ctx, `SELECT COUNT(*) FROM journal_entries WHERE period_id=$1 AND status='DRAFT'`, periodID).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Repository is the Postgres-backed ledger collaborator.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var errSourceLinked = errors.New("ledger: source already linked")

// Poster creates balanced journal entries on the caller's transaction.
type Poster interface {
	PostJournal(ctx context.Context, tx pgx.Tx, req JournalRequest) (JournalEntry, error)
}

// PostJournal validates req and persists it as a POSTED entry on tx, so the
// entry commits or rolls back with the caller's work and no second pool
// connection is held. A nil tx runs in a transaction of its own.
// The covering fiscal period row is held FOR SHARE so a concurrent close
// cannot interleave. A request whose source was already linked returns the
// existing entry with Replayed set.
func (r *Repository) PostJournal(ctx context.Context, tx pgx.Tx, req JournalRequest) (JournalEntry, error) {
	if err := req.Validate(); err != nil {
		return JournalEntry{}, err
	}
	if tx == nil {
		if r == nil || r.pool == nil {
			return JournalEntry{}, errors.New("ledger repository not initialised")
		}
		var entry JournalEntry
		err := db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
			var err error
			entry, err = r.PostJournal(ctx, tx, req)
			return err
		})
		return entry, err
	}

	// Savepoint: a replayed source link must leave tx usable.
	sp, err := tx.Begin(ctx)
	if err != nil {
		return JournalEntry{}, err
	}
	entry, err := insertEntry(ctx, sp, req)
	if err != nil {
		_ = sp.Rollback(ctx)
		if !errors.Is(err, errSourceLinked) {
			return JournalEntry{}, err
		}
		existing, lookupErr := linkedEntry(ctx, tx, req.SourceModule, req.SourceID)
		if lookupErr != nil {
			return JournalEntry{}, lookupErr
		}
		existing.Replayed = true
		return existing, nil
	}
	if err := sp.Commit(ctx); err != nil {
		return JournalEntry{}, err
	}
	return entry, nil
}

func insertEntry(ctx context.Context, tx pgx.Tx, req JournalRequest) (JournalEntry, error) {
	var periodID uuid.UUID
	var status string
	err := tx.QueryRow(ctx, `SELECT id, status FROM fiscal_periods
WHERE organisation_id=$1 AND branch_id=$2 AND $3::date BETWEEN start_date AND end_date
FOR SHARE`, req.Scope.OrganisationID, req.Scope.BranchID, req.Date).Scan(&periodID, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return JournalEntry{}, ErrNoPeriod
		}
		return JournalEntry{}, err
	}
	if status != "OPEN" {
		return JournalEntry{}, ErrPeriodNotOpen
	}
	entry := JournalEntry{
		ID:           uuid.New(),
		PeriodID:     periodID,
		Date:         req.Date,
		SourceModule: req.SourceModule,
		SourceID:     req.SourceID,
		Memo:         req.Memo,
		Status:       EntryStatusPosted,
		PostedBy:     req.PostedBy,
		Lines:        append([]JournalLine(nil), req.Lines...),
	}
	err = tx.QueryRow(ctx, `INSERT INTO journal_entries (id, period_id, organisation_id, branch_id, date, source_module, source_id, reference, memo, posted_by, status, posted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,'POSTED',NOW()) RETURNING number, posted_at`,
		entry.ID, periodID, req.Scope.OrganisationID, req.Scope.BranchID, req.Date, req.SourceModule, req.SourceID, req.Reference, req.Memo, req.PostedBy).
		Scan(&entry.Number, &entry.PostedAt)
	if err != nil {
		return JournalEntry{}, err
	}
	for idx, line := range req.Lines {
		if _, err := tx.Exec(ctx, `INSERT INTO journal_lines (je_id, line_no, account_id, debit, credit, memo)
VALUES ($1,$2,$3,$4,$5,$6)`, entry.ID, idx+1, line.AccountID, line.Debit, line.Credit, line.Memo); err != nil {
			return JournalEntry{}, err
		}
	}
	if _, err := tx.Exec(ctx, `INSERT INTO source_links (module, ref_id, je_id) VALUES ($1,$2,$3)`, req.SourceModule, req.SourceID, entry.ID); err != nil {
		if shared.IsUniqueViolation(err, "uq_source_links") {
			return JournalEntry{}, errSourceLinked
		}
		return JournalEntry{}, err
	}
	return entry, nil
}

// linkedEntry returns the entry linked to a source document.
func linkedEntry(ctx context.Context, q Querier, module string, ref uuid.UUID) (JournalEntry, error) {
	var e JournalEntry
	var status string
	err := q.QueryRow(ctx, `SELECT je.id, je.number, je.period_id, je.date, je.source_module, je.source_id, je.memo, je.status, je.posted_by, je.posted_at
FROM source_links sl JOIN journal_entries je ON je.id = sl.je_id
WHERE sl.module=$1 AND sl.ref_id=$2`, module, ref).
		Scan(&e.ID, &e.Number, &e.PeriodID, &e.Date, &e.SourceModule, &e.SourceID, &e.Memo, &status, &e.PostedBy, &e.PostedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return JournalEntry{}, ErrJournalNotFound
		}
		return JournalEntry{}, err
	}
	e.Status = EntryStatus(status)
	return e, nil
}

// GetAccountMapping resolves an account mapping for the specified key.
func (r *Repository) GetAccountMapping(ctx context.Context, module, key string) (AccountMapping, error) {
	if module == "" || key == "" {
		return AccountMapping{}, shared.Invalid("ledger: module and key required")
	}
	var mapping AccountMapping
	var created, updated time.Time
	err := r.pool.QueryRow(ctx, `SELECT module, key, account_id, created_at, updated_at FROM account_mappings WHERE module=$1 AND key=$2`,
		strings.ToUpper(module), strings.ToUpper(key)).
		Scan(&mapping.Module, &mapping.Key, &mapping.AccountID, &created, &updated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AccountMapping{}, ErrMappingNotFound
		}
		return AccountMapping{}, err
	}
	mapping.CreatedAt, mapping.UpdatedAt = created, updated
	return mapping, nil
}
