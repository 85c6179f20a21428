// Package ledger is the boundary to the general ledger: it describes journal
// requests, enforces that they balance, and adapts the Postgres journal tables
// for draft counting and entry creation.
package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-fincore/internal/shared"
)

// EntryStatus enumerates journal lifecycle values.
type EntryStatus string

const (
	EntryStatusDraft  EntryStatus = "DRAFT"
	EntryStatusPosted EntryStatus = "POSTED"
	EntryStatusVoid   EntryStatus = "VOID"
)

// JournalLine stores a debit or credit amount for an account.
type JournalLine struct {
	AccountID string          `json:"account_id"`
	Debit     decimal.Decimal `json:"debit"`
	Credit    decimal.Decimal `json:"credit"`
	Memo      string          `json:"memo,omitempty"`
}

// JournalRequest groups the fields required to create a journal entry.
type JournalRequest struct {
	Scope        shared.Scope
	Date         time.Time
	SourceModule string
	SourceID     uuid.UUID
	Reference    string
	Memo         string
	PostedBy     string
	Lines        []JournalLine
}

// JournalEntry is the ledger's record of a created entry.
type JournalEntry struct {
	ID           uuid.UUID
	Number       int64
	PeriodID     uuid.UUID
	Date         time.Time
	SourceModule string
	SourceID     uuid.UUID
	Memo         string
	Status       EntryStatus
	PostedBy     string
	PostedAt     time.Time
	Lines        []JournalLine
	// Replayed is set when the source was already linked and the existing
	// entry was returned instead of creating a new one.
	Replayed bool
}

// AccountMapping links an integration key to a ledger account.
type AccountMapping struct {
	Module    string
	Key       string
	AccountID string
	CreatedAt time.Time
	UpdatedAt time.Time
}

var (
	// ErrUnbalanced indicates debit != credit.
	ErrUnbalanced = fmt.Errorf("%w: ledger: journal lines must balance", shared.ErrValidation)
	// ErrTooFewLines indicates less than two lines.
	ErrTooFewLines = fmt.Errorf("%w: ledger: journal requires at least two lines", shared.ErrValidation)
	// ErrPeriodNotOpen indicates the covering period rejects postings.
	ErrPeriodNotOpen = fmt.Errorf("%w: ledger: period is not open", shared.ErrStateViolation)
	// ErrNoPeriod indicates no fiscal period covers the entry date.
	ErrNoPeriod = fmt.Errorf("%w: ledger: no fiscal period covers entry date", shared.ErrNotFound)
	// ErrMappingNotFound indicates account mapping missing.
	ErrMappingNotFound = fmt.Errorf("%w: ledger: account mapping not found", shared.ErrNotFound)
	// ErrJournalNotFound indicates missing entry.
	ErrJournalNotFound = fmt.Errorf("%w: ledger: journal entry not found", shared.ErrNotFound)
)

// Totals sums debit and credit sides.
func (in JournalRequest) Totals() (debit, credit decimal.Decimal) {
	debit, credit = decimal.Zero, decimal.Zero
	for _, line := range in.Lines {
		debit = debit.Add(line.Debit)
		credit = credit.Add(line.Credit)
	}
	return debit, credit
}

// Validate ensures the request meets minimum posting criteria.
func (in JournalRequest) Validate() error {
	if err := in.Scope.Validate(); err != nil {
		return err
	}
	if in.Date.IsZero() {
		return shared.InvalidField("date", "is required")
	}
	if len(in.Lines) < 2 {
		return ErrTooFewLines
	}
	for idx, line := range in.Lines {
		if strings.TrimSpace(line.AccountID) == "" {
			return shared.Invalid("ledger: line %d missing account", idx)
		}
		if line.Debit.IsNegative() || line.Credit.IsNegative() {
			return shared.Invalid("ledger: line %d negative amount", idx)
		}
		if line.Debit.IsPositive() && line.Credit.IsPositive() {
			return shared.Invalid("ledger: line %d cannot be both debit and credit", idx)
		}
		if line.Debit.IsZero() && line.Credit.IsZero() {
			return shared.Invalid("ledger: line %d has no amount", idx)
		}
	}
	debit, credit := in.Totals()
	if !debit.Equal(credit) {
		return fmt.Errorf("%w (debit %s, credit %s)", ErrUnbalanced, debit.StringFixed(2), credit.StringFixed(2))
	}
	if in.SourceModule == "" {
		return shared.InvalidField("source_module", "is required")
	}
	if in.SourceID == uuid.Nil {
		return shared.InvalidField("source_id", "is required")
	}
	return nil
}
