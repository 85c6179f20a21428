// Package fiscal manages the fiscal calendar of an organisation branch and the
// OPEN → CLOSED → LOCKED lifecycle of its periods.
package fiscal

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-fincore/internal/shared"
)

// PeriodsPerYear is the number of regular periods created for a fiscal year.
const PeriodsPerYear = 12

// yearWindow bounds how far from the current year a fiscal year may be.
const yearWindow = 5

// Key identifies one period of one branch.
type Key struct {
	Scope        shared.Scope
	FiscalYear   int
	PeriodNumber int
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%04d-%02d", k.Scope, k.FiscalYear, k.PeriodNumber)
}

// Previous returns the key of the preceding period in the same year.
func (k Key) Previous() (Key, bool) {
	if k.PeriodNumber <= 1 {
		return Key{}, false
	}
	prev := k
	prev.PeriodNumber--
	return prev, true
}

// Next returns the key of the following period in the same year.
func (k Key) Next() (Key, bool) {
	if k.PeriodNumber >= PeriodsPerYear {
		return Key{}, false
	}
	next := k
	next.PeriodNumber++
	return next, true
}

// Period represents one fiscal period window.
type Period struct {
	ID                 uuid.UUID
	Scope              shared.Scope
	FiscalYear         int
	PeriodNumber       int
	PeriodName         string
	StartDate          time.Time
	EndDate            time.Time
	Status             Status
	IsAdjustmentPeriod bool
	ClosedAt           *time.Time
	ClosedBy           *string
	LockedAt           *time.Time
	LockedBy           *string
	CreatedBy          string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Key returns the natural identity of the period.
func (p Period) Key() Key {
	return Key{Scope: p.Scope, FiscalYear: p.FiscalYear, PeriodNumber: p.PeriodNumber}
}

// Contains reports whether date falls inside the period (inclusive).
func (p Period) Contains(date time.Time) bool {
	d := dateOnly(date)
	return !d.Before(p.StartDate) && !d.After(p.EndDate)
}

// CreateYearInput captures the request to initialise a fiscal year.
type CreateYearInput struct {
	Scope      shared.Scope
	FiscalYear int
	CreatedBy  string
}

// TransitionInput identifies the period to transition and who is acting.
type TransitionInput struct {
	Key
	Actor string
}

var (
	// ErrPeriodNotFound indicates the requested period does not exist.
	ErrPeriodNotFound = fmt.Errorf("%w: fiscal: period not found", shared.ErrNotFound)
	// ErrYearNotInitialised indicates no periods exist for the year.
	ErrYearNotInitialised = fmt.Errorf("%w: fiscal: fiscal year not initialised", shared.ErrNotFound)
	// ErrYearExists indicates periods already exist for the year.
	ErrYearExists = fmt.Errorf("%w: fiscal: fiscal year already exists", shared.ErrConflict)
	// ErrAlreadyClosed is returned when closing a closed period.
	ErrAlreadyClosed = fmt.Errorf("%w: fiscal: period already closed", shared.ErrConflict)
	// ErrCloseLocked is returned when closing a locked period.
	ErrCloseLocked = fmt.Errorf("%w: fiscal: cannot close locked period", shared.ErrConflict)
	// ErrReopenLocked is returned when reopening a locked period.
	ErrReopenLocked = fmt.Errorf("%w: fiscal: cannot reopen locked period", shared.ErrConflict)
	// ErrAlreadyOpen is returned when reopening an open period.
	ErrAlreadyOpen = fmt.Errorf("%w: fiscal: period already open", shared.ErrConflict)
	// ErrAlreadyLocked is returned when locking a locked period.
	ErrAlreadyLocked = fmt.Errorf("%w: fiscal: period already locked", shared.ErrConflict)
	// ErrLockOpen is returned when locking a period that was never closed.
	ErrLockOpen = fmt.Errorf("%w: fiscal: must close period before locking", shared.ErrConflict)
	// ErrConcurrentTransition indicates another transaction changed the period first.
	ErrConcurrentTransition = fmt.Errorf("%w: fiscal: period changed concurrently, re-read and retry", shared.ErrConflict)
	// ErrPreviousPeriodOpen is returned when closing out of order.
	ErrPreviousPeriodOpen = fmt.Errorf("%w: fiscal: previous period still open", shared.ErrStateViolation)
	// ErrNextPeriodClosed is returned when reopening out of order.
	ErrNextPeriodClosed = fmt.Errorf("%w: fiscal: following period not open", shared.ErrStateViolation)
	// ErrDraftEntriesOutstanding is the sentinel wrapped by DraftEntriesError.
	ErrDraftEntriesOutstanding = fmt.Errorf("%w: fiscal: draft ledger entries outstanding", shared.ErrStateViolation)
	// ErrPeriodNotPostable is returned when posting into a closed or locked period.
	ErrPeriodNotPostable = fmt.Errorf("%w: fiscal: period closed", shared.ErrStateViolation)
)

// DraftEntriesError reports how many draft entries block a close.
type DraftEntriesError struct {
	Key   Key
	Count int
}

func (e *DraftEntriesError) Error() string {
	return fmt.Sprintf("%s: %d draft entries must be posted or deleted before closing %s", ErrDraftEntriesOutstanding, e.Count, e.Key)
}

// Unwrap ties the error to ErrDraftEntriesOutstanding.
func (e *DraftEntriesError) Unwrap() error { return ErrDraftEntriesOutstanding }

// DraftEntryCount exposes the count to transports.
func (e *DraftEntriesError) DraftEntryCount() int { return e.Count }

// ValidateYear checks the year lies within the allowed window around now.
func ValidateYear(year int, now time.Time) error {
	current := now.Year()
	if year < current-yearWindow || year > current+yearWindow {
		return shared.InvalidField("fiscal_year", fmt.Sprintf("must be between %d and %d", current-yearWindow, current+yearWindow))
	}
	return nil
}

// Validate checks scope and year.
func (in CreateYearInput) Validate(now time.Time) error {
	if err := in.Scope.Validate(); err != nil {
		return err
	}
	return ValidateYear(in.FiscalYear, now)
}

// Validate checks scope, actor, period number and year.
func (in TransitionInput) Validate(now time.Time, requireActor bool) error {
	if err := validateKey(in.Key, now); err != nil {
		return err
	}
	if requireActor && strings.TrimSpace(in.Actor) == "" {
		return shared.InvalidField("actor", "is required")
	}
	return nil
}

func validateKey(k Key, now time.Time) error {
	if err := k.Scope.Validate(); err != nil {
		return err
	}
	if k.PeriodNumber < 1 || k.PeriodNumber > PeriodsPerYear {
		return shared.InvalidField("period_number", fmt.Sprintf("must be between 1 and %d", PeriodsPerYear))
	}
	return ValidateYear(k.FiscalYear, now)
}

// EnsurePostable rejects postings into closed or locked periods.
func EnsurePostable(p Period) error {
	if p.Status.AcceptsPostings() {
		return nil
	}
	return fmt.Errorf("%w (%s is %s)", ErrPeriodNotPostable, p.PeriodName, p.Status)
}

// IsDraftEntriesError reports whether err carries a draft count.
func IsDraftEntriesError(err error) (*DraftEntriesError, bool) {
	var de *DraftEntriesError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}
