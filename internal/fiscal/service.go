package fiscal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-fincore/internal/shared"
)

// Repository abstracts period persistence.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPeriod(ctx context.Context, key Key) (Period, error)
	ListPeriods(ctx context.Context, scope shared.Scope, year int) ([]Period, error)
	FindPeriodForDate(ctx context.Context, scope shared.Scope, date time.Time) (Period, error)
}

// TxRepository exposes the operations available inside a transaction.
type TxRepository interface {
	CountYearPeriods(ctx context.Context, scope shared.Scope, year int) (int, error)
	InsertPeriods(ctx context.Context, periods []Period) error
	// LockPeriod loads the period FOR UPDATE.
	LockPeriod(ctx context.Context, key Key) (Period, error)
	// SharePeriod loads the period FOR SHARE.
	SharePeriod(ctx context.Context, key Key) (Period, error)
	CountDraftEntries(ctx context.Context, period Period) (int, error)
	UpdateStatus(ctx context.Context, upd StatusUpdate) (Period, error)
}

// StatusUpdate describes a single period status change.
type StatusUpdate struct {
	Period Period
	From   Status
	To     Status
	Actor  string
	At     time.Time
}

// AuditPort records period transitions.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// TransitionMetrics counts period transitions by action.
type TransitionMetrics interface {
	ObserveFiscalTransition(action string)
}

// Service implements the fiscal calendar and the period state machine.
type Service struct {
	repo    Repository
	audit   AuditPort
	metrics TransitionMetrics
	logger  *slog.Logger
	now     func() time.Time
	current singleflight.Group
}

// NewService constructs the fiscal service.
func NewService(repo Repository, audit AuditPort) *Service {
	return &Service{repo: repo, audit: audit, logger: slog.Default(), now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithLogger sets the logger used for best-effort side effects.
func (s *Service) WithLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// WithMetrics attaches transition counters.
func (s *Service) WithMetrics(m TransitionMetrics) {
	s.metrics = m
}

// CreateFiscalYear initialises the 12 OPEN periods of a year atomically.
func (s *Service) CreateFiscalYear(ctx context.Context, in CreateYearInput) ([]Period, error) {
	now := s.now()
	if err := in.Validate(now); err != nil {
		return nil, err
	}
	periods := BuildYear(in.Scope, in.FiscalYear, in.CreatedBy, now.UTC())
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		existing, err := tx.CountYearPeriods(ctx, in.Scope, in.FiscalYear)
		if err != nil {
			return err
		}
		if existing > 0 {
			return ErrYearExists
		}
		return tx.InsertPeriods(ctx, periods)
	})
	if err != nil {
		return nil, err
	}
	s.observe("create_year")
	s.record(ctx, shared.AuditLog{
		Actor:    in.CreatedBy,
		Action:   "fiscal.year.create",
		Entity:   "fiscal_year",
		EntityID: fmt.Sprintf("%s/%04d", in.Scope, in.FiscalYear),
		Scope:    in.Scope,
		ToStatus: string(StatusOpen),
		Meta:     map[string]any{"periods": len(periods)},
		At:       now,
	})
	return periods, nil
}

// GetFiscalPeriod returns one period.
func (s *Service) GetFiscalPeriod(ctx context.Context, key Key) (Period, error) {
	if err := validateKey(key, s.now()); err != nil {
		return Period{}, err
	}
	return s.repo.GetPeriod(ctx, key)
}

// ListFiscalPeriods returns the periods of a year ordered by number.
func (s *Service) ListFiscalPeriods(ctx context.Context, scope shared.Scope, year int) ([]Period, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateYear(year, s.now()); err != nil {
		return nil, err
	}
	return s.repo.ListPeriods(ctx, scope, year)
}

// GetCurrentFiscalPeriod resolves the period covering today.
func (s *Service) GetCurrentFiscalPeriod(ctx context.Context, scope shared.Scope) (Period, error) {
	if err := scope.Validate(); err != nil {
		return Period{}, err
	}
	now := s.now()
	key := KeyForDate(scope, now)
	flightKey := shared.CurrentPeriodKey(scope, key.FiscalYear, key.PeriodNumber)
	// The shared lookup must not inherit one caller's cancellation.
	lookupCtx := context.WithoutCancel(ctx)
	ch := s.current.DoChan(flightKey, func() (any, error) {
		return s.repo.GetPeriod(lookupCtx, key)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return Period{}, ctx.Err()
	case res = <-ch:
	}
	v, err := res.Val, res.Err
	if err != nil {
		if errors.Is(err, ErrPeriodNotFound) {
			return Period{}, fmt.Errorf("%w: %d", ErrYearNotInitialised, key.FiscalYear)
		}
		return Period{}, err
	}
	return v.(Period), nil
}

// FindPeriodForDate returns the period whose range contains date.
func (s *Service) FindPeriodForDate(ctx context.Context, scope shared.Scope, date time.Time) (Period, error) {
	if err := scope.Validate(); err != nil {
		return Period{}, err
	}
	if date.IsZero() {
		return Period{}, shared.InvalidField("date", "is required")
	}
	return s.repo.FindPeriodForDate(ctx, scope, date)
}

// ClosePeriod moves an OPEN period to CLOSED. The row lock, the draft count,
// the predecessor check and the update share one transaction.
func (s *Service) ClosePeriod(ctx context.Context, in TransitionInput) (Period, error) {
	now := s.now()
	if err := in.Validate(now, true); err != nil {
		return Period{}, err
	}
	var updated Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		period, err := tx.LockPeriod(ctx, in.Key)
		if err != nil {
			return err
		}
		switch period.Status {
		case StatusClosed:
			return ErrAlreadyClosed
		case StatusLocked:
			return ErrCloseLocked
		}
		if !CanTransition(period.Status, StatusClosed) {
			return fmt.Errorf("%w: fiscal: %s cannot close", shared.ErrConflict, period.Status)
		}
		drafts, err := tx.CountDraftEntries(ctx, period)
		if err != nil {
			return err
		}
		if drafts > 0 {
			return &DraftEntriesError{Key: in.Key, Count: drafts}
		}
		if prevKey, ok := in.Key.Previous(); ok {
			prev, err := tx.SharePeriod(ctx, prevKey)
			if err != nil {
				return err
			}
			if prev.Status == StatusOpen {
				return fmt.Errorf("%w: close period %d first", ErrPreviousPeriodOpen, prevKey.PeriodNumber)
			}
		}
		updated, err = tx.UpdateStatus(ctx, StatusUpdate{Period: period, From: period.Status, To: StatusClosed, Actor: in.Actor, At: now})
		return err
	})
	if err != nil {
		return Period{}, err
	}
	s.afterTransition(ctx, "close", StatusOpen, updated, in.Actor, now)
	return updated, nil
}

// ReopenPeriod moves a CLOSED period back to OPEN.
func (s *Service) ReopenPeriod(ctx context.Context, in TransitionInput) (Period, error) {
	now := s.now()
	if err := in.Validate(now, false); err != nil {
		return Period{}, err
	}
	var updated Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		period, err := tx.LockPeriod(ctx, in.Key)
		if err != nil {
			return err
		}
		switch period.Status {
		case StatusLocked:
			return ErrReopenLocked
		case StatusOpen:
			return ErrAlreadyOpen
		}
		if !CanTransition(period.Status, StatusOpen) {
			return fmt.Errorf("%w: fiscal: %s cannot reopen", shared.ErrConflict, period.Status)
		}
		if nextKey, ok := in.Key.Next(); ok {
			next, err := tx.SharePeriod(ctx, nextKey)
			if err != nil {
				return err
			}
			if next.Status != StatusOpen {
				return fmt.Errorf("%w: reopen period %d first", ErrNextPeriodClosed, nextKey.PeriodNumber)
			}
		}
		updated, err = tx.UpdateStatus(ctx, StatusUpdate{Period: period, From: period.Status, To: StatusOpen, Actor: in.Actor, At: now})
		return err
	})
	if err != nil {
		return Period{}, err
	}
	s.afterTransition(ctx, "reopen", StatusClosed, updated, in.Actor, now)
	return updated, nil
}

// LockPeriod moves a CLOSED period to the terminal LOCKED state.
func (s *Service) LockPeriod(ctx context.Context, in TransitionInput) (Period, error) {
	now := s.now()
	if err := in.Validate(now, true); err != nil {
		return Period{}, err
	}
	var updated Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		period, err := tx.LockPeriod(ctx, in.Key)
		if err != nil {
			return err
		}
		switch period.Status {
		case StatusLocked:
			return ErrAlreadyLocked
		case StatusOpen:
			return ErrLockOpen
		}
		if !CanTransition(period.Status, StatusLocked) {
			return fmt.Errorf("%w: fiscal: %s cannot lock", shared.ErrConflict, period.Status)
		}
		updated, err = tx.UpdateStatus(ctx, StatusUpdate{Period: period, From: period.Status, To: StatusLocked, Actor: in.Actor, At: now})
		return err
	})
	if err != nil {
		return Period{}, err
	}
	s.afterTransition(ctx, "lock", StatusClosed, updated, in.Actor, now)
	return updated, nil
}

func (s *Service) afterTransition(ctx context.Context, action string, from Status, p Period, actor string, at time.Time) {
	s.observe(action)
	s.record(ctx, shared.AuditLog{
		Actor:      actor,
		Action:     "fiscal.period." + action,
		Entity:     "fiscal_period",
		EntityID:   p.ID.String(),
		Scope:      p.Scope,
		FromStatus: string(from),
		ToStatus:   string(p.Status),
		Meta:       map[string]any{"fiscal_year": p.FiscalYear, "period_number": p.PeriodNumber},
		At:         at,
	})
}

func (s *Service) observe(action string) {
	if s.metrics != nil {
		s.metrics.ObserveFiscalTransition(action)
	}
}

func (s *Service) record(ctx context.Context, log shared.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("fiscal audit failed", slog.String("action", log.Action), slog.Any("error", err))
	}
}
