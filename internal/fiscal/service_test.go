package fiscal

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-fincore/internal/shared"
)

type memRepo struct {
	mu       sync.Mutex
	periods  map[Key]Period
	drafts   map[uuid.UUID]int
	failNext error
}

func newMemRepo() *memRepo {
	return &memRepo{periods: map[Key]Period{}, drafts: map[uuid.UUID]int{}}
}

func (r *memRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := make(map[Key]Period, len(r.periods))
	for k, v := range r.periods {
		snapshot[k] = v
	}
	if err := fn(ctx, &memTx{repo: r}); err != nil {
		r.periods = snapshot
		return err
	}
	return nil
}

func (r *memRepo) GetPeriod(ctx context.Context, key Key) (Period, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.periods[key]
	if !ok {
		return Period{}, ErrPeriodNotFound
	}
	return p, nil
}

func (r *memRepo) ListPeriods(ctx context.Context, scope shared.Scope, year int) ([]Period, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Period
	for k, p := range r.periods {
		if k.Scope == scope && k.FiscalYear == year {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil, ErrYearNotInitialised
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodNumber < out[j].PeriodNumber })
	return out, nil
}

func (r *memRepo) FindPeriodForDate(ctx context.Context, scope shared.Scope, date time.Time) (Period, error) {
	return r.GetPeriod(ctx, KeyForDate(scope, date))
}

type memTx struct {
	repo *memRepo
}

func (t *memTx) CountYearPeriods(ctx context.Context, scope shared.Scope, year int) (int, error) {
	count := 0
	for k := range t.repo.periods {
		if k.Scope == scope && k.FiscalYear == year {
			count++
		}
	}
	return count, nil
}

func (t *memTx) InsertPeriods(ctx context.Context, periods []Period) error {
	for i, p := range periods {
		if t.repo.failNext != nil && i == len(periods)-1 {
			err := t.repo.failNext
			t.repo.failNext = nil
			return err
		}
		t.repo.periods[p.Key()] = p
	}
	return nil
}

func (t *memTx) LockPeriod(ctx context.Context, key Key) (Period, error) {
	p, ok := t.repo.periods[key]
	if !ok {
		return Period{}, ErrPeriodNotFound
	}
	return p, nil
}

func (t *memTx) SharePeriod(ctx context.Context, key Key) (Period, error) {
	return t.LockPeriod(ctx, key)
}

func (t *memTx) CountDraftEntries(ctx context.Context, period Period) (int, error) {
	return t.repo.drafts[period.ID], nil
}

func (t *memTx) UpdateStatus(ctx context.Context, upd StatusUpdate) (Period, error) {
	p, ok := t.repo.periods[upd.Period.Key()]
	if !ok || p.Status != upd.From {
		return Period{}, ErrConcurrentTransition
	}
	p.Status = upd.To
	p.UpdatedAt = upd.At
	actor := upd.Actor
	at := upd.At
	switch upd.To {
	case StatusClosed:
		p.ClosedAt, p.ClosedBy = &at, &actor
	case StatusOpen:
		p.ClosedAt, p.ClosedBy = nil, nil
	case StatusLocked:
		p.LockedAt, p.LockedBy = &at, &actor
	}
	t.repo.periods[p.Key()] = p
	return p, nil
}

type memAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
	err  error
}

func (a *memAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return a.err
}

type countingMetrics struct {
	actions []string
}

func (m *countingMetrics) ObserveFiscalTransition(action string) {
	m.actions = append(m.actions, action)
}

var testScope = shared.Scope{OrganisationID: "org-1", BranchID: "br-1"}

func newTestService(t *testing.T) (*Service, *memRepo, *memAudit) {
	t.Helper()
	repo := newMemRepo()
	audit := &memAudit{}
	svc := NewService(repo, audit)
	svc.WithNow(func() time.Time { return time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC) })
	return svc, repo, audit
}

func key(n int) Key {
	return Key{Scope: testScope, FiscalYear: 2025, PeriodNumber: n}
}

func closeIn(n int) TransitionInput {
	return TransitionInput{Key: key(n), Actor: "controller"}
}

func TestCreateFiscalYearBuildsTwelveContiguousPeriods(t *testing.T) {
	svc, _, audit := newTestService(t)
	periods, err := svc.CreateFiscalYear(context.Background(), CreateYearInput{Scope: testScope, FiscalYear: 2025, CreatedBy: "admin"})
	require.NoError(t, err)
	require.Len(t, periods, PeriodsPerYear)

	for i, p := range periods {
		assert.Equal(t, i+1, p.PeriodNumber)
		assert.Equal(t, StatusOpen, p.Status)
		assert.False(t, p.IsAdjustmentPeriod)
		assert.Equal(t, 1, p.StartDate.Day())
		if i > 0 {
			assert.Equal(t, periods[i-1].EndDate.AddDate(0, 0, 1), p.StartDate)
		}
	}
	assert.Equal(t, "March 2025", periods[2].PeriodName)
	assert.Equal(t, time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC), periods[1].EndDate)
	assert.Equal(t, time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC), periods[11].EndDate)
	require.Len(t, audit.logs, 1)
}

func TestCreateFiscalYearRejectsDuplicateAndRange(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.CreateFiscalYear(ctx, CreateYearInput{Scope: testScope, FiscalYear: 2025})
	require.NoError(t, err)

	_, err = svc.CreateFiscalYear(ctx, CreateYearInput{Scope: testScope, FiscalYear: 2025})
	require.ErrorIs(t, err, ErrYearExists)
	require.ErrorIs(t, err, shared.ErrConflict)

	_, err = svc.CreateFiscalYear(ctx, CreateYearInput{Scope: testScope, FiscalYear: 2031})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.CreateFiscalYear(ctx, CreateYearInput{Scope: shared.Scope{OrganisationID: "org-1"}, FiscalYear: 2025})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestCreateFiscalYearIsAllOrNothing(t *testing.T) {
	svc, repo, _ := newTestService(t)
	repo.failNext = errors.New("disk full")

	_, err := svc.CreateFiscalYear(context.Background(), CreateYearInput{Scope: testScope, FiscalYear: 2026})
	require.Error(t, err)

	_, err = svc.ListFiscalPeriods(context.Background(), testScope, 2026)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestClosePeriodsSequentially(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.CreateFiscalYear(ctx, CreateYearInput{Scope: testScope, FiscalYear: 2025})
	require.NoError(t, err)

	_, err = svc.ClosePeriod(ctx, closeIn(3))
	require.ErrorIs(t, err, ErrPreviousPeriodOpen)
	require.ErrorIs(t, err, shared.ErrStateViolation)
	require.Contains(t, err.Error(), "close period 2 first")

	for n := 1; n <= 3; n++ {
		p, err := svc.ClosePeriod(ctx, closeIn(n))
		require.NoError(t, err)
		require.Equal(t, StatusClosed, p.Status)
		require.NotNil(t, p.ClosedAt)
		require.Equal(t, "controller", *p.ClosedBy)
	}

	_, err = svc.ClosePeriod(ctx, closeIn(3))
	require.ErrorIs(t, err, ErrAlreadyClosed)
}

func TestClosePeriodBlockedByDraftEntries(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	periods, err := svc.CreateFiscalYear(ctx, CreateYearInput{Scope: testScope, FiscalYear: 2025})
	require.NoError(t, err)
	repo.drafts[periods[0].ID] = 4

	_, err = svc.ClosePeriod(ctx, closeIn(1))
	require.ErrorIs(t, err, shared.ErrStateViolation)
	de, ok := IsDraftEntriesError(err)
	require.True(t, ok)
	require.Equal(t, 4, de.DraftEntryCount())

	p, err := svc.GetFiscalPeriod(ctx, key(1))
	require.NoError(t, err)
	require.Equal(t, StatusOpen, p.Status)
}

func TestLockedPeriodIsTerminal(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.CreateFiscalYear(ctx, CreateYearInput{Scope: testScope, FiscalYear: 2025})
	require.NoError(t, err)

	_, err = svc.LockPeriod(ctx, closeIn(1))
	require.ErrorIs(t, err, ErrLockOpen)

	_, err = svc.ClosePeriod(ctx, closeIn(1))
	require.NoError(t, err)
	locked, err := svc.LockPeriod(ctx, closeIn(1))
	require.NoError(t, err)
	require.Equal(t, StatusLocked, locked.Status)
	require.NotNil(t, locked.LockedAt)

	_, err = svc.ReopenPeriod(ctx, closeIn(1))
	require.ErrorIs(t, err, ErrReopenLocked)
	require.ErrorIs(t, err, shared.ErrConflict)
	_, err = svc.ClosePeriod(ctx, closeIn(1))
	require.ErrorIs(t, err, ErrCloseLocked)
	_, err = svc.LockPeriod(ctx, closeIn(1))
	require.ErrorIs(t, err, ErrAlreadyLocked)
}

func TestReopenPeriod(t *testing.T) {
	svc, _, audit := newTestService(t)
	metrics := &countingMetrics{}
	svc.WithMetrics(metrics)
	ctx := context.Background()
	_, err := svc.CreateFiscalYear(ctx, CreateYearInput{Scope: testScope, FiscalYear: 2025})
	require.NoError(t, err)

	_, err = svc.ReopenPeriod(ctx, closeIn(1))
	require.ErrorIs(t, err, ErrAlreadyOpen)

	_, err = svc.ClosePeriod(ctx, closeIn(1))
	require.NoError(t, err)
	_, err = svc.ClosePeriod(ctx, closeIn(2))
	require.NoError(t, err)

	_, err = svc.ReopenPeriod(ctx, closeIn(1))
	require.ErrorIs(t, err, ErrNextPeriodClosed)

	p, err := svc.ReopenPeriod(ctx, closeIn(2))
	require.NoError(t, err)
	require.Equal(t, StatusOpen, p.Status)
	require.Nil(t, p.ClosedAt)
	require.Nil(t, p.ClosedBy)

	require.Equal(t, []string{"create_year", "close", "close", "reopen"}, metrics.actions)
	last := audit.logs[len(audit.logs)-1]
	require.Equal(t, "fiscal.period.reopen", last.Action)
	require.Equal(t, string(StatusClosed), last.FromStatus)
	require.Equal(t, string(StatusOpen), last.ToStatus)
}

func TestTransitionValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.ClosePeriod(ctx, TransitionInput{Key: key(13), Actor: "x"})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = svc.ClosePeriod(ctx, TransitionInput{Key: key(1)})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = svc.ClosePeriod(ctx, closeIn(1))
	require.ErrorIs(t, err, ErrPeriodNotFound)
}

func TestAuditFailureDoesNotFailTransition(t *testing.T) {
	svc, _, audit := newTestService(t)
	audit.err = errors.New("audit down")
	ctx := context.Background()
	_, err := svc.CreateFiscalYear(ctx, CreateYearInput{Scope: testScope, FiscalYear: 2025})
	require.NoError(t, err)
	_, err = svc.ClosePeriod(ctx, closeIn(1))
	require.NoError(t, err)
}

func TestGetCurrentFiscalPeriod(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.GetCurrentFiscalPeriod(ctx, testScope)
	require.ErrorIs(t, err, ErrYearNotInitialised)

	_, err = svc.CreateFiscalYear(ctx, CreateYearInput{Scope: testScope, FiscalYear: 2025})
	require.NoError(t, err)
	p, err := svc.GetCurrentFiscalPeriod(ctx, testScope)
	require.NoError(t, err)
	require.Equal(t, 3, p.PeriodNumber)

	found, err := svc.FindPeriodForDate(ctx, testScope, time.Date(2025, 7, 31, 23, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, 7, found.PeriodNumber)
	require.True(t, found.Contains(time.Date(2025, 7, 31, 23, 0, 0, 0, time.UTC)))
}

type gatedRepo struct {
	*memRepo
	started chan struct{}
	release chan struct{}
	once    sync.Once
	mu      sync.Mutex
	ctxErrs []error
}

func (r *gatedRepo) GetPeriod(ctx context.Context, key Key) (Period, error) {
	r.once.Do(func() { close(r.started) })
	<-r.release
	r.mu.Lock()
	r.ctxErrs = append(r.ctxErrs, ctx.Err())
	r.mu.Unlock()
	return r.memRepo.GetPeriod(ctx, key)
}

func TestGetCurrentFiscalPeriodIgnoresOtherCallersCancellation(t *testing.T) {
	base := newMemRepo()
	seed := NewService(base, &memAudit{})
	seed.WithNow(func() time.Time { return time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC) })
	_, err := seed.CreateFiscalYear(context.Background(), CreateYearInput{Scope: testScope, FiscalYear: 2025})
	require.NoError(t, err)

	repo := &gatedRepo{memRepo: base, started: make(chan struct{}), release: make(chan struct{})}
	svc := NewService(repo, &memAudit{})
	svc.WithNow(func() time.Time { return time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC) })

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.GetCurrentFiscalPeriod(firstCtx, testScope)
		firstErr <- err
	}()
	<-repo.started
	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	type result struct {
		period Period
		err    error
	}
	second := make(chan result, 1)
	go func() {
		p, err := svc.GetCurrentFiscalPeriod(context.Background(), testScope)
		second <- result{p, err}
	}()
	close(repo.release)
	got := <-second
	require.NoError(t, got.err)
	require.Equal(t, 3, got.period.PeriodNumber)

	repo.mu.Lock()
	defer repo.mu.Unlock()
	for _, e := range repo.ctxErrs {
		require.NoError(t, e)
	}
}

func TestEnsurePostable(t *testing.T) {
	require.NoError(t, EnsurePostable(Period{Status: StatusOpen}))
	require.ErrorIs(t, EnsurePostable(Period{Status: StatusClosed, PeriodName: "March 2025"}), ErrPeriodNotPostable)
	require.ErrorIs(t, EnsurePostable(Period{Status: StatusLocked}), shared.ErrStateViolation)
}

func TestTransitionTable(t *testing.T) {
	require.True(t, CanTransition(StatusOpen, StatusClosed))
	require.True(t, CanTransition(StatusClosed, StatusOpen))
	require.True(t, CanTransition(StatusClosed, StatusLocked))
	require.False(t, CanTransition(StatusOpen, StatusLocked))
	require.False(t, CanTransition(StatusLocked, StatusOpen))
	require.False(t, CanTransition(StatusLocked, StatusClosed))
	require.True(t, StatusLocked.Terminal())
	require.False(t, Status("ARCHIVED").Valid())
}
