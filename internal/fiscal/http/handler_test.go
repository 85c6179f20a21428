package fiscalhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-fincore/internal/fiscal"
	"github.com/odyssey-erp/odyssey-fincore/internal/rbac"
	"github.com/odyssey-erp/odyssey-fincore/internal/shared"
)

type stubFiscalService struct {
	createFn  func(ctx context.Context, in fiscal.CreateYearInput) ([]fiscal.Period, error)
	closeFn   func(ctx context.Context, in fiscal.TransitionInput) (fiscal.Period, error)
	listFn    func(ctx context.Context, scope shared.Scope, year int) ([]fiscal.Period, error)
	currentFn func(ctx context.Context, scope shared.Scope) (fiscal.Period, error)
}

func (s *stubFiscalService) CreateFiscalYear(ctx context.Context, in fiscal.CreateYearInput) ([]fiscal.Period, error) {
	return s.createFn(ctx, in)
}

func (s *stubFiscalService) GetFiscalPeriod(ctx context.Context, key fiscal.Key) (fiscal.Period, error) {
	return fiscal.Period{}, fiscal.ErrPeriodNotFound
}

func (s *stubFiscalService) ListFiscalPeriods(ctx context.Context, scope shared.Scope, year int) ([]fiscal.Period, error) {
	return s.listFn(ctx, scope, year)
}

func (s *stubFiscalService) GetCurrentFiscalPeriod(ctx context.Context, scope shared.Scope) (fiscal.Period, error) {
	return s.currentFn(ctx, scope)
}

func (s *stubFiscalService) ClosePeriod(ctx context.Context, in fiscal.TransitionInput) (fiscal.Period, error) {
	return s.closeFn(ctx, in)
}

func (s *stubFiscalService) ReopenPeriod(ctx context.Context, in fiscal.TransitionInput) (fiscal.Period, error) {
	return fiscal.Period{}, fiscal.ErrAlreadyOpen
}

func (s *stubFiscalService) LockPeriod(ctx context.Context, in fiscal.TransitionInput) (fiscal.Period, error) {
	return fiscal.Period{}, fiscal.ErrLockOpen
}

var scope = shared.Scope{OrganisationID: "org-1", BranchID: "br-1"}

func samplePeriod(n int, status fiscal.Status) fiscal.Period {
	start, end := fiscal.MonthBounds(2025, time.Month(n))
	return fiscal.Period{
		ID:           uuid.New(),
		Scope:        scope,
		FiscalYear:   2025,
		PeriodNumber: n,
		PeriodName:   fiscal.PeriodName(2025, time.Month(n)),
		StartDate:    start,
		EndDate:      end,
		Status:       status,
		CreatedBy:    "alice",
		CreatedAt:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func newRouter(svc fiscalService) http.Handler {
	mw := rbac.Middleware{Authorizer: rbac.StaticAuthorizer{
		"alice":  {shared.PermFinancePeriodView, shared.PermFinancePeriodManage, shared.PermFinancePeriodClose},
		"viewer": {shared.PermFinancePeriodView},
	}}
	h := NewHandler(nil, svc, mw)
	r := chi.NewRouter()
	r.Route("/orgs/{org}/branches/{branch}", func(r chi.Router) {
		r.Use(mw.Actor)
		h.MountRoutes(r)
	})
	return r
}

func do(t *testing.T, router http.Handler, method, path, actor, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if actor != "" {
		req.Header.Set(rbac.ActorHeader, actor)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestCreateYearUsesScopeAndActor(t *testing.T) {
	var captured fiscal.CreateYearInput
	svc := &stubFiscalService{createFn: func(ctx context.Context, in fiscal.CreateYearInput) ([]fiscal.Period, error) {
		captured = in
		return []fiscal.Period{samplePeriod(1, fiscal.StatusOpen)}, nil
	}}
	rr := do(t, newRouter(svc), http.MethodPost, "/orgs/org-1/branches/br-1/fiscal-years", "alice", `{"fiscal_year":2025}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.Equal(t, fiscal.CreateYearInput{Scope: scope, FiscalYear: 2025, CreatedBy: "alice"}, captured)

	var body struct {
		Periods []periodResponse `json:"periods"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Periods, 1)
	require.Equal(t, "2025-01-01", body.Periods[0].StartDate)
	require.Equal(t, "2025-01-31", body.Periods[0].EndDate)
	require.Equal(t, "OPEN", body.Periods[0].Status)
}

func TestCreateYearRejectsUnknownFields(t *testing.T) {
	svc := &stubFiscalService{}
	rr := do(t, newRouter(svc), http.MethodPost, "/orgs/org-1/branches/br-1/fiscal-years", "alice", `{"year":2025}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCloseRequiresPermission(t *testing.T) {
	called := false
	svc := &stubFiscalService{closeFn: func(ctx context.Context, in fiscal.TransitionInput) (fiscal.Period, error) {
		called = true
		return samplePeriod(in.PeriodNumber, fiscal.StatusClosed), nil
	}}
	router := newRouter(svc)

	rr := do(t, router, http.MethodPost, "/orgs/org-1/branches/br-1/fiscal-years/2025/periods/2/close", "viewer", "")
	require.Equal(t, http.StatusForbidden, rr.Code)
	require.False(t, called)

	rr = do(t, router, http.MethodPost, "/orgs/org-1/branches/br-1/fiscal-years/2025/periods/2/close", "alice", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, called)
}

func TestCloseMapsDomainErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		drafts int
	}{
		{"previous open", fiscal.ErrPreviousPeriodOpen, http.StatusUnprocessableEntity, 0},
		{"already closed", fiscal.ErrAlreadyClosed, http.StatusConflict, 0},
		{"drafts", &fiscal.DraftEntriesError{Key: fiscal.Key{Scope: scope, FiscalYear: 2025, PeriodNumber: 2}, Count: 3}, http.StatusUnprocessableEntity, 3},
		{"not found", fiscal.ErrPeriodNotFound, http.StatusNotFound, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubFiscalService{closeFn: func(ctx context.Context, in fiscal.TransitionInput) (fiscal.Period, error) {
				require.Equal(t, "alice", in.Actor)
				return fiscal.Period{}, tc.err
			}}
			rr := do(t, newRouter(svc), http.MethodPost, "/orgs/org-1/branches/br-1/fiscal-years/2025/periods/2/close", "alice", "")
			require.Equal(t, tc.status, rr.Code)
			require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
			var problem struct {
				DraftEntries int `json:"draft_entries"`
			}
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &problem))
			require.Equal(t, tc.drafts, problem.DraftEntries)
		})
	}
}

func TestListRejectsNonNumericYear(t *testing.T) {
	svc := &stubFiscalService{listFn: func(ctx context.Context, scope shared.Scope, year int) ([]fiscal.Period, error) {
		t.Fatal("service must not be called")
		return nil, nil
	}}
	rr := do(t, newRouter(svc), http.MethodGet, "/orgs/org-1/branches/br-1/fiscal-years/abc/periods", "viewer", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCurrentPeriod(t *testing.T) {
	svc := &stubFiscalService{currentFn: func(ctx context.Context, s shared.Scope) (fiscal.Period, error) {
		require.Equal(t, scope, s)
		return samplePeriod(3, fiscal.StatusOpen), nil
	}}
	rr := do(t, newRouter(svc), http.MethodGet, "/orgs/org-1/branches/br-1/fiscal-periods/current", "viewer", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var body periodResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "March 2025", body.PeriodName)
}
