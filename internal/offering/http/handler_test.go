package offeringhttp

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
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-fincore/internal/offering"
	"github.com/odyssey-erp/odyssey-fincore/internal/rbac"
	"github.com/odyssey-erp/odyssey-fincore/internal/shared"
)

type stubOfferingService struct {
	createFn  func(ctx context.Context, in offering.CreateBatchInput, key string) (offering.Batch, error)
	listFn    func(ctx context.Context, filter offering.ListFilter) ([]offering.Batch, shared.Pagination, error)
	verifyFn  func(ctx context.Context, in offering.VerifyInput) (offering.Batch, error)
	approveFn func(ctx context.Context, in offering.ApproveInput) (offering.Batch, error)
	postFn    func(ctx context.Context, in offering.PostInput) (offering.Batch, error)
}

func (s *stubOfferingService) CreateBatch(ctx context.Context, in offering.CreateBatchInput, key string) (offering.Batch, error) {
	return s.createFn(ctx, in, key)
}

func (s *stubOfferingService) GetBatch(ctx context.Context, scope shared.Scope, id uuid.UUID) (offering.Batch, error) {
	return offering.Batch{}, offering.ErrBatchNotFound
}

func (s *stubOfferingService) ListBatches(ctx context.Context, filter offering.ListFilter) ([]offering.Batch, shared.Pagination, error) {
	return s.listFn(ctx, filter)
}

func (s *stubOfferingService) VerifyBatch(ctx context.Context, in offering.VerifyInput) (offering.Batch, error) {
	return s.verifyFn(ctx, in)
}

func (s *stubOfferingService) ApproveBatch(ctx context.Context, in offering.ApproveInput) (offering.Batch, error) {
	return s.approveFn(ctx, in)
}

func (s *stubOfferingService) PostBatch(ctx context.Context, in offering.PostInput) (offering.Batch, error) {
	return s.postFn(ctx, in)
}

var scope = shared.Scope{OrganisationID: "org-1", BranchID: "br-1"}

const base = "/orgs/org-1/branches/br-1/offerings"

func newRouter(svc offeringService) http.Handler {
	mw := rbac.Middleware{Authorizer: rbac.StaticAuthorizer{
		"usher":     {shared.PermOfferingCount, shared.PermOfferingView},
		"treasurer": {shared.PermOfferingVerify, shared.PermOfferingApprove, shared.PermFinanceGLPost, shared.PermOfferingView},
	}}
	h := NewHandler(nil, svc, mw)
	r := chi.NewRouter()
	r.Route("/orgs/{org}/branches/{branch}", func(r chi.Router) {
		r.Use(mw.Actor)
		h.MountRoutes(r)
	})
	return r
}

func do(t *testing.T, router http.Handler, method, path, actor, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(rbac.ActorHeader, actor)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func sampleBatch() offering.Batch {
	return offering.Batch{
		ID:           uuid.New(),
		Scope:        scope,
		BatchNumber:  "OFF-20250309-0001",
		BatchDate:    time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC),
		ServiceName:  "Sunday service",
		OfferingType: offering.TypeTithe,
		Amounts: offering.Amounts{
			Cash:        decimal.NewFromInt(500),
			MobileMoney: decimal.NewFromInt(120),
		},
		CountedBy: []string{"usher", "deacon"},
		Status:    offering.StatusCounting,
		CreatedBy: "usher",
	}
}

func TestCreateBatchPassesIdempotencyKeyAndActor(t *testing.T) {
	var (
		captured offering.CreateBatchInput
		key      string
	)
	svc := &stubOfferingService{createFn: func(ctx context.Context, in offering.CreateBatchInput, k string) (offering.Batch, error) {
		captured, key = in, k
		return sampleBatch(), nil
	}}
	body := `{"batch_date":"2025-03-09","service_name":"Sunday service","offering_type":"tithe",
"amounts":{"cash_amount":"500","mobile_money_amount":120},"counted_by":["usher","deacon"]}`
	rr := do(t, newRouter(svc), http.MethodPost, base, "usher", body, IdempotencyHeader, "req-1")
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.Equal(t, "req-1", key)
	require.Equal(t, scope, captured.Scope)
	require.Equal(t, "usher", captured.CreatedBy)
	require.Equal(t, offering.TypeTithe, captured.OfferingType)
	require.True(t, captured.Amounts.Total().Equal(decimal.NewFromInt(620)))

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "620", resp["total_amount"])
	require.Equal(t, "2025-03-09", resp["batch_date"])
}

func TestCreateBatchRejectsBadDate(t *testing.T) {
	svc := &stubOfferingService{}
	rr := do(t, newRouter(svc), http.MethodPost, base, "usher", `{"batch_date":"09/03/2025"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	var problem struct {
		Errors map[string]string `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &problem))
	require.Contains(t, problem.Errors, "batch_date")
}

func TestApproveUsesActorAndMapsStaleVersion(t *testing.T) {
	id := uuid.New()
	svc := &stubOfferingService{approveFn: func(ctx context.Context, in offering.ApproveInput) (offering.Batch, error) {
		require.Equal(t, id, in.ID)
		require.Equal(t, "treasurer", in.ApproverID)
		require.Equal(t, int64(1), in.Version)
		return offering.Batch{}, offering.ErrStaleVersion
	}}
	rr := do(t, newRouter(svc), http.MethodPost, base+"/"+id.String()+"/approve", "treasurer", `{"version":1}`)
	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestVerifyParsesDeposit(t *testing.T) {
	id := uuid.New()
	svc := &stubOfferingService{verifyFn: func(ctx context.Context, in offering.VerifyInput) (offering.Batch, error) {
		require.Equal(t, "treasurer", in.VerifierID)
		require.NotNil(t, in.Deposit)
		require.Equal(t, "2025-03-10", in.Deposit.DepositDate.Format(time.DateOnly))
		require.True(t, in.DiscrepancyAmount.Equal(decimal.RequireFromString("-5")))
		b := sampleBatch()
		b.Status = offering.StatusVerified
		return b, nil
	}}
	body := `{"version":0,"discrepancy_amount":"-5","discrepancy_notes":"torn note",
"deposit":{"bank_account_id":"bank-1","deposit_date":"2025-03-10","deposit_slip_number":"S-1"}}`
	rr := do(t, newRouter(svc), http.MethodPost, base+"/"+id.String()+"/verify", "treasurer", body)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func TestPostMapsErrorKinds(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"already posted", offering.ErrAlreadyPosted, http.StatusUnprocessableEntity},
		{"collaborator", shared.Collaborator(context.DeadlineExceeded), http.StatusBadGateway},
		{"mapping", offering.ErrIncompleteMapping, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubOfferingService{postFn: func(ctx context.Context, in offering.PostInput) (offering.Batch, error) {
				require.Equal(t, "4000", in.Mapping.RevenueAccountID)
				return offering.Batch{}, tc.err
			}}
			rr := do(t, newRouter(svc), http.MethodPost, base+"/"+uuid.NewString()+"/post", "treasurer",
				`{"version":2,"account_mapping":{"revenue_account_id":"4000"}}`)
			require.Equal(t, tc.status, rr.Code)
		})
	}
}

func TestPostRequiresGLPermission(t *testing.T) {
	svc := &stubOfferingService{}
	rr := do(t, newRouter(svc), http.MethodPost, base+"/"+uuid.NewString()+"/post", "usher", `{"version":2}`)
	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestListParsesFilters(t *testing.T) {
	svc := &stubOfferingService{listFn: func(ctx context.Context, f offering.ListFilter) ([]offering.Batch, shared.Pagination, error) {
		require.Equal(t, offering.StatusApproved, f.Status)
		require.Equal(t, 2, f.Page)
		require.Equal(t, 10, f.PerPage)
		require.NotNil(t, f.DateFrom)
		require.Nil(t, f.DateTo)
		return []offering.Batch{sampleBatch()}, shared.NewPagination(2, 10, 11), nil
	}}
	rr := do(t, newRouter(svc), http.MethodGet, base+"?status=approved&page=2&per_page=10&date_from=2025-03-01", "usher", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp struct {
		Data       []batchResponse   `json:"data"`
		Pagination shared.Pagination `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	require.Equal(t, 2, resp.Pagination.TotalPages)
}

func TestGetRejectsInvalidID(t *testing.T) {
	rr := do(t, newRouter(&stubOfferingService{}), http.MethodGet, base+"/not-a-uuid", "usher", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
}
