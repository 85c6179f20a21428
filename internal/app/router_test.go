package app

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-fincore/internal/observability"
	"github.com/odyssey-erp/odyssey-fincore/internal/rbac"
	"github.com/odyssey-erp/odyssey-fincore/internal/shared"
)

type echoScope struct{}

func (echoScope) MountRoutes(r chi.Router) {
	r.Get("/echo", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(chi.URLParam(r, "org") + "/" + chi.URLParam(r, "branch") + "/" + shared.ActorFromContext(r.Context())))
	})
}

func testRouter() http.Handler {
	return NewRouter(RouterParams{
		Config:         &Config{AppEnv: "test", RateLimitPerMinute: 2},
		RBACMiddleware: rbac.Middleware{},
		FiscalHandler:  echoScope{},
		Metrics:        observability.NewMetrics(),
	})
}

func TestRouterScopesDomainRoutes(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/orgs/org-1/branches/br-9/echo", nil)
	req.Header.Set(rbac.ActorHeader, "alice")
	rr := httptest.NewRecorder()
	testRouter().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "org-1/br-9/alice", rr.Body.String())
	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))
}

func TestRouterHealthAndMetrics(t *testing.T) {
	router := testRouter()
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"ok"}`, rr.Body.String())

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, strings.Contains(rr.Body.String(), "odyssey_http_requests_total"))
}

func TestRouterRateLimitsPerActor(t *testing.T) {
	router := testRouter()
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/orgs/o/branches/b/echo", nil)
		req.Header.Set(rbac.ActorHeader, "bob")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	require.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}
