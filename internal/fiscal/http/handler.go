package fiscalhttp

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-fincore/internal/fiscal"
	"github.com/odyssey-erp/odyssey-fincore/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-fincore/internal/rbac"
	"github.com/odyssey-erp/odyssey-fincore/internal/shared"
)

type fiscalService interface {
	CreateFiscalYear(ctx context.Context, in fiscal.CreateYearInput) ([]fiscal.Period, error)
	GetFiscalPeriod(ctx context.Context, key fiscal.Key) (fiscal.Period, error)
	ListFiscalPeriods(ctx context.Context, scope shared.Scope, year int) ([]fiscal.Period, error)
	GetCurrentFiscalPeriod(ctx context.Context, scope shared.Scope) (fiscal.Period, error)
	ClosePeriod(ctx context.Context, in fiscal.TransitionInput) (fiscal.Period, error)
	ReopenPeriod(ctx context.Context, in fiscal.TransitionInput) (fiscal.Period, error)
	LockPeriod(ctx context.Context, in fiscal.TransitionInput) (fiscal.Period, error)
}

// Handler exposes fiscal calendar and period state endpoints.
type Handler struct {
	logger  *slog.Logger
	service fiscalService
	rbac    rbac.Middleware
}

// NewHandler constructs a fiscal HTTP handler.
func NewHandler(logger *slog.Logger, service fiscalService, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers routes below an /orgs/{org}/branches/{branch} prefix.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.rbac.RequireAny(shared.PermFinancePeriodManage)).Post("/fiscal-years", h.createYear)
	r.With(h.rbac.RequireAny(shared.PermFinancePeriodView)).Get("/fiscal-periods/current", h.currentPeriod)
	r.Route("/fiscal-years/{year}/periods", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAny(shared.PermFinancePeriodView))
			r.Get("/", h.listPeriods)
			r.Get("/{n}", h.getPeriod)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAll(shared.PermFinancePeriodClose))
			r.Post("/{n}/close", h.transition(h.service.ClosePeriod))
			r.Post("/{n}/reopen", h.transition(h.service.ReopenPeriod))
		})
		r.With(h.rbac.RequireAll(shared.PermFinancePeriodLock)).Post("/{n}/lock", h.transition(h.service.LockPeriod))
	})
}

type createYearRequest struct {
	FiscalYear int `json:"fiscal_year"`
}

type periodResponse struct {
	ID                 string     `json:"id"`
	OrganisationID     string     `json:"organisation_id"`
	BranchID           string     `json:"branch_id"`
	FiscalYear         int        `json:"fiscal_year"`
	PeriodNumber       int        `json:"period_number"`
	PeriodName         string     `json:"period_name"`
	StartDate          string     `json:"start_date"`
	EndDate            string     `json:"end_date"`
	Status             string     `json:"status"`
	IsAdjustmentPeriod bool       `json:"is_adjustment_period"`
	ClosedAt           *time.Time `json:"closed_at,omitempty"`
	ClosedBy           *string    `json:"closed_by,omitempty"`
	LockedAt           *time.Time `json:"locked_at,omitempty"`
	LockedBy           *string    `json:"locked_by,omitempty"`
	CreatedBy          string     `json:"created_by"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func toResponse(p fiscal.Period) periodResponse {
	return periodResponse{
		ID:                 p.ID.String(),
		OrganisationID:     p.Scope.OrganisationID,
		BranchID:           p.Scope.BranchID,
		FiscalYear:         p.FiscalYear,
		PeriodNumber:       p.PeriodNumber,
		PeriodName:         p.PeriodName,
		StartDate:          p.StartDate.Format(time.DateOnly),
		EndDate:            p.EndDate.Format(time.DateOnly),
		Status:             string(p.Status),
		IsAdjustmentPeriod: p.IsAdjustmentPeriod,
		ClosedAt:           p.ClosedAt,
		ClosedBy:           p.ClosedBy,
		LockedAt:           p.LockedAt,
		LockedBy:           p.LockedBy,
		CreatedBy:          p.CreatedBy,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
	}
}

func toResponses(periods []fiscal.Period) []periodResponse {
	out := make([]periodResponse, 0, len(periods))
	for _, p := range periods {
		out = append(out, toResponse(p))
	}
	return out
}

func (h *Handler) createYear(w http.ResponseWriter, r *http.Request) {
	var req createYearRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, shared.Invalid("invalid request body: %v", err))
		return
	}
	periods, err := h.service.CreateFiscalYear(r.Context(), fiscal.CreateYearInput{
		Scope:      scopeFrom(r),
		FiscalYear: req.FiscalYear,
		CreatedBy:  shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"periods": toResponses(periods)})
}

func (h *Handler) listPeriods(w http.ResponseWriter, r *http.Request) {
	year, err := intParam(r, "year")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	periods, err := h.service.ListFiscalPeriods(r.Context(), scopeFrom(r), year)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"periods": toResponses(periods)})
}

func (h *Handler) getPeriod(w http.ResponseWriter, r *http.Request) {
	key, err := keyFrom(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	period, err := h.service.GetFiscalPeriod(r.Context(), key)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(period))
}

func (h *Handler) currentPeriod(w http.ResponseWriter, r *http.Request) {
	period, err := h.service.GetCurrentFiscalPeriod(r.Context(), scopeFrom(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(period))
}

func (h *Handler) transition(fn func(context.Context, fiscal.TransitionInput) (fiscal.Period, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := keyFrom(r)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		period, err := fn(r.Context(), fiscal.TransitionInput{Key: key, Actor: shared.ActorFromContext(r.Context())})
		if err != nil {
			h.fail(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusOK, toResponse(period))
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if shared.KindOf(err) == shared.KindInternal {
		h.logger.Error("fiscal request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func scopeFrom(r *http.Request) shared.Scope {
	return shared.Scope{OrganisationID: chi.URLParam(r, "org"), BranchID: chi.URLParam(r, "branch")}
}

func keyFrom(r *http.Request) (fiscal.Key, error) {
	year, err := intParam(r, "year")
	if err != nil {
		return fiscal.Key{}, err
	}
	n, err := intParam(r, "n")
	if err != nil {
		return fiscal.Key{}, err
	}
	return fiscal.Key{Scope: scopeFrom(r), FiscalYear: year, PeriodNumber: n}, nil
}

func intParam(r *http.Request, name string) (int, error) {
	v, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil {
		return 0, shared.InvalidField(name, "must be an integer")
	}
	return v, nil
}
