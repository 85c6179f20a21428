package offeringhttp

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-fincore/internal/offering"
	"github.com/odyssey-erp/odyssey-fincore/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-fincore/internal/rbac"
	"github.com/odyssey-erp/odyssey-fincore/internal/shared"
)

// IdempotencyHeader carries the client-chosen key for batch creation.
const IdempotencyHeader = "Idempotency-Key"

type offeringService interface {
	CreateBatch(ctx context.Context, in offering.CreateBatchInput, idempotencyKey string) (offering.Batch, error)
	GetBatch(ctx context.Context, scope shared.Scope, id uuid.UUID) (offering.Batch, error)
	ListBatches(ctx context.Context, filter offering.ListFilter) ([]offering.Batch, shared.Pagination, error)
	VerifyBatch(ctx context.Context, in offering.VerifyInput) (offering.Batch, error)
	ApproveBatch(ctx context.Context, in offering.ApproveInput) (offering.Batch, error)
	PostBatch(ctx context.Context, in offering.PostInput) (offering.Batch, error)
}

// Handler exposes the offering batch workflow.
type Handler struct {
	logger  *slog.Logger
	service offeringService
	rbac    rbac.Middleware
}

// NewHandler constructs an offering HTTP handler.
func NewHandler(logger *slog.Logger, service offeringService, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers routes below an /orgs/{org}/branches/{branch} prefix.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/offerings", func(r chi.Router) {
		r.With(h.rbac.RequireAny(shared.PermOfferingView)).Get("/", h.listBatches)
		r.With(h.rbac.RequireAny(shared.PermOfferingView)).Get("/{id}", h.getBatch)
		r.With(h.rbac.RequireAll(shared.PermOfferingCount)).Post("/", h.createBatch)
		r.With(h.rbac.RequireAll(shared.PermOfferingVerify)).Post("/{id}/verify", h.verifyBatch)
		r.With(h.rbac.RequireAll(shared.PermOfferingApprove)).Post("/{id}/approve", h.approveBatch)
		r.With(h.rbac.RequireAll(shared.PermFinanceGLPost)).Post("/{id}/post", h.postBatch)
	})
}

type createBatchRequest struct {
	BatchDate         string           `json:"batch_date"`
	ServiceName       string           `json:"service_name"`
	OfferingType      string           `json:"offering_type"`
	Amounts           offering.Amounts `json:"amounts"`
	CashDenominations map[string]int   `json:"cash_denominations"`
	CountedBy         []string         `json:"counted_by"`
	Notes             string           `json:"notes"`
}

type depositRequest struct {
	BankAccountID     string `json:"bank_account_id"`
	DepositDate       string `json:"deposit_date"`
	DepositSlipNumber string `json:"deposit_slip_number"`
}

type verifyRequest struct {
	Version           int64            `json:"version"`
	DiscrepancyAmount *decimal.Decimal `json:"discrepancy_amount"`
	DiscrepancyNotes  string           `json:"discrepancy_notes"`
	VerificationNotes string           `json:"verification_notes"`
	Deposit           *depositRequest  `json:"deposit"`
}

type approveRequest struct {
	Version int64 `json:"version"`
}

type postRequest struct {
	Version        int64                   `json:"version"`
	AccountMapping offering.AccountMapping `json:"account_mapping"`
}

type batchResponse struct {
	ID                string           `json:"id"`
	OrganisationID    string           `json:"organisation_id"`
	BranchID          string           `json:"branch_id"`
	BatchNumber       string           `json:"batch_number"`
	BatchDate         string           `json:"batch_date"`
	ServiceName       string           `json:"service_name"`
	OfferingType      string           `json:"offering_type"`
	CashAmount        decimal.Decimal  `json:"cash_amount"`
	MobileMoneyAmount decimal.Decimal  `json:"mobile_money_amount"`
	ChequeAmount      decimal.Decimal  `json:"cheque_amount"`
	ForeignAmount     decimal.Decimal  `json:"foreign_currency_amount"`
	TotalAmount       decimal.Decimal  `json:"total_amount"`
	CashDenominations map[string]int   `json:"cash_denominations,omitempty"`
	CountedBy         []string         `json:"counted_by"`
	VerifiedBy        *string          `json:"verified_by,omitempty"`
	VerifiedAt        *time.Time       `json:"verified_at,omitempty"`
	VerificationNotes string           `json:"verification_notes,omitempty"`
	DiscrepancyAmount *decimal.Decimal `json:"discrepancy_amount,omitempty"`
	DiscrepancyNotes  string           `json:"discrepancy_notes,omitempty"`
	BankAccountID     string           `json:"bank_account_id,omitempty"`
	DepositDate       string           `json:"deposit_date,omitempty"`
	DepositSlipNumber string           `json:"deposit_slip_number,omitempty"`
	ApprovedBy        *string          `json:"approved_by,omitempty"`
	ApprovedAt        *time.Time       `json:"approved_at,omitempty"`
	Status            string           `json:"status"`
	IsPostedToGL      bool             `json:"is_posted_to_gl"`
	JournalEntryID    *uuid.UUID       `json:"journal_entry_id,omitempty"`
	PostedBy          *string          `json:"posted_by,omitempty"`
	PostedAt          *time.Time       `json:"posted_at,omitempty"`
	Notes             string           `json:"notes,omitempty"`
	Version           int64            `json:"version"`
	CreatedBy         string           `json:"created_by"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

func toResponse(b offering.Batch) batchResponse {
	resp := batchResponse{
		ID:                b.ID.String(),
		OrganisationID:    b.Scope.OrganisationID,
		BranchID:          b.Scope.BranchID,
		BatchNumber:       b.BatchNumber,
		BatchDate:         b.BatchDate.Format(time.DateOnly),
		ServiceName:       b.ServiceName,
		OfferingType:      string(b.OfferingType),
		CashAmount:        b.Amounts.Cash,
		MobileMoneyAmount: b.Amounts.MobileMoney,
		ChequeAmount:      b.Amounts.Cheque,
		ForeignAmount:     b.Amounts.ForeignCurrency,
		TotalAmount:       b.TotalAmount(),
		CashDenominations: b.CashDenominations,
		CountedBy:         b.CountedBy,
		VerifiedBy:        b.VerifiedBy,
		VerifiedAt:        b.VerifiedAt,
		VerificationNotes: b.VerificationNotes,
		DiscrepancyAmount: b.DiscrepancyAmount,
		DiscrepancyNotes:  b.DiscrepancyNotes,
		BankAccountID:     b.Deposit.BankAccountID,
		DepositSlipNumber: b.Deposit.DepositSlipNumber,
		ApprovedBy:        b.ApprovedBy,
		ApprovedAt:        b.ApprovedAt,
		Status:            string(b.Status),
		IsPostedToGL:      b.IsPostedToGL,
		JournalEntryID:    b.JournalEntryID,
		PostedBy:          b.PostedBy,
		PostedAt:          b.PostedAt,
		Notes:             b.Notes,
		Version:           b.Version,
		CreatedBy:         b.CreatedBy,
		CreatedAt:         b.CreatedAt,
		UpdatedAt:         b.UpdatedAt,
	}
	if b.Deposit.DepositDate != nil {
		resp.DepositDate = b.Deposit.DepositDate.Format(time.DateOnly)
	}
	return resp
}

func (h *Handler) createBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, shared.Invalid("invalid request body: %v", err))
		return
	}
	batchDate, err := parseDate("batch_date", req.BatchDate)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	batch, err := h.service.CreateBatch(r.Context(), offering.CreateBatchInput{
		Scope:             scopeFrom(r),
		BatchDate:         batchDate,
		ServiceName:       req.ServiceName,
		OfferingType:      offering.OfferingType(strings.ToUpper(strings.TrimSpace(req.OfferingType))),
		Amounts:           req.Amounts,
		CashDenominations: req.CashDenominations,
		CountedBy:         req.CountedBy,
		Notes:             req.Notes,
		CreatedBy:         shared.ActorFromContext(r.Context()),
	}, r.Header.Get(IdempotencyHeader))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toResponse(batch))
}

func (h *Handler) getBatch(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	batch, err := h.service.GetBatch(r.Context(), scopeFrom(r), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(batch))
}

func (h *Handler) listBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := offering.ListFilter{
		Scope:  scopeFrom(r),
		Status: offering.Status(strings.ToUpper(strings.TrimSpace(q.Get("status")))),
	}
	var err error
	if filter.DateFrom, err = optionalDate("date_from", q.Get("date_from")); err != nil {
		h.fail(w, r, err)
		return
	}
	if filter.DateTo, err = optionalDate("date_to", q.Get("date_to")); err != nil {
		h.fail(w, r, err)
		return
	}
	if filter.Page, err = optionalInt("page", q.Get("page")); err != nil {
		h.fail(w, r, err)
		return
	}
	if filter.PerPage, err = optionalInt("per_page", q.Get("per_page")); err != nil {
		h.fail(w, r, err)
		return
	}
	batches, page, err := h.service.ListBatches(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	items := make([]batchResponse, 0, len(batches))
	for _, b := range batches {
		items = append(items, toResponse(b))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": items, "pagination": page})
}

func (h *Handler) verifyBatch(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req verifyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, shared.Invalid("invalid request body: %v", err))
		return
	}
	in := offering.VerifyInput{
		ID:                id,
		Scope:             scopeFrom(r),
		Version:           req.Version,
		VerifierID:        shared.ActorFromContext(r.Context()),
		DiscrepancyAmount: req.DiscrepancyAmount,
		DiscrepancyNotes:  req.DiscrepancyNotes,
		VerificationNotes: req.VerificationNotes,
	}
	if req.Deposit != nil {
		depositDate, err := optionalDate("deposit.deposit_date", req.Deposit.DepositDate)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		in.Deposit = &offering.Deposit{
			BankAccountID:     req.Deposit.BankAccountID,
			DepositDate:       depositDate,
			DepositSlipNumber: req.Deposit.DepositSlipNumber,
		}
	}
	batch, err := h.service.VerifyBatch(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(batch))
}

func (h *Handler) approveBatch(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req approveRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, shared.Invalid("invalid request body: %v", err))
		return
	}
	batch, err := h.service.ApproveBatch(r.Context(), offering.ApproveInput{
		ID:         id,
		Scope:      scopeFrom(r),
		Version:    req.Version,
		ApproverID: shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(batch))
}

func (h *Handler) postBatch(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req postRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, shared.Invalid("invalid request body: %v", err))
		return
	}
	batch, err := h.service.PostBatch(r.Context(), offering.PostInput{
		ID:       id,
		Scope:    scopeFrom(r),
		Version:  req.Version,
		PostedBy: shared.ActorFromContext(r.Context()),
		Mapping:  req.AccountMapping,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(batch))
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch shared.KindOf(err) {
	case shared.KindInternal:
		h.logger.Error("offering request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	case shared.KindCollaborator:
		h.logger.Warn("offering ledger call failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func scopeFrom(r *http.Request) shared.Scope {
	return shared.Scope{OrganisationID: chi.URLParam(r, "org"), BranchID: chi.URLParam(r, "branch")}
}

func idParam(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, shared.InvalidField("id", "must be a UUID")
	}
	return id, nil
}

func parseDate(field, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, shared.InvalidField(field, "is required")
	}
	d, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, shared.InvalidField(field, "must be YYYY-MM-DD")
	}
	return d, nil
}

func optionalDate(field, raw string) (*time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	d, err := parseDate(field, raw)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func optionalInt(field, raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, shared.InvalidField(field, "must be an integer")
	}
	return v, nil
}
