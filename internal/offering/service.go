package offering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-fincore/internal/fiscal"
	"github.com/odyssey-erp/odyssey-fincore/internal/ledger"
	"github.com/odyssey-erp/odyssey-fincore/internal/shared"
)

const maxNumberAttempts = 3

// ErrNoPeriod indicates the batch date is not covered by an initialised year.
var ErrNoPeriod = fmt.Errorf("%w: offering: no fiscal period covers the batch date", shared.ErrStateViolation)

// Repository abstracts batch persistence.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetBatch(ctx context.Context, scope shared.Scope, id uuid.UUID) (Batch, error)
	ListBatches(ctx context.Context, filter ListFilter) ([]Batch, int, error)
}

// TxRepository exposes the operations available inside a transaction.
type TxRepository interface {
	InsertBatch(ctx context.Context, b Batch) error
	GetBatch(ctx context.Context, scope shared.Scope, id uuid.UUID) (Batch, error)
	// CompareAndSwap writes b only if the stored version equals expected and
	// returns b with the incremented version. A mismatch is ErrStaleVersion.
	CompareAndSwap(ctx context.Context, b Batch, expected int64) (Batch, error)
	AttachJournalEntry(ctx context.Context, b Batch, entryID uuid.UUID) error
	// PostJournal hands req to poster on this transaction's connection.
	PostJournal(ctx context.Context, poster ledger.Poster, req ledger.JournalRequest) (ledger.JournalEntry, error)
	// PeriodForDate loads the covering fiscal period under a share lock.
	PeriodForDate(ctx context.Context, scope shared.Scope, date time.Time) (fiscal.Period, error)
}

// AuditPort records batch transitions.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards duplicate create requests.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

// TransitionMetrics counts batch transitions and version conflicts.
type TransitionMetrics interface {
	ObserveOfferingTransition(action string)
	ObserveVersionConflict()
}

// Service implements the offering batch workflow.
type Service struct {
	repo     Repository
	numberer Numberer
	poster   ledger.Poster
	audit    AuditPort
	mappings MappingSource
	idem     IdempotencyPort
	metrics  TransitionMetrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs the offering service.
func NewService(repo Repository, numberer Numberer, poster ledger.Poster, audit AuditPort) *Service {
	return &Service{
		repo:     repo,
		numberer: numberer,
		poster:   poster,
		audit:    audit,
		logger:   slog.Default(),
		now:      time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithLogger sets the logger.
func (s *Service) WithLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// WithMetrics attaches transition counters.
func (s *Service) WithMetrics(m TransitionMetrics) {
	s.metrics = m
}

// WithMappingSource enables default account lookups for posting.
func (s *Service) WithMappingSource(src MappingSource) {
	s.mappings = src
}

// WithIdempotency enables Idempotency-Key handling on create.
func (s *Service) WithIdempotency(store IdempotencyPort) {
	s.idem = store
}

// CreateBatch records the first count. A non-empty idempotencyKey makes a
// repeated request fail with a conflict instead of creating a second batch.
func (s *Service) CreateBatch(ctx context.Context, in CreateBatchInput, idempotencyKey string) (Batch, error) {
	in = in.Normalized()
	if err := in.Validate(); err != nil {
		return Batch{}, err
	}
	if s.numberer == nil {
		return Batch{}, errors.New("offering: numberer not configured")
	}
	idemKey := strings.TrimSpace(idempotencyKey)
	idemModule := SourceModule + ":" + in.Scope.String()
	if idemKey != "" && s.idem != nil {
		if err := s.idem.CheckAndInsert(ctx, idemKey, idemModule); err != nil {
			return Batch{}, err
		}
	}
	now := s.now()
	batch := Batch{
		ID:                uuid.New(),
		Scope:             in.Scope,
		BatchDate:         dateOnly(in.BatchDate),
		ServiceName:       in.ServiceName,
		OfferingType:      in.OfferingType,
		Amounts:           in.Amounts,
		CashDenominations: in.CashDenominations,
		CountedBy:         in.CountedBy,
		Notes:             in.Notes,
		Status:            StatusCounting,
		Version:           0,
		CreatedBy:         in.CreatedBy,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	var err error
	for attempt := 0; attempt < maxNumberAttempts; attempt++ {
		batch.BatchNumber, err = s.numberer.Next(ctx, in.Scope, batch.BatchDate)
		if err != nil {
			break
		}
		err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			return tx.InsertBatch(ctx, batch)
		})
		if !errors.Is(err, ErrDuplicateBatchNumber) {
			break
		}
		s.logger.Warn("offering batch number collision", slog.String("batch_number", batch.BatchNumber), slog.Int("attempt", attempt+1))
	}
	if err != nil {
		if idemKey != "" && s.idem != nil {
			if delErr := s.idem.Delete(ctx, idemKey, idemModule); delErr != nil {
				s.logger.Warn("offering idempotency rollback failed", slog.Any("error", delErr))
			}
		}
		return Batch{}, err
	}
	s.afterTransition(ctx, "create", "", batch, in.CreatedBy, map[string]any{
		"batch_number": batch.BatchNumber,
		"total_amount": batch.TotalAmount().String(),
		"counted_by":   batch.CountedBy,
	})
	return batch, nil
}

// GetBatch returns a batch owned by scope.
func (s *Service) GetBatch(ctx context.Context, scope shared.Scope, id uuid.UUID) (Batch, error) {
	if err := validateTarget(id, scope); err != nil {
		return Batch{}, err
	}
	return s.repo.GetBatch(ctx, scope, id)
}

// ListBatches returns one page of batches.
func (s *Service) ListBatches(ctx context.Context, filter ListFilter) ([]Batch, shared.Pagination, error) {
	if err := filter.Validate(); err != nil {
		return nil, shared.Pagination{}, err
	}
	filter.Page, filter.PerPage = shared.NormalizePage(filter.Page, filter.PerPage)
	batches, total, err := s.repo.ListBatches(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return batches, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

// VerifyBatch records the second count by a participant who did not count.
func (s *Service) VerifyBatch(ctx context.Context, in VerifyInput) (Batch, error) {
	in = in.Normalized()
	if err := in.Validate(); err != nil {
		return Batch{}, err
	}
	now := s.now()
	verifier := in.VerifierID
	var updated Batch
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		b, err := tx.GetBatch(ctx, in.Scope, in.ID)
		if err != nil {
			return err
		}
		if b.Version != in.Version {
			return ErrStaleVersion
		}
		if err := requireTransition(b, StatusVerified); err != nil {
			return err
		}
		if b.HasCounter(verifier) {
			return ErrSelfVerification
		}
		b.Status = StatusVerified
		b.VerifierID = &verifier
		b.VerifiedBy = &verifier
		b.VerifiedAt = &now
		b.VerificationNotes = in.VerificationNotes
		if in.DiscrepancyAmount != nil {
			amount := *in.DiscrepancyAmount
			b.DiscrepancyAmount = &amount
			b.DiscrepancyNotes = in.DiscrepancyNotes
		}
		if in.Deposit != nil {
			b.Deposit = *in.Deposit
		}
		b.UpdatedAt = now
		updated, err = tx.CompareAndSwap(ctx, b, in.Version)
		return err
	})
	if err != nil {
		return Batch{}, s.fail(err)
	}
	meta := map[string]any{"version": updated.Version}
	if updated.DiscrepancyAmount != nil {
		meta["discrepancy_amount"] = updated.DiscrepancyAmount.String()
	}
	s.afterTransition(ctx, "verify", StatusCounting, updated, verifier, meta)
	return updated, nil
}

// ApproveBatch approves a verified batch.
func (s *Service) ApproveBatch(ctx context.Context, in ApproveInput) (Batch, error) {
	in = in.Normalized()
	if err := in.Validate(); err != nil {
		return Batch{}, err
	}
	now := s.now()
	approver := in.ApproverID
	var updated Batch
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		b, err := tx.GetBatch(ctx, in.Scope, in.ID)
		if err != nil {
			return err
		}
		if b.Version != in.Version {
			return ErrStaleVersion
		}
		if err := requireTransition(b, StatusApproved); err != nil {
			return err
		}
		if b.HasCounter(approver) || (b.VerifierID != nil && *b.VerifierID == approver) {
			return ErrSegregationOfDuties
		}
		b.Status = StatusApproved
		b.ApprovedBy = &approver
		b.ApprovedAt = &now
		b.UpdatedAt = now
		updated, err = tx.CompareAndSwap(ctx, b, in.Version)
		return err
	})
	if err != nil {
		return Batch{}, s.fail(err)
	}
	s.afterTransition(ctx, "approve", StatusVerified, updated, approver, map[string]any{"version": updated.Version})
	return updated, nil
}

// PostBatch books an approved batch into the general ledger. The batch is
// claimed with a CAS before the ledger is called, so a ledger failure rolls
// the claim back and leaves the batch APPROVED.
func (s *Service) PostBatch(ctx context.Context, in PostInput) (Batch, error) {
	in = in.Normalized()
	if err := in.Validate(); err != nil {
		return Batch{}, err
	}
	if s.poster == nil {
		return Batch{}, errors.New("offering: ledger poster not configured")
	}
	now := s.now()
	postedBy := in.PostedBy
	var updated Batch
	var entry ledger.JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		b, err := tx.GetBatch(ctx, in.Scope, in.ID)
		if err != nil {
			return err
		}
		if b.IsPostedToGL {
			return ErrAlreadyPosted
		}
		if b.Version != in.Version {
			return ErrStaleVersion
		}
		if err := requireTransition(b, StatusPosted); err != nil {
			return err
		}
		period, err := tx.PeriodForDate(ctx, b.Scope, b.BatchDate)
		if err != nil {
			if errors.Is(err, fiscal.ErrPeriodNotFound) {
				return ErrNoPeriod
			}
			return err
		}
		if err := fiscal.EnsurePostable(period); err != nil {
			return err
		}
		mapping, err := ResolveMapping(ctx, s.mappings, in.Mapping, b.OfferingType)
		if err != nil {
			return err
		}
		req, err := BuildJournalRequest(b, mapping, postedBy)
		if err != nil {
			return err
		}
		b.Status = StatusPosted
		b.IsPostedToGL = true
		b.PostedBy = &postedBy
		b.PostedAt = &now
		b.UpdatedAt = now
		claimed, err := tx.CompareAndSwap(ctx, b, in.Version)
		if err != nil {
			return err
		}
		entry, err = tx.PostJournal(ctx, s.poster, req)
		if err != nil {
			return shared.Collaborator(err)
		}
		if err := tx.AttachJournalEntry(ctx, claimed, entry.ID); err != nil {
			return err
		}
		claimed.JournalEntryID = &entry.ID
		updated = claimed
		return nil
	})
	if err != nil {
		if errors.Is(err, shared.ErrCollaborator) {
			s.logger.Error("offering ledger posting failed", slog.String("batch_id", in.ID.String()), slog.Any("error", err))
		}
		return Batch{}, s.fail(err)
	}
	s.afterTransition(ctx, "post", StatusApproved, updated, postedBy, map[string]any{
		"version":          updated.Version,
		"journal_entry_id": entry.ID.String(),
		"journal_number":   entry.Number,
		"replayed":         entry.Replayed,
	})
	return updated, nil
}

func requireTransition(b Batch, to Status) error {
	if CanTransition(b.Status, to) {
		return nil
	}
	return fmt.Errorf("%w: %s batch cannot move to %s", ErrInvalidTransition, b.Status, to)
}

func (s *Service) fail(err error) error {
	if errors.Is(err, ErrStaleVersion) && s.metrics != nil {
		s.metrics.ObserveVersionConflict()
	}
	return err
}

func (s *Service) afterTransition(ctx context.Context, action string, from Status, b Batch, actor string, meta map[string]any) {
	if s.metrics != nil {
		s.metrics.ObserveOfferingTransition(action)
	}
	if s.audit == nil {
		return
	}
	log := shared.AuditLog{
		Actor:      actor,
		Action:     "offering.batch." + action,
		Entity:     "offering_batch",
		EntityID:   b.ID.String(),
		Scope:      b.Scope,
		FromStatus: string(from),
		ToStatus:   string(b.Status),
		Meta:       meta,
		At:         b.UpdatedAt,
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("offering audit failed", slog.String("action", log.Action), slog.Any("error", err))
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
