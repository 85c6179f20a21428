// Package offering implements the two-person count, verification, approval
// and GL posting workflow of offering batches.
package offering

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-fincore/internal/shared"
)

// SourceModule tags journal entries created from offering batches.
const SourceModule = "offering"

// OfferingType classifies the collection.
type OfferingType string

const (
	TypeTithe        OfferingType = "TITHE"
	TypeGeneral      OfferingType = "GENERAL"
	TypeThanksgiving OfferingType = "THANKSGIVING"
	TypeSpecial      OfferingType = "SPECIAL"
	TypeBuildingFund OfferingType = "BUILDING_FUND"
	TypeMissions     OfferingType = "MISSIONS"
	TypeOther        OfferingType = "OTHER"
)

// Valid reports whether t is one of the known offering types.
func (t OfferingType) Valid() bool {
	switch t {
	case TypeTithe, TypeGeneral, TypeThanksgiving, TypeSpecial, TypeBuildingFund, TypeMissions, TypeOther:
		return true
	}
	return false
}

// Amounts holds the four counted components of a batch.
type Amounts struct {
	Cash            decimal.Decimal `json:"cash_amount"`
	MobileMoney     decimal.Decimal `json:"mobile_money_amount"`
	Cheque          decimal.Decimal `json:"cheque_amount"`
	ForeignCurrency decimal.Decimal `json:"foreign_currency_amount"`
}

// Total sums the components.
func (a Amounts) Total() decimal.Decimal {
	return a.Cash.Add(a.MobileMoney).Add(a.Cheque).Add(a.ForeignCurrency)
}

// AmountScale is the number of decimal places stored for money columns.
const AmountScale = 2

// maxAmount is the exclusive upper bound of a NUMERIC(18,2) column.
var maxAmount = decimal.New(1, 16)

// checkMoney returns the problem with v as a stored amount, or "".
func checkMoney(v decimal.Decimal) string {
	switch {
	case v.IsNegative():
		return "must not be negative"
	case !v.Equal(v.Round(AmountScale)):
		return "must have at most 2 decimal places"
	case v.Cmp(maxAmount) >= 0:
		return "is too large"
	}
	return ""
}

func (a Amounts) validate() error {
	fields := map[string]string{}
	check := func(name string, v decimal.Decimal) {
		if msg := checkMoney(v); msg != "" {
			fields[name] = msg
		}
	}
	check("cash_amount", a.Cash)
	check("mobile_money_amount", a.MobileMoney)
	check("cheque_amount", a.Cheque)
	check("foreign_currency_amount", a.ForeignCurrency)
	if len(fields) == 0 && a.Total().Cmp(maxAmount) >= 0 {
		fields["total_amount"] = "is too large"
	}
	if len(fields) > 0 {
		return &shared.ValidationError{Message: "invalid amounts", Fields: fields}
	}
	return nil
}

// Deposit captures optional bank deposit details recorded at verification.
type Deposit struct {
	BankAccountID     string     `json:"bank_account_id"`
	DepositDate       *time.Time `json:"deposit_date"`
	DepositSlipNumber string     `json:"deposit_slip_number" validate:"max=64"`
}

// Batch is one counted offering.
type Batch struct {
	ID                uuid.UUID
	Scope             shared.Scope
	BatchNumber       string
	BatchDate         time.Time
	ServiceName       string
	OfferingType      OfferingType
	Amounts           Amounts
	CashDenominations map[string]int
	CountedBy         []string
	VerifierID        *string
	VerifiedBy        *string
	VerifiedAt        *time.Time
	VerificationNotes string
	ApprovedBy        *string
	ApprovedAt        *time.Time
	DiscrepancyAmount *decimal.Decimal
	DiscrepancyNotes  string
	Deposit           Deposit
	Status            Status
	IsPostedToGL      bool
	JournalEntryID    *uuid.UUID
	PostedBy          *string
	PostedAt          *time.Time
	Notes             string
	Version           int64
	CreatedBy         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TotalAmount is always derived from the four component amounts.
func (b Batch) TotalAmount() decimal.Decimal {
	return b.Amounts.Total()
}

// HasCounter reports whether actor took part in the first count.
func (b Batch) HasCounter(actor string) bool {
	actor = strings.TrimSpace(actor)
	for _, c := range b.CountedBy {
		if c == actor {
			return true
		}
	}
	return false
}

// CreateBatchInput captures the first count.
type CreateBatchInput struct {
	Scope             shared.Scope   `json:"-"`
	BatchDate         time.Time      `json:"batch_date" validate:"required"`
	ServiceName       string         `json:"service_name" validate:"required,max=200"`
	OfferingType      OfferingType   `json:"offering_type" validate:"required,oneof=TITHE GENERAL THANKSGIVING SPECIAL BUILDING_FUND MISSIONS OTHER"`
	Amounts           Amounts        `json:"amounts"`
	CashDenominations map[string]int `json:"cash_denominations" validate:"omitempty,dive,keys,required,endkeys,gte=0"`
	CountedBy         []string       `json:"counted_by" validate:"required,min=1,dive,required"`
	Notes             string         `json:"notes" validate:"max=1000"`
	CreatedBy         string         `json:"created_by" validate:"required"`
}

// Normalized trims identifiers and de-duplicates CountedBy. Blank counters
// are dropped, so a list of blanks normalizes to empty.
func (in CreateBatchInput) Normalized() CreateBatchInput {
	in.ServiceName = strings.TrimSpace(in.ServiceName)
	in.OfferingType = OfferingType(strings.ToUpper(strings.TrimSpace(string(in.OfferingType))))
	in.CountedBy = dedupe(in.CountedBy)
	in.CreatedBy = strings.TrimSpace(in.CreatedBy)
	return in
}

// Validate runs struct tags and the monetary checks against the normalized
// input.
func (in CreateBatchInput) Validate() error {
	in = in.Normalized()
	if err := in.Scope.Validate(); err != nil {
		return err
	}
	if err := validate.Struct(in); err != nil {
		return shared.FromValidator(err)
	}
	return in.Amounts.validate()
}

// VerifyInput captures the second count.
type VerifyInput struct {
	ID                uuid.UUID        `json:"-"`
	Scope             shared.Scope     `json:"-"`
	Version           int64            `json:"version" validate:"gte=0"`
	VerifierID        string           `json:"verifier_id" validate:"required"`
	DiscrepancyAmount *decimal.Decimal `json:"discrepancy_amount"`
	DiscrepancyNotes  string           `json:"discrepancy_notes" validate:"max=1000"`
	VerificationNotes string           `json:"verification_notes" validate:"max=1000"`
	Deposit           *Deposit         `json:"deposit"`
}

// Normalized trims the verifier.
func (in VerifyInput) Normalized() VerifyInput {
	in.VerifierID = strings.TrimSpace(in.VerifierID)
	return in
}

// Validate checks identity and the discrepancy annotation.
func (in VerifyInput) Validate() error {
	in = in.Normalized()
	if err := validateTarget(in.ID, in.Scope); err != nil {
		return err
	}
	if err := validate.Struct(in); err != nil {
		return shared.FromValidator(err)
	}
	if in.DiscrepancyAmount != nil {
		if !in.DiscrepancyAmount.Equal(in.DiscrepancyAmount.Round(AmountScale)) {
			return shared.InvalidField("discrepancy_amount", "must have at most 2 decimal places")
		}
		if in.DiscrepancyAmount.Abs().Cmp(maxAmount) >= 0 {
			return shared.InvalidField("discrepancy_amount", "is too large")
		}
	}
	if in.DiscrepancyAmount != nil && !in.DiscrepancyAmount.IsZero() && strings.TrimSpace(in.DiscrepancyNotes) == "" {
		return shared.InvalidField("discrepancy_notes", "is required when a discrepancy is recorded")
	}
	return nil
}

// ApproveInput captures the approval step.
type ApproveInput struct {
	ID         uuid.UUID    `json:"-"`
	Scope      shared.Scope `json:"-"`
	Version    int64        `json:"version" validate:"gte=0"`
	ApproverID string       `json:"approver_id" validate:"required"`
}

// Normalized trims the approver.
func (in ApproveInput) Normalized() ApproveInput {
	in.ApproverID = strings.TrimSpace(in.ApproverID)
	return in
}

// Validate checks identity and approver.
func (in ApproveInput) Validate() error {
	in = in.Normalized()
	if err := validateTarget(in.ID, in.Scope); err != nil {
		return err
	}
	if err := validate.Struct(in); err != nil {
		return shared.FromValidator(err)
	}
	return nil
}

// PostInput requests GL posting with an explicit account mapping.
type PostInput struct {
	ID       uuid.UUID      `json:"-"`
	Scope    shared.Scope   `json:"-"`
	Version  int64          `json:"version" validate:"gte=0"`
	PostedBy string         `json:"posted_by" validate:"required"`
	Mapping  AccountMapping `json:"account_mapping"`
}

// Normalized trims the poster.
func (in PostInput) Normalized() PostInput {
	in.PostedBy = strings.TrimSpace(in.PostedBy)
	return in
}

// Validate checks identity and actor. Mapping completeness depends on the
// batch amounts and is checked when the journal request is built.
func (in PostInput) Validate() error {
	in = in.Normalized()
	if err := validateTarget(in.ID, in.Scope); err != nil {
		return err
	}
	if err := validate.Struct(in); err != nil {
		return shared.FromValidator(err)
	}
	return nil
}

// ListFilter narrows batch listings.
type ListFilter struct {
	Scope    shared.Scope
	Status   Status
	DateFrom *time.Time
	DateTo   *time.Time
	Page     int
	PerPage  int
}

// Validate checks scope, status and range.
func (f ListFilter) Validate() error {
	if err := f.Scope.Validate(); err != nil {
		return err
	}
	if f.Status != "" && !f.Status.Valid() {
		return shared.InvalidField("status", "unknown status")
	}
	if f.DateFrom != nil && f.DateTo != nil && f.DateTo.Before(*f.DateFrom) {
		return shared.InvalidField("date_to", "must not be before date_from")
	}
	return nil
}

func validateTarget(id uuid.UUID, scope shared.Scope) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if id == uuid.Nil {
		return shared.InvalidField("id", "is required")
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

var (
	// ErrBatchNotFound indicates the batch does not exist in the scope.
	ErrBatchNotFound = fmt.Errorf("%w: offering: batch not found", shared.ErrNotFound)
	// ErrStaleVersion indicates the caller's version no longer matches.
	ErrStaleVersion = fmt.Errorf("%w: offering: stale version, re-read and retry", shared.ErrConflict)
	// ErrInvalidTransition indicates the batch is not in the required state.
	ErrInvalidTransition = fmt.Errorf("%w: offering: invalid status transition", shared.ErrStateViolation)
	// ErrAlreadyPosted guards the one-way GL latch.
	ErrAlreadyPosted = fmt.Errorf("%w: offering: batch already posted", shared.ErrStateViolation)
	// ErrSelfVerification enforces the two-person count.
	ErrSelfVerification = fmt.Errorf("%w: offering: verifier took part in the count", shared.ErrValidation)
	// ErrSegregationOfDuties rejects approvals by counters or the verifier.
	ErrSegregationOfDuties = fmt.Errorf("%w: offering: approver must not have counted or verified", shared.ErrValidation)
	// ErrIncompleteMapping indicates a required account is missing.
	ErrIncompleteMapping = fmt.Errorf("%w: offering: account mapping incomplete", shared.ErrValidation)
	// ErrDuplicateBatchNumber indicates the generated number collided.
	ErrDuplicateBatchNumber = fmt.Errorf("%w: offering: batch number already used", shared.ErrConflict)
)
