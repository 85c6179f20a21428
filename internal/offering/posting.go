package offering

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/odyssey-erp/odyssey-fincore/internal/ledger"
	"github.com/odyssey-erp/odyssey-fincore/internal/shared"
)

// AccountMapping names the ledger accounts a batch posts to.
type AccountMapping struct {
	CashAccountID            string `json:"cash_account_id"`
	MobileMoneyAccountID     string `json:"mobile_money_account_id"`
	ChequeAccountID          string `json:"cheque_account_id"`
	ForeignCurrencyAccountID string `json:"foreign_currency_account_id"`
	RevenueAccountID         string `json:"revenue_account_id"`
}

// Account mapping keys stored under the offering module.
const (
	MappingKeyCash            = "CASH"
	MappingKeyMobileMoney     = "MOBILE_MONEY"
	MappingKeyCheque          = "CHEQUE"
	MappingKeyForeignCurrency = "FOREIGN_CURRENCY"
	MappingKeyRevenue         = "REVENUE"
)

// MappingSource looks up configured default accounts.
type MappingSource interface {
	GetAccountMapping(ctx context.Context, module, key string) (ledger.AccountMapping, error)
}

// ResolveMapping fills blank accounts in m from src. Revenue is looked up
// per offering type first (REVENUE_TITHE) then under REVENUE. Accounts the
// caller supplied always win.
func ResolveMapping(ctx context.Context, src MappingSource, m AccountMapping, t OfferingType) (AccountMapping, error) {
	if src == nil {
		return m, nil
	}
	fill := func(target *string, keys ...string) error {
		if strings.TrimSpace(*target) != "" {
			return nil
		}
		for _, key := range keys {
			mapping, err := src.GetAccountMapping(ctx, SourceModule, key)
			if errors.Is(err, ledger.ErrMappingNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			*target = mapping.AccountID
			return nil
		}
		return nil
	}
	if err := fill(&m.CashAccountID, MappingKeyCash); err != nil {
		return m, err
	}
	if err := fill(&m.MobileMoneyAccountID, MappingKeyMobileMoney); err != nil {
		return m, err
	}
	if err := fill(&m.ChequeAccountID, MappingKeyCheque); err != nil {
		return m, err
	}
	if err := fill(&m.ForeignCurrencyAccountID, MappingKeyForeignCurrency); err != nil {
		return m, err
	}
	if err := fill(&m.RevenueAccountID, MappingKeyRevenue+"_"+string(t), MappingKeyRevenue); err != nil {
		return m, err
	}
	return m, nil
}

type component struct {
	field   string
	account string
	amount  decimal.Decimal
	memo    string
}

// BuildJournalRequest turns an approved batch into a balanced journal
// request: one debit per non-zero component and one revenue credit for the
// total.
func BuildJournalRequest(b Batch, m AccountMapping, postedBy string) (ledger.JournalRequest, error) {
	components := []component{
		{field: "cash_account_id", account: m.CashAccountID, amount: b.Amounts.Cash, memo: "Cash"},
		{field: "mobile_money_account_id", account: m.MobileMoneyAccountID, amount: b.Amounts.MobileMoney, memo: "Mobile money"},
		{field: "cheque_account_id", account: m.ChequeAccountID, amount: b.Amounts.Cheque, memo: "Cheques"},
		{field: "foreign_currency_account_id", account: m.ForeignCurrencyAccountID, amount: b.Amounts.ForeignCurrency, memo: "Foreign currency"},
	}
	missing := map[string]string{}
	lines := make([]ledger.JournalLine, 0, len(components)+1)
	for _, c := range components {
		if c.amount.IsZero() {
			continue
		}
		if strings.TrimSpace(c.account) == "" {
			missing[c.field] = "is required for a non-zero amount"
			continue
		}
		lines = append(lines, ledger.JournalLine{AccountID: c.account, Debit: c.amount, Memo: c.memo})
	}
	if strings.TrimSpace(m.RevenueAccountID) == "" {
		missing["revenue_account_id"] = "is required"
	}
	if len(missing) > 0 {
		return ledger.JournalRequest{}, errors.Join(ErrIncompleteMapping, &shared.ValidationError{Message: "account mapping incomplete", Fields: missing})
	}
	total := b.TotalAmount()
	lines = append(lines, ledger.JournalLine{AccountID: m.RevenueAccountID, Credit: total, Memo: revenueMemo(b.OfferingType)})

	req := ledger.JournalRequest{
		Scope:        b.Scope,
		Date:         b.BatchDate,
		SourceModule: SourceModule,
		SourceID:     b.ID,
		Reference:    b.BatchNumber,
		Memo:         Memo(b),
		PostedBy:     postedBy,
		Lines:        lines,
	}
	if err := req.Validate(); err != nil {
		return ledger.JournalRequest{}, err
	}
	return req, nil
}

var memoPrinter = message.NewPrinter(language.English)

// Memo renders the journal memo, e.g. "Offering GEN-20250309-0001 Sunday service total 1,234.50".
func Memo(b Batch) string {
	return memoPrinter.Sprintf("Offering %s %s total %s", b.BatchNumber, b.ServiceName, FormatAmount(b.TotalAmount()))
}

// FormatAmount groups thousands and keeps two decimals without going
// through float64.
func FormatAmount(d decimal.Decimal) string {
	fixed := d.Round(2)
	whole := fixed.Truncate(0)
	frac := fixed.Sub(whole).Abs().StringFixed(2)
	sign := ""
	if fixed.IsNegative() {
		sign = "-"
	}
	return sign + memoPrinter.Sprintf("%d", whole.Abs().IntPart()) + strings.TrimPrefix(frac, "0")
}

func revenueMemo(t OfferingType) string {
	words := strings.Split(strings.ToLower(string(t)), "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ") + " offering"
}
