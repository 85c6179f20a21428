package fiscal

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-fincore/internal/shared"
)

// PeriodName derives the display name, e.g. "March 2025".
func PeriodName(year int, month time.Month) string {
	return fmt.Sprintf("%s %d", month.String(), year)
}

// MonthBounds returns the first and last calendar day of the month.
func MonthBounds(year int, month time.Month) (time.Time, time.Time) {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, -1)
	return start, end
}

// BuildYear lays out the 12 contiguous OPEN periods of a fiscal year.
func BuildYear(scope shared.Scope, year int, createdBy string, now time.Time) []Period {
	periods := make([]Period, 0, PeriodsPerYear)
	for n := 1; n <= PeriodsPerYear; n++ {
		month := time.Month(n)
		start, end := MonthBounds(year, month)
		periods = append(periods, Period{
			ID:           uuid.New(),
			Scope:        scope,
			FiscalYear:   year,
			PeriodNumber: n,
			PeriodName:   PeriodName(year, month),
			StartDate:    start,
			EndDate:      end,
			Status:       StatusOpen,
			CreatedBy:    createdBy,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	return periods
}

// KeyForDate resolves which period a calendar date belongs to.
func KeyForDate(scope shared.Scope, date time.Time) Key {
	return Key{Scope: scope, FiscalYear: date.Year(), PeriodNumber: int(date.Month())}
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
