package shared

import (
	"fmt"
	"strings"
	"time"
)

// BatchSequenceKey builds the redis counter key for offering batch numbers of
// a branch on a given day.
func BatchSequenceKey(scope Scope, day time.Time) string {
	return fmt.Sprintf("finance:offering:%s:%s:seq:%s",
		keyPart(scope.OrganisationID), keyPart(scope.BranchID), day.Format("20060102"))
}

// CurrentPeriodKey builds the dedupe key used for current-period lookups.
func CurrentPeriodKey(scope Scope, year, month int) string {
	return fmt.Sprintf("finance:period:%s:%s:%04d-%02d", keyPart(scope.OrganisationID), keyPart(scope.BranchID), year, month)
}

func keyPart(v string) string {
	return strings.ReplaceAll(strings.TrimSpace(v), ":", "_")
}
