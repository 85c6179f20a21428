package shared

import "strings"

// Scope identifies the organisation/branch that owns a financial record.
type Scope struct {
	OrganisationID string `json:"organisation_id"`
	BranchID       string `json:"branch_id"`
}

// Validate ensures both identifiers are present.
func (s Scope) Validate() error {
	fields := map[string]string{}
	if strings.TrimSpace(s.OrganisationID) == "" {
		fields["organisation_id"] = "is required"
	}
	if strings.TrimSpace(s.BranchID) == "" {
		fields["branch_id"] = "is required"
	}
	if len(fields) > 0 {
		return &ValidationError{Message: "scope required", Fields: fields}
	}
	return nil
}

func (s Scope) String() string {
	return s.OrganisationID + "/" + s.BranchID
}
