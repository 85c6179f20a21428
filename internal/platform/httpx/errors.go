// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/odyssey-fincore/internal/shared"
)

// draftCounter is implemented by errors that report blocking ledger drafts.
type draftCounter interface {
	DraftEntryCount() int
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	problem := ProblemFor(err)
	JSON(w, problem.Status, problem)
}

// ProblemFor builds the problem document describing err.
func ProblemFor(err error) ProblemDetail {
	kind := shared.KindOf(err)
	p := ProblemDetail{Type: "about:blank", Kind: string(kind), Detail: err.Error()}
	switch kind {
	case shared.KindValidation:
		p.Status, p.Title = http.StatusBadRequest, "Validation Failed"
		var verr *shared.ValidationError
		if errors.As(err, &verr) && len(verr.Fields) > 0 {
			p.Errors = verr.Fields
		}
	case shared.KindNotFound:
		p.Status, p.Title = http.StatusNotFound, "Not Found"
	case shared.KindConflict:
		p.Status, p.Title = http.StatusConflict, "Conflict"
	case shared.KindStateViolation:
		p.Status, p.Title = http.StatusUnprocessableEntity, "State Violation"
		var drafts draftCounter
		if errors.As(err, &drafts) {
			p.DraftEntries = drafts.DraftEntryCount()
		}
	case shared.KindCollaborator:
		p.Status, p.Title = http.StatusBadGateway, "Ledger Unavailable"
	default:
		p.Status, p.Title, p.Detail = http.StatusInternalServerError, "Internal Error", ""
	}
	return p
}
