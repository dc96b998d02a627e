// Package apperr defines the error taxonomy shared across the service
// layers. Callers classify with errors.Is/errors.As; the endpoint layer maps
// each class to an HTTP status.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrValidation marks a malformed submission field or value. Not retryable.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks a task or tool that vanished between selection and
	// submission. The caller should re-select rather than retry the same id.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate marks a ledger row that already exists. Resubmitting an
	// identical completion is treated as idempotent success, not a failure.
	ErrDuplicate = errors.New("duplicate entry")

	// ErrNotAuthenticated marks a missing credential record.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrInvalidCredential marks a stored credential that failed authenticated
	// decryption. Distinct from absent: it indicates tamper or corruption and
	// must surface loudly.
	ErrInvalidCredential = errors.New("invalid credential")
)

// UpstreamError carries a non-2xx response from the upstream catalog with the
// status and body preserved verbatim so callers can distinguish validation
// rejection from transient failure.
type UpstreamError struct {
	Op     string
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: status %d: %s", e.Op, e.Status, e.Body)
}

// Transient reports whether the failure is worth retrying. 5xx and transport
// failures (Status == 0) are transient; 4xx is a rejection.
func (e *UpstreamError) Transient() bool {
	return e.Status == 0 || e.Status >= http.StatusInternalServerError
}

// HTTPStatus maps an error class to the status code the endpoint layer
// should return.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNotAuthenticated), errors.Is(err, ErrInvalidCredential):
		return http.StatusUnauthorized
	default:
		var ue *UpstreamError
		if errors.As(err, &ue) {
			if ue.Transient() {
				return http.StatusBadGateway
			}
			return ue.Status
		}
		return http.StatusInternalServerError
	}
}
