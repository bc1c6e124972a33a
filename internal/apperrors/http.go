package apperrors

import (
	"errors"
	"net/http"
)

var statusBySentinel = []struct {
	sentinel error
	status   int
}{
	{ErrValidation, http.StatusBadRequest},
	{ErrNotFound, http.StatusNotFound},
	{ErrConflict, http.StatusConflict},
	{ErrBusy, http.StatusServiceUnavailable},
}

// HTTPStatus maps an error to the status code the API answers with.
// Anything unclassified is a 500.
func HTTPStatus(err error) int {
	for _, m := range statusBySentinel {
		if errors.Is(err, m.sentinel) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}

// Field returns the request field a validation error points at, or "".
func Field(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) && errors.Is(appErr.Sentinel, ErrValidation) {
		return appErr.Field
	}
	return ""
}
