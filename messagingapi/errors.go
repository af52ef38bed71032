package messagingapi

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a non-2xx response from the messaging API. Callers extract it
// with errors.As:
//
//	var apiErr *APIError
//	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusForbidden { ... }
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
	// Err is the short error name some endpoints add ("Not Found")
	Err string `json:"error"`
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Err
	}
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("messaging api: %d: %s", e.StatusCode, msg)
}

// IsStatus reports whether err is an *APIError with the given status code
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == status
	}
	return false
}

// IsNotFound reports whether err is a 404 from the API
func IsNotFound(err error) bool {
	return IsStatus(err, http.StatusNotFound)
}
