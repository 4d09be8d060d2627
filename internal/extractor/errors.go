package extractor

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies a failed upload.
type ErrorKind string

const (
	KindPasswordRequired ErrorKind = "password_required"
	KindInvalidPassword  ErrorKind = "invalid_password"
	KindGeneric          ErrorKind = "generic"
)

// Structured codes the extraction service attaches to its error payloads.
const (
	CodePasswordRequired = "PASSWORD_REQUIRED"
	CodeInvalidPassword  = "INVALID_PASSWORD"
)

// APIError is a non-success answer from the extraction service.
type APIError struct {
	Status  int
	Kind    ErrorKind
	Code    string
	Message string

	// Legacy is set when Kind was inferred from the status or message text
	// because the payload carried no structured code.
	Legacy bool
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "Processing failed"
	}
	if e.Code != "" {
		return fmt.Sprintf("extraction service (%d %s): %s", e.Status, e.Code, msg)
	}
	return fmt.Sprintf("extraction service (%d): %s", e.Status, msg)
}

// KindOf returns the kind of err, or "" when err is not an *APIError.
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

// errorPayload is the JSON body the service sends alongside a failure.
type errorPayload struct {
	Success *bool  `json:"success,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// classify builds an APIError from a status and a decoded payload. The
// structured code wins; status 422 and keyword matching on the message are
// only consulted when the payload has no code.
func classify(status int, p errorPayload) *APIError {
	e := &APIError{Status: status, Code: p.Code, Message: p.Message}
	if e.Message == "" {
		e.Message = p.Error
	}

	switch strings.ToUpper(p.Code) {
	case CodePasswordRequired:
		e.Kind = KindPasswordRequired
		return e
	case CodeInvalidPassword:
		e.Kind = KindInvalidPassword
		return e
	case "":
	default:
		e.Kind = KindGeneric
		return e
	}

	e.Kind = KindGeneric
	switch {
	case status == http.StatusUnprocessableEntity:
		e.Kind = KindPasswordRequired
		e.Legacy = true
	case mentionsPassword(p.Error) || mentionsPassword(p.Message):
		e.Kind = KindPasswordRequired
		e.Legacy = true
	}
	return e
}

func mentionsPassword(s string) bool {
	return strings.Contains(s, "Password") || strings.Contains(s, "Encrypted")
}
