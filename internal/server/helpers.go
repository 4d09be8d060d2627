package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cleared-dev/passbook/internal/export"
	"github.com/cleared-dev/passbook/internal/extractor"
	"github.com/cleared-dev/passbook/internal/importer"
	"github.com/cleared-dev/passbook/internal/ingest"
	"github.com/cleared-dev/passbook/internal/table"
)

var (
	errSessionNotFound = errors.New("session not found")
	errNoResult        = errors.New("nothing has been extracted yet")
)

// ErrorResponse is the body of every error answer.
type ErrorResponse struct {
	Error     string              `json:"error"`
	Message   string              `json:"message,omitempty"`
	ErrorKind extractor.ErrorKind `json:"errorKind,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes err with the status mapError picks for it.
func writeError(w http.ResponseWriter, err error) {
	status := mapError(err)
	resp := ErrorResponse{Error: http.StatusText(status), Message: err.Error()}
	var apiErr *extractor.APIError
	if errors.As(err, &apiErr) {
		resp.ErrorKind = apiErr.Kind
		if apiErr.Message != "" {
			resp.Message = apiErr.Message
		}
	}
	writeJSON(w, status, resp)
}

// mapError maps domain errors to HTTP status codes.
func mapError(err error) int {
	var apiErr *extractor.APIError
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, errSessionNotFound),
		errors.Is(err, table.ErrUnknownProposal):
		return http.StatusNotFound
	case errors.Is(err, importer.ErrTooLarge),
		errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, importer.ErrNoBank),
		errors.Is(err, importer.ErrUnsupportedBank),
		errors.Is(err, importer.ErrEmptyFile),
		errors.Is(err, ingest.ErrEmptyPassword),
		errors.Is(err, table.ErrIndexOutOfRange),
		errors.Is(err, table.ErrUnknownField),
		errors.Is(err, table.ErrFieldRequired),
		errors.Is(err, table.ErrInvalidValue),
		errors.Is(err, export.ErrNoLedgerName),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, importer.ErrNotPDF):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ingest.ErrNoPendingUpload),
		errors.Is(err, ingest.ErrBusy),
		errors.Is(err, ingest.ErrSuperseded),
		errors.Is(err, ingest.ErrNoAccuracy),
		errors.Is(err, table.ErrStaleProposal),
		errors.Is(err, errNoResult):
		return http.StatusConflict
	case errors.Is(err, table.ErrUnchanged):
		return http.StatusUnprocessableEntity
	case errors.As(err, &apiErr):
		if apiErr.Kind == extractor.KindPasswordRequired || apiErr.Kind == extractor.KindInvalidPassword {
			return http.StatusUnprocessableEntity
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
