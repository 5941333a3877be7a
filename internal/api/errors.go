package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/nerrad567/bambubridge/internal/printer"
)

// Error represents a structured error response. Category names the
// underlying failure type for gateway errors.
type Error struct {
	Status   int    `json:"status"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category,omitempty"`
}

// Error codes.
const (
	ErrCodeBadRequest        = "bad_request"
	ErrCodeNotFound          = "not_found"
	ErrCodeUnauthorized      = "unauthorised"
	ErrCodeInternal          = "internal_error"
	ErrCodeMethodNotAllow    = "method_not_allowed"
	ErrCodeUnknownPrinter    = "unknown_printer"
	ErrCodeIncompleteConfig  = "incomplete_config"
	ErrCodeNotConnected      = "not_connected"
	ErrCodeConnectionFailure = "connection_failure"
	ErrCodeNotImplemented    = "not_implemented"
	ErrCodeUpstream          = "upstream_failure"
	ErrCodeProtocol          = "protocol_violation"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// printerErrorResponse maps a dispatcher error to its HTTP shape.
func printerErrorResponse(err error) Error {
	var pe *printer.Error
	if !errors.As(err, &pe) {
		return Error{Status: http.StatusInternalServerError, Code: ErrCodeInternal, Message: "internal server error"}
	}

	switch pe.Kind {
	case printer.KindUnknownPrinter:
		return Error{Status: http.StatusNotFound, Code: ErrCodeUnknownPrinter, Message: "Unknown printer '" + pe.Printer + "'"}
	case printer.KindIncompleteConfig:
		return Error{Status: http.StatusBadRequest, Code: ErrCodeIncompleteConfig, Message: innerMessage(pe)}
	case printer.KindNotConnected:
		return Error{Status: http.StatusNotFound, Code: ErrCodeNotConnected, Message: "Not connected"}
	case printer.KindInvalidRequest:
		return Error{Status: http.StatusBadRequest, Code: ErrCodeBadRequest, Message: innerMessage(pe)}
	case printer.KindConnectionFailure:
		return Error{Status: http.StatusBadGateway, Code: ErrCodeConnectionFailure, Message: pe.Error(), Category: pe.Category()}
	case printer.KindUnsupported:
		return Error{Status: http.StatusNotImplemented, Code: ErrCodeNotImplemented, Message: pe.Error()}
	case printer.KindUpstream:
		return Error{Status: http.StatusBadGateway, Code: ErrCodeUpstream, Message: pe.Error(), Category: pe.Category()}
	case printer.KindProtocolViolation:
		return Error{Status: http.StatusBadGateway, Code: ErrCodeProtocol, Message: pe.Error(), Category: pe.Category()}
	default:
		return Error{Status: http.StatusInternalServerError, Code: ErrCodeInternal, Message: "internal server error"}
	}
}

// writePrinterError writes the response for a dispatcher error.
func writePrinterError(w http.ResponseWriter, err error) {
	resp := printerErrorResponse(err)
	writeJSON(w, resp.Status, resp)
}

// innerMessage drops the package prefix from the wrapped error for display.
func innerMessage(pe *printer.Error) string {
	if pe.Err == nil {
		return pe.Kind.String()
	}
	return strings.TrimPrefix(pe.Err.Error(), "printer: ")
}
