// Package apierr turns failed backend responses into one uniform error value.
//
// Backends answer non-2xx requests with several body shapes:
//
//	{"detail": [{"loc": ["body", "email"], "msg": "invalid format"}]}   field validation (422)
//	{"detail": "Not found"}
//	{"message": "Campaign is not active"}
//	anything else, or no JSON at all
//
// Normalize reduces all of them to a single human-readable message.
package apierr

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"brandwriter/jobwatch-service/internal/logger"
)

// FieldError is one entry of a field-validation response.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is the normalized form of a failed backend response.
type Error struct {
	StatusCode  int
	Message     string
	FieldErrors []FieldError
}

func (e *Error) Error() string { return e.Message }

type validationEntry struct {
	Loc json.RawMessage `json:"loc"`
	Msg json.RawMessage `json:"msg"`
}

// Normalize maps a status code and raw response body to an *Error. The first matching
// rule wins:
//
//  1. body is not JSON                  → "HTTP error! status: <code>"
//  2. detail is an array                → "<field>: <msg>, <field>: <msg>"
//  3. detail is a string                → detail
//  4. message is a string               → message
//  5. otherwise                         → "Request failed with status <code>"
//
// The field of a validation entry is its loc without the leading "body" marker, joined
// with dots. Normalize never fails.
func Normalize(statusCode int, body []byte) *Error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return &Error{
			StatusCode: statusCode,
			Message:    fmt.Sprintf("HTTP error! status: %d", statusCode),
		}
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &payload); err == nil {
		if raw, ok := payload["detail"]; ok {
			var entries []json.RawMessage
			if leading(raw) == '[' && json.Unmarshal(raw, &entries) == nil {
				return fromValidation(statusCode, entries)
			}
			var detail string
			if leading(raw) == '"' && json.Unmarshal(raw, &detail) == nil {
				return &Error{StatusCode: statusCode, Message: detail}
			}
		}
		if raw, ok := payload["message"]; ok {
			var msg string
			if leading(raw) == '"' && json.Unmarshal(raw, &msg) == nil && msg != "" {
				return &Error{StatusCode: statusCode, Message: msg}
			}
		}
	}

	return &Error{
		StatusCode: statusCode,
		Message:    fmt.Sprintf("Request failed with status %d", statusCode),
	}
}

func leading(raw json.RawMessage) byte {
	t := bytes.TrimSpace(raw)
	if len(t) == 0 {
		return 0
	}
	return t[0]
}

func fromValidation(statusCode int, entries []json.RawMessage) *Error {
	fields := make([]FieldError, 0, len(entries))
	parts := make([]string, 0, len(entries))
	for _, raw := range entries {
		field, msg := readEntry(raw)
		fields = append(fields, FieldError{Field: field, Message: msg})
		parts = append(parts, field+": "+msg)
	}
	return &Error{
		StatusCode:  statusCode,
		Message:     strings.Join(parts, ", "),
		FieldErrors: fields,
	}
}

// readEntry reads one validation entry leniently. A loc that is missing or not an array
// yields "field"; a bare value stands in for its own message.
func readEntry(raw json.RawMessage) (field, msg string) {
	field = "field"
	var e validationEntry
	if leading(raw) != '{' || json.Unmarshal(raw, &e) != nil {
		return field, scalar(raw)
	}
	var loc []any
	if leading(e.Loc) == '[' && json.Unmarshal(e.Loc, &loc) == nil {
		field = joinLoc(loc)
	}
	return field, scalar(e.Msg)
}

// scalar renders a JSON value as text: strings unquoted, null or absent as "".
func scalar(raw json.RawMessage) string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

// joinLoc drops the first loc element (always the request-part marker) and joins the rest.
func joinLoc(loc []any) string {
	if len(loc) <= 1 {
		return ""
	}
	parts := make([]string, 0, len(loc)-1)
	for _, p := range loc[1:] {
		switch v := p.(type) {
		case string:
			parts = append(parts, v)
		case float64:
			parts = append(parts, strconv.FormatFloat(v, 'f', -1, 64))
		default:
			parts = append(parts, fmt.Sprint(v))
		}
	}
	return strings.Join(parts, ".")
}

// Normalizer is Normalize plus logging of the raw failure.
type Normalizer struct {
	log logger.Logger
}

// NewNormalizer returns a Normalizer that reports through log.
func NewNormalizer(log logger.Logger) *Normalizer {
	if log == nil {
		log = logger.NewNop()
	}
	return &Normalizer{log: log.With(logger.Component("apierr"))}
}

// Normalize logs the raw response and returns its normalized error.
func (n *Normalizer) Normalize(method, url string, statusCode int, body []byte) *Error {
	e := Normalize(statusCode, body)
	n.log.Warn("backend request failed",
		logger.String("method", method),
		logger.String("url", url),
		logger.Int("status", statusCode),
		logger.String("body", truncate(string(body), 2048)),
		logger.String("message", e.Message),
	)
	return e
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// As extracts the *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsValidation reports whether err is a field-validation failure.
func IsValidation(err error) bool {
	e, ok := As(err)
	return ok && e.StatusCode == http.StatusUnprocessableEntity && len(e.FieldErrors) > 0
}

// IsNotFound reports whether the backend answered 404.
func IsNotFound(err error) bool {
	e, ok := As(err)
	return ok && e.StatusCode == http.StatusNotFound
}
