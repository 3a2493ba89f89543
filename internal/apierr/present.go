package apierr

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// View is the presentation-ready form of any error.
type View struct {
	Status      int          `json:"-"`
	Message     string       `json:"error"`
	FieldErrors []FieldError `json:"fieldErrors,omitempty"`
}

// StatusMapper lets callers assign HTTP statuses to their own sentinel errors.
type StatusMapper func(err error) (status int, ok bool)

// ViewOf converts err into a View. Normalized backend errors keep their status and field
// errors; errors recognised by one of the mappers take its status; anything else is treated
// as a transport failure (502).
func ViewOf(err error, mappers ...StatusMapper) View {
	if e, ok := As(err); ok {
		return View{Status: e.StatusCode, Message: e.Message, FieldErrors: e.FieldErrors}
	}
	for _, m := range mappers {
		if status, ok := m(err); ok {
			return View{Status: status, Message: err.Error()}
		}
	}
	return View{Status: http.StatusBadGateway, Message: fmt.Sprintf("request failed: %v", err)}
}

// Presenter renders a View. Every surface (REST, CLI) goes through one of these so the
// same error reads the same everywhere.
type Presenter interface {
	Present(w io.Writer, v View) error
}

// JSONPresenter writes {"error": ..., "fieldErrors": [...]}. When w is an
// http.ResponseWriter the status code and content type are set as well.
type JSONPresenter struct{}

func (JSONPresenter) Present(w io.Writer, v View) error {
	if rw, ok := w.(http.ResponseWriter); ok {
		rw.Header().Set("Content-Type", "application/json")
		status := v.Status
		if status == 0 {
			status = http.StatusInternalServerError
		}
		rw.WriteHeader(status)
	}
	return json.NewEncoder(w).Encode(v)
}

// TextPresenter writes the message followed by one indented line per field error.
type TextPresenter struct{}

func (TextPresenter) Present(w io.Writer, v View) error {
	if _, err := fmt.Fprintf(w, "error: %s\n", v.Message); err != nil {
		return err
	}
	for _, fe := range v.FieldErrors {
		if _, err := fmt.Fprintf(w, "  %s: %s\n", fe.Field, fe.Message); err != nil {
			return err
		}
	}
	return nil
}
