package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"mcpgov/pkg/apierr"
)

// WriteError renders err as a structured JSON error. Typed errors keep their
// status and code; anything else becomes an opaque 500.
func WriteError(w http.ResponseWriter, err error) {
	var denied *apierr.PolicyDeniedError
	if errors.As(err, &denied) {
		WriteJSON(w, http.StatusForbidden, map[string]any{
			"status": http.StatusForbidden,
			"error":  "policy_denied",
			"policy": denied.Gate,
		})
		return
	}
	var e *apierr.Error
	if errors.As(err, &e) {
		body := map[string]any{"status": e.Status, "error": e.Code}
		if e.Detail != "" && e.Kind != apierr.KindUpstream && e.Kind != apierr.KindPersistence {
			body["detail"] = e.Detail
		}
		WriteJSON(w, e.Status, body)
		return
	}
	Error(w, http.StatusInternalServerError, "internal_error")
}

// DecodeJSON reads a JSON object body into dst, keeping numbers as
// json.Number inside generic maps. Oversized bodies map to 413.
func DecodeJSON(r *http.Request, dst any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) || strings.Contains(strings.ToLower(err.Error()), "request body too large") {
			return &apierr.Error{Kind: apierr.KindValidation, Status: http.StatusRequestEntityTooLarge, Code: "request_body_too_large"}
		}
		return apierr.Validation("invalid_body", "unreadable request body")
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return apierr.Validation("invalid_body", "empty request body")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return apierr.Validation("invalid_body", "request body is not valid json")
	}
	return nil
}
