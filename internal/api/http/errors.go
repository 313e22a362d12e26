package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/learnhall/learnhall-lms/internal/progression"
)

// writeErr maps the engine's failure taxonomy onto HTTP. Cooldown and
// already-passed are expected conditions and carry enough structure for the
// client to render a precise message.
func writeErr(w http.ResponseWriter, err error) {
	var cd *progression.CooldownError
	if errors.As(err, &cd) {
		writeJSONErr(w, http.StatusTooManyRequests, "cooldown_active", map[string]any{
			"retry_at": cd.RetryAt.UTC().Format(time.RFC3339),
		})
		return
	}

	switch {
	case errors.Is(err, progression.ErrNotFound):
		writeJSONErr(w, http.StatusNotFound, "not_found", nil)
	case errors.Is(err, progression.ErrAlreadyPassed):
		writeJSONErr(w, http.StatusConflict, "already_passed", nil)
	case errors.Is(err, progression.ErrAttemptsExhausted):
		writeJSONErr(w, http.StatusConflict, "attempts_exhausted", nil)
	case errors.Is(err, progression.ErrInvalidExamDefinition):
		writeJSONErr(w, http.StatusUnprocessableEntity, "invalid_exam_definition", nil)
	case errors.Is(err, progression.ErrInvalidArgument):
		writeJSONErr(w, http.StatusBadRequest, "invalid_argument", nil)
	case errors.Is(err, progression.ErrFeatureDisabled):
		writeJSONErr(w, http.StatusForbidden, "feature_disabled", nil)
	case errors.Is(err, progression.ErrConflict):
		writeJSONErr(w, http.StatusServiceUnavailable, "transaction_conflict", nil)
	case errors.Is(err, progression.ErrStoreUnavailable):
		writeJSONErr(w, http.StatusServiceUnavailable, "store_unavailable", nil)
	default:
		writeJSONErr(w, http.StatusInternalServerError, "internal", nil)
	}
}

func writeJSONErr(w http.ResponseWriter, status int, code string, extra map[string]any) {
	body := map[string]any{"error": code}
	for k, v := range extra {
		body[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
