package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ariefcatur/agri-market/internal/actor"
	"github.com/ariefcatur/agri-market/internal/apperr"
	"github.com/rs/zerolog"
)

const (
	maxBodyBytes = 1 << 20

	HeaderActorID   = "X-Actor-Id"
	HeaderActorRole = "X-Actor-Role"
)

type errorResp struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Available *int   `json:"available,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrValidation), errors.Is(err, apperr.ErrEmptyOrder):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrInsufficientStock), errors.Is(err, apperr.ErrInvalidTransition),
		errors.Is(err, apperr.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, apperr.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResp{Error: apperr.Code(err), Message: err.Error()}

	var se *apperr.StockError
	if errors.As(err, &se) {
		resp.Available = &se.Available
	}

	l := zerolog.Ctx(r.Context())
	switch {
	case status == http.StatusInternalServerError:
		l.Error().Err(err).Msg("request failed")
		resp.Message = "internal error"
	case status == http.StatusServiceUnavailable:
		l.Warn().Err(err).Msg("store unavailable")
		resp.Message = "store unavailable, try again later"
	}
	writeJSON(w, status, resp)
}

// decodeJSON accepts exactly one JSON object whose fields are all known.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return apperr.Invalid("body", "empty")
		case errors.As(err, &maxErr):
			return apperr.Invalid("body", "too large")
		default:
			return apperr.Invalid("body", cleanJSONError(err))
		}
	}
	if dec.More() {
		return apperr.Invalid("body", "must contain a single JSON object")
	}
	return nil
}

func cleanJSONError(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return fmt.Sprintf("field %s must be %s", typeErr.Field, typeErr.Type)
	}
	return strings.TrimPrefix(err.Error(), "json: ")
}

// actorFrom reads the caller forwarded by the gateway. A request without
// X-Actor-Id yields the zero actor; a malformed role is a validation error.
func actorFrom(r *http.Request) (actor.Actor, error) {
	id := strings.TrimSpace(r.Header.Get(HeaderActorID))
	if id == "" {
		return actor.Actor{}, nil
	}
	role, ok := actor.ParseRole(r.Header.Get(HeaderActorRole))
	if !ok {
		return actor.Actor{}, apperr.Invalid(HeaderActorRole, "unknown role")
	}
	return actor.Actor{ID: id, Role: role}, nil
}

// requireActor is actorFrom for routes that mutate.
func requireActor(r *http.Request) (actor.Actor, error) {
	a, err := actorFrom(r)
	if err != nil {
		return actor.Actor{}, err
	}
	if a.IsZero() {
		return actor.Actor{}, apperr.Forbidden("missing " + HeaderActorID)
	}
	return a, nil
}
