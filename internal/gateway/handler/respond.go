package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"modelgate/internal/gateway/auth"
	"modelgate/internal/gateway/relay"
	"modelgate/internal/gateway/repository/ledger"
	"modelgate/internal/upstream"
)

type errorBody struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeReason(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, errorBody{Detail: reason})
}

// writeDenial maps a classified error onto the boundary status codes:
// authentication problems 401, registration/blocking 403, quota and
// concurrency 429, upstream faults 502, everything else 500.
func writeDenial(w http.ResponseWriter, err error) {
	status, reason := denialStatus(err)
	writeReason(w, status, reason)
}

func denialStatus(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrEmailRequired):
		return http.StatusUnauthorized, "email_required"
	case errors.Is(err, auth.ErrTokenExpired):
		return http.StatusUnauthorized, "token_expired"
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, "invalid_token"
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized, "missing_bearer_token"
	}
	if reason, ok := ledger.Denied(err); ok {
		switch reason {
		case ledger.ReasonNotRegistered, ledger.ReasonBlocked:
			return http.StatusForbidden, string(reason)
		default:
			return http.StatusTooManyRequests, string(reason)
		}
	}
	switch {
	case errors.Is(err, upstream.ErrUnavailable),
		errors.Is(err, upstream.ErrRejected),
		errors.Is(err, relay.ErrTimeout):
		return http.StatusBadGateway, "upstream_error"
	}
	return http.StatusInternalServerError, "internal_error"
}
