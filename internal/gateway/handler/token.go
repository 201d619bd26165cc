package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"modelgate/internal/gateway/entity"
	"modelgate/internal/gateway/repository/ledger"
)

type tokenRequest struct {
	Email string `json:"email"`
}

type tokenResponse struct {
	Token          string    `json:"token"`
	ExpiresAt      time.Time `json:"expires_at"`
	RequestLimit   int       `json:"request_limit"`
	RequestsUsed   int       `json:"requests_used"`
	ConcurrencyCap int       `json:"concurrency_cap"`
	Alias          string    `json:"alias,omitempty"`
}

// HandleToken issues a signed credential for a registered, non-blocked user.
// The embedded limits are a display snapshot; admission re-reads the ledger.
func (s *Service) HandleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeReason(w, http.StatusBadRequest, "invalid_request_body")
		return
	}
	id := entity.NormalizeUserID(req.Email)
	if id.IsZero() {
		writeReason(w, http.StatusBadRequest, "email_required")
		return
	}

	rec, err := s.ledger.Get(r.Context(), id)
	if errors.Is(err, ledger.ErrNotFound) {
		writeReason(w, http.StatusForbidden, "user_not_registered")
		return
	}
	if err != nil {
		writeReason(w, http.StatusInternalServerError, "internal_error")
		return
	}
	if rec.Blocked {
		writeReason(w, http.StatusForbidden, "user_blocked")
		return
	}

	token, expiresAt, err := s.issuer.Issue(rec, time.Now().UTC())
	if err != nil {
		writeReason(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:          token,
		ExpiresAt:      expiresAt,
		RequestLimit:   rec.RequestLimit,
		RequestsUsed:   rec.RequestsUsed,
		ConcurrencyCap: rec.ConcurrencyCap,
		Alias:          rec.Alias,
	})
}
