package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"modelgate/internal/gateway/auth"
	"modelgate/internal/gateway/entity"
	"modelgate/internal/gateway/repository/ledger"
)

type userSpec struct {
	Email          string `json:"email"`
	Alias          string `json:"alias,omitempty"`
	RequestLimit   int    `json:"request_limit,omitempty"`
	ConcurrencyCap int    `json:"concurrency_cap,omitempty"`
}

type registerRequest struct {
	Users []userSpec `json:"users"`
}

// requireAdmin resolves the acting email from a bearer token or the
// X-Admin-Email fallback header and checks it against the admin list. It
// writes the response itself on failure.
func (s *Service) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	actor := ""
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			writeReason(w, http.StatusUnauthorized, "missing_bearer_token")
			return false
		}
		claims, err := auth.VerifyToken(strings.TrimSpace(parts[1]), s.cfg.TokenSecret)
		if err != nil {
			writeDenial(w, err)
			return false
		}
		actor = claims.Email
	} else {
		actor = r.Header.Get("X-Admin-Email")
	}
	actor = entity.NormalizeUserID(actor).String()
	if actor == "" {
		writeReason(w, http.StatusUnauthorized, "admin_email_required")
		return false
	}
	if !s.cfg.IsAdmin(actor) {
		writeReason(w, http.StatusForbidden, "admin_only")
		return false
	}
	return true
}

func (s *Service) registrationEnabled(w http.ResponseWriter, disabledReason string) bool {
	if s.cfg.AllowRegistration {
		return true
	}
	writeReason(w, http.StatusForbidden, disabledReason)
	return false
}

// HandleRegister batch-upserts user records with the configured defaults.
func (s *Service) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.registrationEnabled(w, "registration_disabled") {
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeReason(w, http.StatusBadRequest, "invalid_request_body")
		return
	}
	specs := make([]ledger.UserSpec, 0, len(req.Users))
	for _, u := range req.Users {
		specs = append(specs, ledger.UserSpec{
			Email:          entity.NormalizeUserID(u.Email),
			Alias:          u.Alias,
			RequestLimit:   u.RequestLimit,
			ConcurrencyCap: u.ConcurrencyCap,
		})
	}
	count, err := s.ledger.Register(r.Context(), specs)
	if err != nil {
		writeReason(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"registered": count})
}

// HandleGetUser returns one record, admin only.
func (s *Service) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	if !s.registrationEnabled(w, "user_lookup_disabled") {
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}
	id := entity.NormalizeUserID(r.PathValue("email"))
	rec, err := s.ledger.Get(r.Context(), id)
	if errors.Is(err, ledger.ErrNotFound) {
		writeReason(w, http.StatusNotFound, "not_found")
		return
	}
	if err != nil {
		writeReason(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// HandleDeleteUser removes a record, admin only. A relay in flight for the
// deleted user finishes normally; its release becomes a no-op.
func (s *Service) HandleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if !s.registrationEnabled(w, "user_delete_disabled") {
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}
	id := entity.NormalizeUserID(r.PathValue("email"))
	deleted, err := s.ledger.Delete(r.Context(), id)
	if err != nil {
		writeReason(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}
