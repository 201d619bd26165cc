package handler

import (
	"encoding/json"
	"log"
	"net/http"

	"modelgate/internal/gateway/auth"
	"modelgate/internal/gateway/relay"
	"modelgate/internal/upstream"
)

type chatRequest struct {
	// Email is the bare-identifier credential, honored only in
	// identifier-only mode and only when no bearer token is sent.
	Email       string             `json:"email,omitempty"`
	Messages    []upstream.Message `json:"messages"`
	Model       string             `json:"model,omitempty"`
	Stream      *bool              `json:"stream,omitempty"`
	Temperature *float32           `json:"temperature,omitempty"`
	TopP        *float32           `json:"top_p,omitempty"`
	TopK        *float32           `json:"top_k,omitempty"`
}

func (req *chatRequest) wantsStream() bool {
	return req.Stream == nil || *req.Stream
}

func (req *chatRequest) params() upstream.Params {
	return upstream.Params{
		Temperature: req.Temperature,
		TopP:        req.TopP,
		TopK:        req.TopK,
	}
}

// HandleChat admits the caller against the live ledger record, relays the
// conversation upstream, and streams chunks back as newline-delimited text
// (or one JSON object when stream=false).
func (s *Service) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeReason(w, http.StatusBadRequest, "invalid_request_body")
		return
	}
	if len(req.Messages) == 0 {
		writeReason(w, http.StatusBadRequest, "messages_required")
		return
	}

	lease, err := s.gate.Admit(r.Context(), auth.Credential{
		Authorization: r.Header.Get("Authorization"),
		FallbackEmail: req.Email,
	})
	if err != nil {
		writeDenial(w, err)
		return
	}

	if req.Model == "" {
		req.Model = s.cfg.GeminiModel
	}
	stream := s.relay.Run(r.Context(), lease, req.Model, req.Messages, req.params())

	if !req.wantsStream() {
		text, err := relay.Collect(stream)
		if err != nil {
			log.Printf("chat relay failed for %s: %v", lease.Email(), err)
			writeDenial(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"text": text})
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	flusher, _ := w.(http.Flusher)
	wrote := false
	for chunk := range stream.Chunks() {
		if _, err := w.Write([]byte(chunk + "\n")); err != nil {
			stream.Close()
			// Drain so the relay's finalizer can run unblocked.
			for range stream.Chunks() {
			}
			return
		}
		wrote = true
		if flusher != nil {
			flusher.Flush()
		}
	}
	if err := stream.Err(); err != nil {
		log.Printf("chat stream ended with error for %s: %v", lease.Email(), err)
		if !wrote {
			writeDenial(w, err)
			return
		}
		// Headers are out; abort the response so the client sees a broken
		// stream instead of a clean end.
		panic(http.ErrAbortHandler)
	}
}
