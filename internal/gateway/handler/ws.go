package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"modelgate/internal/gateway/auth"
)

const (
	chatWSWriteWait = 10 * time.Second
	chatWSReadWait  = 60 * time.Second
)

var chatWSUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

type chatWSChunk struct {
	Type   string `json:"type"` // "chunk", "done", "error"
	Text   string `json:"text,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// HandleChatWS is the websocket variant of HandleChat: one chat request in,
// a sequence of chunk frames out. Admission and release semantics are
// identical to the HTTP path; closing the socket cancels the relay and the
// lease is released by the relay's finalizer.
func (s *Service) HandleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := chatWSUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	_ = conn.SetReadDeadline(time.Now().Add(chatWSReadWait))
	var req chatRequest
	if err := conn.ReadJSON(&req); err != nil {
		writeChatWS(conn, chatWSChunk{Type: "error", Reason: "invalid_request_body"})
		return
	}
	if len(req.Messages) == 0 {
		writeChatWS(conn, chatWSChunk{Type: "error", Reason: "messages_required"})
		return
	}

	lease, err := s.gate.Admit(ctx, auth.Credential{
		Authorization: r.Header.Get("Authorization"),
		FallbackEmail: req.Email,
	})
	if err != nil {
		_, reason := denialStatus(err)
		writeChatWS(conn, chatWSChunk{Type: "error", Reason: reason})
		return
	}

	if req.Model == "" {
		req.Model = s.cfg.GeminiModel
	}
	stream := s.relay.Run(ctx, lease, req.Model, req.Messages, req.params())

	// A reader goroutine notices the peer going away and cancels the relay.
	// No read deadline here: streams can legitimately outlive the handshake
	// window.
	_ = conn.SetReadDeadline(time.Time{})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for chunk := range stream.Chunks() {
		if !writeChatWS(conn, chatWSChunk{Type: "chunk", Text: chunk}) {
			stream.Close()
			for range stream.Chunks() {
			}
			return
		}
	}
	if err := stream.Err(); err != nil {
		_, reason := denialStatus(err)
		writeChatWS(conn, chatWSChunk{Type: "error", Reason: reason})
		return
	}
	writeChatWS(conn, chatWSChunk{Type: "done"})
}

func writeChatWS(conn *websocket.Conn, out chatWSChunk) bool {
	if err := conn.SetWriteDeadline(time.Now().Add(chatWSWriteWait)); err != nil {
		return false
	}
	return conn.WriteJSON(out) == nil
}
