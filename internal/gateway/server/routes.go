package server

import (
	"net/http"

	"modelgate/internal/gateway/handler"
	"modelgate/internal/gateway/middleware"
)

func NewMux(svc *handler.Service) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", svc.HandleHealth)
	mux.HandleFunc("POST /chat", svc.HandleChat)
	mux.HandleFunc("GET /chat/ws", svc.HandleChatWS)
	mux.HandleFunc("POST /token", svc.HandleToken)

	// Admin surface; disabled wholesale via ALLOW_REGISTRATION.
	mux.HandleFunc("POST /register", svc.HandleRegister)
	mux.HandleFunc("GET /user/{email}", svc.HandleGetUser)
	mux.HandleFunc("DELETE /user/{email}", svc.HandleDeleteUser)

	return middleware.CORS(mux)
}
