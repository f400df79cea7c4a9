package http

import (
	"net/http"
)

func SetupRouter(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", h.Index)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /api/v1/stats", h.Stats)
	mux.HandleFunc("GET /api/v1/inodes", h.OpenInodes)
	mux.HandleFunc("GET /sectors/{n}", h.Sector)
	mux.HandleFunc("GET /inodes/{n}", h.Inode)
	mux.HandleFunc("GET /inodes/{n}/data", h.InodeData)

	return LoggingMiddleware(mux)
}
