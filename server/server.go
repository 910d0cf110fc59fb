package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"videoCaption/config"
	"videoCaption/logging"
	"videoCaption/media"
	"videoCaption/processors"
	"videoCaption/storage"
)

// Server wires the HTTP surface over the caption pipeline and stores.
type Server struct {
	cfg       *config.Config
	captioner processors.Captioner
	records   storage.RecordStore
	index     storage.EmbeddingIndex
	probe     func(ctx context.Context, path string) (*media.VideoInfo, error)
	log       zerolog.Logger
}

func New(cfg *config.Config, captioner processors.Captioner, records storage.RecordStore, index storage.EmbeddingIndex) *Server {
	return &Server{
		cfg:       cfg,
		captioner: captioner,
		records:   records,
		index:     index,
		probe:     media.Probe,
		log:       logging.WithComponent("server"),
	}
}

// Routes registers all handlers on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth/register", s.RegisterHandler)
	mux.HandleFunc("POST /auth/login", s.LoginHandler)
	mux.HandleFunc("GET /auth/me", s.requireAuth(s.MeHandler))
	mux.HandleFunc("POST /auth/logout", s.requireAuth(s.LogoutHandler))

	mux.HandleFunc("POST /videos/upload", s.requireAuth(s.UploadHandler))
	mux.HandleFunc("GET /videos", s.requireAuth(s.ListHandler))
	mux.HandleFunc("GET /videos/{id}", s.requireAuth(s.GetHandler))
	mux.HandleFunc("DELETE /videos/{id}", s.requireAuth(s.DeleteHandler))
	mux.HandleFunc("GET /videos/{id}/similar", s.requireAuth(s.SimilarHandler))
	mux.HandleFunc("DELETE /videos/history/clear", s.requireAuth(s.ClearHistoryHandler))

	mux.HandleFunc("GET /health", s.HealthHandler)
	mux.Handle("GET /uploads/", http.StripPrefix("/uploads/",
		http.FileServer(http.Dir(s.cfg.UploadDir))))

	return mux
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"provider":  s.captioner.Name(),
		"mock":      s.captioner.Mock(),
		"timestamp": time.Now().Unix(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, errMsg, detail string) {
	writeJSON(w, status, map[string]interface{}{
		"error":   errMsg,
		"message": detail,
	})
}
