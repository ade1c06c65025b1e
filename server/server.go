// Package server exposes the ingestion pipeline over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/xhad/docflow/internal/errs"
	"github.com/xhad/docflow/internal/types"
	"github.com/xhad/docflow/pkg/ingest"
	"github.com/xhad/docflow/pkg/jobs"
	"github.com/xhad/docflow/pkg/store"
)

// Searcher answers similarity queries over current chunks.
type Searcher interface {
	Search(ctx context.Context, projectID string, embedding []float32, limit int) ([]store.SearchResult, error)
}

type Config struct {
	Store  *store.Store
	Intake *ingest.Service
	// Embedder and Index enable POST /search. Either may be nil.
	Embedder    types.Embedder
	Index       Searcher
	MaxUploadMB int64
	Logger      *slog.Logger
}

type Server struct {
	config Config
	queue  *jobs.JobStore
	router chi.Router
	logger *slog.Logger
}

func New(config Config) (*Server, error) {
	if config.Store == nil || config.Intake == nil {
		return nil, fmt.Errorf("store and intake service are required")
	}
	if config.MaxUploadMB <= 0 {
		config.MaxUploadMB = 100
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	s := &Server{
		config: config,
		queue:  jobs.NewJobStore(config.Store.DB()),
		logger: config.Logger,
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/projects/{projectID}/documents", s.handleUpload)

		r.Route("/document-sets/{setID}/documents/{documentID}", func(r chi.Router) {
			r.Get("/", s.handleGetMember)
			r.Post("/reprocess", s.handleReprocess)
		})

		r.Get("/documents/{documentID}/chunks", s.handleListChunks)
		r.Post("/chunks/{chunkID}/reembed", s.handleReembed)

		r.Get("/file-assets/{fileAssetID}", s.handleGetFileAsset)
		r.Post("/file-assets/{fileAssetID}/extract", s.handleExtract)

		r.Post("/search", s.handleSearch)
		r.Get("/jobs/{jobID}", s.handleGetJob)
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then drains in-flight
// requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.logger.Info("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %v", err)
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
			"requestID", middleware.GetReqID(r.Context()))
	})
}

func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindParse:
		return http.StatusUnprocessableEntity
	case errs.KindEmbeddingProvider, errs.KindExtractionProvider:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// extractActor names the uploader from the identity headers set by the
// gateway.
func extractActor(r *http.Request) string {
	if principal := r.Header.Get("X-User-Principal"); principal != "" {
		return principal
	}
	return "system"
}
