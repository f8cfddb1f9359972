package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"layoutid/internal"
	"layoutid/internal/extract"
	"layoutid/internal/index"
	"layoutid/internal/logger"
	"layoutid/internal/match"
	"layoutid/internal/metrics"
	"layoutid/internal/retrain"
	"layoutid/internal/storage"
	"layoutid/internal/util"
)

const maxUploadBytes = 64 << 20

type Identifier interface {
	Identify(ctx context.Context, path string, hints internal.Hints, password string) internal.Outcome
	ListLayouts(ctx context.Context, f match.LayoutFilter, page int) (match.LayoutPage, bool)
}

type TextExtractor interface {
	Extract(path, password string) extract.Result
}

type Index interface {
	Reload(ctx context.Context) error
	Current() *index.Snapshot
}

type RetrainQueue interface {
	Submit(quick bool, done func(error)) error
}

type SampleStore interface {
	Confirm(src, code, text string) (storage.Confirmation, error)
}

// Deps are the components the routes call. Retrain and Corpus may be nil,
// which disables the retrain and confirm routes.
type Deps struct {
	Engine    Identifier
	Extractor TextExtractor
	Index     Index
	Retrain   RetrainQueue
	Corpus    SampleStore
}

type Server struct {
	deps   Deps
	logger *zap.Logger
}

func NewServer(deps Deps, log *zap.Logger) *Server {
	return &Server{deps: deps, logger: logger.OrNop(log)}
}

// Routes builds the router with recovery, request logging, and metrics.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(jsonRecoverer(s.logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(requestLogger(s.logger))
	r.Use(metrics.Middleware())

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/identify", s.identify)
		r.Post("/extract", s.extract)
		r.Get("/layouts", s.layouts)
		r.Post("/layouts/{code}/confirm", s.confirm)
		r.Post("/index/reload", s.reload)
		r.Post("/retrain", s.retrain)
	})
	return r
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "ok", "indexLoaded": false}
	if snap := s.deps.Index.Current(); snap != nil {
		resp["indexLoaded"] = true
		resp["layouts"] = len(snap.Layouts)
		resp["loadedAt"] = snap.LoadedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) identify(w http.ResponseWriter, r *http.Request) {
	path, cleanup, err := saveUpload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	defer cleanup()

	hints := internal.Hints{
		Origin:      r.FormValue("origin"),
		Description: r.FormValue("description"),
		ReportType:  r.FormValue("reportType"),
	}
	out := s.deps.Engine.Identify(r.Context(), path, hints, r.FormValue("password"))
	writeJSON(w, outcomeStatus(out), out)
}

// outcomeStatus keeps password prompts at 200: they are answers, not faults.
func outcomeStatus(out internal.Outcome) int {
	if out.Status != internal.OutcomeError {
		return http.StatusOK
	}
	switch out.ErrorKind {
	case internal.ErrorIndexUnavailable:
		return http.StatusServiceUnavailable
	case internal.ErrorEncodingFailed:
		return http.StatusBadGateway
	default:
		return http.StatusUnprocessableEntity
	}
}

type extractResponse struct {
	Status extract.Status  `json:"status"`
	Text   string          `json:"text,omitempty"`
	WasOCR bool            `json:"wasOcr"`
	Format internal.Format `json:"format,omitempty"`
}

func (s *Server) extract(w http.ResponseWriter, r *http.Request) {
	path, cleanup, err := saveUpload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	defer cleanup()

	res := s.deps.Extractor.Extract(path, r.FormValue("password"))
	status := http.StatusOK
	if res.Status == extract.StatusUnreadable {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, extractResponse{Status: res.Status, Text: res.Text, WasOCR: res.WasOCR, Format: res.Format})
}

func (s *Server) layouts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := 1
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "page must be an integer")
			return
		}
		page = n
	}
	f := match.LayoutFilter{Origin: q.Get("origin"), Description: q.Get("description"), ReportType: q.Get("reportType")}
	res, ok := s.deps.Engine.ListLayouts(r.Context(), f, page)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, string(internal.ErrorIndexUnavailable), "index unavailable")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) reload(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Index.Reload(r.Context()); err != nil {
		logger.FromContext(r.Context(), s.logger).Warn("index reload failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, string(internal.ErrorIndexUnavailable), err.Error())
		return
	}
	snap := s.deps.Index.Current()
	writeJSON(w, http.StatusOK, map[string]any{"status": "reloaded", "layouts": len(snap.Layouts), "loadedAt": snap.LoadedAt})
}

func (s *Server) retrain(w http.ResponseWriter, r *http.Request) {
	if s.deps.Retrain == nil {
		writeError(w, http.StatusNotImplemented, "retrain_disabled", "no trainer configured")
		return
	}
	quick := r.URL.Query().Get("quick")
	err := s.deps.Retrain.Submit(quick == "1" || quick == "true", nil)
	if errors.Is(err, retrain.ErrQueueBusy) {
		writeError(w, http.StatusConflict, "retrain_busy", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

type confirmResponse struct {
	ID         int64  `json:"id"`
	LayoutCode string `json:"layoutCode"`
	StoredPath string `json:"storedPath"`
	Retrain    string `json:"retrain"`
}

// confirm files the upload under the chosen code and queues a quick
// retrain. A busy queue does not fail the confirmation.
func (s *Server) confirm(w http.ResponseWriter, r *http.Request) {
	if s.deps.Corpus == nil {
		writeError(w, http.StatusNotImplemented, "confirm_disabled", "no training corpus configured")
		return
	}
	path, cleanup, err := saveUpload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	defer cleanup()

	text := ""
	if res := s.deps.Extractor.Extract(path, r.FormValue("password")); res.Status == extract.StatusText {
		text = res.Text
	}
	c, err := s.deps.Corpus.Confirm(path, chi.URLParam(r, "code"), text)
	if err != nil {
		writeError(w, http.StatusBadRequest, "confirm_failed", err.Error())
		return
	}

	resp := confirmResponse{ID: c.ID, LayoutCode: c.LayoutCode, StoredPath: c.StoredPath, Retrain: "disabled"}
	if s.deps.Retrain != nil {
		switch err := s.deps.Retrain.Submit(true, nil); {
		case err == nil:
			resp.Retrain = "queued"
		case errors.Is(err, retrain.ErrQueueBusy):
			resp.Retrain = "busy"
		default:
			logger.FromContext(r.Context(), s.logger).Warn("queue retrain after confirm failed", zap.Error(err))
			resp.Retrain = "failed"
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

// saveUpload copies the multipart "file" field into a temp directory under
// its original base name, which the extension-driven pipeline relies on.
func saveUpload(r *http.Request) (string, func(), error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return "", nil, fmt.Errorf("invalid multipart form: %w", err)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return "", nil, errors.New("missing file field")
	}
	defer file.Close()

	dir, err := os.MkdirTemp("", "layoutid-upload-")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	path := filepath.Join(dir, util.SafeFileName(filepath.Base(header.Filename)))
	out, err := os.Create(path)
	if err != nil {
		cleanup()
		return "", nil, err
	}
	if _, err := io.Copy(out, file); err != nil {
		_ = out.Close()
		cleanup()
		return "", nil, err
	}
	if err := out.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return path, cleanup, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func ListenAndServe(ctx context.Context, addr string, h http.Handler, shutdownTimeout time.Duration, log *zap.Logger) error {
	log = logger.OrNop(log)
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
