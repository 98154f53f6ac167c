// Package server exposes the audit outputs and the run ledger over a
// read-only HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/congestion-audit/internal/config"
	"github.com/sells-group/congestion-audit/internal/export"
	"github.com/sells-group/congestion-audit/internal/model"
	"github.com/sells-group/congestion-audit/internal/pipeline"
	"github.com/sells-group/congestion-audit/internal/store"
)

var tableName = regexp.MustCompile(`^[a-z0-9][a-z0-9_\-]*$`)

// Server serves the processed tables, the report document and the ledger.
type Server struct {
	paths config.PathsConfig
	store store.Store
	log   *zap.Logger
}

// New creates a Server. st may be nil, in which case the run endpoints
// answer 503.
func New(paths config.PathsConfig, st store.Store) *Server {
	return &Server{
		paths: paths,
		store: st,
		log:   zap.L().With(zap.String("component", "server")),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/report", s.handleReport)
		r.Get("/tables", s.handleTables)
		r.Get("/tables/{name}", s.handleTable)
		r.Get("/runs", s.handleRuns)
		r.Get("/runs/{id}", s.handleRun)
	})
	return r
}

func (s *Server) handleReport(w http.ResponseWriter, _ *http.Request) {
	path := filepath.Join(s.paths.OutputDir, pipeline.ReportFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		writeError(w, http.StatusNotFound, "report not generated yet; run the report stage")
		return
	}
	if err != nil {
		s.internal(w, eris.Wrapf(err, "server: read %s", path))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// TableInfo describes one processed CSV.
type TableInfo struct {
	Name      string    `json:"name"`
	SizeBytes int64     `json:"size_bytes"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Server) listTables() ([]TableInfo, error) {
	entries, err := os.ReadDir(s.paths.ProcessedDir)
	if errors.Is(err, fs.ErrNotExist) {
		return []TableInfo{}, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "server: read %s", s.paths.ProcessedDir)
	}
	out := []TableInfo{}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".csv" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, TableInfo{
			Name:      strings.TrimSuffix(e.Name(), ".csv"),
			SizeBytes: info.Size(),
			UpdatedAt: info.ModTime().UTC(),
		})
	}
	slices.SortFunc(out, func(a, b TableInfo) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (s *Server) handleTables(w http.ResponseWriter, _ *http.Request) {
	tables, err := s.listTables()
	if err != nil {
		s.internal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tables": tables})
}

func (s *Server) handleTable(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSuffix(chi.URLParam(r, "name"), ".csv")
	if !tableName.MatchString(name) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid table name %q", name))
		return
	}
	path := filepath.Join(s.paths.ProcessedDir, name+".csv")
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("table %q not found", name))
		return
	}
	rows, err := export.ReadTable(path)
	if err != nil {
		s.internal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "rows": rows})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "run ledger not configured")
		return
	}
	q := r.URL.Query()
	filter := store.RunFilter{Status: model.RunStatus(q.Get("status"))}
	for key, dst := range map[string]*int{"year": &filter.Year, "limit": &filter.Limit, "offset": &filter.Offset} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s %q", key, v))
			return
		}
		*dst = n
	}

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		s.internal(w, err)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// RunDetail is a run with its stage and imputation records.
type RunDetail struct {
	Run         *model.Run           `json:"run"`
	Stages      []model.StageRecord  `json:"stages"`
	Imputations []model.ImputedMonth `json:"imputations"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "run ledger not configured")
		return
	}
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(ctx, id)
	if eris.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %q not found", id))
		return
	}
	if err != nil {
		s.internal(w, err)
		return
	}
	stages, err := s.store.ListStages(ctx, id)
	if err != nil {
		s.internal(w, err)
		return
	}
	imputed, err := s.store.ListImputations(ctx, id)
	if err != nil {
		s.internal(w, err)
		return
	}
	if stages == nil {
		stages = []model.StageRecord{}
	}
	if imputed == nil {
		imputed = []model.ImputedMonth{}
	}
	writeJSON(w, http.StatusOK, RunDetail{Run: run, Stages: stages, Imputations: imputed})
}

func (s *Server) internal(w http.ResponseWriter, err error) {
	s.log.Error("request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Start serves h on port until ctx is cancelled, then shuts down gracefully.
func Start(ctx context.Context, h http.Handler, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log := zap.L().With(zap.String("component", "server"))

	go func() {
		<-ctx.Done()
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server: listen")
	}
	return nil
}
