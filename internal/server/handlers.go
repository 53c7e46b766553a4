package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alienpimp/apexd/internal"
	"github.com/alienpimp/apexd/internal/engine"
	"github.com/alienpimp/apexd/internal/orchestrator"
	"github.com/alienpimp/apexd/internal/store"
	"github.com/alienpimp/apexd/internal/template"
)

// Wires up the versioned API routes.
func (s *Server) routes(gatherer prometheus.Gatherer) *mux.Router {
	r := mux.NewRouter()

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/shutdown", s.handleShutdown).Methods(http.MethodPost)

	v1.HandleFunc("/packages", s.handlePutPackage).Methods(http.MethodPost, http.MethodPut)
	v1.HandleFunc("/packages", s.handleListPackages).Methods(http.MethodGet)
	v1.HandleFunc("/packages/{name}/{version}", s.handleGetPackage).Methods(http.MethodGet)
	v1.HandleFunc("/packages/{name}/{version}", s.handleDeletePackage).Methods(http.MethodDelete)

	v1.HandleFunc("/templates", s.handlePutTemplate).Methods(http.MethodPost, http.MethodPut)
	v1.HandleFunc("/templates", s.handleListTemplates).Methods(http.MethodGet)
	v1.HandleFunc("/templates/{name}", s.handleGetTemplate).Methods(http.MethodGet)
	v1.HandleFunc("/templates/{name}", s.handleDeleteTemplate).Methods(http.MethodDelete)

	v1.HandleFunc("/builds", s.handleSubmitBuild).Methods(http.MethodPost)
	v1.HandleFunc("/builds", s.handleListBuilds).Methods(http.MethodGet)
	v1.HandleFunc("/builds/{id}", s.handleGetBuild).Methods(http.MethodGet)
	v1.HandleFunc("/builds/{id}/log", s.handleBuildLog).Methods(http.MethodGet)
	v1.HandleFunc("/builds/{id}/cancel", s.handleCancelBuild).Methods(http.MethodPost)

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	return r
}

// Daemon identity and health as reported by /v1/status.
type statusResponse struct {
	Running bool                 `json:"running"`
	Version string               `json:"version"`
	Pid     int                  `json:"pid"`
	Uptime  string               `json:"uptime"`
	Engines []string             `json:"engines"`
	Builds  map[store.Status]int `json:"builds"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountBuilds(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	uptime := time.Since(s.startedAt).Truncate(time.Second)

	writeJSON(w, http.StatusOK, statusResponse{
		Running: true,
		Version: internal.VersionString(),
		Pid:     os.Getpid(),
		Uptime:  uptime.String(),
		Engines: s.engines.Names(),
		Builds:  counts,
	})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
	slog.Info("shutdown requested")

	go func() {
		s.Stop()
	}()
}

func (s *Server) handlePutPackage(w http.ResponseWriter, r *http.Request) {
	var pkg store.Package
	if err := json.NewDecoder(r.Body).Decode(&pkg); err != nil {
		writeError(w, errors.Wrap(store.ErrInvalid, err.Error()))
		return
	}

	if err := s.store.PutPackage(r.Context(), pkg); err != nil {
		writeError(w, err)
		return
	}

	stored, err := s.store.GetPackage(r.Context(), pkg.Name, pkg.Version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleListPackages(w http.ResponseWriter, r *http.Request) {
	pkgs, err := s.store.ListPackages(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if pkgs == nil {
		pkgs = []store.Package{}
	}
	writeJSON(w, http.StatusOK, pkgs)
}

func (s *Server) handleGetPackage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	pkg, err := s.store.GetPackage(r.Context(), vars["name"], vars["version"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pkg)
}

func (s *Server) handleDeletePackage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.store.DeletePackage(r.Context(), vars["name"], vars["version"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePutTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl store.Template
	if err := json.NewDecoder(r.Body).Decode(&tpl); err != nil {
		writeError(w, errors.Wrap(store.ErrInvalid, err.Error()))
		return
	}

	stored, err := s.store.PutTemplate(r.Context(), tpl)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	tpls, err := s.store.ListTemplates(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if tpls == nil {
		tpls = []store.Template{}
	}
	writeJSON(w, http.StatusOK, tpls)
}

// Fetches a template. The version query parameter selects a specific
// version; absent or zero means the latest.
func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	version := 0
	if raw := r.URL.Query().Get("version"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeError(w, errors.Wrapf(store.ErrInvalid, "version %q", raw))
			return
		}
		version = v
	}

	tpl, err := s.store.GetTemplate(r.Context(), mux.Vars(r)["name"], version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTemplate(r.Context(), mux.Vars(r)["name"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubmitBuild(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(store.ErrInvalid, err.Error()))
		return
	}

	b, err := s.orchestrator.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	builds, err := s.store.ListBuilds(r.Context(), store.BuildFilter{
		Status:         store.Status(q.Get("status")),
		PackageName:    q.Get("package"),
		PackageVersion: q.Get("package_version"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if builds == nil {
		builds = []store.Build{}
	}
	writeJSON(w, http.StatusOK, builds)
}

func (s *Server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	b, err := s.store.GetBuild(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// Streams a build's log as plain text, one stored line per output line.
func (s *Server) handleBuildLog(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, err := s.store.GetBuild(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	lines, err := s.store.ReadBuildLog(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
}

func (s *Server) handleCancelBuild(w http.ResponseWriter, r *http.Request) {
	if err := s.orchestrator.Cancel(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// Maps an error to its HTTP status and writes the JSON error envelope.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, store.ErrReferenced),
		errors.Is(err, orchestrator.ErrQueueFull):
		return http.StatusConflict
	case errors.Is(err, store.ErrInvalid),
		errors.Is(err, store.ErrUnknownKind),
		errors.Is(err, store.ErrUnknownSourceType),
		errors.Is(err, orchestrator.ErrEngineMismatch),
		errors.Is(err, engine.ErrUnknownEngine),
		errors.Is(err, template.ErrMissingParam),
		errors.Is(err, template.ErrUnknownParam),
		errors.Is(err, template.ErrRender):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
