// Package httpapi maps internal/api.Service onto HTTP via chi, the way
// meltforce-FreeReps' internal/server maps its own service onto chi:
// one router, thin handlers, JSON in/out, no business logic here.
package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lowaak/fitbridge/internal/api"
	"github.com/lowaak/fitbridge/internal/fit"
	"github.com/lowaak/fitbridge/internal/model"
	"github.com/lowaak/fitbridge/internal/store"
)

// Server wraps the control API service with a chi router. The HTTP layer
// itself is the out-of-scope "UI/HTTP collaborator" §1 names; handlers
// here only translate requests into Service calls and errors into status
// codes.
type Server struct {
	svc    *api.Service
	logger *log.Logger
	router chi.Router
}

// New panics if svc or logger is nil.
func New(svc *api.Service, logger *log.Logger) *Server {
	if svc == nil {
		panic("httpapi: service cannot be nil")
	}
	if logger == nil {
		panic("httpapi: logger cannot be nil")
	}
	s := &Server{svc: svc, logger: logger, router: chi.NewRouter()}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)

	s.router.Post("/devices/scan", s.handleScan)
	s.router.Post("/connect", s.handleConnect)
	s.router.Post("/disconnect", s.handleDisconnect)
	s.router.Get("/status", s.handleStatus)
	s.router.Post("/workouts", s.handleStartWorkout)
	s.router.Post("/workouts/current/end", s.handleEndWorkout)
	s.router.Get("/workouts", s.handleListWorkouts)
	s.router.Get("/workouts/{id}", s.handleGetWorkout)
	s.router.Get("/workouts/{id}/samples", s.handleGetSamples)
	s.router.Get("/workouts/{id}/export.fit", s.handleExportFIT)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	duration := 10 * time.Second
	if v := r.URL.Query().Get("duration_secs"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			duration = time.Duration(n) * time.Second
		}
	}
	devices, err := s.svc.DiscoverDevices(r.Context(), duration)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

type connectRequest struct {
	Address string          `json:"address"`
	Name    string          `json:"name"`
	Kind    model.Kind      `json:"kind"`
	Source  model.SourceKind `json:"source"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	desc := model.DeviceDescriptor{Address: req.Address, Name: req.Name, Kind: req.Kind, Source: req.Source}
	if err := s.svc.Connect(r.Context(), desc); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "connected"})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Disconnect(); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) handleStartWorkout(w http.ResponseWriter, r *http.Request) {
	var desc model.DeviceDescriptor
	if err := json.NewDecoder(r.Body).Decode(&desc); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.svc.StartWorkout(desc)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"workout_id": id})
}

func (s *Server) handleEndWorkout(w http.ResponseWriter, r *http.Request) {
	id, err := s.svc.EndWorkout()
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"workout_id": id})
}

func (s *Server) handleListWorkouts(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), 50)
	offset := parseIntDefault(r.URL.Query().Get("offset"), 0)
	rows, err := s.svc.ListWorkouts(limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleGetWorkout(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	row, err := s.svc.GetWorkout(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleGetSamples(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	samples, err := s.svc.GetSamples(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

func (s *Server) handleExportFIT(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	data, filename, err := s.svc.ExportFIT(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if errors.Is(err, api.ErrNotEnded) {
		writeError(w, http.StatusConflict, err)
		return
	}
	if errors.Is(err, fit.ErrNoSamples) {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+filename+"\"")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
