// Package web provides an HTTP status and control server for the water-heater daemon.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sweeney/water-heater/internal/logic"
	"github.com/sweeney/water-heater/internal/status"
)

// ErrUnknownHeater is returned by Controls for a name with no controller.
var ErrUnknownHeater = errors.New("unknown water heater")

// Controls applies user requests to the named heater's controller.
type Controls interface {
	SetTargetTemperature(ctx context.Context, name string, v float64) error
	SetMode(ctx context.Context, name string, m logic.Mode) error
}

const maxBody = 1 << 10

// Server serves the status page, the control API and metrics over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	controls   Controls
}

// New creates a Server that reads state from the given tracker. Control
// routes are registered when controls is non-nil and /metrics when gatherer
// is non-nil.
func New(addr string, tracker *status.Tracker, controls Controls, gatherer prometheus.Gatherer) *Server {
	s := &Server{tracker: tracker, controls: controls}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIndex).Methods("GET")
	r.HandleFunc("/index.html", s.handleIndex).Methods("GET")
	r.HandleFunc("/index.json", s.handleJSON).Methods("GET")
	if controls != nil {
		sr := r.PathPrefix("/api/heaters").Subrouter()
		sr.HandleFunc("/{name}/temperature", s.handleTemperature).Methods("POST")
		sr.HandleFunc("/{name}/mode", s.handleMode).Methods("POST")
	}
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return s
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	renderHTML(w, snap)
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

type temperatureRequest struct {
	Temperature *float64 `json:"temperature"`
}

type modeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleTemperature(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var req temperatureRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Temperature == nil {
		http.Error(w, "temperature is required", http.StatusBadRequest)
		return
	}

	// Bounds are enforced here; the controller accepts any target.
	if h, ok := s.tracker.Heater(name); ok {
		v := *req.Temperature
		if v < h.MinTemp || v > h.MaxTemp {
			http.Error(w, fmt.Sprintf("temperature %g outside %g..%g", v, h.MinTemp, h.MaxTemp), http.StatusBadRequest)
			return
		}
	}

	s.reply(w, name, s.controls.SetTargetTemperature(r.Context(), name, *req.Temperature))
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var req modeRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	m, err := logic.ParseMode(req.Mode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.reply(w, name, s.controls.SetMode(r.Context(), name, m))
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func (s *Server) reply(w http.ResponseWriter, name string, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ErrUnknownHeater):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, logic.ErrInvalidMode):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		log.Printf("web: %s: %v", name, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
