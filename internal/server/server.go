// Package server exposes the operational HTTP surface: Prometheus metrics,
// a health check and read-only debug views of buses and riders.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"busmate-tracker/internal/logging"
	"busmate-tracker/internal/model"
	"busmate-tracker/internal/notify"
	"busmate-tracker/internal/store"
)

type Deps struct {
	Buses   store.BusStore
	Riders  store.RiderStore
	Metrics http.Handler

	// Ping reports whether the durable store is reachable. Nil means always healthy.
	Ping        func(ctx context.Context) error
	MatchRadius float64
	Logger      *slog.Logger
}

type Server struct {
	buses       store.BusStore
	riders      store.RiderStore
	metrics     http.Handler
	ping        func(ctx context.Context) error
	matchRadius float64
	logger      *slog.Logger
}

func New(d Deps) *Server {
	return &Server{
		buses:       d.Buses,
		riders:      d.Riders,
		metrics:     d.Metrics,
		ping:        d.Ping,
		matchRadius: d.MatchRadius,
		logger:      logging.Component(d.Logger, "http"),
	}
}

func (s *Server) Routes() http.Handler {
	router := httprouter.New()
	if s.metrics != nil {
		router.Handler(http.MethodGet, "/metrics", s.metrics)
	}
	router.HandlerFunc(http.MethodGet, "/healthz", s.healthHandler)
	router.HandlerFunc(http.MethodGet, "/debug/buses/:school/:bus", s.busHandler)
	router.HandlerFunc(http.MethodGet, "/debug/riders/:school/:rider", s.riderHandler)
	return router
}

// Serve starts an HTTP server on addr in the background.
func (s *Server) Serve(addr string) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Routes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		ErrorLog:     slog.NewLogLogger(s.logger.Handler(), slog.LevelError),
	}
	go func() {
		s.logger.Info("starting http server", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.LogError(s.logger, "http server failed", err)
		}
	}()
	return srv
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ping(ctx); err != nil {
			s.sendJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) busHandler(w http.ResponseWriter, r *http.Request) {
	params := httprouter.ParamsFromContext(r.Context())
	bus, err := s.buses.GetBus(r.Context(), params.ByName("school"), params.ByName("bus"))
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, bus)
}

type riderView struct {
	Rider     *model.Rider     `json:"rider"`
	Diagnosis notify.Diagnosis `json:"diagnosis"`
}

func (s *Server) riderHandler(w http.ResponseWriter, r *http.Request) {
	params := httprouter.ParamsFromContext(r.Context())
	schoolID := params.ByName("school")
	rider, err := s.riders.GetRider(r.Context(), schoolID, params.ByName("rider"))
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	var bus *model.BusLocation
	if rider.AssignedBusID != "" {
		bus, err = s.buses.GetBus(r.Context(), schoolID, rider.AssignedBusID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			s.storeError(w, r, err)
			return
		}
	}
	s.sendJSON(w, http.StatusOK, riderView{Rider: rider, Diagnosis: notify.Diagnose(*rider, bus, s.matchRadius)})
}

func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.sendJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	logging.LogError(s.logger, "debug lookup failed", err, slog.String("path", r.URL.Path))
	s.sendJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.LogError(s.logger, "failed to encode response", err)
	}
}
