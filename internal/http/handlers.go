package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/driver-dispatch/internal/analytics"
	"github.com/example/driver-dispatch/internal/apperr"
	"github.com/example/driver-dispatch/internal/dispatch"
	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/logging"
	"github.com/example/driver-dispatch/internal/matcher"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
	"github.com/example/driver-dispatch/internal/storage"
)

// LocationPublisher forwards location updates to the ingest topic.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, u models.LocationUpdate) error
}

// Options are the dependencies of the HTTP API. Matcher and Analytics are
// required; the location path degrades to whatever is configured.
type Options struct {
	Matcher   *matcher.Service
	Analytics *analytics.Aggregator
	Workers   storage.Seeder
	Geo       geo.Geo
	Locations LocationPublisher
	WSReg     *dispatch.WSRegistry
	Ready     func(ctx context.Context) error
	Logger    *slog.Logger
}

type Server struct {
	matcher   *matcher.Service
	analytics *analytics.Aggregator
	workers   storage.Seeder
	geo       geo.Geo
	locations LocationPublisher
	wsreg     *dispatch.WSRegistry
	ready     func(ctx context.Context) error
	logger    *slog.Logger
	mux       *mux.Router
}

func NewServer(opts Options) *Server {
	s := &Server{
		matcher:   opts.Matcher,
		analytics: opts.Analytics,
		workers:   opts.Workers,
		geo:       opts.Geo,
		locations: opts.Locations,
		wsreg:     opts.WSReg,
		ready:     opts.Ready,
		logger:    logging.Component(opts.Logger, "http"),
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/jobs/{job_id}/matching", s.handleStartMatching).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{job_id}/matching", s.handleCancelMatching).Methods(http.MethodDelete)
	api.HandleFunc("/jobs/{job_id}/responses", s.handleWorkerResponse).Methods(http.MethodPost)

	an := api.PathPrefix("/analytics").Subrouter()
	an.HandleFunc("/active", s.handleActive).Methods(http.MethodGet)
	an.HandleFunc("/matching-time", s.handleMatchingTime).Methods(http.MethodGet)
	an.HandleFunc("/acceptance-rate", s.handleAcceptanceRate).Methods(http.MethodGet)
	an.HandleFunc("/timeout-rate", s.handleTimeoutRate).Methods(http.MethodGet)
	an.HandleFunc("/workers/{worker_id}", s.handleWorkerStats).Methods(http.MethodGet)
	an.HandleFunc("/reports/daily", s.handleDailyReport).Methods(http.MethodGet)
	an.HandleFunc("/reports/weekly", s.handleWeeklyReport).Methods(http.MethodGet)
	an.HandleFunc("/health", s.handleSystemHealth).Methods(http.MethodGet)

	s.mux.HandleFunc("/internal/workers/locations", s.handleWorkerLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.mux.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{worker_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleStartMatching(w http.ResponseWriter, r *http.Request) {
	var opts matcher.MatchOptions
	if err := decodeJSON(r, &opts, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.matcher.StartMatching(r.Context(), mux.Vars(r)["job_id"], opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = apperr.MetadataFor(res.Code).HTTPStatus
	}
	writeJSON(w, status, res)
}

func (s *Server) handleCancelMatching(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "cancelled by requester"
	}
	if err := s.matcher.CancelMatching(r.Context(), mux.Vars(r)["job_id"], reason); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type workerResponseRequest struct {
	WorkerID       string              `json:"worker_id" validate:"required"`
	Type           models.ResponseType `json:"type" validate:"required,oneof=ACCEPT REJECT"`
	Timestamp      time.Time           `json:"timestamp"`
	ResponseTimeMs int64               `json:"response_time_ms" validate:"min=0"`
}

func (s *Server) handleWorkerResponse(w http.ResponseWriter, r *http.Request) {
	var req workerResponseRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}
	res, err := s.matcher.HandleWorkerResponse(r.Context(), mux.Vars(r)["job_id"], req.WorkerID, models.WorkerResponse{
		Type:         req.Type,
		Timestamp:    req.Timestamp,
		ResponseTime: time.Duration(req.ResponseTimeMs) * time.Millisecond,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	switch res.Action {
	case matcher.ActionAlreadyTaken:
		status = http.StatusConflict
	case matcher.ActionJobCancelled:
		status = http.StatusGone
	}
	writeJSON(w, status, res)
}

type locationRequest struct {
	WorkerID string   `json:"worker_id" validate:"required"`
	Lat      *float64 `json:"lat" validate:"required,latitude"`
	Lon      *float64 `json:"lon" validate:"required,longitude"`
	Online   *bool    `json:"online"`
}

func (s *Server) handleWorkerLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	u := models.LocationUpdate{
		WorkerID: req.WorkerID,
		Loc:      models.Coord{Lat: *req.Lat, Lon: *req.Lon},
		Online:   req.Online == nil || *req.Online,
		At:       time.Now().UTC(),
	}
	// with a topic configured the consumer owns the write path
	if s.locations != nil {
		if err := s.locations.PublishLocation(r.Context(), u); err != nil {
			observability.LocationUpdates.WithLabelValues("publish_failed").Inc()
			s.writeError(w, r, apperr.Wrap(apperr.CodeDeliveryFailure, err, "publish location"))
			return
		}
		observability.LocationUpdates.WithLabelValues("published").Inc()
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if s.geo != nil {
		if err := s.geo.Upsert(r.Context(), u); err != nil {
			s.logger.WarnContext(r.Context(), "geo upsert failed", "worker_id", u.WorkerID, "error", err)
		}
	}
	if s.workers != nil {
		if err := s.workers.UpdateWorkerLocation(r.Context(), u.WorkerID, u.Loc, u.Online, u.At); err != nil {
			observability.LocationUpdates.WithLabelValues("failed").Inc()
			if errors.Is(err, storage.ErrNotFound) {
				err = apperr.Wrap(apperr.CodeNotFound, err, "unknown worker")
			} else {
				err = apperr.Wrap(apperr.CodeStoreUnavailable, err, "update worker location")
			}
			s.writeError(w, r, err)
			return
		}
	}
	observability.LocationUpdates.WithLabelValues("applied").Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["worker_id"]
	if s.wsreg == nil {
		http.Error(w, "websocket delivery disabled", http.StatusNotFound)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.wsreg.Serve(id, conn)
}
