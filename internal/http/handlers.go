package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/surge-dispatch/internal/dispatch"
	"github.com/example/surge-dispatch/internal/geo"
	"github.com/example/surge-dispatch/internal/models"
	"github.com/example/surge-dispatch/internal/observability"
	"github.com/example/surge-dispatch/internal/rides"
	"github.com/example/surge-dispatch/internal/surge"
	"github.com/example/surge-dispatch/internal/validation"
)

var errBadBody = errors.New("malformed request body")

// LocationPublisher forwards driver location updates to the stream.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, d models.Driver) error
}

type Deps struct {
	Rides     *rides.Service
	Surge     *surge.Service
	Geo       geo.Geo
	Locations LocationPublisher
	WS        *dispatch.WSRegistry
	Signals   dispatch.SignalHandler
	Logger    *slog.Logger
	Now       func() time.Time
}

type Server struct {
	rides     *rides.Service
	surge     *surge.Service
	geo       geo.Geo
	locations LocationPublisher
	ws        *dispatch.WSRegistry
	signals   dispatch.SignalHandler
	logger    *slog.Logger
	now       func() time.Time
	mux       *mux.Router

	onlineMu sync.Mutex
	online   map[models.DriverID]struct{}
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	s := &Server{
		rides:     d.Rides,
		surge:     d.Surge,
		geo:       d.Geo,
		locations: d.Locations,
		ws:        d.WS,
		signals:   d.Signals,
		logger:    d.Logger,
		now:       d.Now,
		mux:       mux.NewRouter(),
		online:    make(map[models.DriverID]struct{}),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS).Methods(http.MethodGet)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/rides", s.handleSubmitRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/accept", s.handleDriverSignal(true)).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/reject", s.handleDriverSignal(false)).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/cancel", s.handleCancelRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/trip", s.handleAdvanceTrip).Methods(http.MethodPost)

	s.surgeRoutes(s.mux.PathPrefix("/surge").Subrouter())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type locationRequest struct {
	ID             models.DriverID `json:"id" validate:"required"`
	Loc            models.Coord    `json:"loc"`
	Rating         float64         `json:"rating" validate:"gte=0,lte=5"`
	AcceptanceRate float64         `json:"acceptance_rate" validate:"gte=0,lte=1"`
	Online         *bool           `json:"online,omitempty"`
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var in locationRequest
	if err := decodeValid(r, &in, rides.ErrInvalidRequest); err != nil {
		s.writeError(w, r, err)
		return
	}
	d := models.Driver{
		ID: in.ID, Loc: in.Loc, Rating: in.Rating, AcceptanceRate: in.AcceptanceRate,
		Online: in.Online == nil || *in.Online, Updated: s.now().UTC(),
	}
	if err := s.geo.Upsert(r.Context(), d); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.locations != nil {
		if err := s.locations.PublishLocation(r.Context(), d); err != nil {
			s.requestLogger(r).Warn("publish location", "driver_id", d.ID, "error", err)
		}
	}
	s.trackOnline(d)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) trackOnline(d models.Driver) {
	s.onlineMu.Lock()
	defer s.onlineMu.Unlock()
	if d.Online {
		s.online[d.ID] = struct{}{}
	} else {
		delete(s.online, d.ID)
	}
	observability.DriversOnline.Set(float64(len(s.online)))
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := models.DriverID(mux.Vars(r)["driver_id"])
	// Upgrade writes its own 101 response and ignores w.Header().
	hdr := http.Header{}
	hdr.Set(requestIDHeader, w.Header().Get(requestIDHeader))
	conn, err := upgrader.Upgrade(w, r, hdr)
	if err != nil {
		// Upgrade has already replied to the client.
		s.requestLogger(r).Warn("ws upgrade failed", "driver_id", id, "error", err)
		return
	}
	s.ws.Serve(r.Context(), id, conn, s.signals)
}

func (s *Server) handleSubmitRide(w http.ResponseWriter, r *http.Request) {
	var cmd rides.SubmitCommand
	if err := decode(r, &cmd); err != nil {
		s.writeError(w, r, err)
		return
	}
	view, err := s.rides.Submit(r.Context(), cmd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	view, err := s.rides.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type signalRequest struct {
	DriverID models.DriverID `json:"driver_id" validate:"required"`
}

type signalResponse struct {
	OK     bool            `json:"ok"`
	Reason dispatch.Reason `json:"reason,omitempty"`
}

// handleDriverSignal answers with ok=false rather than an error status when
// the driver lost a race; only malformed input is rejected.
func (s *Server) handleDriverSignal(accept bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in signalRequest
		if err := decodeValid(r, &in, rides.ErrInvalidRequest); err != nil {
			s.writeError(w, r, err)
			return
		}
		rideID := mux.Vars(r)["id"]
		var resp signalResponse
		if accept {
			resp.OK, resp.Reason = s.rides.DriverAccept(r.Context(), rideID, in.DriverID)
		} else {
			resp.OK, resp.Reason = s.rides.DriverReject(r.Context(), rideID, in.DriverID)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type cancelRequest struct {
	Actor             string `json:"actor" validate:"oneof=rider driver"`
	CompensationCents int64  `json:"compensation_cents" validate:"gte=0"`
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	in := cancelRequest{Actor: rides.ActorRider}
	if err := decodeValid(r, &in, rides.ErrInvalidRequest); err != nil {
		s.writeError(w, r, err)
		return
	}
	view, err := s.rides.Cancel(r.Context(), mux.Vars(r)["id"], in.Actor, in.CompensationCents)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type tripRequest struct {
	DriverID models.DriverID   `json:"driver_id" validate:"required"`
	Status   models.TripStatus `json:"status" validate:"oneof=pickup enroute completed"`
}

func (s *Server) handleAdvanceTrip(w http.ResponseWriter, r *http.Request) {
	var in tripRequest
	if err := decodeValid(r, &in, rides.ErrInvalidRequest); err != nil {
		s.writeError(w, r, err)
		return
	}
	trip, err := s.rides.AdvanceTrip(r.Context(), mux.Vars(r)["id"], in.DriverID, in.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadBody, err)
	}
	return nil
}

// decodeValid decodes the body and checks its validate tags, reporting
// failures as kind.
func decodeValid(r *http.Request, v any, kind error) error {
	if err := decode(r, v); err != nil {
		return err
	}
	return validation.Struct(v, kind)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadBody),
		errors.Is(err, rides.ErrInvalidRequest),
		errors.Is(err, surge.ErrInvalidZone),
		errors.Is(err, surge.ErrInvalidRule),
		errors.Is(err, surge.ErrInvalidOverride),
		errors.Is(err, surge.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, rides.ErrRideNotFound),
		errors.Is(err, surge.ErrZoneNotFound),
		errors.Is(err, surge.ErrRuleNotFound):
		return http.StatusNotFound
	case errors.Is(err, rides.ErrNotAssigned):
		return http.StatusForbidden
	case errors.Is(err, rides.ErrInvalidTransition),
		errors.Is(err, rides.ErrAlreadyFinished),
		errors.Is(err, surge.ErrDuplicateRule):
		return http.StatusConflict
	case errors.Is(err, surge.ErrNoDemandSource):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.requestLogger(r).Error("request failed", "route", routeTemplate(r), "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
