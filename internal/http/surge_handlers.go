package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/surge-dispatch/internal/surge"
)

func (s *Server) surgeRoutes(r *mux.Router) {
	r.HandleFunc("/zones", s.handleListZones).Methods(http.MethodGet)
	r.HandleFunc("/zones", s.handleCreateZone).Methods(http.MethodPost)
	r.HandleFunc("/zones/{id}", s.handleGetZone).Methods(http.MethodGet)
	r.HandleFunc("/zones/{id}", s.handleUpdateZone).Methods(http.MethodPut)
	r.HandleFunc("/zones/{id}", s.handleDeleteZone).Methods(http.MethodDelete)
	r.HandleFunc("/zones/{id}/weather", s.handleSetWeather).Methods(http.MethodPut)

	r.HandleFunc("/time-rules", s.handleListTimeRules).Methods(http.MethodGet)
	r.HandleFunc("/time-rules", s.handleSaveTimeRule).Methods(http.MethodPost)
	r.HandleFunc("/time-rules/{id}", s.handleSaveTimeRule).Methods(http.MethodPut)
	r.HandleFunc("/time-rules/{id}", s.handleDeleteTimeRule).Methods(http.MethodDelete)

	r.HandleFunc("/weather-rules", s.handleListWeatherRules).Methods(http.MethodGet)
	r.HandleFunc("/weather-rules", s.handleSaveWeatherRule).Methods(http.MethodPost)
	r.HandleFunc("/weather-rules/{id}", s.handleSaveWeatherRule).Methods(http.MethodPut)
	r.HandleFunc("/weather-rules/{id}", s.handleDeleteWeatherRule).Methods(http.MethodDelete)

	r.HandleFunc("/algorithm-config", s.handleGetAlgorithmConfig).Methods(http.MethodGet)
	r.HandleFunc("/algorithm-config", s.handlePutAlgorithmConfig).Methods(http.MethodPut)

	r.HandleFunc("/overrides", s.handleListOverrides).Methods(http.MethodGet)
	r.HandleFunc("/override/{zoneID}", s.handleSetOverride).Methods(http.MethodPost)
	r.HandleFunc("/override/{zoneID}", s.handleRemoveOverride).Methods(http.MethodDelete)

	r.HandleFunc("/current-status", s.handleCurrentStatus).Methods(http.MethodGet)
	r.HandleFunc("/escalate", s.handleEscalate).Methods(http.MethodPost)
}

func (s *Server) zones() *surge.ZoneStore { return s.surge.Store() }

type zoneView struct {
	surge.Zone
	Multiplier float64        `json:"multiplier"`
	Breakdown  []surge.Factor `json:"breakdown"`
}

func (s *Server) handleListZones(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.zones().ListZones())
}

func (s *Server) handleCreateZone(w http.ResponseWriter, r *http.Request) {
	var z surge.Zone
	if err := decode(r, &z); err != nil {
		s.writeError(w, r, err)
		return
	}
	z.ID = ""
	saved, err := s.zones().UpsertZone(r.Context(), z)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleGetZone(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	z, ok := s.zones().GetZone(id)
	if !ok {
		s.writeError(w, r, surge.ErrZoneNotFound)
		return
	}
	m, factors, err := s.surge.Multiplier(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, zoneView{Zone: z, Multiplier: m, Breakdown: factors})
}

func (s *Server) handleUpdateZone(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.zones().GetZone(id); !ok {
		s.writeError(w, r, surge.ErrZoneNotFound)
		return
	}
	var z surge.Zone
	if err := decode(r, &z); err != nil {
		s.writeError(w, r, err)
		return
	}
	z.ID = id
	saved, err := s.zones().UpsertZone(r.Context(), z)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleDeleteZone(w http.ResponseWriter, r *http.Request) {
	if err := s.zones().DeleteZone(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type weatherRequest struct {
	Condition string `json:"condition"`
}

func (s *Server) handleSetWeather(w http.ResponseWriter, r *http.Request) {
	var in weatherRequest
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	cond := surge.WeatherCondition(strings.ToLower(strings.TrimSpace(in.Condition)))
	if err := s.zones().SetWeather(r.Context(), id, cond); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"zone_id": id, "condition": cond})
}

func (s *Server) handleListTimeRules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.zones().ListTimeRules())
}

// handleSaveTimeRule creates a rule on POST and replaces the named rule on PUT.
func (s *Server) handleSaveTimeRule(w http.ResponseWriter, r *http.Request) {
	var rule surge.TimeRule
	if err := decode(r, &rule); err != nil {
		s.writeError(w, r, err)
		return
	}
	rule.ID = mux.Vars(r)["id"]
	saved, err := s.zones().UpsertTimeRule(r.Context(), rule)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if r.Method == http.MethodPost {
		status = http.StatusCreated
	}
	writeJSON(w, status, saved)
}

func (s *Server) handleDeleteTimeRule(w http.ResponseWriter, r *http.Request) {
	if err := s.zones().DeleteTimeRule(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListWeatherRules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.zones().ListWeatherRules())
}

func (s *Server) handleSaveWeatherRule(w http.ResponseWriter, r *http.Request) {
	var rule surge.WeatherRule
	if err := decode(r, &rule); err != nil {
		s.writeError(w, r, err)
		return
	}
	rule.ID = mux.Vars(r)["id"]
	saved, err := s.zones().UpsertWeatherRule(r.Context(), rule)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if r.Method == http.MethodPost {
		status = http.StatusCreated
	}
	writeJSON(w, status, saved)
}

func (s *Server) handleDeleteWeatherRule(w http.ResponseWriter, r *http.Request) {
	if err := s.zones().DeleteWeatherRule(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetAlgorithmConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.zones().AlgorithmConfig())
}

func (s *Server) handlePutAlgorithmConfig(w http.ResponseWriter, r *http.Request) {
	c := s.zones().AlgorithmConfig()
	if err := decode(r, &c); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.zones().SetAlgorithmConfig(r.Context(), c); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleListOverrides(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.zones().ListActiveOverrides(s.now()))
}

type overrideRequest struct {
	Multiplier float64    `json:"multiplier" validate:"finite,gt=0"`
	Reason     string     `json:"reason" validate:"notblank"`
	SetBy      string     `json:"set_by" validate:"max=64"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

func (s *Server) handleSetOverride(w http.ResponseWriter, r *http.Request) {
	var in overrideRequest
	if err := decodeValid(r, &in, surge.ErrInvalidOverride); err != nil {
		s.writeError(w, r, err)
		return
	}
	if in.SetBy == "" {
		in.SetBy = "admin"
	}
	o, err := s.zones().UpsertOverride(r.Context(), mux.Vars(r)["zoneID"], in.Multiplier, in.Reason, in.SetBy, in.ExpiresAt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.requestLogger(r).Info("surge override set", "zone_id", o.ZoneID, "multiplier", o.Multiplier, "set_by", o.SetBy)
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleRemoveOverride(w http.ResponseWriter, r *http.Request) {
	zoneID := mux.Vars(r)["zoneID"]
	removed, err := s.zones().RemoveOverride(r.Context(), zoneID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !removed {
		s.writeError(w, r, fmt.Errorf("%w: no override for zone %s", surge.ErrZoneNotFound, zoneID))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCurrentStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.surge.CurrentStatus(r.Context()))
}

// handleEscalate runs tier escalation now. ?dry_run=true only reports.
func (s *Server) handleEscalate(w http.ResponseWriter, r *http.Request) {
	dryRun, _ := strconv.ParseBool(r.URL.Query().Get("dry_run"))
	changes, err := s.surge.EscalateTiers(r.Context(), !dryRun)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"applied": !dryRun, "changes": changes})
}
