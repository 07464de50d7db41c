package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/courier-matching/internal/dispatch"
	"github.com/example/courier-matching/internal/escalation"
	"github.com/example/courier-matching/internal/ingest"
	"github.com/example/courier-matching/internal/matcher"
	"github.com/example/courier-matching/internal/models"
	"github.com/example/courier-matching/internal/observability"
	"github.com/example/courier-matching/internal/presence"
	"github.com/example/courier-matching/internal/session"
	"github.com/example/courier-matching/internal/storage"
)

// Server routes the public parcel/trip matching API plus the internal
// presence ingest and WebSocket push endpoints.
type Server struct {
	Matcher   *matcher.Service
	Sessions  *session.Service
	Escalator *escalation.Scheduler
	Presence  presence.Index
	Kafka     *ingest.KafkaProducer // optional, nil when no brokers configured
	WSReg     *dispatch.WSRegistry

	MatchLimit int // default page size for session match listings

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(m *matcher.Service, sess *session.Service, esc *escalation.Scheduler, idx presence.Index, kp *ingest.KafkaProducer, wsreg *dispatch.WSRegistry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Matcher:    m,
		Sessions:   sess,
		Escalator:  esc,
		Presence:   idx,
		Kafka:      kp,
		WSReg:      wsreg,
		MatchLimit: 20,
		logger:     logger,
		mux:        mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/parcels/{id}/recompute", s.handleParcelRecompute).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{id}/recompute", s.handleTripRecompute).Methods("POST")
	s.mux.HandleFunc("/api/v1/parcels/{id}/matches", s.handleParcelMatches).Methods("GET")
	s.mux.HandleFunc("/api/v1/trips/{id}/matches", s.handleTripMatches).Methods("GET")

	s.mux.HandleFunc("/api/v1/matches/{id}/request", s.handleMatchRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/matches/{id}/accept", s.handleMatchAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/matches/{id}/reject", s.handleMatchReject).Methods("POST")
	s.mux.HandleFunc("/api/v1/matches/{id}/complete", s.handleMatchComplete).Methods("POST")

	s.mux.HandleFunc("/api/v1/sessions", s.handleSessionStart).Methods("POST")
	s.mux.HandleFunc("/api/v1/sessions/{id}/location", s.handleSessionLocation).Methods("POST")
	s.mux.HandleFunc("/api/v1/sessions/{id}/matches", s.handleSessionMatches).Methods("GET")
	s.mux.HandleFunc("/api/v1/sessions/{id}/stop", s.handleSessionStop).Methods("POST")

	s.mux.HandleFunc("/api/v1/parcels/{id}/created", s.handleParcelCreated).Methods("POST")
	s.mux.HandleFunc("/api/v1/parcels/{id}/closed", s.handleParcelClosed).Methods("POST")

	s.mux.HandleFunc("/internal/carrier/locations", s.handleCarrierLocation).Methods("POST")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// callerID reads the authenticated user from the X-User-ID header. Identity
// verification happens at the gateway; here the header is trusted.
func callerID(r *http.Request) string { return r.Header.Get("X-User-ID") }

func (s *Server) handleParcelRecompute(w http.ResponseWriter, r *http.Request) {
	n, err := s.Matcher.RecomputeForParcel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": n})
}

func (s *Server) handleTripRecompute(w http.ResponseWriter, r *http.Request) {
	n, err := s.Matcher.RecomputeForTrip(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": n})
}

func (s *Server) handleParcelMatches(w http.ResponseWriter, r *http.Request) {
	ms, err := s.Matcher.ListMatchesForParcel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": ms})
}

func (s *Server) handleTripMatches(w http.ResponseWriter, r *http.Request) {
	ms, err := s.Matcher.ListMatchesForTrip(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": ms})
}

func (s *Server) handleMatchRequest(w http.ResponseWriter, r *http.Request) {
	s.handleMatchAction(w, r, s.Matcher.RequestMatch)
}

func (s *Server) handleMatchAccept(w http.ResponseWriter, r *http.Request) {
	s.handleMatchAction(w, r, s.Matcher.AcceptMatch)
}

func (s *Server) handleMatchReject(w http.ResponseWriter, r *http.Request) {
	s.handleMatchAction(w, r, s.Matcher.RejectMatch)
}

func (s *Server) handleMatchComplete(w http.ResponseWriter, r *http.Request) {
	s.handleMatchAction(w, r, s.Matcher.CompleteMatch)
}

func (s *Server) handleMatchAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, matchID, callerID string) (models.Match, error)) {
	caller := callerID(r)
	if caller == "" {
		http.Error(w, "missing X-User-ID header", http.StatusUnauthorized)
		return
	}
	m, err := action(r.Context(), mux.Vars(r)["id"], caller)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type startSessionRequest struct {
	Origin               models.Coord `json:"origin"`
	Destination          models.Coord `json:"destination"`
	DestinationLabel     string       `json:"destination_label"`
	MaxDeviationMinutes  int          `json:"max_deviation_minutes"`
	OpportunitiesEnabled bool         `json:"opportunities_enabled"`
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	caller := callerID(r)
	if caller == "" {
		http.Error(w, "missing X-User-ID header", http.StatusUnauthorized)
		return
	}
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sess, err := s.Sessions.Start(r.Context(), caller, req.Origin, req.Destination, req.DestinationLabel, req.MaxDeviationMinutes, req.OpportunitiesEnabled)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

type locationUpdateRequest struct {
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	TsMillis int64   `json:"ts"`
}

func (s *Server) handleSessionLocation(w http.ResponseWriter, r *http.Request) {
	caller := callerID(r)
	if caller == "" {
		http.Error(w, "missing X-User-ID header", http.StatusUnauthorized)
		return
	}
	var req locationUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := s.Sessions.PushLocation(r.Context(), mux.Vars(r)["id"], caller, models.Coord{Lat: req.Lat, Lon: req.Lon}, req.TsMillis)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSessionMatches(w http.ResponseWriter, r *http.Request) {
	caller := callerID(r)
	if caller == "" {
		http.Error(w, "missing X-User-ID header", http.StatusUnauthorized)
		return
	}
	limit := s.MatchLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	ranked, err := s.Sessions.ListMatches(r.Context(), mux.Vars(r)["id"], caller, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": ranked})
}

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	caller := callerID(r)
	if caller == "" {
		http.Error(w, "missing X-User-ID header", http.StatusUnauthorized)
		return
	}
	if err := s.Sessions.Stop(r.Context(), mux.Vars(r)["id"], caller); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleParcelCreated(w http.ResponseWriter, r *http.Request) {
	sent, err := s.Escalator.OnParcelCreated(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sent": sent})
}

func (s *Server) handleParcelClosed(w http.ResponseWriter, r *http.Request) {
	cancelled, err := s.Escalator.OnParcelClosed(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": cancelled})
}

func (s *Server) handleCarrierLocation(w http.ResponseWriter, r *http.Request) {
	var c models.CarrierPresence
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if c.UserID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}
	c.Online = true
	if c.LastActive.IsZero() {
		c.LastActive = time.Now()
	}
	if s.Kafka != nil {
		if err := s.Kafka.PublishLocation(c); err != nil {
			s.logger.Warn("kafka publish failed", "user_id", c.UserID, "error", err)
		}
	}
	s.Presence.Upsert(r.Context(), c)
	observability.CarrierLocationUpdates.Inc()
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["user_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(id, conn)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, matcher.ErrNotOwner) || errors.Is(err, session.ErrNotOwner):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, session.ErrInvalidDeviation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
