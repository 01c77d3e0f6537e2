// Package api exposes the operator HTTP surface: patrol commands, status,
// and session analytics. Handlers only write blackboard intents and read
// state; control logic stays in internal/control.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/yardbot/excavator/internal/config"
	"github.com/yardbot/excavator/internal/control"
	"github.com/yardbot/excavator/internal/fsm"
	"github.com/yardbot/excavator/internal/geo"
	"github.com/yardbot/excavator/internal/monitoring"
	"github.com/yardbot/excavator/internal/patrol"
	"github.com/yardbot/excavator/internal/safety"
	"github.com/yardbot/excavator/internal/store"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Server holds the read and command surfaces the handlers need.
type Server struct {
	bb       *control.Blackboard
	watchdog *safety.Watchdog
	tracker  *geo.Tracker
	planner  *patrol.Planner
	navSM    *fsm.Machine
	armSM    *fsm.Machine
	db       *store.Store
	cfg      *config.Config
}

// NewServer creates the API server.
func NewServer(bb *control.Blackboard, w *safety.Watchdog, t *geo.Tracker,
	p *patrol.Planner, nav, arm *fsm.Machine, db *store.Store, cfg *config.Config) *Server {
	return &Server{
		bb:       bb,
		watchdog: w,
		tracker:  t,
		planner:  p,
		navSM:    nav,
		armSM:    arm,
		db:       db,
		cfg:      cfg,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status, and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the route table.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/start_patrol", s.startPatrol)
	mux.HandleFunc("/api/stop_patrol", s.stopPatrol)
	mux.HandleFunc("/api/return_home", s.returnHome)
	mux.HandleFunc("/api/reset_estop", s.resetEmergencyStop)
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/hotspots", s.listHotspots)
	mux.HandleFunc("/api/statistics", s.showStatistics)
	mux.HandleFunc("/api/config", s.showConfig)
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) startPatrol(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.watchdog.EmergencyStopped() {
		http.Error(w, "Emergency stop active", http.StatusConflict)
		return
	}
	s.bb.SetPatrolActive(true)
	io.WriteString(w, "Patrol started")
}

func (s *Server) stopPatrol(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.bb.SetPatrolActive(false)
	io.WriteString(w, "Patrol stopped")
}

func (s *Server) returnHome(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.bb.RequestReturnHome()
	io.WriteString(w, "Returning home")
}

func (s *Server) resetEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.watchdog.ResetEmergencyStop()
	io.WriteString(w, "Emergency stop reset")
}

// statusResponse is the live state document for the dashboard.
type statusResponse struct {
	Pose            geo.Pose         `json:"pose"`
	NavState        string           `json:"nav_state"`
	ArmState        string           `json:"arm_state"`
	PatrolActive    bool             `json:"patrol_active"`
	PickupCount     int              `json:"pickup_count"`
	CurrentWaypoint *patrol.Waypoint `json:"current_waypoint,omitempty"`
	Patrol          patrol.Stats     `json:"patrol"`
	Safety          safety.Snapshot  `json:"safety"`
}

// Status assembles the live state document. Shared with the telemetry
// publisher so the dashboard and MQTT consumers see the same shape.
func (s *Server) Status() statusResponse {
	resp := statusResponse{
		Pose:         s.tracker.Pose(),
		NavState:     string(s.navSM.State()),
		ArmState:     string(s.armSM.State()),
		PatrolActive: s.bb.PatrolActive(),
		PickupCount:  s.bb.PickupCount(),
		Patrol:       s.planner.Stats(),
		Safety:       s.watchdog.Status(),
	}
	if wp, ok := s.bb.CurrentWaypoint(); ok {
		resp.CurrentWaypoint = &wp
	}
	return resp
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if err := json.NewEncoder(w).Encode(s.Status()); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write status")
	}
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	sessions, err := s.db.Sessions(limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve sessions: %v", err))
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	if err := json.NewEncoder(w).Encode(sessions); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write sessions")
	}
}

func (s *Server) listHotspots(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	minCount := 2
	if m := r.URL.Query().Get("min_count"); m != "" {
		parsed, err := strconv.Atoi(m)
		if err != nil || parsed < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'min_count' parameter")
			return
		}
		minCount = parsed
	}

	hotspots, err := s.db.Hotspots(minCount)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve hotspots: %v", err))
		return
	}
	if hotspots == nil {
		hotspots = []store.Hotspot{}
	}
	if err := json.NewEncoder(w).Encode(hotspots); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write hotspots")
	}
}

func (s *Server) showStatistics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	stats, err := s.db.Stats()
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve statistics: %v", err))
		return
	}
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write statistics")
	}
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	doc := map[string]interface{}{
		"area_width":         s.cfg.GetAreaWidth(),
		"area_height":        s.cfg.GetAreaHeight(),
		"grid_cell_size":     s.cfg.GetGridCellSize(),
		"pattern":            s.cfg.GetPattern(),
		"coverage_threshold": s.cfg.GetCoverageThreshold(),
		"timings":            s.cfg.GetTimings(),
	}
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write config")
	}
}
