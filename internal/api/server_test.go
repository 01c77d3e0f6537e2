package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yardbot/excavator/internal/config"
	"github.com/yardbot/excavator/internal/control"
	"github.com/yardbot/excavator/internal/fsm"
	"github.com/yardbot/excavator/internal/geo"
	"github.com/yardbot/excavator/internal/patrol"
	"github.com/yardbot/excavator/internal/safety"
	"github.com/yardbot/excavator/internal/store"
)

type testServer struct {
	srv      *Server
	bb       *control.Blackboard
	watchdog *safety.Watchdog
	db       *store.Store
	mux      *http.ServeMux
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	bb := control.NewBlackboard()
	watchdog := safety.New(safety.Config{
		WatchdogTimeout:    time.Hour,
		MaxOperationTime:   time.Hour,
		StallRetryAttempts: 3,
	})
	planner, err := patrol.New(patrol.Config{
		AreaWidth: 2, AreaHeight: 2, CellSize: 1, Pattern: patrol.Grid,
	})
	require.NoError(t, err)

	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	srv := NewServer(bb, watchdog, geo.NewTracker(0, 0, 0.3, 45),
		planner, fsm.NewNavigation(nil), fsm.NewManipulation(nil), db, &config.Config{})
	return &testServer{srv: srv, bb: bb, watchdog: watchdog, db: db, mux: srv.ServeMux()}
}

func (ts *testServer) do(method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)
	return rec
}

func TestStartAndStopPatrol(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/api/start_patrol")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, ts.bb.PatrolActive())

	rec = ts.do(http.MethodPost, "/api/stop_patrol")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, ts.bb.PatrolActive())
}

func TestStartPatrolRejectsGet(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/api/start_patrol")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.False(t, ts.bb.PatrolActive())
}

func TestStartPatrolBlockedByEmergencyStop(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ts.watchdog.TriggerEmergencyStop("test")

	rec := ts.do(http.MethodPost, "/api/start_patrol")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.False(t, ts.bb.PatrolActive())
}

func TestReturnHomeSetsIntent(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ts.bb.SetPatrolActive(true)

	rec := ts.do(http.MethodPost, "/api/return_home")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, ts.bb.ReturnHomeRequested())
	assert.False(t, ts.bb.PatrolActive())
}

func TestResetEmergencyStop(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ts.watchdog.TriggerEmergencyStop("test")

	rec := ts.do(http.MethodPost, "/api/reset_estop")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, ts.watchdog.EmergencyStopped())
}

func TestStatusDocument(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ts.bb.SetPatrolActive(true)
	ts.bb.IncrementPickupCount()
	ts.bb.SetCurrentWaypoint(patrol.Waypoint{X: 0.5, Y: 0.5})

	rec := ts.do(http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	for _, key := range []string{"pose", "nav_state", "arm_state", "patrol_active",
		"pickup_count", "current_waypoint", "patrol", "safety"} {
		assert.Contains(t, doc, key)
	}

	var count int
	require.NoError(t, json.Unmarshal(doc["pickup_count"], &count))
	assert.Equal(t, 1, count)
}

func TestListSessions(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	// Empty database returns an empty array, not null.
	rec := ts.do(http.MethodGet, "/api/sessions")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	id, _, err := ts.db.StartSession("lawnmower")
	require.NoError(t, err)
	require.NoError(t, ts.db.EndSession(id, 90, 3, 2))

	rec = ts.do(http.MethodGet, "/api/sessions?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)

	var sessions []store.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, 2, sessions[0].SuccessfulPickups)
}

func TestListSessionsRejectsBadLimit(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/api/sessions?limit=zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListHotspots(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	require.NoError(t, ts.db.RecordHotspot(1, 1))
	require.NoError(t, ts.db.RecordHotspot(1, 1))
	require.NoError(t, ts.db.RecordHotspot(0, 0))

	rec := ts.do(http.MethodGet, "/api/hotspots")
	require.Equal(t, http.StatusOK, rec.Code)

	var hotspots []store.Hotspot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hotspots))
	require.Len(t, hotspots, 1)
	assert.Equal(t, store.Hotspot{Row: 1, Col: 1, Count: 2}, hotspots[0])

	rec = ts.do(http.MethodGet, "/api/hotspots?min_count=1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hotspots))
	assert.Len(t, hotspots, 2)
}

func TestShowStatistics(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	_, err := ts.db.LogPickupAttempt(store.Attempt{Success: true})
	require.NoError(t, err)

	rec := ts.do(http.MethodGet, "/api/statistics")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats store.Statistics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.TotalAttempts)
	assert.InDelta(t, 1.0, stats.SuccessRate, 1e-9)
}

func TestShowConfigDefaults(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/api/config")
	require.Equal(t, http.StatusOK, rec.Code)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Contains(t, doc, "pattern")
	assert.Contains(t, doc, "timings")
}
