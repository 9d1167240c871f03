package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeushome/zeus-controller/db"
	"github.com/zeushome/zeus-controller/internal/config"
	"github.com/zeushome/zeus-controller/internal/engine"
	"github.com/zeushome/zeus-controller/internal/model"
	"github.com/zeushome/zeus-controller/internal/store"
)

// Anchored to the real clock because reservation validation compares
// against time.Now.
var apiNow = model.CurrentSlotStart(time.Now())

type staticPrices struct{ slots []model.PriceSlot }

func (s *staticPrices) Refresh(ctx context.Context, now time.Time) error { return nil }
func (s *staticPrices) Slots() []model.PriceSlot                         { return s.slots }

type noSolar struct{}

func (noSolar) Refresh(ctx context.Context, now time.Time) error { return nil }
func (noSolar) Forecast() map[time.Time]float64                  { return map[time.Time]float64{} }

type noSensors struct{}

func (noSensors) Reading(topic string) (float64, bool)   { return 0, false }
func (noSensors) SwitchState(topic string) (bool, bool)  { return false, false }
func (noSensors) PublishSwitch(topic string, on bool) error { return nil }

func testServer(t *testing.T) *Server {
	t.Helper()

	conn, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	slots := make([]model.PriceSlot, 16)
	for i := range slots {
		slots[i] = model.PriceSlot{StartTime: apiNow.Add(time.Duration(i) * model.SlotDuration), Price: 0.20}
	}

	cfg := config.Config{
		ReservationMaxHours: 12,
		ManualDevices: []config.ManualDevice{
			{ID: "dishwasher", Name: "Dishwasher", PowerWatts: 2000, DurationMin: 60},
		},
	}

	eng, err := engine.New(cfg, &staticPrices{slots: slots}, noSolar{}, noSensors{},
		db.NewHistory(conn), store.New(filepath.Join(t.TempDir(), "state.json")))
	require.NoError(t, err)

	eng.RunPass(context.Background(), apiNow)
	return NewServer(eng)
}

func TestGetSchedule(t *testing.T) {
	s := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/schedule", nil)
	w := httptest.NewRecorder()
	s.handleSchedule(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp ScheduleResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Healthy)
	assert.False(t, resp.GeneratedAt.IsZero())
}

func TestGetRankings(t *testing.T) {
	s := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/rankings", nil)
	w := httptest.NewRecorder()
	s.handleRankings(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var rankings []model.ManualDeviceRanking
	require.NoError(t, json.NewDecoder(w.Body).Decode(&rankings))
	require.Len(t, rankings, 1)
	assert.Equal(t, "dishwasher", rankings[0].DeviceID)
}

func TestReservationEndpoints(t *testing.T) {
	s := testServer(t)

	body := strings.NewReader(`{"start":"` + apiNow.Add(time.Hour).Format(time.RFC3339) + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/devices/dishwasher/reservation", body)
	w := httptest.NewRecorder()
	s.handleDeviceOperations(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp ReservationResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "dishwasher", resp.DeviceID)
	assert.Equal(t, apiNow.Add(2*time.Hour).Unix(), resp.End.Unix())

	// Listed.
	req = httptest.NewRequest(http.MethodGet, "/api/reservations", nil)
	w = httptest.NewRecorder()
	s.handleReservations(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var listed []ReservationResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&listed))
	assert.Len(t, listed, 1)

	// Deleted.
	req = httptest.NewRequest(http.MethodDelete, "/api/devices/dishwasher/reservation", nil)
	w = httptest.NewRecorder()
	s.handleDeviceOperations(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReservationUnknownDevice(t *testing.T) {
	s := testServer(t)

	body := strings.NewReader(`{"start":"` + apiNow.Add(time.Hour).Format(time.RFC3339) + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/devices/ghost/reservation", body)
	w := httptest.NewRecorder()
	s.handleDeviceOperations(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)

	var errResp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&errResp))
	assert.Contains(t, errResp.Error, "unknown manual device")
}

func TestReservationBadPayload(t *testing.T) {
	s := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/devices/dishwasher/reservation", strings.NewReader("{"))
	w := httptest.NewRecorder()
	s.handleDeviceOperations(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/devices/dishwasher/reservation", strings.NewReader("{}"))
	w = httptest.NewRecorder()
	s.handleDeviceOperations(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	s := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/schedule", nil)
	w := httptest.NewRecorder()
	s.handleSchedule(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/run", nil)
	w = httptest.NewRecorder()
	s.handleRun(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
