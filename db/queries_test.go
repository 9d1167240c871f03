package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHistory(t *testing.T) *History {
	t.Helper()
	conn, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewHistory(conn)
}

var day = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

func TestRuntimeTodayMinutes(t *testing.T) {
	h := testHistory(t)

	// On 08:00-09:30, on again 11:00 and still running at "now" 11:20.
	require.NoError(t, h.RecordSwitchEvent("boiler", true, day.Add(8*time.Hour)))
	require.NoError(t, h.RecordSwitchEvent("boiler", false, day.Add(9*time.Hour+30*time.Minute)))
	require.NoError(t, h.RecordSwitchEvent("boiler", true, day.Add(11*time.Hour)))

	minutes, err := h.RuntimeTodayMinutes("boiler", day.Add(11*time.Hour+20*time.Minute))
	require.NoError(t, err)
	assert.InDelta(t, 110.0, minutes, 0.01)
}

func TestRuntimeTodayCarriesStateAcrossMidnight(t *testing.T) {
	h := testHistory(t)

	// Turned on yesterday evening, never turned off.
	require.NoError(t, h.RecordSwitchEvent("boiler", true, day.Add(-2*time.Hour)))

	minutes, err := h.RuntimeTodayMinutes("boiler", day.Add(3*time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 180.0, minutes, 0.01)
}

func TestRuntimeTodayNoEvents(t *testing.T) {
	h := testHistory(t)

	minutes, err := h.RuntimeTodayMinutes("boiler", day.Add(12*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0.0, minutes)
}

func TestRuntimeTodayIgnoresOtherDevices(t *testing.T) {
	h := testHistory(t)

	require.NoError(t, h.RecordSwitchEvent("other", true, day.Add(8*time.Hour)))

	minutes, err := h.RuntimeTodayMinutes("boiler", day.Add(12*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0.0, minutes)
}

func TestLearnedAvgPowerW(t *testing.T) {
	h := testHistory(t)
	now := day.Add(12 * time.Hour)

	// Two hours on, with samples inside and outside the on-interval.
	require.NoError(t, h.RecordSwitchEvent("heater", true, day.Add(8*time.Hour)))
	require.NoError(t, h.RecordSwitchEvent("heater", false, day.Add(10*time.Hour)))

	require.NoError(t, h.RecordPowerSample("heater", 1000, day.Add(8*time.Hour+30*time.Minute)))
	require.NoError(t, h.RecordPowerSample("heater", 1200, day.Add(9*time.Hour)))
	require.NoError(t, h.RecordPowerSample("heater", 800, day.Add(9*time.Hour+30*time.Minute)))
	// Sample while off must not count.
	require.NoError(t, h.RecordPowerSample("heater", 5, day.Add(11*time.Hour)))

	watts, ok, err := h.LearnedAvgPowerW("heater", now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 1000.0, watts, 0.01)
}

func TestLearnedAvgPowerRequiresOneHourOnTime(t *testing.T) {
	h := testHistory(t)
	now := day.Add(12 * time.Hour)

	// Only 30 minutes of on-time.
	require.NoError(t, h.RecordSwitchEvent("heater", true, day.Add(8*time.Hour)))
	require.NoError(t, h.RecordSwitchEvent("heater", false, day.Add(8*time.Hour+30*time.Minute)))
	require.NoError(t, h.RecordPowerSample("heater", 1000, day.Add(8*time.Hour+15*time.Minute)))

	_, ok, err := h.LearnedAvgPowerW("heater", now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLearnedAvgPowerNoSamples(t *testing.T) {
	h := testHistory(t)
	now := day.Add(12 * time.Hour)

	require.NoError(t, h.RecordSwitchEvent("heater", true, day.Add(8*time.Hour)))
	require.NoError(t, h.RecordSwitchEvent("heater", false, day.Add(10*time.Hour)))

	_, ok, err := h.LearnedAvgPowerW("heater", now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLearnedAvgPowerIgnoresEventsOutsideWindow(t *testing.T) {
	h := testHistory(t)
	now := day.Add(12 * time.Hour)

	// On-interval ended eight days ago, outside the learning window.
	old := day.Add(-8 * 24 * time.Hour)
	require.NoError(t, h.RecordSwitchEvent("heater", true, old))
	require.NoError(t, h.RecordSwitchEvent("heater", false, old.Add(2*time.Hour)))
	require.NoError(t, h.RecordPowerSample("heater", 1000, old.Add(time.Hour)))

	_, ok, err := h.LearnedAvgPowerW("heater", now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOnSecondsHandlesDuplicateEvents(t *testing.T) {
	h := testHistory(t)

	// Two consecutive ON events (missed OFF) then OFF.
	require.NoError(t, h.RecordSwitchEvent("boiler", true, day.Add(8*time.Hour)))
	require.NoError(t, h.RecordSwitchEvent("boiler", true, day.Add(8*time.Hour+30*time.Minute)))
	require.NoError(t, h.RecordSwitchEvent("boiler", false, day.Add(9*time.Hour)))

	minutes, err := h.RuntimeTodayMinutes("boiler", day.Add(10*time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 60.0, minutes, 0.01)
}
