package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/zeushome/zeus-controller/internal/model"
)

func testThermostat(temp float64) *model.ThermostatScheduleRequest {
	return &model.ThermostatScheduleRequest{
		ID:               "bathroom",
		Name:             "bathroom",
		PeakWatts:        1200,
		LowerBound:       18.5,
		UpperBound:       21.5,
		Priority:         1,
		HVACMode:         model.HVACHeat,
		CurrentTemp:      temp,
		CurrentTempKnown: true,
	}
}

func decideOne(t *testing.T, th *model.ThermostatScheduleRequest, pool *SlotPool, now time.Time) model.ScheduleResult {
	t.Helper()
	results := ComputeThermostatDecisions([]*model.ThermostatScheduleRequest{th}, pool, now)
	return results[th.ID]
}

func TestThermostatTiers(t *testing.T) {
	pool := BuildSlotPool(quarterSlots(testBase, 0.20, 0.20, 0.20, 0.20), nil, 0, testBase, 0, false)

	tests := []struct {
		name     string
		temp     float64
		want     bool
		decision model.Decision
	}{
		{"well below band forces on", 15.0, true, model.DecisionForcedOn},
		{"exactly at lower bound forces on", 18.5, true, model.DecisionForcedOn},
		{"exactly at upper bound forces off", 21.5, false, model.DecisionForcedOff},
		{"above band forces off", 25.0, false, model.DecisionForcedOff},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := decideOne(t, testThermostat(tt.temp), pool, testBase)
			assert.Equal(t, tt.want, r.ShouldRun)
			assert.Equal(t, tt.decision, r.Decision)
		})
	}
}

func TestThermostatModeOff(t *testing.T) {
	pool := BuildSlotPool(quarterSlots(testBase, 0.20), nil, 0, testBase, 0, false)
	th := testThermostat(15.0) // would force on if heating
	th.HVACMode = model.HVACOff

	r := decideOne(t, th, pool, testBase)
	assert.False(t, r.ShouldRun)
	assert.Equal(t, model.DecisionForcedOff, r.Decision)
}

func TestThermostatNoReadingHoldsState(t *testing.T) {
	pool := BuildSlotPool(quarterSlots(testBase, 0.20), nil, 0, testBase, 0, false)

	for _, wasOn := range []bool{true, false} {
		th := testThermostat(0)
		th.CurrentTempKnown = false
		th.IsOn = wasOn

		r := decideOne(t, th, pool, testBase)
		assert.Equal(t, wasOn, r.ShouldRun)
		assert.Equal(t, model.DecisionNoData, r.Decision)
	}
}

func TestThermostatHeatsOnSolarSurplus(t *testing.T) {
	forecast := map[time.Time]float64{testBase: 2000}
	pool := BuildSlotPool(quarterSlots(testBase, 0.40, 0.10, 0.10), forecast, 0, testBase, 0, false)

	r := decideOne(t, testThermostat(20.0), pool, testBase)
	assert.True(t, r.ShouldRun)
	assert.Equal(t, model.DecisionSolarCovered, r.Decision)
	assert.Equal(t, "Heating: solar surplus available", r.Reason)
}

func TestThermostatWaitsForSolarComingSoon(t *testing.T) {
	// No surplus now, plenty in the next hour; mild urgency waits.
	forecast := map[time.Time]float64{testBase.Add(time.Hour): 2000}
	slots := quarterSlots(testBase.Add(45*time.Minute), 0.10, 0.10, 0.10, 0.10)
	pool := BuildSlotPool(slots, forecast, 0, testBase.Add(45*time.Minute), 0, false)

	th := testThermostat(21.0) // urgency (21.5-21)/3 ≈ 0.17
	r := decideOne(t, th, pool, testBase.Add(45*time.Minute))
	assert.False(t, r.ShouldRun)
	assert.Equal(t, model.DecisionCoasting, r.Decision)
	assert.Equal(t, "Coasting: solar surplus expected soon", r.Reason)
}

func TestThermostatUrgentIgnoresUpcomingSolar(t *testing.T) {
	forecast := map[time.Time]float64{testBase.Add(time.Hour): 2000}
	slots := quarterSlots(testBase.Add(45*time.Minute), 0.10, 0.10, 0.10, 0.10)
	pool := BuildSlotPool(slots, forecast, 0, testBase.Add(45*time.Minute), 0, false)

	// urgency (21.5-18.6)/3 ≈ 0.97, above the wait threshold; current price
	// is cheapest so the price rank admits heating.
	th := testThermostat(18.6)
	r := decideOne(t, th, pool, testBase.Add(45*time.Minute))
	assert.True(t, r.ShouldRun)
	assert.Equal(t, model.DecisionPriceOptimal, r.Decision)
}

func TestThermostatHeadroomCoasting(t *testing.T) {
	// 2.5°C above lower bound at 2000 Wh/°C and 1200W: 4.2h of headroom,
	// and a cheaper slot within reach.
	pool := BuildSlotPool(quarterSlots(testBase, 0.30, 0.10, 0.30, 0.30), nil, 0, testBase, 0, false)

	th := testThermostat(21.0)
	th.WhPerDegree = 2000
	th.WhPerDegreeKnown = true

	r := decideOne(t, th, pool, testBase)
	assert.False(t, r.ShouldRun)
	assert.Equal(t, model.DecisionThermalHeadroom, r.Decision)
}

func TestThermostatHeadroomUrgentHeating(t *testing.T) {
	// 0.3°C above lower bound at 1000 Wh/°C and 1200W: 0.25h of headroom.
	pool := BuildSlotPool(quarterSlots(testBase, 0.30, 0.10, 0.30, 0.30), nil, 0, testBase, 0, false)

	th := testThermostat(18.8)
	th.WhPerDegree = 1000
	th.WhPerDegreeKnown = true

	r := decideOne(t, th, pool, testBase)
	assert.True(t, r.ShouldRun)
	assert.Equal(t, model.DecisionThermalHeadroom, r.Decision)
}

func TestThermostatPriceRankVersusUrgency(t *testing.T) {
	tests := []struct {
		name   string
		temp   float64
		prices []float64 // current first, then upcoming
		want   bool
	}{
		{
			// urgency 0.5; current price cheaper than every upcoming slot,
			// rank 0.
			name:   "cheapest slot heats at medium urgency",
			temp:   20.0,
			prices: []float64{0.10, 0.20, 0.25, 0.30, 0.35},
			want:   true,
		},
		{
			// urgency 0.5 but current is the most expensive, rank 1.0.
			name:   "expensive slot waits at medium urgency",
			temp:   20.0,
			prices: []float64{0.40, 0.20, 0.25, 0.30, 0.35},
			want:   false,
		},
		{
			// urgency (21.5-18.7)/3 ≈ 0.93: accepts all but the most
			// expensive slots.
			name:   "high urgency accepts mid-priced slot",
			temp:   18.7,
			prices: []float64{0.30, 0.20, 0.25, 0.35, 0.40},
			want:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := BuildSlotPool(quarterSlots(testBase, tt.prices...), nil, 0, testBase, 0, false)
			r := decideOne(t, testThermostat(tt.temp), pool, testBase)
			assert.Equal(t, tt.want, r.ShouldRun)
		})
	}
}

func TestThermostatNoPriceDataFallback(t *testing.T) {
	pool := BuildSlotPool(nil, nil, 0, testBase, 0, false)

	urgent := testThermostat(19.0) // urgency ≈ 0.83
	r := decideOne(t, urgent, pool, testBase)
	assert.True(t, r.ShouldRun)
	assert.Equal(t, model.DecisionNoData, r.Decision)

	relaxed := testThermostat(21.0) // urgency ≈ 0.17
	r = decideOne(t, relaxed, pool, testBase)
	assert.False(t, r.ShouldRun)
}

func TestThermostatPriorityOrderDepletesSolar(t *testing.T) {
	// 1500W surplus, two 1000W thermostats inside their bands. The
	// higher-priority one claims the surplus; the other sees 500W left and
	// falls back to price ranking against cheaper upcoming slots.
	forecast := map[time.Time]float64{testBase: 1500}
	pool := BuildSlotPool(quarterSlots(testBase, 0.40, 0.10, 0.10, 0.10), forecast, 0, testBase, 0, false)

	first := testThermostat(20.0)
	first.ID = "first"
	first.PeakWatts = 1000
	first.Priority = 1

	second := testThermostat(20.0)
	second.ID = "second"
	second.PeakWatts = 1000
	second.Priority = 2

	results := ComputeThermostatDecisions([]*model.ThermostatScheduleRequest{second, first}, pool, testBase)

	assert.True(t, results["first"].ShouldRun)
	assert.Equal(t, model.DecisionSolarCovered, results["first"].Decision)

	assert.False(t, results["second"].ShouldRun)
	assert.Equal(t, model.DecisionCoasting, results["second"].Decision)
}
