package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeushome/zeus-controller/internal/model"
)

func switchDevice(id string, watts, runtimeMin float64, deadline model.ClockTime, priority int) *model.DeviceScheduleRequest {
	return &model.DeviceScheduleRequest{
		ID:              id,
		Name:            id,
		PeakWatts:       watts,
		DailyRuntimeMin: runtimeMin,
		Deadline:        deadline,
		Priority:        priority,
	}
}

func assignedUnix(r model.ScheduleResult) []int64 {
	out := make([]int64, len(r.AssignedSlots))
	for i, s := range r.AssignedSlots {
		out[i] = s.Unix()
	}
	return out
}

func TestRuntimeMetYieldsNoAssignment(t *testing.T) {
	pool := BuildSlotPool(quarterSlots(testBase, 0.10, 0.10), nil, 0, testBase, 0, false)
	dev := switchDevice("boiler", 1500, 60, model.ClockTime{Hour: 22}, 1)
	dev.RuntimeTodayMin = 60

	results := ComputeSwitchSchedules([]*model.DeviceScheduleRequest{dev}, pool, testBase)

	r := results["boiler"]
	assert.False(t, r.ShouldRun)
	assert.Equal(t, model.DecisionRuntimeMet, r.Decision)
	assert.Equal(t, "Daily runtime already met", r.Reason)
	assert.Empty(t, r.AssignedSlots)
}

func TestCheapestSlotsPickedFirst(t *testing.T) {
	// Ascending prices: a device needing two slots takes the first two.
	pool := BuildSlotPool(quarterSlots(testBase, 0.25, 0.26, 0.27, 0.28), nil, 0, testBase, 0, false)
	dev := switchDevice("boiler", 1500, 30, model.ClockTime{Hour: 23}, 1)

	results := ComputeSwitchSchedules([]*model.DeviceScheduleRequest{dev}, pool, testBase)

	r := results["boiler"]
	require.Len(t, r.AssignedSlots, 2)
	assert.Equal(t, []int64{testBase.Unix(), testBase.Add(model.SlotDuration).Unix()}, assignedUnix(r))
	assert.True(t, r.ShouldRun)
	assert.Equal(t, model.DecisionPriceOptimal, r.Decision)
	assert.Equal(t, "Scheduled: optimal price slot", r.Reason)
}

func TestCheapSlotsLaterMeanWaiting(t *testing.T) {
	pool := BuildSlotPool(quarterSlots(testBase, 0.40, 0.39, 0.10, 0.11), nil, 0, testBase, 0, false)
	dev := switchDevice("boiler", 1500, 30, model.ClockTime{Hour: 23}, 1)

	results := ComputeSwitchSchedules([]*model.DeviceScheduleRequest{dev}, pool, testBase)

	r := results["boiler"]
	assert.False(t, r.ShouldRun)
	assert.Equal(t, model.DecisionCoasting, r.Decision)
	assert.Equal(t, "Waiting for cheaper slot", r.Reason)
	assert.Equal(t, []int64{testBase.Add(2 * model.SlotDuration).Unix(), testBase.Add(3 * model.SlotDuration).Unix()}, assignedUnix(r))
}

func TestDeadlineForcesAllEligibleSlots(t *testing.T) {
	// Two slots before the 12:30 deadline, 30 minutes still needed: zero
	// slack, so both expensive slots are forced.
	pool := BuildSlotPool(quarterSlots(testBase, 0.80, 0.90, 0.05, 0.05), nil, 0, testBase, 0, false)
	dev := switchDevice("boiler", 1500, 30, model.ClockTime{Hour: 12, Minute: 30}, 1)

	results := ComputeSwitchSchedules([]*model.DeviceScheduleRequest{dev}, pool, testBase)

	r := results["boiler"]
	assert.True(t, r.ShouldRun)
	assert.Equal(t, model.DecisionForcedOn, r.Decision)
	assert.Equal(t, "Forced on: deadline pressure", r.Reason)
	assert.Equal(t, []int64{testBase.Unix(), testBase.Add(model.SlotDuration).Unix()}, assignedUnix(r))
}

func TestPassedDeadlineAssignsNothing(t *testing.T) {
	pool := BuildSlotPool(quarterSlots(testBase, 0.10, 0.10), nil, 0, testBase, 0, false)
	dev := switchDevice("boiler", 1500, 30, model.ClockTime{Hour: 6}, 1)

	results := ComputeSwitchSchedules([]*model.DeviceScheduleRequest{dev}, pool, testBase)

	r := results["boiler"]
	assert.False(t, r.ShouldRun)
	assert.Empty(t, r.AssignedSlots)
	assert.Equal(t, model.DecisionCoasting, r.Decision)
}

func TestSolarSurplusSharedByDepletion(t *testing.T) {
	// 1500W of surplus in the first slot. Two 1000W devices both needing one
	// slot: the first claims full coverage, depleting the pool to 500W, so
	// the second sees only partial coverage there and the still-sunny second
	// slot (also 1500W) becomes its cheapest choice.
	slots := quarterSlots(testBase, 0.30, 0.30, 0.30, 0.30)
	for i := range slots {
		slots[i].ExportPrice = 0.05
	}
	forecast := map[time.Time]float64{testBase: 1500}
	pool := BuildSlotPool(slots, forecast, 0, testBase, 0, false)

	devA := switchDevice("a", 1000, 15, model.ClockTime{Hour: 13}, 1)
	devB := switchDevice("b", 1000, 15, model.ClockTime{Hour: 13}, 2)

	results := ComputeSwitchSchedules([]*model.DeviceScheduleRequest{devA, devB}, pool, testBase)

	rA := results["a"]
	require.Len(t, rA.AssignedSlots, 1)
	assert.Equal(t, testBase.Unix(), rA.AssignedSlots[0].Unix())
	assert.Equal(t, model.DecisionSolarCovered, rA.Decision)
	assert.Equal(t, "Scheduled: solar surplus available", rA.Reason)

	rB := results["b"]
	require.Len(t, rB.AssignedSlots, 1)
	assert.Equal(t, testBase.Add(model.SlotDuration).Unix(), rB.AssignedSlots[0].Unix())
	assert.True(t, rB.ShouldRun == false)
}

func TestPriorityBreaksExactCostTies(t *testing.T) {
	// One slot cheaper than the rest; both devices want it. Identical costs,
	// so the lower priority value wins it.
	pool := BuildSlotPool(quarterSlots(testBase, 0.10, 0.20, 0.20, 0.20), nil, 0, testBase, 0, false)

	low := switchDevice("low", 1500, 15, model.ClockTime{Hour: 13}, 5)
	high := switchDevice("high", 1500, 15, model.ClockTime{Hour: 13}, 1)

	results := ComputeSwitchSchedules([]*model.DeviceScheduleRequest{low, high}, pool, testBase)

	require.Len(t, results["high"].AssignedSlots, 1)
	assert.Equal(t, testBase.Unix(), results["high"].AssignedSlots[0].Unix())
	require.Len(t, results["low"].AssignedSlots, 1)
	assert.NotEqual(t, testBase.Unix(), results["low"].AssignedSlots[0].Unix())
}

func TestPartialRuntimeRoundsUpToSlots(t *testing.T) {
	pool := BuildSlotPool(quarterSlots(testBase, 0.10, 0.20, 0.30, 0.40), nil, 0, testBase, 0, false)
	dev := switchDevice("boiler", 1500, 20, model.ClockTime{Hour: 23}, 1)
	dev.RuntimeTodayMin = 0

	results := ComputeSwitchSchedules([]*model.DeviceScheduleRequest{dev}, pool, testBase)

	// 20 minutes needs ceil(20/15) = 2 slots.
	assert.Len(t, results["boiler"].AssignedSlots, 2)
}

func TestActualPowerUsedForCurrentSlotDepletion(t *testing.T) {
	// An ON boiler drawing almost nothing leaves the current slot's solar
	// for the second device.
	slots := quarterSlots(testBase, 0.30, 0.40)
	forecast := map[time.Time]float64{testBase: 1500}
	pool := BuildSlotPool(slots, forecast, 0, testBase, 0, false)

	boiler := switchDevice("boiler", 1500, 15, model.ClockTime{Hour: 12, Minute: 30}, 1)
	boiler.UseActualPower = true
	boiler.IsOn = true
	boiler.ActualWatts = 50
	boiler.ActualWattsKnown = true

	heater := switchDevice("heater", 1400, 15, model.ClockTime{Hour: 12, Minute: 30}, 2)

	results := ComputeSwitchSchedules([]*model.DeviceScheduleRequest{boiler, heater}, pool, testBase)

	// Both fit under the 1500W surplus in the current slot.
	assert.True(t, results["boiler"].ShouldRun)
	assert.True(t, results["heater"].ShouldRun)
	assert.Equal(t, model.DecisionSolarCovered, results["heater"].Decision)
}
