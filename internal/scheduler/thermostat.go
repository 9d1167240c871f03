package scheduler

import (
	"fmt"
	"sort"
	"time"

	"github.com/zeushome/zeus-controller/internal/model"
)

const (
	// Number of upcoming slots considered for price comparison.
	thermostatLookaheadSlots = 8

	// Urgency below which we are willing to wait for forecast solar.
	solarWaitUrgencyThreshold = 0.6

	// Urgency above which we heat when no price data exists at all.
	urgencyFallbackThreshold = 0.5

	// Thermal headroom thresholds, in hours to the lower bound.
	headroomCoastHours  = 2.0
	headroomUrgentHours = 0.5
)

// ComputeThermostatDecisions runs the three-tier real-time controller for
// every thermostat: force on below the lower bound, force off above the
// upper bound, otherwise optimize on price, solar, and urgency.
//
// Runs against the already-depleted pool left by the runtime-quota
// scheduler. Thermostats are processed in priority order so higher-priority
// zones claim solar first; each heating decision deducts the thermostat's
// draw before the next one is evaluated.
func ComputeThermostatDecisions(
	thermostats []*model.ThermostatScheduleRequest,
	pool *SlotPool,
	now time.Time,
) map[string]model.ScheduleResult {
	if len(thermostats) == 0 {
		return map[string]model.ScheduleResult{}
	}

	currentStart := model.CurrentSlotStart(now)
	current := pool.Slot(currentStart)

	upcoming := pool.After(currentStart)
	if len(upcoming) > thermostatLookaheadSlots {
		upcoming = upcoming[:thermostatLookaheadSlots]
	}
	upcomingPrices := make([]float64, len(upcoming))
	for i, s := range upcoming {
		upcomingPrices[i] = s.Price
	}

	ordered := make([]*model.ThermostatScheduleRequest, len(thermostats))
	copy(ordered, thermostats)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })

	results := make(map[string]model.ScheduleResult, len(ordered))
	for _, thermostat := range ordered {
		result := decideThermostat(thermostat, current, upcomingPrices, upcoming, currentStart)
		results[thermostat.ID] = result

		if result.ShouldRun && current != nil {
			consumption := thermostat.EffectiveWatts()
			if thermostat.ActualWattsKnown && thermostat.ActualWatts > 0 {
				consumption = thermostat.ActualWatts
			}
			current.ConsumeSolar(consumption)
		}
	}

	return results
}

func decideThermostat(
	t *model.ThermostatScheduleRequest,
	current *SlotInfo,
	upcomingPrices []float64,
	upcoming []*SlotInfo,
	currentStart time.Time,
) model.ScheduleResult {
	if t.HVACMode == model.HVACOff {
		return thermostatResult(t, false, currentStart, model.DecisionForcedOff, "Thermostat off")
	}

	// No temperature reading: hold the last known state rather than guess.
	if !t.CurrentTempKnown {
		return thermostatResult(t, t.IsOn, currentStart, model.DecisionNoData,
			"No temperature reading, holding current state")
	}

	// Tier 1: at or below the lower bound, heat unconditionally.
	if t.CurrentTemp <= t.LowerBound {
		return thermostatResult(t, true, currentStart, model.DecisionForcedOn,
			fmt.Sprintf("Forced on: temperature %.1f°C at or below minimum %.1f°C", t.CurrentTemp, t.LowerBound))
	}

	// Tier 2: at or above the upper bound, stop unconditionally.
	if t.CurrentTemp >= t.UpperBound {
		return thermostatResult(t, false, currentStart, model.DecisionForcedOff,
			fmt.Sprintf("Forced off: temperature %.1f°C at or above maximum %.1f°C", t.CurrentTemp, t.UpperBound))
	}

	// Tier 3: inside the comfort band.
	return decideThermostatOptimized(t, current, upcomingPrices, upcoming, currentStart)
}

func decideThermostatOptimized(
	t *model.ThermostatScheduleRequest,
	current *SlotInfo,
	upcomingPrices []float64,
	upcoming []*SlotInfo,
	currentStart time.Time,
) model.ScheduleResult {
	urgency := t.Urgency()
	powerW := t.EffectiveWatts()

	// Free energy always wins.
	if current != nil && current.RemainingSolarW >= powerW {
		return thermostatResult(t, true, currentStart, model.DecisionSolarCovered,
			"Heating: solar surplus available")
	}

	// Look-ahead: don't burn grid power right before free solar arrives.
	if urgency < solarWaitUrgencyThreshold && solarComingSoon(upcoming, powerW) {
		return thermostatResult(t, false, currentStart, model.DecisionCoasting,
			"Coasting: solar surplus expected soon")
	}

	if result, decided := checkThermalHeadroom(t, current, upcomingPrices, upcoming, currentStart); decided {
		return result
	}

	// Urgency-weighted price ranking: a zone near its lower bound accepts
	// almost any price; one near its upper bound waits for the cheapest slot.
	if current != nil && len(upcomingPrices) > 0 {
		rank := percentileRank(current.Price, upcomingPrices)
		if rank <= urgency {
			return thermostatResult(t, true, currentStart, model.DecisionPriceOptimal,
				fmt.Sprintf("Heating: cheap price (rank %.0f%%, urgency %.0f%%)", rank*100, urgency*100))
		}
		return thermostatResult(t, false, currentStart, model.DecisionCoasting,
			fmt.Sprintf("Coasting: waiting for cheaper slot (rank %.0f%%, urgency %.0f%%)", rank*100, urgency*100))
	}

	// No price data at all.
	if urgency > urgencyFallbackThreshold {
		return thermostatResult(t, true, currentStart, model.DecisionNoData,
			"Heating: no price data, urgency-based fallback")
	}
	return thermostatResult(t, false, currentStart, model.DecisionNoData,
		"Coasting: no price data, urgency-based fallback")
}

// checkThermalHeadroom uses the learned Wh/°C to estimate how long the zone
// can coast before reaching its lower bound. A clear signal either way
// returns a decision; otherwise fall through to the price ranking.
func checkThermalHeadroom(
	t *model.ThermostatScheduleRequest,
	current *SlotInfo,
	upcomingPrices []float64,
	upcoming []*SlotInfo,
	currentStart time.Time,
) (model.ScheduleResult, bool) {
	if !t.WhPerDegreeKnown || !t.CurrentTempKnown {
		return model.ScheduleResult{}, false
	}

	powerW := t.EffectiveWatts()
	if powerW <= 0 {
		return model.ScheduleResult{}, false
	}

	degreesAboveLower := t.CurrentTemp - t.LowerBound
	if degreesAboveLower <= 0 {
		return model.ScheduleResult{}, false // force-on tier handles this
	}

	// Assume the zone loses heat at the rate it took to gain it.
	coastHours := degreesAboveLower * t.WhPerDegree / powerW

	if coastHours > headroomCoastHours && len(upcomingPrices) > 0 && current != nil {
		coastSlots := int(coastHours * 60 / model.SlotDurationMinutes)
		reachable := upcoming
		if len(reachable) > coastSlots {
			reachable = reachable[:coastSlots]
		}
		for _, s := range reachable {
			if s.Price < current.Price {
				return thermostatResult(t, false, currentStart, model.DecisionThermalHeadroom,
					fmt.Sprintf("Coasting: thermal headroom %.1fh, cheaper slot available", coastHours)), true
			}
		}
	}

	if coastHours < headroomUrgentHours && current != nil {
		return thermostatResult(t, true, currentStart, model.DecisionThermalHeadroom,
			fmt.Sprintf("Heating: low thermal headroom (%.1fh to lower bound)", coastHours)), true
	}

	return model.ScheduleResult{}, false
}

// solarComingSoon reports whether any of the next few slots has enough
// remaining surplus to fully cover the device.
func solarComingSoon(upcoming []*SlotInfo, deviceWatts float64) bool {
	const maxSlotsAhead = 3
	limit := len(upcoming)
	if limit > maxSlotsAhead {
		limit = maxSlotsAhead
	}
	for _, slot := range upcoming[:limit] {
		if slot.RemainingSolarW >= deviceWatts {
			return true
		}
	}
	return false
}

// percentileRank is the fraction of values strictly below value: 0 means
// cheapest, 1 most expensive. Returns 0.5 for an empty list.
func percentileRank(value float64, values []float64) float64 {
	if len(values) == 0 {
		return 0.5
	}
	below := 0
	for _, v := range values {
		if v < value {
			below++
		}
	}
	return float64(below) / float64(len(values))
}

func thermostatResult(
	t *model.ThermostatScheduleRequest,
	shouldRun bool,
	currentStart time.Time,
	decision model.Decision,
	reason string,
) model.ScheduleResult {
	var slots []time.Time
	if shouldRun {
		slots = []time.Time{currentStart}
	}
	return model.ScheduleResult{
		DeviceID:      t.ID,
		ShouldRun:     shouldRun,
		Decision:      decision,
		AssignedSlots: slots,
		Reason:        reason,
	}
}
