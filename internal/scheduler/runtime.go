package scheduler

import (
	"fmt"
	"sort"
	"time"

	"github.com/zeushome/zeus-controller/internal/model"
)

// deviceState is the mutable bookkeeping for one switch device during a pass.
type deviceState struct {
	remainingNeeded int
	assigned        map[int64]bool
	forced          bool
}

func (s *deviceState) assignedSorted() []time.Time {
	out := make([]time.Time, 0, len(s.assigned))
	for unix := range s.assigned {
		out = append(out, time.Unix(unix, 0))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// ComputeSwitchSchedules assigns 15-minute slots to runtime-quota devices so
// that total energy cost is minimised across all of them while respecting
// deadlines and priorities. Multiple devices can share a slot, splitting the
// available solar surplus.
//
// Phase 1 forces on devices whose deadline leaves no room to skip slots.
// Phase 2 iteratively commits the globally cheapest (device, slot) pair,
// deducting solar after each commit so costs stay accurate. Priority breaks
// exact cost ties (lower value wins).
//
// The pool is depleted in place; pass it on to the thermostat engine and
// manual ranking so all consumers share a single solar budget.
func ComputeSwitchSchedules(
	devices []*model.DeviceScheduleRequest,
	pool *SlotPool,
	now time.Time,
) map[string]model.ScheduleResult {
	currentStart := model.CurrentSlotStart(now)

	results := make(map[string]model.ScheduleResult)
	states := make(map[string]*deviceState)
	var active []*model.DeviceScheduleRequest

	for _, device := range devices {
		if device.RemainingRuntimeMin() <= 0 {
			results[device.ID] = model.ScheduleResult{
				DeviceID: device.ID,
				Decision: model.DecisionRuntimeMet,
				Reason:   "Daily runtime already met",
			}
			continue
		}
		active = append(active, device)
		states[device.ID] = &deviceState{
			remainingNeeded: device.RemainingSlotsNeeded(),
			assigned:        make(map[int64]bool),
		}
	}

	if len(active) == 0 {
		return results
	}

	// Priority order for deterministic processing (1 = highest).
	sort.SliceStable(active, func(i, j int) bool { return active[i].Priority < active[j].Priority })

	applyDeadlineForced(active, states, pool, now, currentStart)
	applyCostOptimal(active, states, pool, now, currentStart)

	for _, device := range active {
		results[device.ID] = buildSwitchResult(device, states[device.ID], pool, currentStart)
	}

	return results
}

// eligibleSlots returns slot start times between now and the device's
// deadline, chronologically. An already-passed deadline yields nothing.
func eligibleSlots(pool *SlotPool, now time.Time, deadline model.ClockTime) []*SlotInfo {
	deadlineAt := deadline.On(now)
	if !deadlineAt.After(now) {
		return nil
	}

	var out []*SlotInfo
	for _, s := range pool.Sorted() {
		if s.StartTime.Before(deadlineAt) {
			out = append(out, s)
		}
	}
	return out
}

// solarConsumptionFor is how much solar a device claims in a slot. For the
// current slot an already-ON device reports its actual live draw; future
// slots use peak as a safe upper bound.
func solarConsumptionFor(device *model.DeviceScheduleRequest, slotStart, currentStart time.Time) float64 {
	if slotStart.Equal(currentStart) {
		return device.EffectiveWatts()
	}
	return device.PeakWatts
}

// applyDeadlineForced is phase 1: any device whose remaining need equals or
// exceeds its eligible slot count has no slack, so every eligible slot is
// assigned immediately regardless of price.
func applyDeadlineForced(
	active []*model.DeviceScheduleRequest,
	states map[string]*deviceState,
	pool *SlotPool,
	now time.Time,
	currentStart time.Time,
) {
	for _, device := range active {
		eligible := eligibleSlots(pool, now, device.Deadline)
		if len(eligible) == 0 {
			continue
		}

		state := states[device.ID]
		if state.remainingNeeded < len(eligible) {
			continue
		}

		state.forced = true
		for _, slot := range eligible {
			key := slot.StartTime.Unix()
			if state.assigned[key] {
				continue
			}
			state.assigned[key] = true
			if state.remainingNeeded > 0 {
				state.remainingNeeded--
			}
			slot.ConsumeSolar(solarConsumptionFor(device, slot.StartTime, currentStart))
		}
	}
}

// applyCostOptimal is phase 2: repeatedly scan every unsatisfied device and
// its unassigned eligible slots, and commit the single globally cheapest
// pair until no device has unmet need or no eligible slot remains.
func applyCostOptimal(
	active []*model.DeviceScheduleRequest,
	states map[string]*deviceState,
	pool *SlotPool,
	now time.Time,
	currentStart time.Time,
) {
	for {
		device, slot := findCheapestAssignment(active, states, pool, now)
		if device == nil || slot == nil {
			return
		}

		state := states[device.ID]
		state.assigned[slot.StartTime.Unix()] = true
		state.remainingNeeded--

		slot.ConsumeSolar(solarConsumptionFor(device, slot.StartTime, currentStart))
	}
}

// findCheapestAssignment returns the globally cheapest (device, slot) pair,
// re-evaluating each marginal cost fresh against the depleted pool.
func findCheapestAssignment(
	active []*model.DeviceScheduleRequest,
	states map[string]*deviceState,
	pool *SlotPool,
	now time.Time,
) (*model.DeviceScheduleRequest, *SlotInfo) {
	var (
		bestDevice *model.DeviceScheduleRequest
		bestSlot   *SlotInfo
		bestCost   float64
	)

	for _, device := range active {
		state := states[device.ID]
		if state.remainingNeeded <= 0 {
			continue
		}

		for _, slot := range eligibleSlots(pool, now, device.Deadline) {
			if state.assigned[slot.StartTime.Unix()] {
				continue
			}
			cost := CostForDeviceInSlot(slot, device.PeakWatts)

			better := bestDevice == nil || cost < bestCost ||
				(cost == bestCost && device.Priority < bestDevice.Priority)
			if better {
				bestCost = cost
				bestDevice = device
				bestSlot = slot
			}
		}
	}

	return bestDevice, bestSlot
}

func buildSwitchResult(
	device *model.DeviceScheduleRequest,
	state *deviceState,
	pool *SlotPool,
	currentStart time.Time,
) model.ScheduleResult {
	slots := state.assignedSorted()
	shouldRun := state.assigned[currentStart.Unix()]

	// Solar coverage is judged against the slot's original surplus, not the
	// depleted remainder, so the reason reflects what drove the assignment.
	solarPowered := false
	if shouldRun {
		if current := pool.Slot(currentStart); current != nil {
			solarPowered = current.SolarSurplusW >= device.PeakWatts
		}
	}

	decision, reason := switchDecision(shouldRun, state.forced, solarPowered, device.RemainingRuntimeMin() > 0)

	return model.ScheduleResult{
		DeviceID:            device.ID,
		ShouldRun:           shouldRun,
		Decision:            decision,
		RemainingRuntimeMin: device.RemainingRuntimeMin(),
		AssignedSlots:       slots,
		Reason:              reason,
	}
}

func switchDecision(shouldRun, forced, solarPowered, hasRemaining bool) (model.Decision, string) {
	switch {
	case shouldRun && forced:
		return model.DecisionForcedOn, "Forced on: deadline pressure"
	case shouldRun && solarPowered:
		return model.DecisionSolarCovered, "Scheduled: solar surplus available"
	case shouldRun:
		return model.DecisionPriceOptimal, "Scheduled: optimal price slot"
	case hasRemaining:
		return model.DecisionCoasting, "Waiting for cheaper slot"
	default:
		return model.DecisionRuntimeMet, "Daily runtime met"
	}
}

// String implements a compact diagnostic form used in debug logging.
func (s *SlotInfo) String() string {
	return fmt.Sprintf("%s price=%.4f export=%.4f surplus=%.0fW remaining=%.0fW",
		s.StartTime.Format("15:04"), s.Price, s.ExportPrice, s.SolarSurplusW, s.RemainingSolarW)
}
