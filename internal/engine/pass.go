package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zeushome/zeus-controller/internal/config"
	"github.com/zeushome/zeus-controller/internal/metrics"
	"github.com/zeushome/zeus-controller/internal/model"
	"github.com/zeushome/zeus-controller/internal/scheduler"
	"github.com/zeushome/zeus-controller/internal/thermal"
)

// RunPass executes one scheduling pass. A panic anywhere in the pass is
// contained here: devices keep their previous schedule until the next pass.
func (e *Engine) RunPass(ctx context.Context, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Scheduling pass panicked, keeping previous schedule")
			metrics.Incr("pass.panic")
			e.lastPassOK = false
		}
	}()

	started := time.Now()

	if err := e.prices.Refresh(ctx, now); err != nil {
		log.Warn().Err(err).Msg("Price refresh failed, using cached prices")
	}
	if err := e.solar.Refresh(ctx, now); err != nil {
		log.Warn().Err(err).Msg("Solar forecast refresh failed, using cached forecast")
	}

	// The pass still runs with no price data: thermostat bound enforcement
	// and the urgency fallback are price-independent.
	priceSlots := e.prices.Slots()
	if len(priceSlots) == 0 {
		log.Warn().Msg("No price data available, scheduling without prices")
		metrics.Incr("pass.no_prices")
	}

	stateChanged := e.expireReservations(now)

	switchReqs := e.buildSwitchRequests(now)
	thermoReqs := e.buildThermostatRequests(now)
	manualReqs := e.buildManualRequests()

	liveSurplus, liveKnown := e.liveSolarSurplus(switchReqs, thermoReqs)

	pool := scheduler.BuildSlotPool(priceSlots, e.solar.Forecast(), e.cfg.HomeConsumptionWatts, now, liveSurplus, liveKnown)
	scheduler.ApplyReservations(pool, e.state.Reservations, manualReqs)

	results := scheduler.ComputeSwitchSchedules(switchReqs, pool, now)
	for id, r := range scheduler.ComputeThermostatDecisions(thermoReqs, pool, now) {
		results[id] = r
	}

	rankings := make([]model.ManualDeviceRanking, 0, len(manualReqs))
	for _, req := range manualReqs {
		rankings = append(rankings, scheduler.ComputeManualDeviceRanking(req, pool, now))
	}

	if e.actuate(results, now) {
		stateChanged = true
	}
	e.samplePower(now)

	e.lastResults = results
	e.lastRankings = rankings
	e.lastPassAt = now
	e.lastPassOK = true

	if stateChanged {
		e.persistState()
	}

	running := 0
	for _, r := range results {
		if r.ShouldRun {
			running++
		}
	}
	metrics.Gauge("pass.devices_running", float64(running))
	metrics.Gauge("pass.duration_ms", float64(time.Since(started).Milliseconds()))
	if liveKnown {
		metrics.Gauge("solar.live_surplus_watts", liveSurplus)
	}
	log.Info().
		Int("devices", len(results)).
		Int("running", running).
		Int("price_slots", len(priceSlots)).
		Msg("Scheduling pass complete")
}

func (e *Engine) buildSwitchRequests(now time.Time) []*model.DeviceScheduleRequest {
	reqs := make([]*model.DeviceScheduleRequest, 0, len(e.cfg.SwitchDevices))
	for _, d := range e.cfg.SwitchDevices {
		runtimeToday, err := e.history.RuntimeTodayMinutes(d.ID, now)
		if err != nil {
			log.Warn().Err(err).Str("device", d.ID).Msg("Failed to read runtime history, assuming zero")
			runtimeToday = 0
		}

		req := &model.DeviceScheduleRequest{
			ID:              d.ID,
			Name:            d.Name,
			PeakWatts:       d.PowerWatts,
			DailyRuntimeMin: float64(d.MinRuntimeMin),
			RuntimeTodayMin: runtimeToday,
			Deadline:        model.ClockTime{Hour: d.DeadlineHour, Minute: d.DeadlineMinute},
			Priority:        d.Priority,
			MinCycleMinutes: float64(d.MinCycleMinutes),
			UseActualPower:  d.UseActualPower,
			IsOn:            e.actuators[d.ID].IsOn,
		}
		if d.PowerTopic != "" {
			if watts, ok := e.sensors.Reading(d.PowerTopic); ok {
				req.ActualWatts = watts
				req.ActualWattsKnown = true
			}
		}
		reqs = append(reqs, req)
	}
	return reqs
}

func (e *Engine) buildThermostatRequests(now time.Time) []*model.ThermostatScheduleRequest {
	reqs := make([]*model.ThermostatScheduleRequest, 0, len(e.cfg.Thermostats))
	for _, t := range e.cfg.Thermostats {
		tracker := e.trackers[t.ID]

		req := &model.ThermostatScheduleRequest{
			ID:              t.ID,
			Name:            t.Name,
			PeakWatts:       t.PowerWatts,
			LowerBound:      t.LowerBound,
			UpperBound:      t.UpperBound,
			Priority:        t.Priority,
			MinCycleMinutes: float64(t.MinCycleMinutes),
			HVACMode:        model.HVACHeat,
			IsOn:            e.actuators[t.ID].IsOn,
		}
		if temp, ok := e.sensors.Reading(t.TempTopic); ok {
			req.CurrentTemp = temp
			req.CurrentTempKnown = true
		}
		if t.PowerTopic != "" {
			if watts, ok := e.sensors.Reading(t.PowerTopic); ok {
				req.ActualWatts = watts
				req.ActualWattsKnown = true
			}
		}
		if tracker.HasEstimate() {
			req.WhPerDegree = tracker.WhPerDegree
			req.WhPerDegreeKnown = true
		}
		if learned, ok, err := e.history.LearnedAvgPowerW(t.ID, now); err == nil && ok {
			req.LearnedAvgWatts = thermal.BlendWithPeak(learned, true, t.PowerWatts, tracker.SampleCount)
			req.LearnedAvgWattsKnown = true
		}
		reqs = append(reqs, req)
	}
	return reqs
}

func (e *Engine) buildManualRequests() []*model.ManualDeviceScheduleRequest {
	reqs := make([]*model.ManualDeviceScheduleRequest, 0, len(e.cfg.ManualDevices))
	for i, m := range e.cfg.ManualDevices {
		reqs = append(reqs, &model.ManualDeviceScheduleRequest{
			ID:               m.ID,
			Name:             m.Name,
			PeakWatts:        m.PowerWatts,
			AvgWatts:         m.AvgWatts,
			CycleDurationMin: float64(m.DurationMin),
			Priority:         i,
			DelayOffsetsH:    m.DelayOffsetsH,
		})
	}
	return reqs
}

// liveSolarSurplus derives the current surplus from live telemetry. The
// draw of devices this controller manages is added back so the surplus
// reflects the baseline household load only; otherwise turning a device on
// would shrink the surplus and make the scheduler flap it off again.
func (e *Engine) liveSolarSurplus(
	switchReqs []*model.DeviceScheduleRequest,
	thermoReqs []*model.ThermostatScheduleRequest,
) (float64, bool) {
	production, ok := e.sensors.Reading(e.cfg.SolarProductionTopic)
	if !ok {
		return 0, false
	}

	consumption := e.cfg.HomeConsumptionWatts
	if grid, gridOK := e.sensors.Reading(e.cfg.GridPowerTopic); gridOK {
		// Grid power is positive when importing. Total consumption is
		// whatever the panels make plus whatever the grid supplies.
		consumption = production + grid
	}

	var managedDraw float64
	for _, d := range switchReqs {
		if d.IsOn {
			managedDraw += d.EffectiveWatts()
		}
	}
	for _, t := range thermoReqs {
		if t.IsOn {
			if t.ActualWattsKnown && t.ActualWatts > 0 {
				managedDraw += t.ActualWatts
			} else {
				managedDraw += t.EffectiveWatts()
			}
		}
	}

	surplus := production - (consumption - managedDraw)
	if surplus < 0 {
		surplus = 0
	}
	return surplus, true
}

// actuate drives every controllable device toward its scheduled state.
// Returns true when any device changed state.
func (e *Engine) actuate(results map[string]model.ScheduleResult, now time.Time) bool {
	changed := false
	for id, result := range results {
		dev, ok := e.actuators[id]
		if !ok {
			continue
		}
		if !dev.Apply(result.ShouldRun, now) {
			continue
		}
		changed = true

		if err := e.history.RecordSwitchEvent(id, dev.IsOn, now); err != nil {
			log.Warn().Err(err).Str("device", id).Msg("Failed to record switch event")
		}
		if tracker, isThermostat := e.trackers[id]; isThermostat {
			e.handleThermostatTransition(id, tracker, dev.IsOn, now)
		}
	}
	return changed
}

func (e *Engine) handleThermostatTransition(deviceID string, tracker *thermal.Tracker, nowOn bool, now time.Time) {
	cfg, ok := e.thermostatConfig(deviceID)
	if !ok {
		return
	}
	temp, tempOK := e.sensors.Reading(cfg.TempTopic)
	if !tempOK {
		return
	}

	if nowOn {
		tracker.OnHeaterStarted(temp, now)
		return
	}

	avgPower := cfg.PowerWatts
	if cfg.PowerTopic != "" {
		if watts, wOK := e.sensors.Reading(cfg.PowerTopic); wOK && watts > 0 {
			avgPower = watts
		}
	}
	if tracker.OnHeaterStopped(temp, avgPower, now) {
		metrics.Gauge("thermal.wh_per_degree", tracker.WhPerDegree, "device:"+deviceID)
	}
}

func (e *Engine) thermostatConfig(deviceID string) (config.Thermostat, bool) {
	for _, t := range e.cfg.Thermostats {
		if t.ID == deviceID {
			return t, true
		}
	}
	return config.Thermostat{}, false
}

// samplePower records a power sample for every device with a power topic,
// feeding the learned-average query.
func (e *Engine) samplePower(now time.Time) {
	record := func(deviceID, topic string) {
		if topic == "" {
			return
		}
		watts, ok := e.sensors.Reading(topic)
		if !ok {
			return
		}
		if err := e.history.RecordPowerSample(deviceID, watts, now); err != nil {
			log.Warn().Err(err).Str("device", deviceID).Msg("Failed to record power sample")
		}
	}
	for _, d := range e.cfg.SwitchDevices {
		record(d.ID, d.PowerTopic)
	}
	for _, t := range e.cfg.Thermostats {
		record(t.ID, t.PowerTopic)
	}
}
