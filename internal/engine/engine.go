// Package engine runs the scheduling passes: it snapshots prices, solar
// forecast, and live sensor data, feeds them through the scheduler, and
// drives the device switches with the outcome.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zeushome/zeus-controller/db"
	"github.com/zeushome/zeus-controller/internal/actuator"
	"github.com/zeushome/zeus-controller/internal/config"
	"github.com/zeushome/zeus-controller/internal/model"
	"github.com/zeushome/zeus-controller/internal/store"
	"github.com/zeushome/zeus-controller/internal/thermal"
)

// PriceSource provides quarter-hourly price slots, refreshed on demand.
type PriceSource interface {
	Refresh(ctx context.Context, now time.Time) error
	Slots() []model.PriceSlot
}

// SolarSource provides the hourly production forecast.
type SolarSource interface {
	Refresh(ctx context.Context, now time.Time) error
	Forecast() map[time.Time]float64
}

// SensorSource is the live view of the home: cached sensor readings and
// switch states, plus the command channel.
type SensorSource interface {
	Reading(topic string) (float64, bool)
	SwitchState(topic string) (bool, bool)
	PublishSwitch(topic string, on bool) error
}

// Engine owns all mutable controller state. Passes are serialized by mu;
// triggers from tickers, sensor changes, and the API all funnel into
// RunPass.
type Engine struct {
	cfg     config.Config
	prices  PriceSource
	solar   SolarSource
	sensors SensorSource
	history *db.History
	store   *store.Store

	mu        sync.Mutex
	state     *model.ControllerState
	trackers  map[string]*thermal.Tracker
	actuators map[string]*actuator.Device

	lastResults  map[string]model.ScheduleResult
	lastRankings []model.ManualDeviceRanking
	lastPassAt   time.Time
	lastPassOK   bool
}

func New(
	cfg config.Config,
	prices PriceSource,
	solarSrc SolarSource,
	sensors SensorSource,
	history *db.History,
	st *store.Store,
) (*Engine, error) {
	state, err := st.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load controller state: %w", err)
	}

	e := &Engine{
		cfg:         cfg,
		prices:      prices,
		solar:       solarSrc,
		sensors:     sensors,
		history:     history,
		store:       st,
		state:       state,
		trackers:    make(map[string]*thermal.Tracker),
		actuators:   make(map[string]*actuator.Device),
		lastResults: make(map[string]model.ScheduleResult),
	}

	for _, t := range cfg.Thermostats {
		tracker := &thermal.Tracker{}
		if est, ok := state.ThermalEstimates[t.ID]; ok {
			tracker.WhPerDegree = est.WhPerDegree
			tracker.SampleCount = est.SampleCount
		}
		e.trackers[t.ID] = tracker
		e.actuators[t.ID] = e.newActuator(t.ID, t.SwitchTopic, t.MinCycleMinutes)
	}
	for _, d := range cfg.SwitchDevices {
		e.actuators[d.ID] = e.newActuator(d.ID, d.SwitchTopic, d.MinCycleMinutes)
	}

	return e, nil
}

func (e *Engine) newActuator(deviceID, switchTopic string, minCycleMin int) *actuator.Device {
	dev := &actuator.Device{
		ID:       deviceID,
		MinCycle: time.Duration(minCycleMin) * time.Minute,
		Switch: func(on bool) error {
			return e.sensors.PublishSwitch(switchTopic, on)
		},
	}
	if changed, ok := e.state.LastSwitchChange[deviceID]; ok {
		dev.LastChanged = changed
	}
	return dev
}

// Results returns the per-device outcome of the most recent pass.
func (e *Engine) Results() (map[string]model.ScheduleResult, time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]model.ScheduleResult, len(e.lastResults))
	for id, r := range e.lastResults {
		out[id] = r
	}
	return out, e.lastPassAt, e.lastPassOK
}

// Rankings returns the manual-device window rankings from the most recent
// pass.
func (e *Engine) Rankings() []model.ManualDeviceRanking {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]model.ManualDeviceRanking, len(e.lastRankings))
	copy(out, e.lastRankings)
	return out
}

// ObserveSwitchChange reconciles an externally reported switch state. A
// thermostat that someone turned on at the wall starts a thermal session so
// learning still works.
func (e *Engine) ObserveSwitchChange(deviceID string, reportedOn bool, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	dev, ok := e.actuators[deviceID]
	if !ok || dev.IsOn == reportedOn {
		return
	}
	dev.ObserveState(reportedOn, now)

	if err := e.history.RecordSwitchEvent(deviceID, reportedOn, now); err != nil {
		log.Warn().Err(err).Str("device", deviceID).Msg("Failed to record external switch event")
	}

	if tracker, isThermostat := e.trackers[deviceID]; isThermostat {
		e.handleThermostatTransition(deviceID, tracker, reportedOn, now)
	}
	e.persistState()
}

func (e *Engine) persistState() {
	for id, tracker := range e.trackers {
		e.state.ThermalEstimates[id] = model.ThermalEstimate{
			WhPerDegree: tracker.WhPerDegree,
			SampleCount: tracker.SampleCount,
		}
	}
	for id, dev := range e.actuators {
		if !dev.LastChanged.IsZero() {
			e.state.LastSwitchChange[id] = dev.LastChanged
		}
	}
	if err := e.store.Save(e.state); err != nil {
		log.Error().Err(err).Msg("Failed to persist controller state")
	}
}
