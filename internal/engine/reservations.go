package engine

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zeushome/zeus-controller/internal/config"
	"github.com/zeushome/zeus-controller/internal/model"
)

// Reserve commits a manual device to a run window starting at start. The
// window's solar budget is earmarked on every subsequent pass until the
// window ends. One reservation per device; reserving again replaces it.
func (e *Engine) Reserve(deviceID string, start time.Time, now time.Time) (model.Reservation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	device, ok := e.manualDeviceConfig(deviceID)
	if !ok {
		return model.Reservation{}, fmt.Errorf("unknown manual device %q", deviceID)
	}

	end := start.Add(time.Duration(device.DurationMin) * time.Minute)
	if end.Before(now) {
		return model.Reservation{}, fmt.Errorf("reservation window ends in the past")
	}
	maxStart := now.Add(time.Duration(e.cfg.ReservationMaxHours) * time.Hour)
	if start.After(maxStart) {
		return model.Reservation{}, fmt.Errorf("reservation start exceeds the %dh horizon", e.cfg.ReservationMaxHours)
	}

	res := model.Reservation{Start: start, End: end}
	e.state.Reservations[deviceID] = res
	e.persistState()

	log.Info().
		Str("device", deviceID).
		Time("start", start).
		Time("end", end).
		Msg("Reservation created")
	return res, nil
}

// ReserveRecommended reserves the top-ranked window from the most recent
// pass. When no recommendation exists for the device (no pass yet, or no
// viable window) nothing is reserved.
func (e *Engine) ReserveRecommended(deviceID string, now time.Time) (model.Reservation, error) {
	e.mu.Lock()
	if _, ok := e.manualDeviceConfig(deviceID); !ok {
		e.mu.Unlock()
		return model.Reservation{}, fmt.Errorf("unknown manual device %q", deviceID)
	}
	var start time.Time
	found := false
	for _, ranking := range e.lastRankings {
		if ranking.DeviceID == deviceID && ranking.HasRecommended {
			start = ranking.RecommendedStart
			found = true
			break
		}
	}
	e.mu.Unlock()

	if !found {
		log.Info().Str("device", deviceID).Msg("No recommended window to reserve")
		return model.Reservation{}, fmt.Errorf("no recommended window for device %q", deviceID)
	}
	return e.Reserve(deviceID, start, now)
}

// CancelReservation removes a device's reservation. Cancelling when none
// exists is not an error.
func (e *Engine) CancelReservation(deviceID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.manualDeviceConfig(deviceID); !ok {
		return fmt.Errorf("unknown manual device %q", deviceID)
	}
	if _, exists := e.state.Reservations[deviceID]; exists {
		delete(e.state.Reservations, deviceID)
		e.persistState()
		log.Info().Str("device", deviceID).Msg("Reservation cancelled")
	}
	return nil
}

// Reservations returns a copy of the active reservations.
func (e *Engine) Reservations() map[string]model.Reservation {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]model.Reservation, len(e.state.Reservations))
	for id, res := range e.state.Reservations {
		out[id] = res
	}
	return out
}

// expireReservations drops reservations whose window has fully passed.
// Caller holds e.mu. Returns true when any were removed.
func (e *Engine) expireReservations(now time.Time) bool {
	removed := false
	for deviceID, res := range e.state.Reservations {
		if res.End.Before(now) {
			delete(e.state.Reservations, deviceID)
			removed = true
			log.Debug().Str("device", deviceID).Time("end", res.End).Msg("Reservation expired")
		}
	}
	return removed
}

func (e *Engine) manualDeviceConfig(deviceID string) (config.ManualDevice, bool) {
	for _, m := range e.cfg.ManualDevices {
		if m.ID == deviceID {
			return m, true
		}
	}
	return config.ManualDevice{}, false
}
