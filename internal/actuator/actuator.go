// Package actuator turns scheduling decisions into switch commands while
// enforcing a minimum cycle time per device. Rapid on/off toggling wears
// relays and compressors; a device that changed state recently holds its
// state until the cycle window passes.
package actuator

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zeushome/zeus-controller/internal/metrics"
)

// SwitchFunc publishes the actual command, typically Bus.PublishSwitch
// bound to the device's command topic.
type SwitchFunc func(on bool) error

type Device struct {
	ID          string
	IsOn        bool
	LastChanged time.Time
	MinCycle    time.Duration
	Switch      SwitchFunc
}

func (d *Device) CanTurnOn(now time.Time) bool {
	return !d.IsOn && now.Sub(d.LastChanged) >= d.MinCycle
}

func (d *Device) CanTurnOff(now time.Time) bool {
	return d.IsOn && now.Sub(d.LastChanged) >= d.MinCycle
}

// Apply drives the device toward the desired state. It returns true when a
// command was issued. A failed publish does not advance LastChanged, so the
// next pass retries.
func (d *Device) Apply(desiredOn bool, now time.Time) bool {
	if desiredOn == d.IsOn {
		return false
	}
	if desiredOn && !d.CanTurnOn(now) {
		log.Debug().Str("device", d.ID).Msg("Holding OFF, min cycle time not elapsed")
		return false
	}
	if !desiredOn && !d.CanTurnOff(now) {
		log.Debug().Str("device", d.ID).Msg("Holding ON, min cycle time not elapsed")
		return false
	}

	if err := d.Switch(desiredOn); err != nil {
		log.Error().Err(err).Str("device", d.ID).Bool("on", desiredOn).Msg("Failed to send switch command")
		return false
	}

	d.IsOn = desiredOn
	d.LastChanged = now
	if desiredOn {
		log.Info().Str("device", d.ID).Msg("Turned ON")
	} else {
		log.Info().Str("device", d.ID).Msg("Turned OFF")
	}
	metrics.Incr("actuator.switch", "device:"+d.ID)
	return true
}

// ObserveState reconciles the actuator's view with an externally reported
// switch state, e.g. someone toggling the device at the wall.
func (d *Device) ObserveState(reportedOn bool, now time.Time) {
	if reportedOn == d.IsOn {
		return
	}
	log.Info().Str("device", d.ID).Bool("on", reportedOn).Msg("Switch state changed externally")
	d.IsOn = reportedOn
	d.LastChanged = now
}
