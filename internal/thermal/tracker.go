// Package thermal learns how much energy a heating zone needs per degree of
// temperature rise, and blends learned power draw with configured peak.
//
// The tracker maintains an exponential moving average of Wh/°C across
// completed heating sessions. A session starts when the heater turns on and
// ends when it turns off; sessions shorter than five minutes, with less than
// 0.2°C of temperature change, or with non-positive average power are
// discarded as noise.
package thermal

import (
	"time"

	"github.com/rs/zerolog/log"
)

const (
	emaAlpha          = 0.3
	minSessionMinutes = 5.0
	minDeltaTemp      = 0.2

	blendFullConfidenceSamples = 10
	blendLowerClampFactor      = 0.1
	blendUpperClampFactor      = 1.2
)

// Tracker holds the learned energy-per-degree estimate for one thermostat.
// WhPerDegree is valid only when SampleCount > 0. The in-progress session
// fields are transient and not persisted.
type Tracker struct {
	WhPerDegree float64 `json:"wh_per_degree"`
	SampleCount int     `json:"sample_count"`

	sessionStartTemp float64
	sessionStartTime time.Time
	sessionActive    bool
}

// OnHeaterStarted records the start of a heating session.
func (t *Tracker) OnHeaterStarted(currentTemp float64, now time.Time) {
	t.sessionStartTemp = currentTemp
	t.sessionStartTime = now
	t.sessionActive = true
}

// OnHeaterStopped closes the current session and folds it into the EMA.
// Returns true when the estimate was updated, so the caller knows to
// persist the tracker.
func (t *Tracker) OnHeaterStopped(currentTemp, avgPowerW float64, now time.Time) bool {
	if !t.sessionActive {
		return false
	}

	durationMin := now.Sub(t.sessionStartTime).Minutes()
	deltaTemp := currentTemp - t.sessionStartTemp
	t.sessionActive = false

	if durationMin < minSessionMinutes {
		log.Debug().Float64("minutes", durationMin).Msg("Discarding heating session: too short")
		return false
	}
	if deltaTemp < minDeltaTemp {
		log.Debug().Float64("delta_temp", deltaTemp).Msg("Discarding heating session: insufficient temp change")
		return false
	}
	if avgPowerW <= 0 {
		log.Debug().Msg("Discarding heating session: zero or negative power")
		return false
	}

	energyWh := avgPowerW * durationMin / 60.0
	sample := energyWh / deltaTemp

	if t.SampleCount == 0 {
		t.WhPerDegree = sample
	} else {
		t.WhPerDegree = emaAlpha*sample + (1-emaAlpha)*t.WhPerDegree
	}
	t.SampleCount++

	log.Debug().
		Float64("energy_wh", energyWh).
		Float64("delta_temp", deltaTemp).
		Float64("sample_wh_per_degree", sample).
		Float64("ema_wh_per_degree", t.WhPerDegree).
		Int("samples", t.SampleCount).
		Msg("Thermal session recorded")

	return true
}

// HasSession reports whether a heating session is currently in progress.
func (t *Tracker) HasSession() bool {
	return t.sessionActive
}

// HasEstimate reports whether the tracker has a usable Wh/°C value.
func (t *Tracker) HasEstimate() bool {
	return t.SampleCount > 0
}

// BlendWithPeak blends a learned power value with the configured peak.
// Confidence grows linearly with sample count, reaching full confidence at
// ten samples. The result is clamped to [0.1, 1.2] times peak to guard
// against extreme outliers. Returns peak when no learned value exists.
func BlendWithPeak(learned float64, learnedKnown bool, peak float64, sampleCount int) float64 {
	if !learnedKnown || peak <= 0 {
		return peak
	}

	weight := float64(sampleCount) / blendFullConfidenceSamples
	if weight > 1 {
		weight = 1
	}
	blended := weight*learned + (1-weight)*peak

	lower := peak * blendLowerClampFactor
	upper := peak * blendUpperClampFactor
	if blended < lower {
		return lower
	}
	if blended > upper {
		return upper
	}
	return blended
}
