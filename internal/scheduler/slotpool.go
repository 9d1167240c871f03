package scheduler

import (
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zeushome/zeus-controller/internal/model"
)

// SlotInfo is the mutable per-slot working record for one scheduling pass.
// RemainingSolarW starts equal to SolarSurplusW and is decremented as
// consumers claim solar, so multiple devices sharing a slot correctly split
// the available surplus.
type SlotInfo struct {
	StartTime        time.Time
	Price            float64
	ExportPrice      float64
	SolarProductionW float64
	SolarSurplusW    float64
	RemainingSolarW  float64
}

// SlotPool is the shared, depletable slot collection for a single pass. It
// is owned by the pass that created it and must not be retained afterwards.
type SlotPool struct {
	byStart map[int64]*SlotInfo // keyed by unix seconds of slot start
}

// Slot returns the record for the slot starting at t, or nil.
func (p *SlotPool) Slot(t time.Time) *SlotInfo {
	return p.byStart[t.Unix()]
}

// Len returns the number of slots in the pool.
func (p *SlotPool) Len() int {
	return len(p.byStart)
}

// Sorted returns all slots in chronological order.
func (p *SlotPool) Sorted() []*SlotInfo {
	out := make([]*SlotInfo, 0, len(p.byStart))
	for _, s := range p.byStart {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// After returns all slots strictly after t, chronologically.
func (p *SlotPool) After(t time.Time) []*SlotInfo {
	out := make([]*SlotInfo, 0, len(p.byStart))
	for _, s := range p.byStart {
		if s.StartTime.After(t) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// ConsumeSolar deducts watts from the slot's remaining surplus, floored at
// zero. Remaining solar is monotonically non-increasing within a pass.
func (s *SlotInfo) ConsumeSolar(watts float64) {
	s.RemainingSolarW -= watts
	if s.RemainingSolarW < 0 {
		s.RemainingSolarW = 0
	}
}

// BuildSlotPool precomputes slot info for every price slot whose end is
// after now. The hourly forecast maps hour-start timestamps to expected
// average watts for that hour; a missing or empty forecast degrades to zero
// surplus everywhere. Deterministic with no side effects beyond the
// returned pool.
func BuildSlotPool(
	priceSlots []model.PriceSlot,
	hourlyForecast map[time.Time]float64,
	homeConsumptionW float64,
	now time.Time,
	liveSolarSurplusW float64,
	liveSolarKnown bool,
) *SlotPool {
	// Pre-index the forecast by wall-clock hour start for O(1) lookups.
	byHour := make(map[int64]float64, len(hourlyForecast))
	for hourStart, watts := range hourlyForecast {
		byHour[model.HourStart(hourStart).Unix()] = watts
	}

	pool := &SlotPool{byStart: make(map[int64]*SlotInfo, len(priceSlots))}
	for _, slot := range priceSlots {
		if !slot.StartTime.Add(model.SlotDuration).After(now) {
			continue
		}

		productionW := byHour[model.HourStart(slot.StartTime).Unix()]
		surplusW := productionW - homeConsumptionW
		if surplusW < 0 {
			surplusW = 0
		}

		pool.byStart[slot.StartTime.Unix()] = &SlotInfo{
			StartTime:        slot.StartTime,
			Price:            slot.Price,
			ExportPrice:      slot.ExportPrice,
			SolarProductionW: productionW,
			SolarSurplusW:    surplusW,
			RemainingSolarW:  surplusW,
		}
	}

	if liveSolarKnown {
		applyLiveSolarOverride(pool, liveSolarSurplusW, now)
	}

	return pool
}

// applyLiveSolarOverride upgrades the current slot's surplus to the live
// reading when it exceeds the forecast, and scales future slots by the same
// ratio to correct systematic under-prediction. A live reading lower than
// forecast never downgrades it: forecasts are hourly averages and the live
// value is a single sample.
func applyLiveSolarOverride(pool *SlotPool, liveSurplusW float64, now time.Time) {
	currentStart := model.CurrentSlotStart(now)
	current := pool.Slot(currentStart)
	if current == nil {
		return
	}
	if liveSurplusW <= current.SolarSurplusW {
		return
	}

	log.Debug().
		Float64("live_w", liveSurplusW).
		Float64("forecast_w", current.SolarSurplusW).
		Time("slot", currentStart).
		Msg("Live solar surplus exceeds forecast")

	if current.SolarSurplusW > 0 {
		bias := liveSurplusW / current.SolarSurplusW
		if bias > 1.0 {
			for _, s := range pool.byStart {
				if s.StartTime.After(currentStart) && s.SolarSurplusW > 0 {
					adjusted := s.SolarSurplusW * bias
					s.SolarSurplusW = adjusted
					s.RemainingSolarW = adjusted
				}
			}
		}
	}

	current.SolarSurplusW = liveSurplusW
	current.RemainingSolarW = liveSurplusW
}
