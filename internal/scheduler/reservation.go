package scheduler

import (
	"time"

	"github.com/zeushome/zeus-controller/internal/model"
)

// ApplyReservations deducts each reserved manual device's peak wattage from
// the remaining solar of every slot fully contained in its reservation
// window. Must run before the runtime-quota scheduler so smart devices see
// the true remaining pool.
//
// Not idempotent: applying the same reservation twice against one pool
// over-deducts. Callers apply each active reservation exactly once per
// freshly built pool.
func ApplyReservations(
	pool *SlotPool,
	reservations map[string]model.Reservation,
	requests []*model.ManualDeviceScheduleRequest,
) {
	byID := make(map[string]*model.ManualDeviceScheduleRequest, len(requests))
	for _, r := range requests {
		byID[r.ID] = r
	}

	for deviceID, res := range reservations {
		request, ok := byID[deviceID]
		if !ok {
			continue
		}
		for _, slot := range pool.Sorted() {
			slotEnd := slot.StartTime.Add(model.SlotDuration)
			if !slot.StartTime.Before(res.Start) && !slotEnd.After(res.End) {
				slot.ConsumeSolar(request.PeakWatts)
			}
		}
	}
}

// ReservationActive reports whether the reservation covers the slot
// containing now.
func ReservationActive(res model.Reservation, now time.Time) bool {
	return !now.Before(res.Start) && now.Before(res.End)
}
