package scheduler

import (
	"math"
	"sort"
	"time"

	"github.com/zeushome/zeus-controller/internal/model"
)

// manualHorizonHour bounds manual device recommendations to a rolling
// overnight horizon: slots up to the next 06:00 local time.
const manualHorizonHour = 6

// ComputeManualDeviceRanking ranks every feasible run window for a manual
// device by total cost and solar coverage. Read-only exploration: the pool
// is never depleted here, only a confirmed reservation deducts.
//
// Without delay offsets, every contiguous block of ceil(cycle/15) eligible
// slots is a candidate; a single gap disqualifies any window spanning it.
// With delay offsets, only windows starting at now+offset (snapped to the
// slot boundary) are considered, at most one per offset, skipping offsets
// whose window outruns the available price horizon.
func ComputeManualDeviceRanking(
	request *model.ManualDeviceScheduleRequest,
	pool *SlotPool,
	now time.Time,
) model.ManualDeviceRanking {
	slotsNeeded := int(math.Ceil(request.CycleDurationMin / model.SlotDurationMinutes))
	if slotsNeeded <= 0 {
		return model.ManualDeviceRanking{DeviceID: request.ID}
	}

	cutoff := manualHorizonCutoff(now)

	var eligible []*SlotInfo
	for _, s := range pool.Sorted() {
		if s.StartTime.Add(model.SlotDuration).After(now) && s.StartTime.Before(cutoff) {
			eligible = append(eligible, s)
		}
	}
	if len(eligible) == 0 {
		return model.ManualDeviceRanking{DeviceID: request.ID}
	}

	var windows []model.ManualDeviceWindow
	if len(request.DelayOffsetsH) > 0 {
		windows = rankDelayOffsetWindows(request, pool, eligible, slotsNeeded, now)
	} else {
		windows = rankContiguousWindows(request, eligible, slotsNeeded)
	}

	// Cheapest first; equal costs prefer the sunnier window. Stable so that
	// fully tied windows keep chronological (or offset) order.
	sort.SliceStable(windows, func(i, j int) bool {
		if windows[i].TotalCost != windows[j].TotalCost {
			return windows[i].TotalCost < windows[j].TotalCost
		}
		return windows[i].SolarFraction > windows[j].SolarFraction
	})

	ranking := model.ManualDeviceRanking{DeviceID: request.ID, Windows: windows}
	if len(windows) > 0 {
		ranking.RecommendedStart = windows[0].StartTime
		ranking.RecommendedEnd = windows[0].EndTime
		ranking.HasRecommended = true
	}
	return ranking
}

// manualHorizonCutoff is today's 06:00 if now is before it, else tomorrow's.
func manualHorizonCutoff(now time.Time) time.Time {
	today := time.Date(now.Year(), now.Month(), now.Day(), manualHorizonHour, 0, 0, 0, now.Location())
	if now.Before(today) {
		return today
	}
	return today.AddDate(0, 0, 1)
}

func rankContiguousWindows(
	request *model.ManualDeviceScheduleRequest,
	eligible []*SlotInfo,
	slotsNeeded int,
) []model.ManualDeviceWindow {
	var windows []model.ManualDeviceWindow

	for i := 0; i+slotsNeeded <= len(eligible); i++ {
		candidate := eligible[i : i+slotsNeeded]
		if !isContiguous(candidate) {
			continue
		}

		totalCost, solarFraction := scoreWindow(candidate, request.PeakWatts, request.AvgWatts)
		windows = append(windows, model.ManualDeviceWindow{
			StartTime:     candidate[0].StartTime,
			EndTime:       candidate[len(candidate)-1].StartTime.Add(model.SlotDuration),
			TotalCost:     totalCost,
			SolarFraction: solarFraction,
		})
	}

	return windows
}

func rankDelayOffsetWindows(
	request *model.ManualDeviceScheduleRequest,
	pool *SlotPool,
	eligible []*SlotInfo,
	slotsNeeded int,
	now time.Time,
) []model.ManualDeviceWindow {
	var windows []model.ManualDeviceWindow

	lastEligible := eligible[len(eligible)-1].StartTime

	offsets := append([]float64(nil), request.DelayOffsetsH...)
	sort.Float64s(offsets)

	for _, delayH := range offsets {
		target := now.Add(time.Duration(delayH * float64(time.Hour)))
		snapped := model.CurrentSlotStart(target)

		candidate := make([]*SlotInfo, 0, slotsNeeded)
		valid := true
		for k := 0; k < slotsNeeded; k++ {
			st := snapped.Add(time.Duration(k) * model.SlotDuration)
			if st.After(lastEligible) {
				valid = false // not enough price data for this delay
				break
			}
			slot := pool.Slot(st)
			if slot == nil {
				valid = false
				break
			}
			candidate = append(candidate, slot)
		}
		if !valid {
			continue
		}

		totalCost, solarFraction := scoreWindow(candidate, request.PeakWatts, request.AvgWatts)
		windows = append(windows, model.ManualDeviceWindow{
			StartTime:     snapped,
			EndTime:       candidate[len(candidate)-1].StartTime.Add(model.SlotDuration),
			TotalCost:     totalCost,
			SolarFraction: solarFraction,
			DelayHours:    delayH,
			HasDelay:      true,
		})
	}

	return windows
}

// isContiguous reports whether consecutive slot starts are exactly one slot
// apart. A gap disqualifies the window entirely; it is never split.
func isContiguous(slots []*SlotInfo) bool {
	for j := 1; j < len(slots); j++ {
		if slots[j].StartTime.Sub(slots[j-1].StartTime) != model.SlotDuration {
			return false
		}
	}
	return true
}

// scoreWindow totals the marginal cost over the window and the fraction of
// slots whose remaining solar covers the device's peak. The coverage test
// always uses peak; only the cost weighting may use the lower average draw.
func scoreWindow(slots []*SlotInfo, peakWatts, avgWatts float64) (float64, float64) {
	costWatts := peakWatts
	if avgWatts > 0 {
		costWatts = avgWatts
	}

	totalCost := 0.0
	solarCount := 0
	for _, slot := range slots {
		totalCost += CostForDeviceInSlot(slot, costWatts)
		if slot.RemainingSolarW >= peakWatts {
			solarCount++
		}
	}

	fraction := 0.0
	if len(slots) > 0 {
		fraction = float64(solarCount) / float64(len(slots))
	}
	return totalCost, fraction
}
