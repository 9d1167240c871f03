package model

import (
	"math"
	"time"
)

// SlotDuration is the fixed scheduling granularity. All price slots and
// schedule assignments are aligned to quarter-hour boundaries.
const SlotDuration = 15 * time.Minute

const SlotDurationMinutes = 15

// PriceSlot is a single quarter-hourly energy price window as delivered by
// the price provider. Immutable once observed.
type PriceSlot struct {
	StartTime   time.Time `json:"start_time"`
	Price       float64   `json:"price"`        // total (energy + tax), what consumption costs
	ExportPrice float64   `json:"export_price"` // energy-only spot price, what export earns
}

// Decision is the structured outcome of a scheduling decision. The Reason
// string on ScheduleResult remains the human-readable trace; Decision is
// what tests and downstream consumers branch on.
type Decision string

const (
	DecisionForcedOn        Decision = "forced_on"
	DecisionForcedOff       Decision = "forced_off"
	DecisionSolarCovered    Decision = "solar_covered"
	DecisionPriceOptimal    Decision = "price_optimal"
	DecisionCoasting        Decision = "coasting"
	DecisionRuntimeMet      Decision = "runtime_met"
	DecisionThermalHeadroom Decision = "thermal_headroom"
	DecisionNoData          Decision = "no_data"
)

// DeviceScheduleRequest describes a switch device that must accumulate a
// daily runtime quota before its deadline.
type DeviceScheduleRequest struct {
	ID               string
	Name             string
	PeakWatts        float64
	DailyRuntimeMin  float64
	RuntimeTodayMin  float64
	Deadline         ClockTime // time of day, local
	Priority         int       // lower = higher priority
	MinCycleMinutes  float64
	UseActualPower   bool
	IsOn             bool
	ActualWatts      float64
	ActualWattsKnown bool
}

// EffectiveWatts is the draw used for solar accounting. When UseActualPower
// is set and the device is ON with a live reading, the actual draw is used
// (a boiler whose water is already hot draws near zero while "on"). The
// default of peak prevents other devices from reacting to temporary power
// dips in variable-load devices like washing machines.
func (d *DeviceScheduleRequest) EffectiveWatts() float64 {
	if d.UseActualPower && d.IsOn && d.ActualWattsKnown && d.ActualWatts >= 0 {
		return d.ActualWatts
	}
	return d.PeakWatts
}

// RemainingRuntimeMin is how many minutes of runtime are still needed today.
func (d *DeviceScheduleRequest) RemainingRuntimeMin() float64 {
	return math.Max(0, d.DailyRuntimeMin-d.RuntimeTodayMin)
}

// RemainingSlotsNeeded is the number of 15-minute slots needed to meet the
// remaining runtime.
func (d *DeviceScheduleRequest) RemainingSlotsNeeded() int {
	return int(math.Ceil(d.RemainingRuntimeMin() / SlotDurationMinutes))
}

// HVACMode mirrors the thermostat's operating mode.
type HVACMode string

const (
	HVACHeat HVACMode = "heat"
	HVACOff  HVACMode = "off"
)

// ThermostatScheduleRequest describes a heating device with a live
// temperature reading and a comfort band.
type ThermostatScheduleRequest struct {
	ID              string
	Name            string
	PeakWatts       float64
	LowerBound      float64 // force on at or below
	UpperBound      float64 // force off at or above
	Priority        int
	MinCycleMinutes float64
	HVACMode        HVACMode

	// Learned data, absent until the thermal model has samples.
	LearnedAvgWatts      float64
	LearnedAvgWattsKnown bool
	WhPerDegree          float64
	WhPerDegreeKnown     bool

	// Live state.
	CurrentTemp      float64
	CurrentTempKnown bool
	IsOn             bool
	ActualWatts      float64
	ActualWattsKnown bool
}

// EffectiveWatts is the best estimate of heating power draw, preferring the
// learned average over the configured peak.
func (t *ThermostatScheduleRequest) EffectiveWatts() float64 {
	if t.LearnedAvgWattsKnown {
		return t.LearnedAvgWatts
	}
	return t.PeakWatts
}

// Urgency is how urgently heating is needed: 1.0 at the lower bound, 0.0 at
// the upper bound, 0.5 when no temperature reading is available.
func (t *ThermostatScheduleRequest) Urgency() float64 {
	if !t.CurrentTempKnown {
		return 0.5
	}
	span := t.UpperBound - t.LowerBound
	if span <= 0 {
		return 0.5
	}
	u := (t.UpperBound - t.CurrentTemp) / span
	return math.Max(0, math.Min(1, u))
}

// ManualDeviceScheduleRequest describes a device without remote on/off
// control, for which the system only recommends or reserves a run window.
type ManualDeviceScheduleRequest struct {
	ID               string
	Name             string
	PeakWatts        float64
	AvgWatts         float64 // 0 = unknown; used only for cost weighting, never coverage
	CycleDurationMin float64
	Priority         int
	DelayOffsetsH    []float64 // sorted; nil when the device has no delay-start options
}

// ScheduleResult is the per-device output of a scheduling pass.
type ScheduleResult struct {
	DeviceID            string      `json:"device_id"`
	ShouldRun           bool        `json:"should_run"`
	Decision            Decision    `json:"decision"`
	RemainingRuntimeMin float64     `json:"remaining_runtime_min"`
	AssignedSlots       []time.Time `json:"assigned_slots,omitempty"`
	Reason              string      `json:"reason"`
}

// ManualDeviceWindow is one candidate run window for a manual device.
type ManualDeviceWindow struct {
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	TotalCost     float64   `json:"total_cost"`
	SolarFraction float64   `json:"solar_fraction"`
	DelayHours    float64   `json:"delay_hours,omitempty"` // set when delay offsets drove the window
	HasDelay      bool      `json:"has_delay,omitempty"`
}

// ManualDeviceRanking is the full ranked window list for a manual device,
// cheapest first, plus the top recommendation.
type ManualDeviceRanking struct {
	DeviceID         string               `json:"device_id"`
	Windows          []ManualDeviceWindow `json:"windows"`
	RecommendedStart time.Time            `json:"recommended_start,omitempty"`
	RecommendedEnd   time.Time            `json:"recommended_end,omitempty"`
	HasRecommended   bool                 `json:"has_recommended"`
}

// Reservation is a confirmed manual-device run window.
type Reservation struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ThermalEstimate is the persisted portion of a thermostat's learned
// heating model.
type ThermalEstimate struct {
	WhPerDegree float64 `json:"wh_per_degree"`
	SampleCount int     `json:"sample_count"`
}

// ControllerState is everything the controller persists across restarts.
type ControllerState struct {
	ThermalEstimates map[string]ThermalEstimate `json:"thermal_estimates"`
	Reservations     map[string]Reservation     `json:"reservations"`
	LastSwitchChange map[string]time.Time       `json:"last_switch_change"`
}

func NewControllerState() *ControllerState {
	return &ControllerState{
		ThermalEstimates: make(map[string]ThermalEstimate),
		Reservations:     make(map[string]Reservation),
		LastSwitchChange: make(map[string]time.Time),
	}
}

// ClockTime is a wall-clock time of day, used for device deadlines.
type ClockTime struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
	Second int `json:"second"`
}

// On anchors the clock time onto the date of ref, in ref's location.
func (c ClockTime) On(ref time.Time) time.Time {
	return time.Date(ref.Year(), ref.Month(), ref.Day(), c.Hour, c.Minute, c.Second, 0, ref.Location())
}

// CurrentSlotStart returns the start of the 15-minute slot containing now.
func CurrentSlotStart(now time.Time) time.Time {
	minute := (now.Minute() / SlotDurationMinutes) * SlotDurationMinutes
	return time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), minute, 0, 0, now.Location())
}

// HourStart returns the start of t's wall-clock hour. Built from calendar
// fields rather than Truncate so timezones with non-whole-hour offsets
// bucket correctly.
func HourStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
}
