package db

import (
	"database/sql"
	"fmt"
	"time"
)

// History stores and queries device runtime history: switch on/off
// transitions and periodic power samples. The scheduling engine uses it for
// "runtime consumed today" and for the learned average power draw of
// thermostats.
type History struct {
	conn *sql.DB
}

const (
	learningWindowDays    = 7
	minOnHoursForLearning = 1.0
	timeLayout            = time.RFC3339
)

func NewHistory(conn *sql.DB) *History {
	return &History{conn: conn}
}

// RecordSwitchEvent stores a switch state transition.
func (h *History) RecordSwitchEvent(deviceID string, isOn bool, at time.Time) error {
	_, err := h.conn.Exec(
		`INSERT INTO switch_events (device_id, is_on, changed_at) VALUES (?, ?, ?)`,
		deviceID, isOn, at.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to record switch event for %s: %w", deviceID, err)
	}
	return nil
}

// RecordPowerSample stores a live power reading.
func (h *History) RecordPowerSample(deviceID string, watts float64, at time.Time) error {
	_, err := h.conn.Exec(
		`INSERT INTO power_samples (device_id, watts, sampled_at) VALUES (?, ?, ?)`,
		deviceID, watts, at.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to record power sample for %s: %w", deviceID, err)
	}
	return nil
}

// RuntimeTodayMinutes computes how many minutes the device has been ON since
// local midnight. Events before midnight carry the starting state into the
// window. Query errors degrade to zero, never to a failed pass.
func (h *History) RuntimeTodayMinutes(deviceID string, now time.Time) (float64, error) {
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	events, err := h.switchEvents(deviceID, dayStart, now)
	if err != nil {
		return 0, err
	}

	seconds := onSeconds(events, dayStart, now)
	return seconds / 60.0, nil
}

// LearnedAvgPowerW computes the time-weighted average power draw during
// on-intervals over the last seven days. Returns (0, false, nil) when fewer
// than one hour of covered on-time exists.
func (h *History) LearnedAvgPowerW(deviceID string, now time.Time) (float64, bool, error) {
	start := now.Add(-learningWindowDays * 24 * time.Hour)

	events, err := h.switchEvents(deviceID, start, now)
	if err != nil {
		return 0, false, err
	}
	intervals := onIntervals(events, start, now)
	if len(intervals) == 0 {
		return 0, false, nil
	}

	rows, err := h.conn.Query(
		`SELECT watts, sampled_at FROM power_samples WHERE device_id = ? AND sampled_at >= ? AND sampled_at <= ? ORDER BY sampled_at`,
		deviceID, start.UTC().Format(timeLayout), now.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, false, fmt.Errorf("failed to query power samples for %s: %w", deviceID, err)
	}
	defer rows.Close()

	sum := 0.0
	count := 0
	for rows.Next() {
		var watts float64
		var sampledStr string
		if err := rows.Scan(&watts, &sampledStr); err != nil {
			return 0, false, fmt.Errorf("failed to scan power sample: %w", err)
		}
		sampledAt, err := time.Parse(timeLayout, sampledStr)
		if err != nil {
			continue
		}
		if inAnyInterval(sampledAt, intervals) {
			sum += watts
			count++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, false, fmt.Errorf("failed to iterate power samples: %w", err)
	}

	var onHours float64
	for _, iv := range intervals {
		onHours += iv.end.Sub(iv.start).Hours()
	}
	if count == 0 || onHours < minOnHoursForLearning {
		return 0, false, nil
	}

	return sum / float64(count), true, nil
}

type switchEvent struct {
	isOn      bool
	changedAt time.Time
}

type interval struct {
	start time.Time
	end   time.Time
}

// switchEvents returns transitions in [start, end] plus the last event
// before start, so the window's initial state is known.
func (h *History) switchEvents(deviceID string, start, end time.Time) ([]switchEvent, error) {
	startStr := start.UTC().Format(timeLayout)
	endStr := end.UTC().Format(timeLayout)

	var events []switchEvent

	var priorOn sql.NullBool
	err := h.conn.QueryRow(
		`SELECT is_on FROM switch_events WHERE device_id = ? AND changed_at < ? ORDER BY changed_at DESC LIMIT 1`,
		deviceID, startStr,
	).Scan(&priorOn)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to query prior switch state for %s: %w", deviceID, err)
	}
	if err == nil && priorOn.Valid {
		events = append(events, switchEvent{isOn: priorOn.Bool, changedAt: start})
	}

	rows, err := h.conn.Query(
		`SELECT is_on, changed_at FROM switch_events WHERE device_id = ? AND changed_at >= ? AND changed_at <= ? ORDER BY changed_at`,
		deviceID, startStr, endStr,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query switch events for %s: %w", deviceID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var isOn bool
		var changedStr string
		if err := rows.Scan(&isOn, &changedStr); err != nil {
			return nil, fmt.Errorf("failed to scan switch event: %w", err)
		}
		changedAt, err := time.Parse(timeLayout, changedStr)
		if err != nil {
			continue
		}
		events = append(events, switchEvent{isOn: isOn, changedAt: changedAt})
	}
	return events, rows.Err()
}

// onSeconds totals the time spent ON between start and end.
func onSeconds(events []switchEvent, start, end time.Time) float64 {
	previousOn := false
	var lastChange time.Time
	elapsed := 0.0

	for _, ev := range events {
		if ev.changedAt.After(end) {
			break
		}
		if previousOn {
			elapsed += ev.changedAt.Sub(lastChange).Seconds()
		}
		previousOn = ev.isOn
		lastChange = ev.changedAt
		if lastChange.Before(start) {
			lastChange = start
		}
	}
	if previousOn {
		elapsed += end.Sub(lastChange).Seconds()
	}
	return elapsed
}

// onIntervals converts transitions into non-overlapping (on, off) intervals.
func onIntervals(events []switchEvent, start, end time.Time) []interval {
	var intervals []interval
	var onStart time.Time
	active := false

	for _, ev := range events {
		ts := ev.changedAt
		if ts.Before(start) {
			ts = start
		}
		if ev.isOn {
			if !active {
				onStart = ts
				active = true
			}
		} else if active {
			intervals = append(intervals, interval{start: onStart, end: ts})
			active = false
		}
	}
	if active {
		intervals = append(intervals, interval{start: onStart, end: end})
	}
	return intervals
}

func inAnyInterval(t time.Time, intervals []interval) bool {
	for _, iv := range intervals {
		if !t.Before(iv.start) && !t.After(iv.end) {
			return true
		}
	}
	return false
}
