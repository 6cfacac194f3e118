// Package inverter translates a day's planned battery actions into inverter
// programming: hourly control settings and time-of-use segments.
package inverter

import (
	"context"
	"fmt"
)

// Segment is one inverter programming interval within a day. Times are
// "HH:MM" in the inverter's local time.
type Segment struct {
	ID           int    `json:"id"`
	StartTime    string `json:"startTime"`
	EndTime      string `json:"endTime"`
	BatteryFirst bool   `json:"batteryFirst"`
	Enabled      bool   `json:"enabled"`
	GridCharge   bool   `json:"gridCharge"`
	// DischargeRate is the allowed discharge power in percent, 0 to 100.
	DischargeRate int `json:"dischargeRate"`
}

// maxTOUSegments is the number of time-of-use slots the inverter exposes.
const maxTOUSegments = 8

// Adapter programs a physical inverter. Implementations must be safe to
// call repeatedly with the same values.
type Adapter interface {
	SetGridCharge(ctx context.Context, on bool) error
	SetDischargeRate(ctx context.Context, percent int) error
	ApplyTOU(ctx context.Context, segments []Segment) error
}

// AdapterFailure wraps an error from the inverter so callers can tell
// hardware write failures apart from planning errors.
type AdapterFailure struct {
	Op  string
	Err error
}

func (f *AdapterFailure) Error() string {
	return fmt.Sprintf("inverter %s failed: %v", f.Op, f.Err)
}

func (f *AdapterFailure) Unwrap() error {
	return f.Err
}

// HourlySettings returns the control values for one hour of the plan: grid
// charging is enabled only while charging, and discharging is allowed only
// while discharging.
func HourlySettings(actionKWH float64) (gridCharge bool, dischargeRate int) {
	if actionKWH > 0 {
		return true, 0
	}
	if actionKWH < 0 {
		return false, 100
	}
	return false, 0
}

type hourState int

const (
	stateIdle hourState = iota
	stateCharging
	stateDischarging
)

func stateOf(actionKWH float64) hourState {
	switch {
	case actionKWH > 0:
		return stateCharging
	case actionKWH < 0:
		return stateDischarging
	default:
		return stateIdle
	}
}

// BuildSegments consolidates the day's hourly actions into programming
// intervals. Consecutive hours with the same behavior share one interval.
// A charging interval that follows a non-charging one is preceded by a
// fifteen-minute load-first wake-up slot so the inverter is awake when
// charging starts, and the day always ends with a load-first slot from
// 23:45 so midnight never lands inside a battery-first interval.
func BuildSegments(actions [24]float64) []Segment {
	type interval struct {
		start, end int
		state      hourState
	}
	intervals := []interval{{0, 0, stateOf(actions[0])}}
	for h := 1; h < 24; h++ {
		s := stateOf(actions[h])
		last := &intervals[len(intervals)-1]
		if s == last.state {
			last.end = h
			continue
		}
		intervals = append(intervals, interval{h, h, s})
	}

	var segments []Segment
	for i, iv := range intervals {
		last := i == len(intervals)-1
		wake := !last && intervals[i+1].state == stateCharging && iv.state != stateCharging

		end := fmt.Sprintf("%02d:59", iv.end)
		if wake || last {
			end = fmt.Sprintf("%02d:44", iv.end)
		}

		gridCharge, dischargeRate := false, 0
		switch iv.state {
		case stateCharging:
			gridCharge = true
		case stateDischarging:
			dischargeRate = 100
		}
		segments = append(segments, Segment{
			StartTime:     fmt.Sprintf("%02d:00", iv.start),
			EndTime:       end,
			BatteryFirst:  iv.state == stateCharging,
			Enabled:       true,
			GridCharge:    gridCharge,
			DischargeRate: dischargeRate,
		})
		if wake {
			segments = append(segments, Segment{
				StartTime: fmt.Sprintf("%02d:45", iv.end),
				EndTime:   fmt.Sprintf("%02d:59", iv.end),
				Enabled:   true,
			})
		}
	}

	segments = append(segments, Segment{
		StartTime: "23:45",
		EndTime:   "23:59",
		Enabled:   true,
	})
	return segments
}

// TOUSegments extracts the battery-first intervals as the inverter's
// time-of-use program, numbered from one and capped at the slot count.
func TOUSegments(segments []Segment) []Segment {
	var tou []Segment
	for _, seg := range segments {
		if !seg.BatteryFirst {
			continue
		}
		seg.ID = len(tou) + 1
		tou = append(tou, seg)
		if len(tou) == maxTOUSegments {
			break
		}
	}
	return tou
}
