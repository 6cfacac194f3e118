package schedule

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/johanzander/batterymanager/pkg/types"
)

// ErrPastHourImmutable is returned when a caller tries to overwrite a
// finalized actual record with different content. Actuals are append-once.
var ErrPastHourImmutable = errors.New("past hour record is immutable")

// recordEpsilon is the tolerance used when deciding whether a re-applied
// actual record is identical to the stored one.
const recordEpsilon = 1e-9

// Schedule is the append-then-freeze ledger for one calendar day: one record
// per hour, actuals frozen as each hour completes, future hours replaced
// wholesale on every reoptimization run. It is mutated only by the
// orchestrator; readers get immutable snapshots.
type Schedule struct {
	mu sync.RWMutex

	date    time.Time
	battery types.BatteryParams

	hours   [24]types.HourRecord
	present [24]bool

	soeKWH float64
	basis  types.CostBasis
}

// New creates an empty schedule for the calendar day containing date.
func New(date time.Time, battery types.BatteryParams) *Schedule {
	return &Schedule{
		date:    time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location()),
		battery: battery,
	}
}

// Date returns local midnight of the day this schedule covers.
func (s *Schedule) Date() time.Time {
	return s.date
}

// SetState records the reconciled battery state after the most recent
// actual hour. The optimizer is always seeded from this real state, never
// from a previous plan's projection.
func (s *Schedule) SetState(soeKWH float64, basis types.CostBasis) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.soeKWH = soeKWH
	s.basis = basis
}

// State returns the current reconciled state-of-energy and cost basis.
func (s *Schedule) State() (float64, types.CostBasis) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.soeKWH, s.basis
}

// RecordActual appends the actual record for a completed hour. Re-applying
// an identical record is a no-op; attempting to change an existing actual
// fails with ErrPastHourImmutable.
func (s *Schedule) RecordActual(rec types.HourRecord) error {
	if rec.Hour < 0 || rec.Hour > 23 {
		return fmt.Errorf("invalid hour: %d", rec.Hour)
	}
	if !rec.Actual {
		return fmt.Errorf("record for hour %d is not marked actual", rec.Hour)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.present[rec.Hour] && s.hours[rec.Hour].Actual {
		if recordsEqual(s.hours[rec.Hour], rec) {
			return nil
		}
		return fmt.Errorf("%w: hour %d already finalized", ErrPastHourImmutable, rec.Hour)
	}

	s.hours[rec.Hour] = rec
	s.present[rec.Hour] = true
	return nil
}

// ApplyPlan replaces the records for hours >= fromHour with the given plan.
// Hours that already hold an actual record are preserved unchanged.
func (s *Schedule) ApplyPlan(fromHour int, recs []types.HourRecord) error {
	if fromHour < 0 || fromHour > 23 {
		return fmt.Errorf("invalid hour: %d", fromHour)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range recs {
		if rec.Hour < fromHour || rec.Hour > 23 {
			return fmt.Errorf("planned record for hour %d outside [%d, 23]", rec.Hour, fromHour)
		}
	}
	for _, rec := range recs {
		if s.present[rec.Hour] && s.hours[rec.Hour].Actual {
			continue
		}
		rec.Actual = false
		s.hours[rec.Hour] = rec
		s.present[rec.Hour] = true
	}
	return nil
}

// Hour returns the record for an hour, if present.
func (s *Schedule) Hour(hour int) (types.HourRecord, bool) {
	if hour < 0 || hour > 23 {
		return types.HourRecord{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hours[hour], s.present[hour]
}

// PlannedActions returns the per-hour net actions for all present records,
// used by the orchestrator's plan diffing.
func (s *Schedule) PlannedActions() [24]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var actions [24]float64
	for h := 0; h < 24; h++ {
		if s.present[h] {
			actions[h] = s.hours[h].ActionKWH
		}
	}
	return actions
}

// Summary aggregates the day.
func (s *Schedule) Summary() types.DaySummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.summaryLocked()
}

func (s *Schedule) summaryLocked() types.DaySummary {
	var sum types.DaySummary
	var charged, discharged float64
	for h := 0; h < 24; h++ {
		if !s.present[h] {
			continue
		}
		rec := s.hours[h]
		sum.BaseCost += rec.BaseCost
		sum.OptimizedCost += rec.TotalCost
		sum.GridCosts += rec.GridCost
		sum.BatteryCosts += rec.BatteryCost
		if rec.ActionKWH > 0 {
			charged += rec.ActionKWH
		} else {
			discharged -= rec.ActionKWH
		}
	}
	sum.Savings = sum.BaseCost - sum.OptimizedCost
	if s.battery.TotalCapacityKWH > 0 {
		sum.CycleCount = (charged + discharged) / (2 * s.battery.TotalCapacityKWH)
	}
	return sum
}

// Snapshot returns an immutable export of the day for the API, storage and
// dashboard layers.
func (s *Schedule) Snapshot(currentHour int) types.DaySnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := types.DaySnapshot{
		Date:            s.date.Format(time.DateOnly),
		CurrentHour:     currentHour,
		Summary:         s.summaryLocked(),
		SOEKWH:          s.soeKWH,
		CostBasisPerKWH: s.basis.PerKWH(),
	}
	for h := 0; h < 24; h++ {
		if s.present[h] {
			snap.Hours = append(snap.Hours, s.hours[h])
		}
	}
	return snap
}

func recordsEqual(a, b types.HourRecord) bool {
	if a.Hour != b.Hour || a.Actual != b.Actual || a.LowConfidence != b.LowConfidence {
		return false
	}
	pairs := [][2]float64{
		{a.SOEStartKWH, b.SOEStartKWH},
		{a.SOEEndKWH, b.SOEEndKWH},
		{a.ActionKWH, b.ActionKWH},
		{a.GridKWH, b.GridKWH},
		{a.GridCost, b.GridCost},
		{a.BatteryCost, b.BatteryCost},
		{a.TotalCost, b.TotalCost},
		{a.BaseCost, b.BaseCost},
		{a.Savings, b.Savings},
		{a.CostBasisPerKWH, b.CostBasisPerKWH},
	}
	for _, p := range pairs {
		if math.Abs(p[0]-p[1]) > recordEpsilon {
			return false
		}
	}
	return true
}
