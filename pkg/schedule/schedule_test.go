package schedule

import (
	"testing"
	"time"

	"github.com/johanzander/batterymanager/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDay() time.Time {
	return time.Date(2025, 6, 12, 7, 30, 0, 0, time.UTC)
}

func actualRecord(hour int, action float64) types.HourRecord {
	return types.HourRecord{
		Hour:        hour,
		SOEStartKWH: 5,
		SOEEndKWH:   5 + action,
		ActionKWH:   action,
		GridCost:    1.25,
		BaseCost:    2.0,
		TotalCost:   1.25,
		Savings:     0.75,
		Actual:      true,
	}
}

func plannedRecord(hour int, action float64) types.HourRecord {
	return types.HourRecord{
		Hour:      hour,
		ActionKWH: action,
		BaseCost:  1.0,
		TotalCost: 0.8,
		Savings:   0.2,
	}
}

func TestScheduleDate(t *testing.T) {
	s := New(testDay(), types.DefaultBatteryParams())
	assert.Equal(t, time.Date(2025, 6, 12, 0, 0, 0, 0, time.UTC), s.Date())
}

func TestRecordActual(t *testing.T) {
	s := New(testDay(), types.DefaultBatteryParams())

	rec := actualRecord(5, 3.0)
	require.NoError(t, s.RecordActual(rec))

	got, ok := s.Hour(5)
	require.True(t, ok)
	assert.Equal(t, rec, got)

	t.Run("identical reapply is a no-op", func(t *testing.T) {
		require.NoError(t, s.RecordActual(rec))
		got, ok := s.Hour(5)
		require.True(t, ok)
		assert.Equal(t, rec, got)
	})

	t.Run("conflicting rewrite is rejected", func(t *testing.T) {
		changed := rec
		changed.ActionKWH = 4.0
		err := s.RecordActual(changed)
		assert.ErrorIs(t, err, ErrPastHourImmutable)

		got, _ := s.Hour(5)
		assert.Equal(t, rec, got, "stored record must be unchanged")
	})

	t.Run("invalid input", func(t *testing.T) {
		assert.Error(t, s.RecordActual(actualRecord(24, 1)))
		assert.Error(t, s.RecordActual(actualRecord(-1, 1)))

		planned := plannedRecord(6, 1)
		assert.Error(t, s.RecordActual(planned))
	})
}

func TestRecordActualOverwritesPlanned(t *testing.T) {
	s := New(testDay(), types.DefaultBatteryParams())
	require.NoError(t, s.ApplyPlan(0, []types.HourRecord{plannedRecord(3, 6.0)}))

	rec := actualRecord(3, 5.5)
	require.NoError(t, s.RecordActual(rec))

	got, ok := s.Hour(3)
	require.True(t, ok)
	assert.Equal(t, rec, got)
}

func TestApplyPlan(t *testing.T) {
	s := New(testDay(), types.DefaultBatteryParams())

	actual := actualRecord(5, 3.0)
	require.NoError(t, s.RecordActual(actual))

	var recs []types.HourRecord
	for h := 5; h <= 23; h++ {
		recs = append(recs, plannedRecord(h, -1.0))
	}
	require.NoError(t, s.ApplyPlan(5, recs))

	got, ok := s.Hour(5)
	require.True(t, ok)
	assert.Equal(t, actual, got, "actual for hour 5 must survive replanning")

	for h := 6; h <= 23; h++ {
		got, ok := s.Hour(h)
		require.True(t, ok, "hour %d", h)
		assert.False(t, got.Actual)
		assert.Equal(t, -1.0, got.ActionKWH)
	}

	t.Run("replanning replaces planned hours", func(t *testing.T) {
		require.NoError(t, s.ApplyPlan(10, []types.HourRecord{plannedRecord(10, 2.0)}))
		got, _ := s.Hour(10)
		assert.Equal(t, 2.0, got.ActionKWH)
	})

	t.Run("rejects hours before fromHour", func(t *testing.T) {
		err := s.ApplyPlan(10, []types.HourRecord{plannedRecord(9, 1.0)})
		assert.Error(t, err)
	})

	t.Run("rejects hours past the day", func(t *testing.T) {
		err := s.ApplyPlan(10, []types.HourRecord{plannedRecord(24, 1.0)})
		assert.Error(t, err)
		assert.Error(t, s.ApplyPlan(-1, nil))
	})

	t.Run("planned records are never marked actual", func(t *testing.T) {
		rec := plannedRecord(15, 1.0)
		rec.Actual = true
		require.NoError(t, s.ApplyPlan(15, []types.HourRecord{rec}))
		got, _ := s.Hour(15)
		assert.False(t, got.Actual)
	})
}

func TestSummary(t *testing.T) {
	battery := types.DefaultBatteryParams()
	s := New(testDay(), battery)

	require.NoError(t, s.RecordActual(actualRecord(0, 6.0)))
	require.NoError(t, s.RecordActual(actualRecord(1, -4.0)))
	require.NoError(t, s.ApplyPlan(2, []types.HourRecord{plannedRecord(2, -2.0)}))

	sum := s.Summary()
	assert.InDelta(t, 2.0+2.0+1.0, sum.BaseCost, 1e-9)
	assert.InDelta(t, 1.25+1.25+0.8, sum.OptimizedCost, 1e-9)
	assert.InDelta(t, sum.BaseCost-sum.OptimizedCost, sum.Savings, 1e-9)
	// 6 charged plus 6 discharged over a 30 kWh battery
	assert.InDelta(t, 12.0/(2*battery.TotalCapacityKWH), sum.CycleCount, 1e-9)
}

func TestSnapshot(t *testing.T) {
	s := New(testDay(), types.DefaultBatteryParams())
	s.SetState(11.5, types.NewCostBasis(11.5, 0.9))

	require.NoError(t, s.RecordActual(actualRecord(0, 2.0)))
	require.NoError(t, s.ApplyPlan(1, []types.HourRecord{plannedRecord(1, -1.0)}))

	snap := s.Snapshot(1)
	assert.Equal(t, "2025-06-12", snap.Date)
	assert.Equal(t, 1, snap.CurrentHour)
	require.Len(t, snap.Hours, 2)
	assert.Equal(t, 0, snap.Hours[0].Hour)
	assert.Equal(t, 1, snap.Hours[1].Hour)
	assert.InDelta(t, 11.5, snap.SOEKWH, 1e-9)
	assert.InDelta(t, 0.9, snap.CostBasisPerKWH, 1e-9)
}

func TestPlannedActions(t *testing.T) {
	s := New(testDay(), types.DefaultBatteryParams())
	require.NoError(t, s.ApplyPlan(3, []types.HourRecord{
		plannedRecord(3, 6.0),
		plannedRecord(7, -4.5),
	}))

	actions := s.PlannedActions()
	assert.Equal(t, 6.0, actions[3])
	assert.Equal(t, -4.5, actions[7])
	assert.Equal(t, 0.0, actions[0])
}
