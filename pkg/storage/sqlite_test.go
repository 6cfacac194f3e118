package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/johanzander/batterymanager/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSQLite(t *testing.T) *SQLiteProvider {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteSettings(t *testing.T) {
	s := testSQLite(t)
	ctx := context.Background()

	settings, version, err := s.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.Settings{}, settings)
	assert.Equal(t, 0, version)

	want := types.DefaultSettings()
	want.MinProfitThresholdSEK = 0.35
	require.NoError(t, s.SetSettings(ctx, want, types.CurrentSettingsVersion))

	settings, version, err = s.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, settings)
	assert.Equal(t, types.CurrentSettingsVersion, version)

	t.Run("overwrite", func(t *testing.T) {
		want.HourlyConsumptionKWH = 5.5
		require.NoError(t, s.SetSettings(ctx, want, types.CurrentSettingsVersion))
		settings, _, err := s.GetSettings(ctx)
		require.NoError(t, err)
		assert.Equal(t, 5.5, settings.HourlyConsumptionKWH)
	})
}

func TestSQLiteDays(t *testing.T) {
	s := testSQLite(t)
	ctx := context.Background()

	_, err := s.GetDay(ctx, "2025-06-12")
	assert.ErrorIs(t, err, ErrDayNotFound)

	snap := types.DaySnapshot{
		Date:        "2025-06-12",
		CurrentHour: 7,
		Hours: []types.HourRecord{
			{Hour: 0, ActionKWH: 6, Actual: true},
			{Hour: 1, ActionKWH: -4.5},
		},
		SOEKWH: 9.0,
	}
	require.NoError(t, s.SaveDay(ctx, snap))

	got, err := s.GetDay(ctx, "2025-06-12")
	require.NoError(t, err)
	assert.Equal(t, snap, got)

	t.Run("upsert replaces", func(t *testing.T) {
		snap.CurrentHour = 8
		require.NoError(t, s.SaveDay(ctx, snap))
		got, err := s.GetDay(ctx, "2025-06-12")
		require.NoError(t, err)
		assert.Equal(t, 8, got.CurrentHour)
	})

	t.Run("missing date rejected", func(t *testing.T) {
		assert.Error(t, s.SaveDay(ctx, types.DaySnapshot{}))
	})
}

func TestSQLiteListDays(t *testing.T) {
	s := testSQLite(t)
	ctx := context.Background()

	for _, date := range []string{"2025-06-14", "2025-06-12", "2025-06-13"} {
		require.NoError(t, s.SaveDay(ctx, types.DaySnapshot{Date: date}))
	}

	dates, err := s.ListDays(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-06-12", "2025-06-13", "2025-06-14"}, dates)

	dates, err = s.ListDays(ctx, "2025-06-13", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-06-13", "2025-06-14"}, dates)

	dates, err = s.ListDays(ctx, "2025-06-12", "2025-06-13")
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-06-12", "2025-06-13"}, dates)
}

func TestSQLitePrices(t *testing.T) {
	s := testSQLite(t)
	ctx := context.Background()

	got, err := s.GetPrices(ctx, "2025-06-12")
	require.NoError(t, err)
	assert.Empty(t, got)

	day := time.Date(2025, 6, 12, 0, 0, 0, 0, time.UTC)
	settings := types.DefaultPriceSettings()
	prices := []types.PricePoint{
		settings.PricePointAt(day, 0, 0.5),
		settings.PricePointAt(day, 1, 1.5),
	}
	require.NoError(t, s.UpsertPrices(ctx, "2025-06-12", prices))

	got, err = s.GetPrices(ctx, "2025-06-12")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.InDelta(t, prices[1].BuyPrice, got[1].BuyPrice, 1e-9)
	assert.True(t, prices[1].TSStart.Equal(got[1].TSStart))
}

func TestSQLiteFlowSamples(t *testing.T) {
	s := testSQLite(t)
	ctx := context.Background()

	_, ok, err := s.GetLatestFlowSample(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	base := time.Date(2025, 6, 12, 6, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.SaveFlowSample(ctx, types.EnergyFlowSample{
			Hour:          6 + i,
			Timestamp:     base.Add(time.Duration(i) * time.Hour),
			GridImportKWH: float64(10 + i),
		}))
	}

	sample, ok, err := s.GetLatestFlowSample(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 8, sample.Hour)
	assert.InDelta(t, 12.0, sample.GridImportKWH, 1e-9)

	t.Run("missing timestamp rejected", func(t *testing.T) {
		assert.Error(t, s.SaveFlowSample(ctx, types.EnergyFlowSample{Hour: 1}))
	})
}
