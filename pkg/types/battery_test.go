package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatteryParamsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*BatteryParams)
		wantErr bool
	}{
		{name: "defaults", mutate: func(b *BatteryParams) {}},
		{name: "zero capacity", mutate: func(b *BatteryParams) { b.TotalCapacityKWH = 0 }, wantErr: true},
		{name: "reserved above total", mutate: func(b *BatteryParams) { b.ReservedCapacityKWH = 40 }, wantErr: true},
		{name: "negative reserved", mutate: func(b *BatteryParams) { b.ReservedCapacityKWH = -1 }, wantErr: true},
		{name: "zero charge rate", mutate: func(b *BatteryParams) { b.MaxChargeRateKW = 0 }, wantErr: true},
		{name: "zero discharge rate", mutate: func(b *BatteryParams) { b.MaxDischargeRateKW = 0 }, wantErr: true},
		{name: "negative cycle cost", mutate: func(b *BatteryParams) { b.CycleCostPerKWH = -0.5 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := DefaultBatteryParams()
			tt.mutate(&b)
			err := b.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidBatteryConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBatteryParamsClamp(t *testing.T) {
	b := DefaultBatteryParams()
	assert.Equal(t, 3.0, b.Clamp(-5))
	assert.Equal(t, 3.0, b.Clamp(2))
	assert.Equal(t, 10.0, b.Clamp(10))
	assert.Equal(t, 30.0, b.Clamp(45))
}

func TestCostBasis(t *testing.T) {
	cb := CostBasis{}
	assert.Equal(t, 0.0, cb.PerKWH(), "empty battery has no defined basis")

	// 6 kWh from the grid at 1.50 SEK/kWh
	cb = cb.AddGrid(6, 1.5)
	assert.InDelta(t, 1.5, cb.PerKWH(), 1e-9)
	assert.InDelta(t, 6.0, cb.StoredKWH, 1e-9)

	// 6 kWh of free solar halves the average
	cb = cb.AddSolar(6)
	assert.InDelta(t, 0.75, cb.PerKWH(), 1e-9)
	assert.InDelta(t, 12.0, cb.StoredKWH, 1e-9)

	// discharging keeps the per-kWh basis constant
	cb = cb.Discharge(4)
	assert.InDelta(t, 0.75, cb.PerKWH(), 1e-9)
	assert.InDelta(t, 8.0, cb.StoredKWH, 1e-9)

	// discharging everything resets the basis
	cb = cb.Discharge(100)
	assert.Equal(t, 0.0, cb.StoredKWH)
	assert.Equal(t, 0.0, cb.PerKWH())
}

func TestNewCostBasis(t *testing.T) {
	cb := NewCostBasis(10, 1.2)
	assert.InDelta(t, 1.2, cb.PerKWH(), 1e-9)
	assert.InDelta(t, 12.0, cb.TotalCostSEK, 1e-9)

	cb = NewCostBasis(-2, 1.2)
	assert.Equal(t, 0.0, cb.StoredKWH)
}
