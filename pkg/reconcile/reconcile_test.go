package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/johanzander/batterymanager/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPrice(hour int) types.PricePoint {
	return types.DefaultPriceSettings().PricePointAt(
		time.Date(2025, 6, 12, 0, 0, 0, 0, time.UTC), hour, 1.0)
}

func sample(hour int, gridImport, gridExport, solar, charge, discharge, load, chargeFromGrid, level float64) types.EnergyFlowSample {
	return types.EnergyFlowSample{
		Hour:                     hour,
		GridImportKWH:            gridImport,
		GridExportKWH:            gridExport,
		SolarKWH:                 solar,
		BatteryChargeKWH:         charge,
		BatteryDischargeKWH:      discharge,
		LoadKWH:                  load,
		BatteryChargeFromGridKWH: chargeFromGrid,
		BatteryLevelKWH:          level,
	}
}

func TestReconcileGridCharge(t *testing.T) {
	r := New()
	battery := types.DefaultBatteryParams()
	price := testPrice(2)

	// hour 2: imported 10.5 kWh, 6 of which went into the battery, 4.5 to the house
	prev := sample(2, 20, 0, 0, 5, 0, 30, 5, 5)
	cur := sample(3, 30.5, 0, 0, 11, 0, 34.5, 11, 11)

	out, err := r.Reconcile(context.Background(), 2, price, battery, prev, cur, State{SOEKWH: 5})
	require.NoError(t, err)
	assert.Empty(t, out.Faults)

	assert.InDelta(t, 6.0, out.Record.ActionKWH, 1e-9)
	assert.InDelta(t, 5.0, out.Record.SOEStartKWH, 1e-9)
	assert.InDelta(t, 11.0, out.Record.SOEEndKWH, 1e-9)
	assert.InDelta(t, 11.0, out.State.SOEKWH, 1e-9)
	assert.True(t, out.Record.Actual)
	assert.False(t, out.Record.LowConfidence)

	// all charged energy came from the grid at the buy price
	assert.InDelta(t, price.BuyPrice, out.State.Basis.PerKWH(), 1e-9)
	assert.InDelta(t, 6.0, out.Flows.GridToBatteryKWH, 1e-9)
	assert.InDelta(t, 0.0, out.Flows.SolarToBatteryKWH, 1e-9)

	assert.InDelta(t, 10.5*price.BuyPrice, out.Record.GridCost, 1e-9)
	assert.InDelta(t, 6*battery.CycleCostPerKWH, out.Record.BatteryCost, 1e-9)
	assert.InDelta(t, 4.5*price.BuyPrice, out.Record.BaseCost, 1e-9)
}

func TestReconcileSolarDirectCharge(t *testing.T) {
	r := New()
	battery := types.DefaultBatteryParams()
	price := testPrice(12)

	// 5 kWh solar: 2 to the house, 3 into the battery, nothing from the grid
	prev := sample(12, 10, 1, 20, 4, 0, 40, 4, 8)
	cur := sample(13, 10, 1, 25, 7, 0, 42, 4, 11)

	st := State{SOEKWH: 8, Basis: types.NewCostBasis(8, 2.0)}
	out, err := r.Reconcile(context.Background(), 12, price, battery, prev, cur, st)
	require.NoError(t, err)
	assert.Empty(t, out.Faults)

	assert.InDelta(t, 3.0, out.Flows.SolarToBatteryKWH, 1e-9)
	assert.InDelta(t, 0.0, out.Flows.GridToBatteryKWH, 1e-9)

	// 8 kWh at 2.00 blended with 3 kWh free solar
	assert.InDelta(t, 16.0/11.0, out.State.Basis.PerKWH(), 1e-9)
	assert.InDelta(t, 11.0, out.State.SOEKWH, 1e-9)
}

func TestReconcileCounterRegression(t *testing.T) {
	r := New()
	battery := types.DefaultBatteryParams()
	price := testPrice(5)

	// grid import counter went backwards: counter reset
	prev := sample(5, 12, 0, 0, 2, 1, 20, 2, 6)
	cur := sample(6, 3, 0, 0, 2.5, 1, 22, 2, 7.5)

	st := State{SOEKWH: 6, Basis: types.NewCostBasis(6, 1.5)}
	out, err := r.Reconcile(context.Background(), 5, price, battery, prev, cur, st)
	require.NoError(t, err)

	require.Len(t, out.Faults, 1)
	var sf *SensorFault
	require.ErrorAs(t, out.Faults[0], &sf)
	assert.Equal(t, "grid_import", sf.Counter)

	// recovered from the level sensor, flagged low confidence
	assert.True(t, out.Record.LowConfidence)
	assert.InDelta(t, 7.5, out.State.SOEKWH, 1e-9)
	assert.InDelta(t, 1.5, out.Record.ActionKWH, 1e-9)
	assert.InDelta(t, 6.0, out.Record.SOEStartKWH, 1e-9)
}

func TestReconcileBalanceFault(t *testing.T) {
	r := New()
	battery := types.DefaultBatteryParams()
	price := testPrice(9)

	// import says 2 kWh but the house consumed 4 with no solar
	prev := sample(9, 10, 0, 0, 0, 0, 20, 0, 5)
	cur := sample(10, 12, 0, 0, 0, 0, 24, 0, 5)

	out, err := r.Reconcile(context.Background(), 9, price, battery, prev, cur, State{SOEKWH: 5})
	require.NoError(t, err)

	require.Len(t, out.Faults, 1)
	var bf *BalanceFault
	require.ErrorAs(t, out.Faults[0], &bf)
	assert.InDelta(t, -2.0, bf.ImbalanceKWH, 1e-9)
	assert.True(t, out.Record.LowConfidence)

	// the hour is still recorded
	assert.True(t, out.Record.Actual)
	assert.InDelta(t, 2*price.BuyPrice, out.Record.GridCost, 1e-9)
}

func TestReconcileDischarge(t *testing.T) {
	r := New()
	battery := types.DefaultBatteryParams()
	price := testPrice(18)

	// 4 kWh discharged covering most of the load
	prev := sample(18, 15, 0, 10, 10, 2, 50, 8, 12)
	cur := sample(19, 15.5, 0, 10, 10, 6, 54.5, 8, 8)

	st := State{SOEKWH: 12, Basis: types.NewCostBasis(12, 1.0)}
	out, err := r.Reconcile(context.Background(), 18, price, battery, prev, cur, st)
	require.NoError(t, err)
	assert.Empty(t, out.Faults)

	assert.InDelta(t, -4.0, out.Record.ActionKWH, 1e-9)
	assert.InDelta(t, 8.0, out.State.SOEKWH, 1e-9)
	// discharging keeps the basis per kWh constant
	assert.InDelta(t, 1.0, out.State.Basis.PerKWH(), 1e-9)
	// grid covered only 0.5 kWh
	assert.InDelta(t, 0.5*price.BuyPrice, out.Record.GridCost, 1e-9)
	assert.Greater(t, out.Record.Savings, 0.0)
}

func TestReconcileFromLevel(t *testing.T) {
	r := New()
	battery := types.DefaultBatteryParams()
	price := testPrice(23)

	// last hour of the day: the counters have reset, only the level is usable
	st := State{SOEKWH: 10, Basis: types.NewCostBasis(10, 1.0)}
	out, err := r.ReconcileFromLevel(context.Background(), 23, price, battery, 16, st)
	require.NoError(t, err)

	assert.True(t, out.Record.Actual)
	assert.True(t, out.Record.LowConfidence)
	assert.InDelta(t, 6.0, out.Record.ActionKWH, 1e-9)
	assert.InDelta(t, 10.0, out.Record.SOEStartKWH, 1e-9)
	assert.InDelta(t, 16.0, out.State.SOEKWH, 1e-9)
	// gained energy is priced at the hour's buy price
	assert.InDelta(t, (10*1.0+6*price.BuyPrice)/16, out.State.Basis.PerKWH(), 1e-9)

	t.Run("invalid hour", func(t *testing.T) {
		_, err := r.ReconcileFromLevel(context.Background(), 24, price, battery, 16, st)
		assert.Error(t, err)
	})
}

func TestReconcileInvalidHour(t *testing.T) {
	r := New()
	_, err := r.Reconcile(context.Background(), 24, testPrice(0), types.DefaultBatteryParams(),
		types.EnergyFlowSample{}, types.EnergyFlowSample{}, State{})
	assert.Error(t, err)
}

func TestReconcileIdempotent(t *testing.T) {
	r := New()
	battery := types.DefaultBatteryParams()
	price := testPrice(2)

	prev := sample(2, 20, 0, 0, 5, 0, 30, 5, 5)
	cur := sample(3, 30.5, 0, 0, 11, 0, 34.5, 11, 11)
	st := State{SOEKWH: 5}

	out1, err := r.Reconcile(context.Background(), 2, price, battery, prev, cur, st)
	require.NoError(t, err)
	out2, err := r.Reconcile(context.Background(), 2, price, battery, prev, cur, st)
	require.NoError(t, err)
	assert.Equal(t, out1.Record, out2.Record)
}
