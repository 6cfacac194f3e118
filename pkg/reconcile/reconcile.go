package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/johanzander/batterymanager/pkg/log"
	"github.com/johanzander/batterymanager/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// SensorFault reports a cumulative counter that decreased between two
// samples, which means the counter reset or the sensor misreported. The
// hour is recovered from the measured battery level instead of the counters.
type SensorFault struct {
	Counter string
	PrevKWH float64
	CurKWH  float64
}

func (f *SensorFault) Error() string {
	return fmt.Sprintf("sensor fault: counter %s regressed from %.3f to %.3f kWh", f.Counter, f.PrevKWH, f.CurKWH)
}

// BalanceFault reports that the hour's flows do not balance within
// tolerance. The hour is still recorded, flagged as low confidence.
type BalanceFault struct {
	ImbalanceKWH float64
}

func (f *BalanceFault) Error() string {
	return fmt.Sprintf("balance fault: flows off by %.3f kWh", f.ImbalanceKWH)
}

// State is the reconciled battery state carried between hours.
type State struct {
	SOEKWH float64
	Basis  types.CostBasis
}

// Outcome is the result of reconciling one hour.
type Outcome struct {
	Record types.HourRecord
	Flows  types.HourFlows
	State  State
	// Faults lists any SensorFault or BalanceFault absorbed while
	// reconciling. They never block the hourly cycle.
	Faults []error
}

// maximum drift between counter-derived SOE and the level sensor before we
// log a warning
const soeDriftWarnKWH = 0.5

// Reconciler turns pairs of cumulative counter samples into per-hour actual
// records with an updated state-of-energy and cost basis.
type Reconciler struct {
	balanceToleranceKWH float64
	counterToleranceKWH float64
}

// New returns a Reconciler with the default tolerances.
func New() *Reconciler {
	return &Reconciler{
		balanceToleranceKWH: 0.1,
		counterToleranceKWH: 0.01,
	}
}

// Configured sets up the Reconciler based on flags.
func Configured() *Reconciler {
	balanceTolerance := lflag.String("balance-tolerance-kwh", "0.1", "Maximum energy-balance mismatch per hour before the hour is flagged")
	counterTolerance := lflag.String("counter-tolerance-kwh", "0.01", "Maximum counter decrease treated as noise instead of a reset")

	r := &Reconciler{}
	lflag.Do(func() {
		var err error
		if r.balanceToleranceKWH, err = strconv.ParseFloat(*balanceTolerance, 64); err != nil {
			panic(fmt.Sprintf("invalid balance-tolerance-kwh: %v", err))
		}
		if r.counterToleranceKWH, err = strconv.ParseFloat(*counterTolerance, 64); err != nil {
			panic(fmt.Sprintf("invalid counter-tolerance-kwh: %v", err))
		}
	})
	return r
}

// Reconcile computes the actual record for the given hour from two
// consecutive counter samples. prev is the sample taken at the start of the
// hour and cur the one at its end. Faults are absorbed into the outcome;
// the returned error is reserved for invalid input.
func (r *Reconciler) Reconcile(ctx context.Context, hour int, price types.PricePoint, battery types.BatteryParams, prev, cur types.EnergyFlowSample, st State) (Outcome, error) {
	if hour < 0 || hour > 23 {
		return Outcome{}, fmt.Errorf("invalid hour: %d", hour)
	}

	lowConfidence := prev.LowConfidence || cur.LowConfidence
	var faults []error

	flows, fault := r.diffSamples(hour, prev, cur)
	if fault != nil {
		faults = append(faults, fault)
		log.Ctx(ctx).WarnContext(
			ctx,
			"counter regression, falling back to battery level",
			slog.Int("hour", hour),
			slog.String("counter", fault.Counter),
			slog.Float64("prevKWH", fault.PrevKWH),
			slog.Float64("curKWH", fault.CurKWH),
		)
		return r.fallback(hour, price, battery, cur.BatteryLevelKWH, st, faults), nil
	}

	newSOE := battery.Clamp(st.SOEKWH + flows.BatteryChargeKWH - flows.BatteryDischargeKWH)
	basis := st.Basis.
		AddGrid(flows.GridToBatteryKWH, price.BuyPrice).
		AddSolar(flows.SolarToBatteryKWH).
		Discharge(flows.BatteryDischargeKWH)

	if drift := math.Abs(newSOE - cur.BatteryLevelKWH); drift > soeDriftWarnKWH {
		log.Ctx(ctx).WarnContext(
			ctx,
			"counter-derived SOE drifts from level sensor",
			slog.Int("hour", hour),
			slog.Float64("counterSOE", newSOE),
			slog.Float64("levelSOE", cur.BatteryLevelKWH),
		)
	}

	// solar + import should cover load, net battery charging and export
	imbalance := (flows.SolarKWH + flows.GridImportKWH) -
		(flows.LoadKWH + flows.BatteryChargeKWH - flows.BatteryDischargeKWH + flows.GridExportKWH)
	if math.Abs(imbalance) > r.balanceToleranceKWH {
		faults = append(faults, &BalanceFault{ImbalanceKWH: imbalance})
		lowConfidence = true
		log.Ctx(ctx).WarnContext(
			ctx,
			"energy balance check failed",
			slog.Int("hour", hour),
			slog.Float64("imbalanceKWH", imbalance),
		)
	}

	gridCost := flows.GridImportKWH*price.BuyPrice - flows.GridExportKWH*price.SellPrice
	batteryCost := flows.BatteryChargeKWH * battery.CycleCostPerKWH
	totalCost := gridCost + batteryCost

	// baseline: the same hour with no battery in the system
	baseImport := math.Max(0, flows.LoadKWH-flows.SolarKWH)
	baseExport := math.Max(0, flows.SolarKWH-flows.LoadKWH)
	baseCost := baseImport*price.BuyPrice - baseExport*price.SellPrice

	rec := types.HourRecord{
		Hour:            hour,
		Price:           price,
		SOEStartKWH:     st.SOEKWH,
		SOEEndKWH:       newSOE,
		ActionKWH:       flows.BatteryChargeKWH - flows.BatteryDischargeKWH,
		GridKWH:         flows.GridImportKWH,
		GridCost:        gridCost,
		BatteryCost:     batteryCost,
		TotalCost:       totalCost,
		BaseCost:        baseCost,
		Savings:         baseCost - totalCost,
		CostBasisPerKWH: basis.PerKWH(),
		Actual:          true,
		LowConfidence:   lowConfidence,
	}

	return Outcome{
		Record: rec,
		Flows:  flows,
		State:  State{SOEKWH: newSOE, Basis: basis},
		Faults: faults,
	}, nil
}

// diffSamples subtracts two consecutive samples. The first regressed counter
// is returned as a SensorFault; small decreases within tolerance are treated
// as noise and clamped to zero.
func (r *Reconciler) diffSamples(hour int, prev, cur types.EnergyFlowSample) (types.HourFlows, *SensorFault) {
	var fault *SensorFault
	delta := func(name string, prevV, curV float64) float64 {
		d := curV - prevV
		if d < -r.counterToleranceKWH && fault == nil {
			fault = &SensorFault{Counter: name, PrevKWH: prevV, CurKWH: curV}
		}
		if d < 0 {
			d = 0
		}
		return d
	}

	flows := types.HourFlows{
		Hour:                hour,
		GridImportKWH:       delta("grid_import", prev.GridImportKWH, cur.GridImportKWH),
		GridExportKWH:       delta("grid_export", prev.GridExportKWH, cur.GridExportKWH),
		SolarKWH:            delta("solar", prev.SolarKWH, cur.SolarKWH),
		BatteryChargeKWH:    delta("battery_charge", prev.BatteryChargeKWH, cur.BatteryChargeKWH),
		BatteryDischargeKWH: delta("battery_discharge", prev.BatteryDischargeKWH, cur.BatteryDischargeKWH),
		LoadKWH:             delta("load", prev.LoadKWH, cur.LoadKWH),
	}
	if fault != nil {
		return types.HourFlows{Hour: hour}, fault
	}

	// charge beyond what was drawn from the grid is solar-direct charging
	// and carries zero cost basis
	gridToBattery := delta("battery_charge_from_grid", prev.BatteryChargeFromGridKWH, cur.BatteryChargeFromGridKWH)
	if fault != nil {
		return types.HourFlows{Hour: hour}, fault
	}
	gridToBattery = math.Min(gridToBattery, flows.BatteryChargeKWH)
	gridToBattery = math.Min(gridToBattery, flows.GridImportKWH)
	flows.GridToBatteryKWH = gridToBattery
	flows.SolarToBatteryKWH = flows.BatteryChargeKWH - gridToBattery

	return flows, nil
}

// ReconcileFromLevel finalizes an hour from the measured battery level
// alone, for hours with no usable counter pair. The last hour of a day is
// the main case: its daily counters have already reset by the time the
// midnight sample is taken.
func (r *Reconciler) ReconcileFromLevel(ctx context.Context, hour int, price types.PricePoint, battery types.BatteryParams, levelKWH float64, st State) (Outcome, error) {
	if hour < 0 || hour > 23 {
		return Outcome{}, fmt.Errorf("invalid hour: %d", hour)
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"reconciling from battery level",
		slog.Int("hour", hour),
		slog.Float64("levelKWH", levelKWH),
	)
	return r.fallback(hour, price, battery, levelKWH, st, nil), nil
}

// fallback reconciles an hour from the measured battery level when the
// counters are unusable. Flow-dependent costs are unknown and left at zero;
// the record is flagged low confidence.
func (r *Reconciler) fallback(hour int, price types.PricePoint, battery types.BatteryParams, levelKWH float64, st State, faults []error) Outcome {
	newSOE := battery.Clamp(levelKWH)
	action := newSOE - st.SOEKWH

	basis := st.Basis
	if action > 0 {
		// without counters we cannot split grid from solar, assume grid
		basis = basis.AddGrid(action, price.BuyPrice)
	} else if action < 0 {
		basis = basis.Discharge(-action)
	}

	var batteryCost float64
	if action > 0 {
		batteryCost = action * battery.CycleCostPerKWH
	}

	rec := types.HourRecord{
		Hour:            hour,
		Price:           price,
		SOEStartKWH:     st.SOEKWH,
		SOEEndKWH:       newSOE,
		ActionKWH:       action,
		BatteryCost:     batteryCost,
		TotalCost:       batteryCost,
		CostBasisPerKWH: basis.PerKWH(),
		Savings:         -batteryCost,
		Actual:          true,
		LowConfidence:   true,
	}

	return Outcome{
		Record: rec,
		Flows:  types.HourFlows{Hour: hour},
		State:  State{SOEKWH: newSOE, Basis: basis},
		Faults: faults,
	}
}
