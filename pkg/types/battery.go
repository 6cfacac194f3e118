package types

import (
	"errors"
	"fmt"
)

// ErrInvalidBatteryConfig is returned when battery parameters are infeasible.
// Optimization is skipped for the cycle and the previous plan is retained.
var ErrInvalidBatteryConfig = errors.New("invalid battery configuration")

// BatteryParams describes the physical limits of the battery.
type BatteryParams struct {
	// TotalCapacityKWH is the usable capacity of the battery.
	TotalCapacityKWH float64 `json:"totalCapacityKWH"`
	// ReservedCapacityKWH is the minimum state-of-energy the system will
	// not discharge below.
	ReservedCapacityKWH float64 `json:"reservedCapacityKWH"`
	// MaxChargeRateKW bounds how much energy can be added in one hour.
	MaxChargeRateKW float64 `json:"maxChargeRateKW"`
	// MaxDischargeRateKW bounds how much energy can be removed in one hour.
	MaxDischargeRateKW float64 `json:"maxDischargeRateKW"`
	// CycleCostPerKWH is the wear cost attributed to cycling 1 kWh,
	// amortizing battery degradation.
	CycleCostPerKWH float64 `json:"cycleCostPerKWH"`
}

// DefaultBatteryParams returns parameters for a 30 kWh home battery with a
// 10% reserve, matching a 6x5kWh stack with 2.5 kW per module.
func DefaultBatteryParams() BatteryParams {
	return BatteryParams{
		TotalCapacityKWH:    30,
		ReservedCapacityKWH: 3,
		MaxChargeRateKW:     15,
		MaxDischargeRateKW:  15,
		CycleCostPerKWH:     0.5,
	}
}

// Validate rejects infeasible configurations with ErrInvalidBatteryConfig.
func (b BatteryParams) Validate() error {
	if b.TotalCapacityKWH <= 0 {
		return fmt.Errorf("%w: total capacity must be positive, got %v", ErrInvalidBatteryConfig, b.TotalCapacityKWH)
	}
	if b.ReservedCapacityKWH < 0 {
		return fmt.Errorf("%w: reserved capacity cannot be negative, got %v", ErrInvalidBatteryConfig, b.ReservedCapacityKWH)
	}
	if b.ReservedCapacityKWH > b.TotalCapacityKWH {
		return fmt.Errorf("%w: reserved capacity %v exceeds total capacity %v", ErrInvalidBatteryConfig, b.ReservedCapacityKWH, b.TotalCapacityKWH)
	}
	if b.MaxChargeRateKW <= 0 {
		return fmt.Errorf("%w: max charge rate must be positive, got %v", ErrInvalidBatteryConfig, b.MaxChargeRateKW)
	}
	if b.MaxDischargeRateKW <= 0 {
		return fmt.Errorf("%w: max discharge rate must be positive, got %v", ErrInvalidBatteryConfig, b.MaxDischargeRateKW)
	}
	if b.CycleCostPerKWH < 0 {
		return fmt.Errorf("%w: cycle cost cannot be negative, got %v", ErrInvalidBatteryConfig, b.CycleCostPerKWH)
	}
	return nil
}

// Clamp bounds a state-of-energy value to [reserved, total].
func (b BatteryParams) Clamp(soe float64) float64 {
	if soe < b.ReservedCapacityKWH {
		return b.ReservedCapacityKWH
	}
	if soe > b.TotalCapacityKWH {
		return b.TotalCapacityKWH
	}
	return soe
}

// CostBasis tracks the weighted-average acquisition cost of the energy
// currently stored in the battery. Grid charging adds energy at that hour's
// buy price, solar charging adds energy at zero marginal cost, and
// discharging consumes stored cost proportionally.
type CostBasis struct {
	StoredKWH    float64 `json:"storedKWH"`
	TotalCostSEK float64 `json:"totalCostSEK"`
}

// NewCostBasis seeds a cost basis for already-stored energy at the given
// per-kWh price.
func NewCostBasis(storedKWH, perKWH float64) CostBasis {
	if storedKWH < 0 {
		storedKWH = 0
	}
	return CostBasis{StoredKWH: storedKWH, TotalCostSEK: storedKWH * perKWH}
}

// PerKWH returns the weighted-average cost per stored kWh. It is zero when
// the battery is empty since the basis is undefined without stored energy.
func (c CostBasis) PerKWH() float64 {
	if c.StoredKWH <= 0 {
		return 0
	}
	return c.TotalCostSEK / c.StoredKWH
}

// AddGrid blends in energy charged from the grid at the given buy price.
func (c CostBasis) AddGrid(kwh, buyPrice float64) CostBasis {
	if kwh <= 0 {
		return c
	}
	return CostBasis{
		StoredKWH:    c.StoredKWH + kwh,
		TotalCostSEK: c.TotalCostSEK + kwh*buyPrice,
	}
}

// AddSolar blends in energy charged directly from solar at zero cost.
func (c CostBasis) AddSolar(kwh float64) CostBasis {
	if kwh <= 0 {
		return c
	}
	return CostBasis{
		StoredKWH:    c.StoredKWH + kwh,
		TotalCostSEK: c.TotalCostSEK,
	}
}

// Discharge removes energy and its proportional share of the stored cost.
func (c CostBasis) Discharge(kwh float64) CostBasis {
	if kwh <= 0 || c.StoredKWH <= 0 {
		return c
	}
	if kwh >= c.StoredKWH {
		return CostBasis{}
	}
	perKWH := c.TotalCostSEK / c.StoredKWH
	return CostBasis{
		StoredKWH:    c.StoredKWH - kwh,
		TotalCostSEK: c.TotalCostSEK - kwh*perKWH,
	}
}
