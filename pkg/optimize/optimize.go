package optimize

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/johanzander/batterymanager/pkg/log"
	"github.com/johanzander/batterymanager/pkg/types"
)

// placementThreshold is the fraction of a planned charge for which discharge
// opportunities must exist before the trade is executed.
const placementThreshold = 0.8

// Request describes one optimization run over the remaining hours of the
// day. Requests are stateless value objects and never persisted.
type Request struct {
	// Prices are the remaining hourly price points, chronological.
	Prices []types.PricePoint
	// Battery holds the physical limits.
	Battery types.BatteryParams
	// ForecastConsumptionKWH is the expected household load per remaining
	// hour, same length as Prices.
	ForecastConsumptionKWH []float64
	// ForecastSolarKWH is the expected solar production per remaining
	// hour. Nil means no solar forecast.
	ForecastSolarKWH []float64
	// CurrentSOEKWH is the reconciled state-of-energy at the start of the
	// first remaining hour.
	CurrentSOEKWH float64
	// Basis is the cost basis of the energy already stored.
	Basis types.CostBasis
	// MinProfitThresholdSEK is the minimum profit per kWh for a trade.
	MinProfitThresholdSEK float64
}

// Result is the optimizer's plan for the remaining hours.
type Result struct {
	// Hours contains one planned record per remaining hour, in the same
	// order as the request's prices.
	Hours []types.HourRecord

	BaseCost      float64
	OptimizedCost float64
	Savings       float64
	FinalSOEKWH   float64
}

type trade struct {
	chargeHour    int
	dischargeHour int
	profitPerKWH  float64
}

// Optimize computes the cost-minimizing charge/discharge plan for the
// remaining hours. It charges in low-price hours and discharges in
// high-price hours whenever the spread beats the cycle cost plus the profit
// threshold, and treats already-stored energy as a sunk resource with a
// floor price equal to its cost basis.
func Optimize(ctx context.Context, req Request) (Result, error) {
	if err := req.Battery.Validate(); err != nil {
		return Result{}, err
	}
	n := len(req.Prices)
	if n == 0 {
		return Result{FinalSOEKWH: req.Battery.Clamp(req.CurrentSOEKWH)}, nil
	}
	if len(req.ForecastConsumptionKWH) != n {
		return Result{}, fmt.Errorf("consumption forecast has %d hours, want %d", len(req.ForecastConsumptionKWH), n)
	}
	if req.ForecastSolarKWH != nil && len(req.ForecastSolarKWH) != n {
		return Result{}, fmt.Errorf("solar forecast has %d hours, want %d", len(req.ForecastSolarKWH), n)
	}

	b := req.Battery

	// load net of forecast solar; the battery only ever discharges into
	// household load, never to the grid
	load := make([]float64, n)
	for i := range load {
		load[i] = req.ForecastConsumptionKWH[i]
		if req.ForecastSolarKWH != nil {
			load[i] = math.Max(0, load[i]-req.ForecastSolarKWH[i])
		}
	}

	soe := make([]float64, n+1)
	start := b.Clamp(req.CurrentSOEKWH)
	for i := range soe {
		soe[i] = start
	}
	actions := make([]float64, n)

	dischargeCap := make([]float64, n)
	for i := range dischargeCap {
		dischargeCap[i] = math.Min(load[i], b.MaxDischargeRateKW)
	}

	// headroom and floor across the remainder of the horizon; applying a
	// charge or discharge bounded by these never violates the capacity
	// window at any later hour, which keeps the SOE recurrence exact
	maxSOEAfter := func(hour int) float64 {
		m := soe[hour+1]
		for i := hour + 2; i <= n; i++ {
			m = math.Max(m, soe[i])
		}
		return m
	}
	minSOEAfter := func(hour int) float64 {
		m := soe[hour+1]
		for i := hour + 2; i <= n; i++ {
			m = math.Min(m, soe[i])
		}
		return m
	}

	applyDischarge := func(hour int, amount float64) float64 {
		amount = math.Min(amount, minSOEAfter(hour)-b.ReservedCapacityKWH)
		if amount <= 0 {
			return 0
		}
		actions[hour] -= amount
		dischargeCap[hour] -= amount
		for i := hour + 1; i <= n; i++ {
			soe[i] -= amount
		}
		return amount
	}

	// already-stored energy above the reserve is a sunk resource: plan to
	// use it in the most expensive hours whose price clears its basis plus
	// the wear cost, earliest hour first on ties
	available := start - b.ReservedCapacityKWH
	if available > 0 {
		floor := req.Basis.PerKWH() + b.CycleCostPerKWH
		eligible := make([]int, 0, n)
		for i := 0; i < n; i++ {
			if req.Prices[i].BuyPrice > floor {
				eligible = append(eligible, i)
			}
		}
		sort.SliceStable(eligible, func(i, j int) bool {
			return req.Prices[eligible[i]].BuyPrice > req.Prices[eligible[j]].BuyPrice
		})
		for _, h := range eligible {
			if available <= 0 {
				break
			}
			amount := math.Min(dischargeCap[h], available)
			if amount <= 0 {
				continue
			}
			available -= applyDischarge(h, amount)
		}
	}

	trades := findProfitableTrades(req.Prices, b.CycleCostPerKWH, req.MinProfitThresholdSEK)
	log.Ctx(ctx).DebugContext(ctx, "found profitable trades", slog.Int("count", len(trades)))

	energyForDischarge := b.TotalCapacityKWH - b.ReservedCapacityKWH
	for _, primary := range trades {
		if energyForDischarge <= 0 {
			break
		}
		if actions[primary.chargeHour] != 0 {
			continue
		}

		chargeAmount := math.Min(b.MaxChargeRateKW, b.TotalCapacityKWH-maxSOEAfter(primary.chargeHour))
		if chargeAmount <= 0 {
			continue
		}

		// place the charged energy: primary discharge first, then
		// secondary opportunities sharing the same charge hour
		type placement struct {
			hour   int
			amount float64
		}
		var plan []placement
		remaining := chargeAmount

		if room := dischargeCap[primary.dischargeHour]; room > 0 {
			amount := math.Min(room, remaining)
			plan = append(plan, placement{primary.dischargeHour, amount})
			remaining -= amount
		}
		if remaining > 0 {
			for _, secondary := range trades {
				if remaining <= 0 {
					break
				}
				if secondary.dischargeHour != primary.dischargeHour &&
					secondary.chargeHour == primary.chargeHour &&
					dischargeCap[secondary.dischargeHour] > 0 &&
					secondary.profitPerKWH > 0 {
					amount := math.Min(dischargeCap[secondary.dischargeHour], remaining)
					plan = append(plan, placement{secondary.dischargeHour, amount})
					remaining -= amount
				}
			}
		}

		var totalDischarge float64
		for _, p := range plan {
			totalDischarge += p.amount
		}
		if len(plan) == 0 || totalDischarge < chargeAmount*placementThreshold {
			continue
		}

		actions[primary.chargeHour] = chargeAmount
		for i := primary.chargeHour + 1; i <= n; i++ {
			soe[i] += chargeAmount
		}
		for _, p := range plan {
			applyDischarge(p.hour, p.amount)
		}
		energyForDischarge -= chargeAmount

		log.Ctx(ctx).DebugContext(
			ctx,
			"trade executed",
			slog.Int("chargeHour", req.Prices[primary.chargeHour].Hour),
			slog.Float64("chargeKWH", chargeAmount),
			slog.Float64("dischargeKWH", totalDischarge),
		)
	}

	// turn the actions into per-hour cost records, projecting the cost
	// basis forward: planned charging draws from the grid at that hour's
	// buy price
	res := Result{Hours: make([]types.HourRecord, 0, n)}
	basis := req.Basis
	for i := 0; i < n; i++ {
		price := req.Prices[i]
		action := actions[i]

		var gridCost, batteryCost float64
		if action >= 0 {
			gridCost = (load[i] + action) * price.BuyPrice
			batteryCost = action * b.CycleCostPerKWH
			basis = basis.AddGrid(action, price.BuyPrice)
		} else {
			gridCost = math.Max(0, load[i]+action) * price.BuyPrice
			basis = basis.Discharge(-action)
		}
		totalCost := gridCost + batteryCost
		baseCost := load[i] * price.BuyPrice

		res.Hours = append(res.Hours, types.HourRecord{
			Hour:            price.Hour,
			Price:           price,
			SOEStartKWH:     soe[i],
			SOEEndKWH:       soe[i+1],
			ActionKWH:       action,
			GridKWH:         math.Max(0, load[i]+action),
			GridCost:        gridCost,
			BatteryCost:     batteryCost,
			TotalCost:       totalCost,
			BaseCost:        baseCost,
			Savings:         baseCost - totalCost,
			CostBasisPerKWH: basis.PerKWH(),
		})
		res.BaseCost += baseCost
		res.OptimizedCost += totalCost
	}
	res.Savings = res.BaseCost - res.OptimizedCost
	res.FinalSOEKWH = soe[n]
	return res, nil
}

// findProfitableTrades enumerates chronological charge/discharge hour pairs
// whose price spread clears the cycle cost plus the profit threshold, most
// profitable first. The sort is stable so earlier opportunities win ties.
func findProfitableTrades(prices []types.PricePoint, cycleCost, minProfit float64) []trade {
	var trades []trade
	for c := 0; c < len(prices); c++ {
		for d := c + 1; d < len(prices); d++ {
			profit := prices[d].BuyPrice - prices[c].BuyPrice - cycleCost
			if profit >= minProfit {
				trades = append(trades, trade{chargeHour: c, dischargeHour: d, profitPerKWH: profit})
			}
		}
	}
	sort.SliceStable(trades, func(i, j int) bool {
		return trades[i].profitPerKWH > trades[j].profitPerKWH
	})
	return trades
}
