package types

import (
	"fmt"
	"time"
)

// PricePoint represents one hour of electricity pricing for a delivery day.
// Prices are in SEK per kWh. Once published for a given day the point is
// immutable.
type PricePoint struct {
	Hour    int       `json:"hour"`
	TSStart time.Time `json:"tsStart"`
	// BasePrice is the raw spot price from the market.
	BasePrice float64 `json:"basePrice"`
	// BuyPrice is what importing 1 kWh from the grid costs after markup,
	// VAT and grid fees.
	BuyPrice float64 `json:"buyPrice"`
	// SellPrice is what exporting 1 kWh earns after tax reduction.
	SellPrice float64 `json:"sellPrice"`
}

// PriceSettings holds the retail pricing parameters used to derive buy and
// sell prices from the raw spot price.
type PriceSettings struct {
	// Area is the bidding area (SE1-SE4).
	Area string `json:"area"`
	// MarkupSEKPerKWH is the supplier's markup on the spot price.
	MarkupSEKPerKWH float64 `json:"markupSEKPerKWH"`
	// VATMultiplier is applied to spot plus markup (1.25 for 25% VAT).
	VATMultiplier float64 `json:"vatMultiplier"`
	// AdditionalCostsSEKPerKWH covers transfer fees and energy tax.
	AdditionalCostsSEKPerKWH float64 `json:"additionalCostsSEKPerKWH"`
	// TaxReductionSEKPerKWH is added to the spot price when selling.
	TaxReductionSEKPerKWH float64 `json:"taxReductionSEKPerKWH"`
}

// DefaultPriceSettings returns pricing parameters for a typical Swedish
// household contract.
func DefaultPriceSettings() PriceSettings {
	return PriceSettings{
		Area:                     "SE4",
		MarkupSEKPerKWH:          0.08,
		VATMultiplier:            1.25,
		AdditionalCostsSEKPerKWH: 1.03,
		TaxReductionSEKPerKWH:    0.6518,
	}
}

var validAreas = map[string]bool{
	"SE1": true,
	"SE2": true,
	"SE3": true,
	"SE4": true,
}

// Validate checks the pricing parameters for consistency.
func (p PriceSettings) Validate() error {
	if !validAreas[p.Area] {
		return fmt.Errorf("invalid price area: %s", p.Area)
	}
	if p.VATMultiplier < 1 {
		return fmt.Errorf("vat multiplier must be >= 1, got %v", p.VATMultiplier)
	}
	if p.MarkupSEKPerKWH < 0 {
		return fmt.Errorf("markup cannot be negative, got %v", p.MarkupSEKPerKWH)
	}
	if p.AdditionalCostsSEKPerKWH < 0 {
		return fmt.Errorf("additional costs cannot be negative, got %v", p.AdditionalCostsSEKPerKWH)
	}
	if p.TaxReductionSEKPerKWH < 0 {
		return fmt.Errorf("tax reduction cannot be negative, got %v", p.TaxReductionSEKPerKWH)
	}
	return nil
}

// BuyPrice returns the retail cost of importing 1 kWh at the given spot price.
func (p PriceSettings) BuyPrice(base float64) float64 {
	return (base+p.MarkupSEKPerKWH)*p.VATMultiplier + p.AdditionalCostsSEKPerKWH
}

// SellPrice returns the compensation for exporting 1 kWh at the given spot price.
func (p PriceSettings) SellPrice(base float64) float64 {
	return base + p.TaxReductionSEKPerKWH
}

// PricePointAt builds the full PricePoint for an hour of the given day.
func (p PriceSettings) PricePointAt(day time.Time, hour int, base float64) PricePoint {
	return PricePoint{
		Hour:      hour,
		TSStart:   time.Date(day.Year(), day.Month(), day.Day(), hour, 0, 0, 0, day.Location()),
		BasePrice: base,
		BuyPrice:  p.BuyPrice(base),
		SellPrice: p.SellPrice(base),
	}
}
