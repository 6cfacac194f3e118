package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriceSettingsBuySell(t *testing.T) {
	p := DefaultPriceSettings()

	// (1.0 + 0.08) * 1.25 + 1.03 = 2.38
	assert.InDelta(t, 2.38, p.BuyPrice(1.0), 1e-9)
	// 1.0 + 0.6518
	assert.InDelta(t, 1.6518, p.SellPrice(1.0), 1e-9)

	// zero spot price still carries fixed costs
	assert.InDelta(t, 1.13, p.BuyPrice(0), 1e-9)
	assert.InDelta(t, 0.6518, p.SellPrice(0), 1e-9)
}

func TestPriceSettingsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*PriceSettings)
		wantErr bool
	}{
		{name: "defaults", mutate: func(p *PriceSettings) {}},
		{name: "bad area", mutate: func(p *PriceSettings) { p.Area = "NO1" }, wantErr: true},
		{name: "vat below one", mutate: func(p *PriceSettings) { p.VATMultiplier = 0.8 }, wantErr: true},
		{name: "negative markup", mutate: func(p *PriceSettings) { p.MarkupSEKPerKWH = -0.01 }, wantErr: true},
		{name: "negative additional costs", mutate: func(p *PriceSettings) { p.AdditionalCostsSEKPerKWH = -1 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPriceSettings()
			tt.mutate(&p)
			err := p.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPricePointAt(t *testing.T) {
	p := DefaultPriceSettings()
	day := time.Date(2025, 6, 12, 0, 0, 0, 0, time.UTC)

	pt := p.PricePointAt(day, 7, 0.5)
	require.Equal(t, 7, pt.Hour)
	assert.Equal(t, time.Date(2025, 6, 12, 7, 0, 0, 0, time.UTC), pt.TSStart)
	assert.InDelta(t, 0.5, pt.BasePrice, 1e-9)
	assert.InDelta(t, p.BuyPrice(0.5), pt.BuyPrice, 1e-9)
	assert.InDelta(t, p.SellPrice(0.5), pt.SellPrice, 1e-9)
}
