package types

import "time"

// EnergyFlowSample is a snapshot of the cumulative daily energy counters
// taken at an hour boundary. All counters reset at local midnight and are
// monotonically increasing within a day; a decrease between two samples
// signals a counter reset and is treated as a data-quality fault, never as a
// negative flow.
type EnergyFlowSample struct {
	Hour      int       `json:"hour"`
	Timestamp time.Time `json:"timestamp"`

	GridImportKWH            float64 `json:"gridImportKWH"`
	GridExportKWH            float64 `json:"gridExportKWH"`
	SolarKWH                 float64 `json:"solarKWH"`
	BatteryChargeKWH         float64 `json:"batteryChargeKWH"`
	BatteryDischargeKWH      float64 `json:"batteryDischargeKWH"`
	LoadKWH                  float64 `json:"loadKWH"`
	BatteryChargeFromGridKWH float64 `json:"batteryChargeFromGridKWH"`

	// BatteryLevelKWH is the directly measured state-of-energy at the
	// sample time, used as the fallback when counters are unusable.
	BatteryLevelKWH float64 `json:"batteryLevelKWH"`

	// LowConfidence marks a sample where one or more readings were
	// unavailable and the last known value was substituted.
	LowConfidence bool `json:"lowConfidence,omitempty"`
}

// HourFlows are the incremental flows for a single hour, derived by
// subtracting two consecutive EnergyFlowSamples.
type HourFlows struct {
	Hour int `json:"hour"`

	GridImportKWH       float64 `json:"gridImportKWH"`
	GridExportKWH       float64 `json:"gridExportKWH"`
	SolarKWH            float64 `json:"solarKWH"`
	BatteryChargeKWH    float64 `json:"batteryChargeKWH"`
	BatteryDischargeKWH float64 `json:"batteryDischargeKWH"`
	LoadKWH             float64 `json:"loadKWH"`

	// GridToBatteryKWH is the portion of the battery charge drawn from the
	// grid; the remainder is attributed to solar-direct charging.
	GridToBatteryKWH  float64 `json:"gridToBatteryKWH"`
	SolarToBatteryKWH float64 `json:"solarToBatteryKWH"`
}
