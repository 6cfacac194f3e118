package types

import (
	"fmt"
)

// CurrentSettingsVersion is the current version of the settings struct.
// Increment this value when adding new fields that require default values.
const CurrentSettingsVersion = 2

// Settings represents the configuration stored in the database.
// These are dynamic settings that can be changed without redeploying.
type Settings struct {
	Battery BatteryParams `json:"battery"`
	Price   PriceSettings `json:"price"`

	// HourlyConsumptionKWH is the forecast household consumption per hour,
	// used both as the optimizer's load forecast and as the per-hour
	// discharge ceiling (we never plan to export battery energy).
	HourlyConsumptionKWH float64 `json:"hourlyConsumptionKWH"`

	// MinProfitThresholdSEK is the minimum profit per kWh required before a
	// charge/discharge pair is worth the wear.
	MinProfitThresholdSEK float64 `json:"minProfitThresholdSEK"`
}

// DefaultSettings returns settings for a typical installation.
func DefaultSettings() Settings {
	return Settings{
		Battery:               DefaultBatteryParams(),
		Price:                 DefaultPriceSettings(),
		HourlyConsumptionKWH:  4.5,
		MinProfitThresholdSEK: 0.2,
	}
}

// Validate checks all settings sections at the boundary.
func (s Settings) Validate() error {
	if err := s.Battery.Validate(); err != nil {
		return err
	}
	if err := s.Price.Validate(); err != nil {
		return err
	}
	if s.HourlyConsumptionKWH <= 0 {
		return fmt.Errorf("hourly consumption must be positive, got %v", s.HourlyConsumptionKWH)
	}
	if s.MinProfitThresholdSEK < 0 {
		return fmt.Errorf("min profit threshold cannot be negative, got %v", s.MinProfitThresholdSEK)
	}
	return nil
}

// MigrateSettings migrates the settings to the current version.
// It returns the migrated settings, a boolean indicating if changes were made, and an error if migration failed.
func MigrateSettings(s Settings, currentVersion int) (Settings, bool, error) {
	if currentVersion >= CurrentSettingsVersion {
		return s, false, nil
	}

	migrated := false
	// Loop through versions to apply migrations sequentially
	for version := currentVersion + 1; version <= CurrentSettingsVersion; version++ {
		switch version {
		case 1:
			// version 1: initial defaults
			if s.Battery.TotalCapacityKWH == 0 {
				s.Battery = DefaultBatteryParams()
				migrated = true
			}
			if s.Price.Area == "" {
				s.Price = DefaultPriceSettings()
				migrated = true
			}
			if s.HourlyConsumptionKWH == 0 {
				s.HourlyConsumptionKWH = 4.5
				migrated = true
			}
		case 2:
			// version 2: add minimum profit threshold
			if s.MinProfitThresholdSEK == 0 {
				s.MinProfitThresholdSEK = 0.2
				migrated = true
			}
		default:
			return s, false, fmt.Errorf("unknown settings version: %d", version)
		}
	}

	return s, migrated, nil
}
