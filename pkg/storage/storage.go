package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/johanzander/batterymanager/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// ErrDayNotFound is returned when no snapshot exists for a date.
var ErrDayNotFound = errors.New("day not found")

// Database defines the interface for persisting schedules, prices, flow
// samples and settings. Dates are "2006-01-02" strings in local time.
type Database interface {
	// Settings
	GetSettings(ctx context.Context) (types.Settings, int, error)
	SetSettings(ctx context.Context, settings types.Settings, version int) error

	// Daily schedules
	SaveDay(ctx context.Context, snap types.DaySnapshot) error
	GetDay(ctx context.Context, date string) (types.DaySnapshot, error)
	// ListDays returns the dates with a stored snapshot in [start, end],
	// ascending. Empty bounds mean unbounded.
	ListDays(ctx context.Context, start, end string) ([]string, error)

	// Prices
	UpsertPrices(ctx context.Context, date string, prices []types.PricePoint) error
	GetPrices(ctx context.Context, date string) ([]types.PricePoint, error)

	// Flow samples, for recovering hour boundaries across restarts
	SaveFlowSample(ctx context.Context, sample types.EnergyFlowSample) error
	GetLatestFlowSample(ctx context.Context) (types.EnergyFlowSample, bool, error)

	// Lifecycle
	Close() error
}

// Configured sets up the storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "sqlite", "Storage provider to use (available: sqlite, firestore)")

	var p struct{ Database }

	sq := configuredSQLite()
	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "sqlite":
			if err := sq.Init(); err != nil {
				panic(fmt.Sprintf("sqlite init failed: %v", err))
			}
			p.Database = sq
		case "firestore":
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
			p.Database = fs
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
