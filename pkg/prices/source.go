package prices

import (
	"context"
	"sync"
	"time"
)

// Source provides raw hourly spot prices for a delivery day.
type Source interface {
	// RawPrices returns the spot prices (SEK/kWh) for each hour of the
	// given day, in hour order. An empty slice with a nil error means the
	// day's prices have not been published yet.
	RawPrices(ctx context.Context, day time.Time) ([]float64, error)
}

// StaticSource serves a fixed set of prices, used for tests and offline runs.
type StaticSource struct {
	mu     sync.Mutex
	prices map[string][]float64
}

// NewStaticSource returns a StaticSource with no prices loaded.
func NewStaticSource() *StaticSource {
	return &StaticSource{prices: map[string][]float64{}}
}

// SetPrices sets the raw prices for a day.
func (s *StaticSource) SetPrices(day time.Time, prices []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[day.Format(time.DateOnly)] = prices
}

// RawPrices implements Source.
func (s *StaticSource) RawPrices(ctx context.Context, day time.Time) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prices[day.Format(time.DateOnly)], nil
}
