package prices

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/johanzander/batterymanager/pkg/log"
	"github.com/johanzander/batterymanager/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// Service normalizes raw spot prices from a Source into hour-indexed
// PricePoints with buy and sell prices applied. Published days are cached
// since price points are immutable once published.
type Service struct {
	source Source

	mu       sync.Mutex
	settings types.PriceSettings
	cache    map[string][]types.PricePoint
}

// New returns a Service over the given source and pricing parameters.
func New(source Source, settings types.PriceSettings) *Service {
	return &Service{
		source:   source,
		settings: settings,
		cache:    map[string][]types.PricePoint{},
	}
}

// Configured sets up the price Service based on flags.
func Configured() *Service {
	provider := lflag.String("price-source", "nordpool", "Price source to use (available: nordpool, static)")
	apiURL := lflag.String("nordpool-api-url", "https://dataportal-api.nordpoolgroup.com/api/DayAheadPrices", "URL for the Nord Pool day-ahead price API")
	area := lflag.String("price-area", "SE4", "Bidding area (SE1-SE4)")

	s := &Service{
		settings: types.DefaultPriceSettings(),
		cache:    map[string][]types.PricePoint{},
	}

	lflag.Do(func() {
		switch *provider {
		case "nordpool":
			np := NewNordpoolSource(*apiURL, *area)
			if err := np.Validate(); err != nil {
				panic(fmt.Sprintf("nordpool validation failed: %v", err))
			}
			s.source = np
		case "static":
			s.source = NewStaticSource()
		default:
			panic(fmt.Sprintf("unknown price source: %s", *provider))
		}
		s.settings.Area = *area
	})

	return s
}

// SetSettings updates the pricing parameters and drops cached days so the
// next fetch reflects the new parameters.
func (s *Service) SetSettings(settings types.PriceSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
	s.cache = map[string][]types.PricePoint{}
}

// Settings returns the current pricing parameters.
func (s *Service) Settings() types.PriceSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// ForDay returns the normalized price points for the given day. An empty
// slice with a nil error means the day's prices are not published yet,
// which is expected for tomorrow before the market cutover.
func (s *Service) ForDay(ctx context.Context, day time.Time) ([]types.PricePoint, error) {
	key := day.Format(time.DateOnly)

	s.mu.Lock()
	if cached, ok := s.cache[key]; ok {
		s.mu.Unlock()
		return cached, nil
	}
	settings := s.settings
	s.mu.Unlock()

	raw, err := s.source.RawPrices(ctx, day)
	if err != nil {
		return nil, fmt.Errorf("failed to get raw prices for %s: %w", key, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	points := make([]types.PricePoint, 0, len(raw))
	for hour, base := range raw {
		points = append(points, settings.PricePointAt(day, hour, base))
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"normalized price series",
		slog.String("date", key),
		slog.Int("hours", len(points)),
	)

	// only full days are final
	if len(points) == 24 {
		s.mu.Lock()
		s.cache[key] = points
		s.mu.Unlock()
	}
	return points, nil
}

// Today returns the price points for the day containing now.
func (s *Service) Today(ctx context.Context, now time.Time) ([]types.PricePoint, error) {
	return s.ForDay(ctx, now)
}

// Tomorrow returns the price points for the day after now, or an empty
// series if they have not been published yet.
func (s *Service) Tomorrow(ctx context.Context, now time.Time) ([]types.PricePoint, error) {
	return s.ForDay(ctx, now.AddDate(0, 0, 1))
}
