package prices

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/johanzander/batterymanager/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceForDay(t *testing.T) {
	src := NewStaticSource()
	day := time.Date(2025, 6, 12, 0, 0, 0, 0, time.UTC)
	src.SetPrices(day, []float64{0.2, 0.4})

	svc := New(src, types.DefaultPriceSettings())

	points, err := svc.ForDay(context.Background(), day)
	require.NoError(t, err)
	require.Len(t, points, 2)

	assert.Equal(t, 0, points[0].Hour)
	assert.Equal(t, 1, points[1].Hour)
	assert.InDelta(t, (0.2+0.08)*1.25+1.03, points[0].BuyPrice, 1e-9)
	assert.InDelta(t, 0.2+0.6518, points[0].SellPrice, 1e-9)
	assert.Equal(t, day.Add(time.Hour), points[1].TSStart)
}

func TestServiceTomorrowUnpublished(t *testing.T) {
	src := NewStaticSource()
	now := time.Date(2025, 6, 12, 13, 0, 0, 0, time.UTC)
	src.SetPrices(now, []float64{0.5})

	svc := New(src, types.DefaultPriceSettings())

	// tomorrow not yet published is not an error
	points, err := svc.Tomorrow(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, points)
}

func TestServiceSetSettingsDropsCache(t *testing.T) {
	src := NewStaticSource()
	day := time.Date(2025, 6, 12, 0, 0, 0, 0, time.UTC)
	raw := make([]float64, 24)
	for i := range raw {
		raw[i] = 1.0
	}
	src.SetPrices(day, raw)

	svc := New(src, types.DefaultPriceSettings())

	points, err := svc.ForDay(context.Background(), day)
	require.NoError(t, err)
	require.Len(t, points, 24)
	first := points[0].BuyPrice

	settings := types.DefaultPriceSettings()
	settings.MarkupSEKPerKWH = 0.5
	svc.SetSettings(settings)

	points, err = svc.ForDay(context.Background(), day)
	require.NoError(t, err)
	assert.Greater(t, points[0].BuyPrice, first)
}

func TestNordpoolSource(t *testing.T) {
	day := time.Date(2025, 6, 12, 0, 0, 0, 0, time.UTC)

	t.Run("published day", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "DayAhead", r.URL.Query().Get("market"))
			assert.Equal(t, "SE4", r.URL.Query().Get("deliveryArea"))
			assert.Equal(t, "2025-06-12", r.URL.Query().Get("date"))
			w.Header().Set("Content-Type", "application/json")
			// prices come back in SEK/MWh
			_, err := w.Write([]byte(`{"multiAreaEntries":[
				{"deliveryStart":"2025-06-12T00:00:00","entryPerArea":{"SE4":512.5}},
				{"deliveryStart":"2025-06-12T01:00:00","entryPerArea":{"SE4":250.0}}
			]}`))
			assert.NoError(t, err)
		}))
		defer server.Close()

		src := NewNordpoolSource(server.URL, "SE4")
		prices, err := src.RawPrices(context.Background(), day)
		require.NoError(t, err)
		require.Len(t, prices, 2)
		assert.InDelta(t, 0.5125, prices[0], 1e-9)
		assert.InDelta(t, 0.25, prices[1], 1e-9)
	})

	t.Run("unpublished day returns empty", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
		defer server.Close()

		src := NewNordpoolSource(server.URL, "SE4")
		prices, err := src.RawPrices(context.Background(), day)
		require.NoError(t, err)
		assert.Empty(t, prices)
	})

	t.Run("server error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		src := NewNordpoolSource(server.URL, "SE4")
		_, err := src.RawPrices(context.Background(), day)
		assert.Error(t, err)
	})
}

func TestNordpoolValidate(t *testing.T) {
	assert.Error(t, NewNordpoolSource("", "SE4").Validate())
	assert.Error(t, NewNordpoolSource("https://example.com", "").Validate())
	assert.NoError(t, NewNordpoolSource("https://example.com", "SE4").Validate())
}
