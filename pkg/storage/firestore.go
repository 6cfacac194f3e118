package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/johanzander/batterymanager/pkg/log"
	"github.com/johanzander/batterymanager/pkg/types"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements Database using Google Cloud Firestore.
// Documents store their payload as a JSON string so the schema can evolve
// without Firestore type mapping getting in the way.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

// decodeJSONDoc extracts and unmarshals the "json" field of a document.
func decodeJSONDoc(doc *firestore.DocumentSnapshot, dst any) error {
	val, err := doc.DataAt("json")
	if err != nil {
		return fmt.Errorf("document %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		return fmt.Errorf("document %s 'json' field is not a string", doc.Ref.ID)
	}
	if err := json.Unmarshal([]byte(jsonStr), dst); err != nil {
		return fmt.Errorf("failed to unmarshal document %s: %w", doc.Ref.ID, err)
	}
	return nil
}

// GetSettings retrieves the dynamic configuration from the "config/settings"
// document. A missing document yields zero settings and version 0.
func (f *FirestoreProvider) GetSettings(ctx context.Context) (types.Settings, int, error) {
	doc, err := f.client.Collection("config").Doc("settings").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.Settings{}, 0, nil
		}
		return types.Settings{}, 0, fmt.Errorf("failed to fetch settings doc: %w", err)
	}

	var version int
	if v, err := doc.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}

	var s types.Settings
	if err := decodeJSONDoc(doc, &s); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "bad settings doc", slog.Any("err", err))
		return types.Settings{}, 0, err
	}
	return s, version, nil
}

// SetSettings saves the dynamic configuration to the "config/settings"
// document as a JSON string for portability.
func (f *FirestoreProvider) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	jsonBytes, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	_, err = f.client.Collection("config").Doc("settings").Set(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"version": version,
	})
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// SaveDay upserts a day snapshot in the "days" collection. The document ID
// is the date for lexicographic ordering and range queries.
func (f *FirestoreProvider) SaveDay(ctx context.Context, snap types.DaySnapshot) error {
	if snap.Date == "" {
		return fmt.Errorf("day snapshot missing date")
	}
	jsonBytes, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal day snapshot: %w", err)
	}
	_, err = f.client.Collection("days").Doc(snap.Date).Set(ctx, map[string]interface{}{
		"json": string(jsonBytes),
	})
	if err != nil {
		return fmt.Errorf("failed to save day %s: %w", snap.Date, err)
	}
	return nil
}

// GetDay retrieves the snapshot for a date.
func (f *FirestoreProvider) GetDay(ctx context.Context, date string) (types.DaySnapshot, error) {
	doc, err := f.client.Collection("days").Doc(date).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.DaySnapshot{}, fmt.Errorf("%w: %s", ErrDayNotFound, date)
		}
		return types.DaySnapshot{}, fmt.Errorf("failed to get day %s: %w", date, err)
	}

	var snap types.DaySnapshot
	if err := decodeJSONDoc(doc, &snap); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "bad day doc", slog.String("date", date), slog.Any("err", err))
		return types.DaySnapshot{}, err
	}
	return snap, nil
}

// ListDays returns the dates with a stored snapshot within [start, end],
// ascending. Empty bounds mean unbounded.
func (f *FirestoreProvider) ListDays(ctx context.Context, start, end string) ([]string, error) {
	coll := f.client.Collection("days")
	q := coll.Query
	if start != "" {
		q = q.Where(firestore.DocumentID, ">=", coll.Doc(start))
	}
	if end != "" {
		q = q.Where(firestore.DocumentID, "<=", coll.Doc(end))
	}
	iter := q.OrderBy(firestore.DocumentID, firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var dates []string
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating days: %w", err)
		}
		dates = append(dates, doc.Ref.ID)
	}
	return dates, nil
}

// UpsertPrices stores a day's price points in the "prices" collection,
// keyed by date.
func (f *FirestoreProvider) UpsertPrices(ctx context.Context, date string, prices []types.PricePoint) error {
	jsonBytes, err := json.Marshal(prices)
	if err != nil {
		return fmt.Errorf("failed to marshal prices: %w", err)
	}
	_, err = f.client.Collection("prices").Doc(date).Set(ctx, map[string]interface{}{
		"json": string(jsonBytes),
	})
	if err != nil {
		return fmt.Errorf("failed to upsert prices for %s: %w", date, err)
	}
	return nil
}

// GetPrices retrieves a day's price points. A missing document yields an
// empty slice.
func (f *FirestoreProvider) GetPrices(ctx context.Context, date string) ([]types.PricePoint, error) {
	doc, err := f.client.Collection("prices").Doc(date).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get prices for %s: %w", date, err)
	}

	var prices []types.PricePoint
	if err := decodeJSONDoc(doc, &prices); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "bad prices doc", slog.String("date", date), slog.Any("err", err))
		return nil, err
	}
	return prices, nil
}

// SaveFlowSample stores a counter sample in the "flow_samples" collection.
// The document ID is the RFC3339 timestamp for ordering.
func (f *FirestoreProvider) SaveFlowSample(ctx context.Context, sample types.EnergyFlowSample) error {
	if sample.Timestamp.IsZero() {
		return fmt.Errorf("flow sample missing timestamp")
	}
	jsonBytes, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to marshal flow sample: %w", err)
	}
	docID := sample.Timestamp.UTC().Format(time.RFC3339)
	_, err = f.client.Collection("flow_samples").Doc(docID).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": sample.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to save flow sample: %w", err)
	}
	return nil
}

// GetLatestFlowSample retrieves the most recent counter sample, if any.
func (f *FirestoreProvider) GetLatestFlowSample(ctx context.Context) (types.EnergyFlowSample, bool, error) {
	iter := f.client.Collection("flow_samples").
		OrderBy("timestamp", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return types.EnergyFlowSample{}, false, nil
	}
	if err != nil {
		return types.EnergyFlowSample{}, false, fmt.Errorf("failed to get latest flow sample: %w", err)
	}

	var sample types.EnergyFlowSample
	if err := decodeJSONDoc(doc, &sample); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "bad flow sample doc", slog.Any("err", err))
		return types.EnergyFlowSample{}, false, err
	}
	return sample, true, nil
}
