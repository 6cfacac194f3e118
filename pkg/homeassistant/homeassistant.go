// Package homeassistant reads energy sensors from and writes control
// entities to a Home Assistant instance over its REST API.
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/johanzander/batterymanager/pkg/common"
	"github.com/johanzander/batterymanager/pkg/log"
	"github.com/johanzander/batterymanager/pkg/types"
	"github.com/levenlabs/go-lflag"
	"gopkg.in/yaml.v3"
)

// sensor names every installation must map to an entity
var requiredSensors = []string{
	"grid_import",
	"grid_export",
	"solar",
	"battery_charge",
	"battery_discharge",
	"load",
	"battery_charge_from_grid",
	"battery_level",
}

// Controls names the writable entities used to steer the inverter.
type Controls struct {
	GridChargeSwitch    string `yaml:"grid_charge_switch"`
	DischargeRateNumber string `yaml:"discharge_rate_number"`
}

// EntityMap maps the logical sensor and control names used throughout the
// codebase to installation-specific Home Assistant entity IDs.
type EntityMap struct {
	Sensors  map[string]string `yaml:"sensors"`
	Controls Controls          `yaml:"controls"`
}

// LoadEntityMap reads and validates an entity map from a YAML file.
func LoadEntityMap(path string) (EntityMap, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return EntityMap{}, fmt.Errorf("reading entity map: %w", err)
	}
	var m EntityMap
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return EntityMap{}, fmt.Errorf("parsing entity map: %w", err)
	}
	if err := m.Validate(); err != nil {
		return EntityMap{}, err
	}
	return m, nil
}

// Validate checks that every required sensor is mapped.
func (m EntityMap) Validate() error {
	for _, name := range requiredSensors {
		if m.Sensors[name] == "" {
			return fmt.Errorf("entity map is missing sensor %q", name)
		}
	}
	if m.Controls.GridChargeSwitch == "" || m.Controls.DischargeRateNumber == "" {
		return fmt.Errorf("entity map is missing control entities")
	}
	return nil
}

// Client talks to one Home Assistant instance.
type Client struct {
	baseURL  string
	token    string
	entities EntityMap
	client   *http.Client
	testMode bool

	mu        sync.Mutex
	lastKnown map[string]float64
}

// New returns a Client for the given instance. testMode logs control writes
// instead of sending them; reads are unaffected.
func New(baseURL, token string, entities EntityMap, testMode bool) *Client {
	return &Client{
		baseURL:   baseURL,
		token:     token,
		entities:  entities,
		client:    common.HTTPClient(15 * time.Second),
		testMode:  testMode,
		lastKnown: map[string]float64{},
	}
}

// Configured sets up the Client based on flags.
func Configured() *Client {
	baseURL := lflag.RequiredString("ha-url", "Base URL of the Home Assistant instance, for example http://homeassistant.local:8123")
	token := lflag.RequiredString("ha-token", "Long-lived Home Assistant access token")
	entityMapPath := lflag.RequiredString("ha-entity-map", "Path to the YAML file mapping logical sensor names to entity IDs")
	testMode := lflag.Bool("ha-test-mode", false, "Log control writes instead of sending them")

	c := &Client{
		client:    common.HTTPClient(15 * time.Second),
		lastKnown: map[string]float64{},
	}
	lflag.Do(func() {
		c.baseURL = *baseURL
		c.token = *token
		c.testMode = *testMode
		var err error
		if c.entities, err = LoadEntityMap(*entityMapPath); err != nil {
			panic(fmt.Sprintf("invalid ha-entity-map: %v", err))
		}
	})
	return c
}

type stateResponse struct {
	State string `json:"state"`
}

// Sensor returns the current numeric value of a mapped sensor. When the
// entity reports unavailable or unknown, the last known value is returned
// with stale set to true.
func (c *Client) Sensor(ctx context.Context, name string) (value float64, stale bool, err error) {
	entity := c.entities.Sensors[name]
	if entity == "" {
		return 0, false, fmt.Errorf("no entity mapped for sensor %q", name)
	}

	var state stateResponse
	if err := c.get(ctx, "/api/states/"+url.PathEscape(entity), &state); err != nil {
		return c.stale(ctx, name, entity, err)
	}
	if state.State == "unavailable" || state.State == "unknown" {
		return c.stale(ctx, name, entity, fmt.Errorf("entity %s is %s", entity, state.State))
	}

	v, err := strconv.ParseFloat(state.State, 64)
	if err != nil {
		return c.stale(ctx, name, entity, fmt.Errorf("entity %s has non-numeric state %q", entity, state.State))
	}

	c.mu.Lock()
	c.lastKnown[name] = v
	c.mu.Unlock()
	return v, false, nil
}

// stale falls back to the last known value for a sensor. Without any prior
// reading the original error is returned.
func (c *Client) stale(ctx context.Context, name, entity string, cause error) (float64, bool, error) {
	c.mu.Lock()
	v, ok := c.lastKnown[name]
	c.mu.Unlock()
	if !ok {
		return 0, false, cause
	}
	log.Ctx(ctx).WarnContext(
		ctx,
		"sensor unavailable, using last known value",
		slog.String("sensor", name),
		slog.String("entity", entity),
		slog.Float64("lastKnown", v),
		slog.String("cause", cause.Error()),
	)
	return v, true, nil
}

// FlowSample reads all energy counters and the battery level and returns
// them as one sample for the given hour. Any sensor served from a stale
// value marks the sample low confidence.
func (c *Client) FlowSample(ctx context.Context, hour int) (types.EnergyFlowSample, error) {
	sample := types.EnergyFlowSample{
		Hour:      hour,
		Timestamp: time.Now(),
	}

	fields := []struct {
		name string
		dst  *float64
	}{
		{"grid_import", &sample.GridImportKWH},
		{"grid_export", &sample.GridExportKWH},
		{"solar", &sample.SolarKWH},
		{"battery_charge", &sample.BatteryChargeKWH},
		{"battery_discharge", &sample.BatteryDischargeKWH},
		{"load", &sample.LoadKWH},
		{"battery_charge_from_grid", &sample.BatteryChargeFromGridKWH},
		{"battery_level", &sample.BatteryLevelKWH},
	}
	for _, f := range fields {
		v, stale, err := c.Sensor(ctx, f.name)
		if err != nil {
			return types.EnergyFlowSample{}, fmt.Errorf("reading sensor %s: %w", f.name, err)
		}
		*f.dst = v
		if stale {
			sample.LowConfidence = true
		}
	}
	return sample, nil
}

// SetGridCharge flips the grid charging switch.
func (c *Client) SetGridCharge(ctx context.Context, on bool) error {
	service := "turn_off"
	if on {
		service = "turn_on"
	}
	return c.write(ctx, "switch", service, map[string]any{
		"entity_id": c.entities.Controls.GridChargeSwitch,
	})
}

// SetDischargeRate sets the discharge power percentage, 0 to 100.
func (c *Client) SetDischargeRate(ctx context.Context, percent int) error {
	return c.write(ctx, "number", "set_value", map[string]any{
		"entity_id": c.entities.Controls.DischargeRateNumber,
		"value":     percent,
	})
}

// CallService invokes an arbitrary Home Assistant service. In test mode the
// call is logged and dropped.
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	return c.write(ctx, domain, service, data)
}

func (c *Client) write(ctx context.Context, domain, service string, data map[string]any) error {
	if c.testMode {
		log.Ctx(ctx).InfoContext(
			ctx,
			"test mode, skipping control write",
			slog.String("domain", domain),
			slog.String("service", service),
			slog.Any("data", data),
		)
		return nil
	}
	return c.post(ctx, fmt.Sprintf("/api/services/%s/%s", domain, service), data)
}

func (c *Client) get(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s returned %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("POST %s returned %s", path, resp.Status)
	}
	return nil
}
