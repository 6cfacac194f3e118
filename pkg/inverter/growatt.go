package inverter

import (
	"context"
	"fmt"
)

// Growatt batt_mode values for time-of-use segments.
const (
	battModeLoadFirst    = 0
	battModeBatteryFirst = 1
)

// ControlClient is the subset of the Home Assistant client the Growatt
// adapter needs.
type ControlClient interface {
	SetGridCharge(ctx context.Context, on bool) error
	SetDischargeRate(ctx context.Context, percent int) error
	CallService(ctx context.Context, domain, service string, data map[string]any) error
}

// Growatt programs a Growatt TLX inverter through its Home Assistant
// integration.
type Growatt struct {
	client ControlClient
}

var _ Adapter = (*Growatt)(nil)

// NewGrowatt returns an Adapter driving a Growatt inverter via client.
func NewGrowatt(client ControlClient) *Growatt {
	return &Growatt{client: client}
}

func (g *Growatt) SetGridCharge(ctx context.Context, on bool) error {
	if err := g.client.SetGridCharge(ctx, on); err != nil {
		return &AdapterFailure{Op: "set grid charge", Err: err}
	}
	return nil
}

func (g *Growatt) SetDischargeRate(ctx context.Context, percent int) error {
	if err := g.client.SetDischargeRate(ctx, percent); err != nil {
		return &AdapterFailure{Op: "set discharge rate", Err: err}
	}
	return nil
}

// ApplyTOU writes the given time-of-use program and disables every
// remaining slot so stale segments from a previous day cannot fire.
func (g *Growatt) ApplyTOU(ctx context.Context, segments []Segment) error {
	written := map[int]bool{}
	for _, seg := range segments {
		if seg.ID < 1 || seg.ID > maxTOUSegments {
			return &AdapterFailure{Op: "apply tou", Err: fmt.Errorf("segment id %d out of range", seg.ID)}
		}
		mode := battModeLoadFirst
		if seg.BatteryFirst {
			mode = battModeBatteryFirst
		}
		err := g.client.CallService(ctx, "growatt_server", "update_tlx_inverter_time_segment", map[string]any{
			"segment_id": seg.ID,
			"batt_mode":  mode,
			"start_time": seg.StartTime,
			"end_time":   seg.EndTime,
			"enabled":    seg.Enabled,
		})
		if err != nil {
			return &AdapterFailure{Op: "apply tou", Err: err}
		}
		written[seg.ID] = true
	}
	for id := 1; id <= maxTOUSegments; id++ {
		if written[id] {
			continue
		}
		err := g.client.CallService(ctx, "growatt_server", "update_tlx_inverter_time_segment", map[string]any{
			"segment_id": id,
			"batt_mode":  battModeLoadFirst,
			"start_time": "00:00",
			"end_time":   "00:00",
			"enabled":    false,
		})
		if err != nil {
			return &AdapterFailure{Op: "apply tou", Err: err}
		}
	}
	return nil
}
