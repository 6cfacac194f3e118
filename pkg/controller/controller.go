// Package controller runs the hourly reconcile-and-reoptimize cycle that
// keeps the daily schedule, the battery state and the inverter programming
// in sync.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/johanzander/batterymanager/pkg/inverter"
	"github.com/johanzander/batterymanager/pkg/log"
	"github.com/johanzander/batterymanager/pkg/optimize"
	"github.com/johanzander/batterymanager/pkg/prices"
	"github.com/johanzander/batterymanager/pkg/publisher"
	"github.com/johanzander/batterymanager/pkg/reconcile"
	"github.com/johanzander/batterymanager/pkg/schedule"
	"github.com/johanzander/batterymanager/pkg/storage"
	"github.com/johanzander/batterymanager/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// FlowSource supplies cumulative energy counter samples, normally the Home
// Assistant client.
type FlowSource interface {
	FlowSample(ctx context.Context, hour int) (types.EnergyFlowSample, error)
}

// minute within the last hour at which next-day programming runs
const prepareMinute = 55

// Controller owns the daily schedule and drives one cycle per hour. All
// mutation goes through RunCycle under a single mutex, so an overlapping
// invocation is skipped rather than queued.
type Controller struct {
	mu sync.Mutex

	db      storage.Database
	prices  *prices.Service
	flows   FlowSource
	adapter inverter.Adapter
	pub     *publisher.Publisher
	recon   *reconcile.Reconciler

	loc              *time.Location
	diffThresholdKWH float64

	settings types.Settings

	day         *schedule.Schedule
	currentHour int
	seeded      bool
	prevSample  *types.EnergyFlowSample

	published     bool
	lastPublished [24]float64

	appliedValid         bool
	appliedGridCharge    bool
	appliedDischargeRate int
}

// Deps are the collaborators a Controller needs.
type Deps struct {
	DB        storage.Database
	Prices    *prices.Service
	Flows     FlowSource
	Adapter   inverter.Adapter
	Publisher *publisher.Publisher
	Reconcile *reconcile.Reconciler
}

// New returns a Controller with the given collaborators.
func New(deps Deps, settings types.Settings, loc *time.Location, diffThresholdKWH float64) *Controller {
	return &Controller{
		db:               deps.DB,
		prices:           deps.Prices,
		flows:            deps.Flows,
		adapter:          deps.Adapter,
		pub:              deps.Publisher,
		recon:            deps.Reconcile,
		loc:              loc,
		diffThresholdKWH: diffThresholdKWH,
		settings:         settings,
	}
}

// Configured sets up the Controller based on flags. The collaborators are
// still passed in since they carry their own flags.
func Configured(deps Deps) *Controller {
	diffThreshold := lflag.String("plan-diff-threshold-kwh", "0.1", "Minimum per-hour plan change before the inverter is reprogrammed")
	timezone := lflag.String("timezone", "Europe/Stockholm", "Timezone the schedule day is anchored to")

	c := &Controller{
		db:      deps.DB,
		prices:  deps.Prices,
		flows:   deps.Flows,
		adapter: deps.Adapter,
		pub:     deps.Publisher,
		recon:   deps.Reconcile,
	}
	lflag.Do(func() {
		var err error
		if c.diffThresholdKWH, err = strconv.ParseFloat(*diffThreshold, 64); err != nil {
			panic(fmt.Sprintf("invalid plan-diff-threshold-kwh: %v", err))
		}
		if c.loc, err = time.LoadLocation(*timezone); err != nil {
			panic(fmt.Sprintf("invalid timezone: %v", err))
		}
	})
	return c
}

// Init loads persisted settings and restores today's schedule from storage
// so a restart mid-day does not lose finalized hours.
func (c *Controller) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored, version, err := c.db.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}
	if version == 0 {
		// fresh install, persist the defaults
		c.settings = types.DefaultSettings()
		if err := c.db.SetSettings(ctx, c.settings, types.CurrentSettingsVersion); err != nil {
			return fmt.Errorf("saving default settings: %w", err)
		}
	} else {
		migrated, changed, err := types.MigrateSettings(stored, version)
		if err != nil {
			return fmt.Errorf("migrating settings: %w", err)
		}
		c.settings = migrated
		if changed {
			if err := c.db.SetSettings(ctx, migrated, types.CurrentSettingsVersion); err != nil {
				return fmt.Errorf("saving migrated settings: %w", err)
			}
		}
	}
	c.prices.SetSettings(c.settings.Price)

	now := time.Now().In(c.loc)
	c.day = schedule.New(now, c.settings.Battery)

	snap, err := c.db.GetDay(ctx, c.day.Date().Format(time.DateOnly))
	switch {
	case errors.Is(err, storage.ErrDayNotFound):
	case err != nil:
		return fmt.Errorf("restoring today's schedule: %w", err)
	default:
		for _, rec := range snap.Hours {
			if !rec.Actual {
				continue
			}
			if err := c.day.RecordActual(rec); err != nil {
				return fmt.Errorf("restoring hour %d: %w", rec.Hour, err)
			}
		}
		c.day.SetState(snap.SOEKWH, types.NewCostBasis(snap.SOEKWH, snap.CostBasisPerKWH))
		c.seeded = true
		log.Ctx(ctx).InfoContext(
			ctx,
			"restored today's schedule from storage",
			slog.String("date", snap.Date),
			slog.Int("hours", len(snap.Hours)),
		)
	}

	if sample, ok, err := c.db.GetLatestFlowSample(ctx); err != nil {
		return fmt.Errorf("restoring latest flow sample: %w", err)
	} else if ok && sample.Timestamp.In(c.loc).Format(time.DateOnly) == c.day.Date().Format(time.DateOnly) {
		c.prevSample = &sample
	}
	return nil
}

// Settings returns the active settings.
func (c *Controller) Settings() types.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// UpdateSettings validates, persists and activates new settings. The next
// cycle reoptimizes with them.
func (c *Controller) UpdateSettings(ctx context.Context, settings types.Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.db.SetSettings(ctx, settings, types.CurrentSettingsVersion); err != nil {
		return fmt.Errorf("saving settings: %w", err)
	}
	c.settings = settings
	c.prices.SetSettings(settings.Price)
	return nil
}

// Snapshot returns the current day's schedule.
func (c *Controller) Snapshot() types.DaySnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.day == nil {
		return types.DaySnapshot{}
	}
	return c.day.Snapshot(c.currentHour)
}

// RunCycle executes one hourly cycle at the given time: reconcile the hour
// that just completed, reoptimize the rest of the day and reprogram the
// inverter when the plan materially changed. A cycle already in flight
// causes the call to be skipped.
func (c *Controller) RunCycle(ctx context.Context, now time.Time) error {
	if !c.mu.TryLock() {
		log.Ctx(ctx).WarnContext(ctx, "cycle already running, skipping")
		return nil
	}
	defer c.mu.Unlock()

	now = now.In(c.loc)
	hour := now.Hour()
	c.currentHour = hour
	ctx = log.With(ctx, log.Ctx(ctx).With(slog.Int("hour", hour)))

	sample, err := c.flows.FlowSample(ctx, hour)
	if err != nil {
		return fmt.Errorf("sampling energy counters: %w", err)
	}
	if err := c.db.SaveFlowSample(ctx, sample); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to persist flow sample", slog.Any("err", err))
	}

	c.rollover(ctx, now, sample)

	dayPrices, err := c.prices.ForDay(ctx, now)
	if err != nil {
		return fmt.Errorf("fetching prices: %w", err)
	}
	if len(dayPrices) < 24 {
		return fmt.Errorf("incomplete price series for %s: %d hours", now.Format(time.DateOnly), len(dayPrices))
	}
	if err := c.db.UpsertPrices(ctx, c.day.Date().Format(time.DateOnly), dayPrices); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to persist prices", slog.Any("err", err))
	}

	c.reconcileHour(ctx, hour, dayPrices, sample)
	// keep the sample taken at the hour boundary; a rerun within the same
	// hour must not shrink the next reconciliation window
	if c.prevSample == nil || c.prevSample.Hour != sample.Hour {
		c.prevSample = &sample
	}

	if err := c.reoptimize(ctx, hour, dayPrices); err != nil {
		if errors.Is(err, types.ErrInvalidBatteryConfig) {
			log.Ctx(ctx).ErrorContext(ctx, "invalid battery configuration, keeping previous plan", slog.Any("err", err))
		} else {
			return err
		}
	}

	c.publish(ctx, hour)

	snap := c.day.Snapshot(hour)
	if err := c.db.SaveDay(ctx, snap); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to persist day snapshot", slog.Any("err", err))
	}
	if err := c.pub.PublishDay(ctx, snap); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to publish day snapshot", slog.Any("err", err))
	}
	return nil
}

// rollover archives the previous day and starts a fresh schedule when the
// calendar day changed. Hour 23 is finalized from the level sensor first,
// since its counters have already reset; the battery state then carries
// over while counter samples do not.
func (c *Controller) rollover(ctx context.Context, now time.Time, sample types.EnergyFlowSample) {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, c.loc)
	if c.day != nil && c.day.Date().Equal(midnight) {
		return
	}

	var soe float64
	var basis types.CostBasis
	if c.day != nil {
		c.finalizeLastHour(ctx, sample)
		snap := c.day.Snapshot(23)
		if err := c.db.SaveDay(ctx, snap); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to archive completed day", slog.String("date", snap.Date), slog.Any("err", err))
		}
		soe, basis = c.day.State()
		log.Ctx(ctx).InfoContext(
			ctx,
			"day rollover",
			slog.String("from", c.day.Date().Format(time.DateOnly)),
			slog.String("to", midnight.Format(time.DateOnly)),
			slog.Float64("soeKWH", soe),
		)
	}

	c.day = schedule.New(now, c.settings.Battery)
	c.day.SetState(soe, basis)
	c.prevSample = nil
	c.published = false
	c.lastPublished = [24]float64{}
}

// finalizeLastHour records hour 23 of the outgoing day as an actual. There
// is no counter pair spanning the hour because the daily counters reset at
// midnight, so the hour is reconciled from the measured battery level.
func (c *Controller) finalizeLastHour(ctx context.Context, sample types.EnergyFlowSample) {
	if !c.seeded {
		return
	}
	rec, ok := c.day.Hour(23)
	if !ok || rec.Actual {
		return
	}

	soe, basis := c.day.State()
	out, err := c.recon.ReconcileFromLevel(ctx, 23, rec.Price, c.settings.Battery,
		sample.BatteryLevelKWH, reconcile.State{SOEKWH: soe, Basis: basis})
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to finalize last hour", slog.Any("err", err))
		return
	}
	if err := c.day.RecordActual(out.Record); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to record last hour", slog.Any("err", err))
		return
	}
	c.day.SetState(out.State.SOEKWH, out.State.Basis)
}

// reconcileHour finalizes the hour that just completed, if there is a
// sample pair spanning it. Without a previous sample the battery state is
// aligned with the level sensor instead.
func (c *Controller) reconcileHour(ctx context.Context, hour int, dayPrices []types.PricePoint, sample types.EnergyFlowSample) {
	if c.prevSample == nil {
		c.seedFromLevel(ctx, hour, dayPrices, sample)
		return
	}

	completed := hour - 1
	if completed < 0 || c.prevSample.Hour != completed {
		// a rerun within the same hour has nothing new to finalize
		log.Ctx(ctx).DebugContext(ctx, "no completed hour to reconcile", slog.Int("prevHour", c.prevSample.Hour))
		return
	}
	soe, basis := c.day.State()
	out, err := c.recon.Reconcile(ctx, completed, dayPrices[completed], c.settings.Battery,
		*c.prevSample, sample, reconcile.State{SOEKWH: soe, Basis: basis})
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "reconciliation failed", slog.Any("err", err))
		return
	}
	for _, fault := range out.Faults {
		log.Ctx(ctx).WarnContext(ctx, "reconciliation fault", slog.Int("completedHour", completed), slog.Any("err", fault))
	}
	if err := c.day.RecordActual(out.Record); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to record actual hour", slog.Int("completedHour", completed), slog.Any("err", err))
		return
	}
	c.day.SetState(out.State.SOEKWH, out.State.Basis)
	c.seeded = true
}

// seedFromLevel aligns the battery state with the level sensor when no
// counter pair exists: at cold start, after a restart, and at the first
// cycle of a new day. A carried cost basis absorbs the observed delta so
// energy gained since the last reconciliation is priced at the current buy
// price and energy lost consumes stored cost proportionally.
func (c *Controller) seedFromLevel(ctx context.Context, hour int, dayPrices []types.PricePoint, sample types.EnergyFlowSample) {
	level := c.settings.Battery.Clamp(sample.BatteryLevelKWH)

	if !c.seeded {
		c.day.SetState(level, types.NewCostBasis(level, dayPrices[hour].BuyPrice))
		c.seeded = true
		log.Ctx(ctx).InfoContext(
			ctx,
			"seeded battery state from level sensor",
			slog.Float64("soeKWH", level),
			slog.Float64("basisPerKWH", dayPrices[hour].BuyPrice),
		)
		return
	}

	soe, basis := c.day.State()
	delta := level - soe
	if delta > 0 {
		basis = basis.AddGrid(delta, dayPrices[hour].BuyPrice)
	} else if delta < 0 {
		basis = basis.Discharge(-delta)
	}
	c.day.SetState(level, basis)
	if math.Abs(delta) > 1e-9 {
		log.Ctx(ctx).InfoContext(
			ctx,
			"aligned battery state with level sensor",
			slog.Float64("soeKWH", level),
			slog.Float64("deltaKWH", delta),
		)
	}
}

// reoptimize replans the remaining hours from the reconciled state.
func (c *Controller) reoptimize(ctx context.Context, hour int, dayPrices []types.PricePoint) error {
	remaining := dayPrices[hour:]
	consumption := make([]float64, len(remaining))
	for i := range consumption {
		consumption[i] = c.settings.HourlyConsumptionKWH
	}

	soe, basis := c.day.State()
	res, err := optimize.Optimize(ctx, optimize.Request{
		Prices:                 remaining,
		Battery:                c.settings.Battery,
		ForecastConsumptionKWH: consumption,
		CurrentSOEKWH:          soe,
		Basis:                  basis,
		MinProfitThresholdSEK:  c.settings.MinProfitThresholdSEK,
	})
	if err != nil {
		return err
	}
	if err := c.day.ApplyPlan(hour, res.Hours); err != nil {
		return fmt.Errorf("applying plan: %w", err)
	}
	log.Ctx(ctx).InfoContext(
		ctx,
		"reoptimized remaining hours",
		slog.Int("hours", len(res.Hours)),
		slog.Float64("projectedSavings", res.Savings),
		slog.Float64("finalSOEKWH", res.FinalSOEKWH),
	)
	return nil
}

// publish pushes the plan to the inverter when it materially changed since
// the last successful publish. Hour zero always publishes so every day
// starts from known hardware state. Failed writes leave the published state
// untouched so the next cycle retries.
func (c *Controller) publish(ctx context.Context, hour int) {
	actions := c.day.PlannedActions()
	if !c.planChanged(actions, hour) {
		log.Ctx(ctx).DebugContext(ctx, "plan unchanged, skipping inverter writes")
		return
	}

	gridCharge, dischargeRate := inverter.HourlySettings(actions[hour])
	if !c.appliedValid || c.appliedGridCharge != gridCharge {
		if err := c.adapter.SetGridCharge(ctx, gridCharge); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "inverter write failed", slog.Any("err", err))
			return
		}
		c.appliedGridCharge = gridCharge
	}
	if !c.appliedValid || c.appliedDischargeRate != dischargeRate {
		if err := c.adapter.SetDischargeRate(ctx, dischargeRate); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "inverter write failed", slog.Any("err", err))
			return
		}
		c.appliedDischargeRate = dischargeRate
	}
	c.appliedValid = true

	tou := inverter.TOUSegments(inverter.BuildSegments(actions))
	if err := c.adapter.ApplyTOU(ctx, tou); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "inverter write failed", slog.Any("err", err))
		return
	}

	c.lastPublished = actions
	c.published = true
	log.Ctx(ctx).InfoContext(
		ctx,
		"published plan to inverter",
		slog.Bool("gridCharge", gridCharge),
		slog.Int("dischargeRate", dischargeRate),
		slog.Int("touSegments", len(tou)),
	)
}

// planChanged reports whether any remaining hour's action moved beyond the
// threshold or flipped direction since the last publish.
func (c *Controller) planChanged(actions [24]float64, hour int) bool {
	if !c.published || hour == 0 {
		return true
	}
	for h := hour; h < 24; h++ {
		delta := math.Abs(actions[h] - c.lastPublished[h])
		signFlip := (actions[h] > 0) != (c.lastPublished[h] > 0) || (actions[h] < 0) != (c.lastPublished[h] < 0)
		if delta > c.diffThresholdKWH || (signFlip && delta > 1e-9) {
			return true
		}
	}
	return false
}

// PrepareNextDay programs tomorrow's time-of-use schedule shortly before
// midnight, when tomorrow's prices are long since published. Missing prices
// are not an error; the regular midnight cycle will program the day instead.
func (c *Controller) PrepareNextDay(ctx context.Context, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now = now.In(c.loc)
	tomorrow, err := c.prices.Tomorrow(ctx, now)
	if err != nil {
		return fmt.Errorf("fetching tomorrow's prices: %w", err)
	}
	if len(tomorrow) < 24 {
		log.Ctx(ctx).WarnContext(ctx, "tomorrow's prices not yet published, skipping preparation")
		return nil
	}
	date := now.AddDate(0, 0, 1).Format(time.DateOnly)
	if err := c.db.UpsertPrices(ctx, date, tomorrow); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to persist tomorrow's prices", slog.Any("err", err))
	}

	consumption := make([]float64, len(tomorrow))
	for i := range consumption {
		consumption[i] = c.settings.HourlyConsumptionKWH
	}
	// project the state forward through the rest of today's plan to get
	// the expected state-of-energy at midnight
	soe, basis := c.day.State()
	planned := c.day.PlannedActions()
	for h := c.currentHour; h < 24; h++ {
		soe += planned[h]
	}
	soe = c.settings.Battery.Clamp(soe)

	res, err := optimize.Optimize(ctx, optimize.Request{
		Prices:                 tomorrow,
		Battery:                c.settings.Battery,
		ForecastConsumptionKWH: consumption,
		CurrentSOEKWH:          soe,
		Basis:                  basis,
		MinProfitThresholdSEK:  c.settings.MinProfitThresholdSEK,
	})
	if err != nil {
		return fmt.Errorf("optimizing tomorrow: %w", err)
	}

	var actions [24]float64
	for i, rec := range res.Hours {
		actions[i] = rec.ActionKWH
	}
	tou := inverter.TOUSegments(inverter.BuildSegments(actions))
	if err := c.adapter.ApplyTOU(ctx, tou); err != nil {
		return fmt.Errorf("programming tomorrow: %w", err)
	}
	log.Ctx(ctx).InfoContext(
		ctx,
		"programmed next day",
		slog.String("date", date),
		slog.Int("touSegments", len(tou)),
		slog.Float64("projectedSavings", res.Savings),
	)
	return nil
}

// Run drives the hourly loop until the context is canceled. One cycle runs
// immediately, then one shortly after each hour boundary, plus the next-day
// preparation at 23:55.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.RunCycle(ctx, time.Now()); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "cycle failed", slog.Any("err", err))
	}

	for {
		now := time.Now().In(c.loc)
		next := now.Truncate(time.Hour).Add(time.Hour)
		prepare := time.Date(now.Year(), now.Month(), now.Day(), 23, prepareMinute, 0, 0, c.loc)
		isPrepare := now.Before(prepare) && prepare.Before(next)
		if isPrepare {
			next = prepare
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(next)):
		}

		if isPrepare {
			if err := c.PrepareNextDay(ctx, time.Now()); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "next-day preparation failed", slog.Any("err", err))
			}
			continue
		}
		if err := c.RunCycle(ctx, time.Now()); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "cycle failed", slog.Any("err", err))
		}
	}
}
