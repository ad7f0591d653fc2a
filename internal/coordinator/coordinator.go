// Package coordinator polls the PAJ GPS cloud on tiered intervals and
// aggregates everything it learns into immutable snapshots. Device
// lists move slowly, positions faster, notifications fastest; each tier
// refreshes on its own clock and publishes through a single writer so
// concurrent completions never lose updates.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/pajbridge/internal/buildinfo"
	"github.com/nugget/pajbridge/internal/events"
	"github.com/nugget/pajbridge/internal/observability"
	"github.com/nugget/pajbridge/internal/paj"
)

const (
	defaultDevicesInterval       = 5 * time.Minute
	defaultPositionsInterval     = 30 * time.Second
	defaultNotificationsInterval = 10 * time.Second

	// elevationJitterMax spreads simultaneous elevation lookups for a
	// fleet so the side-channel does not burst.
	elevationJitterMax = 250 * time.Millisecond
)

// API is the vendor surface the coordinator drives. *paj.Client
// satisfies it; tests substitute a mock.
type API interface {
	Login(ctx context.Context) error
	GetDevices(ctx context.Context) ([]paj.Device, error)
	GetAllLastPositions(ctx context.Context, deviceIDs []int) ([]paj.Position, error)
	GetLastSensorData(ctx context.Context, deviceID int) (paj.SensorReading, error)
	GetDeviceNotifications(ctx context.Context, deviceID, isRead int) ([]paj.Notification, error)
	MarkNotificationsReadByDevice(ctx context.Context, deviceID, isRead int) error
	UpdateDevice(ctx context.Context, deviceID int, fields map[string]int) error
	Close()
}

// ElevationAPI resolves coordinates to terrain elevation.
// *elevation.Client satisfies it.
type ElevationAPI interface {
	Elevation(ctx context.Context, lat, lng float64) (float64, error)
}

// Config carries the coordinator's tunables. Zero values select the
// defaults.
type Config struct {
	// GUID is the stable per-account identifier used to build entity
	// identifiers that survive restarts.
	GUID string

	DevicesInterval       time.Duration
	PositionsInterval     time.Duration
	NotificationsInterval time.Duration

	// RequestDelay is the per-device gap between vendor API calls.
	RequestDelay time.Duration
	// MinElevationInterval is the minimum time between elevation
	// lookups for one device.
	MinElevationInterval time.Duration

	Options Options
}

func (c *Config) applyDefaults() {
	if c.DevicesInterval <= 0 {
		c.DevicesInterval = defaultDevicesInterval
	}
	if c.PositionsInterval <= 0 {
		c.PositionsInterval = defaultPositionsInterval
	}
	if c.NotificationsInterval <= 0 {
		c.NotificationsInterval = defaultNotificationsInterval
	}
}

// Coordinator owns the polling loops, the per-device request queue and
// the published snapshot. Create with New, drive with Refresh, stop
// with Shutdown.
type Coordinator struct {
	api    API
	elev   ElevationAPI
	cfg    Config
	logger *slog.Logger
	bus    *events.Bus

	queue   *RequestQueue
	tracker *elevationTracker

	bgCtx    context.Context
	bgCancel context.CancelFunc
	tasks    sync.WaitGroup

	// publishMu serializes snapshot replacement. Readers go through the
	// atomic pointer and never take the lock.
	publishMu sync.Mutex
	current   atomic.Pointer[Snapshot]

	stateMu           sync.Mutex
	lastDevices       time.Time
	lastPositions     time.Time
	lastNotifications time.Time
	initialStarted    bool
	initialDone       bool

	now func() time.Time
}

// New creates a coordinator. elev may be nil when elevation fetching is
// disabled; bus may be nil when no consumer subscribes.
func New(api API, elev ElevationAPI, cfg Config, logger *slog.Logger, bus *events.Bus) *Coordinator {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		api:      api,
		elev:     elev,
		cfg:      cfg,
		logger:   logger,
		bus:      bus,
		queue:    NewRequestQueue(cfg.RequestDelay, logger),
		tracker:  newElevationTracker(cfg.MinElevationInterval),
		bgCtx:    ctx,
		bgCancel: cancel,
		now:      time.Now,
	}
	c.current.Store(emptySnapshot())
	return c
}

// Snapshot returns the current published snapshot. Never nil; callers
// may hold the result indefinitely.
func (c *Coordinator) Snapshot() *Snapshot {
	return c.current.Load()
}

// Options returns the feature toggles the coordinator was built with.
func (c *Coordinator) Options() Options {
	return c.cfg.Options
}

// publish replaces the snapshot with build(current). All replacements
// flow through here: build runs under the publish lock against the
// freshest snapshot, so two concurrent completions can never erase each
// other's fields. Returning the input unchanged skips the publish.
func (c *Coordinator) publish(field string, deviceID int, build func(*Snapshot) *Snapshot) {
	c.publishMu.Lock()
	cur := c.current.Load()
	next := build(cur)
	if next == cur {
		c.publishMu.Unlock()
		return
	}
	c.current.Store(next)
	c.publishMu.Unlock()

	observability.SnapshotPublishes.WithLabelValues(field).Inc()
	c.bus.Publish(events.Event{
		Timestamp: c.now(),
		Source:    events.SourceCoordinator,
		Kind:      events.KindSnapshotUpdated,
		Data:      map[string]any{"field": field, "device_id": deviceID},
	})
}

// Refresh is the periodic entry point. It authenticates, then decides
// per tier whether enough time has passed to run it again. The first
// call runs all tiers sequentially and returns only when the snapshot
// is fully populated; later calls launch due tiers in the background
// and return immediately, so a slow vendor response never delays the
// caller's tick loop.
func (c *Coordinator) Refresh(ctx context.Context) error {
	if err := c.api.Login(ctx); err != nil {
		observability.RefreshCycles.WithLabelValues("auth_error").Inc()
		c.bus.Publish(events.Event{
			Timestamp: c.now(),
			Source:    events.SourceCoordinator,
			Kind:      events.KindRefreshFailed,
			Data:      map[string]any{"error": err.Error()},
		})
		return fmt.Errorf("refresh: %w", err)
	}

	now := c.now()
	c.stateMu.Lock()
	initial := !c.initialStarted
	if initial {
		c.initialStarted = true
	}
	// Tier timestamps advance at launch, not completion, so a tier
	// still in flight is not launched a second time.
	runDevices := initial || now.Sub(c.lastDevices) >= c.cfg.DevicesInterval
	runPositions := initial || now.Sub(c.lastPositions) >= c.cfg.PositionsInterval
	runNotifications := initial || now.Sub(c.lastNotifications) >= c.cfg.NotificationsInterval
	if runDevices {
		c.lastDevices = now
	}
	if runPositions {
		c.lastPositions = now
	}
	if runNotifications {
		c.lastNotifications = now
	}
	c.stateMu.Unlock()

	c.bus.Publish(events.Event{
		Timestamp: now,
		Source:    events.SourceCoordinator,
		Kind:      events.KindRefreshStart,
		Data:      map[string]any{"initial": initial},
	})

	if initial {
		if err := c.runTier(ctx, "devices", c.runDevicesTier); err != nil {
			c.resetInitial()
			observability.RefreshCycles.WithLabelValues("error").Inc()
			return fmt.Errorf("initial refresh: %w", err)
		}
		if err := c.runTier(ctx, "positions", c.runPositionsTier); err != nil {
			c.resetInitial()
			observability.RefreshCycles.WithLabelValues("error").Inc()
			return fmt.Errorf("initial refresh: %w", err)
		}
		if err := c.runTier(ctx, "notifications", c.runNotificationsTier); err != nil {
			c.resetInitial()
			observability.RefreshCycles.WithLabelValues("error").Inc()
			return fmt.Errorf("initial refresh: %w", err)
		}
		c.stateMu.Lock()
		c.initialDone = true
		c.stateMu.Unlock()
		observability.RefreshCycles.WithLabelValues("ok").Inc()
		return nil
	}

	if runDevices {
		c.spawnTier("devices", c.runDevicesTier)
	}
	if runPositions {
		c.spawnTier("positions", c.runPositionsTier)
	}
	if runNotifications {
		c.spawnTier("notifications", c.runNotificationsTier)
	}
	observability.RefreshCycles.WithLabelValues("ok").Inc()
	return nil
}

// resetInitial rewinds the launch bookkeeping after a failed first
// refresh so the next call starts over from scratch.
func (c *Coordinator) resetInitial() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.initialStarted = false
	c.lastDevices = time.Time{}
	c.lastPositions = time.Time{}
	c.lastNotifications = time.Time{}
}

// InitialRefreshDone reports whether the first full refresh completed.
func (c *Coordinator) InitialRefreshDone() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.initialDone
}

func (c *Coordinator) runTier(ctx context.Context, tier string, fn func(context.Context) error) error {
	start := c.now()
	err := fn(ctx)
	dur := c.now().Sub(start)
	observability.ObserveTierDuration(tier, start)
	if err != nil {
		observability.TierRuns.WithLabelValues(tier, "error").Inc()
		c.logger.Warn("tier run failed", "tier", tier, "error", err)
	} else {
		observability.TierRuns.WithLabelValues(tier, "ok").Inc()
	}
	c.bus.Publish(events.Event{
		Timestamp: c.now(),
		Source:    events.SourceCoordinator,
		Kind:      events.KindTierRun,
		Data:      map[string]any{"tier": tier, "ok": err == nil, "duration_ms": dur.Milliseconds()},
	})
	return err
}

func (c *Coordinator) spawnTier(tier string, fn func(context.Context) error) {
	c.tasks.Add(1)
	go func() {
		defer c.tasks.Done()
		// Errors are already logged and counted inside runTier; a
		// background tier has no caller to return them to.
		_ = c.runTier(c.bgCtx, tier, fn)
	}()
}

// runDevicesTier replaces the device list wholesale.
func (c *Coordinator) runDevicesTier(ctx context.Context) error {
	devices, err := c.api.GetDevices(ctx)
	if err != nil {
		return fmt.Errorf("get devices: %w", err)
	}
	c.publish("devices", 0, func(s *Snapshot) *Snapshot {
		return s.withDevices(devices)
	})
	c.logger.Debug("devices tier complete", "count", len(devices))
	return nil
}

// runPositionsTier fetches all last positions in one bulk call and
// publishes them, then fans out the slower per-device follow-ups:
// elevation lookups for devices that moved, and a sensor reading for
// every device. Each follow-up publishes its own incremental snapshot
// as it lands.
func (c *Coordinator) runPositionsTier(ctx context.Context) error {
	snap := c.Snapshot()
	ids := snap.DeviceIDs()
	if len(ids) == 0 {
		return nil
	}

	positions, err := c.api.GetAllLastPositions(ctx, ids)
	if err != nil {
		return fmt.Errorf("get positions: %w", err)
	}
	posMap := make(map[int]paj.Position, len(positions))
	for _, p := range positions {
		posMap[p.DeviceID] = p
	}
	c.publish("positions", 0, func(s *Snapshot) *Snapshot {
		return s.withPositions(posMap)
	})

	var g errgroup.Group

	if c.cfg.Options.FetchElevation && c.elev != nil {
		for id, p := range posMap {
			if !c.tracker.ShouldFetch(id, p.Lat, p.Lng, c.hasElevation(id)) {
				continue
			}
			rollback := c.tracker.Record(id, p.Lat, p.Lng)
			g.Go(func() error {
				c.fetchElevation(ctx, id, p, rollback)
				return nil
			})
		}
	}

	// Every device gets a sensor fetch, not just models declaring a
	// voltage sensor: capability flags are sometimes wrong, and devices
	// without the hardware answer with the cheap ErrNoSensorData path.
	for _, id := range ids {
		result := c.queue.Enqueue(id, "sensor_data", func(jctx context.Context) (any, error) {
			return c.api.GetLastSensorData(jctx, id)
		})
		g.Go(func() error {
			c.awaitSensorData(id, result)
			return nil
		})
	}

	return g.Wait()
}

func (c *Coordinator) hasElevation(deviceID int) bool {
	_, ok := c.Snapshot().Elevation(deviceID)
	return ok
}

// fetchElevation resolves one device's elevation and publishes it.
// On failure the tracker bookkeeping is rolled back so the next
// position update retries immediately.
func (c *Coordinator) fetchElevation(ctx context.Context, deviceID int, p paj.Position, rollback func()) {
	jitter := rand.N(elevationJitterMax)
	timer := time.NewTimer(jitter)
	select {
	case <-ctx.Done():
		timer.Stop()
		rollback()
		return
	case <-timer.C:
	}

	metres, err := c.elev.Elevation(ctx, p.Lat, p.Lng)
	if err != nil {
		rollback()
		observability.ElevationFetches.WithLabelValues("error").Inc()
		c.logger.Warn("elevation fetch failed", "device_id", deviceID, "error", err)
		return
	}
	observability.ElevationFetches.WithLabelValues("ok").Inc()

	rounded := int(math.Round(metres))
	c.publish("elevations", deviceID, func(s *Snapshot) *Snapshot {
		return s.withElevation(deviceID, rounded)
	})
	c.logger.Debug("elevation resolved", "device_id", deviceID, "metres", rounded)
}

func (c *Coordinator) awaitSensorData(deviceID int, result <-chan QueueResult) {
	r := <-result
	if r.Skipped {
		return
	}
	if r.Err != nil {
		if errors.Is(r.Err, paj.ErrNoSensorData) {
			c.logger.Debug("no sensor data", "device_id", deviceID)
		} else {
			c.logger.Warn("sensor data fetch failed", "device_id", deviceID, "error", r.Err)
		}
		return
	}
	reading, ok := r.Value.(paj.SensorReading)
	if !ok {
		return
	}
	c.publish("sensor_data", deviceID, func(s *Snapshot) *Snapshot {
		return s.withSensorReading(reading)
	})
}

// runNotificationsTier fetches each device's unread notifications
// through its queue lane and publishes per-device incremental updates.
// With MarkAlertsAsRead set, fetched notifications are marked read
// upstream fire-and-forget, so they disappear from the next fetch.
func (c *Coordinator) runNotificationsTier(ctx context.Context) error {
	snap := c.Snapshot()
	if len(snap.Devices) == 0 {
		return nil
	}

	var g errgroup.Group
	for _, d := range snap.Devices {
		id := d.ID
		result := c.queue.Enqueue(id, "notifications", func(jctx context.Context) (any, error) {
			return c.api.GetDeviceNotifications(jctx, id, 0)
		})
		g.Go(func() error {
			c.awaitNotifications(id, result)
			return nil
		})
	}
	return g.Wait()
}

func (c *Coordinator) awaitNotifications(deviceID int, result <-chan QueueResult) {
	r := <-result
	if r.Skipped {
		return
	}
	if r.Err != nil {
		c.logger.Warn("notifications fetch failed", "device_id", deviceID, "error", r.Err)
		return
	}
	all, ok := r.Value.([]paj.Notification)
	if !ok {
		return
	}
	// The endpoint is asked for unread only, but the filter is cheap
	// and the vendor has changed envelope shapes before.
	unread := make([]paj.Notification, 0, len(all))
	for _, n := range all {
		if n.Read == 0 {
			unread = append(unread, n)
		}
	}
	c.publish("notifications", deviceID, func(s *Snapshot) *Snapshot {
		return s.withNotifications(deviceID, unread)
	})

	if c.cfg.Options.MarkAlertsAsRead && len(unread) > 0 {
		markResult := c.queue.Enqueue(deviceID, "mark_read", func(jctx context.Context) (any, error) {
			return nil, c.api.MarkNotificationsReadByDevice(jctx, deviceID, 1)
		})
		c.tasks.Add(1)
		go func() {
			defer c.tasks.Done()
			if r := <-markResult; r.Err != nil {
				c.logger.Warn("mark notifications read failed", "device_id", deviceID, "error", r.Err)
			}
		}()
	}
}

// SetAlertState toggles one alert on or off for a device. The vendor
// write executes immediately, outside the device's queue lane: a toggle
// is user-initiated and must never wait behind polling jobs, and rapid
// opposite toggles of the same alert must both reach the vendor. Only
// after the write succeeds is the snapshot updated optimistically with
// the new flag, so a failed write leaves local state untouched and the
// entity snaps back.
func (c *Coordinator) SetAlertState(ctx context.Context, deviceID int, t paj.AlertType, enabled bool) error {
	field, ok := t.DeviceField()
	if !ok {
		return fmt.Errorf("alert type %s cannot be toggled", t)
	}
	d, found := c.Snapshot().Device(deviceID)
	if !found {
		return fmt.Errorf("unknown device %d", deviceID)
	}
	if _, ok := d.AlertFlag(t); !ok {
		return fmt.Errorf("device %d does not expose %s", deviceID, t)
	}

	value := 0
	if enabled {
		value = 1
	}
	if err := c.api.UpdateDevice(ctx, deviceID, map[string]int{field: value}); err != nil {
		return fmt.Errorf("toggle %s: %w", t, err)
	}

	c.publish("devices", deviceID, func(s *Snapshot) *Snapshot {
		cur, ok := s.Device(deviceID)
		if !ok {
			return s
		}
		return s.withDeviceReplaced(cur.WithAlertFlag(t, enabled))
	})
	c.bus.Publish(events.Event{
		Timestamp: c.now(),
		Source:    events.SourceCoordinator,
		Kind:      events.KindAlertToggled,
		Data:      map[string]any{"device_id": deviceID, "alert_type": int(t), "enabled": enabled},
	})
	c.logger.Info("alert toggled", "device_id", deviceID, "alert", t.String(), "enabled", enabled)
	return nil
}

// DeviceDisplayInfo is the registry-facing identity of one tracker.
type DeviceDisplayInfo struct {
	Identifier   string
	Name         string
	Manufacturer string
	Model        string
	SWVersion    string
}

// DisplayInfo builds the stable display identity for a device. The
// identifier combines the account GUID with the device ID so it stays
// unique across accounts and across restarts.
func (c *Coordinator) DisplayInfo(d paj.Device) DeviceDisplayInfo {
	name := d.Name
	if name == "" {
		name = fmt.Sprintf("PAJ GPS %d", d.ID)
	}
	model := d.Model
	if model == "" {
		model = "Unknown"
	}
	return DeviceDisplayInfo{
		Identifier:   fmt.Sprintf("%s_%d", c.cfg.GUID, d.ID),
		Name:         name,
		Manufacturer: "PAJ GPS",
		Model:        model,
		SWVersion:    buildinfo.Version,
	}
}

// DisplayInfoByID looks the device up in the current snapshot. ok is
// false when no device with that ID is known.
func (c *Coordinator) DisplayInfoByID(deviceID int) (DeviceDisplayInfo, bool) {
	d, ok := c.Snapshot().Device(deviceID)
	if !ok {
		return DeviceDisplayInfo{}, false
	}
	return c.DisplayInfo(d), true
}

// Shutdown stops background tiers, drains the request queue and closes
// the vendor client. Blocks until in-flight work finishes or ctx
// expires.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.bgCancel()

	done := make(chan struct{})
	go func() {
		c.tasks.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("shutdown: background tasks did not finish: %w", ctx.Err())
	}

	c.queue.Shutdown()
	c.api.Close()
	c.logger.Debug("coordinator shut down")
	return err
}
