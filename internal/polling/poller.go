package polling

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/reeflab/reefd/internal/metrics"
	"github.com/reeflab/reefd/internal/models"
	"github.com/reeflab/reefd/internal/store"
)

const (
	// maxPollDeadline caps the per-poll timeout.
	maxPollDeadline = 10 * time.Second

	// sweepInterval is how often the retention sweeper runs.
	sweepInterval = time.Hour
)

// Broadcaster pushes live events to connected clients. A nil Broadcaster
// disables event publication.
type Broadcaster interface {
	Broadcast(event string, payload any)
}

// entry is one running per-device ticker.
type entry struct {
	interval int64
	cancel   context.CancelFunc
}

// Status is a point-in-time snapshot of the poll registry.
type Status struct {
	Running         bool            `json:"running"`
	ActiveDevices   int             `json:"activeDevices"`
	IntervalSeconds map[int64]int64 `json:"intervalSeconds"`
	LastRefresh     *time.Time      `json:"lastRefresh,omitempty"`
	LastSweep       *time.Time      `json:"lastSweep,omitempty"`
}

// Poller keeps an in-memory registry of pollable devices and runs one ticker
// per device. The registry is refreshed from the store so REST edits take
// effect within one refresh interval without a restart.
type Poller struct {
	store           *store.Store
	driver          DeviceDriver
	broadcast       Broadcaster
	refreshInterval time.Duration
	retentionDays   int

	nowFn func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}

	mu          sync.Mutex
	registry    map[int64]*entry
	running     bool
	lastRefresh time.Time
	lastSweep   time.Time
	wg          sync.WaitGroup
}

// NewPoller builds a poller. retentionDays bounds how long readings are kept;
// values below one day disable the sweeper.
func NewPoller(st *store.Store, driver DeviceDriver, broadcast Broadcaster, refreshInterval time.Duration, retentionDays int) *Poller {
	if refreshInterval < time.Second {
		refreshInterval = time.Second
	}
	return &Poller{
		store:           st,
		driver:          driver,
		broadcast:       broadcast,
		refreshInterval: refreshInterval,
		retentionDays:   retentionDays,
		nowFn:           time.Now,
		done:            make(chan struct{}),
		registry:        make(map[int64]*entry),
	}
}

// Start refreshes the registry immediately and then on every refresh
// interval, until the context is cancelled or Stop is called.
func (p *Poller) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		ctx, p.cancel = context.WithCancel(ctx)

		p.mu.Lock()
		p.running = true
		p.mu.Unlock()

		go func() {
			defer close(p.done)
			log.Info().
				Dur("refreshInterval", p.refreshInterval).
				Int("retentionDays", p.retentionDays).
				Msg("Poller worker started")

			ticker := time.NewTicker(p.refreshInterval)
			defer ticker.Stop()
			sweeper := time.NewTicker(sweepInterval)
			defer sweeper.Stop()

			p.Refresh(ctx)
			p.sweep(ctx)
			for {
				select {
				case <-ctx.Done():
					p.drain()
					log.Info().Msg("Poller worker stopped")
					return
				case <-ticker.C:
					p.Refresh(ctx)
				case <-sweeper.C:
					p.sweep(ctx)
				}
			}
		}()
	})
}

// Stop cancels all tickers and waits for in-flight polls to finish.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
			<-p.done
		}
	})
}

// drain cancels every per-device ticker and waits for the goroutines.
func (p *Poller) drain() {
	p.mu.Lock()
	p.running = false
	for id, e := range p.registry {
		e.cancel()
		delete(p.registry, id)
	}
	p.mu.Unlock()
	p.wg.Wait()
	metrics.SetActivePollers(0)
}

// Refresh diffs the pollable device set against the registry: new devices get
// tickers, removed or disabled ones are cancelled, changed intervals re-arm.
func (p *Poller) Refresh(ctx context.Context) {
	devices, err := p.store.ListPollableDevices(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Poller refresh aborted: failed to list devices")
		return
	}

	want := make(map[int64]models.Device, len(devices))
	for _, d := range devices {
		want[d.ID] = d
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for id, e := range p.registry {
		d, keep := want[id]
		if keep && d.PollInterval == e.interval {
			continue
		}
		e.cancel()
		delete(p.registry, id)
		if !keep {
			log.Debug().Int64("deviceID", id).Msg("Cancelled poll ticker")
		}
	}

	for id, d := range want {
		if _, ok := p.registry[id]; ok {
			continue
		}
		devCtx, cancel := context.WithCancel(ctx)
		p.registry[id] = &entry{interval: d.PollInterval, cancel: cancel}
		p.wg.Add(1)
		dev := d
		go p.runDevice(devCtx, &dev)
	}

	p.lastRefresh = p.nowFn().UTC()
	metrics.SetActivePollers(float64(len(p.registry)))
}

// Status reports the registry contents and the most recent refresh and sweep.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{
		Running:         p.running,
		ActiveDevices:   len(p.registry),
		IntervalSeconds: make(map[int64]int64, len(p.registry)),
	}
	for id, e := range p.registry {
		st.IntervalSeconds[id] = e.interval
	}
	if !p.lastRefresh.IsZero() {
		t := p.lastRefresh
		st.LastRefresh = &t
	}
	if !p.lastSweep.IsZero() {
		t := p.lastSweep
		st.LastSweep = &t
	}
	return st
}

// runDevice polls one device on its own ticker until cancelled.
func (p *Poller) runDevice(ctx context.Context, device *models.Device) {
	defer p.wg.Done()

	interval := time.Duration(device.PollInterval) * time.Second
	if interval < time.Second {
		interval = time.Second
	}
	logger := log.With().Int64("deviceID", device.ID).Str("name", device.Name).Logger()
	logger.Debug().Dur("interval", interval).Msg("Poll ticker armed")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.pollOnce(ctx, device)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx, device)
		}
	}
}

// pollOnce performs a single poll with a bounded deadline and persists the
// outcome. Failures are recorded on the device row; the ticker keeps running.
func (p *Poller) pollOnce(ctx context.Context, device *models.Device) {
	deadline := time.Duration(device.PollInterval) * time.Second / 2
	if deadline > maxPollDeadline {
		deadline = maxPollDeadline
	}
	pollCtx, cancel := context.WithTimeout(ctx, deadline)
	started := time.Now()
	sample, err := p.driver.Poll(pollCtx, device)
	cancel()
	elapsed := time.Since(started).Seconds()

	now := p.nowFn().UTC()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		outcome := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		metrics.RecordPoll(outcome, elapsed)
		log.Warn().Err(err).Int64("deviceID", device.ID).Msg("Device poll failed")
		if serr := p.store.UpdateDevicePollStatus(ctx, device.ID, now, err.Error()); serr != nil {
			log.Error().Err(serr).Int64("deviceID", device.ID).Msg("Failed to record poll failure")
		}
		return
	}

	ts := p.clampTimestamp(ctx, device.ID, now)
	reading := &models.Reading{
		DeviceID:  device.ID,
		Timestamp: ts,
		Value:     sample.Value,
		JSONValue: sample.JSON,
		Metadata:  sample.Metadata,
	}
	if err := p.store.InsertReading(ctx, reading); err != nil {
		metrics.RecordPoll("error", elapsed)
		log.Error().Err(err).Int64("deviceID", device.ID).Msg("Failed to persist reading")
		return
	}
	if err := p.store.UpdateDevicePollStatus(ctx, device.ID, ts, ""); err != nil {
		log.Error().Err(err).Int64("deviceID", device.ID).Msg("Failed to record poll success")
	}

	metrics.RecordPoll("success", elapsed)
	if p.broadcast != nil {
		p.broadcast.Broadcast("device.reading", reading)
	}
}

// clampTimestamp keeps per-device reading timestamps strictly increasing even
// when the wall clock steps backwards between polls.
func (p *Poller) clampTimestamp(ctx context.Context, deviceID int64, now time.Time) time.Time {
	latest, err := p.store.LatestReading(ctx, deviceID)
	if err != nil || latest == nil {
		return now
	}
	if now.After(latest.Timestamp) {
		return now
	}
	return latest.Timestamp.Add(time.Millisecond)
}

// sweep prunes readings older than the retention window.
func (p *Poller) sweep(ctx context.Context) {
	if p.retentionDays < 1 {
		return
	}
	now := p.nowFn().UTC()
	removed, err := p.store.PruneReadings(ctx, now.AddDate(0, 0, -p.retentionDays))
	if err != nil {
		log.Error().Err(err).Msg("Reading retention sweep failed")
		return
	}
	p.mu.Lock()
	p.lastSweep = now
	p.mu.Unlock()
	metrics.RecordReadingsPruned(removed)
	if removed > 0 {
		log.Info().Int64("removed", removed).Int("days", p.retentionDays).Msg("Pruned old readings")
	}
}
