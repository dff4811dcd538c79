package polling

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reeflab/reefd/internal/models"
	"github.com/reeflab/reefd/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func createDevice(t *testing.T, st *store.Store, name string, pollEnabled bool, interval int64) *models.Device {
	t.Helper()
	dev := &models.Device{
		Name:         name,
		DeviceType:   "temperature",
		Address:      "sim:" + name,
		PollEnabled:  pollEnabled,
		PollInterval: interval,
		IsActive:     true,
	}
	require.NoError(t, st.CreateDevice(context.Background(), dev))
	return dev
}

// stubDriver returns canned samples or errors and counts calls.
type stubDriver struct {
	mu     sync.Mutex
	calls  int
	sample Sample
	err    error
}

func (d *stubDriver) Poll(ctx context.Context, device *models.Device) (Sample, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	return d.sample, d.err
}

func (d *stubDriver) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []string
}

func (b *recordingBroadcaster) Broadcast(event string, payload any) {
	b.mu.Lock()
	b.events = append(b.events, event)
	b.mu.Unlock()
}

func floatPtr(v float64) *float64 { return &v }

func TestRefreshDiffsRegistry(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	driver := &stubDriver{sample: Sample{Value: floatPtr(25.0)}}
	p := NewPoller(st, driver, nil, time.Minute, 0)

	a := createDevice(t, st, "a", true, 60)
	b := createDevice(t, st, "b", true, 60)
	createDevice(t, st, "off", false, 60)

	p.Refresh(ctx)
	p.mu.Lock()
	assert.Len(t, p.registry, 2)
	p.mu.Unlock()

	// Disable one, change the other's interval: both entries must be replaced.
	b.PollEnabled = false
	require.NoError(t, st.UpdateDevice(ctx, b))
	a.PollInterval = 30
	require.NoError(t, st.UpdateDevice(ctx, a))

	p.Refresh(ctx)
	p.mu.Lock()
	require.Len(t, p.registry, 1)
	assert.Equal(t, int64(30), p.registry[a.ID].interval)
	p.mu.Unlock()

	p.drain()
}

func TestPollOncePersistsReading(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	dev := createDevice(t, st, "probe", true, 60)

	driver := &stubDriver{sample: Sample{
		Value:    floatPtr(25.4),
		Metadata: json.RawMessage(`{"unit":"celsius"}`),
	}}
	bc := &recordingBroadcaster{}
	p := NewPoller(st, driver, bc, time.Minute, 0)

	p.pollOnce(ctx, dev)

	reading, err := st.LatestReading(ctx, dev.ID)
	require.NoError(t, err)
	require.NotNil(t, reading.Value)
	assert.Equal(t, 25.4, *reading.Value)
	assert.JSONEq(t, `{"unit":"celsius"}`, string(reading.Metadata))

	got, err := st.GetDevice(ctx, dev.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastPolled)
	assert.Empty(t, got.LastError)

	bc.mu.Lock()
	assert.Equal(t, []string{"device.reading"}, bc.events)
	bc.mu.Unlock()
	assert.Equal(t, 1, driver.callCount())
}

func TestPollOnceRecordsFailure(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	dev := createDevice(t, st, "flaky", true, 60)

	driver := &stubDriver{err: errors.New("bus timeout")}
	p := NewPoller(st, driver, nil, time.Minute, 0)

	p.pollOnce(ctx, dev)

	_, err := st.LatestReading(ctx, dev.ID)
	assert.ErrorIs(t, err, store.ErrNotFound, "failed polls must not produce readings")

	got, err := st.GetDevice(ctx, dev.ID)
	require.NoError(t, err)
	assert.Equal(t, "bus timeout", got.LastError)
	require.NotNil(t, got.LastPolled)
}

func TestPollOnceClampsBackwardClock(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	dev := createDevice(t, st, "probe", true, 60)

	driver := &stubDriver{sample: Sample{Value: floatPtr(8.1)}}
	p := NewPoller(st, driver, nil, time.Minute, 0)

	later := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	p.nowFn = func() time.Time { return later }
	p.pollOnce(ctx, dev)

	// Clock steps back a minute; the next reading still lands after the first.
	p.nowFn = func() time.Time { return later.Add(-time.Minute) }
	p.pollOnce(ctx, dev)

	latest, err := st.LatestReading(ctx, dev.ID)
	require.NoError(t, err)
	assert.Equal(t, later.Add(time.Millisecond), latest.Timestamp.UTC())
}

func TestSweepPrunesOldReadings(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	dev := createDevice(t, st, "probe", true, 60)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	for _, age := range []time.Duration{40 * 24 * time.Hour, time.Hour} {
		v := 25.0
		require.NoError(t, st.InsertReading(ctx, &models.Reading{
			DeviceID: dev.ID, Timestamp: now.Add(-age), Value: &v,
		}))
	}

	driver := &stubDriver{}
	p := NewPoller(st, driver, nil, time.Minute, 30)
	p.nowFn = func() time.Time { return now }
	p.sweep(ctx)

	readings, err := st.ListReadings(ctx, dev.ID, time.Time{}, now.Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, now.Add(-time.Hour), readings[0].Timestamp.UTC())
}

func TestSweepDisabledWithoutRetention(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	dev := createDevice(t, st, "probe", true, 60)

	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	v := 1.0
	require.NoError(t, st.InsertReading(ctx, &models.Reading{
		DeviceID: dev.ID, Timestamp: old, Value: &v,
	}))

	p := NewPoller(st, &stubDriver{}, nil, time.Minute, 0)
	p.sweep(ctx)

	_, err := st.LatestReading(ctx, dev.ID)
	assert.NoError(t, err)
}

func TestStartAndStop(t *testing.T) {
	st := newTestStore(t)
	createDevice(t, st, "probe", true, 60)

	driver := &stubDriver{sample: Sample{Value: floatPtr(25.0)}}
	p := NewPoller(st, driver, nil, time.Minute, 0)

	p.Start(context.Background())
	require.Eventually(t, func() bool {
		return driver.callCount() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	p.Stop()
	p.mu.Lock()
	assert.Empty(t, p.registry)
	p.mu.Unlock()
}

func TestStatusSnapshot(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	a := createDevice(t, st, "a", true, 30)
	createDevice(t, st, "b", true, 60)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	p := NewPoller(st, &stubDriver{sample: Sample{Value: floatPtr(1.0)}}, nil, time.Minute, 30)
	p.nowFn = func() time.Time { return now }

	status := p.Status()
	assert.False(t, status.Running)
	assert.Zero(t, status.ActiveDevices)
	assert.Nil(t, status.LastRefresh)

	p.Refresh(ctx)
	p.sweep(ctx)

	status = p.Status()
	assert.Equal(t, 2, status.ActiveDevices)
	assert.Equal(t, int64(30), status.IntervalSeconds[a.ID])
	require.NotNil(t, status.LastRefresh)
	assert.Equal(t, now, status.LastRefresh.UTC())
	require.NotNil(t, status.LastSweep)
	assert.Equal(t, now, status.LastSweep.UTC())

	p.Start(ctx)
	assert.True(t, p.Status().Running)
	p.Stop()
	status = p.Status()
	assert.False(t, status.Running)
	assert.Zero(t, status.ActiveDevices)
}

func TestSimulatedDriverShapes(t *testing.T) {
	ctx := context.Background()
	driver := SimulatedDriver{}

	numeric := &models.Device{ID: 1, DeviceType: "temperature"}
	sample, err := driver.Poll(ctx, numeric)
	require.NoError(t, err)
	require.NotNil(t, sample.Value)
	assert.InDelta(t, 25.5, *sample.Value, 1.0)

	unknown := &models.Device{ID: 2, DeviceType: "doser"}
	sample, err = driver.Poll(ctx, unknown)
	require.NoError(t, err)
	assert.Nil(t, sample.Value)
	assert.JSONEq(t, `{"online":true}`, string(sample.JSON))
}
