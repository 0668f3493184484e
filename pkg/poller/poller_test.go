package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyconsole/pkg/alpaca"
	"skyconsole/pkg/events"
	"skyconsole/pkg/registry"
)

var errOffline = errors.New("offline")

type stubClient struct {
	mu     sync.Mutex
	values map[string]any
	fail   map[string]bool
	down   bool
	reads  []string
}

func (s *stubClient) Get(ctx context.Context, method string, params alpaca.Params) (any, error) {
	return s.GetProperty(ctx, method)
}

func (s *stubClient) Put(ctx context.Context, method string, params alpaca.Params) (any, error) {
	return nil, nil
}

func (s *stubClient) GetProperty(ctx context.Context, name string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads = append(s.reads, name)
	if s.down || s.fail[name] {
		return nil, errOffline
	}
	v, ok := s.values[name]
	if !ok {
		return nil, alpaca.ErrPropertyNotImplemented
	}
	return v, nil
}

func (s *stubClient) SetProperty(ctx context.Context, name string, value any) error {
	return nil
}

func (s *stubClient) DeviceState(ctx context.Context) (map[string]any, error) {
	return nil, nil
}

func (s *stubClient) set(name string, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = v
}

func (s *stubClient) setDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

var focuserProfile = Profile{
	Type:         alpaca.Focuser,
	Properties:   []string{"position", "ismoving", "temperature"},
	Interval:     time.Hour,
	Capabilities: []string{"absolute"},
	Aliases:      map[string]string{"position": "currentPosition"},
}

type fixture struct {
	reg     *registry.Registry
	rec     *events.Recorder
	client  *stubClient
	manager *Manager
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	logger := log.WithField("component", "test")
	bus := events.NewBus(logger)
	rec := &events.Recorder{}
	bus.AddListener(rec)

	client := &stubClient{
		values: map[string]any{"position": 1200.0, "ismoving": false, "temperature": 4.5, "absolute": true},
		fail:   map[string]bool{},
	}
	reg := registry.New(bus, func(d registry.Device) (registry.Client, error) { return client, nil }, nil, logger)
	require.NoError(t, reg.Add(registry.Device{ID: "foc1", Type: alpaca.Focuser, APIBaseURL: "http://localhost:11111"}))
	require.NoError(t, reg.Connect(context.Background(), "foc1"))

	return &fixture{
		reg:     reg,
		rec:     rec,
		client:  client,
		manager: NewManager(reg, []Profile{focuserProfile}, logger, opts...),
	}
}

func (f *fixture) poller(t *testing.T) *Poller {
	t.Helper()
	d, ok := f.reg.Get("foc1")
	require.True(t, ok)
	profile, ok := f.manager.Profile(alpaca.Focuser)
	require.True(t, ok)
	return f.manager.newPoller(d, profile, f.client)
}

func TestPollMergesPropertiesAndAliases(t *testing.T) {
	f := newFixture(t)
	p := f.poller(t)

	p.poll(context.Background())

	d, _ := f.reg.Get("foc1")
	assert.Equal(t, 1200.0, d.Properties["position"])
	assert.Equal(t, 1200.0, d.Properties["currentPosition"])
	assert.Equal(t, false, d.Properties["ismoving"])
	assert.Equal(t, 4, f.rec.Count(events.DevicePropertyChanged))

	f.rec.Reset()
	p.poll(context.Background())
	assert.Zero(t, f.rec.Count(events.DevicePropertyChanged), "unchanged values emit nothing")

	f.client.set("position", 1300.0)
	p.poll(context.Background())
	changed := f.rec.Kind(events.DevicePropertyChanged)
	require.Len(t, changed, 2)
	assert.Equal(t, "currentPosition", changed[0].Property)
	assert.Equal(t, "position", changed[1].Property)
	assert.Equal(t, 1200.0, changed[1].Previous)
}

func TestPollToleratesIndividualFailures(t *testing.T) {
	f := newFixture(t)
	f.client.fail["temperature"] = true
	p := f.poller(t)

	p.poll(context.Background())

	d, _ := f.reg.Get("foc1")
	assert.Equal(t, 1200.0, d.Properties["position"])
	_, ok := d.Properties["temperature"]
	assert.False(t, ok)
	assert.False(t, d.Stale)
}

func TestPollReadsPropertiesInOrder(t *testing.T) {
	f := newFixture(t)
	p := f.poller(t)

	p.poll(context.Background())
	assert.Equal(t, []string{"position", "ismoving", "temperature"}, f.client.reads)
}

func TestStaleAfterConsecutiveFailures(t *testing.T) {
	f := newFixture(t, WithStaleAfter(2))
	p := f.poller(t)
	f.client.setDown(true)

	p.poll(context.Background())
	assert.Zero(t, f.rec.Count(events.DeviceStale))

	p.poll(context.Background())
	assert.Equal(t, 1, f.rec.Count(events.DeviceStale))
	d, _ := f.reg.Get("foc1")
	assert.True(t, d.Stale)

	p.poll(context.Background())
	assert.Equal(t, 1, f.rec.Count(events.DeviceStale), "stale is only reported once")

	f.client.setDown(false)
	p.poll(context.Background())
	assert.Equal(t, 1, f.rec.Count(events.DeviceRecovered))
	d, _ = f.reg.Get("foc1")
	assert.False(t, d.Stale)
}

func TestStaleDetectionDisabledByDefault(t *testing.T) {
	f := newFixture(t)
	p := f.poller(t)
	f.client.setDown(true)

	for i := 0; i < 10; i++ {
		p.poll(context.Background())
	}
	assert.Zero(t, f.rec.Count(events.DeviceStale))
}

func TestPollStopsWhenDeviceDisconnects(t *testing.T) {
	f := newFixture(t)
	p := f.poller(t)
	require.NoError(t, f.reg.Disconnect(context.Background(), "foc1"))

	p.poll(context.Background())
	assert.False(t, p.Active())
	assert.Empty(t, f.client.reads)
}

func TestStoppedPollerDiscardsResults(t *testing.T) {
	f := newFixture(t)
	p := f.poller(t)
	p.Stop()
	p.Stop()

	p.poll(context.Background())
	d, _ := f.reg.Get("foc1")
	assert.Empty(t, d.Properties)
}

func TestResultsFromPreviousSessionAreDropped(t *testing.T) {
	f := newFixture(t)
	p := f.poller(t)

	require.NoError(t, f.reg.Disconnect(context.Background(), "foc1"))
	require.NoError(t, f.reg.Connect(context.Background(), "foc1"))

	p.poll(context.Background())
	d, _ := f.reg.Get("foc1")
	assert.Empty(t, d.Properties)
	assert.False(t, p.Active())
}

func TestDetectorSeesPreviousSnapshot(t *testing.T) {
	var calls [][2]map[string]any
	profile := focuserProfile
	profile.Detect = func(id string, prev, next map[string]any) []events.Event {
		calls = append(calls, [2]map[string]any{prev, next})
		if prev != nil && prev["ismoving"] == true && next["ismoving"] == false {
			return []events.Event{events.New("focuserMoveComplete", id)}
		}
		return nil
	}

	f := newFixture(t)
	f.manager.profiles[alpaca.Focuser] = profile
	p := f.poller(t)

	f.client.set("ismoving", true)
	p.poll(context.Background())
	f.client.set("ismoving", false)
	p.poll(context.Background())

	require.Len(t, calls, 2)
	assert.Nil(t, calls[0][0])
	assert.Equal(t, true, calls[1][0]["ismoving"])
	assert.Equal(t, 1, f.rec.Count("focuserMoveComplete"))
}

func TestRemoveWaitsForCycleInFlight(t *testing.T) {
	var once sync.Once
	entered := make(chan struct{})
	release := make(chan struct{})
	profile := focuserProfile
	profile.Detect = func(id string, prev, next map[string]any) []events.Event {
		once.Do(func() { close(entered) })
		<-release
		return []events.Event{events.New(events.DomeSlewComplete, id)}
	}

	f := newFixture(t)
	f.manager.profiles[alpaca.Focuser] = profile
	f.reg.Watch(f.manager)
	d, _ := f.reg.Get("foc1")
	require.NoError(t, f.manager.Start(d))

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("poll cycle never reached the detector")
	}

	removed := make(chan error, 1)
	go func() { removed <- f.reg.Remove("foc1") }()

	select {
	case <-removed:
		t.Fatal("Remove returned while a poll cycle was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-removed)

	got := f.rec.Events()
	require.NotEmpty(t, got)
	assert.Equal(t, events.DeviceRemoved, got[len(got)-1].Kind)
	assert.Zero(t, f.rec.Count(events.DomeSlewComplete))
	assert.False(t, f.manager.Active("foc1"))
}

func TestCollectorAddsValues(t *testing.T) {
	profile := focuserProfile
	profile.Collect = func(ctx context.Context, client registry.Client, current map[string]any) (map[string]any, error) {
		return map[string]any{"stepsize": 2.5}, nil
	}

	f := newFixture(t)
	f.manager.profiles[alpaca.Focuser] = profile
	p := f.poller(t)

	p.poll(context.Background())
	d, _ := f.reg.Get("foc1")
	assert.Equal(t, 2.5, d.Properties["stepsize"])
}

func TestFetchCapabilities(t *testing.T) {
	profile := focuserProfile
	profile.Capabilities = []string{"absolute", "canhalt", "hasbacklash"}

	f := newFixture(t)
	f.client.set("canhalt", true)
	f.client.set("hasbacklash", false)
	f.manager.profiles[alpaca.Focuser] = profile
	p := f.poller(t)

	p.fetchCapabilities(context.Background())

	d, _ := f.reg.Get("foc1")
	assert.Equal(t, true, d.Properties["absolute"])
	assert.Equal(t, []string{"canhalt"}, d.Capabilities)
}

func TestManagerErrors(t *testing.T) {
	f := newFixture(t)

	err := f.manager.Refresh(context.Background(), "foc1")
	assert.ErrorIs(t, err, ErrNotPolling)

	err = f.manager.Start(registry.Device{ID: "cam1", Type: alpaca.Camera})
	assert.ErrorIs(t, err, ErrNoProfile)
}

func TestManagerStartAndStop(t *testing.T) {
	f := newFixture(t)
	d, _ := f.reg.Get("foc1")

	require.NoError(t, f.manager.Start(d))
	assert.True(t, f.manager.Active("foc1"))
	require.NoError(t, f.manager.Refresh(context.Background(), "foc1"))

	assert.Eventually(t, func() bool {
		d, _ := f.reg.Get("foc1")
		return d.Properties["position"] == 1200.0
	}, time.Second, 10*time.Millisecond)

	f.manager.DeviceStopping("foc1")
	assert.False(t, f.manager.Active("foc1"))
}

func TestWithIntervalOverride(t *testing.T) {
	f := newFixture(t, WithInterval(alpaca.Focuser, 250*time.Millisecond), WithInterval(alpaca.Camera, time.Second))

	p, ok := f.manager.Profile(alpaca.Focuser)
	require.True(t, ok)
	assert.Equal(t, 250*time.Millisecond, p.Interval)
	_, ok = f.manager.Profile(alpaca.Camera)
	assert.False(t, ok)
}
