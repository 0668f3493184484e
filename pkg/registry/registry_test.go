package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyconsole/pkg/alpaca"
	"skyconsole/pkg/events"
	"skyconsole/pkg/schema"
)

type fakeClient struct {
	mu     sync.Mutex
	setErr error
	sets   map[string]any
}

func (f *fakeClient) Get(ctx context.Context, method string, params alpaca.Params) (any, error) {
	return nil, nil
}

func (f *fakeClient) Put(ctx context.Context, method string, params alpaca.Params) (any, error) {
	return nil, nil
}

func (f *fakeClient) GetProperty(ctx context.Context, name string) (any, error) {
	return nil, nil
}

func (f *fakeClient) SetProperty(ctx context.Context, name string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sets == nil {
		f.sets = make(map[string]any)
	}
	f.sets[name] = value
	return f.setErr
}

func (f *fakeClient) DeviceState(ctx context.Context) (map[string]any, error) {
	return nil, nil
}

type fakeWatcher struct {
	connected []string
	stopped   []string
}

func (w *fakeWatcher) DeviceConnected(d Device) { w.connected = append(w.connected, d.ID) }
func (w *fakeWatcher) DeviceStopping(id string) { w.stopped = append(w.stopped, id) }

func newTestRegistry(t *testing.T, client *fakeClient) (*Registry, *events.Recorder) {
	t.Helper()
	logger := log.WithField("component", "test")
	bus := events.NewBus(logger)
	rec := &events.Recorder{}
	bus.AddListener(rec)

	validator, err := schema.Load()
	require.NoError(t, err)

	factory := func(d Device) (Client, error) { return client, nil }
	return New(bus, factory, validator, logger), rec
}

func TestAdd(t *testing.T) {
	reg, rec := newTestRegistry(t, &fakeClient{})

	err := reg.Add(Device{Type: "camera"})
	assert.ErrorIs(t, err, ErrMissingID)

	require.NoError(t, reg.Add(Device{ID: "cam1", Type: "Camera", APIBaseURL: "http://localhost:11111"}))
	d, ok := reg.Get("cam1")
	require.True(t, ok)
	assert.Equal(t, alpaca.Camera, d.Type)
	assert.Equal(t, StatusIdle, d.Status)
	assert.Equal(t, 1, rec.Count(events.DeviceAdded))

	err = reg.Add(Device{ID: "cam1", Type: "camera"})
	assert.ErrorIs(t, err, ErrDuplicateID)

	err = reg.Add(Device{ID: "x", Type: "toaster"})
	assert.Error(t, err)
}

func TestAddThenRemove(t *testing.T) {
	reg, rec := newTestRegistry(t, &fakeClient{})
	w := &fakeWatcher{}
	reg.Watch(w)

	require.NoError(t, reg.Add(Device{ID: "foc", Type: "focuser", APIBaseURL: "http://h"}))
	require.NoError(t, reg.Connect(context.Background(), "foc"))
	require.NoError(t, reg.Remove("foc"))

	_, ok := reg.Get("foc")
	assert.False(t, ok)
	assert.Equal(t, []string{"foc"}, w.stopped)
	assert.Equal(t, 1, rec.Count(events.DeviceRemoved))

	rec.Reset()
	err := reg.UpdateProperties("foc", map[string]any{"position": 10.0})
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	assert.Empty(t, rec.Events(), "no events after removal")

	assert.ErrorIs(t, reg.Remove("foc"), ErrDeviceNotFound)
}

func TestTransitions(t *testing.T) {
	valid := map[[2]Status]bool{
		{StatusIdle, StatusConnecting}:         true,
		{StatusConnecting, StatusConnected}:    true,
		{StatusConnecting, StatusError}:        true,
		{StatusConnected, StatusDisconnecting}: true,
		{StatusDisconnecting, StatusIdle}:      true,
		{StatusDisconnecting, StatusError}:     true,
	}
	all := []Status{StatusIdle, StatusConnecting, StatusConnected, StatusDisconnecting, StatusError}

	for _, from := range all {
		for _, to := range all {
			name := string(from) + "->" + string(to)
			t.Run(name, func(t *testing.T) {
				assert.Equal(t, valid[[2]Status{from, to}], CanTransition(from, to))
				err := checkTransition(from, to)
				if valid[[2]Status{from, to}] {
					assert.NoError(t, err)
				} else {
					assert.ErrorIs(t, err, ErrInvalidTransition)
				}
			})
		}
	}
}

func TestConnect(t *testing.T) {
	client := &fakeClient{}
	reg, rec := newTestRegistry(t, client)
	w := &fakeWatcher{}
	reg.Watch(w)

	require.NoError(t, reg.Add(Device{ID: "dome", Type: "dome", APIBaseURL: "http://h"}))
	require.NoError(t, reg.Connect(context.Background(), "dome"))

	d, _ := reg.Get("dome")
	assert.Equal(t, StatusConnected, d.Status)
	assert.NotZero(t, d.Session)
	assert.Equal(t, true, client.sets["connected"])
	assert.Equal(t, []string{"dome"}, w.connected)
	assert.Equal(t, 1, rec.Count(events.DeviceConnected))
	assert.True(t, reg.IsConnected("dome", 0))
	assert.True(t, reg.IsConnected("dome", d.Session))

	// Connecting twice is an invalid transition.
	assert.ErrorIs(t, reg.Connect(context.Background(), "dome"), ErrInvalidTransition)
}

func TestConnectFailure(t *testing.T) {
	cause := errors.New("connection refused")
	reg, rec := newTestRegistry(t, &fakeClient{setErr: cause})
	w := &fakeWatcher{}
	reg.Watch(w)

	require.NoError(t, reg.Add(Device{ID: "tel", Type: "telescope", APIBaseURL: "http://h"}))
	err := reg.Connect(context.Background(), "tel")
	assert.ErrorIs(t, err, cause)

	d, _ := reg.Get("tel")
	assert.Equal(t, StatusError, d.Status)
	assert.Equal(t, 1, rec.Count(events.DeviceConnectionError))
	assert.Empty(t, w.connected)

	// error is terminal until reset.
	assert.ErrorIs(t, reg.Connect(context.Background(), "tel"), ErrInvalidTransition)
	require.NoError(t, reg.Reset("tel"))
	d, _ = reg.Get("tel")
	assert.Equal(t, StatusIdle, d.Status)
}

func TestConnectWithoutClient(t *testing.T) {
	reg, rec := newTestRegistry(t, &fakeClient{})
	require.NoError(t, reg.Add(Device{ID: "sw", Type: "switch"}))

	err := reg.Connect(context.Background(), "sw")
	assert.ErrorIs(t, err, ErrNoClient)
	assert.Equal(t, 1, rec.Count(events.DeviceConnectionError))
}

func TestDisconnect(t *testing.T) {
	client := &fakeClient{}
	reg, rec := newTestRegistry(t, client)
	w := &fakeWatcher{}
	reg.Watch(w)

	require.NoError(t, reg.Add(Device{ID: "rot", Type: "rotator", APIBaseURL: "http://h"}))

	// Not connected yet: a failing no-op.
	err := reg.Disconnect(context.Background(), "rot")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Zero(t, rec.Count(events.DeviceDisconnected))
	d, _ := reg.Get("rot")
	assert.Equal(t, StatusIdle, d.Status)

	require.NoError(t, reg.Connect(context.Background(), "rot"))
	require.NoError(t, reg.UpdateProperties("rot", map[string]any{"position": 12.5}))
	require.NoError(t, reg.Disconnect(context.Background(), "rot"))

	d, _ = reg.Get("rot")
	assert.Equal(t, StatusIdle, d.Status)
	assert.Empty(t, d.Properties)
	assert.Equal(t, false, client.sets["connected"])
	assert.Equal(t, []string{"rot"}, w.stopped)
	assert.Equal(t, 1, rec.Count(events.DeviceDisconnected))

	// Already disconnected.
	assert.ErrorIs(t, reg.Disconnect(context.Background(), "rot"), ErrInvalidTransition)
}

func TestDisconnectFailure(t *testing.T) {
	client := &fakeClient{}
	reg, rec := newTestRegistry(t, client)
	require.NoError(t, reg.Add(Device{ID: "cc", Type: "covercalibrator", APIBaseURL: "http://h"}))
	require.NoError(t, reg.Connect(context.Background(), "cc"))

	client.setErr = errors.New("timeout")
	err := reg.Disconnect(context.Background(), "cc")
	assert.Error(t, err)

	d, _ := reg.Get("cc")
	assert.Equal(t, StatusError, d.Status)
	assert.Equal(t, 1, rec.Count(events.DeviceConnectionError))
}

func TestUpdatePropertiesMerge(t *testing.T) {
	reg, rec := newTestRegistry(t, &fakeClient{})
	require.NoError(t, reg.Add(Device{ID: "oc", Type: "observingconditions"}))

	require.NoError(t, reg.UpdateProperties("oc", map[string]any{"a": 1, "b": 2}))
	rec.Reset()
	require.NoError(t, reg.UpdateProperties("oc", map[string]any{"a": 1, "c": 3}))

	d, _ := reg.Get("oc")
	assert.Equal(t, map[string]any{"a": 1, "b": 2, "c": 3}, d.Properties)

	changed := rec.Kind(events.DevicePropertyChanged)
	if assert.Len(t, changed, 1) {
		assert.Equal(t, "c", changed[0].Property)
		assert.Equal(t, 3, changed[0].Value)
	}
}

func TestUpdatePropertiesRejectsInvalidValues(t *testing.T) {
	reg, rec := newTestRegistry(t, &fakeClient{})
	require.NoError(t, reg.Add(Device{ID: "sm", Type: "safetymonitor"}))

	require.NoError(t, reg.UpdateProperties("sm", map[string]any{"issafe": "maybe"}))
	d, _ := reg.Get("sm")
	assert.NotContains(t, d.Properties, "issafe")
	assert.Zero(t, rec.Count(events.DevicePropertyChanged))
}

func TestCapabilitiesDerivedFromCanAndHas(t *testing.T) {
	reg, rec := newTestRegistry(t, &fakeClient{})
	require.NoError(t, reg.Add(Device{ID: "cam", Type: "camera"}))

	require.NoError(t, reg.UpdateProperties("cam", map[string]any{
		"canabortexposure":     true,
		"cansetccdtemperature": false,
		"hasshutter":           true,
		"ccdtemperature":       -5.0,
	}))

	d, _ := reg.Get("cam")
	assert.Equal(t, []string{"canabortexposure", "hasshutter"}, d.Capabilities)
	assert.Equal(t, 1, rec.Count(events.DeviceUpdated))

	rec.Reset()
	require.NoError(t, reg.UpdateProperties("cam", map[string]any{"ccdtemperature": -6.0}))
	assert.Zero(t, rec.Count(events.DeviceUpdated), "no capability change, no re-derivation")
}

func TestOptimisticTag(t *testing.T) {
	reg, rec := newTestRegistry(t, &fakeClient{})
	require.NoError(t, reg.Add(Device{ID: "foc", Type: "focuser"}))

	require.NoError(t, reg.UpdatePropertiesOptimistic("foc", map[string]any{"ismoving": true}))
	assert.True(t, reg.IsOptimistic("foc", "ismoving"))
	ev := rec.Kind(events.DevicePropertyChanged)
	require.Len(t, ev, 1)
	assert.True(t, ev[0].Optimistic)

	require.NoError(t, reg.UpdateProperties("foc", map[string]any{"ismoving": true}))
	assert.False(t, reg.IsOptimistic("foc", "ismoving"), "confirmed value clears the tag")
}

func TestMergeDiscardsStaleSession(t *testing.T) {
	reg, rec := newTestRegistry(t, &fakeClient{})
	require.NoError(t, reg.Add(Device{ID: "fw", Type: "filterwheel", APIBaseURL: "http://h"}))
	require.NoError(t, reg.Connect(context.Background(), "fw"))
	d, _ := reg.Get("fw")
	old := d.Session

	require.NoError(t, reg.Disconnect(context.Background(), "fw"))
	rec.Reset()

	require.NoError(t, reg.Merge("fw", old, map[string]any{"position": 2.0}, false))
	d, _ = reg.Get("fw")
	assert.Empty(t, d.Properties)
	assert.Empty(t, rec.Events())
}

func TestSetStale(t *testing.T) {
	reg, rec := newTestRegistry(t, &fakeClient{})
	require.NoError(t, reg.Add(Device{ID: "t", Type: "telescope"}))

	reg.SetStale("t", true)
	reg.SetStale("t", true)
	reg.SetStale("t", false)

	assert.Equal(t, 1, rec.Count(events.DeviceStale))
	assert.Equal(t, 1, rec.Count(events.DeviceRecovered))
}
