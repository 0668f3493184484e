package registry

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"skyconsole/pkg/alpaca"
	"skyconsole/pkg/events"
	"skyconsole/pkg/schema"
)

// Watcher is notified when a device starts or stops being live. Pollers and
// trackers implement it to own their per-device goroutines.
type Watcher interface {
	DeviceConnected(d Device)
	DeviceStopping(id string)
}

type entry struct {
	dev        Device
	client     Client
	optimistic map[string]bool
}

// Registry is the in-memory map of known devices.
type Registry struct {
	mu        sync.RWMutex
	devices   map[string]*entry
	watchers  []Watcher
	bus       *events.Bus
	validator *schema.Validator
	newClient ClientFactory
	logger    log.FieldLogger
}

func New(bus *events.Bus, newClient ClientFactory, validator *schema.Validator, logger log.FieldLogger) *Registry {
	return &Registry{
		devices:   make(map[string]*entry),
		bus:       bus,
		validator: validator,
		newClient: newClient,
		logger:    logger,
	}
}

// Watch registers w for connect and teardown notifications.
func (r *Registry) Watch(w Watcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers = append(r.watchers, w)
}

func (r *Registry) Bus() *events.Bus {
	return r.bus
}

func (r *Registry) watcherList() []Watcher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Watcher(nil), r.watchers...)
}

// Add registers a new device in the idle state.
func (r *Registry) Add(d Device) error {
	if d.ID == "" {
		return ErrMissingID
	}

	t, err := alpaca.ParseDeviceType(d.Type.String())
	if err != nil {
		return err
	}
	d.Type = t
	d.Status = StatusIdle
	d.Stale = false
	d.Session = 0
	if d.Properties == nil {
		d.Properties = make(map[string]any)
	}

	e := &entry{dev: d, optimistic: make(map[string]bool)}
	if d.APIBaseURL != "" && r.newClient != nil {
		client, err := r.newClient(d)
		if err != nil {
			return fmt.Errorf("failed to create client for %s: %w", d.ID, err)
		}
		e.client = client
	}

	r.mu.Lock()
	if _, exists := r.devices[d.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateID, d.ID)
	}
	r.devices[d.ID] = e
	snapshot := e.dev.clone()
	r.mu.Unlock()

	r.logger.Infof("Device %s added (%s #%d)", d.ID, d.Type, d.Number)

	ev := events.New(events.DeviceAdded, d.ID)
	ev.Data = snapshot
	r.bus.Emit(ev)
	return nil
}

// Remove stops every poller of the device and forgets it.
func (r *Registry) Remove(id string) error {
	r.mu.RLock()
	_, ok := r.devices[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}

	for _, w := range r.watcherList() {
		w.DeviceStopping(id)
	}

	r.mu.Lock()
	delete(r.devices, id)
	r.mu.Unlock()

	r.logger.Infof("Device %s removed", id)
	r.bus.Emit(events.New(events.DeviceRemoved, id))
	return nil
}

func (r *Registry) Get(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.devices[id]
	if !ok {
		return Device{}, false
	}
	return e.dev.clone(), true
}

// List returns every device, ordered by id.
func (r *Registry) List() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.devices))
	for _, e := range r.devices {
		out = append(out, e.dev.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Client(id string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	if e.client == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoClient, id)
	}
	return e.client, nil
}

// IsConnected reports whether the device is connected in the given session.
// A zero session matches any.
func (r *Registry) IsConnected(id string, session uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.devices[id]
	if !ok || e.dev.Status != StatusConnected {
		return false
	}
	return session == 0 || e.dev.Session == session
}

// IsOptimistic reports whether key holds a locally assumed value that no
// poll has confirmed yet.
func (r *Registry) IsOptimistic(id, key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.devices[id]
	return ok && e.optimistic[key]
}

// UpdateProperties merges confirmed values into the device.
func (r *Registry) UpdateProperties(id string, props map[string]any) error {
	return r.Merge(id, 0, props, false)
}

// UpdatePropertiesOptimistic merges values that are assumed rather than
// read back from the device. They stay tagged until a confirmed update.
func (r *Registry) UpdatePropertiesOptimistic(id string, props map[string]any) error {
	return r.Merge(id, 0, props, true)
}

type change struct {
	key        string
	value      any
	previous   any
	optimistic bool
}

// Merge shallow-merges props into the device properties and emits one
// devicePropertyChanged event per key whose value changed. When session is
// non-zero the update is dropped unless the device is still connected in
// that session.
func (r *Registry) Merge(id string, session uint64, props map[string]any, optimistic bool) error {
	r.mu.RLock()
	e, ok := r.devices[id]
	var devType alpaca.DeviceType
	if ok {
		devType = e.dev.Type
	}
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}

	if r.validator != nil {
		valid, rejected := r.validator.Filter(devType, props)
		for key, err := range rejected {
			r.logger.WithField("device", id).Warnf("Rejected value for %s: %v", key, err)
		}
		props = valid
	}

	var changes []change
	capsChanged := false

	r.mu.Lock()
	e, ok = r.devices[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	if session != 0 && (e.dev.Session != session || e.dev.Status != StatusConnected) {
		r.mu.Unlock()
		return nil
	}

	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := props[key]
		if optimistic {
			e.optimistic[key] = true
		} else {
			delete(e.optimistic, key)
		}

		previous, existed := e.dev.Properties[key]
		if existed && reflect.DeepEqual(previous, value) {
			continue
		}
		e.dev.Properties[key] = value
		changes = append(changes, change{key: key, value: value, previous: previous, optimistic: optimistic})
		if isCapabilityKey(key) {
			capsChanged = true
		}
	}

	var snapshot Device
	if capsChanged {
		e.dev.Capabilities = deriveCapabilities(e.dev.Properties)
		snapshot = e.dev.clone()
	}
	r.mu.Unlock()

	if len(changes) == 0 {
		return nil
	}

	batch := r.bus.Start()
	defer batch.End()
	for _, c := range changes {
		batch.Emit(events.PropertyChanged(id, c.key, c.value, c.previous, c.optimistic))
	}
	if capsChanged {
		ev := events.New(events.DeviceUpdated, id)
		ev.Data = snapshot
		batch.Emit(ev)
	}
	return nil
}

// SetStale flags or clears the device as unreachable and emits deviceStale
// or deviceRecovered when the flag changes.
func (r *Registry) SetStale(id string, stale bool) {
	r.mu.Lock()
	e, ok := r.devices[id]
	if !ok || e.dev.Stale == stale {
		r.mu.Unlock()
		return
	}
	e.dev.Stale = stale
	r.mu.Unlock()

	if stale {
		r.logger.WithField("device", id).Warn("Device marked stale")
		r.bus.Emit(events.New(events.DeviceStale, id))
	} else {
		r.logger.WithField("device", id).Info("Device recovered")
		r.bus.Emit(events.New(events.DeviceRecovered, id))
	}
}

func (r *Registry) setStatus(id string, to Status) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[id]
	if !ok {
		return Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	if err := checkTransition(e.dev.Status, to); err != nil {
		return Device{}, err
	}
	e.dev.Status = to
	if to == StatusConnected {
		e.dev.Session++
	}
	if to == StatusIdle {
		e.dev.Properties = make(map[string]any)
		e.dev.Capabilities = nil
		e.dev.Stale = false
		e.optimistic = make(map[string]bool)
	}
	return e.dev.clone(), nil
}

func (r *Registry) emitStatus(d Device) {
	ev := events.New(events.DeviceUpdated, d.ID)
	ev.Data = d
	r.bus.Emit(ev)
}

// fail moves the device to the error state after a connect or disconnect
// failure and reports it. The original error is returned for the caller.
func (r *Registry) fail(id string, op string, cause error) error {
	if d, err := r.setStatus(id, StatusError); err == nil {
		r.emitStatus(d)
	}
	r.logger.WithField("device", id).Errorf("Failed to %s: %v", op, cause)
	r.bus.Emit(events.ConnectionError(id, cause))
	return fmt.Errorf("failed to %s %s: %w", op, id, cause)
}

// Connect sets the device's connected property and starts its watchers.
// Failures leave the device in the error state and are returned.
func (r *Registry) Connect(ctx context.Context, id string) error {
	d, err := r.setStatus(id, StatusConnecting)
	if err != nil {
		return err
	}
	r.emitStatus(d)

	client, err := r.Client(id)
	if err != nil {
		return r.fail(id, "connect", err)
	}
	if err := client.SetProperty(ctx, "connected", true); err != nil {
		return r.fail(id, "connect", err)
	}

	d, err = r.setStatus(id, StatusConnected)
	if err != nil {
		return err
	}
	r.emitStatus(d)
	r.logger.WithField("device", id).Info("Connected")

	for _, w := range r.watcherList() {
		w.DeviceConnected(d)
	}

	r.bus.Emit(events.New(events.DeviceConnected, id))
	return nil
}

// Disconnect stops the device's watchers, clears the connected property
// and resets the device to idle. Calling it on a device that is not
// connected returns ErrInvalidTransition and changes nothing.
func (r *Registry) Disconnect(ctx context.Context, id string) error {
	d, err := r.setStatus(id, StatusDisconnecting)
	if err != nil {
		return err
	}
	r.emitStatus(d)

	for _, w := range r.watcherList() {
		w.DeviceStopping(id)
	}

	client, err := r.Client(id)
	if err != nil {
		return r.fail(id, "disconnect", err)
	}
	if err := client.SetProperty(ctx, "connected", false); err != nil {
		return r.fail(id, "disconnect", err)
	}

	d, err = r.setStatus(id, StatusIdle)
	if err != nil {
		return err
	}
	r.emitStatus(d)
	r.logger.WithField("device", id).Info("Disconnected")

	r.bus.Emit(events.New(events.DeviceDisconnected, id))
	return nil
}

// Reset re-initializes a device left in the error state so that it can be
// connected again. It is the only way out of StatusError.
func (r *Registry) Reset(id string) error {
	r.mu.Lock()
	e, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	if e.dev.Status != StatusError {
		r.mu.Unlock()
		return fmt.Errorf("%w: reset requires %s, device is %s", ErrInvalidTransition, StatusError, e.dev.Status)
	}
	e.dev.Status = StatusIdle
	e.dev.Properties = make(map[string]any)
	e.dev.Capabilities = nil
	e.dev.Stale = false
	e.optimistic = make(map[string]bool)
	d := e.dev.clone()
	r.mu.Unlock()

	r.emitStatus(d)
	return nil
}
