package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"skyconsole/pkg/alpaca"
	"skyconsole/pkg/metrics"
	"skyconsole/pkg/registry"
)

var (
	ErrNoProfile  = errors.New("no polling profile for device type")
	ErrNotPolling = errors.New("device is not being polled")
)

// Manager owns the pollers of every connected device.
type Manager struct {
	reg      *registry.Registry
	profiles map[alpaca.DeviceType]Profile
	metrics  metrics.Recorder
	logger   log.FieldLogger

	staleAfter int

	mu      sync.Mutex
	pollers map[string]*Poller
}

type Option func(*Manager)

// WithStaleAfter flags a device stale after n consecutive cycles in which no
// property could be read. Zero disables the check.
func WithStaleAfter(n int) Option {
	return func(m *Manager) { m.staleAfter = n }
}

func WithMetrics(rec metrics.Recorder) Option {
	return func(m *Manager) { m.metrics = rec }
}

// WithInterval overrides the poll interval of one device type.
func WithInterval(t alpaca.DeviceType, d time.Duration) Option {
	return func(m *Manager) {
		if p, ok := m.profiles[t]; ok && d > 0 {
			p.Interval = d
			m.profiles[t] = p
		}
	}
}

func NewManager(reg *registry.Registry, profiles []Profile, logger log.FieldLogger, opts ...Option) *Manager {
	m := &Manager{
		reg:      reg,
		profiles: make(map[alpaca.DeviceType]Profile, len(profiles)),
		metrics:  metrics.Nop{},
		logger:   logger,
		pollers:  make(map[string]*Poller),
	}
	for _, p := range profiles {
		m.profiles[p.Type] = p
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Profile(t alpaca.DeviceType) (Profile, bool) {
	p, ok := m.profiles[t]
	return p, ok
}

// DeviceConnected implements registry.Watcher.
func (m *Manager) DeviceConnected(d registry.Device) {
	if err := m.Start(d); err != nil {
		m.logger.WithField("device", d.ID).Errorf("Failed to start poller: %v", err)
	}
}

// DeviceStopping implements registry.Watcher.
func (m *Manager) DeviceStopping(id string) {
	m.Stop(id)
}

// Start begins polling d, replacing any poller already running for it.
func (m *Manager) Start(d registry.Device) error {
	profile, ok := m.profiles[d.Type]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoProfile, d.Type)
	}
	client, err := m.reg.Client(d.ID)
	if err != nil {
		return err
	}

	p := m.newPoller(d, profile, client)

	m.mu.Lock()
	old, replaced := m.pollers[d.ID]
	m.pollers[d.ID] = p
	m.mu.Unlock()
	if replaced {
		old.Stop()
		old.wait()
	}

	go p.run()

	m.logger.Infof("Poller started for %s (%s every %v)", d.ID, d.Type, profile.Interval)
	return nil
}

func (m *Manager) newPoller(d registry.Device, profile Profile, client registry.Client) *Poller {
	p := &Poller{
		id:         d.ID,
		session:    d.Session,
		profile:    profile,
		client:     client,
		reg:        m.reg,
		metrics:    m.metrics,
		logger:     m.logger.WithField("device", d.ID),
		staleAfter: m.staleAfter,
		stopChan:   make(chan struct{}),
	}
	p.active.Store(true)
	return p
}

// Stop cancels the device's poller, if any, and returns once a cycle in
// flight has finished. Nothing is emitted for the device afterwards.
func (m *Manager) Stop(id string) {
	m.mu.Lock()
	p, ok := m.pollers[id]
	delete(m.pollers, id)
	m.mu.Unlock()

	if ok {
		p.Stop()
		p.wait()
		m.logger.Infof("Poller stopped for %s", id)
	}
}

// StopAll cancels every poller and waits for their cycles.
func (m *Manager) StopAll() {
	m.mu.Lock()
	pollers := m.pollers
	m.pollers = make(map[string]*Poller)
	m.mu.Unlock()

	for _, p := range pollers {
		p.Stop()
	}
	for _, p := range pollers {
		p.wait()
	}
}

func (m *Manager) Active(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pollers[id]
	return ok && p.Active()
}

// Refresh runs one poll cycle for the device immediately.
func (m *Manager) Refresh(ctx context.Context, id string) error {
	m.mu.Lock()
	p, ok := m.pollers[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotPolling, id)
	}
	p.poll(ctx)
	return nil
}
