package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"skyconsole/pkg/metrics"
	"skyconsole/pkg/registry"
)

const capabilityConcurrency = 4

// Poller keeps one connected device's properties fresh.
type Poller struct {
	id      string
	session uint64
	profile Profile
	client  registry.Client
	reg     *registry.Registry
	metrics metrics.Recorder
	logger  log.FieldLogger

	staleAfter int

	active   atomic.Bool
	stopChan chan struct{}
	stopOnce sync.Once

	// cycle serializes ticks with on-demand refreshes.
	cycle    sync.Mutex
	failures int
	last     map[string]any
}

func (p *Poller) Active() bool {
	return p.active.Load()
}

// Stop cancels the poller. An in-flight cycle is not interrupted but its
// results are discarded.
func (p *Poller) Stop() {
	p.active.Store(false)
	p.stopOnce.Do(func() { close(p.stopChan) })
}

// wait blocks until the cycle in flight, if any, has returned. Called after
// Stop, it guarantees the poller emits nothing more.
func (p *Poller) wait() {
	p.cycle.Lock()
	p.cycle.Unlock()
}

func (p *Poller) run() {
	p.fetchCapabilities(context.Background())
	p.poll(context.Background())

	ticker := time.NewTicker(p.profile.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.poll(context.Background())
		}
	}
}

// fetchCapabilities reads the capability properties concurrently. Failures
// are logged and skipped.
func (p *Poller) fetchCapabilities(ctx context.Context) {
	if len(p.profile.Capabilities) == 0 {
		return
	}
	p.cycle.Lock()
	defer p.cycle.Unlock()
	if !p.active.Load() {
		return
	}

	var (
		mu     sync.Mutex
		values = make(map[string]any, len(p.profile.Capabilities))
		g      errgroup.Group
	)
	g.SetLimit(capabilityConcurrency)

	for _, name := range p.profile.Capabilities {
		g.Go(func() error {
			v, err := p.client.GetProperty(ctx, name)
			if err != nil {
				p.logger.Debugf("Capability %s unavailable: %v", name, err)
				return nil
			}
			mu.Lock()
			values[name] = v
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if !p.active.Load() || len(values) == 0 {
		return
	}
	if err := p.reg.Merge(p.id, p.session, values, false); err != nil {
		p.logger.Debugf("Failed to merge capabilities: %v", err)
	}
}

// poll runs one cycle: fetch every property in order, merge what succeeded,
// then run the profile's detector.
func (p *Poller) poll(ctx context.Context) {
	p.cycle.Lock()
	defer p.cycle.Unlock()

	if !p.active.Load() {
		return
	}
	if !p.reg.IsConnected(p.id, p.session) {
		p.logger.Debug("Device no longer connected, stopping poller")
		p.Stop()
		return
	}

	start := time.Now()
	values := make(map[string]any, len(p.profile.Properties))
	failed := 0

	for _, name := range p.profile.Properties {
		v, err := p.client.GetProperty(ctx, name)
		if !p.active.Load() {
			return
		}
		if err != nil {
			failed++
			p.logFailure(name, err)
			p.metrics.PollFailed(p.profile.Type.String(), name)
			continue
		}
		values[name] = v
	}

	if p.profile.Collect != nil {
		extra, err := p.profile.Collect(ctx, p.client, values)
		if err != nil {
			p.logger.Debugf("Collector failed: %v", err)
		}
		for k, v := range extra {
			values[k] = v
		}
	}

	p.metrics.PollCompleted(p.profile.Type.String(), time.Since(start), failed)

	if len(values) == 0 && failed > 0 {
		p.totalFailure()
		return
	}
	p.failures = 0
	if p.staleAfter > 0 {
		p.reg.SetStale(p.id, false)
	}

	for name, alias := range p.profile.Aliases {
		if v, ok := values[name]; ok {
			values[alias] = v
		}
	}

	if !p.active.Load() {
		return
	}

	if err := p.reg.Merge(p.id, p.session, values, false); err != nil {
		p.logger.Debugf("Failed to merge poll results: %v", err)
		return
	}

	if p.profile.Detect == nil {
		p.last = values
		return
	}
	detected := p.profile.Detect(p.id, p.last, values)
	p.last = values
	if !p.active.Load() || len(detected) == 0 {
		return
	}
	batch := p.reg.Bus().Start()
	for _, e := range detected {
		batch.Emit(e)
	}
	batch.End()
}

// totalFailure handles a cycle in which nothing could be read. The device
// is only flagged stale when a threshold is configured.
func (p *Poller) totalFailure() {
	p.failures++
	p.logger.Debugf("Poll cycle failed completely (%d in a row)", p.failures)
	if p.staleAfter > 0 && p.failures >= p.staleAfter {
		p.reg.SetStale(p.id, true)
	}
}

func (p *Poller) logFailure(property string, err error) {
	entry := p.logger.WithField("property", property)
	if IsImportant(property) {
		entry.Warnf("Failed to read property: %v", err)
		return
	}
	entry.Debugf("Failed to read property: %v", err)
}
