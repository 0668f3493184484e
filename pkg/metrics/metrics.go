package metrics

import (
	"time"

	"github.com/DataDog/datadog-go/statsd"
	log "github.com/sirupsen/logrus"

	"skyconsole/pkg/events"
)

// Recorder receives operational measurements from pollers and trackers.
type Recorder interface {
	PollCompleted(deviceType string, d time.Duration, failures int)
	PollFailed(deviceType, property string)
	ExposureFinished(outcome string, d time.Duration)
}

// Nop discards every measurement.
type Nop struct{}

func (Nop) PollCompleted(string, time.Duration, int) {}
func (Nop) PollFailed(string, string)                {}
func (Nop) ExposureFinished(string, time.Duration)   {}

// Statsd sends measurements to a DogStatsD agent.
type Statsd struct {
	client *statsd.Client
	logger log.FieldLogger
}

// NewStatsd connects to the agent at addr. Metric names are prefixed with
// namespace and carry tags on every sample.
func NewStatsd(addr, namespace string, tags []string, logger log.FieldLogger) (*Statsd, error) {
	client, err := statsd.New(addr)
	if err != nil {
		return nil, err
	}
	client.Namespace = namespace
	client.Tags = tags

	logger.Infof("Datadog metrics initialized (addr=%s namespace=%s)", addr, namespace)
	return &Statsd{client: client, logger: logger}, nil
}

func (s *Statsd) PollCompleted(deviceType string, d time.Duration, failures int) {
	tags := []string{"device_type:" + deviceType}
	if err := s.client.Timing("poll.duration", d, tags, 1); err != nil {
		s.logger.Debugf("Failed to emit poll.duration: %v", err)
	}
	if err := s.client.Gauge("poll.failures", float64(failures), tags, 1); err != nil {
		s.logger.Debugf("Failed to emit poll.failures: %v", err)
	}
}

func (s *Statsd) PollFailed(deviceType, property string) {
	tags := []string{"device_type:" + deviceType, "property:" + property}
	if err := s.client.Incr("poll.property_error", tags, 1); err != nil {
		s.logger.Debugf("Failed to emit poll.property_error: %v", err)
	}
}

func (s *Statsd) ExposureFinished(outcome string, d time.Duration) {
	tags := []string{"outcome:" + outcome}
	if err := s.client.Timing("camera.exposure", d, tags, 1); err != nil {
		s.logger.Debugf("Failed to emit camera.exposure: %v", err)
	}
}

// HandleEvent counts bus events by kind, so the recorder can be attached to
// the event bus as a listener.
func (s *Statsd) HandleEvent(e events.Event) {
	if err := s.client.Incr("events", []string{"kind:" + string(e.Kind)}, 1); err != nil {
		s.logger.Debugf("Failed to emit events counter: %v", err)
	}
}

func (s *Statsd) Close() error {
	return s.client.Close()
}
