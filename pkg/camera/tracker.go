package camera

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"skyconsole/pkg/alpaca"
	"skyconsole/pkg/events"
	"skyconsole/pkg/imaging"
	"skyconsole/pkg/metrics"
	"skyconsole/pkg/registry"
)

// Alpaca CameraStates values.
const (
	StateIdle     = 0
	StateWaiting  = 1
	StateExposing = 2
	StateReading  = 3
	StateDownload = 4
	StateError    = 5
)

const (
	DefaultTick    = 500 * time.Millisecond
	DefaultMaxWait = 5 * time.Minute
)

var (
	ErrExposureInProgress = errors.New("exposure already in progress")
	ErrNotCamera          = errors.New("device is not a camera")
)

// ImageClient downloads the last image of a camera. *alpaca.Client
// implements it.
type ImageClient interface {
	ImageBytes(ctx context.Context) ([]byte, error)
	ImageArray(ctx context.Context) (json.RawMessage, error)
}

// Image is the result of a completed exposure.
type Image struct {
	Frame    *imaging.Frame
	Format   string
	Duration time.Duration
	Light    bool
	Taken    time.Time
}

// ImageInfo is the part of an Image sent with events.
type ImageInfo struct {
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	Planes   int     `json:"planes"`
	Format   string  `json:"format"`
	Duration float64 `json:"duration"`
	Light    bool    `json:"light"`
}

func (img *Image) Info() ImageInfo {
	return ImageInfo{
		Width:    img.Frame.Width,
		Height:   img.Frame.Height,
		Planes:   img.Frame.Planes,
		Format:   img.Format,
		Duration: img.Duration.Seconds(),
		Light:    img.Light,
	}
}

type session struct {
	id       string
	client   registry.Client
	start    time.Time
	duration time.Duration
	light    bool

	ctx    context.Context
	cancel context.CancelFunc

	// mu is held for a whole tick so that a stop waits for it.
	mu              sync.Mutex
	stopped         bool
	lastProgress    int
	sawExposing     bool
	pollingForImage bool
}

// Tracker follows camera exposures from start to image download.
type Tracker struct {
	reg     *registry.Registry
	metrics metrics.Recorder
	logger  log.FieldLogger

	now     func() time.Time
	tick    time.Duration
	maxWait time.Duration
	autoRun bool

	mu       sync.Mutex
	sessions map[string]*session
	images   map[string]*Image
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithTick(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.tick = d
		}
	}
}

// WithMaxWait sets the hard ceiling on a single exposure's tracking time.
func WithMaxWait(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.maxWait = d
		}
	}
}

func WithMetrics(rec metrics.Recorder) Option {
	return func(t *Tracker) { t.metrics = rec }
}

func NewTracker(reg *registry.Registry, logger log.FieldLogger, opts ...Option) *Tracker {
	t := &Tracker{
		reg:      reg,
		metrics:  metrics.Nop{},
		logger:   logger,
		now:      time.Now,
		tick:     DefaultTick,
		maxWait:  DefaultMaxWait,
		autoRun:  true,
		sessions: make(map[string]*session),
		images:   make(map[string]*Image),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Exposing reports whether an exposure is being tracked for the camera.
func (t *Tracker) Exposing(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sessions[id]
	return ok
}

// LastImage returns the most recent image downloaded from the camera.
func (t *Tracker) LastImage(id string) (*Image, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	img, ok := t.images[id]
	return img, ok
}

// StartExposure starts an exposure of the given length in seconds and
// begins tracking it.
func (t *Tracker) StartExposure(ctx context.Context, id string, seconds float64, light bool) error {
	dev, ok := t.reg.Get(id)
	if !ok {
		return t.reject(id, fmt.Errorf("%w: %s", registry.ErrDeviceNotFound, id))
	}
	if dev.Type != alpaca.Camera {
		return t.reject(id, fmt.Errorf("%w: %s is a %s", ErrNotCamera, id, dev.Type))
	}
	client, err := t.reg.Client(id)
	if err != nil {
		return t.reject(id, err)
	}
	if !t.reg.IsConnected(id, 0) {
		return t.reject(id, fmt.Errorf("%w: %s is %s, exposures need a connected camera", registry.ErrInvalidTransition, id, dev.Status))
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:       id,
		client:   client,
		start:    t.now(),
		duration: time.Duration(seconds * float64(time.Second)),
		light:    light,
		ctx:      sctx,
		cancel:   cancel,
	}

	t.mu.Lock()
	if _, busy := t.sessions[id]; busy {
		t.mu.Unlock()
		cancel()
		return t.reject(id, fmt.Errorf("%w: %s", ErrExposureInProgress, id))
	}
	t.sessions[id] = s
	t.mu.Unlock()

	t.setState(id, true, 0)

	params := alpaca.Params{"Duration": seconds, "Light": light}
	if _, err := client.Put(ctx, "startexposure", params); err != nil {
		t.remove(s)
		t.setState(id, false, 0)
		t.reg.Bus().Emit(events.APIError(id, "startexposure", err))
		return fmt.Errorf("%s startexposure: %w", id, err)
	}

	t.logger.WithField("device", id).Infof("Exposure started (%.3fs, light=%v)", seconds, light)
	e := events.New(events.CameraExposureStarted, id)
	e.Data = params
	t.reg.Bus().Emit(e)

	if t.autoRun {
		go t.run(s)
	}
	return nil
}

// AbortExposure stops tracking, asks the camera to abort and forces the
// camera back to idle whatever the outcome.
func (t *Tracker) AbortExposure(ctx context.Context, id string) error {
	client, err := t.reg.Client(id)
	if err != nil {
		return t.reject(id, err)
	}

	t.mu.Lock()
	s := t.sessions[id]
	t.mu.Unlock()
	if s != nil {
		t.stop(s)
	}

	_, putErr := client.Put(ctx, "abortexposure", nil)
	if putErr != nil {
		t.logger.WithField("device", id).Warnf("Abort failed: %v", putErr)
		t.reg.Bus().Emit(events.APIError(id, "abortexposure", putErr))
	}

	t.setState(id, false, 0)
	t.reg.Bus().Emit(events.New(events.CameraExposureAborted, id))
	if s != nil {
		t.metrics.ExposureFinished("aborted", t.now().Sub(s.start))
	}
	return putErr
}

// DeviceConnected implements registry.Watcher.
func (t *Tracker) DeviceConnected(registry.Device) {}

// DeviceStopping implements registry.Watcher. The exposure is dropped
// without touching the camera.
func (t *Tracker) DeviceStopping(id string) {
	t.mu.Lock()
	s := t.sessions[id]
	t.mu.Unlock()
	if s != nil {
		t.stop(s)
	}
}

func (t *Tracker) reject(id string, err error) error {
	t.logger.WithField("device", id).Warnf("Exposure request rejected: %v", err)
	t.reg.Bus().Emit(events.APIError(id, "startexposure", err))
	return err
}

func (t *Tracker) run(s *session) {
	ticker := time.NewTicker(t.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if t.step(s) {
				return
			}
		}
	}
}

// step runs one tracking tick and reports whether tracking has ended.
func (t *Tracker) step(s *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return true
	}

	elapsed := t.now().Sub(s.start)
	if elapsed > t.maxWait {
		t.fail(s, fmt.Sprintf("timeout: no image after %v", t.maxWait))
		return true
	}

	if s.pollingForImage {
		return t.checkImage(s)
	}

	v, err := s.client.GetProperty(s.ctx, "camerastate")
	if s.stopped || s.ctx.Err() != nil {
		return true
	}
	if err != nil {
		t.logger.WithField("device", s.id).Warnf("Failed to read camerastate, estimating progress: %v", err)
		t.progress(s, elapsed)
		if elapsed >= s.duration {
			return t.checkImage(s)
		}
		return false
	}

	state, _ := alpaca.Int(v)
	switch state {
	case StateError:
		t.fail(s, "camera reported error state")
		return true
	case StateWaiting:
		return false
	case StateExposing:
		s.sawExposing = true
		t.progress(s, elapsed)
		return false
	case StateReading, StateDownload:
		s.pollingForImage = true
		return t.checkImage(s)
	default:
		if s.sawExposing || elapsed >= s.duration {
			s.pollingForImage = true
			return t.checkImage(s)
		}
		t.progress(s, elapsed)
		return false
	}
}

// progress publishes elapsed-time progress. It never goes backwards.
func (t *Tracker) progress(s *session, elapsed time.Duration) {
	p := 100
	if s.duration > 0 {
		p = int(math.Round(float64(elapsed) / float64(s.duration) * 100))
	}
	p = min(100, max(p, s.lastProgress))
	if p == s.lastProgress {
		return
	}
	t.emitProgress(s, p)
}

func (t *Tracker) emitProgress(s *session, p int) {
	s.lastProgress = p
	if err := t.reg.UpdateProperties(s.id, map[string]any{"exposureProgress": p}); err != nil {
		t.logger.WithField("device", s.id).Debugf("Failed to update progress: %v", err)
	}
	e := events.New(events.CameraExposureChanged, s.id)
	e.Progress = p
	t.reg.Bus().Emit(e)
}

// checkImage polls imageready. A camera that is idle but not ready yet is
// given more time rather than failed.
func (t *Tracker) checkImage(s *session) bool {
	v, err := s.client.GetProperty(s.ctx, "imageready")
	if s.stopped || s.ctx.Err() != nil {
		return true
	}
	if err != nil {
		t.logger.WithField("device", s.id).Warnf("Failed to read imageready: %v", err)
		return false
	}
	if ready, _ := alpaca.Bool(v); !ready {
		return false
	}
	t.complete(s)
	return true
}

func (t *Tracker) complete(s *session) {
	logger := t.logger.WithField("device", s.id)

	if s.lastProgress < 100 {
		t.emitProgress(s, 100)
	}
	t.setState(s.id, false, 100)

	img := t.download(s)

	batch := t.reg.Bus().Start()
	e := events.New(events.CameraExposureComplete, s.id)
	if img != nil {
		e.Data = img.Info()
	}
	batch.Emit(e)
	if img != nil {
		ready := events.New(events.CameraImageReady, s.id)
		ready.Data = img.Info()
		batch.Emit(ready)
	}
	batch.End()

	logger.Infof("Exposure complete after %v", t.now().Sub(s.start).Round(time.Millisecond))
	t.metrics.ExposureFinished("complete", t.now().Sub(s.start))
	t.remove(s)
}

// download fetches the image, preferring ImageBytes and falling back to
// JSON. It returns nil when neither works.
func (t *Tracker) download(s *session) *Image {
	logger := t.logger.WithField("device", s.id)
	ic, ok := s.client.(ImageClient)
	if !ok {
		logger.Warn("Client cannot download images")
		return nil
	}

	img := &Image{Duration: s.duration, Light: s.light, Taken: t.now()}

	raw, err := ic.ImageBytes(s.ctx)
	if err == nil {
		img.Frame, err = imaging.DecodeImageBytes(raw)
		img.Format = "imagebytes"
	}
	if err != nil {
		logger.Debugf("ImageBytes download failed, trying JSON: %v", err)
		var arr json.RawMessage
		arr, err = ic.ImageArray(s.ctx)
		if err == nil {
			img.Frame, err = imaging.DecodeJSON(arr)
			img.Format = "json"
		}
	}
	if err != nil {
		logger.Warnf("Image download failed: %v", err)
		return nil
	}

	t.mu.Lock()
	t.images[s.id] = img
	t.mu.Unlock()
	return img
}

func (t *Tracker) fail(s *session, reason string) {
	t.logger.WithField("device", s.id).Errorf("Exposure failed: %s", reason)
	t.setState(s.id, false, 0)
	e := events.New(events.CameraExposureFailed, s.id)
	e.Reason = reason
	t.reg.Bus().Emit(e)
	t.metrics.ExposureFinished("failed", t.now().Sub(s.start))
	t.remove(s)
}

func (t *Tracker) setState(id string, exposing bool, progress int) {
	props := map[string]any{"isExposing": exposing, "exposureProgress": progress}
	if err := t.reg.UpdateProperties(id, props); err != nil {
		t.logger.WithField("device", id).Debugf("Failed to update exposure state: %v", err)
	}
}

// remove drops the session and cancels its context. The caller holds s.mu
// or the session never ran.
func (t *Tracker) remove(s *session) {
	s.stopped = true
	s.cancel()
	t.mu.Lock()
	if t.sessions[s.id] == s {
		delete(t.sessions, s.id)
	}
	t.mu.Unlock()
}

// stop ends a session from outside its tick, waiting for a running tick to
// return first.
func (t *Tracker) stop(s *session) {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	t.remove(s)
}
