package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"skyconsole/pkg/alpaca"
	"skyconsole/pkg/events"
)

const DefaultWindow = 2 * time.Second

// Server is an Alpaca server that answered a discovery request.
type Server struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

func (s Server) BaseURL() string {
	return "http://" + net.JoinHostPort(s.Address, fmt.Sprint(s.Port))
}

// Found is a device reported by a discovered server.
type Found struct {
	Server     Server            `json:"server"`
	APIBaseURL string            `json:"apiBaseUrl"`
	Device     alpaca.DeviceInfo `json:"device"`
}

// Discoverer broadcasts discovery requests and lists the devices of every
// server that answers.
type Discoverer struct {
	targets []string
	window  time.Duration
	http    *http.Client
	bus     *events.Bus
	logger  log.FieldLogger

	mu      sync.Mutex
	running bool
}

type Option func(*Discoverer)

// WithTargets replaces the default broadcast address with explicit
// host:port targets.
func WithTargets(targets ...string) Option {
	return func(d *Discoverer) { d.targets = targets }
}

// WithWindow sets how long replies are collected.
func WithWindow(w time.Duration) Option {
	return func(d *Discoverer) {
		if w > 0 {
			d.window = w
		}
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(d *Discoverer) { d.http = hc }
}

var ErrAlreadyRunning = errors.New("discovery already running")

func NewDiscoverer(bus *events.Bus, logger log.FieldLogger, opts ...Option) *Discoverer {
	d := &Discoverer{
		targets: []string{net.JoinHostPort("255.255.255.255", fmt.Sprint(Port))},
		window:  DefaultWindow,
		http:    &http.Client{Timeout: 5 * time.Second},
		bus:     bus,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Discover runs one discovery round. It emits discoveryStarted, one
// discoveryDeviceFound per device and discoveryStopped.
func (d *Discoverer) Discover(ctx context.Context) ([]Found, error) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	d.running = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	d.bus.Emit(events.New(events.DiscoveryStarted, ""))
	defer d.bus.Emit(events.New(events.DiscoveryStopped, ""))

	servers, err := d.probe(ctx)
	if err != nil {
		return nil, err
	}
	d.logger.Infof("Discovery found %d server(s)", len(servers))

	var (
		mu    sync.Mutex
		found []Found
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			devs, err := alpaca.NewManagementClient(srv.BaseURL(), d.http).ConfiguredDevices(gctx)
			if err != nil {
				d.logger.Warnf("Failed to list devices of %s: %v", srv.BaseURL(), err)
				return nil
			}
			mu.Lock()
			for _, dev := range devs {
				found = append(found, Found{Server: srv, APIBaseURL: srv.BaseURL(), Device: dev})
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(found, func(i, j int) bool {
		if found[i].APIBaseURL != found[j].APIBaseURL {
			return found[i].APIBaseURL < found[j].APIBaseURL
		}
		if found[i].Device.Type != found[j].Device.Type {
			return found[i].Device.Type < found[j].Device.Type
		}
		return found[i].Device.Number < found[j].Device.Number
	})

	for _, f := range found {
		e := events.New(events.DiscoveryDeviceFound, "")
		e.Data = f
		d.bus.Emit(e)
	}
	return found, nil
}

// probe sends the discovery request and collects distinct replies until the
// window closes.
func (d *Discoverer) probe(ctx context.Context) ([]Server, error) {
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, fmt.Errorf("cannot bind discovery socket: %v", err)
	}
	defer conn.Close()

	for _, target := range d.targets {
		addr, err := net.ResolveUDPAddr("udp4", target)
		if err != nil {
			d.logger.Warnf("Invalid discovery target %s: %v", target, err)
			continue
		}
		if _, err := conn.WriteToUDP([]byte(Request), addr); err != nil {
			d.logger.Warnf("Failed to send discovery request to %s: %v", target, err)
		}
	}

	deadline := time.Now().Add(d.window)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	conn.SetReadDeadline(deadline)

	seen := make(map[Server]bool)
	var servers []Server
	buf := make([]byte, 1024)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				break
			}
			return servers, fmt.Errorf("discovery read failed: %w", err)
		}

		var reply struct {
			AlpacaPort int `json:"AlpacaPort"`
		}
		if err := json.Unmarshal(buf[:n], &reply); err != nil || reply.AlpacaPort <= 0 {
			d.logger.Debugf("Ignoring discovery reply %q from %s", buf[:n], addr)
			continue
		}

		srv := Server{Address: addr.IP.String(), Port: reply.AlpacaPort}
		if !seen[srv] {
			seen[srv] = true
			servers = append(servers, srv)
			d.logger.Debugf("Alpaca server at %s", srv.BaseURL())
		}
	}
	return servers, nil
}
