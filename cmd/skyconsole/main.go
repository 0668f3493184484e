package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"skyconsole/pkg/alpaca"
	"skyconsole/pkg/bridge"
	"skyconsole/pkg/camera"
	"skyconsole/pkg/config"
	"skyconsole/pkg/devices"
	"skyconsole/pkg/discovery"
	"skyconsole/pkg/events"
	"skyconsole/pkg/metrics"
	"skyconsole/pkg/poller"
	"skyconsole/pkg/registry"
	"skyconsole/pkg/schema"
	"skyconsole/pkg/server"
	"skyconsole/pkg/simulator"
	"skyconsole/pkg/store"
	"skyconsole/templates"
)

func run(c *cli.Context) error {
	if c.Bool("debug") {
		log.SetLevel(log.DebugLevel)
	}

	log.Info("Skyconsole")

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("port") {
		cfg.Server.HTTPPort = c.Int("port")
	}
	if c.IsSet("db") {
		cfg.Database.Path = c.String("db")
	}
	if c.IsSet("mqtt-broker") {
		cfg.MQTT.Enabled = true
		cfg.MQTT.Broker = c.String("mqtt-broker")
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %v", err)
	}
	defer st.Close()

	var rec metrics.Recorder = metrics.Nop{}
	bus := events.NewBus(log.WithField("component", "bus"))
	if cfg.Datadog.Enabled {
		sd, err := metrics.NewStatsd(cfg.Datadog.Address, cfg.Datadog.Namespace, cfg.Datadog.Tags, log.WithField("component", "metrics"))
		if err != nil {
			return err
		}
		defer sd.Close()
		bus.AddListener(sd)
		rec = sd
	}

	validator, err := schema.Load()
	if err != nil {
		return fmt.Errorf("failed to load schemas: %v", err)
	}

	factory := registry.AlpacaClientFactory(alpaca.WithImageTimeout(cfg.Exposure.DownloadTimeout))
	reg := registry.New(bus, factory, validator, log.WithField("component", "registry"))

	pollOpts := []poller.Option{poller.WithStaleAfter(cfg.Polling.StaleAfter), poller.WithMetrics(rec)}
	for t, d := range cfg.Intervals() {
		pollOpts = append(pollOpts, poller.WithInterval(t, d))
	}
	mgr := poller.NewManager(reg, devices.Profiles(), log.WithField("component", "poller"), pollOpts...)
	defer mgr.StopAll()
	reg.Watch(mgr)

	tracker := camera.NewTracker(reg, log.WithField("component", "camera"),
		camera.WithTick(cfg.Exposure.Tick),
		camera.WithMaxWait(cfg.Exposure.MaxWait),
		camera.WithMetrics(rec))
	reg.Watch(tracker)

	dispatcher := devices.NewDispatcher(reg, mgr, log.WithField("component", "devices"))

	mqttCfg, err := mqttConfig(cfg, st)
	if err != nil {
		return err
	}
	if mqttCfg.Enabled {
		b, err := bridge.Connect(mqttCfg, dispatcher, log.WithField("component", "mqtt"))
		if err != nil {
			log.Warnf("MQTT bridge disabled: %v", err)
		} else {
			defer b.Close()
			bus.AddListener(b)
		}
	}

	tmpl, err := templates.Load()
	if err != nil {
		return fmt.Errorf("failed to load templates: %v", err)
	}

	hub := server.NewHub(log.WithField("component", "events"))
	bus.AddListener(hub)

	discoverer := discovery.NewDiscoverer(bus, log.WithField("component", "discovery"),
		discovery.WithTargets(net.JoinHostPort("255.255.255.255", fmt.Sprint(cfg.Discovery.Port))),
		discovery.WithWindow(cfg.Discovery.Window))

	api, err := server.New(reg, dispatcher, tracker, hub, log.WithField("component", "server"),
		server.WithStore(st),
		server.WithDiscoverer(discoverer),
		server.WithTemplates(tmpl))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	servers := []*http.Server{{
		Addr:    net.JoinHostPort(cfg.Server.Address, fmt.Sprint(cfg.Server.HTTPPort)),
		Handler: api.AddRoutes(),
	}}

	if c.Bool("simulate") {
		simPort := c.Int("simulator-port")
		sim := simulator.NewDefault(log.WithField("component", "simulator"))
		servers = append(servers, &http.Server{
			Addr:    fmt.Sprintf(":%d", simPort),
			Handler: sim.AddRoutes(),
		})
		for _, d := range sim.Devices() {
			info := d.Info()
			cfg.Devices = append(cfg.Devices, config.DeviceConfig{
				ID:         fmt.Sprintf("sim-%s-%d", info.Type, info.Number),
				Name:       info.Name,
				Type:       info.Type.String(),
				Number:     info.Number,
				APIBaseURL: fmt.Sprintf("http://127.0.0.1:%d", simPort),
			})
		}
		if cfg.Discovery.Respond {
			dr := discovery.NewResponder("0.0.0.0", cfg.Discovery.Port, simPort, log.WithField("component", "discovery"))
			g.Go(func() error { return dr.Run(ctx) })
		}
	}

	registerDevices(reg, cfg.Devices, st)

	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})

	for _, srv := range servers {
		g.Go(func() error {
			log.Infof("Listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("could not listen on %s: %v", srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warnf("Server forced to shutdown: %v", err)
			}
		}
		disconnectAll(shutdownCtx, reg)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("Server stopped")
	return nil
}

// mqttConfig prefers an enabled bridge from the configuration and persists
// it; otherwise the last stored settings are used.
func mqttConfig(cfg *config.Config, st *store.Store) (store.MQTTConfig, error) {
	if cfg.MQTT.Enabled {
		m := cfg.MQTT.StoreMQTT()
		if err := st.SetMQTTConfig(m); err != nil {
			return m, fmt.Errorf("failed to save MQTT config: %v", err)
		}
		return m, nil
	}
	return st.GetMQTTConfig()
}

// registerDevices adds the configured devices and then the ones saved
// through the API. Configured ids win over stored ones.
func registerDevices(reg *registry.Registry, configured []config.DeviceConfig, st *store.Store) {
	for _, d := range configured {
		t, err := alpaca.ParseDeviceType(d.Type)
		if err != nil {
			log.Warnf("Skipping device %s: %v", d.ID, err)
			continue
		}
		if err := reg.Add(registry.Device{ID: d.ID, Name: d.Name, Type: t, Number: d.Number, APIBaseURL: d.APIBaseURL}); err != nil {
			log.Warnf("Skipping device %s: %v", d.ID, err)
		}
	}

	stored, err := st.Devices()
	if err != nil {
		log.Errorf("Failed to load stored devices: %v", err)
		return
	}
	for _, r := range stored {
		if err := reg.Add(registry.Device{ID: r.ID, Name: r.Name, Type: r.Type, Number: r.Number, APIBaseURL: r.APIBaseURL}); err != nil {
			log.Warnf("Skipping stored device %s: %v", r.ID, err)
		}
	}
}

func disconnectAll(ctx context.Context, reg *registry.Registry) {
	for _, d := range reg.List() {
		if d.Status != registry.StatusConnected {
			continue
		}
		if err := reg.Disconnect(ctx, d.ID); err != nil {
			log.Warnf("Failed to disconnect %s: %v", d.ID, err)
		}
	}
}

func main() {
	app := cli.App{
		Name:  "skyconsole",
		Usage: "Observatory control console for ASCOM Alpaca devices",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging",
				EnvVars: []string{"DEBUG"},
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML configuration file",
				EnvVars: []string{"SKYCONSOLE_CONFIG"},
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to listen on",
				Value:   8080,
			},
			&cli.StringFlag{
				Name:  "db",
				Usage: "Path to the device database",
			},
			&cli.StringFlag{
				Name:  "mqtt-broker",
				Usage: "Enable the MQTT bridge with this broker URL",
			},
			&cli.BoolFlag{
				Name:    "simulate",
				Usage:   "Serve a simulated camera and dome and register them",
				EnvVars: []string{"SKYCONSOLE_SIMULATE"},
			},
			&cli.IntFlag{
				Name:  "simulator-port",
				Usage: "Port of the simulated Alpaca server",
				Value: 11111,
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
