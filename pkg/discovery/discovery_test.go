package discovery

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyconsole/pkg/alpaca"
	"skyconsole/pkg/events"
)

func alpacaServer(t *testing.T) (*httptest.Server, int) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /management/v1/configureddevices", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ClientTransactionID":0,"ServerTransactionID":1,"ErrorNumber":0,"ErrorMessage":"","Value":[
			{"DeviceName":"Dome Simulator","DeviceType":"Dome","DeviceNumber":0,"UniqueID":"d"},
			{"DeviceName":"Camera Simulator","DeviceType":"Camera","DeviceNumber":0,"UniqueID":"c"}
		]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return srv, port
}

func TestDiscover(t *testing.T) {
	logger := log.WithField("component", "test")
	_, port := alpacaServer(t)

	r := NewResponder("127.0.0.1", 0, port, logger)
	require.NoError(t, r.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	bus := events.NewBus(logger)
	rec := &events.Recorder{}
	bus.AddListener(rec)

	d := NewDiscoverer(bus, logger,
		WithTargets(r.LocalAddr().String()),
		WithWindow(300*time.Millisecond))

	found, err := d.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, found, 2)

	base := "http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	assert.Equal(t, base, found[0].APIBaseURL)
	assert.Equal(t, alpaca.Camera, found[0].Device.Type)
	assert.Equal(t, alpaca.Dome, found[1].Device.Type)

	kinds := []events.Kind{}
	for _, e := range rec.Events() {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []events.Kind{
		events.DiscoveryStarted,
		events.DiscoveryDeviceFound,
		events.DiscoveryDeviceFound,
		events.DiscoveryStopped,
	}, kinds)
}

func TestDiscoverNoServers(t *testing.T) {
	logger := log.WithField("component", "test")
	bus := events.NewBus(logger)
	rec := &events.Recorder{}
	bus.AddListener(rec)

	// Nothing listens on this socket once it is closed.
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	target := conn.LocalAddr().String()
	conn.Close()

	d := NewDiscoverer(bus, logger, WithTargets(target), WithWindow(100*time.Millisecond))
	found, err := d.Discover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, found)
	assert.Equal(t, 1, rec.Count(events.DiscoveryStarted))
	assert.Equal(t, 1, rec.Count(events.DiscoveryStopped))
}

func TestResponderIgnoresOtherRequests(t *testing.T) {
	logger := log.WithField("component", "test")
	r := NewResponder("127.0.0.1", 0, 11111, logger)
	require.NoError(t, r.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	conn, err := net.DialUDP("udp4", nil, r.LocalAddr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)
	_, err = conn.Write([]byte(Request))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 128)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.JSONEq(t, `{"AlpacaPort": 11111}`, string(buf[:n]))
}
