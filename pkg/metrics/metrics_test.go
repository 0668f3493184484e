package metrics

import (
	"net"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyconsole/pkg/events"
)

// readMetrics collects datagrams until all of want have been seen or the
// deadline passes. The client splits samples over several datagrams.
func readMetrics(t *testing.T, conn net.PacketConn, want ...string) string {
	t.Helper()
	var all strings.Builder
	buf := make([]byte, 65536)
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return all.String()
		}
		all.Write(buf[:n])
		all.WriteByte('\n')
		if containsAll(all.String(), want) {
			return all.String()
		}
	}
}

func containsAll(s string, want []string) bool {
	for _, w := range want {
		if !strings.Contains(s, w) {
			return false
		}
	}
	return true
}

func TestStatsd(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	s, err := NewStatsd(conn.LocalAddr().String(), "skyconsole.", []string{"env:test"}, log.WithField("component", "test"))
	require.NoError(t, err)

	s.PollFailed("camera", "ccdtemperature")
	s.HandleEvent(events.New(events.DeviceStale, "cam"))
	require.NoError(t, s.Close())

	got := readMetrics(t, conn, "skyconsole.events", "skyconsole.poll.property_error")
	assert.Contains(t, got, "skyconsole.poll.property_error:1|c")
	assert.Contains(t, got, "property:ccdtemperature")
	assert.Contains(t, got, "skyconsole.events:1|c")
	assert.Contains(t, got, "kind:deviceStale")
	assert.Contains(t, got, "env:test")
}

func TestNopSatisfiesRecorder(t *testing.T) {
	var r Recorder = Nop{}
	r.PollCompleted("dome", time.Second, 0)
	r.PollFailed("dome", "azimuth")
	r.ExposureFinished("complete", time.Second)
}
