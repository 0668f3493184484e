package poller

import (
	"context"
	"time"

	"skyconsole/pkg/alpaca"
	"skyconsole/pkg/events"
	"skyconsole/pkg/registry"
)

// Detector inspects a completed poll and returns the type-specific events
// implied by the change from prev to next (e.g. a slew finishing). prev is
// nil on the first cycle.
type Detector func(id string, prev, next map[string]any) []events.Event

// Collector fetches values that do not fit the plain property list, such as
// per-switch readings that need query parameters.
type Collector func(ctx context.Context, client registry.Client, current map[string]any) (map[string]any, error)

// Profile parameterizes the generic poller for one device type.
type Profile struct {
	Type alpaca.DeviceType

	// Properties are fetched in order on every cycle.
	Properties []string
	Interval   time.Duration

	// Capabilities are fetched once, concurrently, when the device connects.
	Capabilities []string

	// Aliases maps an Alpaca property name to a friendly key that receives
	// the same value.
	Aliases map[string]string

	Detect  Detector
	Collect Collector
}

// important properties are logged at warning level when they fail.
var important = map[string]bool{
	"camerastate":    true,
	"imageready":     true,
	"ccdtemperature": true,
	"temperature":    true,
	"connected":      true,
}

func IsImportant(property string) bool {
	return important[property]
}
