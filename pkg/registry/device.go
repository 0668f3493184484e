package registry

import (
	"context"
	"errors"
	"sort"
	"strings"

	"skyconsole/pkg/alpaca"
)

var (
	ErrMissingID         = errors.New("device id is required")
	ErrDuplicateID       = errors.New("device already registered")
	ErrDeviceNotFound    = errors.New("device not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNoClient          = errors.New("device has no api base url")
)

// Client is the subset of the Alpaca client the console depends on.
// *alpaca.Client implements it.
type Client interface {
	Get(ctx context.Context, method string, params alpaca.Params) (any, error)
	Put(ctx context.Context, method string, params alpaca.Params) (any, error)
	GetProperty(ctx context.Context, name string) (any, error)
	SetProperty(ctx context.Context, name string, value any) error
	DeviceState(ctx context.Context) (map[string]any, error)
}

// ClientFactory builds the client for a newly added device.
type ClientFactory func(d Device) (Client, error)

// AlpacaClientFactory creates real HTTP clients.
func AlpacaClientFactory(opts ...alpaca.Option) ClientFactory {
	return func(d Device) (Client, error) {
		return alpaca.NewClient(d.APIBaseURL, d.Type, d.Number, opts...), nil
	}
}

// Device is a snapshot of one instrument. Values returned by the registry
// are copies and may be kept by the caller.
type Device struct {
	ID         string            `json:"id"`
	Name       string            `json:"name,omitempty"`
	Type       alpaca.DeviceType `json:"type"`
	Number     int               `json:"deviceNum"`
	APIBaseURL string            `json:"apiBaseUrl,omitempty"`

	Status       Status         `json:"status"`
	Stale        bool           `json:"stale,omitempty"`
	Properties   map[string]any `json:"properties"`
	Capabilities []string       `json:"capabilities,omitempty"`

	// Session changes every time the device connects. Results produced for
	// an older session are discarded.
	Session uint64 `json:"-"`
}

func (d Device) Property(key string) (any, bool) {
	v, ok := d.Properties[key]
	return v, ok
}

func (d Device) clone() Device {
	out := d
	out.Properties = make(map[string]any, len(d.Properties))
	for k, v := range d.Properties {
		out.Properties[k] = v
	}
	out.Capabilities = append([]string(nil), d.Capabilities...)
	return out
}

func isCapabilityKey(key string) bool {
	k := strings.ToLower(key)
	return strings.HasPrefix(k, "can") || strings.HasPrefix(k, "has")
}

// deriveCapabilities lists the can*/has* properties currently true.
func deriveCapabilities(props map[string]any) []string {
	var caps []string
	for k, v := range props {
		if !isCapabilityKey(k) {
			continue
		}
		if b, ok := v.(bool); ok && b {
			caps = append(caps, k)
		}
	}
	sort.Strings(caps)
	return caps
}
