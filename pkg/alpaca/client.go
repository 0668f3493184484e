// Documentation: https://ascom-standards.org/api/

package alpaca

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	imageBytesMediaType = "application/imagebytes"
	defaultTimeout      = 10 * time.Second

	// Full frames from large sensors take far longer than a property read.
	defaultImageTimeout = 2 * time.Minute
)

// Global transaction counter, shared by every client in the process.
var txCounter atomic.Uint32

// processClientID identifies this console to Alpaca servers.
var processClientID = uuid.New().ID()

// Client talks to a single device on an Alpaca server.
type Client struct {
	endpoint     string
	clientID     uint32
	http         *http.Client
	timeout      time.Duration
	imageTimeout time.Duration
	logger       log.FieldLogger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout bounds every request except image downloads. Zero keeps the
// default.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithImageTimeout bounds imagearray downloads. Zero keeps the default.
func WithImageTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.imageTimeout = d
		}
	}
}

func WithClientID(id uint32) Option {
	return func(c *Client) { c.clientID = id }
}

func WithLogger(logger log.FieldLogger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a client for device number of type devType on the server
// at baseURL. If baseURL already points at a device endpoint
// (".../api/v1/camera/0") it is used unchanged.
func NewClient(baseURL string, devType DeviceType, number int, opts ...Option) *Client {
	base := strings.TrimRight(baseURL, "/")
	if !strings.Contains(base, "/api/v") {
		base = fmt.Sprintf("%s/api/v1/%s/%d", base, strings.ToLower(devType.String()), number)
	}

	c := &Client{
		endpoint:     base,
		clientID:     processClientID,
		http:         &http.Client{},
		timeout:      defaultTimeout,
		imageTimeout: defaultImageTimeout,
		logger:       log.WithField("component", "alpaca-client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the device base URL, without a trailing slash.
func (c *Client) Endpoint() string {
	return c.endpoint
}

func (c *Client) url(method string) string {
	return c.endpoint + "/" + strings.ToLower(method)
}

func (c *Client) idParams() url.Values {
	v := url.Values{}
	v.Set("ClientID", strconv.FormatUint(uint64(c.clientID), 10))
	return v
}

func (c *Client) commonParams() url.Values {
	v := c.idParams()
	v.Set("ClientTransactionID", strconv.FormatUint(uint64(txCounter.Add(1)), 10))
	return v
}

func (c *Client) do(req *http.Request, method string) ([]byte, *http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("alpaca %s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp, fmt.Errorf("alpaca %s: reading body: %w", method, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, resp, &HTTPError{Method: method, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, resp, nil
}

func (c *Client) getRaw(ctx context.Context, method string, params Params, timeout time.Duration) (json.RawMessage, error) {
	q := c.commonParams()
	params.encode(q)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(method)+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	body, _, err := c.do(req, method)
	if err != nil {
		return nil, err
	}
	return decodeResponse(method, body)
}

// Get reads method from the device. params is usually nil; a few methods such
// as getswitchvalue take query parameters.
func (c *Client) Get(ctx context.Context, method string, params Params) (any, error) {
	raw, err := c.getRaw(ctx, method, params, c.timeout)
	if err != nil {
		return nil, err
	}
	return decodeValue(raw)
}

// Put invokes method with form-encoded params and returns the response Value,
// which is nil for most commands.
func (c *Client) Put(ctx context.Context, method string, params Params) (any, error) {
	form := c.commonParams()
	params.encode(form)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url(method), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	c.logger.Debugf("PUT %s %v", method, params)

	body, _, err := c.do(req, method)
	if err != nil {
		return nil, err
	}
	raw, err := decodeResponse(method, body)
	if err != nil {
		return nil, err
	}
	return decodeValue(raw)
}

func (c *Client) GetProperty(ctx context.Context, name string) (any, error) {
	return c.Get(ctx, name, nil)
}

// SetProperty writes a single property, using its Alpaca-cased parameter name.
func (c *Client) SetProperty(ctx context.Context, name string, value any) error {
	_, err := c.Put(ctx, name, Params{ParamName(name): value})
	return err
}

// DeviceState fetches the devicestate batch and returns it keyed by
// lowercase property name.
func (c *Client) DeviceState(ctx context.Context) (map[string]any, error) {
	raw, err := c.getRaw(ctx, "devicestate", nil, c.timeout)
	if err != nil {
		return nil, err
	}

	var props []StateProperty
	if err := json.Unmarshal(raw, &props); err != nil {
		return nil, fmt.Errorf("alpaca devicestate: %w", err)
	}

	state := make(map[string]any, len(props))
	for _, p := range props {
		state[strings.ToLower(p.Name)] = p.Value
	}
	return state, nil
}

// ImageBytes downloads the current image in the binary ImageBytes format.
// It returns ErrNotImageBytes when the server ignores the Accept header and
// answers with JSON instead. The request carries no ClientTransactionID.
func (c *Client) ImageBytes(ctx context.Context) ([]byte, error) {
	q := c.idParams()

	ctx, cancel := context.WithTimeout(ctx, c.imageTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("imagearray")+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", imageBytesMediaType)

	body, resp, err := c.do(req, "imagearray")
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), imageBytesMediaType) {
		return nil, ErrNotImageBytes
	}
	return body, nil
}

// ImageArray downloads the current image as a JSON array. The returned
// message is the raw Value, to be decoded by the imaging package.
func (c *Client) ImageArray(ctx context.Context) (json.RawMessage, error) {
	return c.getRaw(ctx, "imagearray", nil, c.imageTimeout)
}
