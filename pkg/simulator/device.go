package simulator

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"skyconsole/pkg/alpaca"
	"skyconsole/pkg/imaging"
)

const imageBytesMediaType = "application/imagebytes"

type DriverInfo struct {
	Name             string
	Version          string
	InterfaceVersion int
}

// Device is a simulated Alpaca device. Get and Put receive the lowercase
// method name; the common members (connected, name, devicestate, ...) are
// handled before they are called.
type Device interface {
	Info() alpaca.DeviceInfo
	Driver() DriverInfo
	Connected() bool
	SetConnected(bool)
	State() []alpaca.StateProperty

	Get(method string, req *Request) (any, error)
	Put(method string, req *Request) (any, error)
}

// imageSource is implemented by devices that serve imagearray.
type imageSource interface {
	Image() (*imaging.Frame, error)
}

type Option func(*base)

// WithClock replaces time.Now, so tests can drive simulated motion.
func WithClock(now func() time.Time) Option {
	return func(b *base) { b.now = now }
}

// base carries what every simulated device shares. Its mutex also guards
// the fields of the embedding device.
type base struct {
	mu        sync.Mutex
	info      alpaca.DeviceInfo
	driver    DriverInfo
	logger    log.FieldLogger
	now       func() time.Time
	connected bool
}

func newBase(name string, t alpaca.DeviceType, number int, logger log.FieldLogger, opts []Option) *base {
	b := &base{
		info: alpaca.DeviceInfo{
			Name:     name,
			Type:     t,
			Number:   number,
			UniqueID: uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("skyconsole/simulator/%s/%d", t, number))).String(),
		},
		driver: DriverInfo{Name: "Skyconsole Simulator", Version: "1.0", InterfaceVersion: 1},
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *base) Info() alpaca.DeviceInfo { return b.info }
func (b *base) Driver() DriverInfo      { return b.driver }

func (b *base) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *base) SetConnected(connected bool) {
	b.mu.Lock()
	changed := b.connected != connected
	b.connected = connected
	b.mu.Unlock()

	if changed {
		if connected {
			b.logger.Infof("%s connected", b.info.Name)
		} else {
			b.logger.Infof("%s disconnected", b.info.Name)
		}
	}
}

// deviceHandler serves the Alpaca device API of one simulated device.
type deviceHandler struct {
	dev Device
}

func (h *deviceHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /imagearray", h.handleImageArray)
	mux.HandleFunc("GET /{method}", handle(h.get))
	mux.HandleFunc("PUT /{method}", handle(h.put))
}

func (h *deviceHandler) get(req *Request) (any, error) {
	m := req.method
	switch m {
	case "name":
		return h.dev.Info().Name, nil
	case "description":
		return h.dev.Info().Name + " (simulated)", nil
	case "driverinfo":
		return h.dev.Driver().Name, nil
	case "driverversion":
		return h.dev.Driver().Version, nil
	case "interfaceversion":
		return h.dev.Driver().InterfaceVersion, nil
	case "connected":
		return h.dev.Connected(), nil
	case "connecting":
		return false, nil
	case "supportedactions":
		return []string{}, nil
	case "devicestate":
		props := []alpaca.StateProperty{{Name: "TimeStamp", Value: time.Now().UTC().Format(time.RFC3339)}}
		if h.dev.Connected() {
			props = append(props, h.dev.State()...)
		}
		return props, nil
	}

	if !h.dev.Connected() {
		return nil, alpaca.ErrNotConnected
	}
	return h.dev.Get(m, req)
}

func (h *deviceHandler) put(req *Request) (any, error) {
	m := req.method
	switch m {
	case "connect":
		h.dev.SetConnected(true)
		return nil, nil
	case "disconnect":
		h.dev.SetConnected(false)
		return nil, nil
	case "connected":
		v, err := req.Bool("Connected")
		if err != nil {
			return nil, err
		}
		h.dev.SetConnected(v)
		return nil, nil
	}

	if !h.dev.Connected() {
		return nil, alpaca.ErrNotConnected
	}
	return h.dev.Put(m, req)
}

// handleImageArray serves the image as ImageBytes when the client asks for
// it and as a JSON array otherwise.
func (h *deviceHandler) handleImageArray(w http.ResponseWriter, r *http.Request) {
	req, err := parseRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var frame *imaging.Frame
	src, ok := h.dev.(imageSource)
	switch {
	case !ok:
		err = alpaca.ErrPropertyNotImplemented
	case !h.dev.Connected():
		err = alpaca.ErrNotConnected
	default:
		frame, err = src.Image()
	}
	tx := serverTx.Add(1)

	if strings.Contains(r.Header.Get("Accept"), imageBytesMediaType) {
		w.Header().Set("Content-Type", imageBytesMediaType)
		if err != nil {
			w.Write(imaging.EncodeError(int32(errorNumber(err)), err.Error(), req.clientTx, tx))
			return
		}
		b, err := imaging.EncodeImageBytes(frame, imaging.Int32, req.clientTx, tx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Write(b)
		return
	}

	resp := imageArrayResponse{response: response{ClientTransactionID: req.clientTx, ServerTransactionID: tx}}
	if err != nil {
		resp.ErrorNumber = errorNumber(err)
		resp.ErrorMessage = err.Error()
		writeJSON(w, resp)
		return
	}
	resp.Type = int(imaging.Int32)
	resp.Rank = 2
	resp.Value = frameArray(frame)
	if frame.Planes > 1 {
		resp.Rank = 3
	}
	writeJSON(w, resp)
}

type imageArrayResponse struct {
	response
	Type int `json:"Type"`
	Rank int `json:"Rank"`
}

// frameArray lays the frame out as [x][y] or [x][y][plane].
func frameArray(f *imaging.Frame) any {
	if f.Planes == 1 {
		out := make([][]uint32, f.Width)
		for x := range out {
			out[x] = make([]uint32, f.Height)
			for y := range out[x] {
				out[x][y] = f.At(x, y, 0)
			}
		}
		return out
	}
	out := make([][][]uint32, f.Width)
	for x := range out {
		out[x] = make([][]uint32, f.Height)
		for y := range out[x] {
			out[x][y] = make([]uint32, f.Planes)
			for p := range out[x][y] {
				out[x][y][p] = f.At(x, y, p)
			}
		}
	}
	return out
}
