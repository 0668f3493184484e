package simulator

import (
	"fmt"
	"math"
	"time"

	log "github.com/sirupsen/logrus"

	"skyconsole/pkg/alpaca"
	"skyconsole/pkg/imaging"
)

// Alpaca CameraState values.
const (
	cameraIdle = iota
	cameraWaiting
	cameraExposing
	cameraReading
	cameraDownload
	cameraError
)

const (
	readoutTime    = 500 * time.Millisecond
	ambientTemp    = 15.0
	coolingRate    = 2.0 // degrees per second
	maxBin         = 4
	bias           = 1000
	fullWell       = 65535
	maxExposureSec = 3600
)

// Camera simulates a cooled monochrome camera. Exposures advance with the
// clock: exposing for the requested duration, then reading out, then idle
// with an image ready.
type Camera struct {
	*base
	width, height int

	coolerOn   bool
	setTemp    float64
	ccdTemp    float64
	tempAt     time.Time
	binX, binY int
	gain       int
	offset     int

	exposing   bool
	start      time.Time
	duration   time.Duration
	light      bool
	lastDur    float64
	imageReady bool
	frame      *imaging.Frame
}

func NewCamera(number, width, height int, logger log.FieldLogger, opts ...Option) *Camera {
	c := &Camera{
		base:    newBase("Camera Simulator", alpaca.Camera, number, logger, opts),
		width:   width,
		height:  height,
		setTemp: -10,
		ccdTemp: ambientTemp,
		binX:    1,
		binY:    1,
		gain:    100,
		offset:  10,
		lastDur: -1,
	}
	c.tempAt = c.now()
	return c
}

// advance moves the exposure and the sensor temperature to now. Callers
// hold the lock.
func (c *Camera) advance() int {
	now := c.now()

	target := ambientTemp
	if c.coolerOn {
		target = c.setTemp
	}
	step := coolingRate * now.Sub(c.tempAt).Seconds()
	if diff := target - c.ccdTemp; math.Abs(diff) <= step {
		c.ccdTemp = target
	} else {
		c.ccdTemp += math.Copysign(step, diff)
	}
	c.tempAt = now

	if !c.exposing {
		return cameraIdle
	}
	elapsed := now.Sub(c.start)
	switch {
	case elapsed < c.duration:
		return cameraExposing
	case elapsed < c.duration+readoutTime:
		return cameraReading
	}

	c.exposing = false
	c.lastDur = c.duration.Seconds()
	c.frame = c.render()
	c.imageReady = true
	c.logger.Infof("Exposure of %.2fs complete", c.lastDur)
	return cameraIdle
}

func (c *Camera) percent(state int) int {
	switch state {
	case cameraExposing:
		if c.duration <= 0 {
			return 100
		}
		return int(100 * c.now().Sub(c.start) / c.duration)
	case cameraReading, cameraDownload:
		return 100
	}
	if c.imageReady {
		return 100
	}
	return 0
}

func (c *Camera) coolerPower() float64 {
	if !c.coolerOn {
		return 0
	}
	return math.Min(100, math.Abs(ambientTemp-c.ccdTemp)*4)
}

// render produces a bias frame with a gradient and a few stars whose flux
// grows with exposure time. Dark frames carry only the bias and gradient.
func (c *Camera) render() *imaging.Frame {
	w, h := c.width/c.binX, c.height/c.binY
	f := &imaging.Frame{Width: w, Height: h, Planes: 1, ElementType: imaging.Int32, Pixels: make([]uint32, w*h)}

	stars := [][3]float64{{0.25, 0.3, 1}, {0.6, 0.55, 0.6}, {0.8, 0.2, 0.3}, {0.4, 0.8, 0.8}}
	exposure := c.duration.Seconds()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := float64(bias+c.offset) + 200*float64(y)/float64(h)
			if c.light {
				for _, s := range stars {
					dx := float64(x) - s[0]*float64(w)
					dy := float64(y) - s[1]*float64(h)
					v += s[2] * 20000 * exposure * math.Exp(-(dx*dx+dy*dy)/4)
				}
			}
			f.Pixels[y*w+x] = uint32(math.Min(v, fullWell))
		}
	}
	return f
}

func (c *Camera) State() []alpaca.StateProperty {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := c.advance()
	return []alpaca.StateProperty{
		{Name: "CameraState", Value: state},
		{Name: "CCDTemperature", Value: c.ccdTemp},
		{Name: "CoolerPower", Value: c.coolerPower()},
		{Name: "ImageReady", Value: c.imageReady},
		{Name: "PercentCompleted", Value: c.percent(state)},
	}
}

func (c *Camera) Get(method string, req *Request) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := c.advance()

	switch method {
	case "camerastate":
		return state, nil
	case "ccdtemperature":
		return math.Round(c.ccdTemp*100) / 100, nil
	case "setccdtemperature":
		return c.setTemp, nil
	case "cooleron":
		return c.coolerOn, nil
	case "coolerpower":
		return c.coolerPower(), nil
	case "imageready":
		return c.imageReady, nil
	case "percentcompleted":
		return c.percent(state), nil
	case "binx":
		return c.binX, nil
	case "biny":
		return c.binY, nil
	case "gain":
		return c.gain, nil
	case "offset":
		return c.offset, nil
	case "cameraxsize":
		return c.width, nil
	case "cameraysize":
		return c.height, nil
	case "maxbinx", "maxbiny":
		return maxBin, nil
	case "canabortexposure", "canstopexposure", "cansetccdtemperature", "cangetcoolerpower", "hasshutter":
		return true, nil
	case "canasymmetricbin":
		return false, nil
	case "exposuremin":
		return 0.001, nil
	case "exposuremax":
		return float64(maxExposureSec), nil
	case "sensortype":
		return 0, nil
	case "lastexposureduration":
		if c.lastDur < 0 {
			return nil, &alpaca.Error{Method: method, Number: alpaca.CodeValueNotSet, Message: "no exposure taken yet"}
		}
		return c.lastDur, nil
	}
	return nil, fmt.Errorf("%w: %s", alpaca.ErrPropertyNotImplemented, method)
}

func (c *Camera) Put(method string, req *Request) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance()

	switch method {
	case "cooleron":
		v, err := req.Bool("CoolerOn")
		if err != nil {
			return nil, err
		}
		c.coolerOn = v
	case "setccdtemperature":
		v, err := req.Float("SetCCDTemperature")
		if err != nil {
			return nil, err
		}
		if v < -50 || v > 50 {
			return nil, fmt.Errorf("%w: SetCCDTemperature %v out of range", alpaca.ErrInvalidValue, v)
		}
		c.setTemp = v
	case "binx", "biny":
		name := map[string]string{"binx": "BinX", "biny": "BinY"}[method]
		v, err := req.Int(name)
		if err != nil {
			return nil, err
		}
		if v < 1 || v > maxBin {
			return nil, fmt.Errorf("%w: %s %d out of range", alpaca.ErrInvalidValue, name, v)
		}
		if method == "binx" {
			c.binX = v
		} else {
			c.binY = v
		}
	case "gain":
		v, err := req.Int("Gain")
		if err != nil {
			return nil, err
		}
		c.gain = v
	case "offset":
		v, err := req.Int("Offset")
		if err != nil {
			return nil, err
		}
		c.offset = v
	case "startexposure":
		return nil, c.startExposure(req)
	case "abortexposure":
		if c.exposing {
			c.logger.Info("Exposure aborted")
		}
		c.exposing = false
		c.imageReady = false
	case "stopexposure":
		if c.exposing {
			// Cut the exposure short; readout still follows.
			c.duration = c.now().Sub(c.start)
		}
	default:
		return nil, fmt.Errorf("%w: %s", alpaca.ErrPropertyNotImplemented, method)
	}
	return nil, nil
}

func (c *Camera) startExposure(req *Request) error {
	seconds, err := req.Float("Duration")
	if err != nil {
		return err
	}
	light, err := req.Bool("Light")
	if err != nil {
		return err
	}
	if seconds < 0 || seconds > maxExposureSec {
		return fmt.Errorf("%w: Duration %v out of range", alpaca.ErrInvalidValue, seconds)
	}
	if c.exposing {
		return fmt.Errorf("%w: exposure already in progress", alpaca.ErrInvalidOperation)
	}

	c.exposing = true
	c.start = c.now()
	c.duration = time.Duration(seconds * float64(time.Second))
	c.light = light
	c.imageReady = false
	c.logger.Infof("Starting %.2fs exposure (light=%v)", seconds, light)
	return nil
}

// Image returns the last completed frame.
func (c *Camera) Image() (*imaging.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance()
	if !c.imageReady || c.frame == nil {
		return nil, fmt.Errorf("%w: no image available", alpaca.ErrInvalidOperation)
	}
	return c.frame, nil
}
