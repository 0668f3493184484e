package simulator

import (
	"fmt"
	"math"
	"time"

	log "github.com/sirupsen/logrus"

	"skyconsole/pkg/alpaca"
)

type DomeCapabilities struct {
	CanFindHome    bool
	CanPark        bool
	CanSetAltitude bool
	CanSetAzimuth  bool
	CanSetPark     bool
	CanSetShutter  bool
	CanSlave       bool
	CanSyncAzimuth bool
}

type ShutterStatus int

const (
	ShutterOpen ShutterStatus = iota
	ShutterClosed
	ShutterOpening
	ShutterClosing
	ShutterError
)

const (
	slewRate    = 20.0 // degrees per second
	shutterTime = 3 * time.Second
)

// Dome simulates a rotating dome with a shutter. Slews and shutter moves
// take time; altitude cannot be set.
type Dome struct {
	*base
	capabilities DomeCapabilities

	azimuth  float64
	slewing  bool
	from, to float64
	slewAt   time.Time
	slewFor  time.Duration
	parking  bool
	homing   bool
	atPark   bool
	atHome   bool
	slaved   bool
	parkAz   float64
	homeAz   float64

	shutter     ShutterStatus
	shutterDone time.Time
}

func NewDome(number int, logger log.FieldLogger, opts ...Option) *Dome {
	return &Dome{
		base: newBase("Dome Simulator", alpaca.Dome, number, logger, opts),
		capabilities: DomeCapabilities{
			CanFindHome:    true,
			CanPark:        true,
			CanSetAltitude: false,
			CanSetAzimuth:  true,
			CanSetPark:     true,
			CanSetShutter:  true,
			CanSlave:       true,
			CanSyncAzimuth: true,
		},
		atPark:  true,
		shutter: ShutterClosed,
	}
}

// delta returns the signed shortest rotation from a to b.
func delta(a, b float64) float64 {
	return math.Mod(b-a+540, 360) - 180
}

func normalize(az float64) float64 {
	return math.Mod(az+360, 360)
}

// advance moves the dome and shutter to now. Callers hold the lock.
func (d *Dome) advance() {
	now := d.now()

	if d.slewing {
		elapsed := now.Sub(d.slewAt)
		if elapsed >= d.slewFor {
			d.azimuth = d.to
			d.slewing = false
			d.atPark = d.parking
			d.atHome = d.homing
			d.parking, d.homing = false, false
			d.logger.Infof("Dome reached azimuth %.1f", d.azimuth)
		} else {
			frac := float64(elapsed) / float64(d.slewFor)
			d.azimuth = normalize(d.from + delta(d.from, d.to)*frac)
		}
	}

	if (d.shutter == ShutterOpening || d.shutter == ShutterClosing) && !now.Before(d.shutterDone) {
		if d.shutter == ShutterOpening {
			d.shutter = ShutterOpen
		} else {
			d.shutter = ShutterClosed
		}
	}
}

func (d *Dome) slew(target float64) {
	d.from = d.azimuth
	d.to = normalize(target)
	d.slewAt = d.now()
	d.slewFor = time.Duration(math.Abs(delta(d.from, d.to)) / slewRate * float64(time.Second))
	d.slewing = true
	d.atPark, d.atHome = false, false
	d.logger.Infof("Slewing to azimuth: %f", d.to)
}

func (d *Dome) moveShutter(open bool) {
	switch {
	case open && (d.shutter == ShutterOpen || d.shutter == ShutterOpening):
		return
	case !open && (d.shutter == ShutterClosed || d.shutter == ShutterClosing):
		return
	}
	d.shutter = ShutterClosing
	if open {
		d.shutter = ShutterOpening
	}
	d.shutterDone = d.now().Add(shutterTime)
	d.logger.Infof("Setting shutter open=%v", open)
}

func (d *Dome) State() []alpaca.StateProperty {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.advance()
	return []alpaca.StateProperty{
		{Name: "Altitude", Value: 0.0},
		{Name: "AtHome", Value: d.atHome},
		{Name: "AtPark", Value: d.atPark},
		{Name: "Azimuth", Value: d.azimuth},
		{Name: "ShutterStatus", Value: d.shutter},
		{Name: "Slewing", Value: d.slewing},
	}
}

func (d *Dome) Get(method string, req *Request) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.advance()

	switch method {
	case "altitude":
		return 0.0, nil
	case "athome":
		return d.atHome, nil
	case "atpark":
		return d.atPark, nil
	case "azimuth":
		return d.azimuth, nil
	case "shutterstatus":
		return d.shutter, nil
	case "slewing":
		return d.slewing, nil
	case "slaved":
		return d.slaved, nil
	case "canfindhome":
		return d.capabilities.CanFindHome, nil
	case "canpark":
		return d.capabilities.CanPark, nil
	case "cansetaltitude":
		return d.capabilities.CanSetAltitude, nil
	case "cansetazimuth":
		return d.capabilities.CanSetAzimuth, nil
	case "cansetpark":
		return d.capabilities.CanSetPark, nil
	case "cansetshutter":
		return d.capabilities.CanSetShutter, nil
	case "canslave":
		return d.capabilities.CanSlave, nil
	case "cansyncazimuth":
		return d.capabilities.CanSyncAzimuth, nil
	}
	return nil, fmt.Errorf("%w: %s", alpaca.ErrPropertyNotImplemented, method)
}

func (d *Dome) Put(method string, req *Request) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.advance()

	switch method {
	case "slewtoazimuth", "synctoazimuth":
		az, err := req.Float("Azimuth")
		if err != nil {
			return nil, err
		}
		if az < 0 || az >= 360 {
			return nil, fmt.Errorf("%w: Azimuth %v out of range", alpaca.ErrInvalidValue, az)
		}
		if method == "synctoazimuth" {
			d.azimuth = az
			return nil, nil
		}
		if d.slaved {
			return nil, &alpaca.Error{Method: method, Number: alpaca.CodeInvalidWhileSlaved, Message: "dome is slaved"}
		}
		d.slew(az)
	case "slewtoaltitude":
		return nil, fmt.Errorf("%w: %s", alpaca.ErrPropertyNotImplemented, method)
	case "abortslew":
		d.slewing = false
		d.parking, d.homing = false, false
		d.logger.Info("Aborting slew")
	case "findhome":
		d.slew(d.homeAz)
		d.homing = true
	case "park":
		d.slew(d.parkAz)
		d.parking = true
	case "setpark":
		d.parkAz = d.azimuth
		d.atPark = true
	case "openshutter":
		d.moveShutter(true)
	case "closeshutter":
		d.moveShutter(false)
	case "slaved":
		v, err := req.Bool("Slaved")
		if err != nil {
			return nil, err
		}
		d.logger.Infof("Dome slaved: %v", v)
		d.slaved = v
	default:
		return nil, fmt.Errorf("%w: %s", alpaca.ErrPropertyNotImplemented, method)
	}
	return nil, nil
}
