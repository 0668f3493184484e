package devices

import (
	"context"
	"fmt"
	"time"

	"skyconsole/pkg/alpaca"
	"skyconsole/pkg/events"
	"skyconsole/pkg/poller"
	"skyconsole/pkg/registry"
)

// maxSwitches bounds the per-switch reads of one poll cycle.
const maxSwitches = 64

var cameraProfile = poller.Profile{
	Type:     alpaca.Camera,
	Interval: time.Second,
	Properties: []string{
		"camerastate", "ccdtemperature", "setccdtemperature", "cooleron",
		"coolerpower", "imageready", "percentcompleted", "binx", "biny",
		"gain", "offset",
	},
	Capabilities: []string{
		"canabortexposure", "canstopexposure", "cansetccdtemperature",
		"cangetcoolerpower", "canasymmetricbin", "hasshutter",
		"cameraxsize", "cameraysize", "maxbinx", "maxbiny",
	},
	Aliases: map[string]string{
		"ccdtemperature": "temperature",
		"coolerpower":    "coolerPower",
	},
}

var telescopeProfile = poller.Profile{
	Type:     alpaca.Telescope,
	Interval: time.Second,
	Properties: []string{
		"rightascension", "declination", "altitude", "azimuth",
		"siderealtime", "tracking", "slewing", "atpark", "athome",
		"sideofpier",
	},
	Capabilities: []string{
		"canslew", "canslewasync", "canslewaltaz", "canslewaltazasync",
		"cansync", "canpark", "canunpark", "canfindhome", "cansettracking",
	},
	Aliases: map[string]string{
		"rightascension": "ra",
		"declination":    "dec",
	},
	Detect: slewDetector(events.TelescopeSlewComplete),
}

var focuserProfile = poller.Profile{
	Type:         alpaca.Focuser,
	Interval:     500 * time.Millisecond,
	Properties:   []string{"position", "ismoving", "temperature", "tempcomp"},
	Capabilities: []string{"absolute", "maxstep", "tempcompavailable"},
	Aliases:      map[string]string{"ismoving": "isMoving"},
}

var rotatorProfile = poller.Profile{
	Type:         alpaca.Rotator,
	Interval:     500 * time.Millisecond,
	Properties:   []string{"position", "mechanicalposition", "targetposition", "ismoving", "reverse"},
	Capabilities: []string{"canreverse"},
	Aliases:      map[string]string{"ismoving": "isMoving"},
}

var filterWheelProfile = poller.Profile{
	Type:         alpaca.FilterWheel,
	Interval:     time.Second,
	Properties:   []string{"position"},
	Capabilities: []string{"names", "focusoffsets"},
}

var domeProfile = poller.Profile{
	Type:     alpaca.Dome,
	Interval: time.Second,
	Properties: []string{
		"azimuth", "altitude", "shutterstatus", "slewing", "atpark",
		"athome", "slaved",
	},
	Capabilities: []string{
		"canfindhome", "canpark", "cansetaltitude", "cansetazimuth",
		"cansetpark", "cansetshutter", "canslave", "cansyncazimuth",
	},
	Detect: slewDetector(events.DomeSlewComplete),
}

var coverCalibratorProfile = poller.Profile{
	Type:         alpaca.CoverCalibrator,
	Interval:     time.Second,
	Properties:   []string{"coverstate", "calibratorstate", "brightness", "covermoving", "calibratorchanging"},
	Capabilities: []string{"maxbrightness"},
}

var switchProfile = poller.Profile{
	Type:       alpaca.Switch,
	Interval:   2 * time.Second,
	Properties: []string{"maxswitch"},
	Collect:    collectSwitches,
}

var safetyMonitorProfile = poller.Profile{
	Type:       alpaca.SafetyMonitor,
	Interval:   5 * time.Second,
	Properties: []string{"issafe"},
}

var observingConditionsProfile = poller.Profile{
	Type:     alpaca.ObservingConditions,
	Interval: 30 * time.Second,
	Properties: []string{
		"cloudcover", "dewpoint", "humidity", "pressure", "rainrate",
		"skybrightness", "skyquality", "skytemperature", "starfwhm",
		"temperature", "winddirection", "windgust", "windspeed",
	},
	Capabilities: []string{"averageperiod"},
}

// Profiles returns the polling profile of every supported device type.
func Profiles() []poller.Profile {
	return []poller.Profile{
		cameraProfile,
		telescopeProfile,
		focuserProfile,
		rotatorProfile,
		filterWheelProfile,
		domeProfile,
		coverCalibratorProfile,
		switchProfile,
		safetyMonitorProfile,
		observingConditionsProfile,
	}
}

// ProfileFor returns the profile of a single device type.
func ProfileFor(t alpaca.DeviceType) (poller.Profile, bool) {
	for _, p := range Profiles() {
		if p.Type == t {
			return p, true
		}
	}
	return poller.Profile{}, false
}

// slewDetector reports a completed slew when slewing drops from true to
// false between two polls.
func slewDetector(kind events.Kind) poller.Detector {
	return func(id string, prev, next map[string]any) []events.Event {
		if prev == nil {
			return nil
		}
		was, ok1 := alpaca.Bool(prev["slewing"])
		is, ok2 := alpaca.Bool(next["slewing"])
		if ok1 && ok2 && was && !is {
			return []events.Event{events.New(kind, id)}
		}
		return nil
	}
}

// collectSwitches reads the value, state and name of every switch reported
// by maxswitch.
func collectSwitches(ctx context.Context, client registry.Client, current map[string]any) (map[string]any, error) {
	n, ok := alpaca.Int(current["maxswitch"])
	if !ok || n <= 0 {
		return nil, nil
	}
	n = min(n, maxSwitches)

	values := make(map[string]any, n*3)
	var firstErr error
	for i := 0; i < n; i++ {
		id := alpaca.Params{"Id": i}
		reads := []struct {
			method string
			key    string
		}{
			{"getswitchvalue", fmt.Sprintf("switch%dvalue", i)},
			{"getswitch", fmt.Sprintf("switch%dstate", i)},
			{"getswitchname", fmt.Sprintf("switch%dname", i)},
		}
		for _, r := range reads {
			v, err := client.Get(ctx, r.method, id)
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("%s(%d): %w", r.method, i, err)
				}
				continue
			}
			values[r.key] = v
		}
	}
	return values, firstErr
}
