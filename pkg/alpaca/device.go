package alpaca

import (
	"fmt"
	"strings"
)

type DeviceType string

const (
	Camera              DeviceType = "camera"
	Telescope           DeviceType = "telescope"
	Focuser             DeviceType = "focuser"
	FilterWheel         DeviceType = "filterwheel"
	Dome                DeviceType = "dome"
	Rotator             DeviceType = "rotator"
	ObservingConditions DeviceType = "observingconditions"
	SafetyMonitor       DeviceType = "safetymonitor"
	Switch              DeviceType = "switch"
	CoverCalibrator     DeviceType = "covercalibrator"
)

// DeviceTypes lists every device type the console knows how to drive.
var DeviceTypes = []DeviceType{
	Camera, Telescope, Focuser, FilterWheel, Dome,
	Rotator, ObservingConditions, SafetyMonitor, Switch, CoverCalibrator,
}

func (t DeviceType) String() string {
	return string(t)
}

// ParseDeviceType normalizes s to lowercase and checks it against the known types.
func ParseDeviceType(s string) (DeviceType, error) {
	t := DeviceType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range DeviceTypes {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown device type: %q", s)
}

// DeviceInfo is one entry of the management API configureddevices list.
type DeviceInfo struct {
	Name     string     `json:"DeviceName"`
	Type     DeviceType `json:"DeviceType"`
	Number   int        `json:"DeviceNumber"`
	UniqueID string     `json:"UniqueID"`
}

type ServerDescription struct {
	Name                string `json:"ServerName"`
	Manufacturer        string `json:"Manufacturer"`
	ManufacturerVersion string `json:"ManufacturerVersion"`
	Location            string `json:"Location"`
}

type StateProperty struct {
	Name  string
	Value interface{}
}

// UnmarshalJSON accepts the capitalized names servers report ("Camera",
// "FilterWheel") and stores them in the lowercase form used in URLs.
func (t *DeviceType) UnmarshalJSON(b []byte) error {
	*t = DeviceType(strings.ToLower(strings.Trim(string(b), `"`)))
	return nil
}
