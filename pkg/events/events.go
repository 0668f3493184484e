package events

import "time"

type Kind string

const (
	DeviceAdded           Kind = "deviceAdded"
	DeviceRemoved         Kind = "deviceRemoved"
	DeviceUpdated         Kind = "deviceUpdated"
	DeviceConnected       Kind = "deviceConnected"
	DeviceDisconnected    Kind = "deviceDisconnected"
	DeviceConnectionError Kind = "deviceConnectionError"
	DevicePropertyChanged Kind = "devicePropertyChanged"
	DeviceMethodCalled    Kind = "deviceMethodCalled"
	DeviceAPIError        Kind = "deviceApiError"
	DeviceStale           Kind = "deviceStale"
	DeviceRecovered       Kind = "deviceRecovered"

	CameraExposureStarted  Kind = "cameraExposureStarted"
	CameraExposureChanged  Kind = "cameraExposureChanged"
	CameraExposureComplete Kind = "cameraExposureComplete"
	CameraExposureAborted  Kind = "cameraExposureAborted"
	CameraExposureFailed   Kind = "cameraExposureFailed"
	CameraImageReady       Kind = "cameraImageReady"

	TelescopeSlewStarted  Kind = "telescopeSlewStarted"
	TelescopeSlewComplete Kind = "telescopeSlewComplete"
	TelescopeSlewAborted  Kind = "telescopeSlewAborted"
	TelescopeSlewError    Kind = "telescopeSlewError"

	DomeSlewComplete Kind = "domeSlewComplete"

	DiscoveryStarted     Kind = "discoveryStarted"
	DiscoveryStopped     Kind = "discoveryStopped"
	DiscoveryDeviceFound Kind = "discoveryDeviceFound"
)

// Event is a single notification fanned out to bus listeners. Only the
// fields relevant to Kind are set.
type Event struct {
	Kind     Kind      `json:"kind"`
	Time     time.Time `json:"time"`
	DeviceID string    `json:"deviceId,omitempty"`

	Property   string `json:"property,omitempty"`
	Value      any    `json:"value,omitempty"`
	Previous   any    `json:"previous,omitempty"`
	Optimistic bool   `json:"optimistic,omitempty"`

	Method   string `json:"method,omitempty"`
	Progress int    `json:"progress,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Err      error  `json:"-"`
	Error    string `json:"error,omitempty"`

	Data any `json:"data,omitempty"`
}

func New(kind Kind, deviceID string) Event {
	return Event{
		Kind:     kind,
		Time:     time.Now(),
		DeviceID: deviceID,
	}
}

func PropertyChanged(deviceID, property string, value, previous any, optimistic bool) Event {
	e := New(DevicePropertyChanged, deviceID)
	e.Property = property
	e.Value = value
	e.Previous = previous
	e.Optimistic = optimistic
	return e
}

func APIError(deviceID, method string, err error) Event {
	e := New(DeviceAPIError, deviceID)
	e.Method = method
	e.Err = err
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

func MethodCalled(deviceID, method string, params any) Event {
	e := New(DeviceMethodCalled, deviceID)
	e.Method = method
	e.Data = params
	return e
}

func ConnectionError(deviceID string, err error) Event {
	e := New(DeviceConnectionError, deviceID)
	e.Err = err
	if err != nil {
		e.Error = err.Error()
	}
	return e
}
