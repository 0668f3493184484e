// Documentation: https://ascom-standards.org/api/?urls.primaryName=ASCOM+Alpaca+Management+API

package simulator

import (
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"

	"skyconsole/pkg/alpaca"
)

// Server is an in-process Alpaca server exposing simulated devices and the
// management API.
type Server struct {
	description alpaca.ServerDescription
	devices     []Device
	logger      log.FieldLogger
}

// NewServer creates a server for the given devices.
func NewServer(description alpaca.ServerDescription, logger log.FieldLogger, devices ...Device) *Server {
	return &Server{
		description: description,
		devices:     devices,
		logger:      logger,
	}
}

// NewDefault creates a server with one camera and one dome.
func NewDefault(logger log.FieldLogger, opts ...Option) *Server {
	return NewServer(alpaca.ServerDescription{
		Name:                "Skyconsole Simulator",
		Manufacturer:        "Skyconsole",
		ManufacturerVersion: "1.0",
		Location:            "Nowhere",
	}, logger,
		NewCamera(0, 128, 96, logger.WithField("device", "camera"), opts...),
		NewDome(0, logger.WithField("device", "dome"), opts...),
	)
}

func (s *Server) Devices() []Device {
	return s.devices
}

// configuredDevice is the management API entry, with the device type in the
// capitalized form servers report.
type configuredDevice struct {
	DeviceName   string
	DeviceType   string
	DeviceNumber int
	UniqueID     string
}

var typeNames = map[alpaca.DeviceType]string{
	alpaca.Camera:              "Camera",
	alpaca.Telescope:           "Telescope",
	alpaca.Focuser:             "Focuser",
	alpaca.FilterWheel:         "FilterWheel",
	alpaca.Dome:                "Dome",
	alpaca.Rotator:             "Rotator",
	alpaca.ObservingConditions: "ObservingConditions",
	alpaca.SafetyMonitor:       "SafetyMonitor",
	alpaca.Switch:              "Switch",
	alpaca.CoverCalibrator:     "CoverCalibrator",
}

func (s *Server) AddRoutes() *http.ServeMux {
	r := http.NewServeMux()
	r.Handle("GET /management/apiversions", handle(s.handleAPIVersions))
	r.Handle("GET /management/v1/description", handle(s.handleDescription))
	r.Handle("GET /management/v1/configureddevices", handle(s.handleConfiguredDevices))

	for _, dev := range s.devices {
		mux := http.NewServeMux()
		handler := &deviceHandler{dev: dev}
		handler.RegisterRoutes(mux)

		info := dev.Info()
		prefix := fmt.Sprintf("/api/v1/%s/%d", info.Type, info.Number)
		r.Handle(prefix+"/", http.StripPrefix(prefix, mux))
		s.logger.Debugf("Serving %s at %s", info.Name, prefix)
	}
	return r
}

func (s *Server) handleAPIVersions(*Request) (any, error) {
	return []int{1}, nil
}

func (s *Server) handleDescription(*Request) (any, error) {
	return s.description, nil
}

func (s *Server) handleConfiguredDevices(*Request) (any, error) {
	out := make([]configuredDevice, 0, len(s.devices))
	for _, dev := range s.devices {
		info := dev.Info()
		out = append(out, configuredDevice{
			DeviceName:   info.Name,
			DeviceType:   typeNames[info.Type],
			DeviceNumber: info.Number,
			UniqueID:     info.UniqueID,
		})
	}
	return out, nil
}
