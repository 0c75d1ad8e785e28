package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

type ServerDescription struct {
	Name                string `json:"ServerName"`
	Manufacturer        string `json:"Manufacturer"`
	ManufacturerVersion string `json:"ManufacturerVersion"`
	Location            string `json:"Location"`
}

// Server exposes the configured devices and information about the server
// itself over HTTP.
type Server struct {
	description ServerDescription
	devices     []Device
}

// NewServer creates a new Server instance.
func NewServer(description ServerDescription, devices []Device) *Server {
	server := Server{
		description: description,
		devices:     devices,
	}

	return &server
}

type DeviceHTTPHandler interface {
	RegisterRoutes(mux *http.ServeMux)
}

func (s *Server) AddRoutes() *http.ServeMux {
	r := http.NewServeMux()

	// Add management routes
	r.Handle("GET /management/apiversions", handleMgm(s.handleAPIVersions))
	r.Handle("GET /management/v1/description", handleMgm(s.handleDescription))
	r.Handle("GET /management/v1/configureddevices", handleMgm(s.handleConfiguredDevices))
	r.Handle("GET /metrics", promhttp.Handler())

	// Create handlers for each device
	for _, dev := range s.devices {
		mux := http.NewServeMux()
		var handler DeviceHTTPHandler

		switch d := dev.(type) {
		case PowerSupply:
			log.Infof("Creating new PowerSupplyHandler for %s", dev.DeviceInfo().Name)
			handler = NewPowerSupplyHandler(d)
		default:
			log.Errorf("Unknown device type: %T", dev)
			handler = NewDeviceHandler(dev)
		}
		handler.RegisterRoutes(mux)

		devType := strings.ToLower(dev.DeviceInfo().Type)
		devNumber := dev.DeviceInfo().Number

		apiPrefix := fmt.Sprintf("/api/v1/%s/%d", devType, devNumber)
		r.Handle(apiPrefix+"/", http.StripPrefix(apiPrefix, mux))

		setupPrefix := fmt.Sprintf("/setup/v1/%s/%d", devType, devNumber)
		r.Handle(setupPrefix+"/", http.StripPrefix(setupPrefix, mux))
	}

	return r
}

func (s *Server) handleAPIVersions(r *http.Request) (any, error) {
	return []int{1}, nil
}

func (s *Server) handleDescription(r *http.Request) (any, error) {
	return s.description, nil
}

func (s *Server) handleConfiguredDevices(r *http.Request) (any, error) {
	deviceInfo := make([]DeviceInfo, 0, len(s.devices))
	for _, device := range s.devices {
		deviceInfo = append(deviceInfo, device.DeviceInfo())
	}

	return deviceInfo, nil
}
