package api

import (
	"net/http"

	log "github.com/sirupsen/logrus"

	"itech/pkg/scpi"
)

// PowerSupplyStatus is a snapshot of set-points and measurements.
type PowerSupplyStatus struct {
	Voltage       scpi.Quantity   `json:"Voltage"`
	Current       scpi.Quantity   `json:"Current"`
	LocalVoltage  scpi.Quantity   `json:"LocalVoltage"`
	RemoteVoltage scpi.Quantity   `json:"RemoteVoltage"`
	Output        scpi.OnOffState `json:"Output"`
}

func (s PowerSupplyStatus) ToProperties() []StateProperty {
	return []StateProperty{
		{"Voltage", s.Voltage.Value},
		{"Current", s.Current.Value},
		{"LocalVoltage", s.LocalVoltage.Value},
		{"RemoteVoltage", s.RemoteVoltage.Value},
		{"Output", bool(s.Output)},
	}
}

// PropertyInfo describes one entry of the facet table.
type PropertyInfo struct {
	Name     string    `json:"Name"`
	Command  string    `json:"Command"`
	ReadOnly bool      `json:"ReadOnly"`
	Units    scpi.Unit `json:"Units,omitempty"`
}

type PowerSupply interface {
	Device

	Status() (PowerSupplyStatus, error)
	Identity() (scpi.Identity, error)
	Properties() []PropertyInfo
	ReadProperty(name string) (any, error)
	WriteProperty(name, value string) error

	AmpHours(reset bool) (scpi.Quantity, error)
	WattHours(reset bool) (scpi.Quantity, error)
	RemoteSense() (string, error)
	SetRemoteSense(enabled bool) error
}

type PowerSupplyHandler struct {
	DeviceHandler
	dev PowerSupply
}

func NewPowerSupplyHandler(dev PowerSupply) *PowerSupplyHandler {
	return &PowerSupplyHandler{
		DeviceHandler: DeviceHandler{dev: dev},
		dev:           dev,
	}
}

func (ph *PowerSupplyHandler) RegisterRoutes(mux *http.ServeMux) {
	ph.DeviceHandler.RegisterRoutes(mux)

	mux.HandleFunc("GET /status", ph.handleStatus)
	mux.HandleFunc("GET /identity", ph.handleIdentity)
	mux.HandleFunc("GET /properties", ph.handleProperties)
	mux.HandleFunc("GET /property/{name}", ph.handleReadProperty)
	mux.HandleFunc("PUT /property/{name}", ph.handleWriteProperty)

	mux.HandleFunc("GET /amphours", ph.handleAccumulator(ph.dev.AmpHours))
	mux.HandleFunc("PUT /amphours", ph.handleAccumulator(ph.dev.AmpHours))
	mux.HandleFunc("GET /watthours", ph.handleAccumulator(ph.dev.WattHours))
	mux.HandleFunc("PUT /watthours", ph.handleAccumulator(ph.dev.WattHours))

	mux.HandleFunc("GET /remotesense", ph.handleRemoteSense)
	mux.HandleFunc("PUT /remotesense", ph.handleSetRemoteSense)
}

func (ph *PowerSupplyHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := ph.dev.Status()
	if err != nil {
		handleDriverError(w, r, err)
		return
	}
	handleResponse(w, r, status)
}

func (ph *PowerSupplyHandler) handleIdentity(w http.ResponseWriter, r *http.Request) {
	id, err := ph.dev.Identity()
	if err != nil {
		handleDriverError(w, r, err)
		return
	}
	handleResponse(w, r, id)
}

func (ph *PowerSupplyHandler) handleProperties(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, r, ph.dev.Properties())
}

func (ph *PowerSupplyHandler) handleReadProperty(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	log.Debugf("Power supply property: %s", name)

	value, err := ph.dev.ReadProperty(name)
	if err != nil {
		handleDriverError(w, r, err)
		return
	}
	handleResponse(w, r, value)
}

func (ph *PowerSupplyHandler) handleWriteProperty(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	value, err := parseRequest(r, "Value")
	if err != nil {
		handleError(w, r, ErrorInvalidValue, err.Error())
		return
	}

	log.Debugf("Power supply property: %s = %s", name, value)
	if err := ph.dev.WriteProperty(name, value); err != nil {
		handleDriverError(w, r, err)
		return
	}
	handleResponse(w, r, nil)
}

// handleAccumulator serves the ampere-hour and watt-hour counters. Only PUT
// requests may carry Reset=true.
func (ph *PowerSupplyHandler) handleAccumulator(read func(reset bool) (scpi.Quantity, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reset := false
		if r.Method == http.MethodPut {
			var err error
			if reset, err = parseBoolRequest(r, "Reset"); err != nil {
				handleError(w, r, ErrorInvalidValue, err.Error())
				return
			}
		}

		q, err := read(reset)
		if err != nil {
			handleDriverError(w, r, err)
			return
		}
		handleResponse(w, r, q)
	}
}

func (ph *PowerSupplyHandler) handleRemoteSense(w http.ResponseWriter, r *http.Request) {
	raw, err := ph.dev.RemoteSense()
	if err != nil {
		handleDriverError(w, r, err)
		return
	}
	handleResponse(w, r, raw)
}

func (ph *PowerSupplyHandler) handleSetRemoteSense(w http.ResponseWriter, r *http.Request) {
	enabled, err := parseBoolRequest(r, "State")
	if err != nil {
		handleError(w, r, ErrorInvalidValue, err.Error())
		return
	}

	if err := ph.dev.SetRemoteSense(enabled); err != nil {
		handleDriverError(w, r, err)
		return
	}
	handleResponse(w, r, nil)
}
