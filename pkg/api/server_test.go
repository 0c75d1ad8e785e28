package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"itech/pkg/scpi"
	"itech/pkg/visa"
)

type fakeSupply struct {
	connected   bool
	props       map[string]string
	ampHours    float64
	resets      int
	remoteSense bool
	setupCalls  int
}

func newFakeSupply() *fakeSupply {
	return &fakeSupply{
		connected: true,
		props:     map[string]string{"voltage": "12", "output": "ON"},
		ampHours:  12.5,
	}
}

func (f *fakeSupply) DeviceInfo() DeviceInfo {
	return DeviceInfo{Name: "Fake PSU", Type: "PowerSupply", Number: 0, UniqueID: "fake"}
}

func (f *fakeSupply) DriverInfo() DriverInfo {
	return DriverInfo{Name: "Fake Driver", Version: "1.0", InterfaceVersion: 1}
}

func (f *fakeSupply) GetState() []StateProperty {
	return []StateProperty{{Name: "Connected", Value: f.connected}}
}

func (f *fakeSupply) Connected() bool  { return f.connected }
func (f *fakeSupply) Connecting() bool { return false }

func (f *fakeSupply) Connect() error {
	f.connected = true
	return nil
}

func (f *fakeSupply) Disconnect() error {
	if !f.connected {
		return ErrNotConnected
	}
	f.connected = false
	return nil
}

func (f *fakeSupply) HandleSetup(w http.ResponseWriter, r *http.Request) {
	f.setupCalls++
	w.Write([]byte("setup"))
}

func (f *fakeSupply) Status() (PowerSupplyStatus, error) {
	if !f.connected {
		return PowerSupplyStatus{}, ErrNotConnected
	}
	return PowerSupplyStatus{Voltage: scpi.Quantity{Value: 12, Unit: scpi.Volt}, Output: scpi.On}, nil
}

func (f *fakeSupply) Identity() (scpi.Identity, error) {
	return scpi.Identity{Manufacturer: "ITech", Model: "IT6015C-80-450", Serial: "SN123", Version: "v1.2"}, nil
}

func (f *fakeSupply) Properties() []PropertyInfo {
	return []PropertyInfo{{Name: "voltage", Command: "SOURce:VOLTage:LEVel:IMMediate:AMPLitude", Units: scpi.Volt}}
}

func (f *fakeSupply) ReadProperty(name string) (any, error) {
	v, ok := f.props[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownProperty)
	}
	return v, nil
}

func (f *fakeSupply) WriteProperty(name, value string) error {
	if name == "local_voltage" {
		return fmt.Errorf("%s: %w", name, scpi.ErrReadOnly)
	}
	if name == "beeper" {
		return &visa.CommunicationError{Op: "write", Command: "SYSTem:BEEPer " + value, Err: visa.ErrTimeout}
	}
	f.props[name] = value
	return nil
}

func (f *fakeSupply) AmpHours(reset bool) (scpi.Quantity, error) {
	q := scpi.Quantity{Value: f.ampHours, Unit: scpi.AmpHour}
	if reset {
		f.resets++
		f.ampHours = 0
	}
	return q, nil
}

func (f *fakeSupply) WattHours(reset bool) (scpi.Quantity, error) {
	return scpi.Quantity{}, &scpi.ConversionError{Command: "MEASure:WHOur?", Value: "ERR"}
}

func (f *fakeSupply) RemoteSense() (string, error) {
	if f.remoteSense {
		return "1", nil
	}
	return "0", nil
}

func (f *fakeSupply) SetRemoteSense(enabled bool) error {
	f.remoteSense = enabled
	return nil
}

type response struct {
	ClientTransactionID int
	ServerTransactionID int
	ErrorNumber         int
	ErrorMessage        string
	Value               json.RawMessage
}

func newTestServer(dev Device) *httptest.Server {
	server := NewServer(ServerDescription{Name: "Test Server"}, []Device{dev})
	return httptest.NewServer(server.AddRoutes())
}

func get(t *testing.T, srv *httptest.Server, path string) response {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var r response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&r))
	return r
}

func put(t *testing.T, srv *httptest.Server, path string, form url.Values) response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut, srv.URL+path, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var r response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&r))
	return r
}

func TestManagementRoutes(t *testing.T) {
	srv := newTestServer(newFakeSupply())
	defer srv.Close()

	r := get(t, srv, "/management/apiversions")
	assert.JSONEq(t, `[1]`, string(r.Value))

	r = get(t, srv, "/management/v1/description")
	assert.Contains(t, string(r.Value), "Test Server")

	r = get(t, srv, "/management/v1/configureddevices")
	assert.JSONEq(t, `[{"DeviceName":"Fake PSU","DeviceType":"PowerSupply","DeviceNumber":0,"UniqueID":"fake"}]`, string(r.Value))
}

func TestClientTransactionID(t *testing.T) {
	srv := newTestServer(newFakeSupply())
	defer srv.Close()

	r1 := get(t, srv, "/api/v1/powersupply/0/connected?ClientTransactionID=42")
	assert.Equal(t, 42, r1.ClientTransactionID)
	r2 := get(t, srv, "/api/v1/powersupply/0/connected")
	assert.Equal(t, 0, r2.ClientTransactionID)
	assert.Greater(t, r2.ServerTransactionID, r1.ServerTransactionID)

	resp, err := http.Get(srv.URL + "/api/v1/powersupply/0/connected?ClientTransactionID=-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConnectionRoutes(t *testing.T) {
	dev := newFakeSupply()
	srv := newTestServer(dev)
	defer srv.Close()

	r := put(t, srv, "/api/v1/powersupply/0/disconnect", nil)
	assert.Equal(t, ErrorNone, r.ErrorNumber)
	assert.False(t, dev.connected)

	r = put(t, srv, "/api/v1/powersupply/0/disconnect", nil)
	assert.Equal(t, ErrorNotConnected, r.ErrorNumber)

	r = get(t, srv, "/api/v1/powersupply/0/status")
	assert.Equal(t, ErrorNotConnected, r.ErrorNumber)

	r = put(t, srv, "/api/v1/powersupply/0/connect", nil)
	assert.Equal(t, ErrorNone, r.ErrorNumber)
	assert.True(t, dev.connected)

	r = get(t, srv, "/api/v1/powersupply/0/status")
	assert.Equal(t, ErrorNone, r.ErrorNumber)
	assert.Contains(t, string(r.Value), `"Output":"ON"`)
}

func TestPropertyRoutes(t *testing.T) {
	dev := newFakeSupply()
	srv := newTestServer(dev)
	defer srv.Close()

	r := get(t, srv, "/api/v1/powersupply/0/property/voltage")
	assert.JSONEq(t, `"12"`, string(r.Value))

	r = put(t, srv, "/api/v1/powersupply/0/property/voltage", url.Values{"Value": {"24"}})
	assert.Equal(t, ErrorNone, r.ErrorNumber)
	assert.Equal(t, "24", dev.props["voltage"])

	r = put(t, srv, "/api/v1/powersupply/0/property/voltage", nil)
	assert.Equal(t, ErrorInvalidValue, r.ErrorNumber)

	r = put(t, srv, "/api/v1/powersupply/0/property/local_voltage", url.Values{"Value": {"1"}})
	assert.Equal(t, ErrorInvalidValue, r.ErrorNumber)

	r = put(t, srv, "/api/v1/powersupply/0/property/beeper", url.Values{"Value": {"ON"}})
	assert.Equal(t, ErrorDriver, r.ErrorNumber)

	r = get(t, srv, "/api/v1/powersupply/0/property/nope")
	assert.Equal(t, ErrorNotImplemented, r.ErrorNumber)

	r = get(t, srv, "/api/v1/powersupply/0/properties")
	assert.Contains(t, string(r.Value), "SOURce:VOLTage:LEVel:IMMediate:AMPLitude")

	r = get(t, srv, "/api/v1/powersupply/0/identity")
	assert.Contains(t, string(r.Value), `"serial":"SN123"`)
}

func TestAccumulatorRoutes(t *testing.T) {
	dev := newFakeSupply()
	srv := newTestServer(dev)
	defer srv.Close()

	r := get(t, srv, "/api/v1/powersupply/0/amphours?Reset=true")
	assert.JSONEq(t, `{"value":12.5,"unit":"Ah"}`, string(r.Value))
	assert.Equal(t, 0, dev.resets, "GET never resets")

	r = put(t, srv, "/api/v1/powersupply/0/amphours", url.Values{"Reset": {"true"}})
	assert.JSONEq(t, `{"value":12.5,"unit":"Ah"}`, string(r.Value))
	assert.Equal(t, 1, dev.resets)

	r = put(t, srv, "/api/v1/powersupply/0/amphours", url.Values{"Reset": {"maybe"}})
	assert.Equal(t, ErrorInvalidValue, r.ErrorNumber)

	r = get(t, srv, "/api/v1/powersupply/0/watthours")
	assert.Equal(t, ErrorInvalidValue, r.ErrorNumber)
}

func TestRemoteSenseRoutes(t *testing.T) {
	dev := newFakeSupply()
	srv := newTestServer(dev)
	defer srv.Close()

	r := put(t, srv, "/api/v1/powersupply/0/remotesense", url.Values{"State": {"true"}})
	assert.Equal(t, ErrorNone, r.ErrorNumber)
	assert.True(t, dev.remoteSense)

	r = get(t, srv, "/api/v1/powersupply/0/remotesense")
	assert.JSONEq(t, `"1"`, string(r.Value))
}

func TestSetupRoute(t *testing.T) {
	dev := newFakeSupply()
	srv := newTestServer(dev)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/setup/v1/powersupply/0/setup")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 1, dev.setupCalls)
}

func TestMetricsRoute(t *testing.T) {
	srv := newTestServer(newFakeSupply())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDiscoveryResponder(t *testing.T) {
	sock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer sock.Close()

	dr := NewDiscoveryResponder("127.0.0.1", 8090, log.WithField("component", "discovery"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dr.serve(ctx, sock)

	client, err := net.DialUDP("udp", nil, sock.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("itechdiscovery1"))
	require.NoError(t, err)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ApiPort": 8090}`, string(buf[:n]))
}
