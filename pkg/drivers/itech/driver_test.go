package itech

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"itech/pkg/api"
	"itech/pkg/drivers/psu_simulator"
	"itech/pkg/scpi"
	"itech/pkg/visa"
	"itech/templates"
)

func openDB(t *testing.T) *bolt.DB {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "itech.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newSimulatedDriver(t *testing.T) *Driver {
	t.Helper()
	tmpl, err := templates.LoadTemplates()
	require.NoError(t, err)

	d, err := NewDriver(0, openDB(t), tmpl, log.WithField("device", "psu"))
	require.NoError(t, err)

	cfg, err := d.Config()
	require.NoError(t, err)
	cfg.Simulate = true
	require.NoError(t, d.SetConfig(cfg))
	return d
}

func TestStoreDefaults(t *testing.T) {
	db := openDB(t)

	st, err := NewStore(db, 3)
	require.NoError(t, err)

	cfg, err := st.GetConfig()
	require.NoError(t, err)
	assert.Equal(t, defaultConfig, cfg)

	cfg.Address = "ASRL/dev/ttyUSB0::INSTR"
	require.NoError(t, st.SetConfig(cfg))

	// A second store on the same database keeps the saved value.
	st2, err := NewStore(db, 3)
	require.NoError(t, err)
	cfg2, err := st2.GetConfig()
	require.NoError(t, err)
	assert.Equal(t, "ASRL/dev/ttyUSB0::INSTR", cfg2.Address)

	// Other device numbers are independent.
	st3, err := NewStore(db, 4)
	require.NoError(t, err)
	cfg3, err := st3.GetConfig()
	require.NoError(t, err)
	assert.Equal(t, defaultConfig.Address, cfg3.Address)
}

func TestConfigValidate(t *testing.T) {
	cfg := defaultConfig
	assert.NoError(t, cfg.Validate())

	cfg.Address = "not an address"
	assert.True(t, errors.Is(cfg.Validate(), visa.ErrInvalidAddress))

	cfg.Simulate = true
	assert.NoError(t, cfg.Validate(), "simulated supplies need no address")

	cfg = defaultConfig
	cfg.BaudRate = 0
	assert.Error(t, cfg.Validate())

	cfg = defaultConfig
	cfg.MQTTConfig.Enabled = true
	assert.NoError(t, cfg.Validate())
	cfg.TopicRoot = ""
	assert.Error(t, cfg.Validate())
}

func TestDriverNotConnected(t *testing.T) {
	d := newSimulatedDriver(t)

	assert.False(t, d.Connected())
	assert.True(t, errors.Is(d.Disconnect(), ErrNotConnected))

	_, err := d.Status()
	assert.True(t, errors.Is(err, ErrNotConnected))
	_, err = d.ReadProperty("voltage")
	assert.True(t, errors.Is(err, ErrNotConnected))
	_, err = d.AmpHours(false)
	assert.True(t, errors.Is(err, ErrNotConnected))

	props := d.GetState()
	require.Len(t, props, 1)
	assert.Equal(t, "TimeStamp", props[0].Name)
}

func TestDriverSimulated(t *testing.T) {
	d := newSimulatedDriver(t)

	require.NoError(t, d.Connect())
	defer d.Close()
	assert.True(t, d.Connected())
	assert.Error(t, d.Connect(), "already connected")

	id, err := d.Identity()
	require.NoError(t, err)
	assert.Equal(t, "ITech", id.Manufacturer)
	assert.True(t, Supports(id))

	require.NoError(t, d.WriteProperty("voltage", "12.5"))
	require.NoError(t, d.WriteProperty("output", "ON"))

	v, err := d.ReadProperty("voltage")
	require.NoError(t, err)
	assert.Equal(t, scpi.Quantity{Value: 12.5, Unit: scpi.Volt}, v)

	status, err := d.Status()
	require.NoError(t, err)
	assert.Equal(t, scpi.On, status.Output)
	assert.Equal(t, 12.5, status.LocalVoltage.Value)

	assert.True(t, errors.Is(d.WriteProperty("local_voltage", "1"), scpi.ErrReadOnly))
	assert.True(t, errors.Is(d.WriteProperty("nope", "1"), api.ErrUnknownProperty))

	var convErr *scpi.ConversionError
	assert.True(t, errors.As(d.WriteProperty("beeper", "loud"), &convErr))

	require.NoError(t, d.SetRemoteSense(true))
	raw, err := d.RemoteSense()
	require.NoError(t, err)
	assert.Equal(t, "1", raw)

	q, err := d.AmpHours(true)
	require.NoError(t, err)
	assert.Equal(t, scpi.AmpHour, q.Unit)

	q, err = d.WattHours(false)
	require.NoError(t, err)
	assert.Equal(t, scpi.WattHour, q.Unit)

	assert.Len(t, d.GetState(), 6)

	require.NoError(t, d.Disconnect())
	assert.False(t, d.Connected())
	_, err = d.Identity()
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestDriverConnectFailure(t *testing.T) {
	d := newSimulatedDriver(t)
	d.open = func(Config, log.FieldLogger) (channel, error) {
		return nil, &visa.CommunicationError{Op: "open", Command: "TCPIP0::10.0.0.1::30000::SOCKET", Err: visa.ErrTimeout}
	}

	err := d.Connect()
	var commErr *visa.CommunicationError
	assert.True(t, errors.As(err, &commErr))
	assert.False(t, d.Connected())
	assert.False(t, d.Connecting())
}

func TestDriverConcurrentConnect(t *testing.T) {
	d := newSimulatedDriver(t)

	var opens atomic.Int32
	d.open = func(Config, log.FieldLogger) (channel, error) {
		opens.Add(1)
		time.Sleep(50 * time.Millisecond)
		return psu_simulator.New(), nil
	}

	started := make(chan struct{})
	errs := make([]error, 2)

	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-started
			errs[i] = d.Connect()
		}()
	}
	close(started)
	wg.Wait()

	assert.Equal(t, int32(1), opens.Load())
	assert.True(t, d.Connected())

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	assert.Equal(t, 1, failed, "exactly one Connect succeeds")

	require.NoError(t, d.Disconnect())
}

func TestDriverConnectingState(t *testing.T) {
	d := newSimulatedDriver(t)

	opening := make(chan struct{})
	release := make(chan struct{})
	d.open = func(Config, log.FieldLogger) (channel, error) {
		close(opening)
		<-release
		return psu_simulator.New(), nil
	}

	done := make(chan error)
	go func() { done <- d.Connect() }()

	<-opening
	assert.True(t, d.Connecting())
	assert.False(t, d.Connected())
	assert.Len(t, d.GetState(), 1)

	// Disconnect waits for the pending Connect.
	disconnected := make(chan error)
	go func() { disconnected <- d.Disconnect() }()

	close(release)
	require.NoError(t, <-done)
	require.NoError(t, <-disconnected)
	assert.False(t, d.Connected())
}

func TestDriverProperties(t *testing.T) {
	d := newSimulatedDriver(t)

	props := d.Properties()
	require.Len(t, props, 8)
	assert.Equal(t, api.PropertyInfo{
		Name:     "local_voltage",
		Command:  "MEASure:SCALar:LOCAL:VOLTage?",
		ReadOnly: true,
		Units:    scpi.Volt,
	}, props[2])
}

func TestHandleSetup(t *testing.T) {
	d := newSimulatedDriver(t)

	rec := httptest.NewRecorder()
	d.HandleSetup(rec, httptest.NewRequest(http.MethodGet, "/setup", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "TCPIP0::192.168.0.100::30000::SOCKET")

	form := url.Values{
		"address":          {"ASRL/dev/ttyUSB0::INSTR"},
		"timeout":          {"1000"},
		"baud-rate":        {"115200"},
		"telemetry-period": {"1000"},
		"mqtt-broker":      {"tcp://broker:1883"},
		"mqtt-topic-root":  {"lab/psu"},
	}
	req := httptest.NewRequest(http.MethodPost, "/setup", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	d.HandleSetup(rec, req)
	assert.Contains(t, rec.Body.String(), "Configuration saved")

	cfg, err := d.Config()
	require.NoError(t, err)
	assert.Equal(t, "ASRL/dev/ttyUSB0::INSTR", cfg.Address)
	assert.Equal(t, 115200, cfg.BaudRate)
	assert.Equal(t, "lab/psu", cfg.TopicRoot)
	assert.False(t, cfg.Simulate)

	form.Set("address", "GPIB0::5::INSTR")
	req = httptest.NewRequest(http.MethodPost, "/setup", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	d.HandleSetup(rec, req)
	assert.Contains(t, rec.Body.String(), "invalid visa address")

	cfg, err = d.Config()
	require.NoError(t, err)
	assert.Equal(t, "ASRL/dev/ttyUSB0::INSTR", cfg.Address, "invalid config is not stored")

	rec = httptest.NewRecorder()
	d.HandleSetup(rec, httptest.NewRequest(http.MethodDelete, "/setup", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
