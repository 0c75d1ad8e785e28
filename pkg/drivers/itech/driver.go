package itech

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"itech/pkg/api"
	"itech/pkg/drivers/psu_simulator"
	"itech/pkg/scpi"
	"itech/pkg/visa"
	"itech/templates"
)

const (
	deviceName    = "iTech IT6000C"
	deviceType    = "PowerSupply"
	driverName    = "iTech IT6000C Driver"
	driverVersion = "1.0"
)

var ErrNotConnected = api.ErrNotConnected

type connState int

const (
	connStateDisconnected connState = iota
	connStateConnecting
	connStateConnected
)

// channel is an open link to an instrument that can be released.
type channel interface {
	visa.Channel
	Close() error
}

// openChannel opens the resource named by cfg, or a simulator.
func openChannel(cfg Config, logger log.FieldLogger) (channel, error) {
	if cfg.Simulate {
		return psu_simulator.New(psu_simulator.WithLogger(logger)), nil
	}
	return visa.Open(cfg.Address,
		visa.WithLogger(logger),
		visa.WithTimeout(time.Duration(cfg.TimeoutMs)*time.Millisecond),
		visa.WithBaudRate(cfg.BaudRate),
	)
}

// createMQTTClient connects to the broker named in the configuration.
func createMQTTClient(number int, cfg MQTTConfig) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.SetClientID(fmt.Sprintf("itech-psu-%d", number))
	opts.AddBroker(cfg.Broker)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)

	mqttClient := mqtt.NewClient(opts)
	if token := mqttClient.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %v", token.Error())
	}
	return mqttClient, nil
}

// Driver manages the connection to one IT6000C and serialises access to it.
type Driver struct {
	number int                // Driver number
	store  *store             // Configuration store
	tmpl   *template.Template // HTML template for rendering the setup form
	state  atomic.Int32       // Connection state, changed only under lifecycle
	logger log.FieldLogger

	open func(Config, log.FieldLogger) (channel, error)

	lifecycle sync.Mutex // Held for all of Connect and Disconnect

	// Created when the driver is connected
	mu     sync.Mutex         // Guards psu and ch
	ch     channel            // Open instrument channel
	psu    *IT6000C           // Instrument facade
	client mqtt.Client        // MQTT client, nil when telemetry is disabled
	cancel context.CancelFunc // Stops telemetry
	done   chan struct{}      // Closed when telemetry has stopped
}

func NewDriver(number int, db *bolt.DB, tmpl *template.Template, logger log.FieldLogger) (*Driver, error) {
	store, err := NewStore(db, number)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %v", err)
	}

	driver := Driver{
		number: number,
		tmpl:   tmpl,
		store:  store,
		logger: logger,
		open:   openChannel,
	}

	return &driver, nil
}

// Config returns the stored configuration.
func (d *Driver) Config() (Config, error) {
	return d.store.GetConfig()
}

// SetConfig validates and stores cfg. It takes effect on the next Connect.
func (d *Driver) SetConfig(cfg Config) error {
	return d.store.SetConfig(cfg)
}

func (d *Driver) getState() connState {
	return connState(d.state.Load())
}

func (d *Driver) setState(s connState) {
	d.state.Store(int32(s))
}

func (d *Driver) Close() {
	d.logger.Info("Closing power supply driver")

	if err := d.Disconnect(); err != nil && !errors.Is(err, ErrNotConnected) {
		d.logger.Errorf("failed to disconnect: %v", err)
	}
}

func (d *Driver) Connect() error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	config, err := d.store.GetConfig()
	if err != nil {
		return fmt.Errorf("failed to get power supply config: %v", err)
	}

	if d.getState() != connStateDisconnected {
		return fmt.Errorf("driver is already connected")
	}

	d.setState(connStateConnecting)

	ch, err := d.open(config, d.logger)
	if err != nil {
		d.setState(connStateDisconnected)
		return fmt.Errorf("failed to open %s: %w", config.Address, err)
	}

	psu := New(ch)
	id, err := psu.Identity()
	if err != nil {
		ch.Close()
		d.setState(connStateDisconnected)
		return fmt.Errorf("failed to identify power supply: %w", err)
	}
	d.logger.Infof("Connected to %s %s (serial %s, firmware %s)", id.Manufacturer, id.Model, id.Serial, id.Version)
	if !Supports(id) {
		d.logger.Warnf("Unsupported model %s %s, continuing anyway", id.Manufacturer, id.Model)
	}

	d.mu.Lock()
	d.ch = ch
	d.psu = psu
	d.mu.Unlock()

	if config.MQTTConfig.Enabled {
		client, err := createMQTTClient(d.number, config.MQTTConfig)
		if err != nil {
			d.closeChannel()
			d.setState(connStateDisconnected)
			return fmt.Errorf("failed to create MQTT client: %v", err)
		}
		d.client = client

		ctx, cancel := context.WithCancel(context.Background())
		d.cancel = cancel
		d.done = make(chan struct{})

		telemetry := NewTelemetry(client, d, config, d.logger)
		go func() {
			defer close(d.done)
			telemetry.Run(ctx)
		}()
	}

	d.setState(connStateConnected)
	return nil
}

func (d *Driver) Disconnect() error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	if d.getState() != connStateConnected {
		return ErrNotConnected
	}

	if d.cancel != nil {
		d.cancel()
		<-d.done
		d.cancel = nil
	}
	if d.client != nil {
		d.client.Disconnect(100)
		d.client = nil
		d.logger.Info("Disconnected from MQTT broker")
	}

	d.closeChannel()
	d.setState(connStateDisconnected)
	d.logger.Info("Disconnected from power supply")
	return nil
}

func (d *Driver) closeChannel() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ch != nil {
		if err := d.ch.Close(); err != nil {
			d.logger.Errorf("failed to close channel: %v", err)
		}
	}
	d.ch = nil
	d.psu = nil
}

// Do runs fn with exclusive use of the instrument.
func (d *Driver) Do(fn func(psu *IT6000C) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.psu == nil {
		return ErrNotConnected
	}
	return fn(d.psu)
}

func (d *Driver) Connecting() bool {
	return d.getState() == connStateConnecting
}

func (d *Driver) Connected() bool {
	return d.getState() == connStateConnected
}

func (d *Driver) GetState() []api.StateProperty {
	props := []api.StateProperty{
		{
			Name:  "TimeStamp",
			Value: time.Now().Format(time.RFC3339),
		},
	}

	if d.Connected() {
		status, err := d.Status()
		if err != nil {
			d.logger.Warnf("Failed to read status: %v", err)
			return props
		}
		props = append(props, status.ToProperties()...)
	}

	return props
}

func (d *Driver) Status() (api.PowerSupplyStatus, error) {
	var r Readings
	err := d.Do(func(psu *IT6000C) (err error) {
		r, err = psu.Readings()
		return err
	})
	if err != nil {
		return api.PowerSupplyStatus{}, err
	}

	return api.PowerSupplyStatus{
		Voltage:       r.Voltage,
		Current:       r.Current,
		LocalVoltage:  r.LocalVoltage,
		RemoteVoltage: r.RemoteVoltage,
		Output:        r.Output,
	}, nil
}

func (d *Driver) Identity() (id scpi.Identity, err error) {
	err = d.Do(func(psu *IT6000C) error {
		id, err = psu.Identity()
		return err
	})
	return id, err
}

func (d *Driver) Properties() []api.PropertyInfo {
	props := facets.Properties()
	info := make([]api.PropertyInfo, 0, len(props))
	for _, p := range props {
		info = append(info, api.PropertyInfo{
			Name:     p.Name(),
			Command:  p.Command(),
			ReadOnly: p.ReadOnly(),
			Units:    p.Units(),
		})
	}
	return info
}

func (d *Driver) ReadProperty(name string) (value any, err error) {
	prop, ok := facets.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, api.ErrUnknownProperty)
	}

	err = d.Do(func(psu *IT6000C) error {
		value, err = prop.Read(psu.Channel())
		return err
	})
	return value, err
}

func (d *Driver) WriteProperty(name, value string) error {
	prop, ok := facets.Lookup(name)
	if !ok {
		return fmt.Errorf("%s: %w", name, api.ErrUnknownProperty)
	}

	d.logger.Infof("Setting %s to %s", name, value)
	return d.Do(func(psu *IT6000C) error {
		return prop.WriteString(psu.Channel(), value)
	})
}

func (d *Driver) AmpHours(reset bool) (q scpi.Quantity, err error) {
	err = d.Do(func(psu *IT6000C) error {
		q, err = psu.AmpHours(reset)
		return err
	})
	return q, err
}

func (d *Driver) WattHours(reset bool) (q scpi.Quantity, err error) {
	err = d.Do(func(psu *IT6000C) error {
		q, err = psu.WattHours(reset)
		return err
	})
	return q, err
}

func (d *Driver) RemoteSense() (raw string, err error) {
	err = d.Do(func(psu *IT6000C) error {
		raw, err = psu.RemoteSense()
		return err
	})
	return raw, err
}

func (d *Driver) SetRemoteSense(enabled bool) error {
	return d.Do(func(psu *IT6000C) error {
		return psu.SetRemoteSense(enabled)
	})
}

func (d *Driver) DeviceInfo() api.DeviceInfo {
	return api.DeviceInfo{
		Name:        deviceName,
		Description: "iTech IT6000C series DC power supply",
		Type:        deviceType,
		Number:      d.number,
		UniqueID:    fmt.Sprintf("itech-it6000c-%d", d.number),
	}
}

func (d *Driver) DriverInfo() api.DriverInfo {
	return api.DriverInfo{
		Name:             driverName,
		Version:          driverVersion,
		InterfaceVersion: 1,
	}
}

func (d *Driver) HandleSetup(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cfg, err := d.store.GetConfig()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		d.renderSetupForm(w, cfg, false, "")

	case http.MethodPost:
		cfg, err := parseSetupForm(r)
		if err != nil {
			d.renderSetupForm(w, cfg, false, err.Error())
			return
		}

		d.logger.Infof("Setting power supply config: address=%s simulate=%v mqtt=%v", cfg.Address, cfg.Simulate, cfg.MQTTConfig.Enabled)
		if err := d.store.SetConfig(cfg); err != nil {
			d.renderSetupForm(w, cfg, false, err.Error())
			return
		}

		d.renderSetupForm(w, cfg, true, "")

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (d *Driver) renderSetupForm(w http.ResponseWriter, cfg Config, success bool, err string) {
	data := struct {
		Config
		Success bool
		Error   string
	}{cfg, success, err}

	if err := d.tmpl.ExecuteTemplate(w, templates.PowerSupplySetup, data); err != nil {
		http.Error(w, "Error rendering template", http.StatusInternalServerError)
		d.logger.Errorf("Error rendering template: %v", err)
	}
}

func parseSetupForm(r *http.Request) (Config, error) {
	if err := r.ParseForm(); err != nil {
		return Config{}, fmt.Errorf("error parsing form: %v", err)
	}

	cfg := defaultConfig
	cfg.Address = r.FormValue("address")
	cfg.Simulate = r.FormValue("simulate") == "true"
	cfg.Broker = r.FormValue("mqtt-broker")
	cfg.Username = r.FormValue("mqtt-username")
	cfg.Password = r.FormValue("mqtt-password")
	cfg.TopicRoot = r.FormValue("mqtt-topic-root")
	cfg.MQTTConfig.Enabled = r.FormValue("mqtt-enabled") == "true"

	var err error
	if cfg.TimeoutMs, err = strconv.Atoi(r.FormValue("timeout")); err != nil {
		return cfg, fmt.Errorf("invalid timeout: %v", err)
	}
	if cfg.BaudRate, err = strconv.Atoi(r.FormValue("baud-rate")); err != nil {
		return cfg, fmt.Errorf("invalid baud rate: %v", err)
	}
	if cfg.TelemetryPeriodMs, err = strconv.Atoi(r.FormValue("telemetry-period")); err != nil {
		return cfg, fmt.Errorf("invalid telemetry period: %v", err)
	}

	return cfg, nil
}
