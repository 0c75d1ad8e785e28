package itech

import (
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"itech/pkg/visa"
)

const (
	bucket = "itech"
)

type MQTTConfig struct {
	Enabled   bool   `json:"enabled"`
	Broker    string `json:"broker"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	TopicRoot string `json:"topic_root"`
}

type Config struct {
	Address           string `json:"address"`  // VISA resource string
	Simulate          bool   `json:"simulate"` // use the in-memory instrument
	TimeoutMs         int    `json:"timeout_ms"`
	BaudRate          int    `json:"baud_rate"` // serial resources only
	TelemetryPeriodMs int    `json:"telemetry_period_ms"`

	MQTTConfig `json:"mqtt"`
}

var defaultConfig = Config{
	Address:           "TCPIP0::192.168.0.100::30000::SOCKET",
	TimeoutMs:         2000,
	BaudRate:          9600,
	TelemetryPeriodMs: 5000,
	MQTTConfig: MQTTConfig{
		Broker:    "tcp://localhost:1883",
		TopicRoot: "itech",
	},
}

// Validate checks the configuration before it is stored.
func (c Config) Validate() error {
	if !c.Simulate {
		if _, err := visa.ParseAddress(c.Address); err != nil {
			return err
		}
	}
	if c.TimeoutMs < 0 {
		return fmt.Errorf("invalid timeout: %d", c.TimeoutMs)
	}
	if c.BaudRate <= 0 {
		return fmt.Errorf("invalid baud rate: %d", c.BaudRate)
	}
	if c.MQTTConfig.Enabled {
		if c.Broker == "" {
			return fmt.Errorf("broker cannot be empty")
		}
		if c.TopicRoot == "" {
			return fmt.Errorf("topic root cannot be empty")
		}
		if c.TelemetryPeriodMs <= 0 {
			return fmt.Errorf("invalid telemetry period: %d", c.TelemetryPeriodMs)
		}
	}
	return nil
}

type store struct {
	db        *bolt.DB
	configKey string
}

// NewStore creates a store for power supply number and sets the default
// configuration if none is stored yet.
func NewStore(db *bolt.DB, number int) (*store, error) {
	st := store{
		db:        db,
		configKey: fmt.Sprintf("psu_%d_config", number),
	}

	if err := st.setDefaults(); err != nil {
		return nil, err
	}
	return &st, nil
}

// setDefaults sets the default configuration values if they are not already set in the database.
func (s *store) setDefaults() error {
	if _, err := s.GetConfig(); err != nil {
		log.Infof("Setting default power supply config")
		return s.SetConfig(defaultConfig)
	}

	return nil
}

// SetConfig validates the configuration and saves it as a json string in the database.
func (s *store) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}

		value, _ := json.Marshal(cfg)
		return b.Put([]byte(s.configKey), value)
	})
}

// GetConfig retrieves the power supply configuration from the database.
func (s *store) GetConfig() (Config, error) {
	var cfg Config

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}

		value := b.Get([]byte(s.configKey))
		if value == nil {
			return fmt.Errorf("key %s not found", s.configKey)
		}

		return json.Unmarshal(value, &cfg)
	})

	return cfg, err
}
