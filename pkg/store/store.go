package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"skyconsole/pkg/alpaca"
)

const (
	bucket        = "skyconsole"
	devicesBucket = "devices"

	mqttConfigKey = "mqtt_config"

	defaultMQTTHost      = "tcp://localhost:1883"
	defaultMQTTTopicRoot = "skyconsole"
)

var ErrNotFound = errors.New("not found")

// MQTTConfig configures the event bridge.
type MQTTConfig struct {
	Enabled   bool
	Host      string
	Username  string
	Password  string
	TopicRoot string
}

// Record is the persisted identity of a device. Runtime state is not kept.
type Record struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Type       alpaca.DeviceType `json:"type"`
	Number     int               `json:"deviceNum"`
	APIBaseURL string            `json:"apiBaseUrl"`
}

type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	st, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return st, nil
}

// New wraps an open database and sets default values that are missing.
func New(db *bolt.DB) (*Store, error) {
	st := Store{db: db}

	if err := st.setDefaults(); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) setDefaults() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		_, err = b.CreateBucketIfNotExists([]byte(devicesBucket))
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create buckets: %w", err)
	}

	if _, err := s.GetMQTTConfig(); err != nil {
		log.Infof("Setting default MQTT config")
		return s.SetMQTTConfig(MQTTConfig{
			Host:      defaultMQTTHost,
			TopicRoot: defaultMQTTTopicRoot,
		})
	}
	return nil
}

// SetMQTTConfig saves the bridge configuration as a json string.
func (s *Store) SetMQTTConfig(cfg MQTTConfig) error {
	if cfg.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if cfg.TopicRoot == "" {
		return fmt.Errorf("topic root cannot be empty")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		value, _ := json.Marshal(cfg)
		return tx.Bucket([]byte(bucket)).Put([]byte(mqttConfigKey), value)
	})
}

// GetMQTTConfig retrieves the bridge configuration.
func (s *Store) GetMQTTConfig() (MQTTConfig, error) {
	var cfg MQTTConfig

	err := s.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket([]byte(bucket)).Get([]byte(mqttConfigKey))
		if value == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, mqttConfigKey)
		}
		return json.Unmarshal(value, &cfg)
	})

	return cfg, err
}

// SaveDevice inserts or replaces a device record.
func (s *Store) SaveDevice(r Record) error {
	if r.ID == "" {
		return fmt.Errorf("device id cannot be empty")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		value, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return devices(tx).Put([]byte(r.ID), value)
	})
}

// DeleteDevice removes a device record.
func (s *Store) DeleteDevice(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := devices(tx)
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return b.Delete([]byte(id))
	})
}

// Devices returns every saved device ordered by id.
func (s *Store) Devices() ([]Record, error) {
	var out []Record

	err := s.db.View(func(tx *bolt.Tx) error {
		return devices(tx).ForEach(func(k, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("device %s: %w", k, err)
			}
			out = append(out, r)
			return nil
		})
	})

	return out, err
}

func devices(tx *bolt.Tx) *bolt.Bucket {
	return tx.Bucket([]byte(bucket)).Bucket([]byte(devicesBucket))
}
