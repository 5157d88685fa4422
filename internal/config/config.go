// Package config loads the monitor's settings from a JSON or YAML file.
// Every field is optional; the Get* methods supply defaults for anything the
// file leaves out, and command-line flags override both.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	StoreSQLite    = "sqlite"
	StoreFirestore = "firestore"
	StoreMemory    = "memory"
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the root configuration.
type Config struct {
	// Message bus
	Broker    *string `json:"broker,omitempty" yaml:"broker,omitempty"`
	ClientID  *string `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	Username  *string `json:"username,omitempty" yaml:"username,omitempty"`
	Password  *string `json:"password,omitempty" yaml:"password,omitempty"`
	KeepAlive *string `json:"keep_alive,omitempty" yaml:"keep_alive,omitempty"` // duration string like "60s"

	// Camera
	CameraIndex *int `json:"camera_index,omitempty" yaml:"camera_index,omitempty"`
	FrameWidth  *int `json:"frame_width,omitempty" yaml:"frame_width,omitempty"`
	FrameHeight *int `json:"frame_height,omitempty" yaml:"frame_height,omitempty"`

	// Violation recording
	SettleDelay *string `json:"settle_delay,omitempty" yaml:"settle_delay,omitempty"`
	ImageDir    *string `json:"image_dir,omitempty" yaml:"image_dir,omitempty"`
	JPEGQuality *int    `json:"jpeg_quality,omitempty" yaml:"jpeg_quality,omitempty"`

	// Remote store
	Store               *string `json:"store,omitempty" yaml:"store,omitempty"`
	DBPath              *string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
	FirestoreProject    *string `json:"firestore_project,omitempty" yaml:"firestore_project,omitempty"`
	FirestoreCollection *string `json:"firestore_collection,omitempty" yaml:"firestore_collection,omitempty"`
	FirestoreToken      *string `json:"firestore_token,omitempty" yaml:"firestore_token,omitempty"`
	Timezone            *string `json:"timezone,omitempty" yaml:"timezone,omitempty"`

	// Proximity sensor; empty port disables it
	SerialPort     *string `json:"serial_port,omitempty" yaml:"serial_port,omitempty"`
	SerialBaudRate *int    `json:"serial_baud_rate,omitempty" yaml:"serial_baud_rate,omitempty"`

	// Operator surface
	Listen          *string `json:"listen,omitempty" yaml:"listen,omitempty"`
	RefreshInterval *string `json:"refresh_interval,omitempty" yaml:"refresh_interval,omitempty"`
}

// Load reads a Config from a .json, .yaml or .yml file and validates it.
// Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if ext == ".json" {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the values that are set.
func (c *Config) Validate() error {
	for name, v := range map[string]*string{
		"keep_alive":       c.KeepAlive,
		"settle_delay":     c.SettleDelay,
		"refresh_interval": c.RefreshInterval,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *v)
		}
	}

	if c.CameraIndex != nil && *c.CameraIndex < 0 {
		return fmt.Errorf("camera_index must be non-negative, got %d", *c.CameraIndex)
	}
	if c.FrameWidth != nil && *c.FrameWidth < 0 {
		return fmt.Errorf("frame_width must be non-negative, got %d", *c.FrameWidth)
	}
	if c.FrameHeight != nil && *c.FrameHeight < 0 {
		return fmt.Errorf("frame_height must be non-negative, got %d", *c.FrameHeight)
	}
	if c.JPEGQuality != nil && (*c.JPEGQuality < 1 || *c.JPEGQuality > 100) {
		return fmt.Errorf("jpeg_quality must be between 1 and 100, got %d", *c.JPEGQuality)
	}
	if c.SerialBaudRate != nil && *c.SerialBaudRate < 0 {
		return fmt.Errorf("serial_baud_rate must be non-negative, got %d", *c.SerialBaudRate)
	}

	switch c.GetStore() {
	case StoreSQLite, StoreMemory:
	case StoreFirestore:
		if c.GetFirestoreProject() == "" {
			return fmt.Errorf("firestore_project is required when store is %q", StoreFirestore)
		}
	default:
		return fmt.Errorf("unknown store %q: expected %s, %s or %s", c.GetStore(), StoreSQLite, StoreFirestore, StoreMemory)
	}

	if c.Timezone != nil && *c.Timezone != "" {
		if _, err := time.LoadLocation(*c.Timezone); err != nil {
			return fmt.Errorf("invalid timezone '%s': %w", *c.Timezone, err)
		}
	}
	return nil
}

func str(p *string, def string) string {
	if p == nil || *p == "" {
		return def
	}
	return *p
}

func num(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func dur(p *string, def time.Duration) time.Duration {
	if p == nil || *p == "" {
		return def
	}
	d, err := time.ParseDuration(*p)
	if err != nil {
		return def
	}
	return d
}

func (c *Config) GetBroker() string              { return str(c.Broker, "tcp://localhost:1883") }
func (c *Config) GetClientID() string            { return str(c.ClientID, "redlight-monitor") }
func (c *Config) GetUsername() string            { return str(c.Username, "") }
func (c *Config) GetPassword() string            { return str(c.Password, "") }
func (c *Config) GetKeepAlive() time.Duration    { return dur(c.KeepAlive, 60*time.Second) }
func (c *Config) GetCameraIndex() int            { return num(c.CameraIndex, 0) }
func (c *Config) GetFrameWidth() int             { return num(c.FrameWidth, 640) }
func (c *Config) GetFrameHeight() int            { return num(c.FrameHeight, 480) }
func (c *Config) GetSettleDelay() time.Duration  { return dur(c.SettleDelay, 150*time.Millisecond) }
func (c *Config) GetImageDir() string            { return str(c.ImageDir, "violations") }
func (c *Config) GetJPEGQuality() int            { return num(c.JPEGQuality, 90) }
func (c *Config) GetStore() string               { return str(c.Store, StoreSQLite) }
func (c *Config) GetDBPath() string              { return str(c.DBPath, "redlight.db") }
func (c *Config) GetFirestoreProject() string    { return str(c.FirestoreProject, "") }
func (c *Config) GetFirestoreCollection() string { return str(c.FirestoreCollection, "violations") }
func (c *Config) GetFirestoreToken() string      { return str(c.FirestoreToken, "") }
func (c *Config) GetSerialPort() string          { return str(c.SerialPort, "") }
func (c *Config) GetSerialBaudRate() int         { return num(c.SerialBaudRate, 9600) }
func (c *Config) GetListen() string              { return str(c.Listen, ":8080") }
func (c *Config) GetRefreshInterval() time.Duration {
	return dur(c.RefreshInterval, 500*time.Millisecond)
}

// GetLocation returns the zone used for date and time strings sent to the
// remote store.
func (c *Config) GetLocation() *time.Location {
	if c.Timezone == nil || *c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(*c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
