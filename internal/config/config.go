// Package config loads the controller and classifier settings. Values come
// from the built-in defaults, then an optional YAML file, then WASTESORT_*
// environment variables, and are validated before use.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/wastesort/internal/serialmux"
	"github.com/banshee-data/wastesort/internal/waste"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "WASTESORT_"

const (
	HardwareSim    = "sim"
	HardwareSerial = "serial"
)

var logLevels = []string{"debug", "info", "warn", "warning", "error"}

func checkLevel(level string) error {
	if !lo.Contains(logLevels, strings.ToLower(strings.TrimSpace(level))) {
		return fmt.Errorf("log_level %q is not one of %v", level, logLevels)
	}
	return nil
}

// Controller configures the controller node.
type Controller struct {
	LogLevel         string                `yaml:"log_level" env:"LOG_LEVEL"`
	Listen           string                `yaml:"listen" env:"LISTEN"`
	HTTPListen       string                `yaml:"http_listen" env:"HTTP_LISTEN"`
	Hardware         string                `yaml:"hardware" env:"HARDWARE"`
	Serial           serialmux.PortOptions `yaml:"serial" envPrefix:"SERIAL_"`
	Bins             []string              `yaml:"bins" env:"BINS" envSeparator:","`
	AutoCloseDelay   time.Duration         `yaml:"auto_close_delay" env:"AUTO_CLOSE_DELAY"`
	HandshakeTimeout time.Duration         `yaml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT"`
	SampleInterval   time.Duration         `yaml:"sample_interval" env:"SAMPLE_INTERVAL"`
	SensorTimeout    time.Duration         `yaml:"sensor_timeout" env:"SENSOR_TIMEOUT"`
	BinHeightCm      map[string]float64    `yaml:"bin_height_cm" env:"BIN_HEIGHT_CM"`
	// DBPath is the SQLite event log. Empty disables it.
	DBPath string `yaml:"db_path" env:"DB_PATH"`
}

// DefaultController returns the reference controller settings.
func DefaultController() *Controller {
	return &Controller{
		LogLevel:         "info",
		Listen:           ":65432",
		HTTPListen:       ":8080",
		Hardware:         HardwareSim,
		Bins:             []string{string(waste.BinOrganic), string(waste.BinInorganic), string(waste.BinHazardous)},
		AutoCloseDelay:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		SampleInterval:   1200 * time.Millisecond,
		SensorTimeout:    30 * time.Millisecond,
	}
}

// Validate reports every configuration error at once.
func (c *Controller) Validate() error {
	var errs []error
	if err := checkLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Listen == "" {
		errs = append(errs, errors.New("listen must not be empty"))
	}
	switch c.Hardware {
	case HardwareSim:
	case HardwareSerial:
		opts, err := c.Serial.Normalize()
		if err != nil {
			errs = append(errs, fmt.Errorf("serial: %w", err))
		} else if opts.Path == "" {
			errs = append(errs, errors.New("serial.path is required when hardware is serial"))
		}
	default:
		errs = append(errs, fmt.Errorf("hardware must be %q or %q, got %q", HardwareSim, HardwareSerial, c.Hardware))
	}

	seen := make(map[waste.BinID]bool)
	for _, raw := range c.Bins {
		bin, err := waste.ParseBin(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("bins: %w", err))
			continue
		}
		if seen[bin] {
			errs = append(errs, fmt.Errorf("bins: %q listed twice", bin))
		}
		seen[bin] = true
	}
	for raw, cm := range c.BinHeightCm {
		if _, err := waste.ParseBin(raw); err != nil {
			errs = append(errs, fmt.Errorf("bin_height_cm: %w", err))
		}
		if cm <= 0 {
			errs = append(errs, fmt.Errorf("bin_height_cm %s must be positive", raw))
		}
	}

	for name, d := range map[string]time.Duration{
		"auto_close_delay":  c.AutoCloseDelay,
		"handshake_timeout": c.HandshakeTimeout,
		"sample_interval":   c.SampleInterval,
		"sensor_timeout":    c.SensorTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	return errors.Join(errs...)
}

// BinHeights returns the per-bin calibration keyed by bin id.
func (c *Controller) BinHeights() map[waste.BinID]float64 {
	out := make(map[waste.BinID]float64, len(c.BinHeightCm))
	for raw, cm := range c.BinHeightCm {
		if bin, err := waste.ParseBin(raw); err == nil {
			out[bin] = cm
		}
	}
	return out
}

// Classifier configures the classifier node.
type Classifier struct {
	LogLevel         string        `yaml:"log_level" env:"LOG_LEVEL"`
	ControllerAddr   string        `yaml:"controller_addr" env:"CONTROLLER_ADDR"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT"`
	WriteTimeout     time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	DebounceWindow   time.Duration `yaml:"debounce_window" env:"DEBOUNCE_WINDOW"`
	FrameInterval    time.Duration `yaml:"frame_interval" env:"FRAME_INTERVAL"`
	// CategoryTable overrides the built-in label table when set.
	CategoryTable string `yaml:"category_table" env:"CATEGORY_TABLE"`
	DetectorURL   string `yaml:"detector_url" env:"DETECTOR_URL"`
	FramesDir     string `yaml:"frames_dir" env:"FRAMES_DIR"`
	// ReplayPath selects replay mode: recorded detections instead of a
	// camera and detector.
	ReplayPath string `yaml:"replay_path" env:"REPLAY_PATH"`
}

func DefaultClassifier() *Classifier {
	return &Classifier{
		LogLevel:         "info",
		ControllerAddr:   "192.168.137.33:65432",
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     2 * time.Second,
		DebounceWindow:   3 * time.Second,
		FrameInterval:    10 * time.Millisecond,
	}
}

func (c *Classifier) Validate() error {
	var errs []error
	if err := checkLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := net.SplitHostPort(c.ControllerAddr); err != nil {
		errs = append(errs, fmt.Errorf("controller_addr: %w", err))
	}
	if c.ReplayPath == "" {
		if c.DetectorURL == "" {
			errs = append(errs, errors.New("detector_url is required unless replay_path is set"))
		}
		if c.FramesDir == "" {
			errs = append(errs, errors.New("frames_dir is required unless replay_path is set"))
		}
	}
	for name, d := range map[string]time.Duration{
		"connect_timeout":   c.ConnectTimeout,
		"handshake_timeout": c.HandshakeTimeout,
		"write_timeout":     c.WriteTimeout,
		"debounce_window":   c.DebounceWindow,
		"frame_interval":    c.FrameInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	return errors.Join(errs...)
}

// File is the on-disk layout: one section per node so both can share a file.
type File struct {
	Controller *Controller `yaml:"controller"`
	Classifier *Classifier `yaml:"classifier"`
}

// ReadController merges the defaults, the controller section of the file at
// path (which may be empty) and the environment without validating, so the
// caller can apply flag overrides first.
func ReadController(path string) (*Controller, error) {
	cfg := DefaultController()
	if err := load(path, &File{Controller: cfg}, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadController is ReadController followed by Validate.
func LoadController(path string) (*Controller, error) {
	cfg, err := ReadController(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid controller config: %w", err)
	}
	return cfg, nil
}

func ReadClassifier(path string) (*Classifier, error) {
	cfg := DefaultClassifier()
	if err := load(path, &File{Classifier: cfg}, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadClassifier(path string) (*Classifier, error) {
	cfg, err := ReadClassifier(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid classifier config: %w", err)
	}
	return cfg, nil
}

func load(path string, file *File, node any) error {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(file); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(node, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	return nil
}
