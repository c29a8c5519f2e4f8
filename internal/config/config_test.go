package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/wastesort/internal/waste"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wastesort.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadController_Defaults(t *testing.T) {
	cfg, err := LoadController("")
	require.NoError(t, err)

	assert.Equal(t, ":65432", cfg.Listen)
	assert.Equal(t, HardwareSim, cfg.Hardware)
	assert.Equal(t, []string{"organik", "anorganik", "b3"}, cfg.Bins)
	assert.Equal(t, 5*time.Second, cfg.AutoCloseDelay)
	assert.Equal(t, 1200*time.Millisecond, cfg.SampleInterval)
	assert.Equal(t, 30*time.Millisecond, cfg.SensorTimeout)
	assert.Empty(t, cfg.DBPath)
}

func TestLoadController_FileThenEnv(t *testing.T) {
	path := writeConfig(t, `
controller:
  listen: ":7000"
  hardware: serial
  serial:
    path: /dev/ttyUSB0
  auto_close_delay: 3s
  bin_height_cm:
    b3: 40
classifier:
  controller_addr: "10.0.0.2:65432"
`)
	t.Setenv("WASTESORT_LISTEN", ":7001")
	t.Setenv("WASTESORT_SERIAL_BAUD_RATE", "9600")

	cfg, err := LoadController(path)
	require.NoError(t, err)

	assert.Equal(t, ":7001", cfg.Listen, "environment wins over the file")
	assert.Equal(t, HardwareSerial, cfg.Hardware)
	assert.Equal(t, "/dev/ttyUSB0", cfg.Serial.Path)
	assert.Equal(t, 9600, cfg.Serial.BaudRate)
	assert.Equal(t, 3*time.Second, cfg.AutoCloseDelay)
	assert.Equal(t, 5*time.Second, cfg.HandshakeTimeout, "unset keys keep defaults")
	assert.Equal(t, map[waste.BinID]float64{waste.BinHazardous: 40}, cfg.BinHeights())
}

func TestLoadController_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown bin", "controller:\n  bins: [organik, kaca]\n", "unknown bin"},
		{"duplicate bin", "controller:\n  bins: [b3, b3]\n", "listed twice"},
		{"hardware", "controller:\n  hardware: gpio\n", "hardware must be"},
		{"serial without path", "controller:\n  hardware: serial\n", "serial.path"},
		{"negative delay", "controller:\n  auto_close_delay: -1s\n", "auto_close_delay"},
		{"bad height", "controller:\n  bin_height_cm:\n    organik: 0\n", "bin_height_cm"},
		{"log level", "controller:\n  log_level: loud\n", "log_level"},
		{"unknown key", "controller:\n  lisen: \":1\"\n", "lisen"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadController(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadController_MissingFile(t *testing.T) {
	_, err := LoadController(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadClassifier(t *testing.T) {
	path := writeConfig(t, `
classifier:
  controller_addr: "127.0.0.1:65432"
  replay_path: replay.txt
  debounce_window: 2s
`)
	t.Setenv("WASTESORT_FRAME_INTERVAL", "50ms")

	cfg, err := LoadClassifier(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:65432", cfg.ControllerAddr)
	assert.Equal(t, "replay.txt", cfg.ReplayPath)
	assert.Equal(t, 2*time.Second, cfg.DebounceWindow)
	assert.Equal(t, 50*time.Millisecond, cfg.FrameInterval)
	assert.Equal(t, 2*time.Second, cfg.WriteTimeout)
}

func TestLoadClassifier_Invalid(t *testing.T) {
	_, err := LoadClassifier(writeConfig(t, "classifier:\n  controller_addr: nohost\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "controller_addr")
	assert.Contains(t, err.Error(), "detector_url is required")
	assert.Contains(t, err.Error(), "frames_dir is required")
}

func TestExampleConfigLoads(t *testing.T) {
	path := filepath.Join("..", "..", "config", "wastesort.example.yaml")

	ctrl, err := LoadController(path)
	require.NoError(t, err)
	assert.Equal(t, "wastesort.db", ctrl.DBPath)

	cls, err := LoadClassifier(path)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8000", cls.DetectorURL)
}
