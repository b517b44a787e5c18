package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/GuideGo/internal/hw/gpio"
)

// GuidePortConfig describes the four guide lines (ST-4 style).
// Type selects the implementation: "gpio" or "sim".
type GuidePortConfig struct {
	Type        string `yaml:"type" toml:"type"`
	Name        string `yaml:"name" toml:"name"`                   // identifies the port in stored calibrations
	RAPlusPin   int    `yaml:"ra_plus_pin" toml:"ra_plus_pin"`     // BCM numbering
	RAMinusPin  int    `yaml:"ra_minus_pin" toml:"ra_minus_pin"`
	DecPlusPin  int    `yaml:"dec_plus_pin" toml:"dec_plus_pin"`
	DecMinusPin int    `yaml:"dec_minus_pin" toml:"dec_minus_pin"`
	ActiveLow   bool   `yaml:"active_low" toml:"active_low"` // optocoupler boards usually pull low
}

// CameraConfig describes where guide frames come from.
// Type selects the implementation: "sim", "directory" or "nikon_d90_gpio".
type CameraConfig struct {
	Type           string `yaml:"type" toml:"type"`
	Name           string `yaml:"name" toml:"name"`
	CCD            int    `yaml:"ccd" toml:"ccd"`
	Directory      string `yaml:"directory" toml:"directory"`               // frames replayed or written by the camera
	FocusPin       int    `yaml:"focus_pin" toml:"focus_pin"`               // GPIO pin for FOCUS line
	ShutterPin     int    `yaml:"shutter_pin" toml:"shutter_pin"`           // GPIO pin for SHUTTER line
	FocusDelayMs   int    `yaml:"focus_delay_ms" toml:"focus_delay_ms"`     // autofocus delay (ms)
	ShutterDelayMs int    `yaml:"shutter_delay_ms" toml:"shutter_delay_ms"` // shutter hold time (ms)
	TimeoutMs      int    `yaml:"timeout_ms" toml:"timeout_ms"`             // wait for a written frame (ms)
}

// OpticsConfig gives the plate scale of the guide camera.
type OpticsConfig struct {
	FocalLengthMm float64 `yaml:"focal_length_mm" toml:"focal_length_mm"`
	PixelSizeUm   float64 `yaml:"pixel_size_um" toml:"pixel_size_um"`
	GuideRate     float64 `yaml:"guide_rate" toml:"guide_rate"` // fraction of sidereal (default: 0.5)
}

// CalibrationConfig tunes the calibration scan.
type CalibrationConfig struct {
	GridSeconds float64 `yaml:"grid_seconds" toml:"grid_seconds"` // 0 = derived from the optics
	Range       int     `yaml:"range" toml:"range"`               // grid spans [-range, range]
	SettleMs    int     `yaml:"settle_ms" toml:"settle_ms"`
}

// TrackerConfig selects the star tracker.
type TrackerConfig struct {
	Type         string  `yaml:"type" toml:"type"` // "centroid" or "phase"
	SearchRadius int     `yaml:"search_radius" toml:"search_radius"`
	Percentile   float64 `yaml:"percentile" toml:"percentile"`
}

// GuidingConfig tunes the control loop.
type GuidingConfig struct {
	IntervalMs int     `yaml:"interval_ms" toml:"interval_ms"` // at least 1000
	Gain       float64 `yaml:"gain" toml:"gain"`
	MaxMisses  int     `yaml:"max_misses" toml:"max_misses"`
	DarkFrames int     `yaml:"dark_frames" toml:"dark_frames"`
	FlatFrames int     `yaml:"flat_frames" toml:"flat_frames"`
}

// Vec is a 2D vector in configuration files.
type Vec struct {
	X float64 `yaml:"x" toml:"x"`
	Y float64 `yaml:"y" toml:"y"`
}

// SimConfig parameterises the simulated mount and camera.
type SimConfig struct {
	RA         Vec     `yaml:"ra" toml:"ra"`       // px per second of RA pulse
	Dec        Vec     `yaml:"dec" toml:"dec"`     // px per second of DEC pulse
	Drift      Vec     `yaml:"drift" toml:"drift"` // px per second
	Width      int     `yaml:"width" toml:"width"`
	Height     int     `yaml:"height" toml:"height"`
	Background float64 `yaml:"background" toml:"background"`
	Noise      float64 `yaml:"noise" toml:"noise"`
	ExposureMs int     `yaml:"exposure_ms" toml:"exposure_ms"`
}

// StoreConfig locates the SQLite database. An empty path keeps records in
// memory only.
type StoreConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level" toml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio" toml:"mock_gpio"`     // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	GuidePort   GuidePortConfig   `yaml:"guide_port" toml:"guide_port"`
	Camera      CameraConfig      `yaml:"camera" toml:"camera"`
	Optics      OpticsConfig      `yaml:"optics" toml:"optics"`
	Calibration CalibrationConfig `yaml:"calibration" toml:"calibration"`
	Tracker     TrackerConfig     `yaml:"tracker" toml:"tracker"`
	Guiding     GuidingConfig     `yaml:"guiding" toml:"guiding"`
	Sim         *SimConfig        `yaml:"sim,omitempty" toml:"sim,omitempty"` // optional
	Store       StoreConfig       `yaml:"store" toml:"store"`
	Defaults    DefaultsConfig    `yaml:"defaults" toml:"defaults"`
}

// ValidateConfigPath accepts only .yaml or .toml files directly inside a
// directory named "configs", without parent references.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if strings.Contains(filepath.ToSlash(path), "..") {
		return fmt.Errorf("config path %q must not contain '..'", path)
	}
	clean := filepath.Clean(path)
	switch filepath.Ext(clean) {
	case ".yaml", ".toml":
	default:
		return fmt.Errorf("config path %q must end in .yaml or .toml", path)
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML or TOML file, chosen by extension, and returns the
// configuration with defaults applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("decode toml: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal yaml: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Camera.Type == "" {
		return fmt.Errorf("camera.type is required")
	}
	if c.GuidePort.Type == "" {
		return fmt.Errorf("guide_port.type is required")
	}
	if c.Optics.FocalLengthMm < 0 {
		return fmt.Errorf("optics.focal_length_mm must be >= 0, got %.2f", c.Optics.FocalLengthMm)
	}
	if c.Optics.PixelSizeUm < 0 {
		return fmt.Errorf("optics.pixel_size_um must be >= 0, got %.2f", c.Optics.PixelSizeUm)
	}
	if c.Calibration.GridSeconds == 0 && (c.Optics.FocalLengthMm == 0 || c.Optics.PixelSizeUm == 0) {
		return fmt.Errorf("calibration.grid_seconds or optics focal_length_mm and pixel_size_um are required")
	}
	if c.Optics.GuideRate < 0 || c.Optics.GuideRate > 1 {
		return fmt.Errorf("optics.guide_rate must be between 0 and 1, got %.2f", c.Optics.GuideRate)
	}
	if c.Optics.GuideRate == 0 {
		c.Optics.GuideRate = 0.5 // reasonable default
	}
	if c.Tracker.Percentile < 0 || c.Tracker.Percentile >= 100 {
		return fmt.Errorf("tracker.percentile must be between 0 and 100, got %.2f", c.Tracker.Percentile)
	}
	if c.Guiding.Gain < 0 || c.Guiding.Gain > 1 {
		return fmt.Errorf("guiding.gain must be between 0 and 1, got %.2f", c.Guiding.Gain)
	}
	if c.Guiding.Gain == 0 {
		c.Guiding.Gain = 1
	}
	if c.Guiding.IntervalMs < 1000 {
		c.Guiding.IntervalMs = 1000 // corrections are never issued faster than once a second
	}
	if c.Guiding.MaxMisses <= 0 {
		c.Guiding.MaxMisses = 5
	}
	if c.Guiding.DarkFrames <= 0 {
		c.Guiding.DarkFrames = 10
	}
	if c.Guiding.FlatFrames <= 0 {
		c.Guiding.FlatFrames = 10
	}
	if c.Calibration.Range <= 0 {
		c.Calibration.Range = 1
	}
	if c.Calibration.SettleMs <= 0 {
		c.Calibration.SettleMs = 500
	}
	if c.Camera.FocusDelayMs <= 0 {
		c.Camera.FocusDelayMs = 500 // 500ms for autofocus
	}
	if c.Camera.ShutterDelayMs <= 0 {
		c.Camera.ShutterDelayMs = 200 // 200ms shutter hold
	}
	if c.Camera.TimeoutMs <= 0 {
		c.Camera.TimeoutMs = 30000
	}
	if c.Camera.Name == "" {
		c.Camera.Name = c.Camera.Type
	}
	if c.GuidePort.Name == "" {
		c.GuidePort.Name = c.GuidePort.Type
	}
	if err := c.checkPins(); err != nil {
		return err
	}
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	return nil
}

type pinUse struct {
	name string
	pin  int
}

// checkPins verifies that the GPIO lines in use are on the header and
// not shared between two functions.
func (c *Config) checkPins() error {
	var pins []pinUse
	if p := c.GuidePort; p.Type == "gpio" {
		pins = append(pins,
			pinUse{"guide_port.ra_plus_pin", p.RAPlusPin},
			pinUse{"guide_port.ra_minus_pin", p.RAMinusPin},
			pinUse{"guide_port.dec_plus_pin", p.DecPlusPin},
			pinUse{"guide_port.dec_minus_pin", p.DecMinusPin},
		)
	}
	if c.Camera.Type == "nikon_d90_gpio" {
		pins = append(pins,
			pinUse{"camera.focus_pin", c.Camera.FocusPin},
			pinUse{"camera.shutter_pin", c.Camera.ShutterPin},
		)
	}

	used := make(map[int]string, len(pins))
	for _, u := range pins {
		if err := gpio.CheckPin(u.pin); err != nil {
			return fmt.Errorf("%s: %w", u.name, err)
		}
		if other, ok := used[u.pin]; ok {
			return fmt.Errorf("%s and %s both use pin %d", other, u.name, u.pin)
		}
		used[u.pin] = u.name
	}
	return nil
}

// FocalLength returns the focal length in meters.
func (c *Config) FocalLength() float64 {
	return c.Optics.FocalLengthMm / 1000
}

// PixelSize returns the pixel size in meters.
func (c *Config) PixelSize() float64 {
	return c.Optics.PixelSizeUm * 1e-6
}

// Interval returns the control loop interval.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Guiding.IntervalMs) * time.Millisecond
}

// Settle returns the wait after a calibration move.
func (c *Config) Settle() time.Duration {
	return time.Duration(c.Calibration.SettleMs) * time.Millisecond
}

// FocusDelay returns the autofocus delay duration.
func (c *Config) FocusDelay() time.Duration {
	return time.Duration(c.Camera.FocusDelayMs) * time.Millisecond
}

// ShutterDelay returns the shutter hold duration.
func (c *Config) ShutterDelay() time.Duration {
	return time.Duration(c.Camera.ShutterDelayMs) * time.Millisecond
}

// FrameTimeout returns how long to wait for a frame written by the camera.
func (c *Config) FrameTimeout() time.Duration {
	return time.Duration(c.Camera.TimeoutMs) * time.Millisecond
}

// SimExposure returns the exposure time of the simulated camera.
func (c *Config) SimExposure() time.Duration {
	if c.Sim == nil {
		return 0
	}
	return time.Duration(c.Sim.ExposureMs) * time.Millisecond
}
