package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// ---------- ValidateConfigPath ----------

func TestValidateConfigPath_Valid(t *testing.T) {
	// Create a real configs/ directory so filepath.Abs resolves correctly.
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, "default.yaml")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := ValidateConfigPath(path); err != nil {
		t.Errorf("expected valid path, got error: %v", err)
	}
}

func TestValidateConfigPath_PathTraversal(t *testing.T) {
	cases := []string{
		"../../etc/passwd",
		"configs/../../../etc/shadow",
	}
	for _, path := range cases {
		if err := ValidateConfigPath(path); err == nil {
			t.Errorf("expected error for traversal path %q, got nil", path)
		}
	}
}

func TestValidateConfigPath_WrongExtension(t *testing.T) {
	cases := []string{
		"configs/default.json",
		"configs/default.yml",
		"configs/default.tml",
		"configs/default.txt",
		"configs/default",
	}
	for _, path := range cases {
		if err := ValidateConfigPath(path); err == nil {
			t.Errorf("expected error for extension in %q, got nil", path)
		}
	}
}

func TestValidateConfigPath_NotInConfigsDir(t *testing.T) {
	cases := []string{
		"other/default.yaml",
		"default.yaml",
		"/tmp/default.yaml",
	}
	for _, path := range cases {
		if err := ValidateConfigPath(path); err == nil {
			t.Errorf("expected error for path outside configs/ %q, got nil", path)
		}
	}
}

func TestValidateConfigPath_EmptyPath(t *testing.T) {
	if err := ValidateConfigPath(""); err == nil {
		t.Error("expected error for empty path, got nil")
	}
}

func TestValidateConfigPath_VeryLongPath(t *testing.T) {
	long := "configs/" + strings.Repeat("a", 1000) + ".yaml"
	// Should not panic; error or success is OS-dependent, but must not crash.
	_ = ValidateConfigPath(long)
}

func TestValidateConfigPath_SpecialChars(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name    string
		wantErr bool
	}{
		{"con fig.yaml", false},
		{"café.yaml", false},
		{"observatory.toml", false},
	}
	for _, tc := range cases {
		path := filepath.Join(cfgDir, tc.name)
		err := ValidateConfigPath(path)
		if tc.wantErr && err == nil {
			t.Errorf("expected error for %q, got nil", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("unexpected error for %q: %v", tc.name, err)
		}
	}
}

func TestValidateConfigPath_DoubleTraversal(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	// Try to escape via ../../configs/ok.yaml; filepath.Clean resolves this
	// and the parent must still be "configs".
	path := filepath.Join(cfgDir, "../../configs/ok.yaml")
	err := ValidateConfigPath(path)
	// After Clean the parent may or may not be "configs" depending on resolution.
	// The important thing is it either succeeds with a valid parent or fails.
	_ = err
}

// ---------- Load ----------

// writeConfig creates a temporary configs/ dir holding name with the given content and returns the path.
func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validYAML = `
guide_port:
  type: "gpio"
  name: "st4"
  ra_plus_pin: 17
  ra_minus_pin: 27
  dec_plus_pin: 22
  dec_minus_pin: 23
  active_low: true
camera:
  type: "nikon_d90_gpio"
  directory: "/var/lib/guidego/frames"
  focus_pin: 24
  shutter_pin: 25
optics:
  focal_length_mm: 400
  pixel_size_um: 5.2
  guide_rate: 0.5
calibration:
  range: 2
  settle_ms: 800
tracker:
  type: "phase"
guiding:
  interval_ms: 2000
  gain: 0.7
  max_misses: 3
store:
  path: "/var/lib/guidego/guide.db"
defaults:
  debug_level: 2
  mock_gpio: false
`

const validTOML = `
[guide_port]
type = "sim"

[camera]
type = "sim"
name = "simcam"

[calibration]
grid_seconds = 5.0

[sim]
width = 96
height = 64
noise = 30.0
exposure_ms = 100
ra = { x = 1.0, y = 0.1 }
dec = { x = -0.1, y = 0.9 }
drift = { x = 0.01, y = 0.0 }

[defaults]
mock_gpio = true
`

func TestLoad_ValidFullConfig(t *testing.T) {
	path := writeConfig(t, "test.yaml", validYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Camera.Type != "nikon_d90_gpio" {
		t.Errorf("camera.type = %q, want %q", cfg.Camera.Type, "nikon_d90_gpio")
	}
	if cfg.Camera.Name != "nikon_d90_gpio" {
		t.Errorf("camera.name = %q, want the type as default", cfg.Camera.Name)
	}
	if cfg.GuidePort.RAMinusPin != 27 || !cfg.GuidePort.ActiveLow {
		t.Errorf("guide_port = %+v", cfg.GuidePort)
	}
	if got := cfg.FocalLength(); got != 0.4 {
		t.Errorf("FocalLength() = %v, want 0.4", got)
	}
	if got := cfg.PixelSize(); got < 5.19e-6 || got > 5.21e-6 {
		t.Errorf("PixelSize() = %v, want 5.2e-6", got)
	}
	if cfg.Calibration.Range != 2 {
		t.Errorf("calibration.range = %d, want 2", cfg.Calibration.Range)
	}
	if cfg.Tracker.Type != "phase" {
		t.Errorf("tracker.type = %q, want phase", cfg.Tracker.Type)
	}
	if cfg.Interval() != 2*time.Second {
		t.Errorf("Interval() = %v, want 2s", cfg.Interval())
	}
	if cfg.Settle() != 800*time.Millisecond {
		t.Errorf("Settle() = %v, want 800ms", cfg.Settle())
	}
	if cfg.Guiding.Gain != 0.7 || cfg.Guiding.MaxMisses != 3 {
		t.Errorf("guiding = %+v", cfg.Guiding)
	}
	if cfg.Store.Path != "/var/lib/guidego/guide.db" {
		t.Errorf("store.path = %q", cfg.Store.Path)
	}
	if cfg.Sim != nil {
		t.Error("sim should be nil when absent")
	}
	if cfg.SimExposure() != 0 {
		t.Errorf("SimExposure() = %v, want 0", cfg.SimExposure())
	}
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "sim.toml", validTOML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Camera.Name != "simcam" {
		t.Errorf("camera.name = %q, want simcam", cfg.Camera.Name)
	}
	if cfg.Calibration.GridSeconds != 5 {
		t.Errorf("calibration.grid_seconds = %v, want 5", cfg.Calibration.GridSeconds)
	}
	if cfg.Sim == nil {
		t.Fatal("sim should not be nil")
	}
	if cfg.Sim.Width != 96 || cfg.Sim.RA.X != 1.0 || cfg.Sim.Dec.Y != 0.9 || cfg.Sim.Drift.X != 0.01 {
		t.Errorf("sim = %+v", *cfg.Sim)
	}
	if cfg.SimExposure() != 100*time.Millisecond {
		t.Errorf("SimExposure() = %v, want 100ms", cfg.SimExposure())
	}
	if !cfg.Defaults.MockGPIO {
		t.Error("mock_gpio should be true")
	}
}

func TestLoad_Defaults(t *testing.T) {
	yaml := `
guide_port:
  type: "sim"
camera:
  type: "sim"
calibration:
  grid_seconds: 4
`
	cfg, err := Load(writeConfig(t, "min.yaml", yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	checks := []struct {
		name      string
		got, want interface{}
	}{
		{"guide_rate", cfg.Optics.GuideRate, 0.5},
		{"gain", cfg.Guiding.Gain, 1.0},
		{"interval", cfg.Interval(), time.Second},
		{"max_misses", cfg.Guiding.MaxMisses, 5},
		{"dark_frames", cfg.Guiding.DarkFrames, 10},
		{"range", cfg.Calibration.Range, 1},
		{"settle", cfg.Settle(), 500 * time.Millisecond},
		{"focus_delay", cfg.FocusDelay(), 500 * time.Millisecond},
		{"shutter_delay", cfg.ShutterDelay(), 200 * time.Millisecond},
		{"frame_timeout", cfg.FrameTimeout(), 30 * time.Second},
		{"guide_port.name", cfg.GuidePort.Name, "sim"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoad_IntervalFloor(t *testing.T) {
	yaml := `
guide_port: {type: sim}
camera: {type: sim}
calibration: {grid_seconds: 4}
guiding: {interval_ms: 200}
`
	cfg, err := Load(writeConfig(t, "fast.yaml", yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Interval() != time.Second {
		t.Errorf("Interval() = %v, want the 1s floor", cfg.Interval())
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing_camera_type", "guide_port: {type: sim}\ncalibration: {grid_seconds: 4}\n"},
		{"missing_port_type", "camera: {type: sim}\ncalibration: {grid_seconds: 4}\n"},
		{"no_grid_no_optics", "guide_port: {type: sim}\ncamera: {type: sim}\n"},
		{"focal_only", "guide_port: {type: sim}\ncamera: {type: sim}\noptics: {focal_length_mm: 400}\n"},
		{"negative_focal", "guide_port: {type: sim}\ncamera: {type: sim}\noptics: {focal_length_mm: -1, pixel_size_um: 5}\n"},
		{"guide_rate_over_1", "guide_port: {type: sim}\ncamera: {type: sim}\ncalibration: {grid_seconds: 4}\noptics: {guide_rate: 2}\n"},
		{"gain_over_1", "guide_port: {type: sim}\ncamera: {type: sim}\ncalibration: {grid_seconds: 4}\nguiding: {gain: 1.5}\n"},
		{"percentile_100", "guide_port: {type: sim}\ncamera: {type: sim}\ncalibration: {grid_seconds: 4}\ntracker: {percentile: 100}\n"},
		{"debug_level_5", "guide_port: {type: sim}\ncamera: {type: sim}\ncalibration: {grid_seconds: 4}\ndefaults: {debug_level: 5}\n"},
		{"not_yaml", "guide_port: [unclosed\n"},
		{"pin_off_header", "guide_port: {type: gpio, ra_plus_pin: 40, ra_minus_pin: 27, dec_plus_pin: 22, dec_minus_pin: 23}\ncamera: {type: sim}\ncalibration: {grid_seconds: 4}\n"},
		{"shared_pin", "guide_port: {type: gpio, ra_plus_pin: 17, ra_minus_pin: 27, dec_plus_pin: 22, dec_minus_pin: 23}\ncamera: {type: nikon_d90_gpio, focus_pin: 17, shutter_pin: 25}\ncalibration: {grid_seconds: 4}\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, "bad.yaml", tc.yaml)); err == nil {
				t.Errorf("expected error for %s, got nil", tc.name)
			}
		})
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	if _, err := Load(writeConfig(t, "bad.toml", "[camera\ntype = ")); err == nil {
		t.Error("expected error for malformed toml, got nil")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "configs", "none.yaml")); err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestLoad_ShippedDefault(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "default.yaml"))
	if err != nil {
		t.Fatalf("configs/default.yaml: %v", err)
	}
	if cfg.Camera.Type != "sim" || cfg.GuidePort.Type != "sim" {
		t.Errorf("default config should run on the simulator, got camera=%q port=%q", cfg.Camera.Type, cfg.GuidePort.Type)
	}
	if !strings.HasSuffix(cfg.Store.Path, ".db") {
		t.Errorf("store.path = %q, want a .db file", cfg.Store.Path)
	}
}
