package main

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration. Values come from defaults,
// then the optional YAML file, then flags given on the command line.
type Config struct {
	ConfigPath string `yaml:"-"`
	LogFormat  string `yaml:"log_format"`

	Video       VideoConfig       `yaml:"video"`
	Detector    DetectorConfig    `yaml:"detector"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Audit       AuditConfig       `yaml:"audit"`
	Display     DisplayConfig     `yaml:"display"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
}

// VideoConfig contains capture settings.
type VideoConfig struct {
	Source string `yaml:"source"`
	Every  int    `yaml:"every"`
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
}

// DetectorConfig selects where tracked detections come from.
type DetectorConfig struct {
	Tracker    string        `yaml:"tracker"`    // command line of the tracker process
	Detections string        `yaml:"detections"` // recorded responses file
	Class      string        `yaml:"class"`
	Timeout    time.Duration `yaml:"timeout"`
}

// RecognitionConfig contains OCR and retry settings.
type RecognitionConfig struct {
	Language      string        `yaml:"language"`
	Whitelist     string        `yaml:"whitelist"`
	Confidence    float64       `yaml:"confidence"`
	Preprocess    string        `yaml:"preprocess"`
	PlateHeight   int           `yaml:"plate_height"`
	Mode          string        `yaml:"mode"`
	Workers       int           `yaml:"workers"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxAttempts   int           `yaml:"max_attempts"`
	RetryInterval int64         `yaml:"retry_interval"` // raw stream frames
}

// AuditConfig contains audit log settings.
type AuditConfig struct {
	Dir string `yaml:"dir"`
}

// DisplayConfig contains window and overlay settings.
type DisplayConfig struct {
	Headless bool         `yaml:"headless"`
	Colors   ColorsConfig `yaml:"colors"`
}

// ColorsConfig holds overlay colours as hex strings. Empty keeps the default.
type ColorsConfig struct {
	Box        string `yaml:"box"`
	ClassLabel string `yaml:"class_label"`
	Pending    string `yaml:"pending"`
	Recognized string `yaml:"recognized"`
}

// MQTTConfig contains plate event publisher settings. Publishing is off
// when Broker is empty.
type MQTTConfig struct {
	Broker string `yaml:"broker"`
	Topic  string `yaml:"topic"`
	QoS    int    `yaml:"qos"`
}

// defaultConfig returns the built-in defaults.
func defaultConfig() Config {
	return Config{
		LogFormat: "json",
		Video: VideoConfig{
			Every:  3,
			Width:  1020,
			Height: 600,
		},
		Detector: DetectorConfig{
			Class:   "numberplate",
			Timeout: 10 * time.Second,
		},
		Recognition: RecognitionConfig{
			Language:    "eng",
			Preprocess:  PreprocessGoCV,
			PlateHeight: defaultPlateHeight,
			Mode:        RecognitionSync,
			Timeout:     5 * time.Second,
		},
		Audit: AuditConfig{Dir: "."},
		MQTT:  MQTTConfig{Topic: "plates/recognized"},
	}
}

// loadConfigFile decodes the YAML file at path over cfg. Keys missing from
// the file keep their current values.
func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// Validate checks the configuration and fills derived defaults.
func (c *Config) Validate() error {
	if c.Video.Source == "" {
		return errors.New("video flag is required")
	}
	if c.Video.Every < 1 {
		return errors.New("every must be at least 1")
	}
	if c.Video.Width < 0 || c.Video.Height < 0 {
		return errors.New("width and height must not be negative")
	}
	if (c.Video.Width == 0) != (c.Video.Height == 0) {
		return errors.New("width and height must both be set or both be 0")
	}

	hasTracker := strings.TrimSpace(c.Detector.Tracker) != ""
	hasReplay := c.Detector.Detections != ""
	if hasTracker == hasReplay {
		return errors.New("exactly one of tracker or detections is required")
	}
	if strings.TrimSpace(c.Detector.Class) == "" {
		return errors.New("class must not be empty")
	}

	if c.LogFormat != "json" && c.LogFormat != "kv" {
		return fmt.Errorf("logfmt must be 'json' or 'kv'")
	}

	r := &c.Recognition
	if r.Confidence < 0.0 || r.Confidence > 1.0 {
		return fmt.Errorf("confidence must be between 0.0 and 1.0")
	}
	if r.Preprocess != PreprocessGoCV && r.Preprocess != PreprocessImaging {
		return fmt.Errorf("preprocess must be '%s' or '%s'", PreprocessGoCV, PreprocessImaging)
	}
	if r.Mode != RecognitionSync && r.Mode != RecognitionAsync {
		return fmt.Errorf("mode must be '%s' or '%s'", RecognitionSync, RecognitionAsync)
	}
	if r.MaxAttempts < 0 {
		return errors.New("max-attempts must not be negative")
	}
	if r.RetryInterval < 0 {
		return errors.New("retry-interval must not be negative")
	}
	if r.Workers < 0 {
		return errors.New("workers must not be negative")
	}
	if r.Timeout < 0 {
		return errors.New("recognition-timeout must not be negative")
	}
	if r.PlateHeight <= 0 {
		r.PlateHeight = defaultPlateHeight
	}

	if c.MQTT.Broker != "" {
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt-qos must be 0, 1 or 2")
		}
		if c.MQTT.Topic == "" {
			return errors.New("mqtt-topic is required when mqtt-broker is set")
		}
	}

	if _, err := c.Palette(); err != nil {
		return err
	}
	return nil
}

// FrameSize returns the processing resolution.
func (c *Config) FrameSize() image.Point {
	return image.Pt(c.Video.Width, c.Video.Height)
}

// Palette returns the overlay colours with configured overrides applied.
func (c *Config) Palette() (Palette, error) {
	p := DefaultPalette()
	for _, o := range []struct {
		name string
		hex  string
		dst  *color.RGBA
	}{
		{"box", c.Display.Colors.Box, &p.Box},
		{"class_label", c.Display.Colors.ClassLabel, &p.ClassLabel},
		{"pending", c.Display.Colors.Pending, &p.Pending},
		{"recognized", c.Display.Colors.Recognized, &p.Recognized},
	} {
		if o.hex == "" {
			continue
		}
		col, err := ParseColor(o.hex)
		if err != nil {
			return Palette{}, fmt.Errorf("display.colors.%s: %w", o.name, err)
		}
		*o.dst = col
	}
	return p, nil
}
