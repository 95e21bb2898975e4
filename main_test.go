package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    *Config
		wantErr bool
	}{
		{
			name: "defaults match the reference pipeline",
			args: []string{"-video", "traffic.mp4", "-tracker", "python track.py"},
			want: func() *Config {
				c := defaultConfig()
				c.Video.Source = "traffic.mp4"
				c.Detector.Tracker = "python track.py"
				return &c
			}(),
		},
		{
			name: "all options",
			args: []string{
				"-video", "rtsp://example.com/cam",
				"-detections", "run.msgpack",
				"-every", "1",
				"-width", "0",
				"-height", "0",
				"-class", "plate",
				"-lang", "eng+ita",
				"-whitelist", "ABCDEFGHJKLMNPRSTVWXYZ0123456789",
				"-confidence", "0.6",
				"-preprocess", "imaging",
				"-mode", "async",
				"-workers", "3",
				"-recognition-timeout", "2s",
				"-max-attempts", "5",
				"-retry-interval", "4",
				"-log-dir", "/tmp/plates",
				"-logfmt", "kv",
				"-headless",
				"-mqtt-broker", "localhost:1883",
				"-mqtt-topic", "lot/plates",
				"-mqtt-qos", "1",
			},
			want: func() *Config {
				c := defaultConfig()
				c.Video = VideoConfig{Source: "rtsp://example.com/cam", Every: 1}
				c.Detector.Detections = "run.msgpack"
				c.Detector.Class = "plate"
				c.Recognition = RecognitionConfig{
					Language:      "eng+ita",
					Whitelist:     "ABCDEFGHJKLMNPRSTVWXYZ0123456789",
					Confidence:    0.6,
					Preprocess:    PreprocessImaging,
					PlateHeight:   defaultPlateHeight,
					Mode:          RecognitionAsync,
					Workers:       3,
					Timeout:       2 * time.Second,
					MaxAttempts:   5,
					RetryInterval: 4,
				}
				c.Audit.Dir = "/tmp/plates"
				c.LogFormat = "kv"
				c.Display.Headless = true
				c.MQTT = MQTTConfig{Broker: "localhost:1883", Topic: "lot/plates", QoS: 1}
				return &c
			}(),
		},
		{
			name:    "missing video",
			args:    []string{"-tracker", "python track.py"},
			wantErr: true,
		},
		{
			name:    "missing detection source",
			args:    []string{"-video", "traffic.mp4"},
			wantErr: true,
		},
		{
			name:    "both detection sources",
			args:    []string{"-video", "traffic.mp4", "-tracker", "track", "-detections", "run.msgpack"},
			wantErr: true,
		},
		{
			name:    "invalid log format",
			args:    []string{"-video", "traffic.mp4", "-tracker", "track", "-logfmt", "invalid"},
			wantErr: true,
		},
		{
			name:    "invalid confidence",
			args:    []string{"-video", "traffic.mp4", "-tracker", "track", "-confidence", "1.5"},
			wantErr: true,
		},
		{
			name:    "invalid every",
			args:    []string{"-video", "traffic.mp4", "-tracker", "track", "-every", "0"},
			wantErr: true,
		},
		{
			name:    "invalid mode",
			args:    []string{"-video", "traffic.mp4", "-tracker", "track", "-mode", "parallel"},
			wantErr: true,
		},
		{
			name:    "invalid preprocess",
			args:    []string{"-video", "traffic.mp4", "-tracker", "track", "-preprocess", "sharpen"},
			wantErr: true,
		},
		{
			name:    "negative max attempts",
			args:    []string{"-video", "traffic.mp4", "-tracker", "track", "-max-attempts", "-1"},
			wantErr: true,
		},
		{
			name:    "invalid mqtt qos",
			args:    []string{"-video", "traffic.mp4", "-tracker", "track", "-mqtt-broker", "localhost:1883", "-mqtt-qos", "3"},
			wantErr: true,
		},
		{
			name:    "only width set",
			args:    []string{"-video", "traffic.mp4", "-tracker", "track", "-width", "640", "-height", "0"},
			wantErr: true,
		},
		{
			name:    "unknown flag",
			args:    []string{"-video", "traffic.mp4", "-tracker", "track", "-word", "x"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Save original args and restore after test
			origArgs := os.Args
			defer func() { os.Args = origArgs }()

			os.Args = append([]string{"test"}, tt.args...)

			got, err := parseFlags()
			if (err != nil) != tt.wantErr {
				t.Errorf("parseFlags() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr {
				return
			}
			if *got != *tt.want {
				t.Errorf("parseFlags() = %+v, want %+v", *got, *tt.want)
			}
		})
	}
}

func TestParseFlagsConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recorder.yaml")
	yaml := `
log_format: kv
video:
  source: lot.mp4
  every: 5
detector:
  tracker: python track.py --model plates.pt
  class: licence_plate
recognition:
  mode: async
  workers: 2
  timeout: 3s
  max_attempts: 10
audit:
  dir: /var/log/plates
display:
  headless: true
  colors:
    recognized: "#ffcc00"
mqtt:
  broker: broker.local:1883
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	origArgs := os.Args
	defer func() { os.Args = origArgs }()

	// -every and -mode on the command line win over the file.
	os.Args = []string{"test", "-config", path, "-every", "2", "-mode", "sync"}

	got, err := parseFlags()
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}

	if got.ConfigPath != path {
		t.Errorf("ConfigPath = %q, want %q", got.ConfigPath, path)
	}
	if got.Video.Source != "lot.mp4" {
		t.Errorf("Video.Source = %q, want lot.mp4", got.Video.Source)
	}
	if got.Video.Every != 2 {
		t.Errorf("Video.Every = %d, want 2 from the flag", got.Video.Every)
	}
	if got.Video.Width != 1020 || got.Video.Height != 600 {
		t.Errorf("frame size = %dx%d, want default 1020x600", got.Video.Width, got.Video.Height)
	}
	if got.Detector.Tracker != "python track.py --model plates.pt" {
		t.Errorf("Detector.Tracker = %q", got.Detector.Tracker)
	}
	if got.Detector.Class != "licence_plate" {
		t.Errorf("Detector.Class = %q, want licence_plate", got.Detector.Class)
	}
	if got.Recognition.Mode != RecognitionSync {
		t.Errorf("Recognition.Mode = %q, want sync from the flag", got.Recognition.Mode)
	}
	if got.Recognition.Workers != 2 {
		t.Errorf("Recognition.Workers = %d, want 2", got.Recognition.Workers)
	}
	if got.Recognition.Timeout != 3*time.Second {
		t.Errorf("Recognition.Timeout = %v, want 3s", got.Recognition.Timeout)
	}
	if got.Recognition.MaxAttempts != 10 {
		t.Errorf("Recognition.MaxAttempts = %d, want 10", got.Recognition.MaxAttempts)
	}
	if got.Recognition.Language != "eng" {
		t.Errorf("Recognition.Language = %q, want default eng", got.Recognition.Language)
	}
	if got.Audit.Dir != "/var/log/plates" {
		t.Errorf("Audit.Dir = %q", got.Audit.Dir)
	}
	if got.LogFormat != "kv" {
		t.Errorf("LogFormat = %q, want kv", got.LogFormat)
	}
	if !got.Display.Headless {
		t.Error("Display.Headless = false, want true")
	}
	if got.MQTT.Broker != "broker.local:1883" || got.MQTT.Topic != "plates/recognized" {
		t.Errorf("MQTT = %+v", got.MQTT)
	}

	palette, err := got.Palette()
	if err != nil {
		t.Fatalf("Palette() error = %v", err)
	}
	if palette.Recognized.R != 0xff || palette.Recognized.G != 0xcc || palette.Recognized.B != 0 {
		t.Errorf("Palette().Recognized = %v, want #ffcc00", palette.Recognized)
	}
	if palette.Pending != DefaultPalette().Pending {
		t.Errorf("Palette().Pending = %v, want default", palette.Pending)
	}
}

func TestParseFlagsConfigFileErrors(t *testing.T) {
	dir := t.TempDir()
	broken := filepath.Join(dir, "broken.yaml")
	if err := os.WriteFile(broken, []byte("video: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	badColor := filepath.Join(dir, "color.yaml")
	if err := os.WriteFile(badColor, []byte("display:\n  colors:\n    box: not-a-colour\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		args []string
	}{
		{"missing file", []string{"-config", filepath.Join(dir, "absent.yaml"), "-video", "a.mp4", "-tracker", "t"}},
		{"invalid yaml", []string{"-config", broken, "-video", "a.mp4", "-tracker", "t"}},
		{"invalid colour", []string{"-config", badColor, "-video", "a.mp4", "-tracker", "t"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			origArgs := os.Args
			defer func() { os.Args = origArgs }()

			os.Args = append([]string{"test"}, tt.args...)
			if _, err := parseFlags(); err == nil {
				t.Error("parseFlags() expected error")
			}
		})
	}
}

func TestSetupLogger(t *testing.T) {
	tests := []struct {
		name   string
		format string
	}{
		{
			name:   "json logger",
			format: "json",
		},
		{
			name:   "kv logger",
			format: "kv",
		},
		{
			name:   "default to json",
			format: "invalid",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := setupLogger(tt.format)
			if logger == nil {
				t.Error("setupLogger() returned nil")
			}
		})
	}
}
