package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/CaptureBridge/internal/encoder"
	"github.com/bryanchriswhite/CaptureBridge/internal/logger"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// ErrUnknownKey is returned for configuration keys that do not exist
var ErrUnknownKey = errors.New("configuration key not found")

// Capture backends
const (
	BackendAuto     = "auto"
	BackendX11      = "x11"
	BackendScreen   = "screen"
	BackendPipeWire = "pipewire"
)

// Grant policies
const (
	GrantSingleUse = "single-use"
	GrantReusable  = "reusable"
)

// Config represents the application configuration
type Config struct {
	ServerPort int           `json:"server_port" yaml:"server_port"`
	LogLevel   string        `json:"log_level" yaml:"log_level"`
	Capture    CaptureConfig `json:"capture" yaml:"capture"`
}

// CaptureConfig holds everything a capture session is built from
type CaptureConfig struct {
	Backend               string `json:"backend" yaml:"backend"`
	DisplayIndex          int    `json:"display_index" yaml:"display_index"`
	OutputDir             string `json:"output_dir" yaml:"output_dir"`
	RequestTimeoutMs      int    `json:"request_timeout_ms" yaml:"request_timeout_ms"`
	InitialCaptureDelayMs int    `json:"initial_capture_delay_ms" yaml:"initial_capture_delay_ms"`
	OrientationPollMs     int    `json:"orientation_poll_ms" yaml:"orientation_poll_ms"`
	FrameIntervalMs       int    `json:"frame_interval_ms" yaml:"frame_interval_ms"`
	RowAlignment          int    `json:"row_alignment" yaml:"row_alignment"`
	DensityDPI            int    `json:"density_dpi" yaml:"density_dpi"`
	GrantPolicy           string `json:"grant_policy" yaml:"grant_policy"`
	AutoApprove           bool   `json:"auto_approve" yaml:"auto_approve"`
	RestoreTokenPath      string `json:"restore_token_path" yaml:"restore_token_path"`

	OnDemand   encoder.Policy   `json:"on_demand" yaml:"on_demand"`
	Continuous ContinuousConfig `json:"continuous" yaml:"continuous"`
}

// ContinuousConfig controls persisting every primary surface frame
type ContinuousConfig struct {
	Enabled        bool `json:"enabled" yaml:"enabled"`
	encoder.Policy `yaml:",inline"`
}

// RequestTimeout returns the on-demand request deadline
func (c CaptureConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// InitialCaptureDelay returns the delay before the start-up screenshot
func (c CaptureConfig) InitialCaptureDelay() time.Duration {
	return time.Duration(c.InitialCaptureDelayMs) * time.Millisecond
}

// OrientationPoll returns the display polling interval
func (c CaptureConfig) OrientationPoll() time.Duration {
	return time.Duration(c.OrientationPollMs) * time.Millisecond
}

// FrameInterval returns the interval between mirrored frames
func (c CaptureConfig) FrameInterval() time.Duration {
	return time.Duration(c.FrameIntervalMs) * time.Millisecond
}

// Validate checks values that cannot be fixed up silently
func (c *Config) Validate() error {
	if c.ServerPort < 0 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid server port: %d", c.ServerPort)
	}
	switch c.Capture.Backend {
	case BackendAuto, BackendX11, BackendScreen, BackendPipeWire:
	default:
		return fmt.Errorf("invalid capture backend: %q (use: auto, x11, screen, pipewire)", c.Capture.Backend)
	}
	switch c.Capture.GrantPolicy {
	case GrantSingleUse, GrantReusable:
	default:
		return fmt.Errorf("invalid grant policy: %q (use: single-use, reusable)", c.Capture.GrantPolicy)
	}
	if err := c.Capture.OnDemand.Validate(); err != nil {
		return fmt.Errorf("capture.on_demand: %w", err)
	}
	if err := c.Capture.Continuous.Validate(); err != nil {
		return fmt.Errorf("capture.continuous: %w", err)
	}
	if c.Capture.RowAlignment <= 0 {
		return fmt.Errorf("invalid row alignment: %d", c.Capture.RowAlignment)
	}
	return nil
}

// Manager handles configuration
type Manager struct {
	fs         afero.Fs
	configPath string
	config     *Config
	mu         sync.RWMutex
}

// DefaultPath returns $HOME/.config/capturebridge/config.yaml
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "capturebridge", "config.yaml"), nil
}

// NewManager loads configFile, or the default path when empty, creating it
// with defaults on first run
func NewManager(configFile string) (*Manager, error) {
	if configFile == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		configFile = p
	}
	return NewManagerWithFs(afero.NewOsFs(), configFile)
}

// NewManagerWithFs is NewManager on an explicit filesystem
func NewManagerWithFs(fs afero.Fs, configPath string) (*Manager, error) {
	m := &Manager{
		fs:         fs,
		configPath: configPath,
	}

	if err := m.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		logger.WithComponent("config").Info().
			Str("path", m.configPath).
			Msg("Config file not found, creating new config")
		m.config = Defaults()
		if err := m.Save(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Str("backend", m.config.Capture.Backend).
		Msg("Config loaded")
	return m, nil
}

// Defaults returns the default configuration
func Defaults() *Config {
	outputDir := filepath.Join(os.TempDir(), "capturebridge")
	if home, err := os.UserHomeDir(); err == nil {
		outputDir = filepath.Join(home, "Pictures", "capturebridge")
	}

	return &Config{
		ServerPort: 8080,
		LogLevel:   "info",
		Capture: CaptureConfig{
			Backend:               BackendAuto,
			OutputDir:             outputDir,
			RequestTimeoutMs:      3000,
			InitialCaptureDelayMs: 500,
			OrientationPollMs:     500,
			FrameIntervalMs:       100,
			RowAlignment:          64,
			DensityDPI:            160,
			GrantPolicy:           GrantSingleUse,
			AutoApprove:           true,
			OnDemand:              encoder.Policy{Format: encoder.FormatJPEG, Quality: 90},
			Continuous: ContinuousConfig{
				Enabled: false,
				Policy:  encoder.Policy{Format: encoder.FormatPNG, Quality: 100},
			},
		},
	}
}

// load reads the configuration from disk. Keys missing from the file keep
// their defaults.
func (m *Manager) load() error {
	data, err := afero.ReadFile(m.fs, m.configPath)
	if err != nil {
		return err
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", m.configPath, err)
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return Defaults()
	}
	cfg := *m.config
	return &cfg
}

// Save saves the current configuration to disk
func (m *Manager) Save() error {
	m.mu.RLock()
	cfg := m.config
	m.mu.RUnlock()

	if cfg == nil {
		cfg = Defaults()
	}

	configDir := filepath.Dir(m.configPath)
	if err := m.fs.MkdirAll(configDir, 0755); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("config_dir", configDir).
			Msg("Failed to create config directory")
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := afero.WriteFile(m.fs, m.configPath, data, 0644); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("path", m.configPath).
			Msg("Failed to write config")
		return err
	}

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Config saved")
	return nil
}

// Update replaces the entire configuration
func (m *Manager) Update(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return m.Save()
}

// field binds one dotted key to its place in Config
type field struct {
	get func(c *Config) any
	set func(c *Config, v string) error
}

func intField(p func(c *Config) *int) field {
	return field{
		get: func(c *Config) any { return *p(c) },
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("invalid number: %s", v)
			}
			*p(c) = n
			return nil
		},
	}
}

func boolField(p func(c *Config) *bool) field {
	return field{
		get: func(c *Config) any { return *p(c) },
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("invalid boolean: %s (use: true or false)", v)
			}
			*p(c) = b
			return nil
		},
	}
}

func stringField(p func(c *Config) *string) field {
	return field{
		get: func(c *Config) any { return *p(c) },
		set: func(c *Config, v string) error {
			*p(c) = strings.TrimSpace(v)
			return nil
		},
	}
}

var fields = map[string]field{
	"server_port":                      intField(func(c *Config) *int { return &c.ServerPort }),
	"log_level":                        stringField(func(c *Config) *string { return &c.LogLevel }),
	"capture.backend":                  stringField(func(c *Config) *string { return &c.Capture.Backend }),
	"capture.display_index":            intField(func(c *Config) *int { return &c.Capture.DisplayIndex }),
	"capture.output_dir":               stringField(func(c *Config) *string { return &c.Capture.OutputDir }),
	"capture.request_timeout_ms":       intField(func(c *Config) *int { return &c.Capture.RequestTimeoutMs }),
	"capture.initial_capture_delay_ms": intField(func(c *Config) *int { return &c.Capture.InitialCaptureDelayMs }),
	"capture.orientation_poll_ms":      intField(func(c *Config) *int { return &c.Capture.OrientationPollMs }),
	"capture.frame_interval_ms":        intField(func(c *Config) *int { return &c.Capture.FrameIntervalMs }),
	"capture.row_alignment":            intField(func(c *Config) *int { return &c.Capture.RowAlignment }),
	"capture.density_dpi":              intField(func(c *Config) *int { return &c.Capture.DensityDPI }),
	"capture.grant_policy":             stringField(func(c *Config) *string { return &c.Capture.GrantPolicy }),
	"capture.auto_approve":             boolField(func(c *Config) *bool { return &c.Capture.AutoApprove }),
	"capture.restore_token_path":       stringField(func(c *Config) *string { return &c.Capture.RestoreTokenPath }),
	"capture.on_demand.format":         stringField(func(c *Config) *string { return &c.Capture.OnDemand.Format }),
	"capture.on_demand.quality":        intField(func(c *Config) *int { return &c.Capture.OnDemand.Quality }),
	"capture.continuous.enabled":       boolField(func(c *Config) *bool { return &c.Capture.Continuous.Enabled }),
	"capture.continuous.format":        stringField(func(c *Config) *string { return &c.Capture.Continuous.Format }),
	"capture.continuous.quality":       intField(func(c *Config) *int { return &c.Capture.Continuous.Quality }),
}

// Keys lists every settable key in sorted order
func Keys() []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Value returns the value stored under a dotted key
func (m *Manager) Value(key string) (any, error) {
	f, ok := fields[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return f.get(m.config), nil
}

// Set parses value into key, validates the result and saves it
func (m *Manager) Set(key, value string) error {
	if err := m.Override(key, value); err != nil {
		return err
	}
	return m.Save()
}

// Override is Set without saving, for flag and environment overrides
func (m *Manager) Override(key, value string) error {
	f, ok := fields[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := *m.config
	if err := f.set(&next, value); err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}
	m.config = &next
	return nil
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// GetConfigDir returns the config directory path
func (m *Manager) GetConfigDir() string {
	return filepath.Dir(m.configPath)
}
