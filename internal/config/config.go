package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	LogFormatText = "text"
	LogFormatJSON = "json"

	maxPlotDimension = 10000
)

// Config is the resolved runtime configuration. Precedence from lowest to
// highest: defaults, TOML file, JOBMON_* environment, command-line flags.
type Config struct {
	SampleInterval   time.Duration
	OutputDir        string
	LogLevel         slog.Level
	LogFormat        string
	SysfsRoot        string
	DebugfsRoot      string
	TerminateGrace   time.Duration
	ListenAddr       string
	EnablePrometheus bool
	AllowedOrigins   []string
	GPU              GPUConfig
	Process          ProcessConfig
	WS               WebsocketConfig
	Plot             PlotConfig
}

// GPUConfig toggles the GPU sources.
type GPUConfig struct {
	Enable bool
	NVML   bool
	AMDGPU bool
}

// ProcessConfig controls per-job process tree sampling.
type ProcessConfig struct {
	Enable bool
}

// WebsocketConfig captures tunables for the live WebSocket stream.
type WebsocketConfig struct {
	MaxClients   int
	WriteTimeout time.Duration
}

// PlotConfig is the usage.png size in pixels.
type PlotConfig struct {
	Width  int
	Height int
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		SampleInterval:   time.Second,
		OutputDir:        "resource_report",
		LogLevel:         slog.LevelInfo,
		LogFormat:        LogFormatText,
		SysfsRoot:        "/sys",
		DebugfsRoot:      "/sys/kernel/debug",
		TerminateGrace:   10 * time.Second,
		ListenAddr:       "",
		EnablePrometheus: true,
		AllowedOrigins:   []string{"*"},
		GPU: GPUConfig{
			Enable: true,
			NVML:   true,
			AMDGPU: true,
		},
		Process: ProcessConfig{
			Enable: true,
		},
		WS: WebsocketConfig{
			MaxClients:   16,
			WriteTimeout: 3 * time.Second,
		},
		Plot: PlotConfig{
			Width:  1280,
			Height: 960,
		},
	}
}

// Load applies the TOML file at path (or JOBMON_CONFIG when path is empty)
// and then the environment on top of the defaults. A missing file is an
// error only when it was named explicitly.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = strings.TrimSpace(os.Getenv("JOBMON_CONFIG"))
	}
	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// fileConfig mirrors Config for TOML decoding. Pointers distinguish "unset"
// from zero values; durations are Go duration strings.
type fileConfig struct {
	SampleInterval *string `toml:"sample_interval"`
	OutputDir      *string `toml:"output_dir"`
	LogLevel       *string `toml:"log_level"`
	LogFormat      *string `toml:"log_format"`
	SysfsRoot      *string `toml:"sysfs_root"`
	DebugfsRoot    *string `toml:"debugfs_root"`
	TerminateGrace *string `toml:"terminate_grace"`

	GPU struct {
		Enable *bool `toml:"enable"`
		NVML   *bool `toml:"nvml"`
		AMDGPU *bool `toml:"amdgpu"`
	} `toml:"gpu"`

	Process struct {
		Enable *bool `toml:"enable"`
	} `toml:"process"`

	HTTP struct {
		ListenAddr       *string  `toml:"listen_addr"`
		EnablePrometheus *bool    `toml:"enable_prometheus"`
		AllowedOrigins   []string `toml:"allowed_origins"`
	} `toml:"http"`

	WS struct {
		MaxClients   *int    `toml:"max_clients"`
		WriteTimeout *string `toml:"write_timeout"`
	} `toml:"websocket"`

	Plot struct {
		Width  *int `toml:"width"`
		Height *int `toml:"height"`
	} `toml:"plot"`
}

func (c *Config) applyFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config file %s not found", path)
		}
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var fc fileConfig
	decoder := toml.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	if fc.SampleInterval != nil {
		if c.SampleInterval, err = parsePositiveDuration("sample_interval", *fc.SampleInterval); err != nil {
			return err
		}
	}
	if fc.OutputDir != nil {
		c.OutputDir = *fc.OutputDir
	}
	if fc.LogLevel != nil {
		if c.LogLevel, err = ParseLogLevel(*fc.LogLevel); err != nil {
			return fmt.Errorf("parse log_level: %w", err)
		}
	}
	if fc.LogFormat != nil {
		c.LogFormat = strings.ToLower(strings.TrimSpace(*fc.LogFormat))
	}
	if fc.SysfsRoot != nil {
		c.SysfsRoot = *fc.SysfsRoot
	}
	if fc.DebugfsRoot != nil {
		c.DebugfsRoot = *fc.DebugfsRoot
	}
	if fc.TerminateGrace != nil {
		if c.TerminateGrace, err = parsePositiveDuration("terminate_grace", *fc.TerminateGrace); err != nil {
			return err
		}
	}

	setBool(&c.GPU.Enable, fc.GPU.Enable)
	setBool(&c.GPU.NVML, fc.GPU.NVML)
	setBool(&c.GPU.AMDGPU, fc.GPU.AMDGPU)
	setBool(&c.Process.Enable, fc.Process.Enable)

	if fc.HTTP.ListenAddr != nil {
		c.ListenAddr = *fc.HTTP.ListenAddr
	}
	setBool(&c.EnablePrometheus, fc.HTTP.EnablePrometheus)
	if len(fc.HTTP.AllowedOrigins) > 0 {
		c.AllowedOrigins = append([]string(nil), fc.HTTP.AllowedOrigins...)
	}

	if fc.WS.MaxClients != nil {
		c.WS.MaxClients = *fc.WS.MaxClients
	}
	if fc.WS.WriteTimeout != nil {
		if c.WS.WriteTimeout, err = parsePositiveDuration("websocket.write_timeout", *fc.WS.WriteTimeout); err != nil {
			return err
		}
	}
	if fc.Plot.Width != nil {
		c.Plot.Width = *fc.Plot.Width
	}
	if fc.Plot.Height != nil {
		c.Plot.Height = *fc.Plot.Height
	}
	return nil
}

func (c *Config) applyEnv() error {
	if value := env("JOBMON_SAMPLE_INTERVAL"); value != "" {
		duration, err := parsePositiveDuration("JOBMON_SAMPLE_INTERVAL", value)
		if err != nil {
			return err
		}
		c.SampleInterval = duration
	}

	if value := env("JOBMON_OUTPUT_DIR"); value != "" {
		c.OutputDir = value
	}

	if value := env("JOBMON_LOG_LEVEL"); value != "" {
		level, err := ParseLogLevel(value)
		if err != nil {
			return fmt.Errorf("parse JOBMON_LOG_LEVEL: %w", err)
		}
		c.LogLevel = level
	}

	if value := env("JOBMON_LOG_FORMAT"); value != "" {
		c.LogFormat = strings.ToLower(value)
	}

	if value := env("JOBMON_SYSFS_ROOT"); value != "" {
		c.SysfsRoot = value
	}

	if value := env("JOBMON_DEBUGFS_ROOT"); value != "" {
		c.DebugfsRoot = value
	}

	for key, dst := range map[string]*bool{
		"JOBMON_GPU_ENABLE":        &c.GPU.Enable,
		"JOBMON_NVML_ENABLE":       &c.GPU.NVML,
		"JOBMON_AMDGPU_ENABLE":     &c.GPU.AMDGPU,
		"JOBMON_PROCESS_ENABLE":    &c.Process.Enable,
		"JOBMON_ENABLE_PROMETHEUS": &c.EnablePrometheus,
	} {
		value := env(key)
		if value == "" {
			continue
		}
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		*dst = enabled
	}

	if value := env("JOBMON_TERMINATE_GRACE"); value != "" {
		grace, err := parsePositiveDuration("JOBMON_TERMINATE_GRACE", value)
		if err != nil {
			return err
		}
		c.TerminateGrace = grace
	}

	if value := env("JOBMON_LISTEN_ADDR"); value != "" {
		c.ListenAddr = value
	}

	if value := env("JOBMON_WS_MAX_CLIENTS"); value != "" {
		maxClients, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("parse JOBMON_WS_MAX_CLIENTS: %w", err)
		}
		if maxClients <= 0 {
			return fmt.Errorf("JOBMON_WS_MAX_CLIENTS must be > 0")
		}
		c.WS.MaxClients = maxClients
	}

	if value := env("JOBMON_WS_WRITE_TIMEOUT"); value != "" {
		timeout, err := parsePositiveDuration("JOBMON_WS_WRITE_TIMEOUT", value)
		if err != nil {
			return err
		}
		c.WS.WriteTimeout = timeout
	}

	for key, dst := range map[string]*int{
		"JOBMON_PLOT_WIDTH":  &c.Plot.Width,
		"JOBMON_PLOT_HEIGHT": &c.Plot.Height,
	} {
		value := env(key)
		if value == "" {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		*dst = n
	}

	return nil
}

// Validate checks the resolved configuration. It runs after flags are
// applied.
func (c Config) Validate() error {
	var errs []error
	if c.SampleInterval <= 0 {
		errs = append(errs, fmt.Errorf("sample interval must be > 0"))
	}
	if strings.TrimSpace(c.OutputDir) == "" {
		errs = append(errs, fmt.Errorf("output directory must not be empty"))
	}
	if c.TerminateGrace <= 0 {
		errs = append(errs, fmt.Errorf("terminate grace must be > 0"))
	}
	if c.LogFormat != LogFormatText && c.LogFormat != LogFormatJSON {
		errs = append(errs, fmt.Errorf("unsupported log format %q", c.LogFormat))
	}
	if c.WS.MaxClients <= 0 {
		errs = append(errs, fmt.Errorf("websocket max clients must be > 0"))
	}
	if c.WS.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("websocket write timeout must be > 0"))
	}
	if c.Plot.Width <= 0 || c.Plot.Width > maxPlotDimension || c.Plot.Height <= 0 || c.Plot.Height > maxPlotDimension {
		errs = append(errs, fmt.Errorf("plot size %dx%d out of range", c.Plot.Width, c.Plot.Height))
	}
	return errors.Join(errs...)
}

// ParseLogLevel accepts debug, info, warn/warning and error.
func ParseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func parsePositiveDuration(name, value string) (time.Duration, error) {
	duration, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	if duration <= 0 {
		return 0, fmt.Errorf("%s must be > 0", name)
	}
	return duration, nil
}

func setBool(dst *bool, value *bool) {
	if value != nil {
		*dst = *value
	}
}
