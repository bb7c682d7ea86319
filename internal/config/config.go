// Package config holds the daemon configuration, loaded from a TOML file
// with defaults applied first.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// AppConfig represents the complete application configuration
type AppConfig struct {
	// HTTP server configuration
	Server ServerConfig `toml:"server"`

	// Interrupt tracker / load balancer configuration
	Tracker TrackerConfig `toml:"tracker"`

	// NMI sampler / profiler configuration
	Sampler SamplerConfig `toml:"sampler"`

	// Logging configuration
	Logging LoggingConfig `toml:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	// Listen address (default: "localhost:9287")
	ListenAddress string `toml:"listen_address"`

	// Metrics endpoint path (default: "/metrics")
	MetricsPath string `toml:"metrics_path"`

	// Enable pprof endpoint for debugging (default: false)
	PprofEnabled bool `toml:"pprof_enabled"`
}

// TrackerConfig contains the interrupt tracker tunables. All percentage
// values are relative to one rebalance period of a single processor.
type TrackerConfig struct {
	// Number of physical CPUs to track (default: runtime CPU count)
	NumPCPUs int `toml:"num_pcpus"`

	// Logical CPUs per physical package; hyperthread siblings share the
	// per-period interrupt load cap (default: 1)
	LogicalPerPackage int `toml:"logical_per_package"`

	// Routing policy: "none", "idle" or "random" (default: "idle")
	RoutingPolicy string `toml:"routing_policy"`

	// Rebalance period in milliseconds (default: 1000)
	RebalancePeriodMS uint32 `toml:"rebalance_period_ms"`

	// Cache-affinity bonus credited to a vector's current processor,
	// in percent of the period (default: 5)
	VectorCacheBonusPct uint32 `toml:"vector_cache_bonus_pct"`

	// Per-processor interrupt load cap in percent of the period (default: 4)
	MaxLoadPct uint32 `toml:"max_load_pct"`

	// Rate classification thresholds in percent of the period.
	// Must satisfy low <= medium <= high <= excessive <= 100.
	LowPct       uint32 `toml:"low_pct"`
	MediumPct    uint32 `toml:"medium_pct"`
	HighPct      uint32 `toml:"high_pct"`
	ExcessivePct uint32 `toml:"excessive_pct"`

	// Approximate cost in cycles of delivering one interrupt (default: 10000)
	IntrCycleWeight uint64 `toml:"intr_cycle_weight"`

	// Allow synthetic ("fake") interrupt sources via the admin interface
	// (default: false)
	AllowFakeInterrupts bool `toml:"allow_fake_interrupts"`
}

// SamplerConfig contains the NMI profiler settings
type SamplerConfig struct {
	// Enable the sampler admin surface (default: true)
	Enabled bool `toml:"enabled"`

	// Default sampling event (default: "cycles")
	DefaultEvent string `toml:"default_event"`

	// Sampling period in events per sample; 0 selects the event default
	DefaultPeriod uint32 `toml:"default_period"`
}

// LoggingConfig contains all logging settings
type LoggingConfig struct {
	Defaults LogDefaults `toml:"defaults"`
	Outputs  []LogOutput `toml:"outputs"`
}

// LogDefaults contains base logger settings
type LogDefaults struct {
	// Log level: trace, debug, info, warn, error, fatal (default: "info")
	Level string `toml:"level"`

	// Caller reporting depth, 0 disables (default: 0)
	Caller int `toml:"caller"`

	// Time field name (default: "time")
	TimeField string `toml:"time_field"`

	// Time format: "Unix", "UnixMs" or a Go layout string
	TimeFormat string `toml:"time_format"`
}

// LogOutput describes one logging destination
type LogOutput struct {
	// Output type: "console" or "file"
	Type string `toml:"type"`

	// Enable this output
	Enabled bool `toml:"enabled"`

	Console *ConsoleConfig `toml:"console,omitempty"`
	File    *FileConfig    `toml:"file,omitempty"`
}

// ConsoleConfig contains console output settings
type ConsoleConfig struct {
	// Skip formatting and write raw JSON (default: false)
	FastIO bool `toml:"fast_io"`

	// Output format: "auto" or "logfmt" (default: "auto")
	Format string `toml:"format"`

	ColorOutput bool `toml:"color_output"`
	QuoteString bool `toml:"quote_string"`

	// Destination: "stdout" or "stderr" (default: "stderr")
	Writer string `toml:"writer"`

	// Use asynchronous writing (default: false)
	Async bool `toml:"async"`
}

// FileConfig contains log file output settings
type FileConfig struct {
	Filename     string `toml:"filename"`
	MaxSize      int64  `toml:"max_size"` // MB
	MaxBackups   int    `toml:"max_backups"`
	TimeFormat   string `toml:"time_format"`
	LocalTime    bool   `toml:"local_time"`
	EnsureFolder bool   `toml:"ensure_folder"`
	Async        bool   `toml:"async"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			ListenAddress: "localhost:9287",
			MetricsPath:   "/metrics",
			PprofEnabled:  false,
		},
		Tracker: TrackerConfig{
			NumPCPUs:            0, // autodetect
			LogicalPerPackage:   1,
			RoutingPolicy:       "idle",
			RebalancePeriodMS:   1000,
			VectorCacheBonusPct: 5,
			MaxLoadPct:          4,
			LowPct:              4,
			MediumPct:           12,
			HighPct:             30,
			ExcessivePct:        65,
			IntrCycleWeight:     10000,
			AllowFakeInterrupts: false,
		},
		Sampler: SamplerConfig{
			Enabled:      true,
			DefaultEvent: "cycles",
		},
		Logging: LoggingConfig{
			Defaults: LogDefaults{
				Level:     "info",
				Caller:    0,
				TimeField: "time",
			},
			Outputs: []LogOutput{
				{
					Type:    "console",
					Enabled: true,
					Console: &ConsoleConfig{
						Format:      "auto",
						ColorOutput: true,
						QuoteString: true,
						Writer:      "stderr",
					},
				},
				{
					Type:    "file",
					Enabled: false,
					File: &FileConfig{
						Filename:     "logs/vmkintr.log",
						MaxSize:      10,
						MaxBackups:   7,
						TimeFormat:   "2006-01-02T15-04-05",
						LocalTime:    true,
						EnsureFolder: true,
						Async:        true,
					},
				},
			},
		},
	}
}

// LoadConfig loads configuration from a TOML file, falling back to defaults
func LoadConfig(configPath string) (*AppConfig, error) {
	cfg := DefaultConfig()

	// If no config file specified, use defaults
	if configPath == "" {
		return cfg, nil
	}

	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("config file not found: %s", configPath)
	}

	if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// GenerateExampleConfig writes a TOML configuration file with default values
func GenerateExampleConfig(outputPath string) error {
	if dir := filepath.Dir(outputPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer file.Close()

	header := `# vmkintr example configuration
# Copy this file and modify as needed. Format: TOML.

`
	if _, err := file.WriteString(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	if err := toml.NewEncoder(file).Encode(DefaultConfig()); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}
	return nil
}

// Validate checks the configuration for errors
func (c *AppConfig) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address cannot be empty")
	}
	if c.Server.MetricsPath == "" {
		return fmt.Errorf("server.metrics_path cannot be empty")
	}

	t := &c.Tracker
	switch t.RoutingPolicy {
	case "none", "idle", "random":
	default:
		return fmt.Errorf("tracker.routing_policy %q is not one of none, idle, random", t.RoutingPolicy)
	}
	if t.NumPCPUs < 0 {
		return fmt.Errorf("tracker.num_pcpus cannot be negative")
	}
	if t.LogicalPerPackage < 1 {
		return fmt.Errorf("tracker.logical_per_package must be at least 1")
	}
	if t.RebalancePeriodMS == 0 {
		return fmt.Errorf("tracker.rebalance_period_ms cannot be zero")
	}
	if t.ExcessivePct > 100 {
		return fmt.Errorf("tracker thresholds cannot exceed 100 percent")
	}
	if t.LowPct > t.MediumPct || t.MediumPct > t.HighPct || t.HighPct > t.ExcessivePct {
		return fmt.Errorf("tracker thresholds must satisfy low <= medium <= high <= excessive")
	}

	for i, output := range c.Logging.Outputs {
		switch output.Type {
		case "console", "file":
		default:
			return fmt.Errorf("logging.outputs[%d].type %q is not one of console, file", i, output.Type)
		}
	}

	return nil
}
