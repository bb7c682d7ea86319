package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestConfigData tests configuration data, defaults, edge cases, and validation
func TestConfigData(t *testing.T) {
	tests := []struct {
		name       string
		config     *AppConfig
		configTOML string
		setupFunc  func(*AppConfig)
		expectErr  bool
		validate   func(*testing.T, *AppConfig)
	}{
		{
			name:   "default config",
			config: DefaultConfig(),
			validate: func(t *testing.T, c *AppConfig) {
				if c.Server.ListenAddress != "localhost:9287" {
					t.Errorf("Expected ListenAddress 'localhost:9287', got %s", c.Server.ListenAddress)
				}
				if c.Tracker.RoutingPolicy != "idle" {
					t.Errorf("Expected routing policy 'idle', got %s", c.Tracker.RoutingPolicy)
				}
				if c.Tracker.LowPct != 4 || c.Tracker.MediumPct != 12 ||
					c.Tracker.HighPct != 30 || c.Tracker.ExcessivePct != 65 {
					t.Errorf("Unexpected default thresholds: %d/%d/%d/%d",
						c.Tracker.LowPct, c.Tracker.MediumPct, c.Tracker.HighPct, c.Tracker.ExcessivePct)
				}
				if c.Tracker.IntrCycleWeight != 10000 {
					t.Errorf("Expected intr_cycle_weight 10000, got %d", c.Tracker.IntrCycleWeight)
				}
				if c.Sampler.DefaultEvent != "cycles" {
					t.Errorf("Expected default event 'cycles', got %s", c.Sampler.DefaultEvent)
				}
				if c.Logging.Defaults.Level != "info" {
					t.Errorf("Expected default log level 'info', got %s", c.Logging.Defaults.Level)
				}
			},
		},
		{
			name: "custom tracker config",
			configTOML: `
[tracker]
routing_policy = "random"
rebalance_period_ms = 500
max_load_pct = 8
low_pct = 2
medium_pct = 10
high_pct = 25
excessive_pct = 50
allow_fake_interrupts = true
`,
			validate: func(t *testing.T, c *AppConfig) {
				if c.Tracker.RoutingPolicy != "random" {
					t.Errorf("Expected routing policy 'random', got %s", c.Tracker.RoutingPolicy)
				}
				if c.Tracker.RebalancePeriodMS != 500 {
					t.Errorf("Expected period 500, got %d", c.Tracker.RebalancePeriodMS)
				}
				if !c.Tracker.AllowFakeInterrupts {
					t.Error("Expected fake interrupts enabled")
				}
				// untouched sections keep their defaults
				if c.Server.MetricsPath != "/metrics" {
					t.Errorf("Expected default metrics path, got %s", c.Server.MetricsPath)
				}
			},
		},
		{
			name: "custom logging config",
			configTOML: `
[logging.defaults]
level = "debug"

[[logging.outputs]]
type = "console"
enabled = true

[[logging.outputs]]
type = "file"
enabled = true
[logging.outputs.file]
filename = "app.log"
`,
			validate: func(t *testing.T, c *AppConfig) {
				if c.Logging.Defaults.Level != "debug" {
					t.Errorf("Expected debug level, got %s", c.Logging.Defaults.Level)
				}
				if len(c.Logging.Outputs) != 2 {
					t.Errorf("Expected 2 outputs, got %d", len(c.Logging.Outputs))
				}
			},
		},
		{
			name:   "invalid empty listen address",
			config: DefaultConfig(),
			setupFunc: func(c *AppConfig) {
				c.Server.ListenAddress = ""
			},
			expectErr: true,
		},
		{
			name:   "invalid routing policy",
			config: DefaultConfig(),
			setupFunc: func(c *AppConfig) {
				c.Tracker.RoutingPolicy = "roundrobin"
			},
			expectErr: true,
		},
		{
			name:   "invalid zero rebalance period",
			config: DefaultConfig(),
			setupFunc: func(c *AppConfig) {
				c.Tracker.RebalancePeriodMS = 0
			},
			expectErr: true,
		},
		{
			name:   "invalid unordered thresholds",
			config: DefaultConfig(),
			setupFunc: func(c *AppConfig) {
				c.Tracker.LowPct = 40
				c.Tracker.MediumPct = 12
			},
			expectErr: true,
		},
		{
			name:   "invalid threshold above 100",
			config: DefaultConfig(),
			setupFunc: func(c *AppConfig) {
				c.Tracker.ExcessivePct = 150
			},
			expectErr: true,
		},
		{
			name:   "invalid logical per package",
			config: DefaultConfig(),
			setupFunc: func(c *AppConfig) {
				c.Tracker.LogicalPerPackage = 0
			},
			expectErr: true,
		},
		{
			name:   "invalid logging output type",
			config: DefaultConfig(),
			setupFunc: func(c *AppConfig) {
				c.Logging.Outputs = append(c.Logging.Outputs, LogOutput{Type: "syslog", Enabled: true})
			},
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.config
			if tt.configTOML != "" {
				path := filepath.Join(t.TempDir(), "config.toml")
				if err := os.WriteFile(path, []byte(tt.configTOML), 0644); err != nil {
					t.Fatal(err)
				}
				loaded, err := LoadConfig(path)
				if err != nil {
					t.Fatalf("LoadConfig failed: %v", err)
				}
				cfg = loaded
			}

			if tt.setupFunc != nil {
				tt.setupFunc(cfg)
			}

			err := cfg.Validate()
			if tt.expectErr && err == nil {
				t.Error("Expected validation error, got nil")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("Unexpected validation error: %v", err)
			}

			if tt.validate != nil && err == nil {
				tt.validate(t, cfg)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("Expected not-found error, got %v", err)
	}
}

func TestLoadConfigNoPathUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Tracker.RebalancePeriodMS != 1000 {
		t.Errorf("Expected default period 1000, got %d", cfg.Tracker.RebalancePeriodMS)
	}
}

func TestGenerateExampleConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "example", "config.toml")
	if err := GenerateExampleConfig(path); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("generated config does not validate: %v", err)
	}
}
