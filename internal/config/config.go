package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for tradeguard.
type Config struct {
	Storage   Storage   `yaml:"storage"`
	Alpaca    Alpaca    `yaml:"alpaca"`
	Logging   Logging   `yaml:"logging"`
	Trading   Trading   `yaml:"trading"`
	Execution Execution `yaml:"execution"`
	Retry     Retry     `yaml:"retry"`
	Telemetry Telemetry `yaml:"telemetry"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir       string `yaml:"data_dir"`
	SQLitePath    string `yaml:"sqlite_path"`
	PositionsFile string `yaml:"positions_file"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey          string `yaml:"api_key"`
	APISecret       string `yaml:"api_secret"`
	BaseURL         string `yaml:"base_url"`
	DataURL         string `yaml:"data_url"`
	Feed            string `yaml:"feed"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Trading defines risk limits and the operator the engine acts for.
// Percentages are whole percents (10 means 10%).
type Trading struct {
	// Simulate runs against the in-memory simulator instead of Alpaca.
	Simulate            bool    `yaml:"simulate"`
	SimulatorCash       float64 `yaml:"simulator_cash"`
	OperatorID          string  `yaml:"operator_id"`
	Strategy            string  `yaml:"strategy"`
	MaxPositions        int     `yaml:"max_positions"`
	MaxPositionSizePct  float64 `yaml:"max_position_size_pct"`
	MaxTotalExposurePct float64 `yaml:"max_total_exposure_pct"`
	EmergencyStopPct    float64 `yaml:"emergency_stop_pct"`
	DefaultStopLossPct  float64 `yaml:"default_stop_loss_pct"`
	ExtendedHoursBuffer float64 `yaml:"extended_hours_buffer_pct"`
	TrailingStopPct     float64 `yaml:"trailing_stop_pct"`
	MaxHoldingHours     float64 `yaml:"max_holding_hours"`
	KillSwitch          bool    `yaml:"kill_switch"`
}

// Execution controls the order pipeline and the background loops.
type Execution struct {
	SubmitWindow      time.Duration `yaml:"submit_window"`
	CancelWindow      time.Duration `yaml:"cancel_window"`
	MaxAttempts       int           `yaml:"max_attempts"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	PollTimeout       time.Duration `yaml:"poll_timeout"`
	FillPollInterval  time.Duration `yaml:"fill_poll_interval"`
	FillTimeout       time.Duration `yaml:"fill_timeout"`
	WorkerInterval    time.Duration `yaml:"worker_interval"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	TickInterval      time.Duration `yaml:"tick_interval"`
}

// Retry tunes rejection handling and the circuit breaker.
type Retry struct {
	MaxRetries       int           `yaml:"max_retries"`
	BaseBackoff      time.Duration `yaml:"base_backoff"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerWindow    time.Duration `yaml:"breaker_window"`
	BreakerReset     time.Duration `yaml:"breaker_reset"`
}

// Telemetry holds listener addresses for metrics and health.
type Telemetry struct {
	MetricsAddr string `yaml:"metrics_addr"`
	HealthAddr  string `yaml:"health_addr"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	cfg.Defaults()

	return cfg, nil
}

// Defaults fills every unset field with its production value.
func (c *Config) Defaults() {
	setStr(&c.Storage.DataDir, "data")
	setStr(&c.Storage.SQLitePath, "data/tradeguard.db")
	setStr(&c.Storage.PositionsFile, "data/positions.json")

	setStr(&c.Alpaca.BaseURL, "https://paper-api.alpaca.markets")
	setStr(&c.Alpaca.Feed, "iex")
	setInt(&c.Alpaca.RateLimitPerMin, 200)

	setStr(&c.Logging.Level, "info")
	setStr(&c.Logging.Format, "json")

	setFloat(&c.Trading.SimulatorCash, 100_000)
	setStr(&c.Trading.Strategy, "default")
	setInt(&c.Trading.MaxPositions, 10)
	setFloat(&c.Trading.MaxPositionSizePct, 10)
	setFloat(&c.Trading.MaxTotalExposurePct, 80)
	setFloat(&c.Trading.EmergencyStopPct, 8)
	setFloat(&c.Trading.DefaultStopLossPct, 5)
	setFloat(&c.Trading.ExtendedHoursBuffer, 0.5)
	setFloat(&c.Trading.MaxHoldingHours, 72)

	setDur(&c.Execution.SubmitWindow, 5*time.Minute)
	setDur(&c.Execution.CancelWindow, time.Minute)
	setInt(&c.Execution.MaxAttempts, 3)
	setDur(&c.Execution.PollInterval, 2*time.Second)
	setDur(&c.Execution.PollTimeout, 60*time.Second)
	setDur(&c.Execution.FillPollInterval, time.Second)
	setDur(&c.Execution.FillTimeout, 30*time.Second)
	setDur(&c.Execution.WorkerInterval, 500*time.Millisecond)
	setDur(&c.Execution.ReconcileInterval, 5*time.Minute)
	setDur(&c.Execution.TickInterval, 15*time.Second)

	setInt(&c.Retry.MaxRetries, 3)
	setDur(&c.Retry.BaseBackoff, 2*time.Second)
	setInt(&c.Retry.BreakerThreshold, 5)
	setDur(&c.Retry.BreakerWindow, time.Minute)
	setDur(&c.Retry.BreakerReset, 5*time.Minute)

	setStr(&c.Telemetry.MetricsAddr, ":9100")
	setStr(&c.Telemetry.HealthAddr, ":9101")
}

func setStr(p *string, v string) {
	if *p == "" {
		*p = v
	}
}

func setInt(p *int, v int) {
	if *p <= 0 {
		*p = v
	}
}

func setFloat(p *float64, v float64) {
	if *p <= 0 {
		*p = v
	}
}

func setDur(p *time.Duration, v time.Duration) {
	if *p <= 0 {
		*p = v
	}
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}
	if v := os.Getenv("ALPACA_FEED"); v != "" {
		cfg.Alpaca.Feed = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("TRADEGUARD_OPERATOR"); v != "" {
		cfg.Trading.OperatorID = v
	}
	if v := os.Getenv("TRADEGUARD_KILL_SWITCH"); v != "" {
		if on, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.Trading.KillSwitch = on
		}
	}

	// Standard Alpaca env vars (highest priority, the names the SDK uses).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}
