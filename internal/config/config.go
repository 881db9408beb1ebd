package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Log struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type Risk struct {
	RiskPerTradePct      float64 `yaml:"risk_per_trade_pct"`      // % of total value risked per trade
	MaxPositions         int     `yaml:"max_positions"`
	MaxSinglePositionPct float64 `yaml:"max_single_position_pct"` // % of total value per symbol
	MaxExposurePct       float64 `yaml:"max_exposure_pct"`        // % of total value across all positions
	ReductionFactor      float64 `yaml:"reduction_factor"`        // applied on a reduce verdict
}

type Drawdown struct {
	SoftLimitPct   float64 `yaml:"soft_limit_pct"`
	HardLimitPct   float64 `yaml:"hard_limit_pct"`
	DeriskFraction float64 `yaml:"derisk_fraction"` // position fraction liquidated on a hard breach
}

type Critics struct {
	TimeoutMs int `yaml:"timeout_ms"`
}

type Broker struct {
	AckTimeoutMs     int     `yaml:"ack_timeout_ms"`
	MaxRetries       int     `yaml:"max_retries"`
	SubmitsPerSecond float64 `yaml:"submits_per_second"`
	LatencyMsMin     int     `yaml:"latency_ms_min"`
	LatencyMsMax     int     `yaml:"latency_ms_max"`
	SlippageBpsMin   int     `yaml:"slippage_bps_min"`
	SlippageBpsMax   int     `yaml:"slippage_bps_max"`
}

type Monitor struct {
	TickIntervalSeconds int `yaml:"tick_interval_seconds"`
}

type Schedule struct {
	MorningCron   string `yaml:"morning_cron"`
	AfternoonCron string `yaml:"afternoon_cron"`
}

type Audit struct {
	DBPath     string `yaml:"db_path"`
	BufferSize int    `yaml:"buffer_size"`
}

type Portfolio struct {
	CapitalBase float64 `yaml:"capital_base"`
	StatePath   string  `yaml:"state_path"`
}

type Baseline struct {
	Universe     []string `yaml:"universe"`
	RotationSize int      `yaml:"rotation_size"`
}

type Root struct {
	Log         Log       `yaml:"log"`
	Risk        Risk      `yaml:"risk"`
	Drawdown    Drawdown  `yaml:"drawdown"`
	Critics     Critics   `yaml:"critics"`
	Broker      Broker    `yaml:"broker"`
	Monitor     Monitor   `yaml:"monitor"`
	Schedule    Schedule  `yaml:"schedule"`
	Audit       Audit     `yaml:"audit"`
	Portfolio   Portfolio `yaml:"portfolio"`
	Baseline    Baseline  `yaml:"baseline"`
	MetricsAddr string    `yaml:"metrics_addr"`
}

// Load reads YAML config from path and applies defaults plus environment
// overrides. Environment variables win over file values for deployment knobs.
func Load(path string) (Root, error) {
	c := defaults()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return c, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(&c)
	if err := validate(c); err != nil {
		return c, err
	}
	return c, nil
}

func defaults() Root {
	return Root{
		Log: Log{Level: "info", Pretty: false},
		Risk: Risk{
			RiskPerTradePct:      0.5,
			MaxPositions:         15,
			MaxSinglePositionPct: 10.0,
			MaxExposurePct:       100.0,
			ReductionFactor:      0.5,
		},
		Drawdown: Drawdown{
			SoftLimitPct:   2.0,
			HardLimitPct:   3.0,
			DeriskFraction: 0.5,
		},
		Critics: Critics{TimeoutMs: 30000},
		Broker: Broker{
			AckTimeoutMs:     5000,
			MaxRetries:       3,
			SubmitsPerSecond: 2,
			LatencyMsMin:     20,
			LatencyMsMax:     120,
			SlippageBpsMin:   0,
			SlippageBpsMax:   5,
		},
		Monitor:  Monitor{TickIntervalSeconds: 1800},
		Schedule: Schedule{MorningCron: "0 35 9 * * MON-FRI", AfternoonCron: "0 45 15 * * MON-FRI"},
		Audit:    Audit{DBPath: "data/audit.db", BufferSize: 256},
		Portfolio: Portfolio{
			CapitalBase: 100000,
			StatePath:   "data/portfolio.json",
		},
		Baseline: Baseline{
			Universe:     []string{"AAPL", "MSFT", "NVDA", "AMZN", "GOOGL", "META", "JPM", "V", "JNJ", "XOM"},
			RotationSize: 10,
		},
		MetricsAddr: ":9090",
	}
}

func applyEnv(c *Root) {
	c.Log.Level = getEnv("TRADEDESK_LOG_LEVEL", c.Log.Level)
	c.Audit.DBPath = getEnv("TRADEDESK_AUDIT_DB", c.Audit.DBPath)
	c.Portfolio.StatePath = getEnv("TRADEDESK_STATE_PATH", c.Portfolio.StatePath)
	c.MetricsAddr = getEnv("TRADEDESK_METRICS_ADDR", c.MetricsAddr)
}

func validate(c Root) error {
	if c.Risk.RiskPerTradePct <= 0 {
		return fmt.Errorf("risk_per_trade_pct must be positive, got %v", c.Risk.RiskPerTradePct)
	}
	if c.Risk.MaxPositions <= 0 {
		return fmt.Errorf("max_positions must be positive, got %d", c.Risk.MaxPositions)
	}
	if c.Drawdown.HardLimitPct < c.Drawdown.SoftLimitPct {
		return fmt.Errorf("hard drawdown limit %v below soft limit %v", c.Drawdown.HardLimitPct, c.Drawdown.SoftLimitPct)
	}
	if c.Risk.ReductionFactor <= 0 || c.Risk.ReductionFactor > 1 {
		return fmt.Errorf("reduction_factor must be in (0,1], got %v", c.Risk.ReductionFactor)
	}
	return nil
}

// CriticTimeout returns the critic response deadline as a duration.
func (c Root) CriticTimeout() time.Duration {
	return time.Duration(c.Critics.TimeoutMs) * time.Millisecond
}

// BrokerAckTimeout returns the broker acknowledgement deadline as a duration.
func (c Root) BrokerAckTimeout() time.Duration {
	return time.Duration(c.Broker.AckTimeoutMs) * time.Millisecond
}

// TickInterval returns the intraday monitor cadence as a duration.
func (c Root) TickInterval() time.Duration {
	return time.Duration(c.Monitor.TickIntervalSeconds) * time.Second
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
