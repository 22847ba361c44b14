package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	libconfig "parkpay/backend/libs/config"
	"parkpay/backend/services/gate-service/internal/repository"
	"parkpay/backend/services/gate-service/internal/serial"
	"parkpay/backend/services/gate-service/internal/service"
)

const defaultLedgerPath = "~/plates_log.csv"

// Config defines gate service configuration.
type Config struct {
	Serial  SerialConfig  `yaml:"serial"`
	Session SessionConfig `yaml:"session"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Tariff  TariffConfig  `yaml:"tariff"`
	Journal JournalConfig `yaml:"journal"`
	Events  EventsConfig  `yaml:"events"`
}

type SerialConfig struct {
	Port          string `yaml:"port" env:"GATE_SERIAL_PORT"`
	Baud          int    `yaml:"baud" env:"GATE_SERIAL_BAUD"`
	ReadTimeoutMs int    `yaml:"readTimeoutMs" env:"GATE_SERIAL_READ_TIMEOUT_MS"`
	SettleDelayMs int    `yaml:"settleDelayMs" env:"GATE_SERIAL_SETTLE_DELAY_MS"`
	Checksum      bool   `yaml:"checksum" env:"GATE_SERIAL_CHECKSUM"`
}

type SessionConfig struct {
	PollIntervalMs   int `yaml:"pollIntervalMs" env:"GATE_POLL_INTERVAL_MS"`
	ConfirmTimeoutMs int `yaml:"confirmTimeoutMs" env:"GATE_CONFIRM_TIMEOUT_MS"`
}

type LedgerConfig struct {
	Path     string `yaml:"path" env:"GATE_LEDGER_PATH"`
	Timezone string `yaml:"timezone" env:"GATE_LEDGER_TIMEZONE"`
}

type TariffConfig struct {
	GraceMinutes     int64 `yaml:"graceMinutes" env:"GATE_TARIFF_GRACE_MINUTES"`
	IncrementMinutes int64 `yaml:"incrementMinutes" env:"GATE_TARIFF_INCREMENT_MINUTES"`
	RatePerIncrement int64 `yaml:"ratePerIncrement" env:"GATE_TARIFF_RATE_PER_INCREMENT"`
	MinimumBalance   int64 `yaml:"minimumBalance" env:"GATE_TARIFF_MINIMUM_BALANCE"`
}

// JournalConfig selects the optional settlement journal. Driver is "sqlite",
// "postgres" or empty for none.
type JournalConfig struct {
	Driver string `yaml:"driver" env:"GATE_JOURNAL_DRIVER"`
	DSN    string `yaml:"dsn" env:"GATE_JOURNAL_DSN"`
}

type EventsConfig struct {
	RedisAddr     string   `yaml:"redisAddr" env:"GATE_EVENTS_REDIS_ADDR"`
	RedisPassword string   `yaml:"redisPassword" env:"GATE_EVENTS_REDIS_PASSWORD"`
	RedisChannel  string   `yaml:"redisChannel" env:"GATE_EVENTS_REDIS_CHANNEL"`
	KafkaBrokers  []string `yaml:"kafkaBrokers" env:"GATE_EVENTS_KAFKA_BROKERS"`
	KafkaTopic    string   `yaml:"kafkaTopic" env:"GATE_EVENTS_KAFKA_TOPIC"`

	// MetricsTextfile is a node_exporter textfile collector path.
	MetricsTextfile string `yaml:"metricsTextfile" env:"GATE_EVENTS_METRICS_TEXTFILE"`
}

// Load configuration from dotenv, file and env.
func Load() (*Config, error) {
	cfg := &Config{
		Serial: SerialConfig{
			Baud:          9600,
			ReadTimeoutMs: 100,
			SettleDelayMs: 2000,
		},
		Session: SessionConfig{
			PollIntervalMs:   100,
			ConfirmTimeoutMs: 5000,
		},
		Ledger: LedgerConfig{Path: defaultLedgerPath},
		Tariff: TariffConfig{
			GraceMinutes:     service.DefaultGraceMinutes,
			IncrementMinutes: service.DefaultIncrementMinutes,
			RatePerIncrement: service.DefaultRatePerIncrement,
			MinimumBalance:   service.DefaultMinimumBalance,
		},
		Events: EventsConfig{
			RedisChannel: "parkpay:gate-events",
			KafkaTopic:   "gate-events",
		},
	}

	if err := libconfig.LoadConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that have no usable default. Call it after
// applying command line overrides.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Serial.Port) == "" {
		return errors.New("config: serial port required")
	}
	switch c.JournalDialect() {
	case "", repository.DialectSQLite, repository.DialectPostgres:
	default:
		return fmt.Errorf("config: unknown journal driver %q", c.Journal.Driver)
	}
	if c.Journal.Driver != "" && strings.TrimSpace(c.Journal.DSN) == "" {
		return errors.New("config: journal dsn required")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// SerialSettings returns the adapter config.
func (c *Config) SerialSettings() serial.Config {
	return serial.Config{
		PortName:    strings.TrimSpace(c.Serial.Port),
		BaudRate:    c.Serial.Baud,
		ReadTimeout: millis(c.Serial.ReadTimeoutMs),
		SettleDelay: millis(c.Serial.SettleDelayMs),
	}
}

// SessionSettings returns the controller timings.
func (c *Config) SessionSettings() service.SessionConfig {
	return service.SessionConfig{
		PollInterval:   millis(c.Session.PollIntervalMs),
		ConfirmTimeout: millis(c.Session.ConfirmTimeoutMs),
	}
}

// TariffSettings returns the configured tariff with invalid values defaulted.
func (c *Config) TariffSettings() service.Tariff {
	return service.Tariff{
		GraceMinutes:     c.Tariff.GraceMinutes,
		IncrementMinutes: c.Tariff.IncrementMinutes,
		RatePerIncrement: c.Tariff.RatePerIncrement,
		MinimumBalance:   c.Tariff.MinimumBalance,
	}.Normalize()
}

// LedgerPath returns the ledger file path with a leading ~ expanded.
func (c *Config) LedgerPath() (string, error) {
	path := strings.TrimSpace(c.Ledger.Path)
	if path == "" {
		path = defaultLedgerPath
	}
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home dir: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// Location returns the zone ledger timestamps are written in.
func (c *Config) Location() (*time.Location, error) {
	name := strings.TrimSpace(c.Ledger.Timezone)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("config: ledger timezone: %w", err)
	}
	return loc, nil
}

// JournalDialect returns the normalized journal driver.
func (c *Config) JournalDialect() repository.Dialect {
	return repository.Dialect(strings.ToLower(strings.TrimSpace(c.Journal.Driver)))
}

func millis(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
