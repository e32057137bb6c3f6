// Package config loads daemon settings from the environment (optionally a
// .env file) and relay channel definitions from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/sweeney/water-sensor/internal/gpio"
	"github.com/sweeney/water-sensor/internal/relay"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"
)

// Config holds the daemon settings.
type Config struct {
	HTTPAddr string

	Store       string
	DatabaseURL string
	SQLitePath  string

	MQTTBroker   string
	MQTTClientID string

	ChannelsFile string
	Channels     []relay.Channel

	PollInterval      time.Duration
	RequestTimeout    time.Duration
	StaleAfter        int
	MaxBackoff        time.Duration
	HeartbeatInterval time.Duration

	EvaluateSchedule string
	RecentWindow     int
	HistoricalWindow int
	HistoricalRange  time.Duration

	TelegramToken  string
	TelegramChatID int64
	AlertInterval  time.Duration

	GPIOChip      string // empty = no relay hardware
	GPIOActiveLow bool
}

// Defaults returns the built-in settings.
func Defaults() Config {
	return Config{
		HTTPAddr:          ":8080",
		Store:             StoreSQLite,
		SQLitePath:        "water-sensor.db",
		MQTTBroker:        "tcp://127.0.0.1:1883",
		MQTTClientID:      "water-sensor",
		Channels:          DefaultChannels(),
		PollInterval:      2 * time.Second,
		RequestTimeout:    5 * time.Second,
		StaleAfter:        3,
		MaxBackoff:        30 * time.Second,
		HeartbeatInterval: 15 * time.Minute,
		EvaluateSchedule:  "@every 1m",
		RecentWindow:      10,
		HistoricalWindow:  100,
		HistoricalRange:   24 * time.Hour,
		AlertInterval:     10 * time.Minute,
	}
}

// DefaultChannels returns the stock relay board wiring.
func DefaultChannels() []relay.Channel {
	return []relay.Channel{
		{ID: 1, Label: "Filter", Pin: gpio.PinFilter},
		{ID: 2, Label: "Dispenser", Pin: gpio.PinDispenser},
	}
}

// Load reads .env (if present), the environment and the channels file.
func Load() (Config, error) {
	_ = godotenv.Load() // ignore missing file
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv over the defaults.
func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Defaults()
	p := parser{getenv: getenv}

	p.str("HTTP_ADDR", &cfg.HTTPAddr)
	p.str("STORE", &cfg.Store)
	p.str("DATABASE_URL", &cfg.DatabaseURL)
	p.str("SQLITE_PATH", &cfg.SQLitePath)
	p.str("MQTT_BROKER", &cfg.MQTTBroker)
	p.str("MQTT_CLIENT_ID", &cfg.MQTTClientID)
	p.str("CHANNELS_FILE", &cfg.ChannelsFile)
	p.duration("POLL_INTERVAL", &cfg.PollInterval)
	p.duration("REQUEST_TIMEOUT", &cfg.RequestTimeout)
	p.integer("STALE_AFTER", &cfg.StaleAfter)
	p.duration("MAX_BACKOFF", &cfg.MaxBackoff)
	p.duration("HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval)
	p.str("EVALUATE_SCHEDULE", &cfg.EvaluateSchedule)
	p.integer("RECENT_WINDOW", &cfg.RecentWindow)
	p.integer("HISTORICAL_WINDOW", &cfg.HistoricalWindow)
	p.duration("HISTORICAL_RANGE", &cfg.HistoricalRange)
	p.str("TELEGRAM_BOT_TOKEN", &cfg.TelegramToken)
	p.integer64("TELEGRAM_CHAT_ID", &cfg.TelegramChatID)
	p.duration("ALERT_INTERVAL", &cfg.AlertInterval)
	p.str("GPIO_CHIP", &cfg.GPIOChip)
	p.boolean("GPIO_ACTIVE_LOW", &cfg.GPIOActiveLow)
	if p.err != nil {
		return cfg, p.err
	}

	if cfg.Store == StorePostgres && cfg.DatabaseURL == "" {
		return cfg, errors.New("DATABASE_URL is required for the postgres store")
	}

	if cfg.ChannelsFile != "" {
		chs, err := LoadChannels(cfg.ChannelsFile)
		if err != nil {
			return cfg, err
		}
		cfg.Channels = chs
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks value ranges and cross-field rules.
func (c Config) Validate() error {
	switch c.Store {
	case StorePostgres, StoreSQLite, StoreMemory:
	default:
		return fmt.Errorf("invalid STORE %q (want postgres, sqlite or memory)", c.Store)
	}
	if c.Store == StoreSQLite && c.SQLitePath == "" {
		return errors.New("SQLITE_PATH is required for the sqlite store")
	}
	if c.PollInterval <= 0 || c.RequestTimeout <= 0 || c.HeartbeatInterval <= 0 {
		return errors.New("intervals and timeouts must be positive")
	}
	if c.StaleAfter < 1 {
		return fmt.Errorf("STALE_AFTER must be at least 1, got %d", c.StaleAfter)
	}
	if c.RecentWindow < 1 || c.HistoricalWindow < 1 || c.HistoricalRange <= 0 {
		return errors.New("readings windows must be positive")
	}
	if (c.TelegramToken == "") != (c.TelegramChatID == 0) {
		return errors.New("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together")
	}
	if _, err := cron.ParseStandard(c.EvaluateSchedule); err != nil {
		return fmt.Errorf("invalid EVALUATE_SCHEDULE %q: %w", c.EvaluateSchedule, err)
	}
	return validateChannels(c.Channels)
}

// AlertsEnabled reports whether Telegram alerting is configured.
func (c Config) AlertsEnabled() bool {
	return c.TelegramToken != "" && c.TelegramChatID != 0
}

type channelsFile struct {
	Channels []relay.Channel `yaml:"channels"`
}

// LoadChannels reads relay channel definitions from a YAML file:
//
//	channels:
//	  - id: 1
//	    label: Filter
//	    pin: 17
func LoadChannels(path string) ([]relay.Channel, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read channels file: %w", err)
	}
	var f channelsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse channels file: %w", err)
	}
	if err := validateChannels(f.Channels); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f.Channels, nil
}

func validateChannels(chs []relay.Channel) error {
	if len(chs) == 0 {
		return errors.New("no relay channels configured")
	}
	ids := make(map[int]bool, len(chs))
	pins := make(map[int]bool, len(chs))
	for _, ch := range chs {
		if ch.ID <= 0 {
			return fmt.Errorf("relay id must be positive, got %d", ch.ID)
		}
		if ids[ch.ID] {
			return fmt.Errorf("duplicate relay id %d", ch.ID)
		}
		ids[ch.ID] = true
		if strings.TrimSpace(ch.Label) == "" {
			return fmt.Errorf("relay %d has no label", ch.ID)
		}
		if ch.Pin < 0 {
			return fmt.Errorf("relay %d: invalid pin %d", ch.ID, ch.Pin)
		}
		if ch.Pin > 0 {
			if pins[ch.Pin] {
				return fmt.Errorf("pin %d assigned to more than one relay", ch.Pin)
			}
			pins[ch.Pin] = true
		}
	}
	return nil
}

// parser collects the first conversion error.
type parser struct {
	getenv func(string) string
	err    error
}

func (p *parser) lookup(key string) (string, bool) {
	if p.err != nil {
		return "", false
	}
	v := strings.TrimSpace(p.getenv(key))
	return v, v != ""
}

func (p *parser) str(key string, dst *string) {
	if v, ok := p.lookup(key); ok {
		*dst = v
	}
}

func (p *parser) duration(key string, dst *time.Duration) {
	v, ok := p.lookup(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.err = fmt.Errorf("invalid %s: %s", key, v)
		return
	}
	*dst = d
}

func (p *parser) integer(key string, dst *int) {
	v, ok := p.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.err = fmt.Errorf("invalid %s: %s", key, v)
		return
	}
	*dst = n
}

func (p *parser) integer64(key string, dst *int64) {
	v, ok := p.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.err = fmt.Errorf("invalid %s: %s", key, v)
		return
	}
	*dst = n
}

func (p *parser) boolean(key string, dst *bool) {
	v, ok := p.lookup(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.err = fmt.Errorf("invalid %s: %s", key, v)
		return
	}
	*dst = b
}
