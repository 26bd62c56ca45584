// Package config loads the greenrack configuration.
//
// Values are resolved in this order, later wins:
//
//  1. Defaults()
//  2. the YAML file passed with --config
//  3. .env.local / .env (or the file named by ENV_FILE)
//  4. process environment, through `env` struct tags
//
// The result is validated once at startup and passed down by value.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/greenrack/internal/delivery"
	"github.com/ChuLiYu/greenrack/internal/logger"
	"github.com/ChuLiYu/greenrack/pkg/types"
)

// Config is the complete system configuration.
type Config struct {
	Delivery   DeliveryConfig   `yaml:"delivery"`
	Racks      []RackConfig     `yaml:"racks"`
	Production ProductionConfig `yaml:"production"`
	Queue      QueueConfig      `yaml:"queue"`
	Automation AutomationConfig `yaml:"automation"`

	WAL struct {
		Dir           string        `yaml:"dir" env:"WAL_DIR"`
		BufferSize    int           `yaml:"buffer_size"`
		FlushInterval time.Duration `yaml:"flush_interval"`
	} `yaml:"wal"`

	Snapshot struct {
		Dir      string        `yaml:"dir" env:"SNAPSHOT_DIR"`
		Interval time.Duration `yaml:"interval"`
	} `yaml:"snapshot"`

	HTTP struct {
		Addr string `yaml:"addr" env:"HTTP_ADDR"`
	} `yaml:"http"`

	GRPC struct {
		Enabled bool   `yaml:"enabled" env:"GRPC_ENABLED"`
		Addr    string `yaml:"addr" env:"GRPC_ADDR"`
	} `yaml:"grpc"`

	Redis struct {
		Address  string `yaml:"address" env:"REDIS_ADDRESS"`
		Password string `yaml:"password" env:"REDIS_PASSWORD"`
		DB       int    `yaml:"db" env:"REDIS_DB"`
	} `yaml:"redis"`

	Database struct {
		URL string `yaml:"url" env:"DATABASE_URL"`
	} `yaml:"database"`

	Metrics struct {
		Enabled bool `yaml:"enabled" env:"METRICS_ENABLED"`
	} `yaml:"metrics"`

	// Notify sends notifications to WebhookURL, or to the log when empty.
	Notify struct {
		WebhookURL string        `yaml:"webhook_url" env:"NOTIFY_WEBHOOK_URL"`
		Timeout    time.Duration `yaml:"timeout"`
	} `yaml:"notify"`

	Logging logger.Config `yaml:"logging"`
}

// DeliveryConfig is the order-cutoff rule. Days accept names or 0-6 (Sunday=0).
type DeliveryConfig struct {
	CutoffDay  string `yaml:"cutoff_day" env:"DELIVERY_CUTOFF_DAY"`
	CutoffTime string `yaml:"cutoff_time" env:"DELIVERY_CUTOFF_TIME"`
	Day        string `yaml:"delivery_day" env:"DELIVERY_DAY"`
	Timezone   string `yaml:"timezone" env:"DELIVERY_TIMEZONE"`
	// OfferCount is how many future dates GET /delivery-options returns.
	OfferCount int `yaml:"offer_count"`
}

// RackConfig declares one rack and its total capacity in trays.
type RackConfig struct {
	ID       string `yaml:"id"`
	Capacity int    `yaml:"capacity"`
}

// ProductionConfig tunes the stage machine.
type ProductionConfig struct {
	// AutoDelivery creates a delivery job when a batch linked to an order
	// completes PACK.
	AutoDelivery bool `yaml:"auto_delivery" env:"PRODUCTION_AUTO_DELIVERY"`
	// StaleSlack multiplies a stage's expected duration before its task
	// counts as overdue.
	StaleSlack    float64 `yaml:"stale_slack"`
	SweepSchedule string  `yaml:"sweep_schedule"`
	// StageDurations overrides rows of the built-in table, keyed by crop then stage name.
	StageDurations map[string]map[string]time.Duration `yaml:"stage_durations"`
}

// QueueConfig tunes the job queue.
type QueueConfig struct {
	Workers           map[string]int `yaml:"workers"`
	MaxAttempts       int            `yaml:"max_attempts" env:"QUEUE_MAX_ATTEMPTS"`
	BaseBackoff       time.Duration  `yaml:"base_backoff"`
	MaxBackoff        time.Duration  `yaml:"max_backoff"`
	VisibilityTimeout time.Duration  `yaml:"visibility_timeout"`
	ReclaimInterval   time.Duration  `yaml:"reclaim_interval"`
	PollInterval      time.Duration  `yaml:"poll_interval"`
}

// AutomationConfig holds the dedupe window and scheduled triggers.
type AutomationConfig struct {
	DedupeTTL time.Duration `yaml:"dedupe_ttl"`
	// LowStockThreshold is the available quantity at or below which
	// inventory_check notifies.
	LowStockThreshold int           `yaml:"low_stock_threshold"`
	Timers            []TimerConfig `yaml:"timers"`
}

// TimerConfig fires Type with Payload on the cron Spec.
type TimerConfig struct {
	Spec    string            `yaml:"spec"`
	Type    string            `yaml:"type"`
	Payload map[string]string `yaml:"payload"`
}

// Defaults returns a configuration that runs standalone with in-memory stores.
func Defaults() Config {
	var c Config
	c.Delivery = DeliveryConfig{
		CutoffDay:  "wednesday",
		CutoffTime: "18:00",
		Day:        "friday",
		Timezone:   "Local",
		OfferCount: 4,
	}
	c.Racks = []RackConfig{{ID: "rack-a", Capacity: 40}, {ID: "rack-b", Capacity: 40}}
	c.Production = ProductionConfig{
		AutoDelivery:  true,
		StaleSlack:    1.5,
		SweepSchedule: "@every 1m",
	}
	c.Queue = QueueConfig{
		Workers: map[string]int{
			string(types.DomainProduction):   4,
			string(types.DomainDelivery):     2,
			string(types.DomainNotification): 2,
			string(types.DomainAutomation):   2,
		},
		MaxAttempts:       3,
		BaseBackoff:       2 * time.Second,
		MaxBackoff:        5 * time.Minute,
		VisibilityTimeout: 30 * time.Second,
		ReclaimInterval:   time.Second,
		PollInterval:      500 * time.Millisecond,
	}
	c.Automation = AutomationConfig{DedupeTTL: 24 * time.Hour, LowStockThreshold: 5}
	c.Notify.Timeout = 5 * time.Second
	c.WAL.Dir = "data/wal"
	c.WAL.BufferSize = 100
	c.WAL.FlushInterval = 10 * time.Millisecond
	c.Snapshot.Dir = "data/snapshots"
	c.Snapshot.Interval = 30 * time.Second
	c.HTTP.Addr = ":8080"
	c.GRPC.Addr = ":50051"
	c.Metrics.Enabled = true
	c.Logging.Level = "info"
	return c
}

// Load resolves the configuration. An empty path skips the YAML file.
func Load(path string) (Config, error) {
	if err := loadEnvFiles(); err != nil {
		return Config{}, fmt.Errorf("load environment files: %w", err)
	}

	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config YAML: %w", err)
		}
	}

	applyEnvToStruct(reflect.ValueOf(&cfg).Elem())

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the system cannot run with.
func (c Config) Validate() error {
	if _, err := c.Window(); err != nil {
		return fmt.Errorf("delivery: %w", err)
	}
	seen := make(map[string]bool, len(c.Racks))
	for _, r := range c.Racks {
		if r.ID == "" {
			return fmt.Errorf("racks: id is required")
		}
		if seen[r.ID] {
			return fmt.Errorf("racks: duplicate rack %q", r.ID)
		}
		seen[r.ID] = true
		if r.Capacity <= 0 {
			return fmt.Errorf("racks: rack %q capacity must be positive", r.ID)
		}
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue: max_attempts must be at least 1")
	}
	if c.Queue.BaseBackoff <= 0 || c.Queue.MaxBackoff < c.Queue.BaseBackoff {
		return fmt.Errorf("queue: backoff must satisfy 0 < base_backoff <= max_backoff")
	}
	if c.Queue.VisibilityTimeout <= 0 {
		return fmt.Errorf("queue: visibility_timeout must be positive")
	}
	for name, n := range c.Queue.Workers {
		if !types.Domain(name).Valid() {
			return fmt.Errorf("queue: unknown worker domain %q", name)
		}
		if n < 0 {
			return fmt.Errorf("queue: worker count for %s must not be negative", name)
		}
	}
	if _, err := c.StageDurations(); err != nil {
		return fmt.Errorf("production: %w", err)
	}
	if c.Production.StaleSlack < 1 {
		return fmt.Errorf("production: stale_slack must be at least 1")
	}
	for i, t := range c.Automation.Timers {
		if t.Spec == "" || t.Type == "" {
			return fmt.Errorf("automation: timer %d needs spec and type", i)
		}
	}
	return nil
}

// Window parses the delivery section into a delivery.Window.
func (c Config) Window() (delivery.Window, error) {
	var w delivery.Window
	var err error

	if w.CutoffDay, err = delivery.ParseWeekday(c.Delivery.CutoffDay); err != nil {
		return w, fmt.Errorf("cutoff_day: %w", err)
	}
	if w.CutoffHour, w.CutoffMinute, err = delivery.ParseClock(c.Delivery.CutoffTime); err != nil {
		return w, fmt.Errorf("cutoff_time: %w", err)
	}
	if w.DeliveryDay, err = delivery.ParseWeekday(c.Delivery.Day); err != nil {
		return w, fmt.Errorf("delivery_day: %w", err)
	}
	tz := c.Delivery.Timezone
	if tz == "" {
		tz = "Local"
	}
	if w.Location, err = time.LoadLocation(tz); err != nil {
		return w, fmt.Errorf("timezone: %w", err)
	}
	return w, w.Validate()
}

// StageDurations merges configured overrides onto the built-in table.
func (c Config) StageDurations() (types.StageDurations, error) {
	table := types.DefaultStageDurations()
	for crop, row := range c.Production.StageDurations {
		if _, ok := table[crop]; !ok {
			table[crop] = make(map[types.Stage]time.Duration)
		}
		for name, d := range row {
			stage, err := types.ParseStage(name)
			if err != nil {
				return nil, fmt.Errorf("stage_durations.%s: %w", crop, err)
			}
			if stage.Terminal() || d <= 0 {
				return nil, fmt.Errorf("stage_durations.%s.%s: must be a positive duration of a growth stage", crop, name)
			}
			table[crop][stage] = d
		}
	}
	return table, nil
}

// WorkersFor returns the configured worker count of a domain.
func (c Config) WorkersFor(d types.Domain) int {
	return c.Queue.Workers[string(d)]
}

// loadEnvFiles loads ENV_FILE if set, otherwise .env.local then .env.
// Missing files are ignored.
func loadEnvFiles() error {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}
	for _, f := range []string{".env.local", ".env"} {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func applyEnvToStruct(v reflect.Value) {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		if !field.CanSet() {
			continue
		}
		if field.Kind() == reflect.Struct {
			applyEnvToStruct(field)
			continue
		}
		name := t.Field(i).Tag.Get("env")
		if name == "" {
			continue
		}
		if val, ok := os.LookupEnv(name); ok && val != "" {
			setFieldFromString(field, val)
		}
	}
}

func setFieldFromString(field reflect.Value, val string) {
	switch field.Kind() {
	case reflect.String:
		field.SetString(val)
	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			if d, err := time.ParseDuration(val); err == nil {
				field.SetInt(int64(d))
			}
			return
		}
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			field.SetInt(n)
		}
	case reflect.Bool:
		s := strings.ToLower(strings.TrimSpace(val))
		field.SetBool(s == "true" || s == "1" || s == "yes")
	}
}
