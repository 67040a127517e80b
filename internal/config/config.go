package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"ledger_books/internal/contracts"
	"ledger_books/internal/ledgerx"
	"ledger_books/internal/sink"
)

const EnvPrefix = "LEDGER"

type Config struct {
	APIKey        string        `mapstructure:"api_key"`
	WSURL         string        `mapstructure:"ws_url"`
	RESTURL       string        `mapstructure:"rest_url"`
	BookStatesURL string        `mapstructure:"book_states_url"`
	Contracts     string        `mapstructure:"contracts"`
	Feed          FeedConfig    `mapstructure:"feed"`
	Output        OutputConfig  `mapstructure:"output"`
	Sink          SinkConfig    `mapstructure:"sink"`
	Metrics       MetricsConfig `mapstructure:"metrics"`
	Log           LogConfig     `mapstructure:"log"`

	ContractIDs  []int64 `mapstructure:"-"`
	AllContracts bool    `mapstructure:"-"`
}

type FeedConfig struct {
	WarmUp             time.Duration `mapstructure:"warm_up"`
	WaitForHeartbeat   bool          `mapstructure:"wait_for_heartbeat"`
	LogCapacity        int           `mapstructure:"log_capacity"`
	MaxConcurrentLoads int           `mapstructure:"max_concurrent_loads"`
	AutoResync         bool          `mapstructure:"auto_resync"`
	ResyncAttempts     int           `mapstructure:"resync_attempts"`
	Reconnect          bool          `mapstructure:"reconnect"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
}

type OutputConfig struct {
	Mode  string `mapstructure:"mode"`
	Depth int    `mapstructure:"depth"`
}

type SinkConfig struct {
	Driver            string   `mapstructure:"driver"`
	Brokers           []string `mapstructure:"brokers"`
	Topic             string   `mapstructure:"topic"`
	RedisAddr         string   `mapstructure:"redis_addr"`
	Partitions        int32    `mapstructure:"partitions"`
	ReplicationFactor int16    `mapstructure:"replication_factor"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`

	// AuditDir enables the hourly integrity audit trail when set.
	AuditDir string `mapstructure:"audit_dir"`
}

var defaults = map[string]any{
	"api_key":                   "",
	"ws_url":                    ledgerx.DefaultWebsocketURL,
	"rest_url":                  ledgerx.DefaultBaseURL,
	"book_states_url":           ledgerx.DefaultBookStatesURL,
	"contracts":                 contracts.All,
	"feed.warm_up":              2 * time.Second,
	"feed.wait_for_heartbeat":   false,
	"feed.log_capacity":         100,
	"feed.max_concurrent_loads": 16,
	"feed.auto_resync":          false,
	"feed.resync_attempts":      5,
	"feed.reconnect":            true,
	"feed.read_timeout":         30 * time.Second,
	"output.mode":               string(sink.ModeFull),
	"output.depth":              sink.DefaultDepth,
	"sink.driver":               sink.DriverLog,
	"sink.brokers":              []string{"localhost:9092"},
	"sink.topic":                "",
	"sink.redis_addr":           "localhost:6379",
	"sink.partitions":           0,
	"sink.replication_factor":   0,
	"metrics.listen":            "",
	"log.level":                 "info",
	"log.pretty":                false,
	"log.audit_dir":             "",
}

// Load reads .env into the environment, then layers defaults, the optional
// YAML file at path and LEDGER_* environment variables.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required settings and parses the contract list.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return errors.New("api_key is required (set LEDGER_API_KEY)")
	}
	ids, all, err := contracts.Parse(c.Contracts)
	if err != nil {
		return fmt.Errorf("contracts: %w", err)
	}
	c.ContractIDs, c.AllContracts = ids, all

	mode, err := sink.ParseMode(c.Output.Mode)
	if err != nil {
		return fmt.Errorf("output.mode: %w", err)
	}
	c.Output.Mode = string(mode)
	if c.Output.Depth <= 0 {
		return fmt.Errorf("output.depth must be positive, got %d", c.Output.Depth)
	}
	c.Sink.Driver = strings.ToLower(strings.TrimSpace(c.Sink.Driver))
	if !slices.Contains(sink.Drivers, c.Sink.Driver) {
		return fmt.Errorf("sink.driver %q is not one of %s", c.Sink.Driver, strings.Join(sink.Drivers, ", "))
	}
	if c.Sink.Topic == "" {
		c.Sink.Topic = contracts.DefaultTopic("ledgerx", c.Output.Mode)
	}
	if c.Feed.WarmUp < 0 {
		return fmt.Errorf("feed.warm_up must not be negative")
	}
	return nil
}
