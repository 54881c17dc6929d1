package configs

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/GiorgiUbiria/notary_ledger/internal/logger"
)

type Config struct {
	HTTP struct {
		Addr         string        `mapstructure:"addr"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
		IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	} `mapstructure:"http"`
	DB struct {
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"db"`
	JWT struct {
		SECRET string        `mapstructure:"secret"`
		TTL    time.Duration `mapstructure:"ttl"`
	} `mapstructure:"jwt"`
	Servers []ServerConfig `mapstructure:"servers"`
	Ledger  struct {
		LockTimeout time.Duration `mapstructure:"lock_timeout"`
	} `mapstructure:"ledger"`
	Market struct {
		CronInterval time.Duration `mapstructure:"cron_interval"`
		TradeHistory int           `mapstructure:"trade_history"`
	} `mapstructure:"market"`
	RateLimit struct {
		RequestsPerMinute float64 `mapstructure:"requests_per_minute"`
		Burst             int     `mapstructure:"burst"`
	} `mapstructure:"rate-limit"`
	Log struct {
		Dev bool `mapstructure:"dev"`
	} `mapstructure:"log"`
	Seed struct {
		Enabled   bool     `mapstructure:"enabled"`
		Contracts []string `mapstructure:"contracts"`
	} `mapstructure:"seed"`
}

// ServerConfig names one notary hosted by this process.
type ServerConfig struct {
	Name string `mapstructure:"name"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.dsn", "")
	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.ttl", 24*time.Hour)
	v.SetDefault("ledger.lock_timeout", 2*time.Second)
	v.SetDefault("market.cron_interval", 10*time.Second)
	v.SetDefault("market.trade_history", 100)
	v.SetDefault("rate-limit.requests_per_minute", 600)
	v.SetDefault("rate-limit.burst", 50)
	v.SetDefault("log.dev", false)
	v.SetDefault("seed.enabled", false)
	v.SetDefault("servers", []map[string]any{{"name": "Transactions.com"}})
}

// Load reads config.yaml from dir (or ./configs) and NOTARY_* environment overrides.
func Load(dir string) (*Config, error) {
	if dir == "" {
		dir = "./configs"
	}
	v := viper.New()
	v.AddConfigPath(dir)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvPrefix("notary")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	var fileLookupError viper.ConfigFileNotFoundError
	if err := v.ReadInConfig(); err != nil {
		if !errors.As(err, &fileLookupError) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		logger.Log.Warn("config file not found, using defaults and environment", zap.String("dir", dir))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.DB.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unsupported db driver %q", c.DB.Driver)
	}
	if len(c.Servers) == 0 {
		return errors.New("config: at least one server is required")
	}
	seen := make(map[string]bool, len(c.Servers))
	for _, s := range c.Servers {
		if s.Name == "" {
			return errors.New("config: server name must not be empty")
		}
		if seen[s.Name] {
			return fmt.Errorf("config: duplicate server %q", s.Name)
		}
		seen[s.Name] = true
	}
	if c.JWT.SECRET == "" {
		return errors.New("config: jwt.secret must be set")
	}
	if c.Ledger.LockTimeout <= 0 {
		return errors.New("config: ledger.lock_timeout must be positive")
	}
	if c.Market.CronInterval <= 0 {
		return errors.New("config: market.cron_interval must be positive")
	}
	return nil
}

// ServerNames lists the configured notaries in declaration order.
func (c *Config) ServerNames() []string {
	names := make([]string, 0, len(c.Servers))
	for _, s := range c.Servers {
		names = append(names, s.Name)
	}
	return names
}
