package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	DB       DBConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Auth     AuthConfig
	Stripe   StripeConfig
	Matching MatchingConfig
	Dispatch DispatchConfig
	Push     PushConfig
	Log      LogConfig
}

type ServerConfig struct {
	Addr              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	AllowedOrigins    []string
	RequestsPerMinute int
}

type DBConfig struct {
	Driver         string
	User           string
	Password       string
	DBName         string
	SSLMode        string
	Host           string
	Port           string
	MigrationsPath string
}

// DSN returns the postgres connection URL golang-migrate and lib/pq both accept.
func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type AuthConfig struct {
	JWTSecret string
}

type StripeConfig struct {
	WebhookSecret string
}

type MatchingConfig struct {
	MaxSearchRadiusKm float64
	DispatchFanout    int
}

type DispatchConfig struct {
	OfferTTL time.Duration
	// SweepInterval paces the expiry sweep used when no Redis task queue is
	// configured.
	SweepInterval time.Duration
	// QueueDB is the Redis database holding offer expiry tasks.
	QueueDB int
}

type PushConfig struct {
	// CredentialsFile is a Firebase service account key. Empty logs offers
	// instead of pushing them.
	CredentialsFile string
}

type LogConfig struct {
	Env   string
	Level string
}

// IsProduction reports whether the service runs with production logging.
func (c LogConfig) IsProduction() bool {
	return c.Env == "production"
}

var Cfg *Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.readtimeout", 15*time.Second)
	v.SetDefault("server.writetimeout", 15*time.Second)
	v.SetDefault("server.allowedorigins", []string{"*"})
	v.SetDefault("server.requestsperminute", 200)

	v.SetDefault("db.driver", "memory")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.password", "postgres")
	v.SetDefault("db.dbname", "matching")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.migrationspath", "file://database/migrations")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "service-requests:events")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "service-requests")

	v.SetDefault("auth.jwtsecret", "")
	v.SetDefault("stripe.webhooksecret", "")

	v.SetDefault("matching.maxsearchradiuskm", 50.0)
	v.SetDefault("matching.dispatchfanout", 5)

	v.SetDefault("dispatch.offerttl", 5*time.Minute)
	v.SetDefault("dispatch.sweepinterval", 15*time.Second)
	v.SetDefault("dispatch.queuedb", 1)

	v.SetDefault("push.credentialsfile", "")

	v.SetDefault("log.env", "development")
	v.SetDefault("log.level", "info")
}

// Load reads config.yaml from the given directories (defaulting to "." and
// "./config") and applies environment overrides such as DB_HOST or
// REDIS_ADDR. A missing file is not an error.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "./config"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
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
	case "memory", "postgres":
	default:
		return fmt.Errorf("db.driver must be memory or postgres, got %q", c.DB.Driver)
	}
	if c.Matching.MaxSearchRadiusKm <= 0 {
		return errors.New("matching.maxsearchradiuskm must be positive")
	}
	if c.Matching.DispatchFanout < 0 {
		return errors.New("matching.dispatchfanout must not be negative")
	}
	if c.Dispatch.OfferTTL <= 0 {
		return errors.New("dispatch.offerttl must be positive")
	}
	if c.Dispatch.SweepInterval <= 0 {
		return errors.New("dispatch.sweepinterval must be positive")
	}
	return nil
}

func InitConfig() {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("Error reading config file, %s", err)
	}
	Cfg = cfg
}
