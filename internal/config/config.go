package config

import (
	"net"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/nimasrn/campaign-gateway/pkg/logger"
	"github.com/nimasrn/campaign-gateway/pkg/pg"
	"github.com/nimasrn/campaign-gateway/pkg/redis"
	"github.com/pkg/errors"
)

var config *Config

// Config holds every value the binaries read from the environment. Nothing
// else in the module reads env vars directly.
type Config struct {
	AppEnv  string `env:"APP_ENV,default=development"`
	AppName string `env:"APP_NAME,default=campaign_gateway"`
	Port    string `env:"PORT,default=3001"`
	// LogLevel overrides the env default level (debug in development, info in production).
	LogLevel string `env:"LOG_LEVEL"`

	MetricsAddr string `env:"METRICS_ADDR,default=:9090"`
	MetricsURI  string `env:"METRICS_URI,default=/metrics"`

	PostgresReadHost     string `env:"POSTGRES_READ_HOST,default=localhost"`
	PostgresReadPort     string `env:"POSTGRES_READ_PORT,default=5432"`
	PostgresReadUser     string `env:"POSTGRES_READ_USER,default=postgres"`
	PostgresReadPassword string `env:"POSTGRES_READ_PASSWORD"`
	PostgresReadDatabase string `env:"POSTGRES_READ_DBNAME,default=campaigns"`

	PostgresWriteHost     string `env:"POSTGRES_WRITE_HOST,default=localhost"`
	PostgresWritePort     string `env:"POSTGRES_WRITE_PORT,default=5432"`
	PostgresWriteUser     string `env:"POSTGRES_WRITE_USER,default=postgres"`
	PostgresWritePassword string `env:"POSTGRES_WRITE_PASSWORD"`
	PostgresWriteDatabase string `env:"POSTGRES_WRITE_DBNAME,default=campaigns"`

	PostgresMaxOpenConns    int           `env:"POSTGRES_MAX_OPEN_CONNS,default=20"`
	PostgresMaxIdleConns    int           `env:"POSTGRES_MAX_IDLE_CONNS,default=5"`
	PostgresConnMaxLifetime time.Duration `env:"POSTGRES_CONN_MAX_LIFETIME,default=30m"`

	RedisURL                string `env:"REDIS_URL"`
	RedisAddr               string `env:"REDIS_ADDR"`
	RedisHost               string `env:"REDIS_HOST,default=localhost"`
	RedisPort               string `env:"REDIS_PORT,default=6379"`
	RedisUsername           string `env:"REDIS_USER"`
	RedisPassword           string `env:"REDIS_PASS"`
	RedisDatabase           int    `env:"REDIS_DATABASE,default=0"`
	RedisUniversalKeyPrefix string `env:"REDIS_UNIVERSAL_KEY_PREFIX,default=campaign:"`

	TwilioAccountSID  string        `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken   string        `env:"TWILIO_AUTH_TOKEN"`
	TwilioPhoneNumber string        `env:"TWILIO_PHONE_NUMBER"`
	TwilioBaseURL     string        `env:"TWILIO_BASE_URL,default=https://api.twilio.com"`
	TwilioSandboxMode bool          `env:"TWILIO_SANDBOX_MODE,default=false"`
	DevRouteAllSMS    bool          `env:"DEV_ROUTE_ALL_SMS,default=false"`
	DevVirtualPhone   string        `env:"DEV_VIRTUAL_PHONE_NUMBER"`
	SMSTestNumber     string        `env:"SMS_TEST_NUMBER"`
	ProviderTimeout   time.Duration `env:"PROVIDER_TIMEOUT,default=10s"`
	ProviderMaxConns  int           `env:"PROVIDER_MAX_CONNS,default=64"`

	DefaultCountryCode string `env:"DEFAULT_COUNTRY_CODE,default=1"`

	SMSConcurrency      int           `env:"SMS_CONCURRENCY,default=5"`
	SMSRateMax          int           `env:"SMS_RATE_MAX,default=10"`
	SMSRateDuration     time.Duration `env:"SMS_RATE_DURATION,default=1s"`
	CampaignConcurrency int           `env:"CAMPAIGN_CONCURRENCY,default=2"`
	FanoutStagger       time.Duration `env:"FANOUT_STAGGER,default=100ms"`

	QueueVisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT,default=2m"`
	QueuePollInterval      time.Duration `env:"QUEUE_POLL_INTERVAL,default=200ms"`

	PendingSweepSpec  string        `env:"PENDING_SWEEP_SPEC,default=@every 5m"`
	PendingStaleAfter time.Duration `env:"PENDING_STALE_AFTER,default=10m"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT,default=1m"`

	PromNamespace string `env:"PROM_NAMESPACE,default=campaign_gateway"`

	// RunWorkers starts the queue consumers inside the api process.
	RunWorkers bool `env:"RUN_WORKERS,default=false"`
}

func Load(path string) error {
	logger.Info("loading configs..", "path", path)
	c := &Config{}
	var err error
	if path != "" {
		logger.Info("trying to publish env from file", "path", path)
		err = godotenv.Load(path)
		if err != nil {
			return errors.Wrap(err, "failed to load configuration file "+path)
		}
	}

	_, err = env.UnmarshalFromEnviron(c)
	if err != nil {
		return errors.Wrap(err, "failed to map env variables to Configuration object")
	}

	if err := c.validate(); err != nil {
		return err
	}
	if err := logger.Setup(c.AppEnv, c.LogLevel); err != nil {
		return errors.Wrap(err, "invalid LOG_LEVEL")
	}

	config = c
	return nil
}

// Set installs an already built config, used by tests and embedded runs.
func Set(c *Config) {
	config = c
}

func Get() *Config {
	if config == nil {
		logger.Panic("Config is not initialized")
	}
	return config
}

// DevRouting reports whether every send goes to the dev virtual number. The
// switch is honoured in development only.
func (c *Config) DevRouting() bool {
	return c.DevRouteAllSMS && c.AppEnv == "development"
}

func (c *Config) validate() error {
	switch {
	case c.SMSConcurrency <= 0:
		return errors.Errorf("SMS_CONCURRENCY must be positive, got %d", c.SMSConcurrency)
	case c.CampaignConcurrency <= 0:
		return errors.Errorf("CAMPAIGN_CONCURRENCY must be positive, got %d", c.CampaignConcurrency)
	case c.SMSRateMax <= 0 || c.SMSRateDuration <= 0:
		return errors.New("SMS_RATE_MAX and SMS_RATE_DURATION must be positive")
	case c.DefaultCountryCode == "":
		return errors.New("DEFAULT_COUNTRY_CODE must not be empty")
	}
	return nil
}

// ListenAddr is the api bind address.
func (c *Config) ListenAddr() string {
	if strings.Contains(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}

// ResolvedRedisAddr picks REDIS_ADDR, falling back to REDIS_HOST and REDIS_PORT.
func (c *Config) ResolvedRedisAddr() string {
	if c.RedisAddr != "" {
		return c.RedisAddr
	}
	return net.JoinHostPort(c.RedisHost, c.RedisPort)
}

// RedisOptions builds client options. REDIS_URL wins over the discrete keys.
func (c *Config) RedisOptions() (*redis.Options, error) {
	if c.RedisURL != "" {
		opts, err := redis.ParseURL(c.RedisURL)
		if err != nil {
			return nil, errors.Wrap(err, "invalid REDIS_URL")
		}
		return opts, nil
	}
	return &redis.Options{
		Addrs:    []string{c.ResolvedRedisAddr()},
		Username: c.RedisUsername,
		Password: c.RedisPassword,
		DB:       c.RedisDatabase,
	}, nil
}

func (c *Config) PostgresRead() pg.Config {
	return pg.Config{
		User:     c.PostgresReadUser,
		Host:     c.PostgresReadHost,
		Port:     c.PostgresReadPort,
		Password: c.PostgresReadPassword,
		Database: c.PostgresReadDatabase,

		MaxOpenConns:    c.PostgresMaxOpenConns,
		MaxIdleConns:    c.PostgresMaxIdleConns,
		ConnMaxLifetime: c.PostgresConnMaxLifetime,
	}
}

func (c *Config) PostgresWrite() pg.Config {
	return pg.Config{
		User:     c.PostgresWriteUser,
		Host:     c.PostgresWriteHost,
		Port:     c.PostgresWritePort,
		Password: c.PostgresWritePassword,
		Database: c.PostgresWriteDatabase,

		MaxOpenConns:    c.PostgresMaxOpenConns,
		MaxIdleConns:    c.PostgresMaxIdleConns,
		ConnMaxLifetime: c.PostgresConnMaxLifetime,
	}
}
