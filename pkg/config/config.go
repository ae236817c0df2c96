package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv      = "BILLSYNC_APP_ENV"
	EnvPort        = "BILLSYNC_APP_PORT"
	EnvDBDSN       = "BILLSYNC_DB_DSN"
	EnvDBHost      = "BILLSYNC_DB_HOST"
	EnvDBUser      = "BILLSYNC_DB_USER"
	EnvDBName      = "BILLSYNC_DB_NAME"
	EnvRedisURL    = "BILLSYNC_REDIS_URL"
	EnvJWTSecret   = "BILLSYNC_JWT_SECRET"
	EnvJWTIssuer   = "BILLSYNC_JWT_ISSUER"
	EnvJWTExpMins  = "BILLSYNC_JWT_EXPIRATION_MINUTES"
	EnvStripeKey   = "BILLSYNC_STRIPE_API_KEY"
	EnvSquareToken = "BILLSYNC_SQUARE_ACCESS_TOKEN"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

type Config struct {
	App          AppConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	Stripe       StripeConfig
	Square       SquareConfig
	Billing      BillingConfig
	Referral     ReferralConfig
	Cron         CronConfig
	FeatureFlags FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Billing.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"BILLSYNC_APP_ENV" required:"true"`
	Port         string `envconfig:"BILLSYNC_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"BILLSYNC_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"BILLSYNC_LOG_WARN_STACK" default:"false"`
	// CORSOrigins is a comma-separated allow list for browser clients.
	CORSOrigins []string `envconfig:"BILLSYNC_CORS_ORIGINS" default:"http://localhost:3000"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN string `envconfig:"BILLSYNC_DB_DSN"`

	LegacyHost     string `envconfig:"BILLSYNC_DB_HOST"`
	LegacyPort     int    `envconfig:"BILLSYNC_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"BILLSYNC_DB_USER"`
	LegacyPassword string `envconfig:"BILLSYNC_DB_PASSWORD"`
	LegacyName     string `envconfig:"BILLSYNC_DB_NAME"`
	LegacySSLMode  string `envconfig:"BILLSYNC_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"BILLSYNC_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"BILLSYNC_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"BILLSYNC_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"BILLSYNC_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"BILLSYNC_REDIS_URL"`
	Address      string        `envconfig:"BILLSYNC_REDIS_ADDR"`
	Password     string        `envconfig:"BILLSYNC_REDIS_PASSWORD"`
	DB           int           `envconfig:"BILLSYNC_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"BILLSYNC_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"BILLSYNC_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"BILLSYNC_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"BILLSYNC_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"BILLSYNC_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"BILLSYNC_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"BILLSYNC_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"BILLSYNC_JWT_EXPIRATION_MINUTES" default:"60"`
}

type StripeConfig struct {
	APIKey          string `envconfig:"BILLSYNC_STRIPE_API_KEY"`
	Secret          string `envconfig:"BILLSYNC_STRIPE_SECRET"`
	Env             string `envconfig:"BILLSYNC_STRIPE_ENV" default:"test"`
	PortalReturnURL string `envconfig:"BILLSYNC_STRIPE_PORTAL_RETURN_URL"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

// Enabled reports whether the processor backend is configured.
func (s StripeConfig) Enabled() bool {
	return strings.TrimSpace(s.APIKey) != ""
}

type SquareConfig struct {
	AccessToken   string `envconfig:"BILLSYNC_SQUARE_ACCESS_TOKEN"`
	WebhookSecret string `envconfig:"BILLSYNC_SQUARE_WEBHOOK_SECRET"`
	WebhookURL    string `envconfig:"BILLSYNC_SQUARE_WEBHOOK_URL"`
	Env           string `envconfig:"BILLSYNC_SQUARE_ENV" default:"sandbox"`
}

// Environment returns the normalized Square environment (sandbox/production).
func (s SquareConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "sandbox"
	}
	return env
}

// Enabled reports whether the invoicing backend is configured.
func (s SquareConfig) Enabled() bool {
	return strings.TrimSpace(s.AccessToken) != ""
}

// BillingConfig bounds every call made to an external billing backend.
type BillingConfig struct {
	StatusTimeout   time.Duration `envconfig:"BILLSYNC_BILLING_STATUS_TIMEOUT" default:"12s"`
	MutationTimeout time.Duration `envconfig:"BILLSYNC_BILLING_MUTATION_TIMEOUT" default:"30s"`
	WriteTimeout    time.Duration `envconfig:"BILLSYNC_BILLING_LOCAL_WRITE_TIMEOUT" default:"5s"`
	RetryAttempts   uint64        `envconfig:"BILLSYNC_BILLING_RETRY_ATTEMPTS" default:"3"`
	RetryBaseDelay  time.Duration `envconfig:"BILLSYNC_BILLING_RETRY_BASE_DELAY" default:"200ms"`
	RetryMaxDelay   time.Duration `envconfig:"BILLSYNC_BILLING_RETRY_MAX_DELAY" default:"2s"`
}

func (b BillingConfig) validate() error {
	if b.StatusTimeout <= 0 || b.MutationTimeout <= 0 {
		return fmt.Errorf("billing timeouts must be positive")
	}
	if b.RetryAttempts == 0 {
		return fmt.Errorf("billing retry attempts must be at least 1")
	}
	return nil
}

type ReferralConfig struct {
	DiscountAmount int64         `envconfig:"BILLSYNC_REFERRAL_DISCOUNT_AMOUNT" default:"25000"`
	Currency       string        `envconfig:"BILLSYNC_REFERRAL_CURRENCY" default:"usd"`
	CreditLease    time.Duration `envconfig:"BILLSYNC_REFERRAL_CREDIT_LEASE" default:"2m"`
	CacheSize      int           `envconfig:"BILLSYNC_REFERRAL_CACHE_SIZE" default:"1024"`
	CacheTTL       time.Duration `envconfig:"BILLSYNC_REFERRAL_CACHE_TTL" default:"10m"`
}

type CronConfig struct {
	Schedule          string        `envconfig:"BILLSYNC_CRON_SCHEDULE" default:"*/15 * * * *"`
	LockKey           string        `envconfig:"BILLSYNC_CRON_LOCK_KEY" default:"billsync:cron:lock"`
	LockTTL           time.Duration `envconfig:"BILLSYNC_CRON_LOCK_TTL" default:"14m"`
	ReconcileLimit    int           `envconfig:"BILLSYNC_CRON_RECONCILE_LIMIT" default:"250"`
	ReconcileLookback time.Duration `envconfig:"BILLSYNC_CRON_RECONCILE_LOOKBACK" default:"24h"`
	DriftBatch        int64         `envconfig:"BILLSYNC_CRON_DRIFT_BATCH" default:"100"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"BILLSYNC_AUTO_MIGRATE" default:"false"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}
	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}
	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}
	db.DSN = u.String()
	return nil
}
