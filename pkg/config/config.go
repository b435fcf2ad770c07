package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	FeatureFlags FeatureFlagsConfig
	RateLimit    RateLimitConfig
	Subscription SubscriptionConfig
	Reconcile    ReconcileConfig
	Invite       InviteConfig
	Renewal      RenewalConfig
	Reminders    RemindersConfig
	Payments     PaymentsConfig
	Referral     ReferralConfig
	Telegram     TelegramConfig
	YooKassa     YooKassaConfig
	Square       SquareConfig
	Admin        AdminConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(cfg.FeatureFlags.UseSQLite); err != nil {
		return nil, err
	}
	if err := cfg.Payments.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Admin.parse(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"MEMBERGATE_APP_ENV" required:"true"`
	Port         string `envconfig:"MEMBERGATE_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"MEMBERGATE_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"MEMBERGATE_LOG_WARN_STACK" default:"false"`
	LogFormat    string `envconfig:"MEMBERGATE_LOG_FORMAT" default:"json"`
	// CORSOrigins lists the web app origins allowed to call the API.
	CORSOrigins []string `envconfig:"MEMBERGATE_CORS_ORIGINS" default:"http://localhost:3000"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"MEMBERGATE_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"MEMBERGATE_DB_DSN"`
	Driver string `envconfig:"MEMBERGATE_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"MEMBERGATE_DB_HOST"`
	LegacyPort     int    `envconfig:"MEMBERGATE_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"MEMBERGATE_DB_USER"`
	LegacyPassword string `envconfig:"MEMBERGATE_DB_PASSWORD"`
	LegacyName     string `envconfig:"MEMBERGATE_DB_NAME"`
	LegacySSLMode  string `envconfig:"MEMBERGATE_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"MEMBERGATE_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"MEMBERGATE_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"MEMBERGATE_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"MEMBERGATE_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"MEMBERGATE_REDIS_URL" required:"true"`
	Address      string        `envconfig:"MEMBERGATE_REDIS_ADDR"`
	Password     string        `envconfig:"MEMBERGATE_REDIS_PASSWORD"`
	DB           int           `envconfig:"MEMBERGATE_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"MEMBERGATE_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"MEMBERGATE_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"MEMBERGATE_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"MEMBERGATE_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"MEMBERGATE_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"MEMBERGATE_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"MEMBERGATE_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"MEMBERGATE_JWT_EXPIRATION_MINUTES" default:"60"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"MEMBERGATE_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"MEMBERGATE_AUTO_MIGRATE" default:"false"`
}

// RateLimitConfig covers the per-IP token bucket on every API route and the
// shared per-account window on routes that reach the payment provider.
type RateLimitConfig struct {
	RequestsPerSecond float64       `envconfig:"MEMBERGATE_RATE_LIMIT_RPS" default:"5"`
	Burst             int           `envconfig:"MEMBERGATE_RATE_LIMIT_BURST" default:"20"`
	AccountWindow     time.Duration `envconfig:"MEMBERGATE_RATE_LIMIT_ACCOUNT_WINDOW" default:"10m"`
	AccountLimit      int           `envconfig:"MEMBERGATE_RATE_LIMIT_ACCOUNT_LIMIT" default:"10"`
}

// SubscriptionConfig holds the plan being sold: period, grace and price.
type SubscriptionConfig struct {
	PeriodDays  int    `envconfig:"MEMBERGATE_PAID_DAYS" default:"30"`
	GraceDays   int    `envconfig:"MEMBERGATE_GRACE_DAYS" default:"1"`
	PriceMinor  int64  `envconfig:"MEMBERGATE_PRICE_MINOR" default:"99000"`
	Currency    string `envconfig:"MEMBERGATE_CURRENCY" default:"RUB"`
	Description string `envconfig:"MEMBERGATE_PAYMENT_DESCRIPTION" default:"Club subscription, 30 days"`
}

func (s SubscriptionConfig) Period() time.Duration {
	return time.Duration(s.PeriodDays) * 24 * time.Hour
}

func (s SubscriptionConfig) Grace() time.Duration {
	return time.Duration(s.GraceDays) * 24 * time.Hour
}

type ReconcileConfig struct {
	Interval     time.Duration `envconfig:"MEMBERGATE_RECONCILE_INTERVAL" default:"30m"`
	BanDuration  time.Duration `envconfig:"MEMBERGATE_RECONCILE_BAN_DURATION" default:"60s"`
	StrictLookup bool          `envconfig:"MEMBERGATE_RECONCILE_STRICT_LOOKUP" default:"false"`
	BatchSize    int           `envconfig:"MEMBERGATE_RECONCILE_BATCH_SIZE" default:"500"`
}

type InviteConfig struct {
	TTL time.Duration `envconfig:"MEMBERGATE_INVITE_TTL" default:"24h"`
}

type RenewalConfig struct {
	Interval         time.Duration `envconfig:"MEMBERGATE_RENEWAL_INTERVAL" default:"6h"`
	Lookahead        time.Duration `envconfig:"MEMBERGATE_RENEWAL_LOOKAHEAD" default:"48h"`
	FailureThreshold int           `envconfig:"MEMBERGATE_RENEWAL_FAILURE_THRESHOLD" default:"2"`
	ChargeDelay      time.Duration `envconfig:"MEMBERGATE_RENEWAL_CHARGE_DELAY" default:"2s"`
	ClaimWindow      time.Duration `envconfig:"MEMBERGATE_RENEWAL_CLAIM_WINDOW" default:"1h"`
}

type RemindersConfig struct {
	Interval time.Duration `envconfig:"MEMBERGATE_REMINDERS_INTERVAL" default:"30m"`
	Days     []int         `envconfig:"MEMBERGATE_REMINDERS_DAYS" default:"3,2,1"`
}

type PaymentsConfig struct {
	Provider      string        `envconfig:"MEMBERGATE_PAYMENT_PROVIDER" default:"yookassa"`
	ReturnURL     string        `envconfig:"MEMBERGATE_PAYMENT_RETURN_URL" default:"https://t.me"`
	PollInterval  time.Duration `envconfig:"MEMBERGATE_PAYMENT_POLL_INTERVAL" default:"5m"`
	PendingMaxAge time.Duration `envconfig:"MEMBERGATE_PAYMENT_PENDING_MAX_AGE" default:"24h"`
	RemoteTimeout time.Duration `envconfig:"MEMBERGATE_REMOTE_TIMEOUT" default:"15s"`
	WebhookTTL    time.Duration `envconfig:"MEMBERGATE_WEBHOOK_IDEMPOTENCY_TTL" default:"720h"`
}

func (p PaymentsConfig) validate() error {
	switch p.ProviderName() {
	case ProviderYooKassa, ProviderSquare:
		return nil
	default:
		return fmt.Errorf("%s must be %q or %q", EnvPaymentProvider, ProviderYooKassa, ProviderSquare)
	}
}

// ProviderName returns the normalized payment provider name.
func (p PaymentsConfig) ProviderName() string {
	return strings.ToLower(strings.TrimSpace(p.Provider))
}

type ReferralConfig struct {
	DiscountPercent int `envconfig:"MEMBERGATE_REFERRAL_DISCOUNT_PERCENT" default:"30"`
}

type TelegramConfig struct {
	BotToken    string `envconfig:"MEMBERGATE_TELEGRAM_BOT_TOKEN"`
	GroupChatID int64  `envconfig:"MEMBERGATE_TELEGRAM_GROUP_ID"`
	BaseURL     string `envconfig:"MEMBERGATE_TELEGRAM_API_URL" default:"https://api.telegram.org"`
}

type YooKassaConfig struct {
	ShopID    string `envconfig:"MEMBERGATE_YOOKASSA_SHOP_ID"`
	SecretKey string `envconfig:"MEMBERGATE_YOOKASSA_SECRET_KEY"`
	BaseURL   string `envconfig:"MEMBERGATE_YOOKASSA_API_URL" default:"https://api.yookassa.ru/v3"`
	VATCode   int    `envconfig:"MEMBERGATE_YOOKASSA_VAT_CODE" default:"1"`
	// WebhookToken, when set, must match the token query parameter of
	// incoming notifications.
	WebhookToken string `envconfig:"MEMBERGATE_YOOKASSA_WEBHOOK_TOKEN"`
}

type SquareConfig struct {
	AccessToken string `envconfig:"MEMBERGATE_SQUARE_ACCESS_TOKEN"`
	Env         string `envconfig:"MEMBERGATE_SQUARE_ENV" default:"sandbox"`
	LocationID  string `envconfig:"MEMBERGATE_SQUARE_LOCATION_ID"`
}

// Environment returns the normalized Square environment (sandbox/production).
func (s SquareConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "sandbox"
	}
	return env
}

// AdminConfig lists the accounts allowed to use the operator surface.
type AdminConfig struct {
	RawAccountIDs string `envconfig:"MEMBERGATE_ADMIN_IDS"`

	AccountIDs []int64 `ignored:"true"`
}

func (a *AdminConfig) parse() error {
	a.AccountIDs = nil
	for _, part := range strings.Split(a.RawAccountIDs, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		id, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid %s entry %q: %w", EnvAdminIDs, trimmed, err)
		}
		a.AccountIDs = append(a.AccountIDs, id)
	}
	return nil
}

// IsAdmin reports whether the account belongs to the operator allow-list.
func (a AdminConfig) IsAdmin(accountID int64) bool {
	for _, id := range a.AccountIDs {
		if id == accountID {
			return true
		}
	}
	return false
}

func (db *DBConfig) ensureDSN(useSQLite bool) error {
	if useSQLite {
		db.Driver = "sqlite"
		if db.DSN == "" {
			db.DSN = defaultSQLiteDSN
		}
		return nil
	}
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
