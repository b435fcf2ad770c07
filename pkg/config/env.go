package config

const (
	EnvPrefix = "MEMBERGATE"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	ProviderYooKassa = "yookassa"
	ProviderSquare   = "square"

	defaultSQLiteDSN = "file:membergate.db?cache=shared&_busy_timeout=5000"
)

const (
	EnvAppEnv          = "MEMBERGATE_APP_ENV"
	EnvPort            = "MEMBERGATE_APP_PORT"
	EnvDBDSN           = "MEMBERGATE_DB_DSN"
	EnvDBHost          = "MEMBERGATE_DB_HOST"
	EnvDBUser          = "MEMBERGATE_DB_USER"
	EnvDBName          = "MEMBERGATE_DB_NAME"
	EnvRedisURL        = "MEMBERGATE_REDIS_URL"
	EnvJWTSecret       = "MEMBERGATE_JWT_SECRET"
	EnvJWTIssuer       = "MEMBERGATE_JWT_ISSUER"
	EnvUseSQLite       = "MEMBERGATE_USE_SQLITE"
	EnvPaymentProvider = "MEMBERGATE_PAYMENT_PROVIDER"
	EnvAdminIDs        = "MEMBERGATE_ADMIN_IDS"
	EnvRemindersDays   = "MEMBERGATE_REMINDERS_DAYS"
	EnvPaidDays        = "MEMBERGATE_PAID_DAYS"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
