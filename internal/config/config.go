/**
 * @description
 * This package handles the configuration management for the booking-service. It uses the
 * Viper library to read configuration from environment variables (and an optional .env
 * file), providing a centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - pkg/logging: Structured warnings for values that were coerced to defaults.
 */

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/playhive/booking-service/pkg/logging"
)

const (
	defaultRefundWindowDays    = 7
	defaultTFCHoldDays         = 5
	defaultCreditValidityDays  = 365
	defaultSweepBatchSize      = 500
	defaultWebhookDedupeTTLMin = 4320
	defaultTFCInstructions     = "Pay %s from your Childcare Service account using payment reference %s. Funds must arrive before %s or the booking will be released."
)

// Config holds all the configuration variables for the booking-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort               string  `mapstructure:"SERVER_PORT"`
	LogLevel                 string  `mapstructure:"LOG_LEVEL"`
	DatabaseURL              string  `mapstructure:"DATABASE_URL"`
	DatabaseAutoMigrate      bool    `mapstructure:"DATABASE_AUTO_MIGRATE"`
	RedisURL                 string  `mapstructure:"REDIS_URL"`
	RedisKeyPrefix           string  `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL              string  `mapstructure:"RABBITMQ_URL"`
	NotificationExchange     string  `mapstructure:"NOTIFICATION_EXCHANGE"`
	WebhookRelayQueue        string  `mapstructure:"WEBHOOK_RELAY_QUEUE"`
	StripeSecretKey          string  `mapstructure:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret      string  `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	StripeMaxNetworkRetries  int64   `mapstructure:"STRIPE_MAX_NETWORK_RETRIES"`
	AuthJWTSecret            string  `mapstructure:"AUTH_JWT_SECRET"`
	AuthJWKSURL              string  `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience             string  `mapstructure:"AUTH_AUDIENCE"`
	AuthIssuer               string  `mapstructure:"AUTH_ISSUER"`
	VenueServiceURL          string  `mapstructure:"VENUE_SERVICE_URL"`
	VenueServiceAPIKey       string  `mapstructure:"VENUE_SERVICE_API_KEY"`
	CORSAllowedOrigins       string  `mapstructure:"CORS_ALLOWED_ORIGINS"`
	DefaultCurrency          string  `mapstructure:"DEFAULT_CURRENCY"`
	PlatformFeePercent       float64 `mapstructure:"PLATFORM_FEE_PERCENT"`
	RefundWindowDays         int     `mapstructure:"REFUND_WINDOW_DAYS"`
	TFCDefaultHoldDays       int     `mapstructure:"TFC_DEFAULT_HOLD_DAYS"`
	TFCExpirySchedule        string  `mapstructure:"TFC_EXPIRY_SCHEDULE"`
	TFCSweepBatchSize        int     `mapstructure:"TFC_SWEEP_BATCH_SIZE"`
	TFCPaymentInstructions   string  `mapstructure:"TFC_PAYMENT_INSTRUCTIONS"`
	WalletCreditValidityDays int     `mapstructure:"WALLET_CREDIT_VALIDITY_DAYS"`
	WebhookDedupeTTLMin      int     `mapstructure:"WEBHOOK_DEDUPE_TTL_MINUTES"`
	WebhookProcessingTimeout string  `mapstructure:"WEBHOOK_PROCESSING_TIMEOUT"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
// Coerced values are reported through logger; a nil logger discards them.
func LoadConfig(path string, logger logging.Logger) (config Config, err error) {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	log := logger.WithField("component", "config")

	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("DATABASE_AUTO_MIGRATE", false)
	viper.SetDefault("REDIS_KEY_PREFIX", "booking:webhook")
	viper.SetDefault("NOTIFICATION_EXCHANGE", "booking.events")
	viper.SetDefault("STRIPE_MAX_NETWORK_RETRIES", 2)
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "https://*,http://*")
	viper.SetDefault("DEFAULT_CURRENCY", "GBP")
	viper.SetDefault("PLATFORM_FEE_PERCENT", 0.0)
	viper.SetDefault("REFUND_WINDOW_DAYS", defaultRefundWindowDays)
	viper.SetDefault("TFC_DEFAULT_HOLD_DAYS", defaultTFCHoldDays)
	viper.SetDefault("TFC_EXPIRY_SCHEDULE", "@every 15m")
	viper.SetDefault("TFC_SWEEP_BATCH_SIZE", defaultSweepBatchSize)
	viper.SetDefault("TFC_PAYMENT_INSTRUCTIONS", defaultTFCInstructions)
	viper.SetDefault("WALLET_CREDIT_VALIDITY_DAYS", defaultCreditValidityDays)
	viper.SetDefault("WEBHOOK_DEDUPE_TTL_MINUTES", defaultWebhookDedupeTTLMin)
	viper.SetDefault("WEBHOOK_PROCESSING_TIMEOUT", "15s")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("DATABASE_AUTO_MIGRATE")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "BOOKING_REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("NOTIFICATION_EXCHANGE")
	_ = viper.BindEnv("WEBHOOK_RELAY_QUEUE")
	_ = viper.BindEnv("STRIPE_SECRET_KEY")
	_ = viper.BindEnv("STRIPE_WEBHOOK_SECRET")
	_ = viper.BindEnv("STRIPE_MAX_NETWORK_RETRIES")
	_ = viper.BindEnv("AUTH_JWT_SECRET", "AUTH_JWT_SECRET", "JWT_SECRET")
	_ = viper.BindEnv("AUTH_JWKS_URL", "AUTH_JWKS_URL", "CLERK_JWKS_URL")
	_ = viper.BindEnv("AUTH_AUDIENCE")
	_ = viper.BindEnv("AUTH_ISSUER")
	_ = viper.BindEnv("VENUE_SERVICE_URL")
	_ = viper.BindEnv("VENUE_SERVICE_API_KEY", "VENUE_SERVICE_API_KEY", "INTERNAL_API_KEY")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("DEFAULT_CURRENCY")
	_ = viper.BindEnv("PLATFORM_FEE_PERCENT")
	_ = viper.BindEnv("PLATFORM_FEE_PERCENTAGE")
	_ = viper.BindEnv("REFUND_WINDOW_DAYS")
	_ = viper.BindEnv("TFC_DEFAULT_HOLD_DAYS")
	_ = viper.BindEnv("TFC_EXPIRY_SCHEDULE")
	_ = viper.BindEnv("TFC_SWEEP_BATCH_SIZE")
	_ = viper.BindEnv("TFC_PAYMENT_INSTRUCTIONS")
	_ = viper.BindEnv("WALLET_CREDIT_VALIDITY_DAYS")
	_ = viper.BindEnv("WEBHOOK_DEDUPE_TTL_MINUTES")
	_ = viper.BindEnv("WEBHOOK_PROCESSING_TIMEOUT")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.WithError(err).Warn("failed to read config file; using environment values")
		}
		err = nil
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimSuffix(strings.TrimSpace(config.RedisKeyPrefix), ":")
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "booking:webhook"
	}
	config.DefaultCurrency = strings.ToUpper(strings.TrimSpace(config.DefaultCurrency))
	if len(config.DefaultCurrency) != 3 {
		log.WithField("value", config.DefaultCurrency).Warn("invalid DEFAULT_CURRENCY; using GBP")
		config.DefaultCurrency = "GBP"
	}

	if viper.IsSet("PLATFORM_FEE_PERCENTAGE") {
		percentStr := strings.TrimSpace(viper.GetString("PLATFORM_FEE_PERCENTAGE"))
		if percentStr != "" {
			percentValue, parseErr := strconv.ParseFloat(percentStr, 64)
			if parseErr != nil {
				log.WithError(parseErr).WithField("value", percentStr).Warn("invalid PLATFORM_FEE_PERCENTAGE")
			} else {
				config.PlatformFeePercent = percentValue
			}
		}
	}
	if config.PlatformFeePercent < 0 {
		log.WithField("fee_percent", config.PlatformFeePercent).Warn("negative platform fee percent configured; coercing to zero")
		config.PlatformFeePercent = 0
	}
	if config.PlatformFeePercent > 100 {
		log.WithField("fee_percent", config.PlatformFeePercent).Warn("platform fee percent too high; capping at 100")
		config.PlatformFeePercent = 100
	}

	if config.RefundWindowDays <= 0 {
		config.RefundWindowDays = defaultRefundWindowDays
	}
	if config.TFCDefaultHoldDays < 1 || config.TFCDefaultHoldDays > 30 {
		log.WithField("hold_days", config.TFCDefaultHoldDays).Warn("tfc hold period out of range; using default")
		config.TFCDefaultHoldDays = defaultTFCHoldDays
	}
	if strings.TrimSpace(config.TFCExpirySchedule) == "" {
		config.TFCExpirySchedule = "@every 15m"
	}
	if config.TFCSweepBatchSize <= 0 {
		config.TFCSweepBatchSize = defaultSweepBatchSize
	}
	if strings.Count(config.TFCPaymentInstructions, "%s") != 3 {
		log.Warn("TFC_PAYMENT_INSTRUCTIONS must contain three string placeholders; using default")
		config.TFCPaymentInstructions = defaultTFCInstructions
	}
	if config.WalletCreditValidityDays <= 0 {
		config.WalletCreditValidityDays = defaultCreditValidityDays
	}
	if config.WebhookDedupeTTLMin <= 0 {
		config.WebhookDedupeTTLMin = defaultWebhookDedupeTTLMin
	}
	if config.StripeMaxNetworkRetries < 0 {
		config.StripeMaxNetworkRetries = 0
	}

	return
}

// RefundWindow is the period after completion during which a parent may self-refund.
func (c Config) RefundWindow() time.Duration {
	return time.Duration(c.RefundWindowDays) * 24 * time.Hour
}

// WalletCreditValidity is how long converted credit stays spendable.
func (c Config) WalletCreditValidity() time.Duration {
	return time.Duration(c.WalletCreditValidityDays) * 24 * time.Hour
}

// WebhookDedupeTTL is how long processed webhook event ids are remembered.
func (c Config) WebhookDedupeTTL() time.Duration {
	return time.Duration(c.WebhookDedupeTTLMin) * time.Minute
}

// WebhookTimeout bounds the work done for a single webhook delivery.
func (c Config) WebhookTimeout() time.Duration {
	timeout, err := time.ParseDuration(strings.TrimSpace(c.WebhookProcessingTimeout))
	if err != nil || timeout <= 0 {
		return 15 * time.Second
	}
	return timeout
}

// AllowedOrigins splits the comma-separated CORS origin list.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
