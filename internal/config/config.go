/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the recurring-transfer-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort               string `mapstructure:"SERVER_PORT"`
	DatabaseURL              string `mapstructure:"DATABASE_URL"`
	RedisURL                 string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix     string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL              string `mapstructure:"RABBITMQ_URL"`
	JWTSecret                string `mapstructure:"JWT_SECRET"`
	LedgerAPIBaseURL         string `mapstructure:"LEDGER_API_BASE_URL"`
	LedgerAPIKey             string `mapstructure:"LEDGER_API_KEY"`
	LedgerTimeoutSeconds     int    `mapstructure:"LEDGER_TIMEOUT_SECONDS"`
	LedgerRetryAttempts      int    `mapstructure:"LEDGER_RETRY_ATTEMPTS"`
	AccountDirectoryURL      string `mapstructure:"ACCOUNT_DIRECTORY_URL"`
	AccountDirectoryAPIKey   string `mapstructure:"ACCOUNT_DIRECTORY_API_KEY"`
	VerificationCodeTTLMin   int    `mapstructure:"VERIFICATION_CODE_TTL_MINUTES"`
	ResendCodeLimitPerMin    int    `mapstructure:"RESEND_CODE_RATE_LIMIT_PER_MINUTE"`
	VerifyAttemptLimitPerMin int    `mapstructure:"VERIFY_ATTEMPT_RATE_LIMIT_PER_MINUTE"`
	StartDateGraceDays       int    `mapstructure:"START_DATE_GRACE_DAYS"`
	ExecutionPollSchedule    string `mapstructure:"EXECUTION_POLL_SCHEDULE"`
	ExecutionWorkerCount     int    `mapstructure:"EXECUTION_WORKER_COUNT"`
	ExecutionBatchSize       int    `mapstructure:"EXECUTION_BATCH_SIZE"`
	ExecutionLeaseSeconds    int    `mapstructure:"EXECUTION_LEASE_SECONDS"`
	FailureThreshold         int    `mapstructure:"FAILURE_THRESHOLD"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8086")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "transfa:recurring:rate_limit")
	viper.SetDefault("LEDGER_TIMEOUT_SECONDS", 15)
	viper.SetDefault("LEDGER_RETRY_ATTEMPTS", 3)
	viper.SetDefault("VERIFICATION_CODE_TTL_MINUTES", 15)
	viper.SetDefault("RESEND_CODE_RATE_LIMIT_PER_MINUTE", 3)
	viper.SetDefault("VERIFY_ATTEMPT_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("START_DATE_GRACE_DAYS", 1)
	viper.SetDefault("EXECUTION_POLL_SCHEDULE", "* * * * *") // Every minute.
	viper.SetDefault("EXECUTION_WORKER_COUNT", 8)
	viper.SetDefault("EXECUTION_BATCH_SIZE", 100)
	viper.SetDefault("EXECUTION_LEASE_SECONDS", 120)
	viper.SetDefault("FAILURE_THRESHOLD", 5)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("LEDGER_API_BASE_URL")
	_ = viper.BindEnv("LEDGER_API_KEY")
	_ = viper.BindEnv("LEDGER_TIMEOUT_SECONDS")
	_ = viper.BindEnv("LEDGER_RETRY_ATTEMPTS")
	_ = viper.BindEnv("ACCOUNT_DIRECTORY_URL")
	_ = viper.BindEnv("ACCOUNT_DIRECTORY_API_KEY")
	_ = viper.BindEnv("VERIFICATION_CODE_TTL_MINUTES")
	_ = viper.BindEnv("RESEND_CODE_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("VERIFY_ATTEMPT_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("START_DATE_GRACE_DAYS")
	_ = viper.BindEnv("EXECUTION_POLL_SCHEDULE")
	_ = viper.BindEnv("EXECUTION_WORKER_COUNT")
	_ = viper.BindEnv("EXECUTION_BATCH_SIZE")
	_ = viper.BindEnv("EXECUTION_LEASE_SECONDS")
	_ = viper.BindEnv("FAILURE_THRESHOLD")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "transfa:recurring:rate_limit"
	}

	if config.LedgerTimeoutSeconds <= 0 {
		config.LedgerTimeoutSeconds = 15
	}
	if config.LedgerRetryAttempts <= 0 {
		config.LedgerRetryAttempts = 3
	}
	if config.VerificationCodeTTLMin <= 0 {
		config.VerificationCodeTTLMin = 15
	}
	if config.ResendCodeLimitPerMin <= 0 {
		config.ResendCodeLimitPerMin = 3
	}
	if config.VerifyAttemptLimitPerMin <= 0 {
		config.VerifyAttemptLimitPerMin = 10
	}
	if config.StartDateGraceDays < 0 {
		log.Printf("level=warn component=config msg=\"negative start date grace configured; coercing to zero\" days=%d", config.StartDateGraceDays)
		config.StartDateGraceDays = 0
	}
	if config.ExecutionWorkerCount <= 0 {
		config.ExecutionWorkerCount = 8
	}
	if config.ExecutionBatchSize <= 0 {
		config.ExecutionBatchSize = 100
	}
	if config.ExecutionLeaseSeconds <= 0 {
		config.ExecutionLeaseSeconds = 120
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}

	return
}
