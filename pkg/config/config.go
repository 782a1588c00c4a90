package config

import (
	"fmt"
	"log"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/speedrun-hq/session-relayer/pkg/logger"
)

// Config holds the configuration for the relayer service
type Config struct {
	RPCURL                 string
	ChainID                *big.Int
	PrivateKey             string
	SessionManagerAddress  string
	CommissionAddress      string
	LedgerDecimals         int
	ServerPort             string
	OperatorAPIKey         string
	MetricsAPIKey          string
	Batch                  BatchConfig
	ConfirmationTimeout    time.Duration
	StrictNonce            bool
	GasMultiplier          float64
	DatabaseURL            string
	PaymentAPIEndpoint     string
	QueueDBPath            string
	CircuitBreaker         CircuitBreakerConfig
	LoggerConfig           LoggerConfig
	AuthorizeRelayerTarget string
}

// BatchConfig holds the retry queue draining parameters
type BatchConfig struct {
	Interval   time.Duration
	Size       int
	StaleAfter time.Duration
	MaxRetries int
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled        bool
	Threshold      int
	WindowDuration time.Duration
	ResetTimeout   time.Duration
}

// LoggerConfig holds the configuration for logging
type LoggerConfig struct {
	Level    logger.Level
	Coloring bool
}

// MockMode reports whether no session ledger is configured.
// The whole relayer runs against the synthetic ledger in that case.
func (c *Config) MockMode() bool {
	return c.SessionManagerAddress == ""
}

// LoadConfig loads the configuration from environment variables.
// envFile is optional; an empty value loads ".env" from the working directory.
func LoadConfig(envFile string) (*Config, error) {
	var err error
	if envFile != "" {
		err = godotenv.Load(envFile)
	} else {
		err = godotenv.Load()
	}
	if err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}

	chainID, err := GetEnvChainID()
	if err != nil {
		return nil, err
	}

	sessionManager, err := GetEnvAddress("SESSION_MANAGER_ADDRESS")
	if err != nil {
		return nil, err
	}

	commission, err := GetEnvAddress("COMMISSION_CONTRACT_ADDRESS")
	if err != nil {
		return nil, err
	}

	ledgerDecimals, err := GetEnvLedgerDecimals()
	if err != nil {
		return nil, err
	}

	serverPort, err := GetEnvServerPort()
	if err != nil {
		return nil, err
	}

	batchInterval, err := GetEnvDuration("BATCH_INTERVAL", DefaultBatchInterval)
	if err != nil {
		return nil, err
	}

	batchSize, err := GetEnvPositiveInt("BATCH_SIZE", DefaultBatchSize)
	if err != nil {
		return nil, err
	}

	staleAfter, err := GetEnvDuration("BATCH_STALE_AFTER", DefaultBatchStaleAfter)
	if err != nil {
		return nil, err
	}

	maxRetries, err := GetEnvPositiveInt("MAX_RETRIES", DefaultMaxRetries)
	if err != nil {
		return nil, err
	}

	confirmationTimeout, err := GetEnvDuration("CONFIRMATION_TIMEOUT", DefaultConfirmationTimeout)
	if err != nil {
		return nil, err
	}

	strictNonce, err := GetEnvBool("STRICT_NONCE", DefaultStrictNonce)
	if err != nil {
		return nil, err
	}

	gasMultiplier, err := GetEnvGasMultiplier()
	if err != nil {
		return nil, err
	}

	paymentAPI, err := GetEnvPaymentAPIEndpoint()
	if err != nil {
		return nil, err
	}

	cbEnabled, err := GetEnvBool("CIRCUIT_BREAKER_ENABLED", DefaultCircuitBreakerEnabled)
	if err != nil {
		return nil, err
	}

	cbThreshold, err := GetEnvPositiveInt("CIRCUIT_BREAKER_THRESHOLD", DefaultCircuitBreakerThreshold)
	if err != nil {
		return nil, err
	}

	cbWindow, err := GetEnvDuration("CIRCUIT_BREAKER_WINDOW", DefaultCircuitBreakerWindow)
	if err != nil {
		return nil, err
	}

	cbReset, err := GetEnvDuration("CIRCUIT_BREAKER_RESET", DefaultCircuitBreakerReset)
	if err != nil {
		return nil, err
	}

	logLevel, err := GetEnvLogLevel()
	if err != nil {
		return nil, err
	}

	logColoring, err := GetEnvBool("LOG_COLORING", DefaultLogColoring)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		RPCURL:                os.Getenv("RPC_URL"),
		ChainID:               chainID,
		PrivateKey:            os.Getenv("RELAYER_PRIVATE_KEY"),
		SessionManagerAddress: sessionManager,
		CommissionAddress:     commission,
		LedgerDecimals:        ledgerDecimals,
		ServerPort:            serverPort,
		OperatorAPIKey:        os.Getenv("OPERATOR_API_KEY"),
		MetricsAPIKey:         os.Getenv("METRICS_API_KEY"),
		Batch: BatchConfig{
			Interval:   batchInterval,
			Size:       batchSize,
			StaleAfter: staleAfter,
			MaxRetries: maxRetries,
		},
		ConfirmationTimeout: confirmationTimeout,
		StrictNonce:         strictNonce,
		GasMultiplier:       gasMultiplier,
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		PaymentAPIEndpoint:  paymentAPI,
		QueueDBPath:         os.Getenv("QUEUE_DB_PATH"),
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:        cbEnabled,
			Threshold:      cbThreshold,
			WindowDuration: cbWindow,
			ResetTimeout:   cbReset,
		},
		LoggerConfig: LoggerConfig{
			Level:    logLevel,
			Coloring: logColoring,
		},
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	if cfg.MockMode() {
		return nil
	}
	if cfg.RPCURL == "" {
		return fmt.Errorf("RPC_URL environment variable is required when SESSION_MANAGER_ADDRESS is set")
	}
	if cfg.PrivateKey != "" {
		if _, err := parsePrivateKeyHex(cfg.PrivateKey); err != nil {
			return fmt.Errorf("invalid RELAYER_PRIVATE_KEY: %v", err)
		}
	}
	if cfg.CommissionAddress != "" && common.HexToAddress(cfg.CommissionAddress) == (common.Address{}) {
		return fmt.Errorf("COMMISSION_CONTRACT_ADDRESS must not be the zero address")
	}
	return nil
}
