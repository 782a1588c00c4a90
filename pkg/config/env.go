package config

import (
	"fmt"
	"math/big"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/speedrun-hq/session-relayer/pkg/logger"
)

const (
	// DefaultChainID is Base mainnet
	DefaultChainID = 8453

	// DefaultLedgerDecimals is the precision the session ledger stores amounts in
	DefaultLedgerDecimals = 6

	// DefaultServerPort defines the default port for the HTTP server
	DefaultServerPort = "8080"

	// DefaultBatchInterval defines how often the retry queue is drained
	DefaultBatchInterval = 30 * time.Second

	// DefaultBatchSize defines the maximum number of payments settled in one batch
	DefaultBatchSize = 10

	// DefaultBatchStaleAfter defines the age after which a queued payment is prioritized
	DefaultBatchStaleAfter = 5 * time.Minute

	// DefaultMaxRetries defines the number of failed batches before a payment is failed
	DefaultMaxRetries = 3

	// DefaultConfirmationTimeout bounds the wait for a quickpay receipt
	DefaultConfirmationTimeout = 2 * time.Minute

	// DefaultStrictNonce defines whether non-increasing request nonces are rejected
	DefaultStrictNonce = false

	// DefaultGasMultiplier is applied to the suggested gas price
	DefaultGasMultiplier = 1.1

	// DefaultCircuitBreakerEnabled defines whether the circuit breaker is enabled
	DefaultCircuitBreakerEnabled = true

	// DefaultCircuitBreakerThreshold defines the number of failed batches before the circuit breaker trips
	DefaultCircuitBreakerThreshold = 5

	// DefaultCircuitBreakerWindow defines the time window for the circuit breaker
	DefaultCircuitBreakerWindow = 5 * time.Minute

	// DefaultCircuitBreakerReset defines the reset timeout for the circuit breaker
	DefaultCircuitBreakerReset = 15 * time.Minute

	// DefaultLogLevel defines the default logging level
	DefaultLogLevel = logger.InfoLevel

	// DefaultLogColoring defines whether log prefixes are colored
	DefaultLogColoring = true
)

// GetEnvChainID returns the chain ID of the session ledger from environment variables
func GetEnvChainID() (*big.Int, error) {
	chainID := os.Getenv("CHAIN_ID")
	if chainID == "" {
		return big.NewInt(DefaultChainID), nil
	}

	id, ok := new(big.Int).SetString(chainID, 10)
	if !ok {
		return nil, fmt.Errorf("invalid CHAIN_ID value: %s, must be an integer", chainID)
	}
	if id.Sign() <= 0 {
		return nil, fmt.Errorf("CHAIN_ID must be greater than 0")
	}
	return id, nil
}

// GetEnvAddress returns an optional contract address from environment variables
func GetEnvAddress(name string) (string, error) {
	address := os.Getenv(name)
	if address == "" {
		return "", nil
	}

	// Validate Ethereum address format
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("invalid %s value: %s, must be a valid Ethereum address", name, address)
	}
	return address, nil
}

// GetEnvLedgerDecimals returns the ledger decimals from environment variables
func GetEnvLedgerDecimals() (int, error) {
	decimals := os.Getenv("LEDGER_DECIMALS")
	if decimals == "" {
		return DefaultLedgerDecimals, nil
	}

	d, err := strconv.Atoi(decimals)
	if err != nil {
		return 0, fmt.Errorf("invalid LEDGER_DECIMALS value: %s, must be an integer", decimals)
	}
	if d < 0 || d > 36 {
		return 0, fmt.Errorf("LEDGER_DECIMALS must be between 0 and 36")
	}
	return d, nil
}

// GetEnvServerPort returns the HTTP server port from environment variables
func GetEnvServerPort() (string, error) {
	port := os.Getenv("SERVER_PORT")
	if port == "" {
		return DefaultServerPort, nil
	}

	// Validate port format
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("invalid SERVER_PORT value: %s, must be a valid integer", port)
	}
	return port, nil
}

// GetEnvDuration returns a duration from environment variables.
// Bare integers are read as seconds.
func GetEnvDuration(name string, def time.Duration) (time.Duration, error) {
	value := os.Getenv(name)
	if value == "" {
		return def, nil
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0, fmt.Errorf("%s must be greater than 0", name)
		}
		return time.Duration(seconds) * time.Second, nil
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be a valid duration string", name, value)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", name)
	}
	return parsed, nil
}

// GetEnvPositiveInt returns a positive integer from environment variables
func GetEnvPositiveInt(name string, def int) (int, error) {
	value := os.Getenv(name)
	if value == "" {
		return def, nil
	}

	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be an integer", name, value)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", name)
	}
	return n, nil
}

// GetEnvBool returns a boolean flag from environment variables
func GetEnvBool(name string, def bool) (bool, error) {
	value := os.Getenv(name)
	if value == "" {
		return def, nil
	}

	if value == "true" {
		return true, nil
	} else if value == "false" {
		return false, nil
	}

	return false, fmt.Errorf("invalid %s value: %s, must be 'true' or 'false'", name, value)
}

// GetEnvGasMultiplier returns the gas price multiplier from environment variables
func GetEnvGasMultiplier() (float64, error) {
	multiplier := os.Getenv("GAS_MULTIPLIER")
	if multiplier == "" {
		return DefaultGasMultiplier, nil
	}

	m, err := strconv.ParseFloat(multiplier, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid GAS_MULTIPLIER value: %s, must be a number", multiplier)
	}
	if m < 1 {
		return 0, fmt.Errorf("GAS_MULTIPLIER must be greater than or equal to 1")
	}
	return m, nil
}

// GetEnvPaymentAPIEndpoint returns the payment API endpoint from environment variables
func GetEnvPaymentAPIEndpoint() (string, error) {
	endpoint := os.Getenv("PAYMENT_API_ENDPOINT")
	if endpoint == "" {
		return "", nil
	}

	// Validate URL format
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return "", fmt.Errorf("invalid PAYMENT_API_ENDPOINT value: %s, must be a valid URL", endpoint)
	}
	return strings.TrimRight(endpoint, "/"), nil
}

// GetEnvLogLevel returns the logging level from environment variables
func GetEnvLogLevel() (logger.Level, error) {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		return DefaultLogLevel, nil
	}
	return logger.ParseLevel(level)
}

func parsePrivateKeyHex(key string) ([]byte, error) {
	key = strings.TrimPrefix(key, "0x")
	pk, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, err
	}
	return crypto.FromECDSA(pk), nil
}
