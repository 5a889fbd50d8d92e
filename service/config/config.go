package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	solanago "github.com/gagliardetto/solana-go"
)

// DefaultProgramID is the deployed mixer program.
const DefaultProgramID = "HrmSfAe4ugxGLr7QU2UeAdCVqRR4zCAM1hsyLhV1V89"

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr  string
	MetricsAddr string
	LogLevel    string

	// Database configuration
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Solana configuration
	SolanaRPCURLs   []string
	HistoryRPCURL   string
	ProgramID       solanago.PublicKey
	OperatorKeypair string

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	// Transfer and batch configuration
	BatchConcurrency    int
	BatchCooldown       time.Duration
	FeeBufferLamports   uint64
	ConfirmTimeout      time.Duration
	ConfirmPollInterval time.Duration

	// Sweep configuration
	SweepPageSize       int
	SweepMaxClosesPerTx int
	SweepInterval       time.Duration
	SweepLookback       time.Duration

	// RPC retry configuration
	RPCMaxAttempts    int
	RPCInitialBackoff time.Duration
	RPCMaxBackoff     time.Duration
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9090")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Database configuration
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	// NATS configuration
	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	// Solana configuration
	cfg.SolanaRPCURLs = splitList(os.Getenv("SOLANA_RPC_URLS"))
	if len(cfg.SolanaRPCURLs) == 0 {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URLS is required"))
	}
	cfg.HistoryRPCURL = os.Getenv("HISTORY_RPC_URL")

	programID, err := solanago.PublicKeyFromBase58(getEnvOrDefault("MIXER_PROGRAM_ID", DefaultProgramID))
	if err != nil {
		errs = append(errs, fmt.Errorf("MIXER_PROGRAM_ID: %w", err))
	} else {
		cfg.ProgramID = programID
	}
	cfg.OperatorKeypair = os.Getenv("OPERATOR_KEYPAIR")

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "stagehop")

	// Transfer and batch configuration
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	cfg.BatchConcurrency, err = parseInt("BATCH_CONCURRENCY", 20)
	collect(err)
	cfg.BatchCooldown, err = parseDuration("BATCH_COOLDOWN", "500ms")
	collect(err)
	feeBuffer, err := parseInt("FEE_BUFFER_LAMPORTS", 20000)
	collect(err)
	if feeBuffer < 0 {
		errs = append(errs, fmt.Errorf("FEE_BUFFER_LAMPORTS cannot be negative"))
	} else {
		cfg.FeeBufferLamports = uint64(feeBuffer)
	}
	cfg.ConfirmTimeout, err = parseDuration("CONFIRM_TIMEOUT", "60s")
	collect(err)
	cfg.ConfirmPollInterval, err = parseDuration("CONFIRM_POLL_INTERVAL", "500ms")
	collect(err)

	// Sweep configuration
	cfg.SweepPageSize, err = parseInt("SWEEP_PAGE_SIZE", 100)
	collect(err)
	cfg.SweepMaxClosesPerTx, err = parseInt("SWEEP_MAX_CLOSES_PER_TX", 14)
	collect(err)
	cfg.SweepInterval, err = parseDuration("SWEEP_INTERVAL", "1h")
	collect(err)
	cfg.SweepLookback, err = parseDuration("SWEEP_LOOKBACK", "24h")
	collect(err)

	// RPC retry configuration
	cfg.RPCMaxAttempts, err = parseInt("RPC_MAX_ATTEMPTS", 3)
	collect(err)
	cfg.RPCInitialBackoff, err = parseDuration("RPC_INITIAL_BACKOFF", "1s")
	collect(err)
	cfg.RPCMaxBackoff, err = parseDuration("RPC_MAX_BACKOFF", "16s")
	collect(err)

	if len(errs) == 0 {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}

	if len(c.SolanaRPCURLs) == 0 {
		errs = append(errs, fmt.Errorf("SolanaRPCURLs is required"))
	}

	if c.ProgramID.IsZero() {
		errs = append(errs, fmt.Errorf("ProgramID is required"))
	}

	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}

	if c.TemporalNamespace == "" {
		errs = append(errs, fmt.Errorf("TemporalNamespace is required"))
	}

	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}

	if c.BatchConcurrency < 1 {
		errs = append(errs, fmt.Errorf("BatchConcurrency must be at least 1"))
	}

	if c.ConfirmTimeout < time.Second {
		errs = append(errs, fmt.Errorf("ConfirmTimeout must be at least 1 second"))
	}

	if c.SweepMaxClosesPerTx < 1 {
		errs = append(errs, fmt.Errorf("SweepMaxClosesPerTx must be at least 1"))
	}

	if c.SweepInterval < time.Minute {
		errs = append(errs, fmt.Errorf("SweepInterval must be at least 1 minute"))
	}

	if c.RPCMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("RPCMaxAttempts must be at least 1"))
	}

	if c.RPCInitialBackoff > c.RPCMaxBackoff {
		errs = append(errs, fmt.Errorf("RPCInitialBackoff cannot be greater than RPCMaxBackoff"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// OperatorKey loads the operator's signing key. OPERATOR_KEYPAIR is either a
// path to a solana-keygen JSON file or a base58 secret key.
func (c *Config) OperatorKey() (solanago.PrivateKey, error) {
	return ParseKeypair(c.OperatorKeypair)
}

// ParseKeypair loads a key from a keygen file path or a base58 string.
func ParseKeypair(value string) (solanago.PrivateKey, error) {
	if value == "" {
		return nil, fmt.Errorf("OPERATOR_KEYPAIR is required")
	}
	if _, err := os.Stat(value); err == nil {
		key, err := solanago.PrivateKeyFromSolanaKeygenFile(value)
		if err != nil {
			return nil, fmt.Errorf("failed to read keypair file: %w", err)
		}
		return key, nil
	}
	key, err := solanago.PrivateKeyFromBase58(value)
	if err != nil {
		return nil, fmt.Errorf("keypair is neither a readable file nor a base58 key: %w", err)
	}
	return key, nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// splitList splits a comma separated list, dropping blanks.
func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}
