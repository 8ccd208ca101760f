// Package config loads service configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all service configuration.
type Config struct {
	// Server
	Port     string
	Env      string // development, staging, production
	LogLevel string

	// Storage (optional; settlement history falls back to memory when empty)
	DatabaseURL string

	// Chain. An empty RPCURL selects runtime-ledger mode: balances live
	// only in the in-process store and no transactions are broadcast.
	RPCURL          string
	ChainID         int64
	TokenContract   string
	EscrowContract  string
	TreasuryAddress string

	// Sponsor key used to mint, top up gas, and sign for wallets without
	// their own key material.
	SponsorPrivateKey string

	// WalletKeySecret seals per-wallet signing keys at rest.
	WalletKeySecret string

	// Token denomination on chain. Ledger math is always 6 decimals;
	// amounts are rescaled at the chain boundary.
	TokenDecimals int64
	TokenSymbol   string

	// Settlement policy
	FeeBasisPoints  int64
	DailyTxCap      int64
	BankrollCapPct  int64
	HouseWalletID   string
	HouseBankroll   string // decimal string, initial house balance in runtime mode
	SystemWalletID  string
	SystemReserve   string // decimal string, initial system balance backing house refills

	// Activity indexing
	ActivityLookbackBlocks int64

	// Observability
	OTLPEndpoint string
}

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		RPCURL:          getEnv("RPC_URL", ""),
		ChainID:         getEnvInt64("CHAIN_ID", 84532),
		TokenContract:   getEnv("TOKEN_CONTRACT", ""),
		EscrowContract:  getEnv("ESCROW_CONTRACT", ""),
		TreasuryAddress: getEnv("TREASURY_ADDRESS", ""),

		SponsorPrivateKey: getEnv("SPONSOR_PRIVATE_KEY", ""),
		WalletKeySecret:   getEnv("WALLET_KEY_SECRET", ""),

		TokenDecimals: getEnvInt64("TOKEN_DECIMALS", 6),
		TokenSymbol:   getEnv("TOKEN_SYMBOL", "CHIP"),

		FeeBasisPoints: getEnvInt64("FEE_BPS", 500),
		DailyTxCap:     getEnvInt64("DAILY_TX_CAP", 1000),
		BankrollCapPct: getEnvInt64("BANKROLL_CAP_PCT", 10),
		HouseWalletID:  getEnv("HOUSE_WALLET_ID", "house"),
		HouseBankroll:  getEnv("HOUSE_BANKROLL", "100000"),
		SystemWalletID: getEnv("SYSTEM_WALLET_ID", "system"),
		SystemReserve:  getEnv("SYSTEM_RESERVE", "1000000"),

		ActivityLookbackBlocks: getEnvInt64("ACTIVITY_LOOKBACK_BLOCKS", 10000),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.FeeBasisPoints < 0 || c.FeeBasisPoints > 10000 {
		return fmt.Errorf("FEE_BPS must be between 0 and 10000, got %d", c.FeeBasisPoints)
	}
	if c.BankrollCapPct < 0 || c.BankrollCapPct > 100 {
		return fmt.Errorf("BANKROLL_CAP_PCT must be between 0 and 100, got %d", c.BankrollCapPct)
	}
	if c.HouseWalletID == "" {
		return fmt.Errorf("HOUSE_WALLET_ID is required")
	}
	if c.ChainMode() {
		if c.TokenContract == "" {
			return fmt.Errorf("TOKEN_CONTRACT is required when RPC_URL is set")
		}
		if c.SponsorPrivateKey == "" {
			return fmt.Errorf("SPONSOR_PRIVATE_KEY is required when RPC_URL is set")
		}
		if c.WalletKeySecret == "" {
			return fmt.Errorf("WALLET_KEY_SECRET is required when RPC_URL is set")
		}
		if c.TokenDecimals < 0 || c.TokenDecimals > 36 {
			return fmt.Errorf("TOKEN_DECIMALS must be between 0 and 36, got %d", c.TokenDecimals)
		}
	}
	return nil
}

// ChainMode reports whether settlements are mirrored to an on-chain token.
func (c *Config) ChainMode() bool {
	return c.RPCURL != ""
}

// IsProduction returns true if running in production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
