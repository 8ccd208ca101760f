package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("RPC_URL", "")
	t.Setenv("FEE_BPS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.FeeBasisPoints != 500 {
		t.Errorf("FeeBasisPoints = %d, want 500", cfg.FeeBasisPoints)
	}
	if cfg.ChainMode() {
		t.Error("ChainMode() = true without RPC_URL")
	}
	if cfg.HouseWalletID != "house" {
		t.Errorf("HouseWalletID = %q, want house", cfg.HouseWalletID)
	}
}

func TestValidateFeeBounds(t *testing.T) {
	cfg := &Config{Port: "8080", HouseWalletID: "house", FeeBasisPoints: 10001, BankrollCapPct: 10}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for FEE_BPS > 10000")
	}

	cfg.FeeBasisPoints = -1
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for negative FEE_BPS")
	}

	cfg.FeeBasisPoints = 10000
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v for FEE_BPS = 10000", err)
	}
}

func TestValidateChainMode(t *testing.T) {
	cfg := &Config{
		Port:           "8080",
		HouseWalletID:  "house",
		FeeBasisPoints: 500,
		BankrollCapPct: 10,
		RPCURL:         "https://sepolia.base.org",
		TokenDecimals:  6,
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for chain mode without TOKEN_CONTRACT")
	}

	cfg.TokenContract = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for chain mode without SPONSOR_PRIVATE_KEY")
	}

	cfg.SponsorPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for chain mode without WALLET_KEY_SECRET")
	}

	cfg.WalletKeySecret = "test-sealing-secret"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	if !cfg.ChainMode() {
		t.Error("ChainMode() = false with RPC_URL set")
	}
}

func TestLoadChainModeFromEnv(t *testing.T) {
	t.Setenv("RPC_URL", "https://sepolia.base.org")
	t.Setenv("TOKEN_CONTRACT", "0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	t.Setenv("SPONSOR_PRIVATE_KEY", "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	t.Setenv("WALLET_KEY_SECRET", "test-sealing-secret")
	t.Setenv("TOKEN_DECIMALS", "18")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.ChainMode() {
		t.Error("ChainMode() = false")
	}
	if cfg.TokenDecimals != 18 {
		t.Errorf("TokenDecimals = %d, want 18", cfg.TokenDecimals)
	}
}
