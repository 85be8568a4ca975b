package bootstrap

import (
	"fmt"
	"os"

	"st_trading/internal/config"
)

// Config is an alias for the engine configuration struct.
type Config = config.Config

// LoadConfig reads the engine YAML, falling back to defaults when the
// file does not exist, then runs pre-flight checks that the schema
// cannot express.
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}

	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	return cfg, nil
}

// checkPreFlight verifies the on-disk inputs the engine cannot start
// without: the accounts file with its credentials, and the strategy
// config directory.
func checkPreFlight(cfg *Config) error {
	info, err := os.Stat(cfg.Accounts.ConfigPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("accounts file not found: %s", cfg.Accounts.ConfigPath)
		}
		return err
	}

	// The accounts file holds API secrets. Allow 0600 (rw-------) or
	// 0400 (r--------), reject anything group or world readable.
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("insecure permissions on accounts file %s: %04o (should be 0600)", cfg.Accounts.ConfigPath, mode)
	}

	dirInfo, err := os.Stat(cfg.Strategies.ConfigDir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("strategy dir not found: %s", cfg.Strategies.ConfigDir)
		}
		return err
	}
	if !dirInfo.IsDir() {
		return fmt.Errorf("strategy path is not a directory: %s", cfg.Strategies.ConfigDir)
	}

	return nil
}
