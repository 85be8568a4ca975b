package bootstrap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEngineConfig(t *testing.T, dir, accountsPath, strategyDir string) string {
	t.Helper()
	cfgPath := filepath.Join(dir, "config.yaml")
	body := "accounts:\n  config_path: " + accountsPath + "\nstrategies:\n  config_dir: " + strategyDir + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o644))
	return cfgPath
}

func TestLoadConfigAcceptsProtectedAccountsFile(t *testing.T) {
	dir := t.TempDir()
	accounts := filepath.Join(dir, "pm_config.json")
	require.NoError(t, os.WriteFile(accounts, []byte("{}"), 0o600))
	require.NoError(t, os.Chmod(accounts, 0o600))
	strategies := filepath.Join(dir, "strategies")
	require.NoError(t, os.Mkdir(strategies, 0o755))

	cfg, err := LoadConfig(writeEngineConfig(t, dir, accounts, strategies))
	require.NoError(t, err)
	assert.Equal(t, accounts, cfg.Accounts.ConfigPath)
	assert.Equal(t, strategies, cfg.Strategies.ConfigDir)
}

func TestLoadConfigRejectsWorldReadableAccountsFile(t *testing.T) {
	dir := t.TempDir()
	accounts := filepath.Join(dir, "pm_config.json")
	require.NoError(t, os.WriteFile(accounts, []byte("{}"), 0o644))
	require.NoError(t, os.Chmod(accounts, 0o644))
	strategies := filepath.Join(dir, "strategies")
	require.NoError(t, os.Mkdir(strategies, 0o755))

	_, err := LoadConfig(writeEngineConfig(t, dir, accounts, strategies))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure permissions")
}

func TestLoadConfigRejectsMissingAccountsFile(t *testing.T) {
	dir := t.TempDir()
	strategies := filepath.Join(dir, "strategies")
	require.NoError(t, os.Mkdir(strategies, 0o755))

	_, err := LoadConfig(writeEngineConfig(t, dir, filepath.Join(dir, "absent.json"), strategies))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accounts file not found")
}

func TestLoadConfigRejectsMissingStrategyDir(t *testing.T) {
	dir := t.TempDir()
	accounts := filepath.Join(dir, "pm_config.json")
	require.NoError(t, os.WriteFile(accounts, []byte("{}"), 0o600))
	require.NoError(t, os.Chmod(accounts, 0o600))

	_, err := LoadConfig(writeEngineConfig(t, dir, accounts, filepath.Join(dir, "nope")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strategy dir not found")
}
