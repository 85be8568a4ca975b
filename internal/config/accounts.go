package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Account holds one user's exchange credentials and strategy binding.
type Account struct {
	Name      string `json:"name"`
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
	Strategy  string `json:"strategy"`
	Testnet   bool   `json:"testnet"`
}

// AccountsFile is the on-disk account registry, keyed by user id.
// Users are kept as raw JSON so one malformed account fails on its own
// without sinking the rest of the file.
type AccountsFile struct {
	Users map[string]json.RawMessage `json:"users"`
}

// LoadAccountsFile reads and parses the account credentials file with
// environment variable expansion applied to the raw content.
func LoadAccountsFile(filename string) (*AccountsFile, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var file AccountsFile
	if err := json.Unmarshal([]byte(expandedData), &file); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file: %w", err)
	}

	if file.Users == nil {
		return nil, fmt.Errorf("accounts file %s has no users section", filename)
	}

	return &file, nil
}

// ParseAccount decodes and validates a single account entry.
func ParseAccount(raw json.RawMessage) (Account, error) {
	var acct Account
	if err := json.Unmarshal(raw, &acct); err != nil {
		return Account{}, fmt.Errorf("invalid account config: %w", err)
	}
	if err := acct.Validate(); err != nil {
		return Account{}, err
	}
	return acct, nil
}

// Validate checks that every required credential field is present and
// non-blank.
func (a Account) Validate() error {
	fields := []struct {
		name  string
		value string
	}{
		{"name", a.Name},
		{"api_key", a.APIKey},
		{"api_secret", a.APISecret},
		{"strategy", a.Strategy},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			return fmt.Errorf("missing or empty required field: %s", f.name)
		}
	}
	return nil
}
