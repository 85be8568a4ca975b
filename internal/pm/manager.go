// Package pm loads the multi-account registry and manages per-account
// lifecycle. Every accepted account is announced on the bus so the data
// engine, strategy and trading modules can set themselves up for it.
package pm

import (
	"context"
	"sort"
	"sync"

	"st_trading/internal/config"
	"st_trading/internal/core"
	"st_trading/internal/event"
)

// Manager owns the account registry. Accounts that fail validation are
// recorded and announced without aborting the rest of the file.
type Manager struct {
	bus        *event.Bus
	logger     core.ILogger
	configPath string

	mu       sync.Mutex
	accounts map[string]*Account
	failed   map[string]string
}

func NewManager(bus *event.Bus, logger core.ILogger, configPath string) *Manager {
	if configPath == "" {
		configPath = config.DefaultAccountsPath
	}
	return &Manager{
		bus:        bus,
		logger:     logger.WithField("component", "pm_manager"),
		configPath: configPath,
		accounts:   make(map[string]*Account),
		failed:     make(map[string]string),
	}
}

// LoadAccounts reads the account file, validates every entry and
// announces each accepted account followed by a manager-ready summary.
// A broken entry is isolated: it lands in the failed map and emits
// pm.load.failed while the remaining entries continue loading.
func (m *Manager) LoadAccounts(ctx context.Context) (int, error) {
	m.logger.Info("loading accounts", "config_path", m.configPath)

	file, err := config.LoadAccountsFile(m.configPath)
	if err != nil {
		return 0, err
	}

	userIDs := make([]string, 0, len(file.Users))
	for userID := range file.Users {
		userIDs = append(userIDs, userID)
	}
	sort.Strings(userIDs)

	loaded := 0
	for _, userID := range userIDs {
		acct, err := config.ParseAccount(file.Users[userID])
		if err != nil {
			m.recordFailure(ctx, userID, err)
			continue
		}

		account := newAccount(userID, acct, m.bus, m.logger)
		m.mu.Lock()
		m.accounts[userID] = account
		m.mu.Unlock()

		if err := account.publishLoaded(ctx); err != nil {
			m.logger.Error("failed to announce account", "user_id", userID, "error", err)
		}
		loaded++
	}

	if err := m.publishReady(ctx, loaded); err != nil {
		m.logger.Error("failed to announce manager ready", "error", err)
	}

	m.logger.Info("accounts loaded", "loaded", loaded, "failed", m.FailedCount())
	return loaded, nil
}

func (m *Manager) recordFailure(ctx context.Context, userID string, cause error) {
	m.mu.Lock()
	m.failed[userID] = cause.Error()
	m.mu.Unlock()

	m.logger.Warn("account rejected", "user_id", userID, "error", cause)
	if err := m.bus.Publish(ctx, event.New(SubjectLoadFailed, map[string]interface{}{
		"user_id": userID,
		"error":   cause.Error(),
	}, "pm_manager")); err != nil {
		m.logger.Error("failed to announce load failure", "user_id", userID, "error", err)
	}
}

func (m *Manager) publishReady(ctx context.Context, loaded int) error {
	m.mu.Lock()
	userIDs := make([]string, 0, len(m.accounts))
	for userID := range m.accounts {
		userIDs = append(userIDs, userID)
	}
	failedCount := len(m.failed)
	m.mu.Unlock()
	sort.Strings(userIDs)

	return m.bus.Publish(ctx, event.New(SubjectManagerReady, map[string]interface{}{
		"loaded_count": loaded,
		"failed_count": failedCount,
		"user_ids":     userIDs,
	}, "pm_manager"))
}

// Get returns the account for a user id, or nil when unknown.
func (m *Manager) Get(userID string) *Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[userID]
}

// UserIDs lists the loaded account ids in sorted order.
func (m *Manager) UserIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.accounts))
	for id := range m.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.accounts)
}

// FailedAccounts returns a copy of the rejection reasons by user id.
func (m *Manager) FailedAccounts() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.failed))
	for k, v := range m.failed {
		out[k] = v
	}
	return out
}

func (m *Manager) FailedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.failed)
}

// Shutdown disables every account without persisting the flips, then
// announces the shutdown and clears the registry. Persistence is
// skipped because the store is usually closing right behind us.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	accounts := make([]*Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		accounts = append(accounts, a)
	}
	count := len(m.accounts)
	m.mu.Unlock()

	m.logger.Info("shutting down", "account_count", count)

	for _, a := range accounts {
		if a.Enabled() {
			if err := a.Disable(ctx, false); err != nil {
				m.logger.Error("failed to disable account", "user_id", a.UserID(), "error", err)
			}
		}
	}

	if err := m.bus.Publish(ctx, event.New(SubjectManagerShutdown, map[string]interface{}{
		"pm_count": count,
		"message":  "portfolio manager shut down",
	}, "pm_manager"), event.WithPersist(false)); err != nil {
		m.logger.Error("failed to announce shutdown", "error", err)
	}

	m.mu.Lock()
	m.accounts = make(map[string]*Account)
	m.mu.Unlock()
}
