package pm

import (
	"context"
	"sync"

	"st_trading/internal/config"
	"st_trading/internal/core"
	"st_trading/internal/event"
)

// Account manages one trading account: its credentials, strategy
// binding and enabled flag. State changes are announced on the bus.
type Account struct {
	bus    *event.Bus
	logger core.ILogger

	userID string
	cfg    config.Account

	mu      sync.Mutex
	enabled bool
}

func newAccount(userID string, cfg config.Account, bus *event.Bus, logger core.ILogger) *Account {
	return &Account{
		bus:     bus,
		logger:  logger,
		userID:  userID,
		cfg:     cfg,
		enabled: true,
	}
}

func (a *Account) UserID() string   { return a.userID }
func (a *Account) Name() string     { return a.cfg.Name }
func (a *Account) Strategy() string { return a.cfg.Strategy }
func (a *Account) Testnet() bool    { return a.cfg.Testnet }

// Credentials returns the account's API key pair.
func (a *Account) Credentials() (apiKey, apiSecret string) {
	return a.cfg.APIKey, a.cfg.APISecret
}

func (a *Account) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

// Enable marks the account active and announces the change.
func (a *Account) Enable(ctx context.Context) error {
	a.mu.Lock()
	a.enabled = true
	a.mu.Unlock()

	a.logger.Info("account enabled", "user_id", a.userID)
	return a.bus.Publish(ctx, event.New(SubjectAccountEnabled, map[string]interface{}{
		"user_id": a.userID,
		"name":    a.cfg.Name,
		"enabled": true,
	}, "pm"))
}

// Disable marks the account inactive. During shutdown persist is false
// so the announcement skips a store that may already be closing.
func (a *Account) Disable(ctx context.Context, persist bool) error {
	a.mu.Lock()
	a.enabled = false
	a.mu.Unlock()

	a.logger.Info("account disabled", "user_id", a.userID, "persist", persist)
	return a.bus.Publish(ctx, event.New(SubjectAccountDisabled, map[string]interface{}{
		"user_id": a.userID,
		"name":    a.cfg.Name,
		"enabled": false,
	}, "pm"), event.WithPersist(persist))
}

// publishLoaded announces the account on the bus. The payload carries
// the full credentials because downstream modules construct their own
// exchange clients from it; log lines mask them instead.
func (a *Account) publishLoaded(ctx context.Context) error {
	a.logger.Info("account loaded",
		"user_id", a.userID,
		"name", a.cfg.Name,
		"api_key", config.MaskString(a.cfg.APIKey),
		"strategy", a.cfg.Strategy,
		"testnet", a.cfg.Testnet,
	)
	return a.bus.Publish(ctx, event.New(SubjectAccountLoaded, map[string]interface{}{
		"user_id":    a.userID,
		"name":       a.cfg.Name,
		"api_key":    a.cfg.APIKey,
		"api_secret": a.cfg.APISecret,
		"strategy":   a.cfg.Strategy,
		"testnet":    a.cfg.Testnet,
	}, "pm"))
}
