package pm

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"st_trading/internal/event"
	"st_trading/internal/mock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAccounts(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pm_config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newTestBus(t *testing.T) (*event.Bus, *event.MemoryStore) {
	t.Helper()
	store := event.NewMemoryStore(0)
	bus := event.NewBus(store, &mock.NopLogger{})
	t.Cleanup(bus.Close)
	return bus, store
}

const twoAccounts = `{
  "users": {
    "user_002": {
      "name": "bob",
      "api_key": "key_bob_000000000002",
      "api_secret": "secret_bob_0000000002",
      "strategy": "ma_stop",
      "testnet": true
    },
    "user_001": {
      "name": "alice",
      "api_key": "key_alice_00000000001",
      "api_secret": "secret_alice_00000001",
      "strategy": "ma_stop"
    }
  }
}`

func TestLoadAccounts(t *testing.T) {
	bus, _ := newTestBus(t)
	rec := mock.NewRecorder()
	rec.Subscribe(bus, "pm.*", "recorder")

	m := NewManager(bus, &mock.NopLogger{}, writeAccounts(t, twoAccounts))
	loaded, err := m.LoadAccounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, loaded)
	assert.Equal(t, 2, m.Count())

	loadedEvents := rec.BySubject(SubjectAccountLoaded)
	require.Len(t, loadedEvents, 2)

	// Accounts load in sorted user id order.
	first := loadedEvents[0].Data
	assert.Equal(t, "user_001", first["user_id"])
	assert.Equal(t, "alice", first["name"])
	assert.Equal(t, "key_alice_00000000001", first["api_key"], "payload carries full credentials")
	assert.Equal(t, "secret_alice_00000001", first["api_secret"])
	assert.Equal(t, "ma_stop", first["strategy"])
	assert.Equal(t, false, first["testnet"])

	second := loadedEvents[1].Data
	assert.Equal(t, "user_002", second["user_id"])
	assert.Equal(t, true, second["testnet"])

	ready, ok := rec.Last(SubjectManagerReady)
	require.True(t, ok)
	assert.Equal(t, 2, ready.Data["loaded_count"])
	assert.Equal(t, 0, ready.Data["failed_count"])
	assert.Equal(t, []string{"user_001", "user_002"}, event.GetStrings(ready.Data, "user_ids"))
}

func TestLoadAccountsPartialFailure(t *testing.T) {
	content := `{
  "users": {
    "user_001": {
      "name": "alice",
      "api_key": "key_alice_00000000001",
      "api_secret": "secret_alice_00000001",
      "strategy": "ma_stop"
    },
    "user_002": {
      "name": "bob",
      "api_secret": "secret_bob_0000000002",
      "strategy": "ma_stop"
    },
    "user_003": {
      "name": "carol",
      "api_key": "key_carol_00000000003",
      "api_secret": "secret_carol_00000003",
      "strategy": "ma_stop",
      "testnet": "yes"
    }
  }
}`
	bus, _ := newTestBus(t)
	rec := mock.NewRecorder()
	rec.Subscribe(bus, "pm.*", "recorder")

	m := NewManager(bus, &mock.NopLogger{}, writeAccounts(t, content))
	loaded, err := m.LoadAccounts(context.Background())
	require.NoError(t, err, "individual account failures do not abort the load")
	assert.Equal(t, 1, loaded)

	failures := rec.BySubject(SubjectLoadFailed)
	require.Len(t, failures, 2)
	assert.Equal(t, "user_002", failures[0].Data["user_id"])
	assert.Contains(t, failures[0].Data["error"], "api_key")
	assert.Equal(t, "user_003", failures[1].Data["user_id"])

	failed := m.FailedAccounts()
	assert.Len(t, failed, 2)
	assert.Contains(t, failed["user_002"], "api_key")

	ready, ok := rec.Last(SubjectManagerReady)
	require.True(t, ok)
	assert.Equal(t, 1, ready.Data["loaded_count"])
	assert.Equal(t, 2, ready.Data["failed_count"])
	assert.Equal(t, []string{"user_001"}, event.GetStrings(ready.Data, "user_ids"))
}

func TestLoadAccountsMissingFile(t *testing.T) {
	bus, _ := newTestBus(t)
	m := NewManager(bus, &mock.NopLogger{}, filepath.Join(t.TempDir(), "nope.json"))
	_, err := m.LoadAccounts(context.Background())
	assert.Error(t, err)
}

func TestAccountEnableDisable(t *testing.T) {
	bus, store := newTestBus(t)
	rec := mock.NewRecorder()
	rec.Subscribe(bus, "pm.account.*", "recorder")

	m := NewManager(bus, &mock.NopLogger{}, writeAccounts(t, twoAccounts))
	_, err := m.LoadAccounts(context.Background())
	require.NoError(t, err)

	ctx := context.Background()
	acct := m.Get("user_001")
	require.NotNil(t, acct)
	assert.True(t, acct.Enabled())

	require.NoError(t, acct.Disable(ctx, true))
	assert.False(t, acct.Enabled())
	disabled, ok := rec.Last(SubjectAccountDisabled)
	require.True(t, ok)
	assert.Equal(t, "user_001", disabled.Data["user_id"])
	assert.Equal(t, false, disabled.Data["enabled"])

	require.NoError(t, acct.Enable(ctx))
	assert.True(t, acct.Enabled())
	enabled, ok := rec.Last(SubjectAccountEnabled)
	require.True(t, ok)
	assert.Equal(t, true, enabled.Data["enabled"])

	// Both flips were persisted.
	stored, err := store.GetBySubject(ctx, "pm.account.enabled", 10)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestShutdown(t *testing.T) {
	bus, store := newTestBus(t)
	rec := mock.NewRecorder()
	rec.Subscribe(bus, "pm.*", "recorder")

	m := NewManager(bus, &mock.NopLogger{}, writeAccounts(t, twoAccounts))
	_, err := m.LoadAccounts(context.Background())
	require.NoError(t, err)

	ctx := context.Background()
	before, err := store.Count(ctx)
	require.NoError(t, err)

	m.Shutdown(ctx)
	assert.Equal(t, 0, m.Count())

	disabled := rec.BySubject(SubjectAccountDisabled)
	assert.Len(t, disabled, 2, "every account is disabled on shutdown")

	shutdown, ok := rec.Last(SubjectManagerShutdown)
	require.True(t, ok)
	assert.Equal(t, 2, shutdown.Data["pm_count"])

	// Shutdown events skip the store entirely.
	after, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestAccountCredentials(t *testing.T) {
	bus, _ := newTestBus(t)
	m := NewManager(bus, &mock.NopLogger{}, writeAccounts(t, twoAccounts))
	_, err := m.LoadAccounts(context.Background())
	require.NoError(t, err)

	acct := m.Get("user_002")
	require.NotNil(t, acct)
	key, secret := acct.Credentials()
	assert.Equal(t, "key_bob_000000000002", key)
	assert.Equal(t, "secret_bob_0000000002", secret)
	assert.Equal(t, "bob", acct.Name())
	assert.Equal(t, "ma_stop", acct.Strategy())
	assert.True(t, acct.Testnet())

	assert.Nil(t, m.Get("user_999"))
	assert.Equal(t, []string{"user_001", "user_002"}, m.UserIDs())
}
