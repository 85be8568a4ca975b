package logging

import (
	"context"
	"testing"
	"time"

	"st_trading/pkg/telemetry"

	"github.com/stretchr/testify/require"
)

func TestZapLogger_OTelBridge(t *testing.T) {
	tel, err := telemetry.Setup("test-logger")
	require.NoError(t, err)
	defer func() {
		_ = tel.Shutdown(context.Background())
	}()

	logger, err := NewZapLogger("DEBUG")
	require.NoError(t, err)

	logger.Info("Test OTel bridging", "key", "value")

	// Wait a bit for OTel batching (if any)
	time.Sleep(500 * time.Millisecond)

	// Since we are using stdoutlog, we just verify it doesn't crash
	// and produces output. In a full test we might capture stdout.
	logger.Debug("Debug message", "status", "testing")

	_ = logger.Sync() // Some writers don't support sync (like stdout in some envs), ignore error
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"DEBUG", false},
		{"info", false},
		{"WARN", false},
		{"error", false},
		{"FATAL", false},
		{"", false},
		{"verbose", true},
	}

	for _, tt := range tests {
		_, err := parseLevel(tt.input)
		if tt.wantErr {
			require.Error(t, err, "level %q", tt.input)
		} else {
			require.NoError(t, err, "level %q", tt.input)
		}
	}
}

func TestWithFieldReturnsChild(t *testing.T) {
	logger, err := NewZapLogger("INFO")
	require.NoError(t, err)

	child := logger.WithField("component", "test")
	require.NotNil(t, child)

	grandchild := child.WithFields(map[string]interface{}{"user_id": "user_001"})
	require.NotNil(t, grandchild)
	grandchild.Info("scoped log line")
}
