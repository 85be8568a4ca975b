package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"st_trading/internal/infrastructure/health"
	"st_trading/internal/mock"
)

func TestLivenessAlwaysOK(t *testing.T) {
	s := NewHealthServer(0, &mock.NopLogger{}, nil)
	server := httptest.NewServer(s.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/health/live")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestReadinessFollowsComponentHealth(t *testing.T) {
	hm := health.NewManager(&mock.NopLogger{}, 20*time.Millisecond)
	s := NewHealthServer(0, &mock.NopLogger{}, hm)
	server := httptest.NewServer(s.Handler())
	defer server.Close()

	hm.Register("event_bus")

	resp, err := http.Get(server.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	time.Sleep(50 * time.Millisecond)

	resp, err = http.Get(server.URL + "/health/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "unhealthy", body["status"])
	components, ok := body["components"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, components["event_bus"], "no heartbeat")
}

func TestStatusListsComponents(t *testing.T) {
	hm := health.NewManager(&mock.NopLogger{}, time.Minute)
	hm.Register("ta_manager")
	s := NewHealthServer(0, &mock.NopLogger{}, hm)
	server := httptest.NewServer(s.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var status map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "Healthy", status["ta_manager"])
}
