package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSigner struct {
	calls int32
}

func (s *countingSigner) SignRequest(req *http.Request) error {
	atomic.AddInt32(&s.calls, 1)
	req.Header.Set("X-Test-Signed", "yes")
	return nil
}

func TestParamsEncodePreservesOrder(t *testing.T) {
	p := Params{}.
		Add("symbol", "XRPUSDC").
		Add("interval", "15m").
		Add("limit", "200")

	assert.Equal(t, "symbol=XRPUSDC&interval=15m&limit=200", p.Encode())
}

func TestParamsEncodeEscapes(t *testing.T) {
	p := Params{}.Add("note", "a b&c")
	assert.Equal(t, "note=a+b%26c", p.Encode())
}

func TestDoWithRetry_RetriesServerErrors(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("success"))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, 3)
	client.SetRateLimit(1000, 1000)

	body, err := client.DoWithRetry(context.Background(), http.MethodPost, "/order", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "success", string(body))
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestDoWithRetry_ResignsEachAttempt(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, 3)
	client.SetRateLimit(1000, 1000)

	signer := &countingSigner{}
	_, err := client.DoWithRetry(context.Background(), http.MethodPost, "/order", nil, signer)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&signer.calls), "each attempt must be signed fresh")
}

func TestDo_NoRetryOnServerError(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, 3)
	client.SetRateLimit(1000, 1000)

	_, err := client.Do(context.Background(), http.MethodGet, "/klines", nil, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestDo_ClientErrorIsTerminalAPIError(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-1102,"msg":"Mandatory parameter missing"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, 3)
	client.SetRateLimit(1000, 1000)

	_, err := client.DoWithRetry(context.Background(), http.MethodPost, "/order", nil, nil)
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, string(apiErr.Body), "-1102")
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts), "4xx must not be retried")
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, 3)
	client.SetRateLimit(1000, 1000)

	// Breaker policy is 5 failures out of 10
	for i := 0; i < 6; i++ {
		_, _ = client.Do(context.Background(), http.MethodGet, "/", nil, nil)
	}

	before := atomic.LoadInt32(&attempts)
	_, err := client.Do(context.Background(), http.MethodGet, "/", nil, nil)
	require.Error(t, err)
	assert.Equal(t, before, atomic.LoadInt32(&attempts), "open breaker must short-circuit before the server")
}
