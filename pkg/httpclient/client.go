// Package httpclient provides a reusable HTTP client with resilience features
package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"st_trading/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// APIError represents an API error response
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: status=%d body=%s", e.StatusCode, string(e.Body))
}

// Signer is an interface for signing requests. SignRequest runs once per
// attempt, so retried requests carry a fresh timestamp and signature.
type Signer interface {
	SignRequest(req *http.Request) error
}

// Param is one query parameter. Parameters are encoded in insertion order;
// the exchange accepts any ordering as long as the signature covers the
// exact string sent.
type Param struct {
	Key   string
	Value string
}

// Params is an ordered query parameter list
type Params []Param

// Add appends a parameter and returns the extended list
func (p Params) Add(key, value string) Params {
	return append(p, Param{Key: key, Value: value})
}

// Encode renders the parameters as a URL query string in insertion order
func (p Params) Encode() string {
	var buf []byte
	for i, kv := range p {
		if i > 0 {
			buf = append(buf, '&')
		}
		buf = append(buf, url.QueryEscape(kv.Key)...)
		buf = append(buf, '=')
		buf = append(buf, url.QueryEscape(kv.Value)...)
	}
	return string(buf)
}

// Client is a wrapper around http.Client with resilience
type Client struct {
	client        *http.Client
	baseURL       string
	limiter       *rate.Limiter
	retryPipeline failsafe.Executor[*http.Response]
	pipeline      failsafe.Executor[*http.Response]

	// OTel
	tracer      trace.Tracer
	reqCounter  metric.Int64Counter
	errCounter  metric.Int64Counter
	latencyHist metric.Float64Histogram
}

// NewClient creates a new HTTP client with default resilience policies.
// maxRetries bounds retried calls made through DoWithRetry; plain Do calls
// go through the circuit breaker only.
func NewClient(baseURL string, timeout time.Duration, maxRetries int) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}

	retryPolicy := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			// Retry on network errors, 5xx server errors, or throttling
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500 || resp.StatusCode == 429
		}).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(maxRetries - 1).
		Build()

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	tracer := telemetry.GetTracer("http-client")
	meter := telemetry.GetMeter("http-client")

	reqCounter, _ := meter.Int64Counter("http_requests_total",
		metric.WithDescription("Total number of HTTP requests"))
	errCounter, _ := meter.Int64Counter("http_errors_total",
		metric.WithDescription("Total number of HTTP errors"))
	latencyHist, _ := meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"))

	return &Client{
		client: &http.Client{
			Timeout: timeout,
		},
		baseURL:       baseURL,
		limiter:       rate.NewLimiter(rate.Limit(10), 20),
		retryPipeline: failsafe.With[*http.Response](retryPolicy, breaker),
		pipeline:      failsafe.With[*http.Response](breaker),
		tracer:        tracer,
		reqCounter:    reqCounter,
		errCounter:    errCounter,
		latencyHist:   latencyHist,
	}
}

// SetRateLimit replaces the outbound request pacing
func (c *Client) SetRateLimit(rps float64, burst int) {
	c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
}

// Do executes a single-attempt request through the circuit breaker
func (c *Client) Do(ctx context.Context, method, path string, params Params, signer Signer) ([]byte, error) {
	return c.execute(ctx, c.pipeline, method, path, params, signer)
}

// DoWithRetry executes a request through the retry pipeline. The request is
// rebuilt and re-signed on every attempt.
func (c *Client) DoWithRetry(ctx context.Context, method, path string, params Params, signer Signer) ([]byte, error) {
	return c.execute(ctx, c.retryPipeline, method, path, params, signer)
}

func (c *Client) execute(ctx context.Context, pipeline failsafe.Executor[*http.Response], method, path string, params Params, signer Signer) ([]byte, error) {
	start := time.Now()

	ctx, span := c.tracer.Start(ctx, fmt.Sprintf("%s %s", method, path),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.url", c.baseURL+path),
		),
	)
	defer span.End()

	resp, err := pipeline.GetWithExecution(func(exec failsafe.Execution[*http.Response]) (*http.Response, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		req, err := c.buildRequest(ctx, method, path, params, signer)
		if err != nil {
			return nil, err
		}
		return c.client.Do(req)
	})

	c.reqCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
	))
	c.latencyHist.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
	))

	if err != nil {
		span.RecordError(err)
		c.errCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("path", path),
			attribute.String("error", "pipeline_failed"),
		))
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		c.errCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("path", path),
			attribute.Int("status", resp.StatusCode),
		))
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Body:       body,
		}
	}

	return body, nil
}

func (c *Client) buildRequest(ctx context.Context, method, path string, params Params, signer Signer) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.URL.RawQuery = params.Encode()

	if signer != nil {
		if err := signer.SignRequest(req); err != nil {
			return nil, fmt.Errorf("failed to sign request: %w", err)
		}
	}
	return req, nil
}
