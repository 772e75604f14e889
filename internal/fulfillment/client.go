// Package fulfillment calls the external VTU provider that actually
// delivers airtime and data to a phone number. The provider is the slow,
// unreliable part of every purchase: calls are bounded by a hard timeout,
// shielded by a circuit breaker, and their outcome is reported to the
// purchase orchestrator as one of three error classes so it can decide
// whether funds are committed or released.
package fulfillment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/seyidev/vtucore/internal/circuitbreaker"
	"github.com/seyidev/vtucore/internal/metrics"
	"github.com/seyidev/vtucore/internal/traces"
)

var (
	// ErrRejected: the provider refused the request (bad recipient,
	// unsupported product). Retrying the same request will not help.
	ErrRejected = errors.New("provider rejected request")
	// ErrUnavailable: the provider errored or is unreachable.
	ErrUnavailable = errors.New("provider unavailable")
	// ErrTimeout: no response within the configured deadline. The
	// delivery outcome is unknown.
	ErrTimeout = errors.New("provider call timed out")
	// ErrCircuitOpen: too many recent failures, call skipped.
	ErrCircuitOpen = errors.New("provider circuit open")
)

// maxResponseSize caps provider response bodies.
const maxResponseSize = 1 << 20 // 1MB

// Request describes one vend operation.
type Request struct {
	Network   string `json:"network"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Product   string `json:"product,omitempty"`
	Reference string `json:"reference"`
}

// Result is a successful provider response.
type Result struct {
	ProviderRef string `json:"providerRef"`
}

// Vendor is the provider interface the orchestrator depends on.
type Vendor interface {
	Vend(ctx context.Context, req *Request) (*Result, error)
	Name() string
}

// breakerThreshold failures within the window trip the circuit;
// breakerCooldown is how long it stays open before probing.
const (
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
)

// Client talks to a VTU provider over HTTP.
type Client struct {
	name       string
	baseURL    string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
}

// NewClient creates a provider client. timeout bounds each vend call
// end to end, including connection setup and body read.
func NewClient(name, baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		name:    name,
		baseURL: baseURL,
		apiKey:  apiKey,
		timeout: timeout,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		breaker: circuitbreaker.New(breakerThreshold, breakerCooldown),
	}
}

// Name returns the configured provider name.
func (c *Client) Name() string { return c.name }

// CircuitState reports the breaker state for this provider, for
// readiness reporting. An open circuit means vends are being rejected
// without reaching the provider.
func (c *Client) CircuitState() circuitbreaker.State {
	return c.breaker.State(c.name)
}

// Vend submits a top-up request to the provider. Exactly one of the
// sentinel errors (or nil) comes back, so callers can branch on the
// outcome class without inspecting HTTP details.
func (c *Client) Vend(ctx context.Context, req *Request) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "fulfillment.vend",
		traces.Provider(c.name),
		traces.Network(req.Network),
		traces.Amount(req.Amount),
	)
	defer span.End()

	if !c.breaker.Allow(c.name) {
		c.observe("circuit_open", time.Now())
		return nil, ErrCircuitOpen
	}

	start := time.Now()
	res, err := c.vend(ctx, req)
	switch {
	case err == nil:
		c.breaker.RecordSuccess(c.name)
		c.observe("success", start)
	case errors.Is(err, ErrRejected):
		// A rejection is a working provider saying no.
		c.breaker.RecordSuccess(c.name)
		c.observe("rejected", start)
	case errors.Is(err, ErrTimeout):
		c.breaker.RecordFailure(c.name)
		c.observe("timeout", start)
	default:
		c.breaker.RecordFailure(c.name)
		c.observe("error", start)
	}
	return res, err
}

type vendResponse struct {
	Status      string `json:"status"`
	ProviderRef string `json:"providerRef"`
	Message     string `json:"message"`
}

func (c *Client) vend(ctx context.Context, req *Request) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal vend request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/vend", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build vend request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
		}
		return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		var vr vendResponse
		if json.Unmarshal(data, &vr) == nil && vr.Message != "" {
			return nil, fmt.Errorf("%w: %s", ErrRejected, vr.Message)
		}
		return nil, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}

	var vr vendResponse
	if err := json.Unmarshal(data, &vr); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", ErrUnavailable, err)
	}
	if vr.Status != "" && vr.Status != "success" && vr.Status != "delivered" {
		return nil, fmt.Errorf("%w: %s", ErrRejected, vr.Message)
	}
	return &Result{ProviderRef: vr.ProviderRef}, nil
}

func (c *Client) observe(outcome string, start time.Time) {
	metrics.ProviderRequestDuration.WithLabelValues(c.name, outcome).Observe(time.Since(start).Seconds())
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
