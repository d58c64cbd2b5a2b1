// Package ledger talks to the remote Powers ledger over HTTP. The ledger owns
// the authoritative balance; this client only reads it, debits it and resets it.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/schoolpower/powers/pkg/logging"
)

// ErrUnavailable wraps every failure to get a usable answer from the ledger:
// network errors, non-OK statuses, success=false and malformed bodies.
var ErrUnavailable = errors.New("ledger unavailable")

// Operation names accepted by PATCH /balance.
const (
	OperationDeduct = "deduct"
	OperationReset  = "reset"
)

// Config configures the ledger client.
type Config struct {
	BaseURL         string
	Timeout         time.Duration
	BreakerFailures uint
	BreakerWindow   uint
	BreakerDelay    time.Duration
	ResetRetries    int
	HTTPClient      *http.Client
	Logger          logging.Logger
}

func normalizeConfig(cfg Config) Config {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.BreakerWindow == 0 {
		cfg.BreakerWindow = 10
	}
	if cfg.BreakerFailures == 0 || cfg.BreakerFailures > cfg.BreakerWindow {
		cfg.BreakerFailures = cfg.BreakerWindow / 2
		if cfg.BreakerFailures == 0 {
			cfg.BreakerFailures = 1
		}
	}
	if cfg.BreakerDelay <= 0 {
		cfg.BreakerDelay = 15 * time.Second
	}
	if cfg.ResetRetries < 0 {
		cfg.ResetRetries = 0
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return cfg
}

// Client is an HTTP client for the balance endpoints.
type Client struct {
	baseURL string
	http    *http.Client
	log     logging.Logger
	breaker circuitbreaker.CircuitBreaker[*apiResponse]
	calls   failsafe.Executor[*apiResponse]
	resets  failsafe.Executor[*apiResponse]
}

// apiResponse is a fully read HTTP response.
type apiResponse struct {
	status int
	body   []byte
}

// envelope is the JSON shape of every ledger response.
type envelope struct {
	Success bool `json:"success"`
	Data    *struct {
		Balance *float64 `json:"balance"`
	} `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

type patchRequest struct {
	Identity  string `json:"identity"`
	Operation string `json:"operation"`
	Amount    *int64 `json:"amount,omitempty"`
}

// New creates a ledger client. BaseURL must be absolute.
func New(cfg Config) (*Client, error) {
	cfg = normalizeConfig(cfg)
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid ledger URL %q", cfg.BaseURL)
	}

	log := cfg.Logger
	breaker := circuitbreaker.NewBuilder[*apiResponse]().
		WithFailureThresholdRatio(cfg.BreakerFailures, cfg.BreakerWindow).
		WithDelay(cfg.BreakerDelay).
		WithSuccessThreshold(1).
		HandleIf(func(resp *apiResponse, err error) bool {
			return err != nil || resp == nil || resp.status >= 500
		}).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			log.WithFields(logging.Fields{
				"from_state": stateName(event.OldState),
				"to_state":   stateName(event.NewState),
			}).Warn("ledger circuit breaker state change")
		}).
		Build()

	retry := retrypolicy.NewBuilder[*apiResponse]().
		WithBackoff(200*time.Millisecond, 2*time.Second).
		WithMaxRetries(cfg.ResetRetries).
		WithJitterFactor(0.1).
		HandleIf(func(resp *apiResponse, err error) bool {
			if errors.Is(err, circuitbreaker.ErrOpen) {
				return false
			}
			return err != nil || resp == nil || resp.status >= 500 || resp.status == http.StatusTooManyRequests
		}).
		Build()

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    cfg.HTTPClient,
		log:     log,
		breaker: breaker,
		calls:   failsafe.With[*apiResponse](breaker),
		resets:  failsafe.With[*apiResponse](retry, breaker),
	}, nil
}

func stateName(state circuitbreaker.State) string {
	switch state {
	case circuitbreaker.ClosedState:
		return "closed"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	case circuitbreaker.OpenState:
		return "open"
	default:
		return "unknown"
	}
}

// BreakerOpen reports whether the circuit breaker is currently rejecting calls.
func (c *Client) BreakerOpen() bool {
	return c.breaker.IsOpen()
}

// FetchBalance returns the authoritative balance for identity.
func (c *Client) FetchBalance(ctx context.Context, identity string) (int64, error) {
	path := "/balance?identity=" + url.QueryEscape(identity)
	resp, err := c.execute(ctx, c.calls, http.MethodGet, path, nil)
	if err != nil {
		return 0, err
	}
	return decodeBalance(resp, true)
}

// Deduct debits amount from identity's remote balance and returns the new
// remote balance when the ledger reports one (-1 otherwise).
func (c *Client) Deduct(ctx context.Context, identity string, amount int64) (int64, error) {
	resp, err := c.execute(ctx, c.calls, http.MethodPatch, "/balance", patchRequest{
		Identity:  identity,
		Operation: OperationDeduct,
		Amount:    &amount,
	})
	if err != nil {
		return 0, err
	}
	return decodeBalance(resp, false)
}

// Reset asks the ledger to restore identity's daily allowance. Retried a few
// times with backoff since the local reset has already happened.
func (c *Client) Reset(ctx context.Context, identity string) error {
	resp, err := c.execute(ctx, c.resets, http.MethodPatch, "/balance", patchRequest{
		Identity:  identity,
		Operation: OperationReset,
	})
	if err != nil {
		return err
	}
	_, err = decodeBalance(resp, false)
	return err
}

func (c *Client) execute(ctx context.Context, exec failsafe.Executor[*apiResponse], method, path string, payload any) (*apiResponse, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode ledger request: %w", err)
		}
	}

	resp, err := exec.WithContext(ctx).Get(func() (*apiResponse, error) {
		return c.doRequest(ctx, method, path, body)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: %s %s: empty response", ErrUnavailable, method, path)
	}
	if resp.status < 200 || resp.status >= 300 {
		return nil, fmt.Errorf("%w: %s %s: status %d", ErrUnavailable, method, path, resp.status)
	}
	return resp, nil
}

// doRequest sends one request and reads the whole body so retries never see
// a half-consumed response.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) (*apiResponse, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &apiResponse{status: resp.StatusCode, body: data}, nil
}

func decodeBalance(resp *apiResponse, required bool) (int64, error) {
	var env envelope
	if err := json.Unmarshal(resp.body, &env); err != nil {
		return 0, fmt.Errorf("%w: malformed response: %v", ErrUnavailable, err)
	}
	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = "success=false"
		}
		return 0, fmt.Errorf("%w: %s", ErrUnavailable, msg)
	}
	if env.Data == nil || env.Data.Balance == nil {
		if required {
			return 0, fmt.Errorf("%w: response has no balance", ErrUnavailable)
		}
		return -1, nil
	}
	v := math.Round(*env.Data.Balance)
	// float64(math.MaxInt64) is 2^63, which int64 cannot hold.
	if math.IsNaN(v) || v < math.MinInt64 || v >= math.MaxInt64 {
		return 0, fmt.Errorf("%w: invalid balance %v", ErrUnavailable, *env.Data.Balance)
	}
	return int64(v), nil
}
