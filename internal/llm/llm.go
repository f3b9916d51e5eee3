// Package llm implements the narrow interface between the engine and the
// remote decision-making model. Prompt text generation itself is an
// external concern; this package owns only the request/response contract,
// retry policy, and fallback ladder.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nof1ai/perpengine/internal/decision"
	"github.com/nof1ai/perpengine/internal/logger"
)

// PromptPayload is the interface boundary between the engine snapshot and
// the remote model: Marshal produces the request body. The concrete field
// set (portfolio, indicators, bias, suggestions, etc.) is assembled by
// internal/engine and is intentionally opaque here.
type PromptPayload interface {
	Marshal() ([]byte, error)
}

// Decisions is the coin -> AI decision map returned by a cycle.
type Decisions map[string]decision.AIDecision

// Adapter is implemented by anything that can turn a snapshot into
// decisions: the HTTP client below, or a test double.
type Adapter interface {
	Decide(ctx context.Context, payload PromptPayload) (Decisions, error)
}

// Client is the concrete HTTP-backed adapter, options-pattern constructed.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	timeout    time.Duration
	coins      []string

	history []cycleResult
}

type cycleResult struct {
	decisions Decisions
	hasEntry  bool
}

type Option func(*Client)

func WithBaseURL(url string) Option  { return func(c *Client) { c.baseURL = url } }
func WithAPIKey(key string) Option   { return func(c *Client) { c.apiKey = key } }
func WithModel(model string) Option  { return func(c *Client) { c.model = model } }
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }
func WithCoins(coins []string) Option    { return func(c *Client) { c.coins = coins } }

func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{},
		timeout:    120 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.httpClient.Timeout = c.timeout
	return c
}

type wireRequest struct {
	Model string          `json:"model"`
	Input json.RawMessage `json:"input"`
}

type wireDecision struct {
	Signal                string   `json:"signal"`
	Leverage              *int     `json:"leverage,omitempty"`
	Confidence            *float64 `json:"confidence,omitempty"`
	ProfitTarget          *float64 `json:"profit_target,omitempty"`
	StopLoss              *float64 `json:"stop_loss,omitempty"`
	RiskUSD               *float64 `json:"risk_usd,omitempty"`
	InvalidationCondition string   `json:"invalidation_condition,omitempty"`
	Justification         string   `json:"justification,omitempty"`
}

type wireResponse struct {
	Decisions map[string]wireDecision `json:"decisions"`
}

// Decide posts the payload, retries transient HTTP errors with backoff, and
// applies the fallback ladder: timeouts, connection failures and exhausted
// transient retries replay the newest entry-bearing cycle; anything else
// degrades to a safe all-hold map.
func (c *Client) Decide(ctx context.Context, payload PromptPayload) (Decisions, error) {
	input, err := payload.Marshal()
	if err != nil {
		return c.safeHold("marshal error: " + err.Error()), nil
	}
	body, err := json.Marshal(wireRequest{Model: c.model, Input: input})
	if err != nil {
		return c.safeHold("marshal error: " + err.Error()), nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.postWithRetry(reqCtx, body)
	if err != nil {
		if isTransient(err) {
			return c.replayLastEntryBearing(), nil
		}
		return c.safeHold(err.Error()), nil
	}

	decisions, err := parseDecisions(resp)
	if err != nil {
		logger.Warnf("llm response parse error, falling back to safe hold: %v", err)
		return c.safeHold("parse error: " + err.Error()), nil
	}

	c.recordHistory(decisions)
	return decisions, nil
}

func (c *Client) postWithRetry(ctx context.Context, body []byte) ([]byte, error) {
	const maxAttempts = 3
	backoff := time.Second
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}

		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("transient HTTP status %d", resp.StatusCode)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}

		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("llm request failed: HTTP %d", resp.StatusCode)
		}

		return data, nil
	}
	return nil, &transientError{err: fmt.Errorf("llm request exhausted retries: %w", lastErr)}
}

func parseDecisions(body []byte) (Decisions, error) {
	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, err
	}
	out := make(Decisions, len(wire.Decisions))
	for coin, d := range wire.Decisions {
		out[coin] = decision.AIDecision{
			Coin:                  coin,
			Signal:                decision.Signal(d.Signal),
			Leverage:              d.Leverage,
			Confidence:            d.Confidence,
			ProfitTarget:          d.ProfitTarget,
			StopLoss:              d.StopLoss,
			RiskUSD:               d.RiskUSD,
			InvalidationCondition: d.InvalidationCondition,
			Justification:         d.Justification,
		}
	}
	return out, nil
}

func (c *Client) recordHistory(d Decisions) {
	hasEntry := false
	for _, dec := range d {
		if dec.Signal == decision.BuyToEnter || dec.Signal == decision.SellToEnter {
			hasEntry = true
			break
		}
	}
	c.history = append(c.history, cycleResult{decisions: d, hasEntry: hasEntry})
	if len(c.history) > 5 {
		c.history = c.history[len(c.history)-5:]
	}
}

// replayLastEntryBearing reuses the most recent successful cycle's
// decisions among the last five that contained an entry signal; if none
// exist, falls back to an all-hold safe map.
func (c *Client) replayLastEntryBearing() Decisions {
	for i := len(c.history) - 1; i >= 0; i-- {
		if c.history[i].hasEntry {
			logger.Warnf("llm timeout: replaying cached entry-bearing decisions")
			return c.history[i].decisions
		}
	}
	return c.safeHold("llm timeout, no cached entry-bearing decisions")
}

func (c *Client) safeHold(reason string) Decisions {
	logger.Warnf("llm safe mode: %s", reason)
	out := make(Decisions, len(c.coins))
	for _, coin := range c.coins {
		out[coin] = decision.AIDecision{Coin: coin, Signal: decision.Hold, Justification: "safe mode: " + reason}
	}
	return out
}

// transientError marks a failure eligible for the cached-decision replay:
// timeouts, connection failures, and exhausted transient-HTTP retries, as
// opposed to hard HTTP errors and parse failures.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func isTransient(err error) bool {
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	var t interface{ Timeout() bool }
	if errors.As(err, &t) && t.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
