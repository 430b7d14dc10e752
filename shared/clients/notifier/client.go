package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/lnkday/automation-service/shared/config"
	"github.com/lnkday/automation-service/shared/metricsx"
)

// Client talks to the notification service that fans out emails and Slack
// messages. A small circuit breaker keeps a dead notifier from stalling
// every dispatch.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *circuitBreaker
}

type SendRequest struct {
	TeamID   string         `json:"team_id"`
	Channel  string         `json:"channel"`
	To       string         `json:"to,omitempty"`
	Subject  string         `json:"subject,omitempty"`
	Body     string         `json:"body"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type SendResponse struct {
	MessageID string `json:"message_id"`
	Accepted  bool   `json:"accepted"`
}

const (
	ChannelEmail = "email"
	ChannelSlack = "slack"
)

var ErrCircuitOpen = errors.New("notifier circuit open")

func New(cfg config.Config) (*Client, error) {
	if cfg.NotifierURL == "" {
		return nil, errors.New("NOTIFIER_URL is required")
	}
	timeout := time.Duration(cfg.NotifierTimeoutMS) * time.Millisecond
	return &Client{
		baseURL: cfg.NotifierURL,
		http:    &http.Client{Timeout: timeout},
		breaker: newCircuitBreaker(5, 30*time.Second),
	}, nil
}

func (c *Client) Send(ctx context.Context, req SendRequest) (SendResponse, error) {
	if c == nil || c.http == nil {
		return SendResponse{}, errors.New("notifier client not initialized")
	}
	if c.breaker.Open() {
		metricsx.IncNotifierRequest("circuit_open")
		return SendResponse{}, ErrCircuitOpen
	}
	body, err := json.Marshal(req)
	if err != nil {
		return SendResponse{}, err
	}

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/notifications", bytes.NewReader(body))
	if err != nil {
		return SendResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.breaker.Fail()
		metricsx.IncNotifierRequest("transport_error")
		return SendResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		c.breaker.Fail()
		metricsx.IncNotifierRequest("server_error")
		io.Copy(io.Discard, resp.Body)
		return SendResponse{}, fmt.Errorf("notifier returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		metricsx.IncNotifierRequest("rejected")
		io.Copy(io.Discard, resp.Body)
		return SendResponse{}, fmt.Errorf("notifier rejected request with %d", resp.StatusCode)
	}

	var out SendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.breaker.Fail()
		metricsx.IncNotifierRequest("decode_error")
		return SendResponse{}, err
	}
	c.breaker.Success()
	metricsx.IncNotifierRequest("ok")
	metricsx.ObserveNotifierLatency(time.Since(start))
	return out, nil
}

type circuitBreaker struct {
	mu            sync.Mutex
	failures      int
	openUntil     time.Time
	threshold     int
	resetDuration time.Duration
}

func newCircuitBreaker(threshold int, reset time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, resetDuration: reset}
}

func (b *circuitBreaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return false
	}
	if time.Now().After(b.openUntil) {
		b.openUntil = time.Time{}
		b.failures = 0
		return false
	}
	return true
}

func (b *circuitBreaker) Fail() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = time.Now().Add(b.resetDuration)
	}
}

func (b *circuitBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil = time.Time{}
}
