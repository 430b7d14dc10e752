package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// WebhookExecutor POSTs the evaluation context to a team-configured URL.
// Config keys: "url" (required, http/https only), "method", "headers".
type WebhookExecutor struct {
	HTTP *http.Client
}

func NewWebhookExecutor(timeout time.Duration) *WebhookExecutor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookExecutor{HTTP: &http.Client{Timeout: timeout}}
}

func (e *WebhookExecutor) Execute(ctx context.Context, config map[string]any, evalCtx map[string]any) (map[string]any, error) {
	rawURL := stringOpt(config, "url")
	if rawURL == "" {
		return nil, errors.New("send_webhook: config missing url")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("send_webhook: invalid url %q", rawURL)
	}

	method := strings.ToUpper(stringOpt(config, "method"))
	if method == "" {
		method = http.MethodPost
	}

	body, err := json.Marshal(evalCtx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if headers, ok := config["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := e.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("send_webhook: %s returned %d", parsed.Host, resp.StatusCode)
	}
	return map[string]any{"statusCode": resp.StatusCode}, nil
}
