package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"unicode/utf8"
)

const (
	maxResponseBytes  = 1 << 20
	maxErrorBodyBytes = 200
)

// WebhookClient delivers hook payloads over HTTP.
type WebhookClient struct {
	log       *slog.Logger
	hc        *http.Client
	userAgent string
}

type WebhookOptions struct {
	Logger     *slog.Logger
	HTTPClient *http.Client
	UserAgent  string
}

func NewWebhookClient(opts WebhookOptions) *WebhookClient {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	hc := opts.HTTPClient
	if hc == nil {
		// Per-call deadlines come from the executor context.
		hc = &http.Client{Timeout: maxTimeout}
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = "flower-relay"
	}
	return &WebhookClient{log: logger, hc: hc, userAgent: ua}
}

// Invoke posts the payload to the hook URL and decodes the decision.
func (c *WebhookClient) Invoke(ctx context.Context, event Event, hook Hook, payload Payload) (*Response, error) {
	if c == nil || c.hc == nil {
		return nil, errors.New("webhook client not initialized")
	}
	target := strings.TrimSpace(hook.URL)
	if target == "" {
		return nil, errors.New("missing hook url")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Flower-Hook-Event", string(event))
	for k, v := range hook.Headers {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := truncateUTF8(strings.TrimSpace(string(raw)), maxErrorBodyBytes)
		return nil, fmt.Errorf("hook %s: http %d: %s", event, resp.StatusCode, msg)
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedResponse)
	}
	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	c.log.Debug("hook delivered", "event", event, "status", resp.StatusCode)
	return &out, nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
