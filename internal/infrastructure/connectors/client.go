package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"cmis-platform-sync/internal/domain"
	"cmis-platform-sync/internal/infrastructure/ratelimit"
)

// requestTimeout bounds every outbound platform call; the job-level context
// deadline still applies on top.
const requestTimeout = 15 * time.Second

// httpAPI is the shared HTTP helper behind the Graph-style connectors. It
// charges every request against the rate limiter and maps HTTP failures onto
// the error taxonomy so the retry policy can classify them.
type httpAPI struct {
	platform string
	baseURL  string
	client   *http.Client
	limiter  *ratelimit.Limiter
	logger   zerolog.Logger
}

func newHTTPAPI(platform, baseURL string, limiter *ratelimit.Limiter, logger zerolog.Logger) *httpAPI {
	return &httpAPI{
		platform: platform,
		baseURL:  baseURL,
		client:   &http.Client{Timeout: requestTimeout},
		limiter:  limiter,
		logger:   logger,
	}
}

func (a *httpAPI) get(ctx context.Context, integrationID, path string, query url.Values, headers map[string]string) (map[string]any, error) {
	return a.do(ctx, integrationID, http.MethodGet, path, query, nil, headers)
}

func (a *httpAPI) postJSON(ctx context.Context, integrationID, path string, body map[string]any, headers map[string]string) (map[string]any, error) {
	return a.do(ctx, integrationID, http.MethodPost, path, nil, body, headers)
}

func (a *httpAPI) postForm(ctx context.Context, integrationID, path string, form url.Values) (map[string]any, error) {
	if a.limiter != nil {
		if ok, wait := a.limiter.Acquire(a.platform, integrationID); !ok {
			return nil, &domain.RateLimitedError{Platform: a.platform, RetryAfter: wait}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return a.send(req, integrationID)
}

func (a *httpAPI) delete(ctx context.Context, integrationID, path string, query url.Values, headers map[string]string) (map[string]any, error) {
	return a.do(ctx, integrationID, http.MethodDelete, path, query, nil, headers)
}

func (a *httpAPI) do(ctx context.Context, integrationID, method, path string, query url.Values, body map[string]any, headers map[string]string) (map[string]any, error) {
	if a.limiter != nil {
		if ok, wait := a.limiter.Acquire(a.platform, integrationID); !ok {
			return nil, &domain.RateLimitedError{Platform: a.platform, RetryAfter: wait}
		}
	}

	u := a.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return a.send(req, integrationID)
}

func (a *httpAPI) send(req *http.Request, integrationID string) (map[string]any, error) {
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &domain.TransientError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.TransientError{Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		a.logger.Warn().
			Str("platform", a.platform).
			Str("integration_id", integrationID).
			Int("status", resp.StatusCode).
			Msg("Platform rejected credentials")
		return nil, fmt.Errorf("platform returned %d: %w", resp.StatusCode, domain.ErrCredentialExpired)

	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		if a.limiter != nil {
			a.limiter.Penalize(a.platform, integrationID, retryAfter)
		}
		return nil, &domain.RateLimitedError{Platform: a.platform, RetryAfter: retryAfter}

	case resp.StatusCode >= 500:
		return nil, &domain.TransientError{
			Err: fmt.Errorf("platform returned %d: %s", resp.StatusCode, truncate(raw, 200)),
		}

	case resp.StatusCode >= 400:
		return nil, &domain.PermanentError{
			Status: resp.StatusCode,
			Err:    fmt.Errorf("%s", truncate(raw, 200)),
		}
	}

	var decoded map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, fmt.Errorf("failed to decode platform response: %w", err)
		}
	}
	return decoded, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func truncate(raw []byte, limit int) string {
	if len(raw) > limit {
		return string(raw[:limit]) + "..."
	}
	return string(raw)
}

// Response traversal helpers. Platform payloads are loosely typed JSON, so
// the mappers read defensively and skip what they cannot interpret.

func str(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func num(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	return 0
}

func obj(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}

func list(m map[string]any, key string) []map[string]any {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	items := make([]map[string]any, 0, len(raw))
	for _, entry := range raw {
		if item, ok := entry.(map[string]any); ok {
			items = append(items, item)
		}
	}
	return items
}

func parseTime(value string) *time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05-0700", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return &t
		}
	}
	return nil
}

func unixTime(v float64) *time.Time {
	if v <= 0 {
		return nil
	}
	t := time.Unix(int64(v), 0).UTC()
	return &t
}
