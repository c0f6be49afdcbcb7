package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	brooderrors "brood/internal/errors"
	"brood/internal/jsonx"
)

// httpJSON posts a JSON payload and decodes the JSON response body, mapping
// HTTP failures onto the retry classification: 429 and 5xx transient
// (Retry-After obeyed), other 4xx permanent.
func httpJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload any, out any) error {
	body, err := jsonx.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err // net errors classify as transient downstream
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classifyHTTPStatus(resp, string(raw))
	}

	if err := jsonx.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func classifyHTTPStatus(resp *http.Response, body string) error {
	base := fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &brooderrors.TransientError{
			Err:        base,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Message:    "API rate limit reached. Retrying with exponential backoff.",
		}
	case resp.StatusCode >= 500:
		return &brooderrors.TransientError{
			Err:        base,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("Server error (%d). Retrying request.", resp.StatusCode),
		}
	default:
		return &brooderrors.PermanentError{
			Err:        base,
			StatusCode: resp.StatusCode,
		}
	}
}

func parseRetryAfter(header string) int {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return seconds
	}
	if at, err := http.ParseTime(header); err == nil {
		if wait := int(time.Until(at).Seconds()); wait > 0 {
			return wait
		}
	}
	return 0
}

func newHTTPClient(timeoutSeconds int, fallback time.Duration) *http.Client {
	timeout := time.Duration(timeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = fallback
	}
	return &http.Client{Timeout: timeout}
}
