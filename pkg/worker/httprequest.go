package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	DefaultRequestTimeout = 30
	maxRequestAttempts    = 10
	maxResponseBody       = 1 << 20
)

var validMethods = map[string]bool{
	http.MethodGet: true, http.MethodPost: true, http.MethodPut: true, http.MethodDelete: true,
	http.MethodPatch: true, http.MethodHead: true, http.MethodOptions: true,
}

// HTTPStatusError is returned for responses with a status of 400 or above.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// HTTPRequest performs the request described by the task input:
//
//	{"url": "...", "method": "POST", "headers": {...}, "body": ..., "timeout": 30,
//	 "retries": {"attempts": 3, "delay": 500}}
//
// A string body is sent as is, any other JSON value is sent encoded. Server and network errors
// are retried, client errors are not. The result carries statusCode, headers, body and, when
// the response parses, json.
type HTTPRequest struct {
	// Client overrides the instrumented default client.
	Client *http.Client
	// Unit scales retries.delay; zero means milliseconds.
	Unit time.Duration
}

type httpCall struct {
	url      string
	method   string
	headers  map[string]string
	body     string
	timeout  time.Duration
	attempts int
	delay    time.Duration
}

func (h HTTPRequest) Handle(ctx context.Context, task *Task) error {
	call, err := h.parse(task)
	if err != nil {
		return task.Failure(ctx, err.Error(), nil)
	}

	client := h.Client
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	var lastErr error

	for attempt := 1; attempt <= call.attempts; attempt++ {
		if attempt > 1 {
			progress := (attempt - 1) * 100 / call.attempts

			cancelled, err := task.Heartbeat(ctx, &progress, fmt.Sprintf("retrying after: %v", lastErr))
			if err != nil {
				return task.Failure(ctx, "Heartbeat failed", nil)
			}

			if cancelled {
				return task.Cancelled(ctx)
			}

			sleep(ctx, call.delay)
		}

		result, err := call.do(ctx, client)
		if err == nil {
			return task.Success(ctx, result)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = err

		statusErr := &HTTPStatusError{}
		if errors.As(err, &statusErr) && statusErr.StatusCode < http.StatusInternalServerError {
			break
		}
	}

	return task.Failure(ctx, fmt.Sprintf("HTTP request failed after %d attempts", call.attempts), map[string]string{
		"error": lastErr.Error(),
	})
}

func (h HTTPRequest) parse(task *Task) (*httpCall, error) {
	call := &httpCall{
		url:      task.Input("url").String(),
		method:   http.MethodGet,
		headers:  map[string]string{},
		timeout:  DefaultRequestTimeout * time.Second,
		attempts: 1,
	}

	if call.url == "" {
		return nil, errors.New("Missing required url")
	}

	if method := task.Input("method"); method.Exists() {
		call.method = strings.ToUpper(method.String())
		if !validMethods[call.method] {
			return nil, fmt.Errorf("Invalid HTTP method - %s", method.String())
		}
	}

	task.Input("headers").ForEach(func(key, value gjson.Result) bool {
		call.headers[key.String()] = value.String()

		return true
	})

	if body := task.Input("body"); body.Exists() {
		if body.Type == gjson.String {
			call.body = body.String()
		} else {
			call.body = body.Raw
		}
	}

	if timeout := task.Input("timeout"); timeout.Exists() {
		if timeout.Int() < 1 || timeout.Int() > 300 {
			return nil, errors.New("Timeout must be between 1 and 300 seconds")
		}

		call.timeout = time.Duration(timeout.Int()) * time.Second
	}

	retries := task.Input("retries")
	if attempts := retries.Get("attempts"); attempts.Exists() {
		if attempts.Int() < 1 || attempts.Int() > maxRequestAttempts {
			return nil, fmt.Errorf("Retry attempts must be between 1 and %d", maxRequestAttempts)
		}

		call.attempts = int(attempts.Int())
	}

	unit := h.Unit
	if unit == 0 {
		unit = time.Millisecond
	}

	call.delay = time.Duration(retries.Get("delay").Int()) * unit

	return call, nil
}

func (c *httpCall) do(ctx context.Context, client *http.Client) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if c.body != "" {
		body = strings.NewReader(c.body)
	}

	req, err := http.NewRequestWithContext(ctx, c.method, c.url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	if c.body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, Body: string(payload)}
	}

	result := map[string]any{
		"statusCode": resp.StatusCode,
		"headers":    resp.Header,
		"body":       string(payload),
	}

	if json.Valid(payload) {
		result["json"] = json.RawMessage(payload)
	}

	return result, nil
}
