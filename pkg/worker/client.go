// Package worker runs activity handlers against the engine: it polls a task list, dispatches
// each task to a handler and reports the outcome.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/flowcore/pkg/models"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultTimeout = 30 * time.Second

var ErrUnexpectedStatus = errors.New("unexpected response status")

// Capability is everything a worker needs from the engine.
type Capability interface {
	// Poll claims the next task of taskList; a nil task means there is no work.
	Poll(ctx context.Context, taskList, workerID string) (*models.ActivityTask, error)
	// Respond reports on a claimed task. Only heartbeats return a result.
	Respond(ctx context.Context, token string, response *models.TaskResponse) (*models.HeartbeatResult, error)
	Signal(ctx context.Context, executionID string, signal *models.WorkflowSignalled) error
	// Signals returns the history entries matching signalName.
	Signals(ctx context.Context, executionID, signalName string) ([]*models.HistoryEvent, error)
}

// Client implements Capability over the engine's HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
	wait    time.Duration
}

type ClientOption func(*Client)

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.http = client
	}
}

// WithLongPoll asks the engine to hold polls open for up to wait.
func WithLongPoll(wait time.Duration) ClientOption {
	return func(c *Client) {
		c.wait = wait
	}
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{baseURL: strings.TrimRight(baseURL, "/")}

	for _, opt := range opts {
		opt(c)
	}

	if c.http == nil {
		c.http = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   defaultTimeout + c.wait,
		}
	}

	return c
}

func (c *Client) Poll(ctx context.Context, taskList, workerID string) (*models.ActivityTask, error) {
	query := url.Values{"list": {taskList}, "worker": {workerID}}
	if c.wait > 0 {
		query.Set("wait", strconv.Itoa(int(c.wait/time.Second)))
	}

	var task models.ActivityTask

	found, err := c.do(ctx, http.MethodGet, "/tasks/poll?"+query.Encode(), nil, &task)
	if err != nil || !found {
		return nil, err
	}

	return &task, nil
}

func (c *Client) Respond(ctx context.Context, token string, response *models.TaskResponse) (*models.HeartbeatResult, error) {
	var result models.HeartbeatResult

	found, err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(token), response, &result)
	if err != nil || !found {
		return nil, err
	}

	return &result, nil
}

func (c *Client) Signal(ctx context.Context, executionID string, signal *models.WorkflowSignalled) error {
	_, err := c.do(ctx, http.MethodPost, "/executions/"+url.PathEscape(executionID)+"/signal", signal, nil)

	return err
}

func (c *Client) Signals(ctx context.Context, executionID, signalName string) ([]*models.HistoryEvent, error) {
	query := url.Values{"executionid": {executionID}, "signal": {signalName}}

	var events []*models.HistoryEvent

	_, err := c.do(ctx, http.MethodGet, "/history?"+query.Encode(), nil, &events)
	if err != nil {
		return nil, err
	}

	return events, nil
}

// do sends body as JSON and decodes a 200 answer into out. It reports false for 204.
func (c *Client) do(ctx context.Context, method, path string, body, out any) (bool, error) {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return false, fmt.Errorf("failed to marshal request: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return false, fmt.Errorf("failed to build request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("http request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return false, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return true, nil
		}

		err = json.NewDecoder(resp.Body).Decode(out)
		if err != nil {
			return false, fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
		}

		return true, nil
	default:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		return false, fmt.Errorf("%w: %s %s returned %d: %s",
			ErrUnexpectedStatus, method, path, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
}
