// Package client talks to the controller on behalf of a dispatched runner.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stagehand-deploy/stagehand/deployer/internal/models"
	"github.com/stagehand-deploy/stagehand/deployer/internal/service"
)

type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

// StatusError is a response the controller answered with a non-2xx status.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("controller answered %d: %s", e.Code, e.Message)
}

func (e *StatusError) retryable() bool {
	switch e.Code {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

type Client struct {
	baseURL string
	token   string
	client  *http.Client
	timeout time.Duration
	retries int
}

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("controller base url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  client,
		timeout: timeout,
		retries: retries,
	}, nil
}

// Plan fetches what the runner needs to execute deployment id.
func (c *Client) Plan(ctx context.Context, id uuid.UUID) (service.Plan, error) {
	var plan service.Plan
	err := c.do(ctx, http.MethodGet, "/deployments/"+id.String()+"/plan", nil, &plan)
	return plan, err
}

// Complete reports the outcome of deployment id.
func (c *Client) Complete(ctx context.Context, id uuid.UUID, outcome models.Status) (service.DeploymentView, error) {
	body, err := json.Marshal(map[string]models.Status{"status": outcome})
	if err != nil {
		return service.DeploymentView{}, fmt.Errorf("marshal completion: %w", err)
	}
	var view service.DeploymentView
	err = c.do(ctx, http.MethodPost, "/deployments/"+id.String()+"/complete", body, &view)
	return view, err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	attempts := c.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		httpReq, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			cancel()
			return fmt.Errorf("build request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.token)
		}
		resp, err := c.client.Do(httpReq)
		if err != nil {
			cancel()
			// The controller may have applied a POST whose answer was lost.
			if method != http.MethodGet {
				return fmt.Errorf("%s %s: %w", method, path, err)
			}
			lastErr = err
		} else {
			lastErr = decode(resp, out)
			resp.Body.Close()
			cancel()
			if lastErr == nil {
				return nil
			}
			var sErr *StatusError
			if !errors.As(lastErr, &sErr) || !sErr.retryable() {
				return lastErr
			}
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i+1) * 100 * time.Millisecond):
			}
		}
	}
	return fmt.Errorf("%s %s failed: %w", method, path, lastErr)
}

func decode(resp *http.Response, out interface{}) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var payload struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &payload) != nil || payload.Error == "" {
			payload.Error = strings.TrimSpace(string(raw))
		}
		return &StatusError{Code: resp.StatusCode, Message: payload.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
