package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/jobharvest/internal/api"
	"github.com/kalambet/jobharvest/internal/config"
	"github.com/kalambet/jobharvest/internal/operations"
)

type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	// heartbeat paces the session held during collect and enrich.
	heartbeat  time.Duration
	staleAfter time.Duration
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	token, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return nil, fmt.Errorf("getting API token: %w", err)
	}

	return &apiClient{
		baseURL:    strings.TrimRight(cfg.ServerURL(), "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		heartbeat:  cfg.Session.HeartbeatInterval,
		staleAfter: cfg.Session.StaleAfter,
	}, nil
}

func (c *apiClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *apiClient) send(hc *http.Client, req *http.Request) (*http.Response, error) {
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is jobharvest running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	return c.send(c.httpClient, req)
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

// postLong is post without the client timeout, for requests that last as
// long as an operation.
func (c *apiClient) postLong(ctx context.Context, path string, body any) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	hc := *c.httpClient
	hc.Timeout = 0
	return c.send(&hc, req)
}

func (c *apiClient) cancel(ctx context.Context, kind operations.Kind) (bool, error) {
	resp, err := c.post(ctx, "/v1/operations/cancel", api.CancelRequest{Kind: string(kind)})
	if err != nil {
		return false, err
	}
	var out api.CancelResponse
	if err := decodeJSON(resp, &out); err != nil {
		return false, err
	}
	return out.Found, nil
}

func (c *apiClient) status(ctx context.Context, kind operations.Kind) (operations.Status, error) {
	resp, err := c.get(ctx, "/v1/operations/status?kind="+url.QueryEscape(string(kind)))
	if err != nil {
		return operations.Status{}, err
	}
	var st operations.Status
	err = decodeJSON(resp, &st)
	return st, err
}

func (c *apiClient) authHeader() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.token)
	return h
}

// wsURL returns the session websocket URL, optionally filtered to kind.
func (c *apiClient) wsURL(kind operations.Kind) string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	u += "/v1/ws"
	if kind != "" {
		u += "?kind=" + url.QueryEscape(string(kind))
	}
	return u
}

// apiError is a non-2xx response from the server.
type apiError struct {
	Status  int
	Type    string
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
		}
		apiErr := &apiError{Status: resp.StatusCode}
		var eb api.ErrorBody
		if json.Unmarshal(body, &eb) == nil && eb.Error.Message != "" {
			apiErr.Type = eb.Error.Type
			apiErr.Message = eb.Error.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return apiErr
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
