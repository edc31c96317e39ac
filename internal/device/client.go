package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rafaelmp/webtext/internal/wire"
)

// ErrUnauthorized signals rejected credentials or an expired session.
var ErrUnauthorized = errors.New("unauthorized")

// ErrStaleToken signals the server rejected the sync token; a full sync is
// needed to converge.
var ErrStaleToken = errors.New("stale sync token")

// API is the server surface the agent talks to.
type API interface {
	InitialSync(ctx context.Context, req *wire.InitialSyncRequest) (*wire.InitialSyncResponse, error)
	IncrementalSync(ctx context.Context, req *wire.IncrementalSyncRequest) (*wire.IncrementalSyncResponse, error)
	FetchQueue(ctx context.Context) (*wire.QueueResponse, error)
	Confirm(ctx context.Context, req *wire.ConfirmRequest) (*wire.ConfirmResponse, error)
	Status(ctx context.Context) (*wire.SyncStatus, error)
}

// Client is the HTTP implementation of API.
type Client struct {
	baseURL  string
	username string
	password string
	deviceID string

	http *http.Client

	accessToken  string
	refreshToken string
}

// NewClient creates an API client for the given server and device identity.
func NewClient(baseURL, username, password, deviceID string) *Client {
	return &Client{
		baseURL:  baseURL,
		username: username,
		password: password,
		deviceID: deviceID,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Login authenticates with the device credentials and stores the token pair.
func (c *Client) Login(ctx context.Context) error {
	var resp wire.LoginResponse
	err := c.post(ctx, "/api/auth/login", wire.LoginRequest{
		Username: c.username,
		Password: c.password,
		DeviceID: c.deviceID,
	}, &resp, false)
	if err != nil {
		return err
	}
	c.accessToken = resp.AccessToken
	c.refreshToken = resp.RefreshToken
	return nil
}

func (c *Client) refresh(ctx context.Context) error {
	if c.refreshToken == "" {
		return c.Login(ctx)
	}
	var resp wire.RefreshResponse
	err := c.post(ctx, "/api/auth/refresh", wire.RefreshRequest{RefreshToken: c.refreshToken}, &resp, false)
	if errors.Is(err, ErrUnauthorized) {
		// Refresh token expired too; fall back to a full login.
		return c.Login(ctx)
	}
	if err != nil {
		return err
	}
	c.accessToken = resp.AccessToken
	return nil
}

// InitialSync submits one numbered batch of a full sync.
func (c *Client) InitialSync(ctx context.Context, req *wire.InitialSyncRequest) (*wire.InitialSyncResponse, error) {
	var resp wire.InitialSyncResponse
	if err := c.authedPost(ctx, "/api/sync/initial", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// IncrementalSync submits changes since the last checkpoint. A 401 after a
// successful token refresh means the sync token itself is stale.
func (c *Client) IncrementalSync(ctx context.Context, req *wire.IncrementalSyncRequest) (*wire.IncrementalSyncResponse, error) {
	var resp wire.IncrementalSyncResponse
	err := c.authedPost(ctx, "/api/sync/incremental", req, &resp)
	if errors.Is(err, ErrUnauthorized) {
		return nil, ErrStaleToken
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// FetchQueue picks up pending web-originated sends.
func (c *Client) FetchQueue(ctx context.Context) (*wire.QueueResponse, error) {
	var resp wire.QueueResponse
	if err := c.authedGet(ctx, "/api/sync/queue", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Confirm reports a completed send for one queue entry.
func (c *Client) Confirm(ctx context.Context, req *wire.ConfirmRequest) (*wire.ConfirmResponse, error) {
	var resp wire.ConfirmResponse
	if err := c.authedPost(ctx, "/api/sync/confirm", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status reads the server's view of this account's sync state.
func (c *Client) Status(ctx context.Context) (*wire.SyncStatus, error) {
	var resp wire.SyncStatus
	if err := c.authedGet(ctx, "/api/sync/status", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// authedPost runs a POST with the access token, refreshing it once on 401.
func (c *Client) authedPost(ctx context.Context, path string, body, out any) error {
	err := c.post(ctx, path, body, out, true)
	if errors.Is(err, ErrUnauthorized) {
		if rerr := c.refresh(ctx); rerr != nil {
			return rerr
		}
		err = c.post(ctx, path, body, out, true)
	}
	return err
}

func (c *Client) authedGet(ctx context.Context, path string, out any) error {
	err := c.do(ctx, http.MethodGet, path, nil, out, true)
	if errors.Is(err, ErrUnauthorized) {
		if rerr := c.refresh(ctx); rerr != nil {
			return rerr
		}
		err = c.do(ctx, http.MethodGet, path, nil, out, true)
	}
	return err
}

func (c *Client) post(ctx context.Context, path string, body, out any, authed bool) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, payload, out, authed)
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, out any, authed bool) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%s: %w", path, ErrUnauthorized)
	case resp.StatusCode >= 400:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: server returned %d: %s", path, resp.StatusCode, bytes.TrimSpace(data))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}
	return nil
}
