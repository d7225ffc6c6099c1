package pull

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"git.home.luguber.info/inful/edgeagent/internal/foundation"
	"git.home.luguber.info/inful/edgeagent/internal/retry"
	"git.home.luguber.info/inful/edgeagent/internal/state"
)

const defaultRequestTimeout = 10 * time.Second

// ClientConfig describes the controller's device API.
type ClientConfig struct {
	BaseURL  string
	DeviceID string
	// Token is sent as a bearer token when non-empty.
	Token   string
	Timeout time.Duration
	// Retry governs transient-failure retries per request. Fetches run
	// inside a reconciliation pass, so the default is deliberately short.
	Retry retry.Policy
}

// Client fetches deployment artifacts from the controller's HTTP API. It
// serves the engine's fetch path in both transport modes.
type Client struct {
	cfg  ClientConfig
	http *http.Client
}

// NewClient validates the config and builds a client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, foundation.ValidationError("pull client requires a controller URL").Build()
	}
	if cfg.DeviceID == "" {
		return nil, foundation.ValidationError("pull client requires a device id").Build()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRequestTimeout
	}
	if err := cfg.Retry.Validate(); err != nil {
		cfg.Retry = retry.NewPolicy(retry.BackoffFixed, 200*time.Millisecond, time.Second, 2)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// GetSnapshot fetches the device's current snapshot.
func (c *Client) GetSnapshot(ctx context.Context) (*state.Snapshot, error) {
	var snap state.Snapshot
	if err := c.getJSON(ctx, c.deviceURL("snapshot"), &snap); err != nil {
		return nil, err
	}
	if snap.ID == "" {
		return nil, foundation.TransportError("controller returned a snapshot without an id").
			WithComponent("pull").
			Build()
	}
	return &snap, nil
}

// GetSettings fetches the device's current settings.
func (c *Client) GetSettings(ctx context.Context) (*state.Settings, error) {
	var settings state.Settings
	if err := c.getJSON(ctx, c.deviceURL("settings"), &settings); err != nil {
		return nil, err
	}
	if settings.Hash == "" {
		return nil, foundation.TransportError("controller returned settings without a hash").
			WithComponent("pull").
			Build()
	}
	return &settings, nil
}

// FetchDesired retrieves the raw desired-state document. A 204 response
// means the controller has nothing published for this device and yields a
// nil body.
func (c *Client) FetchDesired(ctx context.Context) ([]byte, error) {
	resp, err := c.getWithRetry(ctx, c.deviceURL("desired"))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, foundation.NetworkError("failed to read desired-state response").
			WithComponent("pull").
			WithCause(err).
			Build()
	}
	return body, nil
}

func (c *Client) deviceURL(resource string) string {
	return fmt.Sprintf("%s/api/v1/devices/%s/%s", c.cfg.BaseURL, c.cfg.DeviceID, resource)
}

func (c *Client) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, foundation.InternalError("failed to build controller request").
			WithComponent("pull").
			WithCause(err).
			Build()
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, foundation.NetworkError("controller request failed").
			WithComponent("pull").
			WithContext(foundation.Fields{"url": url}).
			WithCause(err).
			Build()
	}
	return resp, nil
}

// getWithRetry applies the retry policy to connection failures and 5xx
// responses. 4xx responses are returned immediately; they will not heal on
// their own.
func (c *Client) getWithRetry(ctx context.Context, url string) (*http.Response, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		resp, err := c.get(ctx, url)
		if err == nil {
			if resp.StatusCode < http.StatusInternalServerError {
				return resp, nil
			}
			lastErr = c.statusError(resp)
			_ = resp.Body.Close()
		} else {
			lastErr = err
		}

		if attempt >= c.cfg.Retry.MaxRetries {
			return nil, lastErr
		}
		select {
		case <-ctx.Done():
			return nil, lastErr
		case <-time.After(c.cfg.Retry.Delay(attempt + 1)):
		}
	}
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	resp, err := c.getWithRetry(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return foundation.TransportError("failed to decode controller response").
			WithComponent("pull").
			WithContext(foundation.Fields{"url": url}).
			WithCause(err).
			Build()
	}
	return nil
}

func (c *Client) statusError(resp *http.Response) error {
	builder := foundation.TransportError(
		fmt.Sprintf("controller returned %s", resp.Status)).
		WithComponent("pull").
		WithContext(foundation.Fields{"status": resp.StatusCode})
	// Auth failures won't heal on retry.
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return foundation.NewError(foundation.ErrorCodeTransport,
			fmt.Sprintf("controller rejected credentials: %s", resp.Status)).
			WithComponent("pull").
			WithContext(foundation.Fields{"status": resp.StatusCode}).
			Build()
	}
	return builder.Build()
}
