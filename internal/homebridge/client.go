// Package homebridge implements the device platform on top of the Homebridge
// UI REST API. Accessory lists are polled and value changes between polls are
// delivered as notifications.
package homebridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

var ErrUnauthorized = errors.New("homebridge: unauthorized")

// ServiceStatus is one entry of GET /api/accessories. Homebridge reports
// services, not accessories; services of one accessory share Instance and AID.
type ServiceStatus struct {
	UniqueID               string                 `json:"uniqueId"`
	AID                    int                    `json:"aid"`
	IID                    int                    `json:"iid"`
	Type                   string                 `json:"type"`
	HumanType              string                 `json:"humanType,omitempty"`
	ServiceName            string                 `json:"serviceName"`
	ServiceCharacteristics []CharacteristicStatus `json:"serviceCharacteristics"`
	AccessoryInformation   map[string]any         `json:"accessoryInformation,omitempty"`
	Instance               Instance               `json:"instance"`
}

// Instance identifies the bridge a service belongs to.
type Instance struct {
	Name     string `json:"name"`
	Username string `json:"username"`
}

// CharacteristicStatus is one characteristic of a ServiceStatus.
type CharacteristicStatus struct {
	IID         int    `json:"iid"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Value       any    `json:"value"`
	Format      string `json:"format,omitempty"`
	CanRead     bool   `json:"canRead"`
	CanWrite    bool   `json:"canWrite"`
	EV          bool   `json:"ev"`
}

// LayoutRoom is one room of GET /api/accessories/layout.
type LayoutRoom struct {
	Name     string          `json:"name"`
	Services []LayoutService `json:"services"`
}

type LayoutService struct {
	UniqueID   string `json:"uniqueId"`
	CustomName string `json:"customName,omitempty"`
}

// Client talks to the Homebridge UI. A missing or expired token is replaced
// through /api/auth/noauth once per request.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
	group   singleflight.Group

	mu    sync.Mutex
	token string
}

// NewClient creates a client for the UI at baseURL (e.g. http://localhost:8581).
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
		token:   token,
	}
}

// Accessories fetches every service. Concurrent callers share one request.
func (c *Client) Accessories(ctx context.Context) ([]ServiceStatus, error) {
	ch := c.group.DoChan("accessories", func() (any, error) {
		var out []ServiceStatus
		err := c.do(context.Background(), http.MethodGet, "/api/accessories", nil, &out)
		return out, err
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]ServiceStatus), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Layout fetches the room layout.
func (c *Client) Layout(ctx context.Context) ([]LayoutRoom, error) {
	var out []LayoutRoom
	if err := c.do(ctx, http.MethodGet, "/api/accessories/layout", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetCharacteristic writes one characteristic of a service.
func (c *Client) SetCharacteristic(ctx context.Context, uniqueID, characteristicType string, v any) error {
	body := map[string]any{"characteristicType": characteristicType, "value": v}
	return c.do(ctx, http.MethodPut, "/api/accessories/"+url.PathEscape(uniqueID), body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	for attempt := 0; ; attempt++ {
		status, data, err := c.send(ctx, method, path, body)
		if err != nil {
			return err
		}
		if status == http.StatusUnauthorized {
			if attempt > 0 {
				return fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
			}
			token, err := c.noAuthToken(ctx)
			if err != nil {
				return fmt.Errorf("%s %s: %w (noauth: %v)", method, path, ErrUnauthorized, err)
			}
			c.mu.Lock()
			c.token = token
			c.mu.Unlock()
			c.logger.Info("obtained auth token via /api/auth/noauth")
			continue
		}
		if status < 200 || status > 299 {
			return fmt.Errorf("%s %s: status %d", method, path, status)
		}
		if out == nil || len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		return nil
	}
}

func (c *Client) send(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("read %s: %w", path, err)
	}
	return resp.StatusCode, data, nil
}

func (c *Client) noAuthToken(ctx context.Context) (string, error) {
	status, data, err := c.send(ctx, http.MethodPost, "/api/auth/noauth", struct{}{})
	if err != nil {
		return "", err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return "", fmt.Errorf("noauth endpoint returned status %d", status)
	}
	var tokenResponse struct {
		AccessToken string `json:"access_token"`
		Token       string `json:"token"`
	}
	if err := json.Unmarshal(data, &tokenResponse); err != nil {
		return "", fmt.Errorf("parse noauth response: %w", err)
	}
	if tokenResponse.AccessToken != "" {
		return tokenResponse.AccessToken, nil
	}
	if tokenResponse.Token != "" {
		return tokenResponse.Token, nil
	}
	return "", fmt.Errorf("no token found in noauth response")
}
