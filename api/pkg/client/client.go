package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/helixml/deskpool/api/pkg/config"
	"github.com/helixml/deskpool/api/pkg/system"
	"github.com/helixml/deskpool/api/pkg/types"
)

type Client interface {
	ListInstances(ctx context.Context) ([]types.InstanceSummary, error)
	GetInstance(ctx context.Context, sessionID string) (*types.InstanceResponse, error)
	InstanceEvents(ctx context.Context, sessionID string) ([]types.InstanceEvent, error)
	DeleteInstance(ctx context.Context, sessionID string) error
	Stats(ctx context.Context) (*types.StatsResponse, error)
	Health(ctx context.Context) (*types.HealthResponse, error)
}

// DeskpoolClient talks to the management API of a running deskpool server
type DeskpoolClient struct {
	httpClient *retryablehttp.Client
	url        string
}

const (
	DefaultURL = "http://localhost:8080"
)

func NewClientFromEnv() (*DeskpoolClient, error) {
	cfg, err := config.LoadCliConfig()
	if err != nil {
		return nil, err
	}

	return NewClient(cfg.URL, cfg.RetryMax, cfg.TLSSkipVerify)
}

func NewClient(rawURL string, retryMax int, tlsSkipVerify bool) (*DeskpoolClient, error) {
	if rawURL == "" {
		rawURL = DefaultURL
	}
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", rawURL, err)
	}

	httpClient := system.NewRetryClient(retryMax, tlsSkipVerify)
	// hand the final 5xx back so its body reaches the caller
	httpClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &DeskpoolClient{
		httpClient: httpClient,
		url:        strings.TrimSuffix(rawURL, "/"),
	}, nil
}

func (c *DeskpoolClient) ListInstances(ctx context.Context) ([]types.InstanceSummary, error) {
	var resp types.InstanceListResponse
	if err := c.makeRequest(ctx, http.MethodGet, "/api/instances", &resp); err != nil {
		return nil, err
	}
	return resp.Instances, nil
}

func (c *DeskpoolClient) GetInstance(ctx context.Context, sessionID string) (*types.InstanceResponse, error) {
	var resp types.InstanceResponse
	if err := c.makeRequest(ctx, http.MethodGet, "/api/instance/"+url.PathEscape(sessionID), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *DeskpoolClient) InstanceEvents(ctx context.Context, sessionID string) ([]types.InstanceEvent, error) {
	var resp types.InstanceEventsResponse
	if err := c.makeRequest(ctx, http.MethodGet, "/api/instance/"+url.PathEscape(sessionID)+"/events", &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

func (c *DeskpoolClient) DeleteInstance(ctx context.Context, sessionID string) error {
	var resp types.StatusResponse
	if err := c.makeRequest(ctx, http.MethodDelete, "/api/instance/"+url.PathEscape(sessionID), &resp); err != nil {
		return err
	}
	if resp.Status != types.APIStatusDeleted {
		return fmt.Errorf("unexpected status %q", resp.Status)
	}
	return nil
}

func (c *DeskpoolClient) Stats(ctx context.Context) (*types.StatsResponse, error) {
	var resp types.StatsResponse
	if err := c.makeRequest(ctx, http.MethodGet, "/api/stats", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *DeskpoolClient) Health(ctx context.Context) (*types.HealthResponse, error) {
	var resp types.HealthResponse
	if err := c.makeRequest(ctx, http.MethodGet, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *DeskpoolClient) makeRequest(ctx context.Context, method, path string, v interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.url+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bts, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("status code %d", resp.StatusCode)
		}
		return fmt.Errorf("status code %d (%s)", resp.StatusCode, strings.TrimSpace(string(bts)))
	}

	if v != nil {
		return json.NewDecoder(resp.Body).Decode(v)
	}

	return nil
}
