package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/models"
)

type HTTPKillSwitchConfig struct {
	BaseURL    string
	Path       string
	Token      string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

// HTTPKillSwitch reads and flips the flag held by a remote transfer service
// (or any service exposing the same kill switch endpoints).
type HTTPKillSwitch struct {
	baseURL string
	path    string
	token   string
	client  *http.Client
	timeout time.Duration
	retries int
}

func NewHTTPKillSwitch(cfg HTTPKillSwitchConfig) (*HTTPKillSwitch, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("kill switch base url required")
	}
	path := cfg.Path
	if path == "" {
		path = "/safety/kill-switch"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &HTTPKillSwitch{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		path:    path,
		token:   cfg.Token,
		client:  client,
		timeout: timeout,
		retries: retries,
	}, nil
}

func (c *HTTPKillSwitch) IsActive(ctx context.Context) (bool, error) {
	st, err := c.State(ctx)
	if err != nil {
		return false, err
	}
	return st.Active, nil
}

func (c *HTTPKillSwitch) State(ctx context.Context) (models.KillSwitchState, error) {
	var st models.KillSwitchState
	err := c.do(ctx, http.MethodGet, c.path, nil, &st)
	return st, err
}

func (c *HTTPKillSwitch) Activate(ctx context.Context, by, reason string) error {
	return c.do(ctx, http.MethodPost, c.path+"/activate", map[string]string{"by": by, "reason": reason}, nil)
}

func (c *HTTPKillSwitch) Deactivate(ctx context.Context, by string) error {
	return c.do(ctx, http.MethodPost, c.path+"/deactivate", map[string]string{"by": by}, nil)
}

func (c *HTTPKillSwitch) do(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("kill switch marshal request: %w", err)
		}
	}

	attempts := c.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			cancel()
			return fmt.Errorf("kill switch build request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			lastErr = decodeResponse(resp, out)
			resp.Body.Close()
			if lastErr == nil {
				cancel()
				return nil
			}
		}
		cancel()
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return fmt.Errorf("kill switch request failed: %w", lastErr)
}

func decodeResponse(resp *http.Response, out interface{}) error {
	if resp.StatusCode >= 500 {
		return fmt.Errorf("kill switch unavailable: %s", resp.Status)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("kill switch rejected request: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("kill switch decode response: %w", err)
	}
	return nil
}
