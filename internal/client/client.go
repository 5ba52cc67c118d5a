// Package client talks to the warden management API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rsclarke/warden/internal/api"
)

type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		HTTPClient: http.DefaultClient,
	}
}

// StatusError is returned for any non-200 response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s (status %d)", e.Message, e.StatusCode)
}

func (c *Client) Scan(ctx context.Context) (*api.ScanResponse, error) {
	var out api.ScanResponse
	if err := c.do(ctx, "POST", "/v1/scan", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateBackup(ctx context.Context, tier string) (*api.BackupInfo, error) {
	var out api.BackupInfo
	if err := c.do(ctx, "POST", "/v1/backups", api.CreateBackupRequest{Tier: tier}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListBackups(ctx context.Context, tier string) (*api.ListBackupsResponse, error) {
	path := "/v1/backups"
	if tier != "" {
		path += "?tier=" + url.QueryEscape(tier)
	}
	var out api.ListBackupsResponse
	if err := c.do(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListLogs(ctx context.Context, limit int) (*api.ListLogsResponse, error) {
	path := "/v1/logs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out api.ListLogsResponse
	if err := c.do(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListQuarantine(ctx context.Context) (*api.ListQuarantineResponse, error) {
	var out api.ListQuarantineResponse
	if err := c.do(ctx, "GET", "/v1/quarantine", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteQuarantined(ctx context.Context, id string) error {
	return c.do(ctx, "DELETE", "/v1/quarantine/"+url.PathEscape(id), nil, nil)
}

func (c *Client) RestoreQuarantined(ctx context.Context, id string) (*api.RestoreResponse, error) {
	var out api.RestoreResponse
	if err := c.do(ctx, "POST", "/v1/quarantine/"+url.PathEscape(id)+"/restore", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) LookupQuarantined(ctx context.Context, id string) (*api.LookupResponse, error) {
	var out api.LookupResponse
	if err := c.do(ctx, "POST", "/v1/quarantine/"+url.PathEscape(id)+"/lookup", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListBlocked(ctx context.Context) (*api.ListBlockedResponse, error) {
	var out api.ListBlockedResponse
	if err := c.do(ctx, "GET", "/v1/blocked-ips", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Block(ctx context.Context, ip string) (*api.BlockResponse, error) {
	var out api.BlockResponse
	if err := c.do(ctx, "POST", "/v1/blocked-ips", api.IPRequest{IP: ip}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Unblock(ctx context.Context, ip string) (*api.BlockResponse, error) {
	var out api.BlockResponse
	if err := c.do(ctx, "DELETE", "/v1/blocked-ips/"+url.PathEscape(ip), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CheckIP(ctx context.Context, ip string) (*api.CheckIPResponse, error) {
	var out api.CheckIPResponse
	if err := c.do(ctx, "POST", "/v1/check-ip", api.IPRequest{IP: ip}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Stats(ctx context.Context) (*api.StatsResponse, error) {
	var out api.StatsResponse
	if err := c.do(ctx, "GET", "/v1/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Limits(ctx context.Context) (*api.LimitsResponse, error) {
	var out api.LimitsResponse
	if err := c.do(ctx, "GET", "/v1/limits", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Schedule(ctx context.Context) (*api.ScheduleResponse, error) {
	var out api.ScheduleResponse
	if err := c.do(ctx, "GET", "/v1/schedule", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RunTask(ctx context.Context, name string) (*api.RunTaskResponse, error) {
	var out api.RunTaskResponse
	if err := c.do(ctx, "POST", "/v1/schedule/"+url.PathEscape(name)+"/run", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Config returns the server's effective configuration with secrets masked.
func (c *Client) Config(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, "GET", "/v1/config", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return parseError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func parseError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &StatusError{StatusCode: resp.StatusCode, Message: "request failed"}
	}

	var errResp api.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &StatusError{StatusCode: resp.StatusCode, Message: "request failed: " + string(bytes.TrimSpace(body))}
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: errResp.Error}
}
