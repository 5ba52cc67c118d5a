// Package virustotal looks up file hashes in the VirusTotal v2 file report API.
package virustotal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// DefaultEndpoint is the v2 file report endpoint.
const DefaultEndpoint = "https://www.virustotal.com/vtapi/v2/file/report"

// ServiceName is the quota key used for VirusTotal calls.
const ServiceName = "virustotal"

// ErrNoAPIKey is returned by lookups on a client built without a key.
var ErrNoAPIKey = errors.New("virustotal: api key not configured")

// Report summarizes a file report.
type Report struct {
	SHA256    string `json:"sha256"`
	Found     bool   `json:"found"`
	Positives int    `json:"positives"`
	Total     int    `json:"total"`
	ScanDate  string `json:"scanDate,omitempty"`
	Permalink string `json:"permalink,omitempty"`
}

// Client queries VirusTotal.
type Client struct {
	APIKey     string
	Endpoint   string
	HTTPClient *http.Client
}

// New returns a client with the default endpoint.
func New(apiKey string, timeout time.Duration) *Client {
	return &Client{
		APIKey:     apiKey,
		Endpoint:   DefaultEndpoint,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

type fileReport struct {
	ResponseCode int    `json:"response_code"`
	Positives    int    `json:"positives"`
	Total        int    `json:"total"`
	ScanDate     string `json:"scan_date"`
	Permalink    string `json:"permalink"`
}

// FileReport fetches the report for a SHA-256 digest. An unknown hash is
// returned as a Report with Found false.
func (c *Client) FileReport(ctx context.Context, sha256 string) (*Report, error) {
	if c.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	endpoint := c.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	q := url.Values{}
	q.Set("apikey", c.APIKey)
	q.Set("resource", sha256)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("virustotal request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("virustotal status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("virustotal read response: %w", err)
	}
	var fr fileReport
	if err := json.Unmarshal(body, &fr); err != nil {
		return nil, fmt.Errorf("virustotal decode response: %w", err)
	}

	return &Report{
		SHA256:    sha256,
		Found:     fr.ResponseCode == 1,
		Positives: fr.Positives,
		Total:     fr.Total,
		ScanDate:  fr.ScanDate,
		Permalink: fr.Permalink,
	}, nil
}
