package reputation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// DefaultAbuseIPDBEndpoint is the AbuseIPDB v2 check endpoint.
const DefaultAbuseIPDBEndpoint = "https://api.abuseipdb.com/api/v2/check"

// AbuseIPDB queries the AbuseIPDB check API.
type AbuseIPDB struct {
	APIKey     string
	Endpoint   string
	MaxAgeDays int
	HTTPClient *http.Client
}

// NewAbuseIPDB returns a client with the default endpoint.
func NewAbuseIPDB(apiKey string, timeout time.Duration) *AbuseIPDB {
	return &AbuseIPDB{
		APIKey:     apiKey,
		Endpoint:   DefaultAbuseIPDBEndpoint,
		MaxAgeDays: 90,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

func (a *AbuseIPDB) Name() string { return "abuseipdb" }

type abuseIPDBResponse struct {
	Data struct {
		IPAddress            string `json:"ipAddress"`
		AbuseConfidenceScore int    `json:"abuseConfidenceScore"`
		CountryCode          string `json:"countryCode"`
		Domain               string `json:"domain"`
		TotalReports         int    `json:"totalReports"`
	} `json:"data"`
	Errors []struct {
		Detail string `json:"detail"`
	} `json:"errors"`
}

func (a *AbuseIPDB) Query(ctx context.Context, ip string) (*Result, error) {
	if a.APIKey == "" {
		return nil, fmt.Errorf("abuseipdb: api key not configured")
	}

	q := url.Values{}
	q.Set("ipAddress", ip)
	if a.MaxAgeDays > 0 {
		q.Set("maxAgeInDays", strconv.Itoa(a.MaxAgeDays))
	}
	endpoint := a.Endpoint
	if endpoint == "" {
		endpoint = DefaultAbuseIPDBEndpoint
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Key", a.APIKey)
	req.Header.Set("Accept", "application/json")

	client := a.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("abuseipdb request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("abuseipdb read response: %w", err)
	}

	var parsed abuseIPDBResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("abuseipdb decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if len(parsed.Errors) > 0 {
			return nil, fmt.Errorf("abuseipdb status %d: %s", resp.StatusCode, parsed.Errors[0].Detail)
		}
		return nil, fmt.Errorf("abuseipdb status %d", resp.StatusCode)
	}

	return &Result{
		IP:                   ip,
		AbuseConfidenceScore: parsed.Data.AbuseConfidenceScore,
		CountryCode:          parsed.Data.CountryCode,
		Domain:               parsed.Data.Domain,
		TotalReports:         parsed.Data.TotalReports,
	}, nil
}
