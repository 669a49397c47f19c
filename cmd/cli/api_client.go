// Package cli provides command-line interface commands for scanfleet.
// This file implements the HTTP client used by commands that talk to a running
// controller.
package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultServerURL = "http://localhost:8000"
	clientTimeout    = 30 * time.Second
)

// APIClient provides HTTP client functionality for CLI commands.
type APIClient struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
}

// APIError represents an API error response.
type APIError struct {
	StatusCode int
	Message    string
	RequestID  string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("API error (status %d, request %s): %s", e.StatusCode, e.RequestID, e.Message)
	}
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// NewAPIClient creates a client for the controller at baseURL.
func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: clientTimeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		userAgent: "scanfleet-cli/" + version,
	}
}

// newConfiguredClient builds a client for the server chosen by --server or
// SCANFLEET_SERVER.
func newConfiguredClient() *APIClient {
	server := viper.GetString("server")
	if server == "" {
		server = defaultServerURL
	}
	return NewAPIClient(server)
}

// Get performs a GET request and decodes the response into out.
func (c *APIClient) Get(endpoint string, out interface{}) error {
	return c.request(http.MethodGet, endpoint, nil, out)
}

// Post performs a POST request with a JSON payload and decodes the response into out.
func (c *APIClient) Post(endpoint string, payload, out interface{}) error {
	return c.request(http.MethodPost, endpoint, payload, out)
}

func (c *APIClient) request(method, endpoint string, payload, out interface{}) error {
	var requestBody io.Reader = http.NoBody
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request payload: %w", err)
		}
		requestBody = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequest(method, c.baseURL+endpoint, requestBody)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var body struct {
			Detail    string `json:"detail"`
			RequestID string `json:"request_id"`
		}
		if json.Unmarshal(bodyBytes, &body) == nil && body.Detail != "" {
			apiErr.Message = body.Detail
			apiErr.RequestID = body.RequestID
		} else {
			apiErr.Message = strings.TrimSpace(string(bodyBytes))
		}
		if apiErr.Message == "" {
			apiErr.Message = fmt.Sprintf("HTTP %d error", resp.StatusCode)
		}
		return apiErr
	}

	if out == nil || len(bodyBytes) == 0 {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
