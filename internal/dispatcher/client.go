package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/anstrom/scanfleet/internal/errors"
)

// ExecutePath is the dispatcher service endpoint for job submission.
const ExecutePath = "/api/scan/execute"

const maxErrorBody = 4096

// HTTPClient dispatches through a remote dispatcher service.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPClient creates a client for the dispatcher at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Dispatch posts req to the remote service. Any non-2xx response is an error
// carrying the status and body.
func (c *HTTPClient) Dispatch(ctx context.Context, req Request) (Handle, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Handle{}, errors.ErrDispatch(req.JobID, fmt.Errorf("failed to encode request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+ExecutePath, bytes.NewReader(body))
	if err != nil {
		return Handle{}, errors.ErrDispatch(req.JobID, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Handle{}, errors.ErrDispatch(req.JobID, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close dispatcher response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return Handle{}, errors.ErrDispatch(req.JobID,
			fmt.Errorf("dispatcher returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}

	var handle Handle
	if err := json.NewDecoder(resp.Body).Decode(&handle); err != nil {
		return Handle{}, errors.ErrDispatch(req.JobID, fmt.Errorf("failed to decode dispatcher response: %w", err))
	}
	return handle, nil
}
