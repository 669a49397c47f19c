package worker

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

// ResultsPath is the controller endpoint that accepts worker results.
const ResultsPath = "/api/scan_results"

const maxCallbackErrorBody = 1024

// Result is the payload delivered for each target.
type Result struct {
	Target       string                 `json:"target"`
	ResolvedIPs  []string               `json:"resolved_ips"`
	OpenPorts    []int64                `json:"open_ports"`
	ScanMetadata map[string]interface{} `json:"scan_metadata"`
}

// Reporter posts results to the controller. Without a callback URL results
// are only logged.
type Reporter struct {
	callbackURL string
	client      *http.Client
	logger      *slog.Logger
}

// NewReporter creates a reporter for callbackURL.
func NewReporter(callbackURL string, timeout time.Duration, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		callbackURL: strings.TrimSuffix(callbackURL, "/"),
		client:      &http.Client{Timeout: timeout},
		logger:      logger,
	}
}

// Enabled reports whether results leave the worker.
func (r *Reporter) Enabled() bool {
	return r.callbackURL != ""
}

// Report delivers one result.
func (r *Reporter) Report(ctx context.Context, result Result) error {
	if !r.Enabled() {
		r.logger.Info("Scan result", "target", result.Target, "result", result)
		return nil
	}

	body, err := json.Marshal(result)
	if err != nil {
		return errors.ErrCallbackDelivery(result.Target, fmt.Errorf("failed to encode result: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.callbackURL+ResultsPath, bytes.NewReader(body))
	if err != nil {
		return errors.ErrCallbackDelivery(result.Target, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return errors.ErrCallbackDelivery(result.Target, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			r.logger.Warn("Failed to close callback response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxCallbackErrorBody))
		return errors.ErrCallbackDelivery(result.Target,
			fmt.Errorf("controller returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}

	r.logger.Debug("Result delivered", "target", result.Target, "status_code", resp.StatusCode)
	return nil
}
