package tools

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	httpProbeTimeout = 10 * time.Second
	maxRedirects     = 5
)

// HTTPProbe requests each target over HTTPS and HTTP and records how the
// first responding scheme answered.
type HTTPProbe struct {
	client   *http.Client
	resolver Resolver
	logger   *slog.Logger
}

// NewHTTPProbe creates the httpx-scan tool. A nil client gets a default with
// a bounded timeout and redirect chain.
func NewHTTPProbe(client *http.Client, resolver Resolver, logger *slog.Logger) *HTTPProbe {
	if client == nil {
		client = &http.Client{
			Timeout: httpProbeTimeout,
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return http.ErrUseLastResponse
				}
				return nil
			},
		}
	}
	return &HTTPProbe{client: client, resolver: resolver, logger: logger}
}

// Name implements Tool.
func (h *HTTPProbe) Name() string { return NameHTTPX }

// Scan implements Tool. The scheme option restricts probing to "http" or
// "https"; a target that already carries a scheme is probed as given.
func (h *HTTPProbe) Scan(ctx context.Context, target string, options map[string]interface{}) (Finding, error) {
	host := hostOf(target)
	ips, resolveErr := Resolve(ctx, h.resolver, host)
	if resolveErr != nil {
		ips = []string{target}
	}
	finding := Finding{ResolvedIPs: ips, OpenPorts: []int64{}}

	var lastErr error
	for _, url := range candidateURLs(target, StringOption(options, "scheme", "")) {
		meta, err := h.probe(ctx, url)
		if err != nil {
			h.logger.Debug("HTTP probe failed", "url", url, "error", err)
			lastErr = err
			continue
		}
		finding.Metadata = meta
		h.logger.Info("HTTP probe completed",
			"target", target,
			"status_code", meta["status_code"],
			"final_url", meta["final_url"])
		return finding, resolveErr
	}

	finding.Metadata = map[string]interface{}{"probe_error": fmt.Sprint(lastErr)}
	return finding, resolveErr
}

func (h *HTTPProbe) probe(ctx context.Context, url string) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "scanfleet-httpx")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		_ = resp.Body.Close()
	}()

	return map[string]interface{}{
		"url":         url,
		"status_code": resp.StatusCode,
		"server":      resp.Header.Get("Server"),
		"final_url":   resp.Request.URL.String(),
	}, nil
}

func candidateURLs(target, scheme string) []string {
	if strings.Contains(target, "://") {
		return []string{target}
	}
	switch strings.ToLower(scheme) {
	case "http":
		return []string{"http://" + target}
	case "https":
		return []string{"https://" + target}
	}
	return []string{"https://" + target, "http://" + target}
}

// hostOf strips any scheme, path and port from target.
func hostOf(target string) string {
	host := target
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexAny(host, "/?#"); i >= 0 {
		host = host[:i]
	}
	if strings.HasPrefix(host, "[") {
		if i := strings.Index(host, "]"); i > 0 {
			return host[1:i]
		}
	}
	if i := strings.LastIndex(host, ":"); i >= 0 && strings.Count(host, ":") == 1 {
		host = host[:i]
	}
	return host
}
