// Package tools provides the scan implementations executed by scanfleet
// workers. Each tool examines one target at a time and reports what it found.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/anstrom/scanfleet/internal/errors"
)

// Tool names known to the worker.
const (
	NameDNSLookup = "dns-lookup"
	NamePortScan  = "port-scan"
	NameHTTPX     = "httpx-scan"
)

// Finding is the outcome of scanning a single target.
type Finding struct {
	ResolvedIPs []string
	OpenPorts   []int64
	Metadata    map[string]interface{}
}

// Tool scans a single target. A returned error means the target could not be
// resolved; the Finding may still carry partial data.
type Tool interface {
	Name() string
	Scan(ctx context.Context, target string, options map[string]interface{}) (Finding, error)
}

// New returns the tool registered under name.
func New(name string, logger *slog.Logger) (Tool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("tool", name)

	switch name {
	case NameDNSLookup:
		return NewDNSLookup(NewSystemResolver(logger), logger), nil
	case NamePortScan:
		return NewPortScan(NmapRunner, NewSystemResolver(logger), logger), nil
	case NameHTTPX:
		return NewHTTPProbe(nil, NewSystemResolver(logger), logger), nil
	}
	return nil, errors.ErrToolNotFound(name)
}

// Names lists the available tools in sorted order.
func Names() []string {
	names := []string{NameDNSLookup, NamePortScan, NameHTTPX}
	sort.Strings(names)
	return names
}

// StringOption reads a string option, accepting any scalar value.
func StringOption(options map[string]interface{}, key, fallback string) string {
	v, ok := options[key]
	if !ok || v == nil {
		return fallback
	}
	switch val := v.(type) {
	case string:
		if strings.TrimSpace(val) == "" {
			return fallback
		}
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case []interface{}:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(val)
	}
}

// FloatOption reads a numeric option given either as a number or a string.
func FloatOption(options map[string]interface{}, key string) (float64, bool) {
	switch val := options[key].(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
