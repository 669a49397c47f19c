package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/anstrom/scanfleet/internal/metrics"
	"github.com/anstrom/scanfleet/internal/metrics/mocks"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	var seen string
	handler := Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("ok"))
	}))

	t.Run("generates request id", func(t *testing.T) {
		buf.Reset()
		req := httptest.NewRequest(http.MethodGet, "/api/scan_jobs?skip=1", http.NoBody)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.True(t, strings.HasPrefix(seen, "req_"))
		assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

		logs := buf.String()
		assert.Contains(t, logs, "HTTP request started")
		assert.Contains(t, logs, "HTTP request completed")
		assert.Contains(t, logs, "status_code=201")
		assert.Contains(t, logs, "response_size=2")
	})

	t.Run("reuses incoming request id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", http.NoBody)
		req.Header.Set(RequestIDHeader, "upstream-42")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, "upstream-42", seen)
		assert.Equal(t, "upstream-42", rec.Header().Get(RequestIDHeader))
	})

	t.Run("nil logger", func(t *testing.T) {
		rec := httptest.NewRecorder()
		Logging(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).
			ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestMetricsMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		method         string
		path           string
		responseStatus int
		responseSize   int
	}{
		{"successful request", http.MethodGet, "/api/scan_jobs/dns-lookup-abc123", http.StatusOK, 100},
		{"client error", http.MethodPost, "/api/scan", http.StatusBadRequest, 50},
		{"server error", http.MethodPost, "/api/scan", http.StatusInternalServerError, 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			registry := mocks.NewMockRecorder(ctrl)

			router := mux.NewRouter()
			router.Use(Metrics(registry))
			router.HandleFunc("/api/scan_jobs/{job_id}", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.responseStatus)
				_, _ = w.Write(make([]byte, tt.responseSize))
			})
			router.HandleFunc("/api/scan", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.responseStatus)
				_, _ = w.Write(make([]byte, tt.responseSize))
			})

			template := tt.path
			if strings.HasPrefix(tt.path, "/api/scan_jobs/") {
				template = "/api/scan_jobs/{job_id}"
			}
			labels := metrics.Labels{
				metrics.LabelMethod: tt.method,
				metrics.LabelPath:   template,
				metrics.LabelStatus: strconv.Itoa(tt.responseStatus),
			}

			registry.EXPECT().Counter(metrics.MetricHTTPRequests, labels)
			registry.EXPECT().Histogram(metrics.MetricHTTPDuration, gomock.Any(), labels)
			registry.EXPECT().Histogram(metrics.MetricHTTPResponseSize, float64(tt.responseSize), labels)
			if tt.responseStatus >= 400 {
				registry.EXPECT().Counter(metrics.MetricHTTPErrors, labels)
			}

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, http.NoBody))
			assert.Equal(t, tt.responseStatus, rec.Code)
		})
	}
}

func TestMetricsMiddlewareNilRegistry(t *testing.T) {
	handler := Metrics(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestMetricsMiddlewareUnmatchedRoute(t *testing.T) {
	registry := metrics.NewRegistry()
	handler := Metrics(registry)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", http.NoBody))

	found := false
	for _, m := range registry.GetMetrics() {
		if m.Name == metrics.MetricHTTPErrors {
			found = true
			assert.Equal(t, "unmatched", m.Labels[metrics.LabelPath])
			assert.Equal(t, "404", m.Labels[metrics.LabelStatus])
		}
	}
	assert.True(t, found)
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := Logging(nil)(Recovery(createTestLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tools", http.NoBody))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Internal server error", body["detail"])
	assert.Equal(t, rec.Header().Get(RequestIDHeader), body["request_id"])
}

func TestContentTypeMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		method      string
		contentType string
		wantStatus  int
	}{
		{"json post", http.MethodPost, "application/json", http.StatusOK},
		{"json with charset", http.MethodPost, "application/json; charset=utf-8", http.StatusOK},
		{"no content type", http.MethodPost, "", http.StatusOK},
		{"form post", http.MethodPost, "application/x-www-form-urlencoded", http.StatusUnsupportedMediaType},
		{"get ignores content type", http.MethodGet, "text/plain", http.StatusOK},
	}

	handler := ContentType()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/scan", strings.NewReader("{}"))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestMaxBodySize(t *testing.T) {
	var readErr error
	handler := MaxBodySize(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))

	handler.ServeHTTP(httptest.NewRecorder(),
		httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":"b"}`+strings.Repeat(" ", 10))))
	assert.Error(t, readErr)

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{}")))
	assert.NoError(t, readErr)
}

func TestRequestTimeoutMiddleware(t *testing.T) {
	var deadline time.Time
	var ok bool
	handler := RequestTimeout(time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, ok = r.Context().Deadline()
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	assert.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)

	RequestTimeout(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok = r.Context().Deadline()
	})).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	assert.False(t, ok)
}

func TestCORSMiddleware(t *testing.T) {
	handler := CORS([]string{"https://console.local"}, []string{"GET", "POST"}, []string{"Content-Type"})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/api/tools", http.NoBody)
	req.Header.Set("Origin", "https://console.local")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "https://console.local", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/tools", http.NoBody)
	req.Header.Set("Origin", "https://elsewhere.local")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestLoggingRouteVars(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	router := mux.NewRouter()
	router.Use(Logging(logger))
	router.HandleFunc("/api/scan_jobs/{job_id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/scan_jobs/port-scan-a1b2c3", http.NoBody))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, buf.String(), "job_id=port-scan-a1b2c3")
	assert.NotContains(t, buf.String(), "tool=")
}

func TestGetRequestID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	assert.Equal(t, "unknown", GetRequestID(req))

	req = req.WithContext(context.WithValue(req.Context(), RequestIDKey, "req_1"))
	assert.Equal(t, "req_1", GetRequestID(req))
}

func TestGenerateRequestID(t *testing.T) {
	a, b := generateRequestID(), generateRequestID()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, len("req_")+16)
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded for", map[string]string{"X-Forwarded-For": "10.0.0.1, 10.0.0.2"}, "1.1.1.1:1", "10.0.0.1"},
		{"real ip", map[string]string{"X-Real-IP": "10.0.0.9"}, "1.1.1.1:1", "10.0.0.9"},
		{"remote addr", nil, "192.168.1.5:5555", "192.168.1.5"},
		{"ipv6 remote addr", nil, "[::1]:5555", "::1"},
		{"bare remote addr", nil, "pipe", "pipe"},
		{"empty", nil, "", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, getClientIP(req))
		})
	}
}

func TestResponseWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := wrap(rec)

	rw.WriteHeader(http.StatusTeapot)
	rw.WriteHeader(http.StatusOK)
	n, err := rw.Write([]byte("hello"))

	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, http.StatusTeapot, rw.statusCode)
	assert.Equal(t, 5, rw.size)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
