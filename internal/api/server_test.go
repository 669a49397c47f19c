package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/anstrom/scanfleet/internal/catalog"
	"github.com/anstrom/scanfleet/internal/config"
	"github.com/anstrom/scanfleet/internal/controller"
	storemocks "github.com/anstrom/scanfleet/internal/controller/mocks"
	"github.com/anstrom/scanfleet/internal/db"
	"github.com/anstrom/scanfleet/internal/dispatcher"
	dispatchermocks "github.com/anstrom/scanfleet/internal/dispatcher/mocks"
	"github.com/anstrom/scanfleet/internal/errors"
	"github.com/anstrom/scanfleet/internal/metrics"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

type controllerFixture struct {
	store      *storemocks.MockStore
	dispatcher *dispatchermocks.MockDispatcher
	registry   *metrics.Registry
	server     *Server
}

func newControllerFixture(t *testing.T) *controllerFixture {
	t.Helper()
	ctrl := gomock.NewController(t)

	tools, err := catalog.New([]catalog.Tool{
		{Name: "dns-lookup", Description: "Resolve hostnames"},
		{Name: "port-scan", Description: "TCP connect scan", Options: []string{"ports"}},
		{Name: "httpx-scan", Description: "HTTP probe"},
	})
	require.NoError(t, err)

	f := &controllerFixture{
		store:      storemocks.NewMockStore(ctrl),
		dispatcher: dispatchermocks.NewMockDispatcher(ctrl),
		registry:   metrics.NewRegistry(),
	}
	service := controller.NewService(f.store, f.dispatcher, tools, controller.Config{
		CallbackURL:     "http://controller.scan-system.svc.cluster.local:8000",
		DispatchTimeout: time.Second,
	}, createTestLogger(), f.registry)
	service.SetIDFunc(func(tool string) string { return tool + "-a1b2c3" })

	f.server = NewControllerServer(config.Default().Controller.API, service, f.registry, createTestLogger(), "test")
	return f
}

func (f *controllerFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, http.NoBody)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestControllerIndexAndHealth(t *testing.T) {
	f := newControllerFixture(t)

	rec := f.do(t, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var index map[string]interface{}
	decode(t, rec, &index)
	assert.Equal(t, "scanfleet-controller", index["service"])
	assert.Equal(t, "test", index["version"])

	f.store.EXPECT().Ping(gomock.Any()).Return(nil)
	rec = f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","tools_loaded":3,"database":"ok"}`, rec.Body.String())

	f.store.EXPECT().Ping(gomock.Any()).Return(fmt.Errorf("down"))
	rec = f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"degraded","tools_loaded":3,"database":"unavailable"}`, rec.Body.String())
}

func TestControllerListTools(t *testing.T) {
	f := newControllerFixture(t)

	rec := f.do(t, http.MethodGet, "/api/tools", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Tools []catalog.Tool `json:"tools"`
	}
	decode(t, rec, &body)
	require.Len(t, body.Tools, 3)
	assert.Equal(t, "dns-lookup", body.Tools[0].Name)
	assert.Equal(t, []string{"ports"}, body.Tools[1].Options)
}

func TestControllerSubmitScan(t *testing.T) {
	f := newControllerFixture(t)

	gomock.InOrder(
		f.store.EXPECT().CreateJob(gomock.Any(), gomock.Any()).Return(nil),
		f.dispatcher.EXPECT().Dispatch(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, req dispatcher.Request) (dispatcher.Handle, error) {
				assert.Equal(t, "port-scan", req.Tool)
				assert.Equal(t, []string{"10.0.0.1"}, req.Targets)
				assert.Equal(t, map[string]interface{}{"ports": "22,80"}, req.Options)
				return dispatcher.Handle{JobName: "port-scan-scan-1700000000-0001", Status: "created"}, nil
			}),
		f.store.EXPECT().MarkJobRunning(gomock.Any(), "port-scan-a1b2c3", "port-scan-scan-1700000000-0001").Return(nil),
	)

	rec := f.do(t, http.MethodPost, "/api/scan",
		`{"tool":"port-scan","targets":["10.0.0.1"],"options":{"ports":"22,80"},"extra":true}`)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"job_id":"port-scan-a1b2c3","status":"submitted","dispatcher_handle":"port-scan-scan-1700000000-0001"}`,
		rec.Body.String())
}

func TestControllerSubmitToolScan(t *testing.T) {
	f := newControllerFixture(t)

	f.store.EXPECT().CreateJob(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, job *db.ScanJob) error {
			assert.Equal(t, "httpx-scan", job.Tool)
			return nil
		})
	f.dispatcher.EXPECT().Dispatch(gomock.Any(), gomock.Any()).
		Return(dispatcher.Handle{JobName: "httpx-scan-scan-1-0001", Status: "created"}, nil)
	f.store.EXPECT().MarkJobRunning(gomock.Any(), "httpx-scan-a1b2c3", "httpx-scan-scan-1-0001").Return(nil)

	rec := f.do(t, http.MethodPost, "/api/scan/httpx-scan", `{"targets":["example.com"]}`)
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/scan/nuclei", `{"targets":["example.com"]}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Tool not found")
}

func TestControllerSubmitScanErrors(t *testing.T) {
	f := newControllerFixture(t)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantDetail string
	}{
		{"unknown tool", `{"tool":"nuclei","targets":["a.com"]}`, http.StatusNotFound, "Tool not found"},
		{"unknown tool no targets", `{"tool":"nope","targets":[]}`, http.StatusNotFound, "Tool not found"},
		{"no targets", `{"tool":"dns-lookup","targets":[]}`, http.StatusBadRequest, "targets"},
		{"blank targets", `{"tool":"dns-lookup","targets":["  "]}`, http.StatusBadRequest, "targets"},
		{"missing tool", `{"targets":["a.com"]}`, http.StatusBadRequest, "tool is required"},
		{"malformed json", `{"tool":`, http.StatusBadRequest, "invalid JSON"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/scan", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)

			var body map[string]string
			decode(t, rec, &body)
			assert.Contains(t, body["detail"], tt.wantDetail)
		})
	}
}

func TestControllerSubmitScanDispatchFailure(t *testing.T) {
	f := newControllerFixture(t)

	failed := "jobs.batch is forbidden"
	gomock.InOrder(
		f.store.EXPECT().CreateJob(gomock.Any(), gomock.Any()).Return(nil),
		f.dispatcher.EXPECT().Dispatch(gomock.Any(), gomock.Any()).
			Return(dispatcher.Handle{}, errors.ErrDispatch("dns-lookup-a1b2c3", fmt.Errorf("%s", failed))),
		f.store.EXPECT().MarkJobFailed(gomock.Any(), "dns-lookup-a1b2c3", failed).Return(nil),
	)

	rec := f.do(t, http.MethodPost, "/api/scan", `{"tool":"dns-lookup","targets":["a.com"]}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var body map[string]string
	decode(t, rec, &body)
	assert.Equal(t, "Failed to submit scan to scanner node: "+failed, body["detail"])

	f.store.EXPECT().GetJob(gomock.Any(), "dns-lookup-a1b2c3").Return(&db.ScanJob{
		JobID:        "dns-lookup-a1b2c3",
		Tool:         "dns-lookup",
		Targets:      []string{"a.com"},
		Status:       db.ScanJobStatusFailed,
		ErrorMessage: &failed,
	}, nil)

	rec = f.do(t, http.MethodGet, "/api/scan_jobs/dns-lookup-a1b2c3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var job map[string]interface{}
	decode(t, rec, &job)
	assert.Equal(t, "failed", job["status"])
	assert.Equal(t, failed, job["error_message"])
	assert.Nil(t, job["dispatcher_handle"])
}

func TestControllerJobs(t *testing.T) {
	f := newControllerFixture(t)
	handle := "dns-lookup-scan-1-0001"

	f.store.EXPECT().ListJobs(gomock.Any(), 0, 100).Return([]*db.ScanJob{
		{JobID: "dns-lookup-a1b2c3", Tool: "dns-lookup", Targets: []string{"a.com"},
			Options: db.JSONB(`{"rate":2}`), Status: db.ScanJobStatusRunning, DispatcherHandle: &handle},
	}, nil)
	f.store.EXPECT().ListJobs(gomock.Any(), 10, 5).Return(nil, nil)
	f.store.EXPECT().GetJob(gomock.Any(), "missing").
		Return(nil, errors.NewDatabaseError(errors.CodeNotFound, "Record not found"))

	rec := f.do(t, http.MethodGet, "/api/scan_jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []map[string]interface{}
	decode(t, rec, &jobs)
	require.Len(t, jobs, 1)
	assert.Equal(t, "running", jobs[0]["status"])
	assert.Equal(t, handle, jobs[0]["dispatcher_handle"])
	assert.Equal(t, map[string]interface{}{"rate": 2.0}, jobs[0]["options"])

	rec = f.do(t, http.MethodGet, "/api/scan_jobs?skip=10&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/scan_jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Scan job not found")

	for _, query := range []string{"skip=-1", "limit=0", "limit=abc"} {
		rec = f.do(t, http.MethodGet, "/api/scan_jobs?"+query, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, query)
	}
}

func TestControllerResults(t *testing.T) {
	f := newControllerFixture(t)

	f.store.EXPECT().InsertResult(gomock.Any(), gomock.Any()).Return(nil).Times(2)
	body := `{"target":"a.com","resolved_ips":["1.2.3.4"],"open_ports":[],` +
		`"scan_metadata":{"tool":"dns-lookup","job_id":"dns-lookup-a1b2c3","vpn_used":false}}`

	for i := 0; i < 2; i++ {
		rec := f.do(t, http.MethodPost, "/api/scan_results", body)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Empty(t, rec.Body.String())
	}

	rec := f.do(t, http.MethodPost, "/api/scan_results", `{"resolved_ips":["1.2.3.4"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.store.EXPECT().ListResults(gomock.Any(), 0, 100).Return([]*db.ScanResult{
		{ID: 1, Target: "a.com", ResolvedIPs: []string{"1.2.3.4"}, ScanMetadata: db.JSONB(`{"tool":"dns-lookup"}`)},
		{ID: 2, Target: "a.com", ResolvedIPs: []string{"1.2.3.4"}},
	}, nil)

	rec = f.do(t, http.MethodGet, "/api/scan_results", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var results []map[string]interface{}
	decode(t, rec, &results)
	require.Len(t, results, 2)
	assert.Equal(t, []interface{}{}, results[0]["open_ports"])
	assert.Equal(t, map[string]interface{}{}, results[1]["scan_metadata"])
}

func TestControllerResultsKeepLargeIntegers(t *testing.T) {
	f := newControllerFixture(t)

	var stored *db.ScanResult
	f.store.EXPECT().InsertResult(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, result *db.ScanResult) error {
			stored = result
			return nil
		})

	rec := f.do(t, http.MethodPost, "/api/scan_results",
		`{"target":"a.com","scan_metadata":{"seq":9007199254740993}}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, stored)
	assert.JSONEq(t, `{"seq":9007199254740993}`, string(stored.ScanMetadata))
	assert.Contains(t, string(stored.ScanMetadata), "9007199254740993")
}

func TestControllerStoreFailure(t *testing.T) {
	f := newControllerFixture(t)

	f.store.EXPECT().ListResults(gomock.Any(), 0, 100).
		Return(nil, errors.WrapDatabaseError(errors.CodeDatabaseQuery, "Database query failed", fmt.Errorf("pq: secret detail")))

	rec := f.do(t, http.MethodGet, "/api/scan_results", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret detail")
}

func TestControllerMetricsEndpoint(t *testing.T) {
	f := newControllerFixture(t)

	f.do(t, http.MethodGet, "/api/tools", "")
	rec := f.do(t, http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "scanfleet_tools_loaded 3")
	assert.Contains(t, rec.Body.String(), `scanfleet_http_requests_total{method="GET",path="/api/tools",status="200"} 1`)
}

func TestControllerRejectsNonJSON(t *testing.T) {
	f := newControllerFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/scan", strings.NewReader("tool=dns-lookup"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestControllerCORS(t *testing.T) {
	f := newControllerFixture(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/scan", http.NoBody)
	req.Header.Set("Origin", "https://console.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestDispatcherServer(t *testing.T) {
	ctrl := gomock.NewController(t)
	d := dispatchermocks.NewMockDispatcher(ctrl)
	server := NewDispatcherServer(config.Default().Dispatcher.API, d, metrics.NewRegistry(), createTestLogger())

	call := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		return rec
	}

	d.EXPECT().Dispatch(gomock.Any(), dispatcher.Request{
		Tool:        "dns-lookup",
		Targets:     []string{"a.com"},
		JobID:       "dns-lookup-a1b2c3",
		CallbackURL: "http://controller:8000",
	}).Return(dispatcher.Handle{JobName: "dns-lookup-scan-1-0001", Status: "created"}, nil).Times(2)

	body := `{"tool":"dns-lookup","targets":["a.com"],"job_id":"dns-lookup-a1b2c3",` +
		`"controller_callback_url":"http://controller:8000","priority":"high"}`
	for _, path := range []string{"/api/scan/execute", "/scan"} {
		rec := call(http.MethodPost, path, body)
		assert.Equal(t, http.StatusCreated, rec.Code, path)
		assert.JSONEq(t, `{"job_name":"dns-lookup-scan-1-0001","status":"created"}`, rec.Body.String())
	}

	rec := call(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = call(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpointDisabled(t *testing.T) {
	ctrl := gomock.NewController(t)
	registry := metrics.NewRegistry()
	registry.SetEnabled(false)

	cfg := config.Default().Dispatcher.API
	cfg.MetricsEnabled = false
	server := NewDispatcherServer(cfg, dispatchermocks.NewMockDispatcher(ctrl), registry, createTestLogger())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
