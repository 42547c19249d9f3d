package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swissknife-mcp/internal/api"
	"github.com/swissknife-mcp/internal/diagnostic"
	"github.com/swissknife-mcp/internal/domain"
	"github.com/swissknife-mcp/internal/mcp/server"
	"github.com/swissknife-mcp/internal/mcp/transport"
)

func startServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger, _ := test.NewNullLogger()
	s := api.NewServer(&domain.Config{}, server.New(logger), logger)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return ts
}

func TestRun_HealthyHTTPS(t *testing.T) {
	ts := startServer(t)
	reportPath := filepath.Join(t.TempDir(), "report.json")

	var out bytes.Buffer
	code := run(context.Background(), &options{
		Type:        "https",
		Endpoint:    ts.URL + "/mcp",
		Method:      "ping",
		Timeout:     5 * time.Second,
		Count:       5,
		Concurrency: 3,
		Attempts:    1,
		Report:      reportPath,
	}, &out)

	assert.Equal(t, 0, code, out.String())
	assert.Contains(t, out.String(), "Overall status: HEALTHY")

	data, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	var report diagnostic.Report
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Equal(t, "https", report.Transport)
	assert.Len(t, report.Checks, 4)
}

func TestRun_WebSocketUnknownMethod(t *testing.T) {
	ts := startServer(t)

	var out bytes.Buffer
	code := run(context.Background(), &options{
		Type:        "websocket",
		Endpoint:    "ws" + ts.URL[len("http"):] + "/mcp/ws",
		Method:      "missing",
		Timeout:     5 * time.Second,
		Count:       2,
		Concurrency: 2,
		Attempts:    1,
		NoReport:    true,
	}, &out)

	assert.Equal(t, 1, code)
	assert.Contains(t, out.String(), "Recommendations:")
}

func TestRun_UnsupportedType(t *testing.T) {
	var out bytes.Buffer
	code := run(context.Background(), &options{Type: "carrier-pigeon", Endpoint: "coop://roof", NoReport: true}, &out)

	assert.Equal(t, 1, code)
	assert.Contains(t, out.String(), "carrier-pigeon")
}

func TestTransportConfig_Headers(t *testing.T) {
	cfg, err := transportConfig(&options{
		Type:     "https",
		Endpoint: "https://example.com/mcp",
		Headers:  map[string]string{"Authorization": "Bearer token"},
	})
	require.NoError(t, err)

	assert.Equal(t, transport.TransportHTTPS, cfg.Type)
	assert.Equal(t, map[string]string{"Authorization": "Bearer token"}, cfg.Options["headers"])
}
