/*
Copyright 2023-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package webapi

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/couchbase/kvpipe/timings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func doGet(t *testing.T, url string) (int, string) {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestTimingsEndpoint(t *testing.T) {
	hist := timings.NewDefault()
	for i := 0; i < 5; i++ {
		hist.Record(3 * time.Microsecond)
	}

	srv := httptest.NewServer(NewWebServer(WebServerOptions{Timings: hist}).Handler())
	defer srv.Close()

	status, body := doGet(t, srv.URL+"/timings")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "us |")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(body), "- 5"))

	hist.Disable()
	status, _ = doGet(t, srv.URL+"/timings")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestMetricsAndRoot(t *testing.T) {
	srv := httptest.NewServer(NewWebServer(WebServerOptions{}).Handler())
	defer srv.Close()

	status, _ := doGet(t, srv.URL+"/metrics")
	assert.Equal(t, http.StatusOK, status)

	status, body := doGet(t, srv.URL+"/")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "kvpipe")
}

func TestLogLevelEndpoint(t *testing.T) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	srv := httptest.NewServer(NewWebServer(WebServerOptions{LogLevel: &level}).Handler())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/loglevel", strings.NewReader(`{"level":"debug"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, zapcore.DebugLevel, level.Level())
}

func TestCrossOriginRequests(t *testing.T) {
	srv := httptest.NewServer(NewWebServer(WebServerOptions{}).Handler())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/metrics", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://dashboard.example")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
