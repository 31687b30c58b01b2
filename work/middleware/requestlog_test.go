package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediarelay/work/logger"
)

func TestRequestLogLevels(t *testing.T) {
	logger.SetLogLevel("debug")
	defer logger.SetLogLevel("info")

	h := RequestLog(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		// no explicit WriteHeader; status must still report 200
		w.Write([]byte("ok"))
	}))

	since := time.Now().UnixMilli() - 1

	ok := httptest.NewRequest(http.MethodGet, "/System/Info", nil)
	ok.Header.Set("X-Real-IP", "203.0.113.7")
	h.ServeHTTP(httptest.NewRecorder(), ok)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	var success, failure *logger.Entry
	for _, entry := range logger.GetLogs(since) {
		switch {
		case strings.Contains(entry.Message, "GET /System/Info 200"):
			success = &entry
		case strings.Contains(entry.Message, "GET /missing 404"):
			failure = &entry
		}
	}

	require.NotNil(t, success, "successful request must be logged")
	assert.Equal(t, "debug", success.Level)
	assert.Contains(t, success.Message, "ip: 203.0.113.7")

	require.NotNil(t, failure, "error status must be logged")
	assert.Equal(t, "warn", failure.Level)
}

func TestRequestLogKeepsFlusher(t *testing.T) {
	var flushable bool
	h := RequestLog(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, flushable = w.(http.Flusher)
		w.WriteHeader(http.StatusOK)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/logs/stream", nil))
	assert.True(t, flushable, "streaming responses need the flusher through the wrapper")
}

func TestRequestIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Forwarded-For", "198.51.100.1, 10.0.0.1")
	assert.Equal(t, "198.51.100.1", requestIP(r))

	direct := httptest.NewRequest(http.MethodGet, "/", nil)
	direct.RemoteAddr = "192.0.2.9:51234"
	assert.Equal(t, "192.0.2.9", requestIP(direct))
}
