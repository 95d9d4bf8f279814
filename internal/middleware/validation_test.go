package middleware

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

// echoHandler returns the body it received so tests can check it survived validation
func echoHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	})
}

func TestValidationMiddleware_EmbeddedSpecLoads(t *testing.T) {
	vm, err := NewValidationMiddleware(true, createTestLogger())
	require.NoError(t, err)
	require.NotNil(t, vm.Document())

	assert.NotNil(t, vm.Document().Paths.Find("/v1/route"))
	assert.NotNil(t, vm.Document().Paths.Find("/v1/circuits/{name}/reset"))
}

func TestValidationMiddleware_Requests(t *testing.T) {
	vm, err := NewValidationMiddleware(true, createTestLogger())
	require.NoError(t, err)
	handler := vm.Middleware(echoHandler())

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{
			name:       "valid route request",
			method:     http.MethodPost,
			path:       "/v1/route",
			body:       `{"request":{"content":"hello","weights":{"cost":0.7}}}`,
			wantStatus: http.StatusOK,
		},
		{
			name:       "route request without request object",
			method:     http.MethodPost,
			path:       "/v1/route",
			body:       `{"candidates":[]}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "candidate score out of range",
			method:     http.MethodPost,
			path:       "/v1/route",
			body:       `{"request":{"content":"x"},"candidates":[{"id":"a","models":["m"],"scores":{"cost":11,"quality":5,"speed":5,"reliability":5}}]}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "actual score above ten",
			method:     http.MethodPost,
			path:       "/v1/feedback/actual",
			body:       `{"provider_id":"a","score":11}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "performance record",
			method:     http.MethodPost,
			path:       "/v1/feedback/performance",
			body:       `{"provider_id":"a","success":true,"latency":1000000,"cost":0.01}`,
			wantStatus: http.StatusOK,
		},
		{
			name:       "snapshot with unknown level",
			method:     http.MethodPut,
			path:       "/v1/parameters",
			body:       `{"version":1,"parameters":[{"factor":"cost","level":"extreme","center":1,"width":1}]}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "regression run without body",
			method:     http.MethodPost,
			path:       "/v1/regression/run",
			wantStatus: http.StatusOK,
		},
		{
			name:       "undocumented path passes through",
			method:     http.MethodGet,
			path:       "/docs",
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader = http.NoBody
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			req := httptest.NewRequest(tt.method, tt.path, body)
			if tt.body != "" {
				req.Header.Set("Content-Type", "application/json")
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantStatus == http.StatusOK && tt.body != "" {
				assert.JSONEq(t, tt.body, rec.Body.String(), "body should reach the handler intact")
			}
		})
	}
}

func TestValidationMiddleware_ErrorShape(t *testing.T) {
	vm, err := NewValidationMiddleware(true, createTestLogger())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/feedback/actual", strings.NewReader(`{"provider_id":"a"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	vm.Middleware(echoHandler()).ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "validation_error", resp.Error.Type)
	assert.Equal(t, http.StatusBadRequest, resp.Error.Code)
	assert.Equal(t, "Invalid request body", resp.Error.Message)
}

func TestValidationMiddleware_Disabled(t *testing.T) {
	vm, err := NewValidationMiddleware(false, createTestLogger())
	require.NoError(t, err)
	assert.Nil(t, vm.Document())

	req := httptest.NewRequest(http.MethodPost, "/v1/feedback/actual", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	vm.Middleware(echoHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
