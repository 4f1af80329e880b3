package system

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Status string `json:"status"`
}

func TestWrapper_Success(t *testing.T) {
	handler := Wrapper(func(_ http.ResponseWriter, _ *http.Request) (*payload, *HTTPError) {
		return &payload{Status: "ok"}, nil
	})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body payload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
}

func TestWrapper_ErrorWithBody(t *testing.T) {
	handler := WrapperWithConfig(func(_ http.ResponseWriter, _ *http.Request) (*payload, *HTTPError) {
		return nil, NewHTTPError404("instance not found").WithBody(payload{Status: "not_found"})
	}, WrapperConfig{SilenceErrors: true})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"not_found"}`, rec.Body.String())
}

func TestWrapper_PlainError(t *testing.T) {
	var handled *HTTPError
	SetHTTPErrorHandler(func(err *HTTPError, _ *http.Request) {
		handled = err
	})
	defer SetHTTPErrorHandler(nil)

	handler := Wrapper(func(_ http.ResponseWriter, _ *http.Request) (*payload, *HTTPError) {
		return nil, NewHTTPError503("pool is full")
	})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "pool is full")
	require.NotNil(t, handled)
	assert.Equal(t, http.StatusServiceUnavailable, handled.StatusCode)
}

func TestGenerateSessionID_Unique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := GenerateSessionID()
		assert.Len(t, id, 36)
		assert.False(t, seen[id])
		seen[id] = true
	}
}
