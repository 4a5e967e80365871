package devserver

import (
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, url string) (int, string) {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	status, body := get(t, env.ts.URL+"/livez")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"alive"}`, body)

	status, _ = get(t, env.ts.URL+"/readyz")
	assert.Equal(t, http.StatusOK, status)

	_, body = get(t, env.ts.URL+"/drain")
	assert.JSONEq(t, `{"status":"draining"}`, body)
	_, body = get(t, env.ts.URL+"/drain")
	assert.JSONEq(t, `{"status":"already draining"}`, body)

	status, _ = get(t, env.ts.URL+"/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, status)

	_, body = get(t, env.ts.URL+"/undrain")
	assert.JSONEq(t, `{"status":"ready"}`, body)
	_, body = get(t, env.ts.URL+"/undrain")
	assert.JSONEq(t, `{"status":"already ready"}`, body)

	status, _ = get(t, env.ts.URL+"/readyz")
	assert.Equal(t, http.StatusOK, status)
}

func TestNewRequiresHandler(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)
}
