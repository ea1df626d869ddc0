package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func newTestServer(repo *fakeRepo) *Server {
	return NewServer(newTestService(repo), func(context.Context) error { return nil }, zerolog.Nop())
}

func TestCreateWorkflowEndpoint(t *testing.T) {
	srv := httptest.NewServer(newTestServer(newFakeRepo()).Router())
	defer srv.Close()

	body := `{"name":"onboarding","definition":{"start_at":"greet","steps":{"greet":{"action_id":"log","next":"end"}}}}`
	resp, err := http.Post(srv.URL+"/api/v1/workflows", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestValidationErrorsReturn400WithProblems(t *testing.T) {
	srv := httptest.NewServer(newTestServer(newFakeRepo()).Router())
	defer srv.Close()

	body := `{"name":"bad","definition":{"start_at":"ghost","steps":{"greet":{"next":"end"}}}}`
	resp, err := http.Post(srv.URL+"/api/v1/workflows", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	buf := make([]byte, 4096)
	n, _ := resp.Body.Read(buf)
	problems := gjson.GetBytes(buf[:n], "problems")
	assert.True(t, problems.Exists())
}

func TestUnknownInstanceReturns404(t *testing.T) {
	srv := httptest.NewServer(newTestServer(newFakeRepo()).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/instances/ghost")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	srv := httptest.NewServer(newTestServer(newFakeRepo()).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConnectorCatalogEndpoint(t *testing.T) {
	srv := httptest.NewServer(newTestServer(newFakeRepo()).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/connectors")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
