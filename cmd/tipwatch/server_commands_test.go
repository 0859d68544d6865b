package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/tipwatch/service/chain"
)

func TestHealthCommand_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}))
	defer server.Close()

	out, err := run(server.URL, "server", "health")
	require.NoError(t, err)
	assert.Contains(t, out, "Server is healthy")
	assert.Contains(t, out, server.URL)
}

func TestHealthCommand_Failure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := run(server.URL, "server", "health")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server is unhealthy")
	assert.Contains(t, err.Error(), "500")
}

func TestHealthCommand_MissingServerURL(t *testing.T) {
	_, err := run("", "server", "health")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server-url is required")
}

func TestVersionCommand(t *testing.T) {
	version = "1.0.0"
	commit = "abc123"
	date = "2025-10-10"
	defer func() { version, commit, date = "dev", "unknown", "unknown" }()

	out, err := run("", "server", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version: 1.0.0")
	assert.Contains(t, out, "Commit:  abc123")
}

func TestListChainsCommand(t *testing.T) {
	b := newBackend(t)

	out, err := run(b.url, "chains", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Base")
	assert.Contains(t, out, "USDC")
	assert.Contains(t, out, "solana")

	out, err = run(b.url, "--json", "chains", "list")
	require.NoError(t, err)
	var chains []chain.Chain
	require.NoError(t, json.Unmarshal([]byte(out), &chains))
	assert.Len(t, chains, len(chain.DefaultRegistry().Chains()))
}
