package main

import (
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Watchdog088/Test-apps-sub002/internal/devserver"
)

func TestRun_AuthenticationFailureReturns(t *testing.T) {
	s := devserver.New(devserver.Config{})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		srv.Close()
	})
	_, err := s.AddUser("Ada", "ada@example.com", "correct-horse")
	require.NoError(t, err)

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	cfg := fmt.Sprintf("api_base_url: %s\nrealtime_url: %s\nstorage_backend: memory\nmax_retries: 0\nlog_level: error\n",
		srv.URL, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws")
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))

	err = run([]string{"-config", cfgPath, "-env", "", "-email", "ada@example.com", "-password", "wrong"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authenticate")
}

func TestRun_MissingConfigFile(t *testing.T) {
	err := run([]string{"-config", filepath.Join(t.TempDir(), "absent.yaml"), "-env", ""})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}
