package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiulpin/board-preview/internal/config"
	"github.com/tiulpin/board-preview/internal/preview"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := runCmd(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "board-preview version "+Version+"\n", out)
}

func TestResolveCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<meta name="twitter:title" content="From CLI"><meta property="og:image" content="https://cdn.example/a.png">`))
	}))
	defer srv.Close()

	t.Setenv(config.EnvPrefix+"BLOCK_PRIVATE", "false")
	t.Setenv(config.EnvPrefix+"LOG_LEVEL", "error")

	out, err := runCmd(t, "--env-file", "", "resolve", srv.URL)
	require.NoError(t, err)

	var got preview.Result
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, preview.Result{
		Title: "From CLI",
		Image: "/image-proxy?url=https%3A%2F%2Fcdn.example%2Fa.png",
	}, got)
}

func TestResolveCommandRejectsBadInput(t *testing.T) {
	_, err := runCmd(t, "--env-file", "", "resolve", "javascript:alert(1)")
	assert.ErrorIs(t, err, preview.ErrInvalidScheme)

	_, err = runCmd(t, "--env-file", "", "resolve")
	assert.Error(t, err)
}

func TestNewLoggerLevels(t *testing.T) {
	logger := newLogger(config.LoggingConfig{Level: "warn", Format: "text"})
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelWarn))
}
