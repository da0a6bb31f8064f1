package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/book-expert/aitalk-service/internal/config"
	"github.com/book-expert/aitalk-service/internal/engine/aitalked"
	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, extra string) string {
	t.Helper()

	dir := t.TempDir()
	body := fmt.Sprintf(`
[engine]
driver = "sim"
installation_dir = %q
voices = ["f1", "akane_west"]

[[pipelines]]
name = "standard"
library = "aitalked.dll"
dialects = ["standard"]

[[pipelines]]
name = "kansai"
library = "aitalked_kansai.dll"
dialects = ["kansai"]

[history]
enabled = true
path = %q

[paths]
base_logs_dir = %q
%s`, dir, filepath.Join(dir, "history.db"), filepath.Join(dir, "logs"), extra)

	path := filepath.Join(dir, "aitalk.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "aitalk-service-test.log")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = log.Close()
	})

	return log
}

func execute(t *testing.T, args ...string) string {
	t.Helper()

	var out bytes.Buffer

	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)

	require.NoError(t, root.Execute())

	return out.String()
}

func TestVersionCommand(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "aitalk-service dev\n", execute(t, "version"))
}

func TestVoicesCommand(t *testing.T) {
	t.Parallel()

	out := execute(t, "voices", "--config", writeConfig(t, ""))

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "DIALECT")
	assert.Contains(t, lines[1], "f1")
	assert.Contains(t, lines[1], "standard")
	assert.Contains(t, lines[2], "akane_west")
	assert.Contains(t, lines[2], "kansai")
}

func TestNewResolver(t *testing.T) {
	t.Parallel()

	resolver := newResolver(config.DialectsConfig{Marker: "_kansai"})
	assert.Equal(t, "kansai", resolver.Dialect("f1_kansai", ""))
	assert.Equal(t, "standard", resolver.Dialect("akane_west", ""))

	_, err := resolver.Resource("kansai")
	require.NoError(t, err)

	standardOnly := newResolver(config.DialectsConfig{
		Marker:    "west",
		Resources: map[string]string{"standard": `Lang\standard`},
	})
	assert.Equal(t, "standard", standardOnly.Dialect("akane_west", ""))
}

func TestOpenEngine_NativeDriverUnavailable(t *testing.T) {
	t.Parallel()

	if runtime.GOOS == "windows" && runtime.GOARCH == "386" {
		t.Skip("native platform")
	}

	cfg := config.Default()

	_, err := openEngine(&cfg, cfg.Pipelines[0], nil)
	require.ErrorIs(t, err, aitalked.ErrUnsupportedPlatform)
}

func TestNewService_NothingEnabled(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.HTTP.Enabled = false

	_, err := newService(context.Background(), &cfg, testLogger(t))
	require.ErrorIs(t, err, errNothingToServe)
}

func TestService_SynthesizesOverGateway(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, ""), testLogger(t))
	require.NoError(t, err)

	svc, err := newService(context.Background(), cfg, testLogger(t))
	require.NoError(t, err)

	defer svc.close()

	srv := httptest.NewServer(svc.newGateway().Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/tts", "application/json",
		strings.NewReader(`{"voice_id":"akane_west","text":"こんにちは"}`))
	require.NoError(t, err)

	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "kansai", resp.Header.Get("X-Pipeline"))
	assert.Equal(t, "RIFF", string(body[:4]))

	entries, err := svc.history.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "akane_west", entries[0].Voice)
}

func TestService_RunStopsOnCancel(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, `
[http]
enabled = true
listen = "127.0.0.1:0"

[nats]
enabled = true
embedded = true
embedded_port = -1
`), testLogger(t))
	require.NoError(t, err)

	cfg.NATS.EmbeddedStoreDir = t.TempDir()

	svc, err := newService(context.Background(), cfg, testLogger(t))
	require.NoError(t, err)

	defer svc.close()

	assert.True(t, svc.bus.Healthy())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- svc.run(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("service did not stop")
	}
}
