package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/book-expert/aitalk-service/internal/catalog"
	"github.com/book-expert/aitalk-service/internal/core"
	"github.com/book-expert/aitalk-service/internal/gateway"
	"github.com/book-expert/aitalk-service/internal/wav"
	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type silentSynthesizer struct{}

func (silentSynthesizer) Synthesize(_ context.Context, req core.SynthesisRequest) (*core.SynthesisResult, error) {
	return &core.SynthesisResult{Audio: wav.Encode(make([]byte, 4*len(req.Text)), 44100)}, nil
}

func newGateway(t *testing.T) string {
	t.Helper()

	log, err := logger.New(t.TempDir(), "client-main-test.log")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = log.Close()
	})

	srv := httptest.NewServer(gateway.New(gateway.Options{
		Synthesizer: silentSynthesizer{},
		Voices:      catalog.FromIDs([]string{"f1"}, nil),
	}, log).Handler())
	t.Cleanup(srv.Close)

	return srv.URL
}

func TestParseFlags(t *testing.T) {
	t.Parallel()

	flags, err := parseFlags([]string{"--text", "Hello, world!", "--voice", "akane_west", "--speed", "1.25"})
	require.NoError(t, err)

	assert.Equal(t, "Hello, world!", flags.text)
	assert.Equal(t, "akane_west", flags.voice)
	assert.InDelta(t, 1.25, flags.speed, 1e-9)
	assert.Equal(t, defaultServer, flags.server)

	req := flags.request("x")
	assert.InDelta(t, 1.25, *req.Speed, 1e-6)
	assert.Empty(t, req.Dialect)
}

func TestValidateArguments(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    []string
		wantErr error
	}{
		{name: "text flag", args: []string{"--text", "some text"}},
		{name: "chunks flag", args: []string{"--chunks", "file.json"}},
		{name: "both flags", args: []string{"--text", "some text", "--chunks", "file.json"}, wantErr: errCannotSpecifyBoth},
		{name: "no flags", args: nil, wantErr: errEitherTextOrChunks},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			flags, err := parseFlags(tc.args)
			require.NoError(t, err)

			err = validateArguments(flags)
			if tc.wantErr == nil {
				require.NoError(t, err)

				return
			}

			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestDescribeAudio(t *testing.T) {
	t.Parallel()

	assert.Equal(t, " (1.00s)", describeAudio(wav.Encode(make([]byte, 88200), 44100)))
	assert.Empty(t, describeAudio([]byte("not a wave")))
}

func TestRun_SingleText(t *testing.T) {
	t.Parallel()

	output := filepath.Join(t.TempDir(), "out", "hello.wav")

	var stdout bytes.Buffer

	err := run([]string{"--server", newGateway(t), "--text", "hello", "--output", output, "--log-dir", t.TempDir()}, &stdout)
	require.NoError(t, err)

	data, err := os.ReadFile(output)
	require.NoError(t, err)

	header, _, err := wav.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(20), header.DataSize)
	assert.Contains(t, stdout.String(), fmt.Sprintf("Generated: %s (%.2fs)", output, header.Duration()))
}

func TestRun_Chunks(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	chunks := filepath.Join(dir, "chunks.json")
	require.NoError(t, os.WriteFile(chunks, []byte(`["一つ目", "", "two"]`), 0o600))

	var stdout bytes.Buffer

	err := run([]string{"--server", newGateway(t), "--chunks", chunks, "--output", dir, "--log-dir", t.TempDir()}, &stdout)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, "chunk_0001.wav"))
	assert.FileExists(t, filepath.Join(dir, "chunk_0002.wav"))
	assert.NoFileExists(t, filepath.Join(dir, "chunk_0003.wav"))
}

func TestRun_HealthAndVoices(t *testing.T) {
	t.Parallel()

	url := newGateway(t)

	var stdout bytes.Buffer

	require.NoError(t, run([]string{"--server", url, "--health", "--log-dir", t.TempDir()}, &stdout))
	assert.Contains(t, stdout.String(), "healthy")

	stdout.Reset()
	require.NoError(t, run([]string{"--server", url, "--voices", "--log-dir", t.TempDir()}, &stdout))
	assert.Contains(t, stdout.String(), "f1")
}

func TestReadChunks_Empty(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "chunks.json")
	require.NoError(t, os.WriteFile(path, []byte(`["", ""]`), 0o600))

	_, err := readChunks(path)
	require.ErrorIs(t, err, errNoChunks)
}
