package gateway_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/aitalk-service/internal/catalog"
	"github.com/book-expert/aitalk-service/internal/core"
	"github.com/book-expert/aitalk-service/internal/dispatch"
	"github.com/book-expert/aitalk-service/internal/gateway"
	"github.com/book-expert/aitalk-service/internal/history"
	"github.com/book-expert/aitalk-service/internal/language"
	"github.com/book-expert/aitalk-service/internal/orchestrator"
	"github.com/book-expert/aitalk-service/internal/wav"
	"github.com/book-expert/logger"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testIcon = []byte("\x89PNG icon")

type fakeSynthesizer struct {
	mu       sync.Mutex
	requests []core.SynthesisRequest
}

func (f *fakeSynthesizer) Synthesize(_ context.Context, req core.SynthesisRequest) (*core.SynthesisResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	switch req.VoiceID {
	case "nonexistent":
		return nil, fmt.Errorf("%w: %q", orchestrator.ErrVoiceNotFound, req.VoiceID)
	case "closed":
		return nil, orchestrator.ErrQueueClosed
	case "broken":
		return nil, fmt.Errorf("%w: drain failed", orchestrator.ErrStream)
	}

	if req.Text == "" {
		return nil, orchestrator.ErrEmptyText
	}

	dialect := req.Dialect
	if dialect == "" {
		dialect = language.Standard
	}

	return &core.SynthesisResult{
		RequestID: "req-1",
		Pipeline:  dialect,
		Dialect:   dialect,
		Audio:     wav.Encode([]byte{1, 0, 2, 0, 3, 0}, 44100),
	}, nil
}

func (f *fakeSynthesizer) last() core.SynthesisRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.requests[len(f.requests)-1]
}

type fakeHistory struct {
	limit atomic.Int64
}

func (f *fakeHistory) Recent(_ context.Context, limit int) ([]history.Entry, error) {
	f.limit.Store(int64(limit))

	return []history.Entry{{RequestID: "req-1", Voice: "f1", Outcome: history.OutcomeOK}}, nil
}

type fakeStatus struct {
	ready bool
}

func (f fakeStatus) Ready() bool { return f.ready }

func (f fakeStatus) Status() []dispatch.PipelineStatus {
	return []dispatch.PipelineStatus{{Name: "standard", Ready: f.ready}}
}

// blockingSynthesizer waits for its context to end.
type blockingSynthesizer struct {
	started   chan struct{}
	cancelled chan struct{}
}

func (b *blockingSynthesizer) Synthesize(ctx context.Context, _ core.SynthesisRequest) (*core.SynthesisResult, error) {
	close(b.started)
	<-ctx.Done()
	close(b.cancelled)

	return nil, ctx.Err()
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "gateway-test.log")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = log.Close()
	})

	return log
}

func newTestServer(t *testing.T, opts gateway.Options) (*httptest.Server, *fakeSynthesizer) {
	t.Helper()

	synth := &fakeSynthesizer{}
	if opts.Synthesizer == nil {
		opts.Synthesizer = synth
	}

	if opts.Voices == nil {
		opts.Voices = catalog.New([]core.Voice{
			{ID: "akane_west", Name: "Akane", Dialect: language.Kansai, Icon: testIcon},
			{ID: "f1", Name: "f1", Dialect: language.Standard},
		})
	}

	srv := httptest.NewServer(gateway.New(opts, newTestLogger(t)).Handler())
	t.Cleanup(srv.Close)

	return srv, synth
}

func postTTS(t *testing.T, url, body string) (*http.Response, []byte) {
	t.Helper()

	resp, err := http.Post(url+"/api/tts", "application/json", strings.NewReader(body))
	require.NoError(t, err)

	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, data
}

func TestTTS_ReturnsWave(t *testing.T) {
	t.Parallel()

	srv, synth := newTestServer(t, gateway.Options{})

	resp, data := postTTS(t, srv.URL, `{"voice_id":"f1","text":"hello","speed":1.5}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/wav", resp.Header.Get("Content-Type"))
	assert.Equal(t, "req-1", resp.Header.Get("X-Request-Id"))

	_, pcm, err := wav.Parse(data)
	require.NoError(t, err)
	assert.Len(t, pcm, 6)

	req := synth.last()
	assert.Equal(t, "f1", req.VoiceID)
	assert.InDelta(t, 1.5, req.Speed, 1e-6)
	assert.InDelta(t, 1.0, req.Volume, 1e-6)
	assert.Equal(t, int32(800), req.PauseSentence)
	assert.Empty(t, req.Dialect)
}

func TestTTS_DialectOverrides(t *testing.T) {
	t.Parallel()

	srv, synth := newTestServer(t, gateway.Options{})

	resp, _ := postTTS(t, srv.URL, `{"voice_id":"f1","text":"hello","is_kansai":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, language.Kansai, synth.last().Dialect)

	resp, _ = postTTS(t, srv.URL, `{"voice_id":"akane_west","text":"hello","is_kansai":false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, language.Standard, synth.last().Dialect)

	resp, _ = postTTS(t, srv.URL, `{"voice_id":"f1","text":"hello","is_kansai":false,"dialect":"kansai"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, language.Kansai, synth.last().Dialect)
}

func TestTTS_ErrorStatuses(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, gateway.Options{})

	tests := []struct {
		name     string
		body     string
		status   int
		contains string
	}{
		{name: "unknown voice", body: `{"voice_id":"nonexistent","text":"hello"}`, status: http.StatusNotFound, contains: "nonexistent"},
		{name: "malformed json", body: `{"voice_id":`, status: http.StatusBadRequest, contains: "invalid request"},
		{name: "missing voice", body: `{"text":"hello"}`, status: http.StatusBadRequest, contains: "voice_id"},
		{name: "empty text", body: `{"voice_id":"f1","text":""}`, status: http.StatusBadRequest, contains: "text cannot be empty"},
		{name: "queue closed", body: `{"voice_id":"closed","text":"hello"}`, status: http.StatusServiceUnavailable},
		{name: "engine failure", body: `{"voice_id":"broken","text":"hello"}`, status: http.StatusInternalServerError, contains: "drain failed"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			resp, data := postTTS(t, srv.URL, tc.body)
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain"))
			assert.Contains(t, string(data), tc.contains)
		})
	}
}

func TestVoicesAndIcons(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, gateway.Options{})

	resp, err := http.Get(srv.URL + "/api/voices")
	require.NoError(t, err)

	var voices []core.Voice
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&voices))
	require.NoError(t, resp.Body.Close())

	require.Len(t, voices, 2)
	assert.Equal(t, "akane_west", voices[0].ID)
	assert.Equal(t, testIcon, voices[0].Icon)

	resp, err = http.Get(srv.URL + "/api/voices/akane_west/icon")
	require.NoError(t, err)

	icon, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, testIcon, icon)

	resp, err = http.Get(srv.URL + "/api/voices/f1/icon")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/")
	require.NoError(t, err)

	page, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Contains(t, string(page), "2 voices available")
	assert.Contains(t, string(page), "data:image/png;base64,")
}

func TestHistory(t *testing.T) {
	t.Parallel()

	hist := &fakeHistory{}
	srv, _ := newTestServer(t, gateway.Options{History: hist})

	resp, err := http.Get(srv.URL + "/api/history?limit=5")
	require.NoError(t, err)

	var entries []history.Entry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.NoError(t, resp.Body.Close())

	require.Len(t, entries, 1)
	assert.Equal(t, "req-1", entries[0].RequestID)
	assert.Equal(t, int64(5), hist.limit.Load())

	resp, err = http.Get(srv.URL + "/api/history?limit=-1")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthReadyMetrics(t *testing.T) {
	t.Parallel()

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("aitalk_requests_total 1\n"))
	})
	srv, _ := newTestServer(t, gateway.Options{Status: fakeStatus{ready: false}, Metrics: metrics})

	for path, want := range map[string]int{
		"/healthz": http.StatusOK,
		"/readyz":  http.StatusServiceUnavailable,
		"/metrics": http.StatusOK,
	} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		assert.Equal(t, want, resp.StatusCode, path)
	}
}

func TestWebSocket_RoundTrip(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, gateway.Options{})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/tts/ws"

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	defer func() {
		_ = conn.Close()
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"voice_id":"f1","text":"hello"}`)))

	messageType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, messageType)
	assert.Equal(t, "RIFF", string(data[:4]))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"voice_id":"nonexistent","text":"hello"}`)))

	var failure gateway.ErrorResponse

	messageType, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, messageType)
	require.NoError(t, json.Unmarshal(data, &failure))
	assert.Contains(t, failure.Error, "nonexistent")

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01}))

	messageType, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, messageType)
	assert.Contains(t, string(data), "JSON text frame")
}

func TestWebSocket_DisconnectCancelsRequest(t *testing.T) {
	t.Parallel()

	synth := &blockingSynthesizer{started: make(chan struct{}), cancelled: make(chan struct{})}
	srv, _ := newTestServer(t, gateway.Options{Synthesizer: synth})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/tts/ws"

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"voice_id":"f1","text":"hello"}`)))

	select {
	case <-synth.started:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "request never reached the synthesizer")
	}

	require.NoError(t, conn.Close())

	select {
	case <-synth.cancelled:
	case <-time.After(5 * time.Second):
		assert.Fail(t, "request context was not cancelled after the client left")
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	server := gateway.New(gateway.Options{Listen: "127.0.0.1:0", Synthesizer: &fakeSynthesizer{}}, newTestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- server.Run(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("gateway did not stop")
	}
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusBadRequest, gateway.StatusFor(fmt.Errorf("wrap: %w", language.ErrUnknownDialect)))
	assert.Equal(t, http.StatusBadRequest, gateway.StatusFor(dispatch.ErrNoPipeline))
	assert.Equal(t, http.StatusServiceUnavailable, gateway.StatusFor(orchestrator.ErrSetup))
	assert.Equal(t, http.StatusGatewayTimeout, gateway.StatusFor(context.DeadlineExceeded))
	assert.Equal(t, http.StatusNotFound, gateway.StatusFor(orchestrator.ErrVoiceNotFound))
	assert.Equal(t, http.StatusBadRequest, gateway.StatusFor(fmt.Errorf("%w at offset 3", orchestrator.ErrNULInText)))
}
