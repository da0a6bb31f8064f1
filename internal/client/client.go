// Package client talks to the aitalk-service HTTP and WebSocket gateway.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/book-expert/aitalk-service/internal/core"
	"github.com/book-expert/aitalk-service/internal/gateway"
	"github.com/book-expert/aitalk-service/internal/wav"
	"github.com/gorilla/websocket"
)

// API endpoints and paths.
const (
	apiTTS       = "/api/tts"
	apiTTSStream = "/api/tts/ws"
	apiVoices    = "/api/voices"
	apiHealth    = "/healthz"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
	contentTypeWAV    = "audio/wav"
)

var (
	// ErrTextEmpty indicates a request without text.
	ErrTextEmpty = errors.New("text cannot be empty")
	// ErrVoiceEmpty indicates a request without a voice.
	ErrVoiceEmpty = errors.New("voice_id cannot be empty")
	// ErrUnexpectedContentType indicates a success response that is not WAVE audio.
	ErrUnexpectedContentType = errors.New("unexpected content type")
	// ErrService indicates a non-OK response from the service.
	ErrService = errors.New("aitalk service error")
)

// HTTPClient is a client for the aitalk-service gateway.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewHTTPClient creates a client. baseURL includes scheme and port, e.g.
// "http://localhost:3000".
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func validate(req gateway.TTSRequest) error {
	if req.VoiceID == "" {
		return ErrVoiceEmpty
	}

	if req.Text == "" {
		return ErrTextEmpty
	}

	return nil
}

// GenerateSpeech synthesizes one request and returns the WAVE file.
func (c *HTTPClient) GenerateSpeech(ctx context.Context, req gateway.TTSRequest) ([]byte, error) {
	err := validate(req)
	if err != nil {
		return nil, err
	}

	requestBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiTTS, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, contentTypeWAV)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to aitalk service at %s: %w", c.baseURL, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, parseErrorResponse(resp)
	}

	contentType := resp.Header.Get(headerContentType)
	if contentType != contentTypeWAV {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrUnexpectedContentType, contentTypeWAV, contentType)
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}

	_, _, err = wav.Parse(audioData)
	if err != nil {
		return nil, fmt.Errorf("received invalid audio: %w", err)
	}

	return audioData, nil
}

// Voices lists the installed voices.
func (c *HTTPClient) Voices(ctx context.Context) ([]core.Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiVoices, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create voices request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list voices at %s: %w", c.baseURL, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, parseErrorResponse(resp)
	}

	var voices []core.Voice

	err = json.NewDecoder(resp.Body).Decode(&voices)
	if err != nil {
		return nil, fmt.Errorf("failed to decode voices: %w", err)
	}

	return voices, nil
}

// HealthCheck verifies that the service is up.
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for service at %s: %w", c.baseURL, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health check returned %s", ErrService, resp.Status)
	}

	return nil
}

// StreamSpeech synthesizes every request over one WebSocket connection, in
// order. It stops at the first failed request.
func (c *HTTPClient) StreamSpeech(ctx context.Context, reqs []gateway.TTSRequest) ([][]byte, error) {
	for i, req := range reqs {
		err := validate(req)
		if err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
	}

	url := "ws" + strings.TrimPrefix(c.baseURL, "http") + apiTTSStream

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open stream at %s: %w", url, err)
	}

	defer func() {
		_ = conn.Close()
	}()

	results := make([][]byte, 0, len(reqs))

	for i, req := range reqs {
		err = conn.WriteJSON(req)
		if err != nil {
			return results, fmt.Errorf("request %d: failed to send: %w", i, err)
		}

		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return results, fmt.Errorf("request %d: failed to read reply: %w", i, err)
		}

		if messageType != websocket.BinaryMessage {
			var failure gateway.ErrorResponse

			decodeErr := json.Unmarshal(data, &failure)
			if decodeErr != nil {
				failure.Error = string(data)
			}

			return results, fmt.Errorf("%w: request %d: %s", ErrService, i, failure.Error)
		}

		results = append(results, data)
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	return results, nil
}

// parseErrorResponse keeps the service's error text for the caller.
func parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	return fmt.Errorf("%w (%s): %s", ErrService, resp.Status, strings.TrimSpace(string(body)))
}
