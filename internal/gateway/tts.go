package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/book-expert/aitalk-service/internal/core"
	"github.com/book-expert/aitalk-service/internal/dispatch"
	"github.com/book-expert/aitalk-service/internal/language"
	"github.com/book-expert/aitalk-service/internal/orchestrator"
)

// ErrInvalidRequest indicates a request body that cannot be decoded or lacks
// a voice.
var ErrInvalidRequest = errors.New("invalid request")

// TTSRequest is the JSON body of a synthesis request. Absent numeric fields
// take the documented defaults.
type TTSRequest struct {
	VoiceID       string   `json:"voice_id"`
	Text          string   `json:"text"`
	Volume        *float32 `json:"volume,omitempty"`
	Speed         *float32 `json:"speed,omitempty"`
	Pitch         *float32 `json:"pitch,omitempty"`
	Range         *float32 `json:"range,omitempty"`
	PauseMiddle   *int32   `json:"pause_middle,omitempty"`
	PauseLong     *int32   `json:"pause_long,omitempty"`
	PauseSentence *int32   `json:"pause_sentence,omitempty"`
	// Dialect selects the language resource by name and wins over IsKansai.
	Dialect  string `json:"dialect,omitempty"`
	IsKansai *bool  `json:"is_kansai,omitempty"`
}

// ErrorResponse is the JSON error body used by the WebSocket gateway.
type ErrorResponse struct {
	Error string `json:"error"`
}

// SynthesisRequest converts the body into a request with defaults applied.
func (r TTSRequest) SynthesisRequest() core.SynthesisRequest {
	req := core.NewSynthesisRequest(r.VoiceID, r.Text)

	if r.Volume != nil {
		req.Volume = *r.Volume
	}

	if r.Speed != nil {
		req.Speed = *r.Speed
	}

	if r.Pitch != nil {
		req.Pitch = *r.Pitch
	}

	if r.Range != nil {
		req.Range = *r.Range
	}

	if r.PauseMiddle != nil {
		req.PauseMiddle = *r.PauseMiddle
	}

	if r.PauseLong != nil {
		req.PauseLong = *r.PauseLong
	}

	if r.PauseSentence != nil {
		req.PauseSentence = *r.PauseSentence
	}

	req.Dialect = r.Dialect
	if req.Dialect == "" {
		req.Dialect = language.KansaiOverride(r.IsKansai)
	}

	return req
}

// DecodeTTSRequest parses and checks one request body.
func DecodeTTSRequest(data []byte) (core.SynthesisRequest, error) {
	var body TTSRequest

	err := json.Unmarshal(data, &body)
	if err != nil {
		return core.SynthesisRequest{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	if body.VoiceID == "" {
		return core.SynthesisRequest{}, fmt.Errorf("%w: voice_id is required", ErrInvalidRequest)
	}

	return body.SynthesisRequest(), nil
}

// StatusFor maps a synthesis error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrVoiceNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidRequest), dispatch.IsRequestError(err):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrQueueClosed), errors.Is(err, orchestrator.ErrSetup):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) synthesize(ctx context.Context, data []byte) (*core.SynthesisResult, error) {
	req, err := DecodeTTSRequest(data)
	if err != nil {
		return nil, err
	}

	return s.opts.Synthesizer.Synthesize(ctx, req)
}

func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		s.writeText(w, http.StatusRequestEntityTooLarge, err.Error())

		return
	}

	result, err := s.synthesize(r.Context(), data)
	if err != nil {
		status := StatusFor(err)
		if status >= http.StatusInternalServerError {
			s.log.Error("TTS request failed: %v", err)
		} else {
			s.log.Warn("TTS request rejected: %v", err)
		}

		s.writeText(w, status, err.Error())

		return
	}

	w.Header().Set("Content-Type", contentTypeWAV)
	w.Header().Set("X-Request-Id", result.RequestID)
	w.Header().Set("X-Pipeline", result.Pipeline)
	w.Header().Set("X-Dialect", result.Dialect)
	w.WriteHeader(http.StatusOK)

	_, err = w.Write(result.Audio)
	if err != nil {
		s.log.Warn("Failed to write audio for request %s: %v", result.RequestID, err)
	}
}
