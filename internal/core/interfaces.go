// Package core defines the domain types and interfaces shared by the
// synthesis pipeline and its gateways.
package core

import (
	"context"
	"time"
)

// Parameter defaults applied to every request field the caller leaves out.
const (
	DefaultVolume        float32 = 1.0
	DefaultSpeed         float32 = 1.0
	DefaultPitch         float32 = 1.0
	DefaultRange         float32 = 1.0
	DefaultPauseMiddle   int32   = 150
	DefaultPauseLong     int32   = 370
	DefaultPauseSentence int32   = 800
)

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
}

// SynthesisRequest is one text-to-speech job. It is passed by value and never
// modified after construction.
type SynthesisRequest struct {
	VoiceID       string
	Text          string
	Volume        float32
	Speed         float32
	Pitch         float32
	Range         float32
	PauseMiddle   int32
	PauseLong     int32
	PauseSentence int32
	// Dialect overrides the dialect derived from the voice id when set.
	Dialect string
}

// NewSynthesisRequest returns a request with every parameter at its default.
func NewSynthesisRequest(voiceID, text string) SynthesisRequest {
	return SynthesisRequest{
		VoiceID:       voiceID,
		Text:          text,
		Volume:        DefaultVolume,
		Speed:         DefaultSpeed,
		Pitch:         DefaultPitch,
		Range:         DefaultRange,
		PauseMiddle:   DefaultPauseMiddle,
		PauseLong:     DefaultPauseLong,
		PauseSentence: DefaultPauseSentence,
	}
}

// PhaseTimings are the wall-clock durations of the engine phases of one job.
type PhaseTimings struct {
	Language     time.Duration
	Intermediate time.Duration
	Waveform     time.Duration
}

// Total is the sum of all phases.
func (p PhaseTimings) Total() time.Duration {
	return p.Language + p.Intermediate + p.Waveform
}

// SynthesisResult is a completed job.
type SynthesisResult struct {
	RequestID string
	Pipeline  string
	Dialect   string
	Audio     []byte
	Timings   PhaseTimings
}

// Synthesizer turns a request into WAVE audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) (*SynthesisResult, error)
}

// Voice describes an installed voice for clients.
type Voice struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Dialect    string `json:"dialect"`
	Gender     string `json:"gender,omitempty"`
	Background string `json:"background_color,omitempty"`
	Icon       []byte `json:"icon,omitempty"`
}

// VoiceProvider lists installed voices.
type VoiceProvider interface {
	Voices() []Voice
	Voice(id string) (Voice, bool)
}
