// Package language decides when the engine's language resource has to be
// swapped and which dialect a request wants.
package language

import (
	"errors"
	"fmt"
	"strings"
)

// Dialect names understood by default.
const (
	Standard = "standard"
	Kansai   = "kansai"
)

// DefaultMarker is the voice-id substring that selects the marker dialect.
const DefaultMarker = "west"

// ErrUnknownDialect is returned when a dialect has no configured resource.
var ErrUnknownDialect = errors.New("no language resource configured for dialect")

// DefaultResources maps each built-in dialect to its engine resource name.
func DefaultResources() map[string]string {
	return map[string]string{
		Standard: `Lang\standard`,
		Kansai:   `Lang\standard_kansai`,
	}
}

// Action is the outcome of comparing the wanted resource with the loaded one.
type Action int

const (
	// Keep means the loaded resource already matches.
	Keep Action = iota
	// Reload means unload the current resource and load the wanted one.
	Reload
)

func (a Action) String() string {
	if a == Reload {
		return "reload"
	}

	return "keep"
}

// State remembers which resource is loaded. The zero value means nothing is.
type State struct {
	loaded string
	valid  bool
}

// Loaded returns the loaded resource name, if any.
func (s *State) Loaded() (string, bool) {
	return s.loaded, s.valid
}

// Decide compares want with the loaded resource.
func (s *State) Decide(want string) Action {
	if s.valid && s.loaded == want {
		return Keep
	}

	return Reload
}

// Commit records a successful load.
func (s *State) Commit(resource string) {
	s.loaded = resource
	s.valid = true
}

// Reset forgets the loaded resource so the next request reloads.
func (s *State) Reset() {
	s.loaded = ""
	s.valid = false
}

// Resolver maps requests to dialects and dialects to resources.
type Resolver struct {
	// Marker voices resolve to MarkerDialect when it has a resource.
	Marker        string
	MarkerDialect string
	Default       string
	Resources     map[string]string
}

// NewResolver returns a resolver with the built-in dialect table.
func NewResolver() *Resolver {
	return &Resolver{
		Marker:        DefaultMarker,
		MarkerDialect: Kansai,
		Default:       Standard,
		Resources:     DefaultResources(),
	}
}

// Dialect resolves the dialect for a voice. A non-empty override wins. A
// marker voice gets the marker dialect only if that dialect is installed;
// otherwise it falls back to the default like any other voice.
func (r *Resolver) Dialect(voiceID, override string) string {
	if override != "" {
		return override
	}

	if r.Marker != "" && strings.Contains(voiceID, r.Marker) && r.has(r.MarkerDialect) {
		return r.MarkerDialect
	}

	if r.Default == "" {
		return Standard
	}

	return r.Default
}

func (r *Resolver) has(dialect string) bool {
	return dialect != "" && r.Resources[dialect] != ""
}

// Resource returns the engine resource name for dialect.
func (r *Resolver) Resource(dialect string) (string, error) {
	name, ok := r.Resources[dialect]
	if !ok || name == "" {
		return "", fmt.Errorf("%w: %q", ErrUnknownDialect, dialect)
	}

	return name, nil
}

// KansaiOverride converts the boolean dialect flag used by older clients into
// a dialect override. nil means no override.
func KansaiOverride(isKansai *bool) string {
	if isKansai == nil {
		return ""
	}

	if *isKansai {
		return Kansai
	}

	return Standard
}
