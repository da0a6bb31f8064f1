//go:build !(windows && 386)

package aitalked

import (
	"fmt"

	"github.com/book-expert/aitalk-service/internal/engine"
)

// Binding is unavailable on this platform.
type Binding struct {
	engine.Engine
}

// Open always fails on this platform.
func Open(path string) (*Binding, error) {
	return nil, fmt.Errorf("failed to load %s: %w", path, ErrUnsupportedPlatform)
}
