// Package uuid mints worker identifiers.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// WorkerIDPrefix starts every generated worker id.
const WorkerIDPrefix = "worker-"

// Generator creates worker ids of the form worker-<8 hex chars>.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a short random worker id.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate worker id: %w", err)
	}
	return WorkerIDPrefix + strings.ReplaceAll(id.String(), "-", "")[:8], nil
}
