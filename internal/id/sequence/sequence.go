// Package sequence generates predictable IDs for tests and local tooling.
package sequence

import (
	"fmt"
	"sync/atomic"
)

// Generator returns "<prefix>-1", "<prefix>-2", ...
type Generator struct {
	prefix string
	n      atomic.Int64
}

// New creates a Generator. An empty prefix defaults to "id".
func New(prefix string) *Generator {
	if prefix == "" {
		prefix = "id"
	}
	return &Generator{prefix: prefix}
}

// NewID implements clone.IDGenerator.
func (g *Generator) NewID() (string, error) {
	return fmt.Sprintf("%s-%d", g.prefix, g.n.Add(1)), nil
}
