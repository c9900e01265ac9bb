// Package idgen generates client-side offline transaction ids.
package idgen

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Generator produces globally unique offline ids. UUIDv7 is preferred; when
// the random source fails it falls back to terminal id, wall clock and a
// process-local counter, which stays unique per terminal.
type Generator struct {
	terminal string
	counter  atomic.Uint64
	now      func() time.Time
	newUUID  func() (uuid.UUID, error)
}

func New(terminalID string) *Generator {
	return &Generator{
		terminal: sanitize(terminalID),
		now:      time.Now,
		newUUID:  uuid.NewV7,
	}
}

func (g *Generator) Next() string {
	if id, err := g.newUUID(); err == nil {
		return id.String()
	}
	return g.fallback()
}

func (g *Generator) fallback() string {
	n := g.counter.Add(1)
	return fmt.Sprintf("%s-%d-%06d", g.terminal, g.now().UTC().UnixNano(), n)
}

func sanitize(terminalID string) string {
	terminalID = strings.TrimSpace(terminalID)
	if terminalID == "" {
		return "pos"
	}
	return strings.ToLower(strings.ReplaceAll(terminalID, " ", "-"))
}
