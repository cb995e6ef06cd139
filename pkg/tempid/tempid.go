// Package tempid generates the client-side temporary message ids used
// until the server issues a real one. IDs are "temp-<millis>-<step>";
// the step disambiguates sends landing in the same millisecond.
package tempid

import (
	"fmt"
	"sync"
	"time"
)

type Generator struct {
	mu   sync.Mutex
	time int64
	step int64
}

func NewGenerator() *Generator {
	return &Generator{}
}

func (g *Generator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli()

	if now < g.time {
		// Clock moved backwards, keep ids monotonic
		now = g.time
	}

	if g.time == now {
		g.step++
	} else {
		g.step = 0
	}

	g.time = now

	return fmt.Sprintf("temp-%d-%d", now, g.step)
}
