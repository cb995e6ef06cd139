package tempid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextShape(t *testing.T) {
	g := NewGenerator()
	id := g.Next()
	assert.True(t, strings.HasPrefix(id, "temp-"))
}

func TestNextUnique(t *testing.T) {
	g := NewGenerator()
	seen := make(map[string]struct{})
	for i := 0; i < 10000; i++ {
		id := g.Next()
		_, dup := seen[id]
		assert.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}
