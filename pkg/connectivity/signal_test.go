package connectivity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalEmitsEdgesOnly(t *testing.T) {
	s := NewSignal(true)
	assert.True(t, s.Online())

	s.Set(true) // no edge
	s.Set(false)
	s.Set(false) // no edge
	s.Set(true)

	require.Len(t, s.Changes(), 2)
	assert.False(t, <-s.Changes())
	assert.True(t, <-s.Changes())
	assert.True(t, s.Online())
}

func TestSignalDropsOldestWhenFull(t *testing.T) {
	s := NewSignal(false)
	for i := 0; i < 20; i++ {
		s.Set(i%2 == 0)
	}
	// channel stayed usable and holds the most recent edges
	assert.NotEmpty(t, s.Changes())
}
