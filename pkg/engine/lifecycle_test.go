package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/carelink/chatsync/pkg/model"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to model.Status }{
		{model.StatusPending, model.StatusSent},
		{model.StatusPending, model.StatusDelivered},
		{model.StatusPending, model.StatusError},
		{model.StatusSent, model.StatusDelivered},
		{model.StatusSent, model.StatusRead},
		{model.StatusDelivered, model.StatusRead},
		{model.StatusError, model.StatusSent},
		{model.StatusError, model.StatusDelivered},
	}
	for _, tc := range allowed {
		assert.True(t, canTransition(tc.from, tc.to), "%s -> %s should be allowed", tc.from, tc.to)
	}

	denied := []struct{ from, to model.Status }{
		{model.StatusSent, model.StatusPending},
		{model.StatusSent, model.StatusError},
		{model.StatusDelivered, model.StatusPending},
		{model.StatusDelivered, model.StatusSent},
		{model.StatusDelivered, model.StatusError},
		{model.StatusRead, model.StatusPending},
		{model.StatusRead, model.StatusSent},
		{model.StatusRead, model.StatusDelivered},
		{model.StatusRead, model.StatusError},
		{model.StatusError, model.StatusPending},
		{model.StatusError, model.StatusRead},
	}
	for _, tc := range denied {
		assert.False(t, canTransition(tc.from, tc.to), "%s -> %s should be denied", tc.from, tc.to)
	}
}
