package sym

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestForOutcome(t *testing.T) {
	assert.Equal(t, Saved, ForOutcome("saved"))
	assert.Equal(t, Duplicate, ForOutcome("duplicate"))
	assert.Equal(t, Failed, ForOutcome("failed"))
	assert.Equal(t, Deferred, ForOutcome("deferred"))
	assert.Equal(t, "?", ForOutcome("exploded"))
}

func TestMarkersAreDistinct(t *testing.T) {
	seen := map[string]bool{}
	for _, s := range []string{AM, Pulse, PulseOpen, PulseClose, DB, Ledger, Transfer} {
		assert.False(t, seen[s], "duplicate marker %q", s)
		seen[s] = true
	}
}
