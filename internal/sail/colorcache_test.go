package sail

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestColorCacheStableAssignment(t *testing.T) {
	c := NewColorCache()

	first := c.PrefixWithColor("app#build", "app#build")
	second := c.PrefixWithColor("app#build", "app#build")
	assert.Equal(t, first, second)
}

func TestColorCacheDistinctTasksMayDiffer(t *testing.T) {
	c := NewColorCache()

	a := c.PrefixWithColor("app#build", "app#build")
	b := c.PrefixWithColor("libA#build", "libA#build")
	// Not asserting inequality since the color palette can wrap, but both
	// must at least carry their own prefix text.
	assert.Contains(t, a, "app#build")
	assert.Contains(t, b, "libA#build")
}
