package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveLongestPrefixWins(t *testing.T) {
	r := New()
	r.Register(Factory{Prefix: "tsc", DefaultOutputGlobs: []string{"dist/**"}})
	r.Register(Factory{Prefix: "tsc --build", DefaultOutputGlobs: []string{".tsbuildinfo"}})

	f, ok := r.Resolve("tsc --build --verbose")
	assert.True(t, ok)
	assert.Equal(t, "tsc --build", f.Prefix)
}

func TestResolveNoMatchFallsBackToGeneric(t *testing.T) {
	r := New()
	r.Register(Factory{Prefix: "tsc"})

	_, ok := r.Resolve("./scripts/custom.sh")
	assert.False(t, ok)
}

func TestRegisterReplacesExistingPrefix(t *testing.T) {
	r := New()
	r.Register(Factory{Prefix: "biome", DefaultOutputGlobs: []string{"old"}})
	r.Register(Factory{Prefix: "biome", DefaultOutputGlobs: []string{"new"}})

	f, ok := r.Resolve("biome check .")
	assert.True(t, ok)
	assert.Equal(t, []string{"new"}, f.DefaultOutputGlobs)
}
