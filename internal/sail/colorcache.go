package sail

import (
	"sync"

	"github.com/fatih/color"
)

type colorFn = func(format string, a ...interface{}) string

func terminalTaskColors() []colorFn {
	return []colorFn{color.CyanString, color.MagentaString, color.GreenString, color.YellowString, color.BlueString}
}

func positiveMod(x, d int) int {
	x = x % d
	if x >= 0 {
		return x
	}
	if d < 0 {
		return x - d
	}
	return x + d
}

// ColorCache assigns a stable, distinct terminal color to each task id the
// first time it's seen, so concurrently interleaved task output stays
// visually separable.
type ColorCache struct {
	mu         sync.Mutex
	index      int
	termColors []colorFn
	cache      map[string]colorFn
}

// NewColorCache builds an empty ColorCache.
func NewColorCache() *ColorCache {
	return &ColorCache{
		termColors: terminalTaskColors(),
		cache:      make(map[string]colorFn),
	}
}

func (c *ColorCache) colorForKey(key string) colorFn {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn, ok := c.cache[key]
	if ok {
		return fn
	}
	c.index++
	fn = c.termColors[positiveMod(c.index, len(c.termColors))]
	c.cache[key] = fn
	return fn
}

// PrefixWithColor returns prefix rendered in taskID's assigned color,
// suitable for prepending to a line of streamed task output.
func (c *ColorCache) PrefixWithColor(taskID string, prefix string) string {
	fn := c.colorForKey(taskID)
	return fn("%s: ", prefix)
}
