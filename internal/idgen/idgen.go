// Package idgen issues deterministic, monotonically increasing identifiers.
//
// Identifiers have the form "<prefix>-<n>" with an independent counter per
// prefix. Given the same reset point and the same sequence of Next calls, two
// generators produce identical identifiers, which is what makes live runs and
// replays comparable byte for byte.
//
// NEVER derive identifiers from wall-clock time or randomness.
package idgen

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
	"sync"
)

// Well-known prefixes.
const (
	PrefixTransaction = "tx"
	PrefixEvent       = "evt"
	PrefixJob         = "job"
)

// Generator is a reseedable set of per-prefix counters.
//
// Thread-safety: all methods are safe for concurrent use. The engine's
// single-writer design means only one goroutine typically calls Next.
type Generator struct {
	mu       sync.Mutex
	counters map[string]int64
}

// New creates a generator with every counter at 0.
// The first Next for any prefix returns "<prefix>-1".
func New() *Generator {
	return &Generator{counters: make(map[string]int64)}
}

// NewFrom creates a generator seeded from a snapshot's counters.
func NewFrom(counters map[string]int64) *Generator {
	g := New()
	g.Restore(counters)
	return g
}

// Next increments the prefix counter and returns the new identifier.
func (g *Generator) Next(prefix string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counters[prefix]++
	return Format(prefix, g.counters[prefix])
}

// Current returns the last value issued for prefix without incrementing.
func (g *Generator) Current(prefix string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counters[prefix]
}

// Set forces the counter for prefix. Used when applying a recorded
// set-id-counter action.
func (g *Generator) Set(prefix string, value int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counters[prefix] = value
}

// Observe advances the counter of id's prefix so the next identifier minted
// for it is strictly greater than id. Lower values are ignored, so Observe
// never moves a counter backwards. Unparseable ids are ignored.
func (g *Generator) Observe(id string) {
	prefix, n, ok := Parse(id)
	if !ok {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if n > g.counters[prefix] {
		g.counters[prefix] = n
	}
}

// Counters returns a copy of every counter.
func (g *Generator) Counters() map[string]int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return maps.Clone(g.counters)
}

// Restore replaces every counter with the given values.
func (g *Generator) Restore(counters map[string]int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counters = make(map[string]int64, len(counters))
	maps.Copy(g.counters, counters)
}

// Reset sets every counter back to 0.
func (g *Generator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counters = make(map[string]int64)
}

// Format renders an identifier.
func Format(prefix string, n int64) string {
	return fmt.Sprintf("%s-%d", prefix, n)
}

// Parse splits an identifier into prefix and sequence number.
// The prefix is everything before the last hyphen.
func Parse(id string) (prefix string, n int64, ok bool) {
	i := strings.LastIndexByte(id, '-')
	if i <= 0 || i == len(id)-1 {
		return "", 0, false
	}
	n, err := strconv.ParseInt(id[i+1:], 10, 64)
	if err != nil || n <= 0 {
		return "", 0, false
	}
	return id[:i], n, true
}
