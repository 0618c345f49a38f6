package testutil

import (
	"fmt"
	"sync"
)

// DeterministicClock hands out notification sequence numbers starting at 1.
// Unlike router.Clock it can be reset, so one scenario replayed twice
// stamps identical Seq values. Safe for concurrent use.
type DeterministicClock struct {
	mu  sync.Mutex
	seq int64
}

// NewDeterministicClock creates a clock whose first Next returns 1.
func NewDeterministicClock() *DeterministicClock {
	return &DeterministicClock{}
}

// Next advances and returns the sequence number.
func (c *DeterministicClock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// Current returns the last value handed out.
func (c *DeterministicClock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Reset rewinds the clock to 0.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq = 0
}

// SequentialCommitGenerator produces "<prefix>-1", "<prefix>-2", ... and
// never runs out, unlike router.FixedGenerator.
type SequentialCommitGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialCommitGenerator creates a generator. An empty prefix
// becomes "commit".
func NewSequentialCommitGenerator(prefix string) *SequentialCommitGenerator {
	if prefix == "" {
		prefix = "commit"
	}
	return &SequentialCommitGenerator{prefix: prefix}
}

// Generate returns the next commit identifier.
func (g *SequentialCommitGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}

// Reset restarts numbering at 1.
func (g *SequentialCommitGenerator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n = 0
}
