package elide

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

type cached struct {
	src string
	out string
}

// Transformer elides sources for one platform and memoizes results by
// content, for build pipelines that see the same file many times.
type Transformer struct {
	platform Platform

	mu    sync.RWMutex
	cache map[uint64]cached

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewTransformer creates a transformer for target.
func NewTransformer(target Platform) (*Transformer, error) {
	if _, err := ParsePlatform(string(target)); err != nil {
		return nil, err
	}
	return &Transformer{platform: target, cache: make(map[uint64]cached)}, nil
}

// Platform returns the target platform.
func (t *Transformer) Platform() Platform { return t.platform }

// Transform elides src. changed is false when src has no markers, in which
// case out is src and later stages that only run on changed files can be skipped.
func (t *Transformer) Transform(src string) (out string, changed bool, err error) {
	if !HasMarkers(src) {
		return src, false, nil
	}

	key := xxhash.Sum64String(src)
	t.mu.RLock()
	c, ok := t.cache[key]
	t.mu.RUnlock()
	if ok && c.src == src {
		t.hits.Add(1)
		return c.out, c.out != src, nil
	}

	t.misses.Add(1)
	out, err = Elide(src, t.platform)
	if err != nil {
		return "", false, err
	}
	t.mu.Lock()
	t.cache[key] = cached{src: src, out: out}
	t.mu.Unlock()
	return out, out != src, nil
}

// Stats returns the number of cache hits and misses so far.
func (t *Transformer) Stats() (hits, misses uint64) {
	return t.hits.Load(), t.misses.Load()
}

// Reset drops every cached result.
func (t *Transformer) Reset() {
	t.mu.Lock()
	t.cache = make(map[uint64]cached)
	t.mu.Unlock()
}
