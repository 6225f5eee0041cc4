// Package preview holds the live-reload core: the render cache that
// versions artifacts, the broadcaster that fans them out to viewers,
// and the pipeline that serializes renders.
package preview

import (
	"errors"
	"sync"
	"time"
)

// ErrVersionRegression reports a publish that would break the strictly
// increasing version sequence. Publishes are mutex-serialized, so this
// is an internal invariant violation, refused rather than applied.
var ErrVersionRegression = errors.New("render cache version regression")

// Artifact is a single rendered-and-sanitized HTML snapshot of the
// source document. Immutable once created.
type Artifact struct {
	Version    uint64
	HTML       string
	RenderedAt time.Time
}

// Sink receives every newly published artifact before Publish returns,
// so the sink is never behind the cache.
type Sink interface {
	OnNewArtifact(Artifact)
}

// RenderCache holds the single latest artifact. Latest write wins;
// older artifacts are discarded, never queued. The version number is
// strictly increasing for the lifetime of the process.
type RenderCache struct {
	mutex   sync.Mutex
	current Artifact
	has     bool
	sink    Sink
}

// NewRenderCache creates a cache that notifies sink on every publish.
// A nil sink is allowed; publishes then only update the cache.
func NewRenderCache(sink Sink) *RenderCache {
	return &RenderCache{sink: sink}
}

// Publish atomically replaces the current artifact with a new one at
// the next version and synchronously hands it to the sink. Concurrent
// publishes are serialized; versions never repeat or reorder.
func (c *RenderCache) Publish(html string) (Artifact, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	next := c.current.Version + 1
	if c.has && next <= c.current.Version {
		return Artifact{}, ErrVersionRegression
	}

	artifact := Artifact{
		Version:    next,
		HTML:       html,
		RenderedAt: time.Now(),
	}
	c.current = artifact
	c.has = true

	if c.sink != nil {
		c.sink.OnNewArtifact(artifact)
	}
	return artifact, nil
}

// Current returns the latest artifact without blocking on renders in
// progress. The second return is false before the first publish.
func (c *RenderCache) Current() (Artifact, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.current, c.has
}
