package preview

import (
	"log/slog"
	"sync"
)

// Pipeline serializes the render→publish path. At most one render runs
// at a time; a trigger arriving mid-render schedules exactly one
// follow-up render, and any further triggers coalesce into it. The
// follow-up always re-reads the source, so the final render reflects
// the newest content.
type Pipeline struct {
	render func() (string, error)
	notice func(error) string
	cache  *RenderCache
	logger *slog.Logger

	mutex     sync.Mutex
	rendering bool
	pending   bool
	idle      chan struct{}

	// onFailure is invoked with the error message after a failed
	// render. Wired to the broadcaster's notice fan-out.
	onFailure func(string)
}

// NewPipeline creates a pipeline. render produces sanitized HTML from
// the current source; notice formats a failure into a displayable
// fragment for the first-ever render failing.
func NewPipeline(render func() (string, error), notice func(error) string, cache *RenderCache, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		render: render,
		notice: notice,
		cache:  cache,
		logger: logger.With("component", "pipeline"),
		idle:   make(chan struct{}, 1),
	}
}

// SetFailureHandler registers a callback for render failures.
func (p *Pipeline) SetFailureHandler(fn func(string)) {
	p.mutex.Lock()
	p.onFailure = fn
	p.mutex.Unlock()
}

// Trigger requests a render. Returns immediately; the render runs on
// its own goroutine. Overlapping triggers coalesce.
func (p *Pipeline) Trigger() {
	p.mutex.Lock()
	if p.rendering {
		p.pending = true
		p.mutex.Unlock()
		return
	}
	p.rendering = true
	p.mutex.Unlock()

	go p.renderLoop()
}

// Wait blocks until no render is running or scheduled. Used by tests
// and shutdown.
func (p *Pipeline) Wait() {
	for {
		p.mutex.Lock()
		busy := p.rendering
		p.mutex.Unlock()
		if !busy {
			return
		}
		<-p.idle
	}
}

func (p *Pipeline) renderLoop() {
	for {
		p.renderOnce()

		p.mutex.Lock()
		if p.pending {
			p.pending = false
			p.mutex.Unlock()
			continue
		}
		p.rendering = false
		p.mutex.Unlock()

		select {
		case p.idle <- struct{}{}:
		default:
		}
		return
	}
}

// renderOnce runs one render→publish critical section. On failure the
// last good artifact stays published; only when no artifact exists at
// all does a minimal error notice take its place, so viewers never see
// a blank page.
func (p *Pipeline) renderOnce() {
	html, err := p.render()
	if err == nil {
		if _, pubErr := p.cache.Publish(html); pubErr != nil {
			p.logger.Error("publish refused", "error", pubErr)
		}
		return
	}

	p.logger.Warn("render failed, keeping last good artifact", "error", err)

	p.mutex.Lock()
	onFailure := p.onFailure
	p.mutex.Unlock()
	if onFailure != nil {
		onFailure(err.Error())
	}

	if _, ok := p.cache.Current(); !ok {
		if _, pubErr := p.cache.Publish(p.notice(err)); pubErr != nil {
			p.logger.Error("publish refused", "error", pubErr)
		}
	}
}
