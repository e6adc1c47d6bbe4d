package worker

import "sync"

// Registry maps in-flight job ids to cancel channels so the controller can
// interrupt the worker that owns a job after the store-level cancel. Workers
// must register before loading the job snapshot: a cancel that lands before
// Register is then visible in the loaded status, and one that lands after
// finds the channel.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]chan struct{}
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]chan struct{})}
}

// Register installs a cancel channel for jobID. The release func must be
// called when the job leaves this worker.
func (g *Registry) Register(jobID string) (<-chan struct{}, func()) {
	ch := make(chan struct{})
	g.mu.Lock()
	g.jobs[jobID] = ch
	g.mu.Unlock()
	release := func() {
		g.mu.Lock()
		if g.jobs[jobID] == ch {
			delete(g.jobs, jobID)
		}
		g.mu.Unlock()
	}
	return ch, release
}

// Signal closes the cancel channel of a running job and reports whether any
// worker held it. Signalling twice or signalling an unknown job is a no-op.
func (g *Registry) Signal(jobID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.jobs[jobID]
	if !ok {
		return false
	}
	delete(g.jobs, jobID)
	close(ch)
	return true
}
