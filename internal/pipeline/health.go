package pipeline

import (
	"sync"
	"time"

	"github.com/randomizedcoder/go-ffmpeg-pagecast/internal/supervisor"
)

// monitor watches the exit channel of every process of a running pipeline.
type monitor struct {
	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// startMonitor attaches one exit watcher per handle.
func (p *Pipeline) startMonitor(handles []*supervisor.Handle) *monitor {
	m := &monitor{stop: make(chan struct{})}
	for _, h := range handles {
		m.wg.Add(1)
		go func(h *supervisor.Handle) {
			defer m.wg.Done()
			select {
			case <-h.Done():
				p.observeExit(h)
			case <-m.stop:
			}
		}(h)
	}
	return m
}

// close detaches all watchers and waits for them to return.
func (m *monitor) close() {
	if m == nil {
		return
	}
	m.once.Do(func() { close(m.stop) })
	m.wg.Wait()
}

// observeExit handles a process exit seen by a watcher. Exits caused by Stop
// are left to the shutdown path. Anything else is an unexpected exit: logged
// and reported, never acted on.
func (p *Pipeline) observeExit(h *supervisor.Handle) {
	role := h.Role()

	p.mu.Lock()
	if p.stopping || p.state != StateRunning || p.reported[role] {
		p.mu.Unlock()
		return
	}
	p.reported[role] = true
	out := p.outputs[role]
	p.mu.Unlock()

	attrs := []any{
		"role", role,
		"pid", h.PID(),
		"exit_code", h.ExitCode(),
		"uptime", h.Uptime().Round(time.Millisecond).String(),
	}
	if out != nil {
		attrs = append(attrs, "last_output", out.Tail(tailLines))
	}
	p.logger.Error("process_exited_unexpectedly", attrs...)

	if cb := p.opts.Callbacks.OnProcessExit; cb != nil {
		cb(role, h.ExitCode(), h.Uptime(), false)
	}
}
