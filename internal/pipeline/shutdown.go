package pipeline

import "github.com/randomizedcoder/go-ffmpeg-pagecast/internal/supervisor"

// Stop terminates the encoder, then the browser, then the display server.
// Each gets SIGTERM and StopGrace to exit before SIGKILL; a forced kill is
// not an error. Stop then releases the display slot, returns to idle and
// reports the run's uptime in whole seconds.
//
// Stop returns ErrNotRunning, with no side effects, unless the pipeline is
// running.
func (p *Pipeline) Stop() (int64, error) {
	p.mu.Lock()
	if p.state != StateRunning || p.stopping {
		p.mu.Unlock()
		return 0, ErrNotRunning
	}
	p.stopping = true
	uptime := p.uptimeLocked()
	slot, hasSlot := p.slot, p.hasSlot
	profile := p.profile
	mon := p.monitor

	// Consumers before producers.
	order := make([]*supervisor.Handle, 0, len(launchOrder))
	for i := len(launchOrder) - 1; i >= 0; i-- {
		if h := p.handles[launchOrder[i]]; h != nil {
			order = append(order, h)
		}
	}
	p.mu.Unlock()

	p.logger.Info("pipeline_stopping", "uptime_seconds", uptime)

	for _, h := range order {
		p.stopProcess(h)
	}
	mon.close()

	removeProfile(profile, p.logger)
	if hasSlot {
		p.alloc.Release(slot)
	}
	p.reset()

	p.logger.Info("pipeline_stopped", "uptime_seconds", uptime)
	return uptime, nil
}
