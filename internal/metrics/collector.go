// Package metrics provides Prometheus metrics for go-ffmpeg-pagecast.
//
// All metrics are low cardinality: labels are limited to the three process
// roles and the startup phases.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-ffmpeg-pagecast/internal/stats"
)

// Pipeline states as exported by pagecast_pipeline_state.
var stateValues = map[string]float64{
	"idle":     0,
	"starting": 1,
	"running":  2,
}

// Collector manages all Prometheus metrics for one broadcaster.
type Collector struct {
	info            *prometheus.GaugeVec
	state           prometheus.Gauge
	processUp       *prometheus.GaugeVec
	processStarts   *prometheus.CounterVec
	processExits    *prometheus.CounterVec
	escalations     *prometheus.CounterVec
	phaseSeconds    *prometheus.HistogramVec
	startupFailures *prometheus.CounterVec
	uptime          prometheus.Gauge
	encoderFrames   prometheus.Gauge
	encoderFPS      prometheus.Gauge
	encoderSpeed    prometheus.Gauge

	// For summary generation
	mu          sync.Mutex
	exitCodes   map[string]int
	escalated   []string
	degraded    bool
	totalStarts int64
}

// NewCollectorWithRegistry creates a collector with a custom registry.
// Useful for testing.
func NewCollectorWithRegistry(registry prometheus.Registerer) *Collector {
	c := &Collector{
		info: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pagecast_info",
				Help: "Broadcast configuration (value always 1)",
			},
			[]string{"version", "resolution", "bitrate", "framerate"},
		),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pagecast_pipeline_state",
			Help: "Pipeline state: 0 idle, 1 starting, 2 running",
		}),
		processUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pagecast_process_up",
				Help: "1 while the process for a role is alive",
			},
			[]string{"role"},
		),
		processStarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagecast_process_starts_total",
				Help: "Process launches by role and result",
			},
			[]string{"role", "result"},
		),
		processExits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagecast_process_exits_total",
				Help: "Process exits by role; expected=false means the process died while running",
			},
			[]string{"role", "expected"},
		),
		escalations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagecast_shutdown_escalations_total",
				Help: "Processes that ignored SIGTERM and were killed",
			},
			[]string{"role"},
		),
		phaseSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pagecast_startup_phase_seconds",
				Help:    "Time spent in each startup phase",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"phase"},
		),
		startupFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagecast_startup_failures_total",
				Help: "Failed starts by the phase that failed",
			},
			[]string{"phase"},
		),
		uptime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pagecast_uptime_seconds",
			Help: "Whole seconds the pipeline has been running (0 when idle)",
		}),
		encoderFrames: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pagecast_encoder_frames",
			Help: "Frames encoded in the current run",
		}),
		encoderFPS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pagecast_encoder_fps",
			Help: "Last encoder frame rate reported by FFmpeg",
		}),
		encoderSpeed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pagecast_encoder_speed",
			Help: "Last encoder speed reported by FFmpeg (1.0 = realtime)",
		}),
		exitCodes: make(map[string]int),
	}

	registry.MustRegister(
		c.info,
		c.state,
		c.processUp,
		c.processStarts,
		c.processExits,
		c.escalations,
		c.phaseSeconds,
		c.startupFailures,
		c.uptime,
		c.encoderFrames,
		c.encoderFPS,
		c.encoderSpeed,
	)

	return c
}

// SetInfo records the static run configuration.
func (c *Collector) SetInfo(version, resolution, bitrate, framerate string) {
	c.info.WithLabelValues(version, resolution, bitrate, framerate).Set(1)
}

// SetState records a pipeline state transition. Unknown states are ignored.
func (c *Collector) SetState(state string) {
	if v, ok := stateValues[state]; ok {
		c.state.Set(v)
	}
	if state == "idle" {
		c.uptime.Set(0)
	}
}

// ProcessStarted records a launch attempt for a role.
func (c *Collector) ProcessStarted(role string, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	c.processStarts.WithLabelValues(role, result).Inc()
	if err == nil {
		c.processUp.WithLabelValues(role).Set(1)
	}

	c.mu.Lock()
	c.totalStarts++
	c.mu.Unlock()
}

// ProcessExited records a process exit. expected is false for exits the
// pipeline did not ask for.
func (c *Collector) ProcessExited(role string, exitCode int, expected bool) {
	label := "false"
	if expected {
		label = "true"
	}
	c.processExits.WithLabelValues(role, label).Inc()
	c.processUp.WithLabelValues(role).Set(0)

	c.mu.Lock()
	c.exitCodes[role] = exitCode
	if !expected {
		c.degraded = true
	}
	c.mu.Unlock()
}

// Escalated records a SIGKILL after the grace period.
func (c *Collector) Escalated(role string) {
	c.escalations.WithLabelValues(role).Inc()

	c.mu.Lock()
	c.escalated = append(c.escalated, role)
	c.mu.Unlock()
}

// ObservePhase records the duration of a startup phase. A non-nil err also
// counts a startup failure for the phase.
func (c *Collector) ObservePhase(phase string, d time.Duration, err error) {
	c.phaseSeconds.WithLabelValues(phase).Observe(d.Seconds())
	if err != nil {
		c.startupFailures.WithLabelValues(phase).Inc()
	}
}

// SetUptime updates the uptime gauge.
func (c *Collector) SetUptime(seconds int64) {
	c.uptime.Set(float64(seconds))
}

// RecordEncoder copies the latest encoder statistics into gauges.
func (c *Collector) RecordEncoder(s stats.Summary) {
	c.encoderFrames.Set(float64(s.Frames))
	c.encoderFPS.Set(s.FPS)
	c.encoderSpeed.Set(s.Speed)
}

// SummaryConfig fills the process section of an exit summary.
func (c *Collector) SummaryConfig() stats.SummaryConfig {
	c.mu.Lock()
	defer c.mu.Unlock()

	codes := make(map[string]int, len(c.exitCodes))
	for role, code := range c.exitCodes {
		codes[role] = code
	}
	return stats.SummaryConfig{
		ExitCodes:   codes,
		Escalations: append([]string(nil), c.escalated...),
		Degraded:    c.degraded,
	}
}

// TotalStarts returns the number of launch attempts.
func (c *Collector) TotalStarts() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalStarts
}
