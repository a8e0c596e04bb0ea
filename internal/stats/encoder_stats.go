// Package stats aggregates encoder status updates for one pipeline run.
package stats

import (
	"sync"
	"time"

	"github.com/influxdata/tdigest"

	"github.com/randomizedcoder/go-ffmpeg-pagecast/internal/parser"
)

// EncoderStats accumulates FFmpeg status updates.
// Thread-safe: updates arrive on the encoder's parser goroutine while readers
// poll from the dashboard and metrics loop.
type EncoderStats struct {
	mu sync.Mutex

	frames     int64
	fps        float64
	speed      float64
	bitrate    string
	encodeTime string
	updates    int64
	lastUpdate time.Time

	fpsDigest    *tdigest.TDigest
	speedDigest  *tdigest.TDigest
	fpsSamples   int64
	speedSamples int64
}

// Summary is a point-in-time copy of EncoderStats.
type Summary struct {
	Frames     int64
	FPS        float64
	Speed      float64
	Bitrate    string
	EncodeTime string
	Updates    int64
	LastUpdate time.Time

	FPSP50   float64
	FPSP05   float64
	SpeedP50 float64
}

// NewEncoderStats creates an empty accumulator.
func NewEncoderStats() *EncoderStats {
	return &EncoderStats{
		fpsDigest:   tdigest.NewWithCompression(100),
		speedDigest: tdigest.NewWithCompression(100),
	}
}

// Record adds one status update.
func (s *EncoderStats) Record(u parser.StatusUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.frames = u.Frame
	s.fps = u.FPS
	s.speed = u.Speed
	s.bitrate = u.Bitrate
	s.encodeTime = u.Time
	s.updates++
	s.lastUpdate = u.ReceivedAt

	// The first updates report fps=0 while x11grab warms up; they would drag
	// the low percentiles down for the whole run.
	if u.Frame > 0 {
		s.fpsDigest.Add(u.FPS, 1)
		s.fpsSamples++
		if u.Speed > 0 {
			s.speedDigest.Add(u.Speed, 1)
			s.speedSamples++
		}
	}
}

// Summary returns a copy of the current values and percentiles.
func (s *EncoderStats) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := Summary{
		Frames:     s.frames,
		FPS:        s.fps,
		Speed:      s.speed,
		Bitrate:    s.bitrate,
		EncodeTime: s.encodeTime,
		Updates:    s.updates,
		LastUpdate: s.lastUpdate,
	}
	if s.fpsSamples > 0 {
		sum.FPSP50 = s.fpsDigest.Quantile(0.50)
		sum.FPSP05 = s.fpsDigest.Quantile(0.05)
	}
	if s.speedSamples > 0 {
		sum.SpeedP50 = s.speedDigest.Quantile(0.50)
	}
	return sum
}

// Stalled reports whether no update has arrived within window of now.
// An accumulator that never saw an update is not stalled.
func (s *EncoderStats) Stalled(now time.Time, window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updates == 0 {
		return false
	}
	return now.Sub(s.lastUpdate) > window
}
