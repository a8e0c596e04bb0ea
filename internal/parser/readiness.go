package parser

import (
	"strings"
	"sync"
)

// MarkerParser closes its Ready channel the first time a line containing the
// marker is parsed.
type MarkerParser struct {
	marker string
	ready  chan struct{}
	once   sync.Once
	line   string
}

// NewMarkerParser creates a parser waiting for marker.
func NewMarkerParser(marker string) *MarkerParser {
	return &MarkerParser{
		marker: marker,
		ready:  make(chan struct{}),
	}
}

// ParseLine implements LineParser.
func (m *MarkerParser) ParseLine(line string) {
	if !strings.Contains(line, m.marker) {
		return
	}
	m.once.Do(func() {
		m.line = line
		close(m.ready)
	})
}

// Ready is closed once the marker has been seen.
func (m *MarkerParser) Ready() <-chan struct{} {
	return m.ready
}

// Line returns the line that carried the marker. Only valid after Ready.
func (m *MarkerParser) Line() string {
	select {
	case <-m.ready:
		return m.line
	default:
		return ""
	}
}
