package process

import (
	"fmt"
	"strconv"
	"strings"
)

// Resolution is a capture size in pixels.
type Resolution struct {
	Width  int
	Height int
}

// ParseResolution parses a "<width>x<height>" string such as "1280x720".
func ParseResolution(s string) (Resolution, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return Resolution{}, fmt.Errorf("resolution %q: expected <width>x<height>", s)
	}
	width, err := strconv.Atoi(w)
	if err != nil || width <= 0 {
		return Resolution{}, fmt.Errorf("resolution %q: invalid width", s)
	}
	height, err := strconv.Atoi(h)
	if err != nil || height <= 0 {
		return Resolution{}, fmt.Errorf("resolution %q: invalid height", s)
	}
	return Resolution{Width: width, Height: height}, nil
}

// String returns the "WxH" form used by Xvfb and FFmpeg.
func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// WindowSize returns the "W,H" form used by Chromium's --window-size.
func (r Resolution) WindowSize() string {
	return fmt.Sprintf("%d,%d", r.Width, r.Height)
}

// Bitrate is an FFmpeg rate value such as "2500k": a number and an optional
// unit suffix (k or M).
type Bitrate struct {
	Value int
	Unit  string
}

// ParseBitrate parses a "<number>[k|M]" string.
func ParseBitrate(s string) (Bitrate, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Bitrate{}, fmt.Errorf("bitrate is empty")
	}

	num, unit := s, ""
	switch last := s[len(s)-1]; last {
	case 'k', 'K':
		num, unit = s[:len(s)-1], "k"
	case 'm', 'M':
		num, unit = s[:len(s)-1], "M"
	}

	value, err := strconv.Atoi(num)
	if err != nil || value <= 0 {
		return Bitrate{}, fmt.Errorf("bitrate %q: expected a positive number with optional k or M suffix", s)
	}
	return Bitrate{Value: value, Unit: unit}, nil
}

// String formats the bitrate in its original unit.
func (b Bitrate) String() string {
	return strconv.Itoa(b.Value) + b.Unit
}

// Double returns twice the bitrate in the same unit. Used for the encoder's
// rate-control buffer size.
func (b Bitrate) Double() Bitrate {
	return Bitrate{Value: b.Value * 2, Unit: b.Unit}
}
