package parser

import (
	"strconv"
	"strings"
	"time"
)

// StatusUpdate is one FFmpeg "-stats" line from stderr, e.g.
//
//	frame=  120 fps= 30 q=28.0 size=     512kB time=00:00:04.00 bitrate=1048.6kbits/s speed=1.00x
type StatusUpdate struct {
	Frame   int64
	FPS     float64
	Bitrate string
	Time    string
	Speed   float64

	ReceivedAt time.Time
}

// StatusCallback receives each parsed status update.
type StatusCallback func(StatusUpdate)

// StatusParser extracts encoder status lines. Other lines are ignored.
type StatusParser struct {
	callback StatusCallback
	now      func() time.Time
}

// NewStatusParser creates a parser that calls cb for every status line.
func NewStatusParser(cb StatusCallback) *StatusParser {
	return &StatusParser{callback: cb, now: time.Now}
}

// ParseLine implements LineParser.
func (p *StatusParser) ParseLine(line string) {
	update, ok := ParseStatusLine(line)
	if !ok {
		return
	}
	update.ReceivedAt = p.now()
	if p.callback != nil {
		p.callback(update)
	}
}

// ParseStatusLine parses a status line. ok is false for anything that is not
// a status line (it must start with "frame=" and carry fps).
func ParseStatusLine(line string) (update StatusUpdate, ok bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "frame=") {
		return update, false
	}

	kv := statusFields(line)
	fps, hasFPS := kv["fps"]
	if !hasFPS {
		return update, false
	}

	update.Frame, _ = strconv.ParseInt(kv["frame"], 10, 64)
	update.FPS, _ = strconv.ParseFloat(fps, 64)
	update.Bitrate = kv["bitrate"]
	update.Time = kv["time"]
	if speed, found := kv["speed"]; found {
		update.Speed, _ = strconv.ParseFloat(strings.TrimSuffix(speed, "x"), 64)
	}
	return update, true
}

// statusFields splits "key= value key=value" pairs. FFmpeg pads values with
// spaces after '=' to keep columns aligned.
func statusFields(line string) map[string]string {
	out := make(map[string]string, 8)
	fields := strings.Fields(line)
	for i := 0; i < len(fields); i++ {
		key, value, found := strings.Cut(fields[i], "=")
		if !found {
			continue
		}
		if value == "" && i+1 < len(fields) && !strings.Contains(fields[i+1], "=") {
			value = fields[i+1]
			i++
		}
		out[key] = value
	}
	return out
}
