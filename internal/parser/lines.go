// Package parser turns child process output into lines and feeds them to
// line parsers without ever blocking the child.
//
// Two layers:
//
//	Reader: reads lines fast, drops them if the channel is full
//	Parser: consumes from the channel at its own pace
package parser

import (
	"bufio"
	"bytes"
	"io"
	"sync"
	"sync/atomic"
)

// LineParser consumes one line of process output.
type LineParser interface {
	ParseLine(line string)
}

// LineParserFunc adapts a function to LineParser.
type LineParserFunc func(line string)

// ParseLine calls f(line).
func (f LineParserFunc) ParseLine(line string) { f(line) }

// Pipeline is a lossy line channel between a process pipe and a LineParser.
type Pipeline struct {
	role      string
	lineChan  chan string
	closeOnce sync.Once

	linesRead    atomic.Int64
	linesDropped atomic.Int64
	linesParsed  atomic.Int64
}

// NewPipeline creates a pipeline for the given role's output.
func NewPipeline(role string, bufferSize int) *Pipeline {
	if bufferSize < 1 {
		bufferSize = 256
	}
	return &Pipeline{
		role:     role,
		lineChan: make(chan string, bufferSize),
	}
}

// RunReader reads lines from r until EOF and closes the channel. If a line
// overflows the scanner buffer, the rest of r is discarded so the writer
// never blocks on a full pipe.
//
// MUST run in a dedicated goroutine. Never blocks on channel send.
func (p *Pipeline) RunReader(r io.Reader) {
	defer p.closeChannel()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	scanner.Split(ScanLines)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		p.linesRead.Add(1)

		select {
		case p.lineChan <- line:
		default:
			p.linesDropped.Add(1)
		}
	}
	if scanner.Err() != nil {
		p.linesDropped.Add(1)
		_, _ = io.Copy(io.Discard, r)
	}
}

// RunParser feeds queued lines to parser until the reader closes the channel.
//
// MUST run in a dedicated goroutine.
func (p *Pipeline) RunParser(parser LineParser) {
	for line := range p.lineChan {
		parser.ParseLine(line)
		p.linesParsed.Add(1)
	}
}

func (p *Pipeline) closeChannel() {
	p.closeOnce.Do(func() {
		close(p.lineChan)
	})
}

// Stats returns lines read, dropped and parsed.
func (p *Pipeline) Stats() (read, dropped, parsed int64) {
	return p.linesRead.Load(), p.linesDropped.Load(), p.linesParsed.Load()
}

// Role returns the process role this pipeline reads for.
func (p *Pipeline) Role() string {
	return p.role
}

// ScanLines is a bufio.SplitFunc that treats '\n', '\r' and "\r\n" as line
// terminators. FFmpeg rewrites its status line in place with '\r' and then
// goes quiet, so a trailing '\r' ends the line immediately; a '\n' arriving
// later yields an empty token.
func ScanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		advance = i + 1
		if data[i] == '\r' && i+1 < len(data) && data[i+1] == '\n' {
			advance++
		}
		return advance, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Multi fans a line out to several parsers in order. Nil parsers are skipped.
func Multi(parsers ...LineParser) LineParser {
	active := make([]LineParser, 0, len(parsers))
	for _, p := range parsers {
		if p != nil {
			active = append(active, p)
		}
	}
	return LineParserFunc(func(line string) {
		for _, p := range active {
			p.ParseLine(line)
		}
	})
}
