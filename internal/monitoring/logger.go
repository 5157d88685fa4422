// Package monitoring holds the diagnostic logger shared by the pipeline
// packages (camera, bus, telemetry, violation, display).
package monitoring

import (
	"fmt"
	"log"
	"sync"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but
// may be replaced by SetLogger so tests can capture or mute pipeline output.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Recorder collects formatted log lines. It is safe for concurrent use, since
// the pipeline logs from the dispatcher, camera and recorder goroutines.
type Recorder struct {
	mu    sync.Mutex
	lines []string
}

// Logf appends one formatted line.
func (r *Recorder) Logf(format string, v ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, fmt.Sprintf(format, v...))
}

// Lines returns a copy of everything logged so far.
func (r *Recorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

// Capture routes Logf into a new Recorder and returns it with a restore func.
func Capture() (*Recorder, func()) {
	original := Logf
	rec := &Recorder{}
	Logf = rec.Logf
	return rec, func() { Logf = original }
}
