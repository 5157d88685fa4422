// Package display periodically renders a read-only view of the intersection
// for the operator.
package display

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/redlight/internal/monitoring"
	"github.com/banshee-data/redlight/internal/timeutil"
	"github.com/banshee-data/redlight/internal/traffic"
)

// DefaultInterval is the refresh period.
const DefaultInterval = 500 * time.Millisecond

// StopLineCm is the largest proximity reading, in cm, treated as a vehicle
// past the stop line.
const StopLineCm = 15

// Status summarises system health for the operator.
type Status string

const (
	StatusNominal      Status = "nominal"
	StatusNoCamera     Status = "no camera"
	StatusDisconnected Status = "disconnected"
)

// View is what a Renderer receives each refresh.
type View struct {
	traffic.Snapshot
	StopLineWarning bool   `json:"stop_line_warning"`
	Status          Status `json:"status"`
}

// StateSource provides snapshots.
type StateSource interface {
	Snapshot() traffic.Snapshot
}

// Health reports the live-ness of the bus and the camera.
type Health interface {
	BusConnected() bool
	CameraLive() bool
}

// HealthFuncs adapts two functions to Health.
type HealthFuncs struct {
	Bus    func() bool
	Camera func() bool
}

func (h HealthFuncs) BusConnected() bool { return h.Bus != nil && h.Bus() }
func (h HealthFuncs) CameraLive() bool   { return h.Camera != nil && h.Camera() }

// Renderer draws one view. It must not block for long.
type Renderer interface {
	Render(View)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(View)

func (f RendererFunc) Render(v View) { f(v) }

// StopLineWarning reports whether a vehicle in the vertical lane is past the
// stop line while its light is red, which is the case whenever horizontal
// traffic has right of way.
func StopLineWarning(s traffic.Snapshot) bool {
	return s.Phase.Horizontal() && s.DistanceCm > 0 && s.DistanceCm <= StopLineCm
}

// Build derives a View from a snapshot and current health.
func Build(s traffic.Snapshot, h Health) View {
	status := StatusNominal
	switch {
	case h != nil && !h.BusConnected():
		status = StatusDisconnected
	case h != nil && !h.CameraLive():
		status = StatusNoCamera
	}
	return View{Snapshot: s, StopLineWarning: StopLineWarning(s), Status: status}
}

// Loop refreshes the display on a fixed interval. It only reads state.
type Loop struct {
	State    StateSource
	Health   Health
	Renderer Renderer
	Clock    timeutil.Clock
	Interval time.Duration

	mu   sync.RWMutex
	last View
}

// Current returns the most recently rendered view.
func (l *Loop) Current() View {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.last
}

// Refresh builds and renders one view.
func (l *Loop) Refresh() View {
	v := Build(l.State.Snapshot(), l.Health)
	l.mu.Lock()
	l.last = v
	l.mu.Unlock()
	if l.Renderer != nil {
		l.Renderer.Render(v)
	}
	return v
}

// Run refreshes immediately and then on every tick until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	clock := l.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	interval := l.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	l.Refresh()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			l.Refresh()
		}
	}
}

// LogRenderer writes a one-line summary whenever it changes.
type LogRenderer struct {
	mu   sync.Mutex
	last string
}

// Render implements Renderer.
func (r *LogRenderer) Render(v View) {
	line := Summary(v)
	r.mu.Lock()
	defer r.mu.Unlock()
	if line == r.last {
		return
	}
	r.last = line
	monitoring.Logf("%s", line)
}

// Summary formats a view as a single status line.
func Summary(v View) string {
	s := fmt.Sprintf("status=%s phase=%s density=H%d/V%d distance=%dcm crosswalk=%q violations=%d",
		v.Status, v.Phase, v.HorizontalDensity, v.VerticalDensity, v.DistanceCm, v.Crosswalk, len(v.Violations))
	if len(v.Violations) > 0 {
		newest := v.Violations[0]
		s += fmt.Sprintf(" last=%s@%s", newest.Color, newest.Clock())
	}
	if v.StopLineWarning {
		s += " STOP-LINE"
	}
	return s
}
