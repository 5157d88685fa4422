// Package telemetry applies bus messages to the shared traffic state and
// starts the violation workflow on a trigger.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/redlight/internal/bus"
	"github.com/banshee-data/redlight/internal/monitoring"
	"github.com/banshee-data/redlight/internal/traffic"
)

var (
	// ErrMalformedPayload is returned for structured payloads that do not
	// parse. State is left unchanged.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrUnrecognizedValue is returned for literal payloads that are not one
	// of the known values. State is left unchanged.
	ErrUnrecognizedValue = errors.New("unrecognized value")
)

// Payload literals.
const (
	ViolationSentinel = "RED_VIOLATION"
	PedestrianWaiting = "PEDESTRIAN_WAITING"
	CrosswalkClear    = "CROSSWALK_CLEAR"
)

// ViolationHandler runs the capture workflow for one trigger.
type ViolationHandler interface {
	Handle(ctx context.Context)
}

// Dispatcher is the single consumer of telemetry messages.
type Dispatcher struct {
	state      *traffic.State
	violations ViolationHandler

	inflight sync.WaitGroup
}

// NewDispatcher returns a Dispatcher writing to state. handler may be nil,
// in which case triggers are logged and dropped.
func NewDispatcher(state *traffic.State, handler ViolationHandler) *Dispatcher {
	return &Dispatcher{state: state, violations: handler}
}

type densityPayload struct {
	H *int `json:"H"`
	V *int `json:"V"`
}

type distancePayload struct {
	Distance *int `json:"distance"`
}

// Dispatch applies one message. Violation triggers start the workflow on a
// separate goroutine and return immediately; the workflow is not cancelled
// when ctx is.
func (d *Dispatcher) Dispatch(ctx context.Context, m bus.Message) error {
	payload := bytes.TrimSpace(m.Payload)
	switch m.Kind {
	case bus.KindPhase:
		p, ok := traffic.ParsePhase(string(payload))
		if !ok {
			return fmt.Errorf("phase %q: %w", payload, ErrUnrecognizedValue)
		}
		d.state.SetPhase(p)

	case bus.KindDensity:
		var v densityPayload
		if err := json.Unmarshal(payload, &v); err != nil {
			return fmt.Errorf("density: %w: %v", ErrMalformedPayload, err)
		}
		if negative(v.H) || negative(v.V) {
			return fmt.Errorf("density: %w: negative value", ErrMalformedPayload)
		}
		d.state.SetDensity(v.H, v.V)

	case bus.KindDistance:
		var v distancePayload
		if err := json.Unmarshal(payload, &v); err != nil {
			return fmt.Errorf("distance: %w: %v", ErrMalformedPayload, err)
		}
		if negative(v.Distance) {
			return fmt.Errorf("distance: %w: negative value", ErrMalformedPayload)
		}
		if v.Distance != nil {
			d.state.SetDistance(*v.Distance)
		}

	case bus.KindCrosswalk:
		switch string(payload) {
		case PedestrianWaiting:
			d.state.MarkPedestrianWaiting()
		case CrosswalkClear:
			d.state.MarkCrosswalkClear()
		default:
			return fmt.Errorf("crosswalk %q: %w", payload, ErrUnrecognizedValue)
		}

	case bus.KindViolation:
		if string(payload) != ViolationSentinel {
			return fmt.Errorf("violation %q: %w", payload, ErrUnrecognizedValue)
		}
		if d.violations == nil {
			monitoring.Logf("telemetry: violation trigger with no recorder configured")
			return nil
		}
		d.inflight.Add(1)
		go func(ctx context.Context) {
			defer d.inflight.Done()
			d.violations.Handle(ctx)
		}(context.WithoutCancel(ctx))

	default:
		return fmt.Errorf("message kind %v: %w", m.Kind, ErrUnrecognizedValue)
	}
	return nil
}

func negative(v *int) bool { return v != nil && *v < 0 }

// Run dispatches messages until ctx is done or msgs is closed. Dispatch
// errors are logged and the loop continues.
func (d *Dispatcher) Run(ctx context.Context, msgs <-chan bus.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			if err := d.Dispatch(ctx, m); err != nil {
				monitoring.Logf("telemetry: %s: dropped: %v", m.Topic, err)
			}
		}
	}
}

// Wait blocks until in-flight violation workflows finish or timeout
// elapses. It reports whether they all finished.
func (d *Dispatcher) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Merge fans several message sources into one channel for Run. The returned
// channel is closed once every source is closed or ctx is done.
func Merge(ctx context.Context, sources ...<-chan bus.Message) <-chan bus.Message {
	out := make(chan bus.Message)
	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func(src <-chan bus.Message) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case m, ok := <-src:
					if !ok {
						return
					}
					select {
					case out <- m:
					case <-ctx.Done():
						return
					}
				}
			}
		}(src)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
