// Package violation runs the capture workflow for a red-light violation
// trigger: wait for the vehicle to settle into frame, grab one frame, save
// it, classify its colour, store the record and add it to the live log.
package violation

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/banshee-data/redlight/internal/classify"
	"github.com/banshee-data/redlight/internal/monitoring"
	"github.com/banshee-data/redlight/internal/timeutil"
	"github.com/banshee-data/redlight/internal/traffic"
)

// ErrRemoteWrite wraps store failures. The local image and the in-memory log
// entry are kept when it occurs.
var ErrRemoteWrite = errors.New("remote write failed")

// DefaultSettleDelay is the wait between the trigger and the capture.
const DefaultSettleDelay = 150 * time.Millisecond

// Camera is the capture side of camera.Source.
type Camera interface {
	Live() bool
	ReadFrame() (image.Image, error)
}

// ImageSaver persists a frame and returns its reference.
type ImageSaver interface {
	Save(img image.Image, at time.Time) (string, error)
}

// Store is the durable violation store.
type Store interface {
	AddViolation(ctx context.Context, v traffic.Violation) error
	RecentViolations(ctx context.Context, n int) ([]traffic.Violation, error)
}

// Recorder runs the violation workflow. Concurrent Handle calls are allowed;
// each works on its own frame and record.
type Recorder struct {
	Camera Camera
	Images ImageSaver
	Store  Store
	State  *traffic.State
	Clock  timeutil.Clock

	SettleDelay time.Duration
	// Location is the zone capture times are stamped in, so the stored date
	// and time strings and the image name agree with what the stores parse
	// back. Nil means time.Local.
	Location *time.Location
	// Classify defaults to classify.Classify.
	Classify func(image.Image) classify.Label
}

// NewRecorder returns a Recorder with the default settle delay and the real
// clock.
func NewRecorder(cam Camera, images ImageSaver, store Store, state *traffic.State) *Recorder {
	return &Recorder{
		Camera:      cam,
		Images:      images,
		Store:       store,
		State:       state,
		Clock:       timeutil.RealClock{},
		SettleDelay: DefaultSettleDelay,
		Classify:    classify.Classify,
	}
}

// Handle runs the workflow once. Failures are logged; nothing is returned
// to the caller.
func (r *Recorder) Handle(ctx context.Context) {
	v, err := r.Record(ctx)
	switch {
	case err == nil:
		monitoring.Logf("violation recorded: %s at %s %s (%s)", v.Color, v.Date(), v.Clock(), v.Image)
	case errors.Is(err, ErrRemoteWrite):
		monitoring.Logf("violation recorded locally only: %s (%s): %v", v.Color, v.Image, err)
	default:
		monitoring.Logf("violation not recorded: %v", err)
	}
}

// Record runs the workflow and returns the record. When the store write
// fails the record is still logged and returned along with an error wrapping
// ErrRemoteWrite. Any other error means no record was produced.
func (r *Recorder) Record(ctx context.Context) (traffic.Violation, error) {
	if r.Camera == nil || !r.Camera.Live() {
		return traffic.Violation{}, errors.New("no live camera")
	}

	r.clock().Sleep(r.SettleDelay)

	frame, err := r.Camera.ReadFrame()
	if err != nil {
		return traffic.Violation{}, fmt.Errorf("capture: %w", err)
	}
	capturedAt := r.clock().Now().In(r.location())

	ref, err := r.Images.Save(frame, capturedAt)
	if err != nil {
		return traffic.Violation{}, fmt.Errorf("save frame: %w", err)
	}

	classifyFn := r.Classify
	if classifyFn == nil {
		classifyFn = classify.Classify
	}
	v := traffic.Violation{
		CapturedAt: capturedAt,
		Color:      classifyFn(frame),
		Image:      ref,
	}

	var storeErr error
	if r.Store != nil {
		if err := r.Store.AddViolation(ctx, v); err != nil {
			storeErr = fmt.Errorf("%w: %w", ErrRemoteWrite, err)
		}
	}

	r.State.PrependViolation(v)
	return v, storeErr
}

// LoadRecent seeds the live log with the most recent stored violations.
func (r *Recorder) LoadRecent(ctx context.Context) error {
	if r.Store == nil {
		return nil
	}
	vs, err := r.Store.RecentViolations(ctx, traffic.ViolationLogCap)
	if err != nil {
		return fmt.Errorf("load recent violations: %w", err)
	}
	loc := r.location()
	for i := range vs {
		vs[i].CapturedAt = vs[i].CapturedAt.In(loc)
	}
	r.State.SeedViolations(vs)
	monitoring.Logf("loaded %d recent violations", len(vs))
	return nil
}

func (r *Recorder) clock() timeutil.Clock {
	if r.Clock == nil {
		return timeutil.RealClock{}
	}
	return r.Clock
}

func (r *Recorder) location() *time.Location {
	if r.Location == nil {
		return time.Local
	}
	return r.Location
}
