// Package camera owns the capture device used for live preview and violation
// snapshots. A Source holds at most one live device handle at a time and
// coordinates the preview polling goroutine with handle replacement so that
// no read can reach a device that is being released.
package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/redlight/internal/monitoring"
	"github.com/banshee-data/redlight/internal/timeutil"
)

var (
	// ErrOpenFailed is returned when the device at an index cannot be opened.
	ErrOpenFailed = errors.New("camera open failed")
	// ErrReadFailed is returned when a single poll yields no frame. It is
	// transient; callers retry on their next schedule.
	ErrReadFailed = errors.New("camera read failed")
	// ErrNoCamera is returned by ReadFrame when no handle is live.
	ErrNoCamera = errors.New("no camera")
	// ErrAlreadyActive is returned when acquiring while a handle is live, or
	// when swapping to the index that is already live.
	ErrAlreadyActive = errors.New("camera already active")
	// ErrClosed is returned by Acquire and Swap once the Source is closed.
	ErrClosed = errors.New("camera source closed")
)

// Device is an open capture handle.
type Device interface {
	// Read returns the next frame. A nil image with a nil error counts as an
	// empty poll.
	Read() (image.Image, error)
	Close() error
}

// Opener opens the capture device at index.
type Opener func(index int) (Device, error)

const (
	DefaultJoinTimeout   = 1500 * time.Millisecond
	DefaultFrameInterval = 30 * time.Millisecond
	DefaultIdleInterval  = 500 * time.Millisecond
	DefaultRetryInterval = 100 * time.Millisecond
)

// Source is the single owner of the capture device.
type Source struct {
	open  Opener
	clock timeutil.Clock

	// JoinTimeout bounds how long Swap and Close wait for the preview loop to
	// exit before proceeding anyway.
	JoinTimeout time.Duration
	// Preview loop pacing: between frames, while no camera is live, and
	// after a failed read.
	FrameInterval time.Duration
	IdleInterval  time.Duration
	RetryInterval time.Duration

	// devMu is held for the whole of every device Read and Close.
	devMu  sync.Mutex
	dev    Device
	closed bool
	index  atomic.Int64
	live   atomic.Bool

	swapMu sync.Mutex

	previewMu  sync.Mutex
	previewCtx context.Context
	cancel     context.CancelFunc
	done       chan struct{}

	frameMu  sync.RWMutex
	latest   image.Image
	latestAt time.Time
}

// NewSource returns a Source with no live device. A nil clock selects the
// real clock.
func NewSource(open Opener, clock timeutil.Clock) *Source {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	s := &Source{
		open:          open,
		clock:         clock,
		JoinTimeout:   DefaultJoinTimeout,
		FrameInterval: DefaultFrameInterval,
		IdleInterval:  DefaultIdleInterval,
		RetryInterval: DefaultRetryInterval,
	}
	s.index.Store(-1)
	return s
}

// Live reports whether a device handle is currently held.
func (s *Source) Live() bool { return s.live.Load() }

// Index returns the index of the live device, or -1.
func (s *Source) Index() int { return int(s.index.Load()) }

// Acquire opens the device at index. It fails with ErrAlreadyActive if a
// handle is already held; release it first or use Swap.
func (s *Source) Acquire(index int) error {
	s.devMu.Lock()
	defer s.devMu.Unlock()
	if s.closed {
		return fmt.Errorf("acquire camera %d: %w", index, ErrClosed)
	}
	if s.dev != nil {
		return fmt.Errorf("acquire camera %d: %w", index, ErrAlreadyActive)
	}
	dev, err := s.open(index)
	if err != nil {
		return fmt.Errorf("%w: index %d: %w", ErrOpenFailed, index, err)
	}
	if dev == nil {
		return fmt.Errorf("%w: index %d", ErrOpenFailed, index)
	}
	s.dev = dev
	s.index.Store(int64(index))
	s.live.Store(true)
	monitoring.Logf("camera %d acquired", index)
	return nil
}

// ReadFrame reads one frame from the live device.
func (s *Source) ReadFrame() (image.Image, error) {
	s.devMu.Lock()
	defer s.devMu.Unlock()
	return s.readLocked()
}

func (s *Source) readLocked() (image.Image, error) {
	if s.dev == nil {
		return nil, ErrNoCamera
	}
	img, err := s.dev.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadFailed, err)
	}
	if img == nil || img.Bounds().Empty() {
		return nil, ErrReadFailed
	}
	return img, nil
}

// Release closes the live device, if any, and drops the preview frame it
// produced. It waits for an in-flight read to finish first.
func (s *Source) Release() {
	s.devMu.Lock()
	defer s.devMu.Unlock()
	s.frameMu.Lock()
	s.latest, s.latestAt = nil, time.Time{}
	s.frameMu.Unlock()
	if s.dev == nil {
		return
	}
	idx := s.index.Load()
	if err := s.dev.Close(); err != nil {
		monitoring.Logf("camera %d: close: %v", idx, err)
	}
	s.dev = nil
	s.live.Store(false)
	s.index.Store(-1)
	monitoring.Logf("camera %d released", idx)
}

// LatestFrame returns the most recent preview frame and when it was read.
func (s *Source) LatestFrame() (image.Image, time.Time, bool) {
	s.frameMu.RLock()
	defer s.frameMu.RUnlock()
	return s.latest, s.latestAt, s.latest != nil
}

// StartPreview starts the polling loop. The loop runs until ctx is done or
// the preview is stopped by Swap or Close. Calling it while the loop runs is
// a no-op.
func (s *Source) StartPreview(ctx context.Context) {
	s.previewMu.Lock()
	defer s.previewMu.Unlock()
	s.previewCtx = ctx
	s.startLocked()
}

func (s *Source) startLocked() {
	if s.cancel != nil || s.previewCtx == nil {
		return
	}
	ctx, cancel := context.WithCancel(s.previewCtx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	go s.poll(ctx, done)
}

// stopPreview cancels the polling loop and waits up to JoinTimeout for it to
// exit. It reports false if the loop did not exit in time.
func (s *Source) stopPreview() bool {
	s.previewMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.previewMu.Unlock()

	if cancel == nil {
		return true
	}
	cancel()
	select {
	case <-done:
		return true
	case <-s.clock.After(s.JoinTimeout):
		monitoring.Logf("Warning: camera preview did not stop within %v", s.JoinTimeout)
		return false
	}
}

func (s *Source) poll(ctx context.Context, done chan struct{}) {
	defer close(done)
	failing := false
	for {
		wait := s.FrameInterval
		err := s.readPreview()
		switch {
		case err == nil:
			failing = false
		case errors.Is(err, ErrNoCamera):
			wait = s.IdleInterval
		default:
			if !failing {
				monitoring.Logf("camera %d: %v", s.Index(), err)
			}
			failing = true
			wait = s.RetryInterval
		}

		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(wait):
		}
	}
}

// readPreview reads a frame and publishes it as the latest one while still
// holding devMu, so a concurrent Release cannot leave a stale frame behind.
func (s *Source) readPreview() error {
	s.devMu.Lock()
	defer s.devMu.Unlock()
	img, err := s.readLocked()
	if err != nil {
		return err
	}
	s.frameMu.Lock()
	s.latest, s.latestAt = img, s.clock.Now()
	s.frameMu.Unlock()
	return nil
}

// Swap replaces the live device with the one at index. The preview loop is
// stopped and joined (bounded by JoinTimeout) before the old handle is
// released; it is restarted only if the new device opens. Swaps are
// serialised.
func (s *Source) Swap(index int) error {
	s.swapMu.Lock()
	defer s.swapMu.Unlock()

	if s.isClosed() {
		return fmt.Errorf("swap to camera %d: %w", index, ErrClosed)
	}
	if s.Live() && s.Index() == index {
		return fmt.Errorf("swap to camera %d: %w", index, ErrAlreadyActive)
	}

	s.stopPreview()
	s.Release()
	if err := s.Acquire(index); err != nil {
		monitoring.Logf("camera swap to %d failed: %v", index, err)
		return err
	}

	s.previewMu.Lock()
	s.startLocked()
	s.previewMu.Unlock()
	return nil
}

// Close stops the preview loop and releases the device. Later Acquire and
// Swap calls fail with ErrClosed. Close is idempotent.
func (s *Source) Close() {
	s.swapMu.Lock()
	defer s.swapMu.Unlock()
	s.devMu.Lock()
	s.closed = true
	s.devMu.Unlock()
	s.stopPreview()
	s.previewMu.Lock()
	s.previewCtx = nil
	s.previewMu.Unlock()
	s.Release()
}

func (s *Source) isClosed() bool {
	s.devMu.Lock()
	defer s.devMu.Unlock()
	return s.closed
}
