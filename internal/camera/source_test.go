package camera

import (
	"context"
	"errors"
	"image/color"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/redlight/internal/monitoring"
)

func newFastSource(o *TestableOpener) *Source {
	s := NewSource(o.Open, nil)
	s.FrameInterval = time.Millisecond
	s.IdleInterval = 5 * time.Millisecond
	s.RetryInterval = 2 * time.Millisecond
	return s
}

func TestAcquire_OpenFailure(t *testing.T) {
	o := &TestableOpener{Fail: map[int]error{3: errors.New("no such device")}}
	s := newFastSource(o)

	err := s.Acquire(3)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOpenFailed)
	assert.Contains(t, err.Error(), "no such device")
	assert.False(t, s.Live())
	assert.Equal(t, -1, s.Index())
}

func TestAcquire_RejectsSecondHandle(t *testing.T) {
	o := &TestableOpener{}
	s := newFastSource(o)
	require.NoError(t, s.Acquire(0))

	err := s.Acquire(1)
	assert.ErrorIs(t, err, ErrAlreadyActive)
	assert.Equal(t, []int{0}, o.Opened())
	assert.Equal(t, 0, s.Index())
}

func TestReadFrame(t *testing.T) {
	o := &TestableOpener{}
	s := newFastSource(o)

	_, err := s.ReadFrame()
	assert.ErrorIs(t, err, ErrNoCamera)

	require.NoError(t, s.Acquire(0))
	img, err := s.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())

	dev := o.Devices()[0]
	dev.SetFailReads(true)
	_, err = s.ReadFrame()
	assert.ErrorIs(t, err, ErrReadFailed)

	dev.SetFailReads(false)
	dev.mu.Lock()
	dev.ReadError = errors.New("usb reset")
	dev.mu.Unlock()
	_, err = s.ReadFrame()
	assert.ErrorIs(t, err, ErrReadFailed)
	assert.Contains(t, err.Error(), "usb reset")

	_, err = s.ReadFrame()
	assert.NoError(t, err, "read errors are transient")
}

func TestRelease(t *testing.T) {
	o := &TestableOpener{}
	s := newFastSource(o)
	s.Release() // no-op without a handle

	require.NoError(t, s.Acquire(2))
	s.Release()
	assert.False(t, s.Live())
	assert.True(t, o.Devices()[0].Closed())

	require.NoError(t, s.Acquire(2), "index can be reacquired after release")
}

func TestStartPreview_KeepsLatestFrame(t *testing.T) {
	o := &TestableOpener{}
	s := newFastSource(o)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.StartPreview(ctx)
	time.Sleep(10 * time.Millisecond)
	_, _, ok := s.LatestFrame()
	assert.False(t, ok, "no frame before a camera is live")

	require.NoError(t, s.Acquire(0))
	assert.Eventually(t, func() bool {
		_, _, ok := s.LatestFrame()
		return ok
	}, time.Second, 2*time.Millisecond)

	s.Close()
}

func TestStartPreview_ReadFailuresRetryAndLogOnce(t *testing.T) {
	rec, restore := monitoring.Capture()
	defer restore()

	o := &TestableOpener{}
	s := newFastSource(o)
	require.NoError(t, s.Acquire(0))
	dev := o.Devices()[0]
	dev.SetFailReads(true)

	s.StartPreview(context.Background())
	assert.Eventually(t, func() bool { return dev.ReadCalls() > 5 }, time.Second, time.Millisecond)
	s.Close()

	failures := 0
	for _, l := range rec.Lines() {
		if strings.Contains(l, ErrReadFailed.Error()) {
			failures++
		}
	}
	assert.Equal(t, 1, failures)
}

func TestSwap_ReplacesDeviceAndRestartsPreview(t *testing.T) {
	o := &TestableOpener{
		New: func(index int) *TestableDevice {
			if index == 1 {
				return NewTestableDevice(SolidFrame(32, 32, color.NRGBA{G: 255, A: 255}))
			}
			return NewTestableDevice(SolidFrame(16, 16, color.NRGBA{R: 255, A: 255}))
		},
	}
	s := newFastSource(o)
	require.NoError(t, s.Acquire(0))
	s.StartPreview(context.Background())
	defer s.Close()

	require.NoError(t, s.Swap(1))
	assert.Equal(t, 1, s.Index())
	assert.Equal(t, []int{0, 1}, o.Opened())

	devs := o.Devices()
	assert.True(t, devs[0].Closed())
	assert.False(t, devs[1].Closed())

	assert.Eventually(t, func() bool {
		img, _, ok := s.LatestFrame()
		return ok && img.Bounds().Dx() == 32
	}, time.Second, 2*time.Millisecond)
}

func TestSwap_SameIndex(t *testing.T) {
	o := &TestableOpener{}
	s := newFastSource(o)
	require.NoError(t, s.Acquire(0))

	assert.ErrorIs(t, s.Swap(0), ErrAlreadyActive)
	assert.False(t, o.Devices()[0].Closed())
}

func TestSwap_FailureLeavesNoCameraUntilNextSwap(t *testing.T) {
	o := &TestableOpener{Fail: map[int]error{5: errors.New("busy")}}
	s := newFastSource(o)
	require.NoError(t, s.Acquire(0))
	s.StartPreview(context.Background())
	defer s.Close()

	err := s.Swap(5)
	assert.ErrorIs(t, err, ErrOpenFailed)
	assert.False(t, s.Live())
	assert.True(t, o.Devices()[0].Closed())

	s.previewMu.Lock()
	running := s.cancel != nil
	s.previewMu.Unlock()
	assert.False(t, running, "preview must not restart after a failed swap")

	require.NoError(t, s.Swap(1))
	assert.Eventually(t, func() bool { return o.Devices()[1].ReadCalls() > 0 }, time.Second, time.Millisecond)
}

func TestSwap_NeverReadsDuringRelease(t *testing.T) {
	o := &TestableOpener{
		New: func(int) *TestableDevice {
			d := NewTestableDevice(SolidFrame(8, 8, color.White))
			d.ReadLatency = 2 * time.Millisecond
			return d
		},
	}
	s := newFastSource(o)
	require.NoError(t, s.Acquire(0))
	s.StartPreview(context.Background())

	stop := make(chan struct{})
	snapshots := make(chan struct{})
	go func() {
		defer close(snapshots)
		for {
			select {
			case <-stop:
				return
			default:
				_, _ = s.ReadFrame()
			}
		}
	}()

	for i := 1; i <= 6; i++ {
		require.NoError(t, s.Swap(i%2))
	}
	close(stop)
	<-snapshots
	s.Close()

	for i, d := range o.Devices() {
		assert.False(t, d.Overlapped(), "device %d saw concurrent access", i)
		assert.True(t, d.Closed(), "device %d not closed", i)
	}
}

func TestSwap_JoinTimeoutProceedsWithWarning(t *testing.T) {
	rec, restore := monitoring.Capture()
	defer restore()

	o := &TestableOpener{
		New: func(index int) *TestableDevice {
			d := NewTestableDevice(SolidFrame(8, 8, color.Black))
			if index == 0 {
				d.ReadLatency = 150 * time.Millisecond
			}
			return d
		},
	}
	s := newFastSource(o)
	s.JoinTimeout = 10 * time.Millisecond
	require.NoError(t, s.Acquire(0))
	s.StartPreview(context.Background())
	defer s.Close()

	assert.Eventually(t, func() bool { return o.Devices()[0].ReadCalls() > 0 }, time.Second, time.Millisecond)
	require.NoError(t, s.Swap(1))

	assert.Equal(t, 1, s.Index())
	assert.False(t, o.Devices()[0].Overlapped())

	warned := false
	for _, l := range rec.Lines() {
		if strings.Contains(l, "did not stop within") {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestClose_StopsPreviewAndReleases(t *testing.T) {
	o := &TestableOpener{}
	s := newFastSource(o)
	require.NoError(t, s.Acquire(0))
	s.StartPreview(context.Background())
	s.Close()

	dev := o.Devices()[0]
	assert.True(t, dev.Closed())
	assert.False(t, s.Live())

	calls := dev.ReadCalls()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, calls, dev.ReadCalls())

	s.Close()
}

func TestClose_RejectsLaterAcquireAndSwap(t *testing.T) {
	o := &TestableOpener{}
	s := newFastSource(o)
	require.NoError(t, s.Acquire(0))
	s.StartPreview(context.Background())
	s.Close()

	err := s.Swap(2)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Acquire(1), ErrClosed)
	assert.False(t, s.Live())
	assert.Equal(t, -1, s.Index())
	assert.Equal(t, []int{0}, o.Opened(), "no device opened after Close")

	s.previewMu.Lock()
	assert.Nil(t, s.cancel)
	s.previewMu.Unlock()
}

func TestRelease_DropsLatestFrame(t *testing.T) {
	o := &TestableOpener{}
	s := newFastSource(o)
	require.NoError(t, s.Acquire(0))
	s.StartPreview(context.Background())
	defer s.Close()

	assert.Eventually(t, func() bool {
		_, _, ok := s.LatestFrame()
		return ok
	}, time.Second, time.Millisecond)

	s.Release()
	img, at, ok := s.LatestFrame()
	assert.False(t, ok)
	assert.Nil(t, img)
	assert.True(t, at.IsZero())
}

func TestSwap_FailureDropsPreviousPreviewFrame(t *testing.T) {
	o := &TestableOpener{Fail: map[int]error{1: errors.New("busy")}}
	s := newFastSource(o)
	require.NoError(t, s.Acquire(0))
	s.StartPreview(context.Background())
	defer s.Close()

	assert.Eventually(t, func() bool {
		_, _, ok := s.LatestFrame()
		return ok
	}, time.Second, time.Millisecond)

	require.ErrorIs(t, s.Swap(1), ErrOpenFailed)
	assert.False(t, s.Live())
	img, _, ok := s.LatestFrame()
	assert.False(t, ok, "old camera frame must not outlive its handle")
	assert.Nil(t, img)
}

func TestSolidColorOpener(t *testing.T) {
	open := SolidColorOpener(color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	_, err := open(-1)
	assert.Error(t, err)

	dev, err := open(0)
	require.NoError(t, err)
	img, err := dev.Read()
	require.NoError(t, err)
	r, g, b, _ := img.At(320, 240).RGBA()
	assert.Equal(t, []uint32{10, 20, 30}, []uint32{r >> 8, g >> 8, b >> 8})
}
