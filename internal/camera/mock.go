package camera

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"
)

var errDeviceClosed = errors.New("device closed")

// TestableDevice implements Device with configurable behaviour for testing
// and for running without capture hardware.
type TestableDevice struct {
	mu sync.Mutex

	// Frame is returned by every successful Read.
	Frame image.Image

	// ReadError is returned by the next Read call if set.
	ReadError error

	// FailReads makes every Read return an empty poll.
	FailReads bool

	// ReadLatency adds a delay to each Read call.
	ReadLatency time.Duration

	// CloseError is returned by Close if set.
	CloseError error

	readCalls  int
	closed     bool
	activeRead bool
	overlapped bool
}

// NewTestableDevice returns a device that yields frame on every read.
func NewTestableDevice(frame image.Image) *TestableDevice {
	return &TestableDevice{Frame: frame}
}

// Read implements Device.
func (d *TestableDevice) Read() (image.Image, error) {
	d.mu.Lock()
	d.readCalls++
	if d.closed {
		d.mu.Unlock()
		return nil, errDeviceClosed
	}
	if d.ReadError != nil {
		err := d.ReadError
		d.ReadError = nil
		d.mu.Unlock()
		return nil, err
	}
	if d.activeRead {
		d.overlapped = true
	}
	d.activeRead = true
	latency := d.ReadLatency
	d.mu.Unlock()

	if latency > 0 {
		time.Sleep(latency)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.activeRead = false
	if d.FailReads {
		return nil, nil
	}
	return d.Frame, nil
}

// Close implements Device. Closing during a read is recorded as an overlap.
func (d *TestableDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.activeRead {
		d.overlapped = true
	}
	d.closed = true
	return d.CloseError
}

// SetFailReads toggles empty polls.
func (d *TestableDevice) SetFailReads(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.FailReads = fail
}

// ReadCalls returns the number of Read calls so far.
func (d *TestableDevice) ReadCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readCalls
}

// Closed reports whether Close was called.
func (d *TestableDevice) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Overlapped reports whether two reads, or a read and a close, ever ran
// concurrently on this device.
func (d *TestableDevice) Overlapped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.overlapped
}

// TestableOpener hands out TestableDevices and records every open.
type TestableOpener struct {
	mu sync.Mutex

	// New builds the device for an index. Defaults to a mid-grey frame.
	New func(index int) *TestableDevice

	// Fail lists indices that fail to open.
	Fail map[int]error

	opened  []int
	devices []*TestableDevice
}

// Open implements Opener.
func (o *TestableOpener) Open(index int) (Device, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err, ok := o.Fail[index]; ok {
		return nil, err
	}
	var d *TestableDevice
	if o.New != nil {
		d = o.New(index)
	} else {
		d = NewTestableDevice(SolidFrame(64, 48, color.NRGBA{R: 128, G: 128, B: 128, A: 255}))
	}
	o.opened = append(o.opened, index)
	o.devices = append(o.devices, d)
	return d, nil
}

// Opened returns the indices opened so far, in order.
func (o *TestableOpener) Opened() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]int(nil), o.opened...)
}

// Devices returns every device handed out, in order.
func (o *TestableOpener) Devices() []*TestableDevice {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*TestableDevice(nil), o.devices...)
}

// SolidFrame returns a w x h frame filled with c.
func SolidFrame(w, h int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	fill := color.NRGBAModel.Convert(c).(color.NRGBA)
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i+0] = fill.R
		img.Pix[i+1] = fill.G
		img.Pix[i+2] = fill.B
		img.Pix[i+3] = fill.A
	}
	return img
}

// SolidColorOpener opens synthetic devices that always return a solid
// 640x480 frame of c. Negative indices fail to open.
func SolidColorOpener(c color.Color) Opener {
	frame := SolidFrame(640, 480, c)
	return func(index int) (Device, error) {
		if index < 0 {
			return nil, fmt.Errorf("no synthetic camera at index %d", index)
		}
		return NewTestableDevice(frame), nil
	}
}
