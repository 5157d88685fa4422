// Package opencv provides the OpenCV-backed capture device. It is the only
// package in the module that needs cgo.
package opencv

import (
	"errors"
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/banshee-data/redlight/internal/camera"
)

var errEmptyFrame = errors.New("empty frame")

// Device reads frames from a local video device through gocv.
type Device struct {
	capture *gocv.VideoCapture
	frame   gocv.Mat
}

// Options sets the requested capture size. Zero values keep the driver
// default.
type Options struct {
	Width  int
	Height int
}

// Opener returns a camera.Opener for local video devices.
func Opener(opts Options) camera.Opener {
	return func(index int) (camera.Device, error) {
		return Open(index, opts)
	}
}

// Open opens the video device at index.
func Open(index int, opts Options) (*Device, error) {
	capture, err := gocv.OpenVideoCapture(index)
	if err != nil {
		return nil, fmt.Errorf("open video capture %d: %w", index, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("video capture %d not opened", index)
	}

	capture.Set(gocv.VideoCaptureBufferSize, 1)
	if opts.Width > 0 {
		capture.Set(gocv.VideoCaptureFrameWidth, float64(opts.Width))
	}
	if opts.Height > 0 {
		capture.Set(gocv.VideoCaptureFrameHeight, float64(opts.Height))
	}

	return &Device{capture: capture, frame: gocv.NewMat()}, nil
}

// Read grabs the next frame and converts it to an image.Image.
func (d *Device) Read() (image.Image, error) {
	if ok := d.capture.Read(&d.frame); !ok || d.frame.Empty() {
		return nil, errEmptyFrame
	}
	img, err := d.frame.ToImage()
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	return img, nil
}

// Close releases the frame buffer and the device.
func (d *Device) Close() error {
	if err := d.frame.Close(); err != nil {
		d.capture.Close()
		return err
	}
	return d.capture.Close()
}
