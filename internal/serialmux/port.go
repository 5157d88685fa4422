package serialmux

import "io"

// SerialPorter is the minimal interface needed for a serial port. It lets
// tests stand in for real hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}
