package serialmux

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

var errPortClosed = errors.New("serial port closed")

// simulatedPort reads from a pipe fed by a generator and discards writes.
type simulatedPort struct {
	*io.PipeReader
	stop chan struct{}
	once sync.Once
}

func (p *simulatedPort) Write(b []byte) (int, error) { return len(b), nil }

func (p *simulatedPort) Close() error {
	p.once.Do(func() { close(p.stop) })
	return p.PipeReader.Close()
}

// NewSimulatedSerialMux creates a SerialMux whose port emits a distance line
// every interval, cycling through distances. It is used when running without
// a sensor attached.
func NewSimulatedSerialMux(distances []int, interval time.Duration) *SerialMux[*simulatedPort] {
	r, w := io.Pipe()
	port := &simulatedPort{PipeReader: r, stop: make(chan struct{})}

	go func() {
		defer w.Close()
		if len(distances) == 0 {
			<-port.stop
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for i := 0; ; i++ {
			select {
			case <-port.stop:
				return
			case <-ticker.C:
			}
			line := fmt.Sprintf("{\"distance\":%d}\n", distances[i%len(distances)])
			if _, err := w.Write([]byte(line)); err != nil {
				return
			}
		}
	}()

	return NewSerialMux(port)
}

// TestableSerialPort implements SerialPorter with configurable behaviour for
// testing: scripted reads, captured writes, one-shot errors, and latency.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// ReadLatency adds a delay to each Read call
	ReadLatency time.Duration

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// ShortWrite makes Write report one byte fewer than it was given
	ShortWrite bool

	// CloseError is returned by Close if set
	CloseError error

	// BlockReads causes Read to block until data is added or Close is called
	BlockReads bool

	closed     bool
	readCalls  int
	writeCalls int
	readCond   *sync.Cond
}

// NewTestableSerialPort creates a TestableSerialPort with empty buffers.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.readCalls++
	if t.closed {
		return 0, errPortClosed
	}
	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}
	if t.ReadLatency > 0 {
		t.mu.Unlock()
		time.Sleep(t.ReadLatency)
		t.mu.Lock()
	}
	if t.BlockReads {
		for !t.closed && t.ReadBuffer.Len() == 0 {
			t.readCond.Wait()
		}
		if t.closed {
			return 0, errPortClosed
		}
	}
	return t.ReadBuffer.Read(p)
}

func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.writeCalls++
	if t.closed {
		return 0, errPortClosed
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}
	if t.ShortWrite && len(p) > 0 {
		return t.WriteBuffer.Write(p[:len(p)-1])
	}
	return t.WriteBuffer.Write(p)
}

func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	t.readCond.Broadcast()
	return t.CloseError
}

// AddReadData appends data returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.WriteString(data)
	t.readCond.Broadcast()
}

// Written returns everything written to the port so far.
func (t *TestableSerialPort) Written() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.WriteBuffer.String()
}

// Closed reports whether Close was called.
func (t *TestableSerialPort) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Calls returns the number of Read and Write calls.
func (t *TestableSerialPort) Calls() (reads, writes int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readCalls, t.writeCalls
}
