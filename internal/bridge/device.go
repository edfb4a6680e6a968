package bridge

import (
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
)

// socketDevice is the [audio.Device] of one voice connection. The connection
// reader feeds Input; the connection writer drains Output.
type socketDevice struct {
	format audio.Format
	in     chan audio.Frame
	out    chan audio.Frame

	mu     sync.Mutex
	closed bool
}

var _ audio.Device = (*socketDevice)(nil)

func newSocketDevice(f audio.Format, buffer int) *socketDevice {
	return &socketDevice{
		format: f,
		in:     make(chan audio.Frame, buffer),
		out:    make(chan audio.Frame, buffer),
	}
}

func (d *socketDevice) Input() <-chan audio.Frame  { return d.in }
func (d *socketDevice) Output() chan<- audio.Frame { return d.out }
func (d *socketDevice) Format() audio.Format       { return d.format }

// push delivers a microphone frame. It reports false when the frame was
// dropped because the consumer is behind or the device is gone.
func (d *socketDevice) push(f audio.Frame) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	select {
	case d.in <- f:
		return true
	default:
		return false
	}
}

// closeInput signals that the microphone is gone. Output stays open: the
// sink may still be writing and the writer stops draining on its own.
func (d *socketDevice) closeInput() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.in)
	}
}
