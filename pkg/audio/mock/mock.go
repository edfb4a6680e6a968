// Package mock provides an in-memory audio.Device for tests.
//
//	dev := mock.NewDevice(audio.Format{SampleRate: 16000, Channels: 1})
//	dev.Speak(frame)          // inject microphone audio
//	played := dev.Played()    // inspect what the engine played
package mock

import (
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
)

// Device is a mock audio.Device. Frames written to Output are collected by a
// background goroutine and can be read with Played.
type Device struct {
	format audio.Format
	in     chan audio.Frame
	out    chan audio.Frame

	mu     sync.Mutex
	played []audio.Frame
	closed bool
	done   chan struct{}
}

// NewDevice creates a Device with the given playback format.
func NewDevice(f audio.Format) *Device {
	d := &Device{
		format: f,
		in:     make(chan audio.Frame, 64),
		out:    make(chan audio.Frame, 64),
		done:   make(chan struct{}),
	}
	go d.collect()
	return d
}

func (d *Device) collect() {
	defer close(d.done)
	for f := range d.out {
		d.mu.Lock()
		d.played = append(d.played, f)
		d.mu.Unlock()
	}
}

// Input implements audio.Device.
func (d *Device) Input() <-chan audio.Frame { return d.in }

// Output implements audio.Device.
func (d *Device) Output() chan<- audio.Frame { return d.out }

// Format implements audio.Device.
func (d *Device) Format() audio.Format { return d.format }

// Speak injects a microphone frame, dropping it if the buffer is full.
func (d *Device) Speak(f audio.Frame) bool {
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

// Played returns a copy of every frame written to Output so far.
func (d *Device) Played() []audio.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]audio.Frame, len(d.played))
	copy(out, d.played)
	return out
}

// Close closes the input channel and stops collecting output.
func (d *Device) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.in)
	d.mu.Unlock()
	close(d.out)
	<-d.done
}

var _ audio.Device = (*Device)(nil)
