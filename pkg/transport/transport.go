// Package transport defines the boundary to the native streaming
// collaborators: a frame decoder consuming an opened device's file
// descriptor and a HID transport for sideband peripherals. The monitor
// hands descriptors across this boundary without interpreting the byte
// streams behind them; implementations own framing, decoding and pacing.
package transport

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Frame is an opaque payload produced by a decoder. The format tag is
// decoder-defined; consumers treat the bytes as a unit.
type Frame struct {
	Format    string
	Data      []byte
	Timestamp time.Time
}

// FrameCallback receives decoded frames. The decoder reuses the frame's
// backing buffer; callbacks copy what they keep.
type FrameCallback func(Frame)

// FrameDecoder consumes a connected device's descriptor and produces
// frames. Lifecycle: Init, Connect, then Start and Stop as needed; Connect
// may be called again after Stop to rebind a reopened descriptor.
type FrameDecoder interface {
	Init() error
	Connect(vendorID, productID, fd, busNum, devNum int) error
	SetPreviewSize(width, height int) error
	// SetDisplayTarget hands the decoder an opaque rendering surface
	// handle; zero detaches the current target.
	SetDisplayTarget(target uintptr) error
	SetFrameCallback(cb FrameCallback)
	Start() error
	Stop() error
}

// HIDTransport drives a sideband HID channel on its own descriptor.
type HIDTransport interface {
	Init() error
	Start(vendorID, productID, fd int) error
	AutoFrame(enable bool) error
	Stop() error
}

// FrameSink receives frame snapshots. Injected where the capture path
// wants to persist or forward frames; implementations decide the
// destination.
type FrameSink interface {
	WriteFrame(f Frame) error
}

// WriterSink writes each frame's payload to an io.Writer, length-prefixed
// by nothing: the writer receives the raw bytes in arrival order.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink wraps a writer as a FrameSink.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) WriteFrame(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return nil
	}
	if _, err := s.w.Write(f.Data); err != nil {
		return fmt.Errorf("frame sink write: %w", err)
	}
	return nil
}

// DiscardSink drops every frame.
type DiscardSink struct{}

func (DiscardSink) WriteFrame(Frame) error { return nil }

// LogDecoder is a FrameDecoder that records the calls it receives.
// Useful for wiring demos and for verifying dispatch order in tests.
type LogDecoder struct {
	log *logrus.Entry

	mu        sync.Mutex
	connected bool
	running   bool
	cb        FrameCallback
}

// NewLogDecoder builds a decoder that logs through the given entry, or the
// standard logger when nil.
func NewLogDecoder(log *logrus.Entry) *LogDecoder {
	if log == nil {
		log = logrus.WithField("component", "decoder")
	}
	return &LogDecoder{log: log}
}

func (d *LogDecoder) Init() error {
	d.log.Debug("decoder init")
	return nil
}

func (d *LogDecoder) Connect(vendorID, productID, fd, busNum, devNum int) error {
	d.mu.Lock()
	d.connected = true
	d.mu.Unlock()
	d.log.Infof("decoder connect %04x:%04x fd=%d bus=%d dev=%d",
		vendorID, productID, fd, busNum, devNum)
	return nil
}

func (d *LogDecoder) SetPreviewSize(width, height int) error {
	d.log.Infof("decoder preview size %dx%d", width, height)
	return nil
}

func (d *LogDecoder) SetDisplayTarget(target uintptr) error {
	d.log.Infof("decoder display target %#x", target)
	return nil
}

func (d *LogDecoder) SetFrameCallback(cb FrameCallback) {
	d.mu.Lock()
	d.cb = cb
	d.mu.Unlock()
}

func (d *LogDecoder) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return fmt.Errorf("decoder start: not connected")
	}
	d.running = true
	d.log.Info("decoder start")
	return nil
}

func (d *LogDecoder) Stop() error {
	d.mu.Lock()
	d.running = false
	d.connected = false
	d.mu.Unlock()
	d.log.Info("decoder stop")
	return nil
}

// Running reports whether Start has been called without a matching Stop.
func (d *LogDecoder) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Emit pushes a frame through the registered callback, if any.
func (d *LogDecoder) Emit(f Frame) {
	d.mu.Lock()
	cb := d.cb
	d.mu.Unlock()
	if cb != nil {
		cb(f)
	}
}

// LogHID is a HIDTransport that records the calls it receives.
type LogHID struct {
	log *logrus.Entry

	mu      sync.Mutex
	running bool
}

// NewLogHID builds a HID transport that logs through the given entry, or
// the standard logger when nil.
func NewLogHID(log *logrus.Entry) *LogHID {
	if log == nil {
		log = logrus.WithField("component", "hid")
	}
	return &LogHID{log: log}
}

func (h *LogHID) Init() error {
	h.log.Debug("hid init")
	return nil
}

func (h *LogHID) Start(vendorID, productID, fd int) error {
	h.mu.Lock()
	h.running = true
	h.mu.Unlock()
	h.log.Infof("hid start %04x:%04x fd=%d", vendorID, productID, fd)
	return nil
}

func (h *LogHID) AutoFrame(enable bool) error {
	h.log.Infof("hid auto frame %v", enable)
	return nil
}

func (h *LogHID) Stop() error {
	h.mu.Lock()
	h.running = false
	h.mu.Unlock()
	h.log.Info("hid stop")
	return nil
}

// Running reports whether Start has been called without a matching Stop.
func (h *LogHID) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}
