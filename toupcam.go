// Package toupcam is a user-space driver for the ToupTek 0x0547:0x3016
// USB3 CMOS camera. The wire protocol is not documented anywhere; it was
// reconstructed from USB traffic captures of the stock software and from the
// kernel driver of a sibling device, so the driver treats the protocol as an
// evolving contract: validated where captures confirm behavior, defensive
// and loudly diagnosed where they do not.
//
// A Camera owns one open device for the life of a capture session:
// configure it while idle, Start it, range over Frames, Stop it. Transient
// transport trouble is absorbed and retried; unrecoverable faults park the
// session in StateFaulted and only a fresh Open recovers.
package toupcam

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	usb "github.com/kevmo314/go-usb"

	"github.com/kevmo314/go-toupcam/pkg/diag"
	"github.com/kevmo314/go-toupcam/pkg/framing"
	"github.com/kevmo314/go-toupcam/pkg/registers"
	"github.com/kevmo314/go-toupcam/pkg/transport"
)

// Options tune a session. The zero value is usable; nil means defaults.
type Options struct {
	// Table overrides the built-in register table, e.g. one merged from a
	// YAML findings file.
	Table *registers.Table
	// Sink receives diagnostics; defaults to the standard logger.
	Sink diag.Sink
	// QueueDepth bounds the frame delivery channel. When the consumer lags,
	// the oldest queued frame is dropped and counted. Default 4.
	QueueDepth int
	// FaultThreshold and FaultWindow bound transient-error tolerance: more
	// than FaultThreshold recoverable errors inside a sliding FaultWindow
	// faults the session. Defaults 5 and 10s.
	FaultThreshold int
	FaultWindow    time.Duration
	// Timeout bounds each USB transfer.
	Timeout time.Duration
}

func (o *Options) withDefaults() Options {
	var out Options
	if o != nil {
		out = *o
	}
	if out.Table == nil {
		out.Table = registers.DefaultTable()
	}
	if out.Sink == nil {
		out.Sink = diag.LogSink{}
	}
	if out.QueueDepth <= 0 {
		out.QueueDepth = 4
	}
	if out.FaultThreshold <= 0 {
		out.FaultThreshold = 5
	}
	if out.FaultWindow <= 0 {
		out.FaultWindow = 10 * time.Second
	}
	return out
}

// Config is the cached device configuration, re-applied on every stream
// start and surfaced for diagnostics. Valid goes false when a fault may
// have reset the hardware behind our back.
type Config struct {
	Mode     Mode
	Depth    BitDepth
	Exposure time.Duration
	GainCode int
	Valid    bool
}

// Camera is one capture session bound to one open device.
type Camera struct {
	tr      *transport.Transport
	codec   *registers.Codec
	session uuid.UUID
	sink    diag.Sink
	opts    Options

	mu         sync.Mutex // session state, cached config, stream control
	state      StreamState
	cfg        Config
	faultCause error

	frames  chan *framing.Frame
	dropped atomic.Uint64
	nextSeq uint64        // carries frame numbering across restarts
	stop    func()        // cancels the read loop
	done    chan struct{} // closed when the read loop exits
}

// Open locates the camera by VID/PID, opens it, and binds a session.
// opts may be nil for defaults.
func Open(opts *Options) (*Camera, error) {
	handle, err := usb.OpenDevice(VendorID, ProductID)
	if err != nil {
		return nil, fmt.Errorf("toupcam: open device %04x:%04x: %w", VendorID, ProductID, err)
	}
	if err := prepare(handle); err != nil {
		handle.Close()
		return nil, err
	}
	return NewCamera(handle, opts), nil
}

// WrapFD binds a session to an already-open usbdevfs descriptor, for callers
// that do their own enumeration or receive the fd from a privileged broker.
func WrapFD(fd int, opts *Options) (*Camera, error) {
	handle, err := usb.WrapSysDevice(fd)
	if err != nil {
		return nil, fmt.Errorf("toupcam: wrap fd %d: %w", fd, err)
	}
	if err := prepare(handle); err != nil {
		handle.Close()
		return nil, err
	}
	return NewCamera(handle, opts), nil
}

func prepare(handle *usb.DeviceHandle) error {
	// A kernel driver rarely binds this vendor interface; detach is
	// best-effort like the stock software's.
	_ = handle.DetachKernelDriver(interfaceNumber)
	if err := handle.SetConfiguration(configurationValue); err != nil {
		return fmt.Errorf("toupcam: set configuration %d: %w", configurationValue, err)
	}
	return nil
}

// NewCamera binds a session to any transport connection. Tests hand in
// doubles here; Open and WrapFD hand in real handles.
func NewCamera(conn transport.Conn, opts *Options) *Camera {
	o := opts.withDefaults()
	tr := transport.New(conn, interfaceNumber, streamEndpoint)
	if o.Timeout > 0 {
		tr.SetTimeout(o.Timeout)
	}
	session := uuid.New()
	c := &Camera{
		tr:      tr,
		codec:   registers.NewCodec(tr, o.Table, session, o.Sink),
		session: session,
		sink:    o.Sink,
		opts:    o,
		state:   StateIdle,
		cfg: Config{
			Mode:     Mode1,
			Depth:    Depth12,
			Exposure: defaultExposure,
			GainCode: defaultGainCode,
			Valid:    true,
		},
	}
	return c
}

// Session identifies this session in diagnostics.
func (c *Camera) Session() uuid.UUID { return c.session }

// Registers exposes the codec for register-level tooling. Raw writes
// bypass the configuration API's safety rails; they exist for reverse
// engineering, not for normal operation.
func (c *Camera) Registers() *registers.Codec { return c.codec }

// State reports the session lifecycle state.
func (c *Camera) State() StreamState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the fault cause once the session is StateFaulted.
func (c *Camera) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.faultCause
}

// DroppedFrames reports how many frames were discarded because the
// consumer lagged. Monotonic for the session's life.
func (c *Camera) DroppedFrames() uint64 { return c.dropped.Load() }

// Close stops any active stream and releases the device.
func (c *Camera) Close() error {
	_ = c.Stop()
	return c.tr.Close()
}
