// Package transport is the USB I/O floor of the driver: vendor control
// transfers and bulk stream reads over a usbdevfs device handle, with a
// bounded timeout and caller-driven cancellation. It has no knowledge of the
// camera protocol; that lives in pkg/registers and above.
package transport

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	usb "github.com/kevmo314/go-usb"
	"golang.org/x/sys/unix"
)

// Error taxonomy. Everything the transport returns wraps one of these so
// callers can classify with errors.Is.
var (
	// ErrTimeout: the transfer did not complete within the bounded timeout.
	ErrTimeout = errors.New("transport: timeout")
	// ErrStalled: the endpoint halted (EPIPE). Must be cleared with
	// ResetEndpoint before further transfers succeed.
	ErrStalled = errors.New("transport: endpoint stalled")
	// ErrDeviceGone: the device disconnected or the handle died. Fatal; no
	// retry is meaningful.
	ErrDeviceGone = errors.New("transport: device gone")
	// ErrShortResponse: a control IN transfer returned fewer bytes than
	// requested.
	ErrShortResponse = errors.New("transport: short control response")
)

// Request types for vendor requests addressed to the device, per USB chapter 9.
const (
	requestTypeVendorOut uint8 = 0x40
	requestTypeVendorIn  uint8 = 0xc0
)

const (
	// DefaultTimeout matches the readout cadence observed in captures; a
	// full-resolution frame arrives well inside it.
	DefaultTimeout = 500 * time.Millisecond

	// timeoutSlice bounds how long a blocking ioctl can hide a cancellation.
	// Stop() latency is at most one slice.
	timeoutSlice = 100 * time.Millisecond
)

// Conn is the slice of *usb.DeviceHandle the driver uses. Tests substitute
// scripted doubles; everything else should hand in a real handle.
type Conn interface {
	ControlTransfer(requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error)
	BulkTransfer(endpoint uint8, data []byte, timeout time.Duration) (int, error)
	ClearHalt(endpoint uint8) error
	ClaimInterface(iface uint8) error
	ReleaseInterface(iface uint8) error
	Close() error
}

var _ Conn = (*usb.DeviceHandle)(nil)

// Transport owns the device handle for one session. The control path and the
// bulk path travel over distinct endpoints and may be used from different
// goroutines; Conn implementations serialize at the fd.
type Transport struct {
	conn     Conn
	iface    uint8
	endpoint uint8
	timeout  time.Duration
}

func New(conn Conn, iface, endpoint uint8) *Transport {
	return &Transport{conn: conn, iface: iface, endpoint: endpoint, timeout: DefaultTimeout}
}

// SetTimeout overrides the per-transfer timeout bound.
func (t *Transport) SetTimeout(d time.Duration) {
	if d > 0 {
		t.timeout = d
	}
}

func (t *Transport) Timeout() time.Duration { return t.timeout }

// Claim claims the vendor interface.
func (t *Transport) Claim() error {
	if err := t.conn.ClaimInterface(t.iface); err != nil {
		return classify(err)
	}
	return nil
}

// Release releases the vendor interface claim.
func (t *Transport) Release() error {
	if err := t.conn.ReleaseInterface(t.iface); err != nil {
		return classify(err)
	}
	return nil
}

func (t *Transport) Close() error { return t.conn.Close() }

// SendControl issues one vendor control transfer. For in=true the device
// fills buf and the full length is expected back; a shorter response is
// ErrShortResponse with the partial count. For in=false buf is sent as the
// data stage (may be empty).
func (t *Transport) SendControl(ctx context.Context, in bool, request uint8, value, index uint16, buf []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	rt := requestTypeVendorOut
	if in {
		rt = requestTypeVendorIn
	}
	n, err := t.conn.ControlTransfer(rt, request, value, index, buf, t.timeout)
	if err != nil {
		return 0, fmt.Errorf("control 0x%02x val=0x%04x idx=0x%04x: %w", request, value, index, classify(err))
	}
	if in && n < len(buf) {
		return n, fmt.Errorf("control 0x%02x idx=0x%04x returned %d of %d bytes: %w", request, index, n, len(buf), ErrShortResponse)
	}
	return n, nil
}

// ReadBulk issues one bulk read on the stream endpoint into buf. A short
// count is normal data (this device delimits frames with short transfers)
// and is returned with a nil error. The blocking ioctl is sliced so a
// cancelled ctx unblocks within timeoutSlice rather than the full timeout.
func (t *Transport) ReadBulk(ctx context.Context, buf []byte) (int, error) {
	deadline := time.Now().Add(t.timeout)
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		slice := time.Until(deadline)
		if slice <= 0 {
			return 0, fmt.Errorf("bulk read ep 0x%02x: %w", t.endpoint, ErrTimeout)
		}
		if slice > timeoutSlice {
			slice = timeoutSlice
		}
		n, err := t.conn.BulkTransfer(t.endpoint, buf, slice)
		if err == nil {
			return n, nil
		}
		cerr := classify(err)
		if errors.Is(cerr, ErrTimeout) {
			continue
		}
		return 0, fmt.Errorf("bulk read ep 0x%02x: %w", t.endpoint, cerr)
	}
}

// ResetEndpoint clears a halted stream endpoint. Idempotent: clearing a
// healthy endpoint is harmless.
func (t *Transport) ResetEndpoint() error {
	if err := t.conn.ClearHalt(t.endpoint); err != nil {
		return fmt.Errorf("clear halt ep 0x%02x: %w", t.endpoint, classify(err))
	}
	return nil
}

// classify maps go-usb sentinels and raw errnos onto the transport taxonomy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, usb.ErrTimeout):
		return ErrTimeout
	case errors.Is(err, usb.ErrPipe):
		return ErrStalled
	case errors.Is(err, usb.ErrNoDevice), errors.Is(err, usb.ErrDeviceNotFound):
		return ErrDeviceGone
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case unix.ETIMEDOUT:
			return ErrTimeout
		case unix.EPIPE:
			return ErrStalled
		case unix.ENODEV, unix.ESHUTDOWN, unix.ENOENT:
			return ErrDeviceGone
		}
	}
	return err
}
