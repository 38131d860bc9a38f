// Package registers encodes and decodes the camera's vendor-specific
// register commands. The protocol here is reverse-engineered from USB
// captures of the stock software and from a sibling device's kernel driver;
// it is an evolving contract, so the codec validates what it can and reports
// what it cannot rather than assuming.
package registers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kevmo314/go-toupcam/pkg/diag"
	"github.com/kevmo314/go-toupcam/pkg/transport"
)

// Vendor request codes observed in captures.
const (
	// ReqStreamEnable gates the bulk video stream. OUT, no data stage;
	// wValue 0x0001 arms, 0x0003 starts readout, 0x0000 stops. wIndex is
	// always 0x000f.
	ReqStreamEnable uint8 = 0x01
	// ReqStatus reads a 2-byte status word. Also doubles as the register
	// read path with the register address in wIndex.
	ReqStatus uint8 = 0x0a
	// ReqRegisterWrite writes a register: value in wValue, address in
	// wIndex, 1-byte status response.
	ReqRegisterWrite uint8 = 0x0b
	// ReqScrambleSeed reads the 2-byte payload XOR seed before streaming.
	// Zero in every capture; the stream arrives unscrambled.
	ReqScrambleSeed uint8 = 0x16
	// ReqStopHandshake is read (4 bytes) after stopping the stream.
	ReqStopHandshake uint8 = 0x17
	// ReqEEPROM reads the identity EEPROM, window offset in wValue.
	ReqEEPROM uint8 = 0x20
)

// StreamEnableIndex is the constant wIndex for ReqStreamEnable.
const StreamEnableIndex uint16 = 0x000f

// Well-known register addresses. Names are ours; the hardware has no
// published map.
const (
	RegBitDepth       uint16 = 0x0200
	RegStreamGate     uint16 = 0x0a00
	RegSensorCtrl     uint16 = 0x1000
	RegAnalogGain     uint16 = 0x1061
	RegExposureHigh   uint16 = 0x1063
	RegExposureLow    uint16 = 0x1064
	RegWriteMirror    uint16 = 0x1100
	RegSensorClock    uint16 = 0x1200
	RegReadoutMode    uint16 = 0x2000
	RegExposureBank   uint16 = 0x4000
	RegExposureCoarse uint16 = 0x5000
	RegTiming         uint16 = 0x8000
)

// writeAccepted is the status byte the device returns for an accepted
// sensor-page write; the write is then confirmed by reading the mirror.
const writeAccepted byte = 0x08

var (
	// ErrUnexpectedResponse: the device answered a command with bytes the
	// known protocol does not predict.
	ErrUnexpectedResponse = errors.New("registers: unexpected response")
	// ErrValueOutOfRange: the value falls outside the observed-safe range
	// for a known register. Nothing was sent.
	ErrValueOutOfRange = errors.New("registers: value out of range")
)

// Direction of a register command.
type Direction int

const (
	Read Direction = iota
	Write
)

// Command is one register operation. Values are ephemeral: built by the
// configuration layer, consumed immediately by the codec.
type Command struct {
	Address   uint16
	Value     uint16
	Direction Direction
}

// Codec translates Commands into the device's vendor control requests.
type Codec struct {
	tr      *transport.Transport
	table   *Table
	session uuid.UUID
	sink    diag.Sink
}

func NewCodec(tr *transport.Transport, table *Table, session uuid.UUID, sink diag.Sink) *Codec {
	if table == nil {
		table = DefaultTable()
	}
	if sink == nil {
		sink = diag.LogSink{}
	}
	return &Codec{tr: tr, table: table, session: session, sink: sink}
}

// Table exposes the live register table (for tooling and hot reload).
func (c *Codec) Table() *Table { return c.table }

// Do executes one Command.
func (c *Codec) Do(ctx context.Context, cmd Command) (uint16, error) {
	if cmd.Direction == Read {
		return c.ReadRegister(ctx, cmd.Address)
	}
	return 0, c.WriteRegister(ctx, cmd.Address, cmd.Value)
}

// WriteRegister validates value against the table and transmits the write.
// Success means the command was transmitted and, for sensor-page registers,
// acknowledged; it does not guarantee the hardware applied it. Unknown
// registers are sent raw (system-page handshake) and flagged as unverified
// in diagnostics.
func (c *Codec) WriteRegister(ctx context.Context, addr, value uint16) error {
	info, known := c.table.Lookup(addr)
	if known {
		if value < info.Min || value > info.Max {
			return fmt.Errorf("reg 0x%04x (%s): 0x%04x outside [0x%04x, 0x%04x]: %w",
				addr, info.Name, value, info.Min, info.Max, ErrValueOutOfRange)
		}
	} else {
		c.sink.Post(diag.Event{
			Session: c.session,
			Time:    time.Now(),
			Kind:    diag.KindUnverifiedRegister,
			Address: addr,
			Detail:  fmt.Sprintf("write 0x%04x to unknown register", value),
		})
	}
	if known && info.Page == PageSensor {
		return c.writeSensor(ctx, addr, value)
	}
	return c.writeSystem(ctx, addr, value)
}

// writeSensor performs the acknowledged sensor-page write: the device
// reports 0x08 and the write is confirmed by re-issuing against the mirror
// address.
func (c *Codec) writeSensor(ctx context.Context, addr, value uint16) error {
	var status [1]byte
	if _, err := c.tr.SendControl(ctx, true, ReqRegisterWrite, value, addr, status[:]); err != nil {
		return err
	}
	if status[0] != writeAccepted {
		c.sink.Post(diag.Event{
			Session: c.session,
			Time:    time.Now(),
			Kind:    diag.KindProtocolError,
			Address: addr,
			Detail:  fmt.Sprintf("sensor write status 0x%02x, want 0x%02x", status[0], writeAccepted),
		})
		return fmt.Errorf("sensor write 0x%04x: status 0x%02x: %w", addr, status[0], ErrUnexpectedResponse)
	}
	if _, err := c.tr.SendControl(ctx, true, ReqRegisterWrite, value, RegWriteMirror, status[:]); err != nil {
		return err
	}
	return nil
}

// writeSystem performs the unacknowledged system-page write. The status
// byte is read but captures show no consistent meaning for it.
func (c *Codec) writeSystem(ctx context.Context, addr, value uint16) error {
	var status [1]byte
	_, err := c.tr.SendControl(ctx, true, ReqRegisterWrite, value, addr, status[:])
	return err
}

// ReadRegister reads a 16-bit register value over the status request path.
// Best-effort: captures only show this request against a handful of
// addresses, so unexpected lengths surface as ErrUnexpectedResponse.
func (c *Codec) ReadRegister(ctx context.Context, addr uint16) (uint16, error) {
	var buf [2]byte
	n, err := c.tr.SendControl(ctx, true, ReqStatus, 0x0000, addr, buf[:])
	if err != nil {
		if errors.Is(err, transport.ErrShortResponse) {
			return 0, fmt.Errorf("reg 0x%04x: read returned %d bytes: %w", addr, n, ErrUnexpectedResponse)
		}
		return 0, err
	}
	return uint16(buf[0]) | uint16(buf[1])<<8, nil
}

// StreamEnable issues the stream-enable vendor request.
func (c *Codec) StreamEnable(ctx context.Context, mode uint16) error {
	_, err := c.tr.SendControl(ctx, false, ReqStreamEnable, mode, StreamEnableIndex, nil)
	return err
}

// ReadScrambleSeed reads the payload XOR seed. A non-zero seed has never
// been observed; callers treat one as a protocol surprise.
func (c *Codec) ReadScrambleSeed(ctx context.Context) (uint16, error) {
	var buf [2]byte
	if _, err := c.tr.SendControl(ctx, true, ReqScrambleSeed, 0x0000, 0x0000, buf[:]); err != nil {
		return 0, err
	}
	return uint16(buf[0]) | uint16(buf[1])<<8, nil
}

// ReadStatus reads the 2-byte status word for the given selector. The stock
// software polls selectors 0xffff and 0xfeff before streaming.
func (c *Codec) ReadStatus(ctx context.Context, selector uint16) (uint16, error) {
	var buf [2]byte
	if _, err := c.tr.SendControl(ctx, true, ReqStatus, 0x0000, selector, buf[:]); err != nil {
		return 0, err
	}
	return uint16(buf[0]) | uint16(buf[1])<<8, nil
}

// ReadStopHandshake completes the stream-stop exchange.
func (c *Codec) ReadStopHandshake(ctx context.Context) error {
	var buf [4]byte
	_, err := c.tr.SendControl(ctx, true, ReqStopHandshake, 0x0000, 0x0000, buf[:])
	return err
}

// EEPROM window sizes observed in captures.
const (
	eepromWindow0 = 0x1000
	eepromWindow1 = 0x0cbb
)

// ReadEEPROM dumps the identity EEPROM, read as two windows the way the
// stock software does.
func (c *Codec) ReadEEPROM(ctx context.Context) ([]byte, error) {
	buf := make([]byte, eepromWindow0+eepromWindow1)
	if _, err := c.tr.SendControl(ctx, true, ReqEEPROM, 0x0000, 0x0000, buf[:eepromWindow0]); err != nil {
		return nil, err
	}
	if _, err := c.tr.SendControl(ctx, true, ReqEEPROM, 0x1000, 0x0000, buf[eepromWindow0:]); err != nil {
		return nil, err
	}
	return buf, nil
}
