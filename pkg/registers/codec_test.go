package registers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kevmo314/go-toupcam/pkg/diag"
	"github.com/kevmo314/go-toupcam/pkg/transport"
)

// controlCall records one control transfer the codec issued.
type controlCall struct {
	requestType uint8
	request     uint8
	value       uint16
	index       uint16
	length      int
}

// scriptConn is a transport.Conn double that answers control transfers from
// a scripted response list and records what was sent.
type scriptConn struct {
	calls     []controlCall
	responses [][]byte // consumed in order; nil entry means empty response
	errs      []error  // parallel to responses; nil means success
}

func (c *scriptConn) ControlTransfer(requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	i := len(c.calls)
	c.calls = append(c.calls, controlCall{requestType, request, value, index, len(data)})
	if i < len(c.errs) && c.errs[i] != nil {
		return 0, c.errs[i]
	}
	if i < len(c.responses) {
		return copy(data, c.responses[i]), nil
	}
	return len(data), nil
}

func (c *scriptConn) BulkTransfer(endpoint uint8, data []byte, timeout time.Duration) (int, error) {
	return 0, errors.New("unexpected bulk transfer")
}

func (c *scriptConn) ClearHalt(endpoint uint8) error     { return nil }
func (c *scriptConn) ClaimInterface(iface uint8) error   { return nil }
func (c *scriptConn) ReleaseInterface(iface uint8) error { return nil }
func (c *scriptConn) Close() error                       { return nil }

func newTestCodec(conn *scriptConn, sink diag.Sink) *Codec {
	tr := transport.New(conn, 0, 0x81)
	return NewCodec(tr, nil, uuid.New(), sink)
}

func TestWriteRegister_SensorPageAckAndMirror(t *testing.T) {
	conn := &scriptConn{responses: [][]byte{{0x08}, {0x08}}}
	c := newTestCodec(conn, diag.NewChanSink(4))

	if err := c.WriteRegister(context.Background(), RegSensorCtrl, 0x0003); err != nil {
		t.Fatalf("WriteRegister failed: %v", err)
	}
	if len(conn.calls) != 2 {
		t.Fatalf("got %d control transfers, want 2 (write + mirror confirm)", len(conn.calls))
	}
	write, mirror := conn.calls[0], conn.calls[1]
	if write.requestType != 0xc0 || write.request != ReqRegisterWrite {
		t.Errorf("write request = %02x/%02x, want c0/%02x", write.requestType, write.request, ReqRegisterWrite)
	}
	if write.value != 0x0003 || write.index != RegSensorCtrl {
		t.Errorf("write wValue/wIndex = %04x/%04x, want 0003/%04x", write.value, write.index, RegSensorCtrl)
	}
	if write.length != 1 {
		t.Errorf("write status length = %d, want 1", write.length)
	}
	if mirror.index != RegWriteMirror || mirror.value != 0x0003 {
		t.Errorf("mirror wValue/wIndex = %04x/%04x, want 0003/%04x", mirror.value, mirror.index, RegWriteMirror)
	}
}

func TestWriteRegister_BadStatusByte(t *testing.T) {
	conn := &scriptConn{responses: [][]byte{{0x00}}}
	sink := diag.NewChanSink(4)
	c := newTestCodec(conn, sink)

	err := c.WriteRegister(context.Background(), RegSensorCtrl, 0x0003)
	if !errors.Is(err, ErrUnexpectedResponse) {
		t.Fatalf("err = %v, want ErrUnexpectedResponse", err)
	}
	if len(conn.calls) != 1 {
		t.Errorf("got %d transfers, want 1 (no mirror after bad status)", len(conn.calls))
	}
	select {
	case e := <-sink.C:
		if e.Kind != diag.KindProtocolError {
			t.Errorf("event kind = %v, want %v", e.Kind, diag.KindProtocolError)
		}
		if e.Address != RegSensorCtrl {
			t.Errorf("event address = %04x, want %04x", e.Address, RegSensorCtrl)
		}
	default:
		t.Error("no diagnostic event for bad status byte")
	}
}

func TestWriteRegister_RangeRejectedBeforeIO(t *testing.T) {
	conn := &scriptConn{}
	c := newTestCodec(conn, diag.NewChanSink(4))

	err := c.WriteRegister(context.Background(), RegSensorCtrl, 0x0100) // max 0x00ff
	if !errors.Is(err, ErrValueOutOfRange) {
		t.Fatalf("err = %v, want ErrValueOutOfRange", err)
	}
	if len(conn.calls) != 0 {
		t.Errorf("got %d transfers, want 0 (rejected before I/O)", len(conn.calls))
	}
}

func TestWriteRegister_UnknownRegisterFlagged(t *testing.T) {
	conn := &scriptConn{responses: [][]byte{{0x00}}}
	sink := diag.NewChanSink(4)
	c := newTestCodec(conn, sink)

	if err := c.WriteRegister(context.Background(), 0xbeef, 0x1234); err != nil {
		t.Fatalf("WriteRegister failed: %v", err)
	}
	// Unknown registers take the system-page path: one transfer, no ack check.
	if len(conn.calls) != 1 {
		t.Errorf("got %d transfers, want 1", len(conn.calls))
	}
	select {
	case e := <-sink.C:
		if e.Kind != diag.KindUnverifiedRegister {
			t.Errorf("event kind = %v, want %v", e.Kind, diag.KindUnverifiedRegister)
		}
		if e.Address != 0xbeef {
			t.Errorf("event address = %04x, want beef", e.Address)
		}
	default:
		t.Error("no diagnostic event for unknown register")
	}
}

func TestWriteRegister_KnownUnverifiedIsQuiet(t *testing.T) {
	conn := &scriptConn{responses: [][]byte{{0x08}, {0x08}}}
	sink := diag.NewChanSink(4)
	c := newTestCodec(conn, sink)

	// 0x1009 is in the table from captures but not Verified; replaying it
	// must not spam diagnostics.
	if err := c.WriteRegister(context.Background(), 0x1009, 0x02c0); err != nil {
		t.Fatalf("WriteRegister failed: %v", err)
	}
	select {
	case e := <-sink.C:
		t.Errorf("unexpected diagnostic %v for table-known register", e.Kind)
	default:
	}
}

func TestReadRegister_LittleEndian(t *testing.T) {
	conn := &scriptConn{responses: [][]byte{{0x34, 0x12}}}
	c := newTestCodec(conn, diag.NewChanSink(4))

	got, err := c.ReadRegister(context.Background(), RegExposureCoarse)
	if err != nil {
		t.Fatalf("ReadRegister failed: %v", err)
	}
	if got != 0x1234 {
		t.Errorf("value = %04x, want 1234", got)
	}
	call := conn.calls[0]
	if call.requestType != 0xc0 || call.request != ReqStatus {
		t.Errorf("request = %02x/%02x, want c0/%02x", call.requestType, call.request, ReqStatus)
	}
	if call.index != RegExposureCoarse || call.length != 2 {
		t.Errorf("wIndex/len = %04x/%d, want %04x/2", call.index, call.length, RegExposureCoarse)
	}
}

func TestReadRegister_ShortResponse(t *testing.T) {
	conn := &scriptConn{responses: [][]byte{{0x34}}}
	c := newTestCodec(conn, diag.NewChanSink(4))

	_, err := c.ReadRegister(context.Background(), RegExposureCoarse)
	if !errors.Is(err, ErrUnexpectedResponse) {
		t.Errorf("err = %v, want ErrUnexpectedResponse", err)
	}
}

func TestStreamEnable_WireShape(t *testing.T) {
	conn := &scriptConn{}
	c := newTestCodec(conn, diag.NewChanSink(4))

	for _, mode := range []uint16{0x0001, 0x0003, 0x0000} {
		if err := c.StreamEnable(context.Background(), mode); err != nil {
			t.Fatalf("StreamEnable(%04x) failed: %v", mode, err)
		}
	}
	if len(conn.calls) != 3 {
		t.Fatalf("got %d transfers, want 3", len(conn.calls))
	}
	for i, mode := range []uint16{0x0001, 0x0003, 0x0000} {
		call := conn.calls[i]
		if call.requestType != 0x40 || call.request != ReqStreamEnable {
			t.Errorf("call %d request = %02x/%02x, want 40/%02x", i, call.requestType, call.request, ReqStreamEnable)
		}
		if call.value != mode || call.index != StreamEnableIndex {
			t.Errorf("call %d wValue/wIndex = %04x/%04x, want %04x/%04x", i, call.value, call.index, mode, StreamEnableIndex)
		}
		if call.length != 0 {
			t.Errorf("call %d has %d-byte data stage, want none", i, call.length)
		}
	}
}

func TestReadScrambleSeed(t *testing.T) {
	conn := &scriptConn{responses: [][]byte{{0x00, 0x00}}}
	c := newTestCodec(conn, diag.NewChanSink(4))

	seed, err := c.ReadScrambleSeed(context.Background())
	if err != nil {
		t.Fatalf("ReadScrambleSeed failed: %v", err)
	}
	if seed != 0 {
		t.Errorf("seed = %04x, want 0", seed)
	}
	if conn.calls[0].request != ReqScrambleSeed || conn.calls[0].length != 2 {
		t.Errorf("request/len = %02x/%d, want %02x/2", conn.calls[0].request, conn.calls[0].length, ReqScrambleSeed)
	}
}

func TestReadEEPROM_TwoWindows(t *testing.T) {
	conn := &scriptConn{responses: [][]byte{make([]byte, eepromWindow0), make([]byte, eepromWindow1)}}
	c := newTestCodec(conn, diag.NewChanSink(4))

	data, err := c.ReadEEPROM(context.Background())
	if err != nil {
		t.Fatalf("ReadEEPROM failed: %v", err)
	}
	if len(data) != eepromWindow0+eepromWindow1 {
		t.Errorf("len = %d, want %d", len(data), eepromWindow0+eepromWindow1)
	}
	if len(conn.calls) != 2 {
		t.Fatalf("got %d transfers, want 2", len(conn.calls))
	}
	if conn.calls[0].value != 0x0000 || conn.calls[0].length != eepromWindow0 {
		t.Errorf("window 0 = value %04x len %d, want 0000/%d", conn.calls[0].value, conn.calls[0].length, eepromWindow0)
	}
	if conn.calls[1].value != 0x1000 || conn.calls[1].length != eepromWindow1 {
		t.Errorf("window 1 = value %04x len %d, want 1000/%d", conn.calls[1].value, conn.calls[1].length, eepromWindow1)
	}
}

func TestDo_Dispatch(t *testing.T) {
	conn := &scriptConn{responses: [][]byte{{0x01, 0x00}, {0x00}}}
	c := newTestCodec(conn, diag.NewChanSink(4))

	got, err := c.Do(context.Background(), Command{Address: RegStreamGate, Direction: Read})
	if err != nil {
		t.Fatalf("Do(read) failed: %v", err)
	}
	if got != 1 {
		t.Errorf("value = %d, want 1", got)
	}
	if _, err := c.Do(context.Background(), Command{Address: RegStreamGate, Value: 0x0001, Direction: Write}); err != nil {
		t.Fatalf("Do(write) failed: %v", err)
	}
	if conn.calls[1].request != ReqRegisterWrite {
		t.Errorf("write dispatched request %02x, want %02x", conn.calls[1].request, ReqRegisterWrite)
	}
}
