package framing

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

// small geometry keeps the tests readable; the state machine does not care.
func testConfig() Config {
	return Config{Width: 4, Height: 3, BytesPerPixel: 2} // frameLen 24
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

func TestAssembler_SingleFrameSingleChunk(t *testing.T) {
	a, err := NewAssembler(testConfig())
	if err != nil {
		t.Fatalf("NewAssembler failed: %v", err)
	}
	data := pattern(24, 0x10)

	frames, err := a.Push(data, true)
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	f := frames[0]
	if f.Seq != 0 {
		t.Errorf("Seq = %d, want 0", f.Seq)
	}
	if f.Width != 4 || f.Height != 3 || f.BytesPerPixel != 2 {
		t.Errorf("geometry = %dx%dx%d, want 4x3x2", f.Width, f.Height, f.BytesPerPixel)
	}
	if !bytes.Equal(f.Data, data) {
		t.Errorf("Data = % x, want % x", f.Data, data)
	}
	if a.State() != StateAwaitingFrame {
		t.Errorf("State = %v, want %v", a.State(), StateAwaitingFrame)
	}
}

func TestAssembler_FrameSplitAcrossChunks(t *testing.T) {
	a, _ := NewAssembler(testConfig())
	data := pattern(24, 0x20)

	frames, err := a.Push(data[:10], false)
	if err != nil || len(frames) != 0 {
		t.Fatalf("first chunk: frames=%d err=%v, want 0, nil", len(frames), err)
	}
	if a.State() != StateAccumulating {
		t.Errorf("State = %v, want %v", a.State(), StateAccumulating)
	}
	if a.Pending() != 10 {
		t.Errorf("Pending = %d, want 10", a.Pending())
	}

	frames, err = a.Push(data[10:], true)
	if err != nil {
		t.Fatalf("second chunk: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if !bytes.Equal(frames[0].Data, data) {
		t.Errorf("Data = % x, want % x", frames[0].Data, data)
	}
}

func TestAssembler_ChunkSpanningMultipleFrames(t *testing.T) {
	a, _ := NewAssembler(testConfig())
	data := append(pattern(24, 0x00), pattern(24, 0x40)...)

	frames, err := a.Push(data, true)
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0].Seq != 0 || frames[1].Seq != 1 {
		t.Errorf("Seq = %d, %d, want 0, 1", frames[0].Seq, frames[1].Seq)
	}
	if !bytes.Equal(frames[1].Data, pattern(24, 0x40)) {
		t.Errorf("frame 1 data = % x", frames[1].Data)
	}
}

func TestAssembler_DataCopiedOutOfCallerBuffer(t *testing.T) {
	a, _ := NewAssembler(testConfig())
	buf := pattern(24, 0x30)
	want := pattern(24, 0x30)

	frames, err := a.Push(buf, true)
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	for i := range buf {
		buf[i] = 0xff
	}
	if !bytes.Equal(frames[0].Data, want) {
		t.Error("frame data aliases the caller's transfer buffer")
	}
}

func TestAssembler_ZeroLengthDelimiter(t *testing.T) {
	a, _ := NewAssembler(testConfig())
	data := pattern(24, 0x50)

	// Full-length chunk, then a zero-length short read delimits the frame.
	frames, err := a.Push(data, false)
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	frames, err = a.Push(nil, true)
	if err != nil {
		t.Fatalf("delimiter push failed: %v", err)
	}
	if len(frames) != 0 {
		t.Errorf("delimiter yielded %d frames, want 0", len(frames))
	}
	if a.State() != StateAwaitingFrame {
		t.Errorf("State = %v, want %v", a.State(), StateAwaitingFrame)
	}
}

func TestAssembler_ExtraByteDesyncsAndRecovers(t *testing.T) {
	a, _ := NewAssembler(testConfig())

	if _, err := a.Push(pattern(24, 0x00), true); err != nil {
		t.Fatalf("clean frame: %v", err)
	}

	// One stray byte at the delimiter.
	frames, err := a.Push(pattern(25, 0x00), true)
	if !errors.Is(err, ErrDesync) {
		t.Fatalf("err = %v, want ErrDesync", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames before desync, want 1", len(frames))
	}
	if a.State() != StateResyncing {
		t.Errorf("State = %v, want %v", a.State(), StateResyncing)
	}
	if a.Desyncs() != 1 {
		t.Errorf("Desyncs = %d, want 1", a.Desyncs())
	}
	if a.LastDesync() == nil {
		t.Error("LastDesync = nil, want cause")
	}

	// The next transfer boundary realigns the stream.
	if err := func() error { _, err := a.Push(pattern(10, 0x00), true); return err }(); err != nil {
		t.Fatalf("resync push: %v", err)
	}
	if a.State() != StateAwaitingFrame {
		t.Fatalf("State after boundary = %v, want %v", a.State(), StateAwaitingFrame)
	}

	frames, err = a.Push(pattern(24, 0x60), true)
	if err != nil {
		t.Fatalf("post-recovery frame: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames after recovery, want 1", len(frames))
	}
	if frames[0].Seq != 2 {
		t.Errorf("Seq = %d, want 2 (one frame cut before the desync)", frames[0].Seq)
	}
}

func TestAssembler_MissingByteDesyncs(t *testing.T) {
	a, _ := NewAssembler(testConfig())

	frames, err := a.Push(pattern(23, 0x00), true)
	if !errors.Is(err, ErrDesync) {
		t.Fatalf("err = %v, want ErrDesync", err)
	}
	if len(frames) != 0 {
		t.Errorf("got %d frames, want 0", len(frames))
	}
}

func TestAssembler_SlackTolerance(t *testing.T) {
	cfg := testConfig()
	cfg.SlackBytes = 2
	a, _ := NewAssembler(cfg)

	frames, err := a.Push(pattern(26, 0x00), true)
	if err != nil {
		t.Fatalf("err = %v, want nil with 2 slack bytes", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if a.Pending() != 0 {
		t.Errorf("Pending = %d, want 0 (slack discarded at boundary)", a.Pending())
	}

	if _, err := a.Push(pattern(27, 0x00), true); !errors.Is(err, ErrDesync) {
		t.Errorf("3 trailing bytes: err = %v, want ErrDesync", err)
	}
}

func TestAssembler_ResyncWindowExhaustion(t *testing.T) {
	cfg := testConfig()
	cfg.ResyncWindow = 50
	a, _ := NewAssembler(cfg)

	if _, err := a.Push(pattern(25, 0x00), true); !errors.Is(err, ErrDesync) {
		t.Fatalf("expected desync")
	}
	// Never delimited: drops accumulate past the window.
	if _, err := a.Push(pattern(30, 0x00), false); err != nil {
		t.Fatalf("first resync chunk: %v", err)
	}
	_, err := a.Push(pattern(30, 0x00), false)
	if !errors.Is(err, ErrResyncFailed) {
		t.Fatalf("err = %v, want ErrResyncFailed", err)
	}
	if a.State() != StateFailed {
		t.Errorf("State = %v, want %v", a.State(), StateFailed)
	}

	// Failed is terminal until Reset.
	if _, err := a.Push(pattern(24, 0x00), true); !errors.Is(err, ErrResyncFailed) {
		t.Errorf("push after failure: err = %v, want ErrResyncFailed", err)
	}
}

func TestAssembler_ResetPreservesSequence(t *testing.T) {
	a, _ := NewAssembler(testConfig())
	if _, err := a.Push(pattern(24, 0x00), true); err != nil {
		t.Fatalf("frame: %v", err)
	}
	if _, err := a.Push(pattern(25, 0x00), true); !errors.Is(err, ErrDesync) {
		t.Fatalf("expected desync")
	}

	a.Reset()
	if a.State() != StateAwaitingFrame {
		t.Fatalf("State after Reset = %v", a.State())
	}
	frames, err := a.Push(pattern(24, 0x00), true)
	if err != nil {
		t.Fatalf("post-reset frame: %v", err)
	}
	if frames[0].Seq != 2 {
		t.Errorf("Seq = %d, want 2 (sequence survives Reset)", frames[0].Seq)
	}
}

func TestAssembler_InvalidGeometry(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero width", Config{Width: 0, Height: 3, BytesPerPixel: 2}},
		{"zero height", Config{Width: 4, Height: 0, BytesPerPixel: 2}},
		{"zero bpp", Config{Width: 4, Height: 3, BytesPerPixel: 0}},
	}
	for _, tt := range tests {
		if _, err := NewAssembler(tt.cfg); err == nil {
			t.Errorf("%s: NewAssembler succeeded, want error", tt.name)
		}
	}
}

func headerFrame(magic []byte, payload []byte) []byte {
	// 8-byte header: magic(4) + LE length(4).
	buf := make([]byte, 0, 8+len(payload))
	buf = append(buf, magic...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(payload)))
	return append(buf, payload...)
}

func headerConfig() Config {
	cfg := testConfig()
	cfg.Header = &HeaderSpec{Magic: []byte{0xca, 0xfe, 0xba, 0xbe}, LengthOffset: 4, HeaderLen: 8}
	return cfg
}

func TestAssembler_HeaderFraming(t *testing.T) {
	a, err := NewAssembler(headerConfig())
	if err != nil {
		t.Fatalf("NewAssembler failed: %v", err)
	}
	payload := pattern(24, 0x70)
	wire := headerFrame([]byte{0xca, 0xfe, 0xba, 0xbe}, payload)

	// Split mid-header to exercise accumulation.
	frames, err := a.Push(wire[:6], false)
	if err != nil || len(frames) != 0 {
		t.Fatalf("partial header: frames=%d err=%v", len(frames), err)
	}
	frames, err = a.Push(wire[6:], true)
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if !bytes.Equal(frames[0].Data, payload) {
		t.Errorf("Data = % x, want % x", frames[0].Data, payload)
	}
}

func TestAssembler_HeaderBadMagicResyncsToNextMagic(t *testing.T) {
	a, _ := NewAssembler(headerConfig())
	magic := []byte{0xca, 0xfe, 0xba, 0xbe}
	good := headerFrame(magic, pattern(24, 0x01))

	if _, err := a.Push([]byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77}, false); !errors.Is(err, ErrDesync) {
		t.Fatalf("err = %v, want ErrDesync", err)
	}
	// Garbage, then a clean frame; resync locks onto the magic.
	if _, err := a.Push(append(pattern(5, 0x90), good...), false); err != nil {
		t.Fatalf("resync chunk: %v", err)
	}
	frames, err := a.Push(nil, true)
	if err != nil {
		t.Fatalf("delimiter: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames after resync, want 1", len(frames))
	}
}

func TestAssembler_HeaderLengthMismatchIsDesync(t *testing.T) {
	a, _ := NewAssembler(headerConfig())
	// Declares 23 bytes; geometry implies 24.
	wire := headerFrame([]byte{0xca, 0xfe, 0xba, 0xbe}, pattern(23, 0x00))

	if _, err := a.Push(wire, true); !errors.Is(err, ErrDesync) {
		t.Errorf("err = %v, want ErrDesync", err)
	}
}
