// Package framing reassembles the camera's bulk byte stream into complete
// image frames.
//
// USB3 bulk payloads do not align with frame boundaries, so the assembler
// accumulates chunks and cuts frames by whichever boundary signal the
// protocol provides. Captures from this device show fixed-size framing: the
// sensor geometry implies an exact byte count per frame and the device ends
// each frame's transfer sequence with a short read. A header strategy
// (magic + declared length) is also supported behind the same state machine
// in case later captures show one; the choice is configuration, not a
// hard-coded assumption.
package framing

import (
	"bytes"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDesync: the byte stream lost alignment with frame boundaries. The
	// partial frame was discarded and the assembler is resynchronizing.
	ErrDesync = errors.New("framing: desync detected")
	// ErrResyncFailed: no recognizable boundary reappeared within the resync
	// window. The stream is unusable until Reset.
	ErrResyncFailed = errors.New("framing: resync window exhausted")
)

// State of the reassembly machine.
type State int

const (
	StateAwaitingFrame State = iota
	StateAccumulating
	StateResyncing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAwaitingFrame:
		return "awaiting-frame"
	case StateAccumulating:
		return "accumulating"
	case StateResyncing:
		return "resyncing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// HeaderSpec describes an explicit frame header, for protocol variants that
// delimit frames with one instead of fixed-size framing.
type HeaderSpec struct {
	// Magic begins every frame header.
	Magic []byte
	// LengthOffset is the byte offset of a little-endian uint32 payload
	// length within the header.
	LengthOffset int
	// HeaderLen is the total header size; the payload follows it.
	HeaderLen int
}

// Config fixes the frame geometry and boundary strategy for one stream.
type Config struct {
	Width         int
	Height        int
	BytesPerPixel int

	// Header selects header-delimited framing when non-nil; otherwise frames
	// are cut at exact geometry-implied byte counts.
	Header *HeaderSpec

	// SlackBytes tolerates up to this many trailing bytes at an
	// end-of-transfer boundary without declaring a desync. Covers devices
	// that pad transfers; zero for this camera.
	SlackBytes int

	// ResyncWindow bounds how many bytes may be dropped while searching for
	// a boundary before the stream is declared unrecoverable. Defaults to
	// four frames.
	ResyncWindow int

	// FirstSeq seeds the frame sequence counter, so a session that rebuilds
	// its assembler continues numbering instead of reusing sequence numbers.
	FirstSeq uint64
}

func (c Config) frameLen() int { return c.Width * c.Height * c.BytesPerPixel }

// Assembler consumes raw transfer chunks and produces frames. Chunks are
// copied on entry; the caller may reuse its transfer buffer immediately.
// Not safe for concurrent use: one stream, one goroutine.
type Assembler struct {
	cfg      Config
	frameLen int
	window   int

	state   State
	buf     []byte
	dropped int // bytes discarded in the current resync

	seq        uint64
	desyncs    uint64
	lastDesync error
}

func NewAssembler(cfg Config) (*Assembler, error) {
	if cfg.frameLen() <= 0 {
		return nil, fmt.Errorf("framing: invalid geometry %dx%dx%d", cfg.Width, cfg.Height, cfg.BytesPerPixel)
	}
	if cfg.Header != nil {
		h := cfg.Header
		if len(h.Magic) == 0 || h.HeaderLen < len(h.Magic) || h.LengthOffset+4 > h.HeaderLen {
			return nil, fmt.Errorf("framing: invalid header spec %+v", *h)
		}
	}
	window := cfg.ResyncWindow
	if window <= 0 {
		window = 4 * cfg.frameLen()
	}
	return &Assembler{
		cfg:      cfg,
		frameLen: cfg.frameLen(),
		window:   window,
		state:    StateAwaitingFrame,
		seq:      cfg.FirstSeq,
	}, nil
}

// State reports the current reassembly state.
func (a *Assembler) State() State { return a.state }

// Desyncs reports how many desync events have occurred since creation.
func (a *Assembler) Desyncs() uint64 { return a.desyncs }

// LastDesync describes what triggered the most recent desync, for
// diagnostics. Nil if none has occurred.
func (a *Assembler) LastDesync() error { return a.lastDesync }

// Pending reports how many accumulated bytes await a boundary.
func (a *Assembler) Pending() int { return len(a.buf) }

// Reset discards all accumulated state. Sequence numbers are preserved so a
// restarted stream never reuses one.
func (a *Assembler) Reset() {
	a.buf = a.buf[:0]
	a.dropped = 0
	a.state = StateAwaitingFrame
}

// Push feeds one raw transfer chunk. endOfTransfer marks the device's frame
// delimiter (a short bulk read). Zero-length chunks are legal and carry no
// data, but a zero-length short read still delimits.
//
// Frames cut before an error are valid; a call can return both frames and
// ErrDesync when corruption is detected at the trailing boundary.
func (a *Assembler) Push(chunk []byte, endOfTransfer bool) ([]*Frame, error) {
	switch a.state {
	case StateFailed:
		return nil, ErrResyncFailed
	case StateResyncing:
		return nil, a.resync(chunk, endOfTransfer)
	}

	if len(chunk) > 0 {
		a.buf = append(a.buf, chunk...)
		a.state = StateAccumulating
	}

	if a.cfg.Header != nil {
		return a.cutHeaderFrames(endOfTransfer)
	}
	return a.cutFixedFrames(endOfTransfer)
}

// cutFixedFrames slices the accumulation buffer into geometry-sized frames.
// A chunk spanning more than one frame yields several; over-read remainders
// carry into the next frame.
func (a *Assembler) cutFixedFrames(endOfTransfer bool) ([]*Frame, error) {
	var out []*Frame
	for len(a.buf) >= a.frameLen {
		out = append(out, a.cut(a.frameLen, 0))
	}
	if !endOfTransfer {
		return out, nil
	}
	// The device says the frame ended here. Anything still accumulated
	// beyond the slack tolerance means our boundaries have slipped.
	if len(a.buf) > a.cfg.SlackBytes {
		a.enterResync(fmt.Errorf("%d bytes left at frame boundary", len(a.buf)))
		return out, ErrDesync
	}
	a.buf = a.buf[:0]
	a.state = StateAwaitingFrame
	return out, nil
}

// cutHeaderFrames parses magic-delimited frames with declared lengths.
func (a *Assembler) cutHeaderFrames(endOfTransfer bool) ([]*Frame, error) {
	h := a.cfg.Header
	var out []*Frame
	for {
		if len(a.buf) < h.HeaderLen {
			break
		}
		if !bytes.HasPrefix(a.buf, h.Magic) {
			a.enterResync(fmt.Errorf("bad frame magic % x", a.buf[:len(h.Magic)]))
			return out, ErrDesync
		}
		declared := int(uint32(a.buf[h.LengthOffset]) |
			uint32(a.buf[h.LengthOffset+1])<<8 |
			uint32(a.buf[h.LengthOffset+2])<<16 |
			uint32(a.buf[h.LengthOffset+3])<<24)
		if declared != a.frameLen {
			// A geometry mismatch is corruption, not a format change:
			// geometry writes are rejected while streaming.
			a.enterResync(fmt.Errorf("declared length %d, geometry implies %d", declared, a.frameLen))
			return out, ErrDesync
		}
		if len(a.buf) < h.HeaderLen+declared {
			break
		}
		out = append(out, a.cut(declared, h.HeaderLen))
	}
	if endOfTransfer && len(a.buf) > a.cfg.SlackBytes {
		a.enterResync(fmt.Errorf("%d bytes left at frame boundary", len(a.buf)))
		return out, ErrDesync
	}
	if endOfTransfer {
		a.buf = a.buf[:0]
		a.state = StateAwaitingFrame
	}
	return out, nil
}

// cut copies one frame of length n (skipping skip prefix bytes) out of the
// buffer and compacts the remainder to the front.
func (a *Assembler) cut(n, skip int) *Frame {
	data := make([]byte, n)
	copy(data, a.buf[skip:skip+n])
	rem := a.buf[skip+n:]
	a.buf = a.buf[:copy(a.buf, rem)]
	f := &Frame{
		Width:         a.cfg.Width,
		Height:        a.cfg.Height,
		BytesPerPixel: a.cfg.BytesPerPixel,
		Seq:           a.seq,
		Timestamp:     time.Now(),
		Data:          data,
	}
	a.seq++
	return f
}

func (a *Assembler) enterResync(cause error) {
	a.desyncs++
	a.lastDesync = cause
	a.buf = a.buf[:0]
	a.dropped = 0
	a.state = StateResyncing
}

// resync drops chunks until a recognizable boundary reappears: the next
// end-of-transfer delimiter in fixed mode, the next magic in header mode.
func (a *Assembler) resync(chunk []byte, endOfTransfer bool) error {
	if a.cfg.Header != nil {
		a.buf = append(a.buf, chunk...)
		if i := bytes.Index(a.buf, a.cfg.Header.Magic); i >= 0 {
			a.dropped += i
			rem := a.buf[i:]
			a.buf = a.buf[:copy(a.buf, rem)]
			if a.dropped > a.window {
				a.state = StateFailed
				return ErrResyncFailed
			}
			a.state = StateAccumulating
			return nil
		}
		// Keep a magic-sized tail so a split magic is still found.
		keep := len(a.cfg.Header.Magic) - 1
		if len(a.buf) > keep {
			a.dropped += len(a.buf) - keep
			rem := a.buf[len(a.buf)-keep:]
			a.buf = a.buf[:copy(a.buf, rem)]
		}
		if a.dropped > a.window {
			a.state = StateFailed
			return ErrResyncFailed
		}
		return nil
	}

	a.dropped += len(chunk)
	if endOfTransfer {
		// A transfer boundary realigns fixed-size framing.
		a.dropped = 0
		a.state = StateAwaitingFrame
		return nil
	}
	if a.dropped > a.window {
		a.state = StateFailed
		return ErrResyncFailed
	}
	return nil
}
