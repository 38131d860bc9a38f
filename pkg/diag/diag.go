// Package diag carries structured driver events out of the capture path.
//
// The wire protocol for this camera is reverse-engineered, so the driver
// reports what it observed (unexpected status bytes, desyncs, unverified
// register writes) rather than hiding it. Consumers that want more than the
// default log output can install their own Sink.
package diag

import (
	"log"
	"time"

	"github.com/google/uuid"
)

type Kind int

const (
	KindProtocolError Kind = iota
	KindUnverifiedRegister
	KindDesync
	KindResyncFailed
	KindFrameDropped
	KindEndpointReset
	KindTransportError
	KindFault
)

func (k Kind) String() string {
	switch k {
	case KindProtocolError:
		return "protocol-error"
	case KindUnverifiedRegister:
		return "unverified-register"
	case KindDesync:
		return "desync"
	case KindResyncFailed:
		return "resync-failed"
	case KindFrameDropped:
		return "frame-dropped"
	case KindEndpointReset:
		return "endpoint-reset"
	case KindTransportError:
		return "transport-error"
	case KindFault:
		return "fault"
	default:
		return "unknown"
	}
}

// Event is a single diagnostic observation. Session identifies the capture
// session that produced it so interleaved logs from multiple cameras can be
// told apart.
type Event struct {
	Session uuid.UUID
	Time    time.Time
	Kind    Kind
	Detail  string

	// Register address for register-related events, zero otherwise.
	Address uint16
}

type Sink interface {
	Post(Event)
}

// LogSink writes events through the standard logger.
type LogSink struct{}

func (LogSink) Post(e Event) {
	if e.Address != 0 {
		log.Printf("[%s] %s reg=0x%04x: %s", e.Session, e.Kind, e.Address, e.Detail)
		return
	}
	log.Printf("[%s] %s: %s", e.Session, e.Kind, e.Detail)
}

// ChanSink forwards events to a channel, dropping when the receiver lags.
// Used by the inspect tool to tail diagnostics without stalling capture.
type ChanSink struct {
	C chan Event
}

func NewChanSink(depth int) *ChanSink {
	return &ChanSink{C: make(chan Event, depth)}
}

func (s *ChanSink) Post(e Event) {
	select {
	case s.C <- e:
	default:
	}
}

// Tee posts each event to every sink.
type Tee []Sink

func (t Tee) Post(e Event) {
	for _, s := range t {
		s.Post(e)
	}
}
