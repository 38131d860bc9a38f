package toupcam

import "errors"

var (
	// ErrOutOfRange: a configuration value falls outside the known-safe
	// range. Returned before any device I/O.
	ErrOutOfRange = errors.New("toupcam: value out of range")
	// ErrBusyStreaming: a geometry-affecting change was requested while the
	// stream is running. Stop first.
	ErrBusyStreaming = errors.New("toupcam: busy streaming")
	// ErrFaulted: the session hit an unrecoverable fault; only a fresh
	// open can recover. Err() carries the cause.
	ErrFaulted = errors.New("toupcam: session faulted")
	// ErrNotIdle: Start was called while a stream is already running or
	// winding down.
	ErrNotIdle = errors.New("toupcam: session not idle")
)
