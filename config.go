package toupcam

import (
	"context"
	"fmt"
	"time"
)

// Config returns a snapshot of the cached device configuration.
func (c *Camera) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// SetExposure sets the exposure time. Safe while streaming; the change
// takes effect on the next sensor readout without disturbing the frame
// stream. Values outside [MinExposure, MaxExposure] are rejected before
// any device I/O.
func (c *Camera) SetExposure(ctx context.Context, d time.Duration) error {
	if d < MinExposure || d > MaxExposure {
		return fmt.Errorf("%w: exposure %v (want %v..%v)", ErrOutOfRange, d, MinExposure, MaxExposure)
	}
	c.mu.Lock()
	if c.state == StateFaulted {
		c.mu.Unlock()
		return ErrFaulted
	}
	live := c.state == StateStreaming || c.state == StateStarting
	c.mu.Unlock()

	if live {
		if err := c.writeExposureRegs(ctx, exposureFine, coarseExposureUnits(d)); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.cfg.Exposure = d
	c.mu.Unlock()
	return nil
}

// SetGain sets the analog gain code, 0 through 255. Like exposure it is
// safe while streaming. The code-to-dB curve is not known; higher is more.
func (c *Camera) SetGain(ctx context.Context, code int) error {
	if code < 0 || code > maxGainCode {
		return fmt.Errorf("%w: gain code %d (want 0..%d)", ErrOutOfRange, code, maxGainCode)
	}
	c.mu.Lock()
	if c.state == StateFaulted {
		c.mu.Unlock()
		return ErrFaulted
	}
	live := c.state == StateStreaming || c.state == StateStarting
	c.mu.Unlock()

	if live {
		if err := c.writeGainReg(ctx, code); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.cfg.GainCode = code
	c.mu.Unlock()
	return nil
}

// SetMode selects the readout mode for the next stream. Geometry changes
// resize every buffer in the pipeline, so they are refused while streaming;
// no device I/O happens here, the mode is applied by the next Start.
func (c *Camera) SetMode(m Mode) error {
	if !m.valid() {
		return fmt.Errorf("%w: mode %d", ErrOutOfRange, m)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateFaulted:
		return ErrFaulted
	case StateIdle:
	default:
		return ErrBusyStreaming
	}
	c.cfg.Mode = m
	return nil
}

// SetResolution is SetMode keyed by exact frame geometry, for callers that
// think in pixels rather than modes.
func (c *Camera) SetResolution(width, height int) error {
	m, ok := ModeFor(width, height)
	if !ok {
		return fmt.Errorf("%w: no readout mode is %dx%d", ErrOutOfRange, width, height)
	}
	return c.SetMode(m)
}

// SetBitDepth selects the sample depth for the next stream. Refused while
// streaming for the same reason as SetMode: it changes the frame byte count.
func (c *Camera) SetBitDepth(d BitDepth) error {
	if !d.valid() {
		return fmt.Errorf("%w: bit depth %d", ErrOutOfRange, d)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateFaulted:
		return ErrFaulted
	case StateIdle:
	default:
		return ErrBusyStreaming
	}
	c.cfg.Depth = d
	return nil
}
