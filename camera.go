package toupcam

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kevmo314/go-toupcam/pkg/diag"
	"github.com/kevmo314/go-toupcam/pkg/framing"
	"github.com/kevmo314/go-toupcam/pkg/transport"
)

// Start configures the sensor and begins streaming. ctx bounds the setup
// control transfers only; the stream itself runs until Stop, a fault, or
// Close. Frames() delivers completed frames in strict sequence order.
//
// The session moves Idle -> Starting immediately and Starting -> Streaming
// when the first complete frame arrives; the first sensor readout after
// init is typically truncated and is absorbed as a resync, not an error.
func (c *Camera) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
	case StateFaulted:
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrFaulted, c.faultCause)
	default:
		c.mu.Unlock()
		return ErrNotIdle
	}
	c.state = StateStarting
	runCtx, cancel := context.WithCancel(context.Background())
	c.stop = cancel
	c.done = make(chan struct{})
	c.frames = make(chan *framing.Frame, c.opts.QueueDepth)
	cfg := c.cfg
	c.mu.Unlock()

	if err := c.startup(ctx, cfg); err != nil {
		cancel()
		close(c.done)
		c.mu.Lock()
		close(c.frames)
		if errors.Is(err, transport.ErrDeviceGone) {
			c.state = StateFaulted
			c.faultCause = err
			c.cfg.Valid = false
		} else if c.state == StateStarting || c.state == StateStopping {
			c.state = StateIdle
		}
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	firstSeq := c.nextSeq
	c.mu.Unlock()
	w, h := cfg.Mode.Dimensions()
	asm, err := framing.NewAssembler(framing.Config{
		Width:         w,
		Height:        h,
		BytesPerPixel: cfg.Depth.BytesPerPixel(),
		FirstSeq:      firstSeq,
	})
	if err != nil {
		cancel()
		close(c.done)
		_ = c.tr.Release()
		c.mu.Lock()
		close(c.frames)
		c.state = StateIdle
		c.mu.Unlock()
		return err
	}

	go c.readLoop(runCtx, asm)
	return nil
}

func (c *Camera) startup(ctx context.Context, cfg Config) error {
	if err := c.tr.Claim(); err != nil {
		return fmt.Errorf("toupcam: claim interface: %w", err)
	}
	if err := c.startSequence(ctx, cfg); err != nil {
		_ = c.tr.Release()
		return err
	}
	return nil
}

// Frames returns the delivery channel for the current stream. It is closed
// when the stream ends, whether by Stop or by a fault; after a fault, Err
// explains why. Nil before the first Start.
func (c *Camera) Frames() <-chan *framing.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

// Stop cancels the stream, drains the read loop, and winds the device down.
// No frame is delivered after Stop returns. Returns promptly even when the
// device has gone quiet: cancellation unblocks the in-flight bulk read
// within the transport's timeout slice.
func (c *Camera) Stop() error {
	c.mu.Lock()
	if c.state != StateStreaming && c.state != StateStarting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateStopping
	stop, done := c.stop, c.done
	c.mu.Unlock()

	stop()
	<-done

	// Wind-down is best-effort: a device that faulted mid-drain will not
	// answer, and that is fine.
	ctx, cancel := context.WithTimeout(context.Background(), 2*c.tr.Timeout())
	defer cancel()
	if err := c.stopSequence(ctx); err != nil {
		c.sink.Post(diag.Event{
			Session: c.session,
			Time:    time.Now(),
			Kind:    diag.KindTransportError,
			Detail:  fmt.Sprintf("stop sequence: %v", err),
		})
	}
	_ = c.tr.Release()

	c.mu.Lock()
	if c.state == StateStopping {
		c.state = StateIdle
	}
	c.mu.Unlock()
	return nil
}

// readLoop is the dedicated streaming context: it blocks on bulk reads,
// feeds the reassembler, and delivers frames until cancelled or faulted.
func (c *Camera) readLoop(ctx context.Context, asm *framing.Assembler) {
	defer close(c.done)
	defer func() {
		c.mu.Lock()
		frames := c.frames
		c.mu.Unlock()
		close(frames)
	}()

	buf := make([]byte, chunkLen)
	var transients []time.Time

	for {
		if ctx.Err() != nil {
			return
		}
		n, err := c.tr.ReadBulk(ctx, buf)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return
			case errors.Is(err, transport.ErrDeviceGone):
				c.fault(err)
				return
			case errors.Is(err, transport.ErrStalled):
				c.sink.Post(diag.Event{
					Session: c.session, Time: time.Now(),
					Kind: diag.KindEndpointReset, Detail: err.Error(),
				})
				if rerr := c.tr.ResetEndpoint(); rerr != nil && errors.Is(rerr, transport.ErrDeviceGone) {
					c.fault(rerr)
					return
				}
				if c.recordTransient(&transients, err) {
					return
				}
			default:
				// Timeouts and anything unclassified: transient until the
				// sliding window says otherwise.
				if c.recordTransient(&transients, err) {
					return
				}
			}
			continue
		}

		frames, ferr := asm.Push(buf[:n], n < len(buf))
		for _, f := range frames {
			c.deliver(f)
		}
		if ferr == nil {
			continue
		}
		if errors.Is(ferr, framing.ErrResyncFailed) {
			c.sink.Post(diag.Event{
				Session: c.session, Time: time.Now(),
				Kind: diag.KindResyncFailed, Detail: fmt.Sprintf("after %d desyncs", asm.Desyncs()),
			})
			c.fault(ferr)
			return
		}
		c.sink.Post(diag.Event{
			Session: c.session, Time: time.Now(),
			Kind: diag.KindDesync, Detail: fmt.Sprintf("%v", asm.LastDesync()),
		})
		if c.recordTransient(&transients, ferr) {
			return
		}
	}
}

// recordTransient notes one recoverable error and faults the session when
// the sliding window fills. Reports true when the caller should stop.
func (c *Camera) recordTransient(events *[]time.Time, cause error) bool {
	now := time.Now()
	kept := (*events)[:0]
	for _, t := range *events {
		if now.Sub(t) <= c.opts.FaultWindow {
			kept = append(kept, t)
		}
	}
	*events = append(kept, now)
	if len(*events) > c.opts.FaultThreshold {
		c.fault(fmt.Errorf("toupcam: %d transient errors in %v, last: %w",
			len(*events), c.opts.FaultWindow, cause))
		return true
	}
	return false
}

// deliver hands one frame to the consumer, dropping the oldest queued frame
// instead of blocking when the consumer lags.
func (c *Camera) deliver(f *framing.Frame) {
	c.mu.Lock()
	if c.state == StateStarting {
		c.state = StateStreaming
	}
	c.nextSeq = f.Seq + 1
	ch := c.frames
	c.mu.Unlock()

	select {
	case ch <- f:
		return
	default:
	}
	select {
	case old := <-ch:
		c.dropped.Add(1)
		c.sink.Post(diag.Event{
			Session: c.session, Time: time.Now(),
			Kind: diag.KindFrameDropped, Detail: fmt.Sprintf("seq %d (consumer lagging)", old.Seq),
		})
	default:
	}
	select {
	case ch <- f:
	default:
		// The consumer raced a slot away again; drop the new frame rather
		// than loop.
		c.dropped.Add(1)
		c.sink.Post(diag.Event{
			Session: c.session, Time: time.Now(),
			Kind: diag.KindFrameDropped, Detail: fmt.Sprintf("seq %d (consumer lagging)", f.Seq),
		})
	}
}

// fault parks the session. Only a fresh Open recovers; the cached config is
// invalidated because a wedged or re-enumerated device forgets it.
func (c *Camera) fault(cause error) {
	c.mu.Lock()
	c.state = StateFaulted
	c.faultCause = cause
	c.cfg.Valid = false
	c.mu.Unlock()
	c.sink.Post(diag.Event{
		Session: c.session, Time: time.Now(),
		Kind: diag.KindFault, Detail: cause.Error(),
	})
	_ = c.tr.Release()
}
