package toupcam

import (
	"context"
	"fmt"
	"time"

	"github.com/kevmo314/go-toupcam/pkg/registers"
)

// The init sequences below replay USB captures of the stock software. Most
// register meanings are unknown; ordering and the interleaved delays are
// load-bearing (reordering experiments wedge the sensor until power cycle).
// Change them only against fresh captures.

const (
	// exposureLine is the sensor line period implied by the capture pairs
	// 94ms<->0x0cbd and 150ms<->0x144e in the coarse exposure register.
	exposureLine = 28826 * time.Nanosecond

	// exposureFine is the only fine-exposure value the stock software uses
	// during streaming; what the register scales is still unknown.
	exposureFine uint16 = 0x000a

	// Analog gain lives in the low byte of 0x1061; the stock software never
	// varies the 0x61 high byte.
	gainBase    uint16 = 0x6100
	maxGainCode        = 0xff

	defaultExposure = 94 * time.Millisecond
	defaultGainCode = 0x0c
)

// MinExposure and MaxExposure bound SetExposure: one line period up to the
// coarse register's positive range.
const (
	MinExposure = exposureLine
	MaxExposure = 0x7fff * exposureLine
)

// modeProgram carries the per-mode register values. Only Mode1 is fully
// confirmed by captures; Mode0's window values appear in the first init
// pass, and Mode2 reuses Mode1's until captured separately.
type modeProgram struct {
	windowH uint16 // 0x1004
	windowV uint16 // 0x1006
	timing  uint16 // 0x8000 after init
	readout uint16 // 0x2000 after init
	clock   uint16 // 0x1200 after init
}

func (m Mode) program() modeProgram {
	switch m {
	case Mode0:
		return modeProgram{windowH: 0x0087, windowV: 0x1104, timing: 0x09b0, readout: 0x0000, clock: 0x0003}
	case Mode2:
		return modeProgram{windowH: 0x0083, windowV: 0x11dc, timing: 0x060c, readout: 0x0001, clock: 0x0003}
	default:
		return modeProgram{windowH: 0x0083, windowV: 0x11dc, timing: 0x060c, readout: 0x0001, clock: 0x0003}
	}
}

func (d BitDepth) regValue() uint16 {
	if d == Depth12 {
		return 0x0001
	}
	return 0x0000
}

// coarseExposureUnits converts an exposure duration to line periods.
func coarseExposureUnits(d time.Duration) uint16 {
	return uint16(d.Nanoseconds() / exposureLine.Nanoseconds())
}

// startSequence brings the sensor out of standby and opens the stream.
// After it returns, frames are readable from the bulk endpoint.
func (c *Camera) startSequence(ctx context.Context, cfg Config) error {
	seed, err := c.codec.ReadScrambleSeed(ctx)
	if err != nil {
		return err
	}
	if seed != 0 {
		// Every capture shows zero. A scrambled stream would decode to
		// garbage, so refuse rather than deliver noise.
		return fmt.Errorf("toupcam: scramble seed 0x%04x: %w", seed, registers.ErrUnexpectedResponse)
	}
	if err := c.codec.StreamEnable(ctx, 0x0001); err != nil {
		return err
	}
	for _, sel := range []uint16{0xffff, 0xffff, 0xfeff, 0xfeff} {
		if _, err := c.codec.ReadStatus(ctx, sel); err != nil {
			return err
		}
	}
	if err := c.sensorInit(ctx, cfg); err != nil {
		return err
	}
	if err := c.codec.StreamEnable(ctx, 0x0003); err != nil {
		return err
	}
	return sleep(ctx, 10*time.Millisecond)
}

// stopSequence parks the sensor and closes the stream.
func (c *Camera) stopSequence(ctx context.Context) error {
	if err := c.codec.WriteRegister(ctx, registers.RegStreamGate, 0x0000); err != nil {
		return err
	}
	if err := c.codec.WriteRegister(ctx, registers.RegSensorCtrl, 0x0000); err != nil {
		return err
	}
	if err := c.codec.StreamEnable(ctx, 0x0000); err != nil {
		return err
	}
	if err := c.codec.ReadStopHandshake(ctx); err != nil {
		return err
	}
	return sleep(ctx, 10*time.Millisecond)
}

// sensorInit replays the capture's two-pass sensor program. The first pass
// always carries the full-frame window values, the second the selected
// mode's; collapsing them into one pass leaves the sensor streaming black.
func (c *Camera) sensorInit(ctx context.Context, cfg Config) error {
	depth := cfg.Depth.regValue()
	prog := cfg.Mode.program()

	if err := c.writeAll(ctx, []regWrite{
		{registers.RegBitDepth, depth},
		{registers.RegTiming, 0x09b0},
	}); err != nil {
		return err
	}
	if err := c.writeExposureRegs(ctx, 0x0637, 0x0e24); err != nil {
		return err
	}

	if err := c.sensorProgram(ctx, Mode0.program()); err != nil {
		return err
	}

	if err := c.writeAll(ctx, []regWrite{
		{registers.RegSensorClock, 0x0001},
	}); err != nil {
		return err
	}
	if err := sleep(ctx, 20*time.Millisecond); err != nil {
		return err
	}
	if err := c.writeAll(ctx, []regWrite{
		{registers.RegReadoutMode, 0x0000},
		{registers.RegSensorClock, 0x0002},
	}); err != nil {
		return err
	}
	if err := sleep(ctx, 20*time.Millisecond); err != nil {
		return err
	}
	if err := c.writeAll(ctx, []regWrite{
		{registers.RegBitDepth, depth},
		{registers.RegStreamGate, 0x0001},
	}); err != nil {
		return err
	}
	if err := sleep(ctx, 20*time.Millisecond); err != nil {
		return err
	}
	if err := c.codec.WriteRegister(ctx, registers.RegStreamGate, 0x0000); err != nil {
		return err
	}
	if err := sleep(ctx, 20*time.Millisecond); err != nil {
		return err
	}

	if err := c.sensorProgram(ctx, prog); err != nil {
		return err
	}

	if err := c.writeAll(ctx, []regWrite{
		{0x103b, 0x0000},
		{registers.RegReadoutMode, prog.readout},
		{registers.RegSensorClock, prog.clock},
	}); err != nil {
		return err
	}
	if err := sleep(ctx, 10*time.Millisecond); err != nil {
		return err
	}
	if err := c.codec.WriteRegister(ctx, registers.RegTiming, prog.timing); err != nil {
		return err
	}

	coarse := coarseExposureUnits(cfg.Exposure)
	if err := c.writeExposureRegs(ctx, exposureFine, coarse); err != nil {
		return err
	}
	if err := c.codec.WriteRegister(ctx, registers.RegStreamGate, 0x0001); err != nil {
		return err
	}
	// The capture repeats the exposure write after opening the gate.
	if err := c.writeExposureRegs(ctx, exposureFine, coarse); err != nil {
		return err
	}
	return c.writeGainReg(ctx, cfg.GainCode)
}

// sensorProgram writes one pass of the sensor register block.
func (c *Camera) sensorProgram(ctx context.Context, prog modeProgram) error {
	if err := c.writeAll(ctx, []regWrite{
		{0x1008, 0x4299},
		{0x100f, 0x7fff},
		{0x1001, 0x0030},
		{0x1002, 0x0003},
		{0x1003, 0x07e9},
		{registers.RegSensorCtrl, 0x0003},
		{0x1004, prog.windowH},
		{0x1006, prog.windowV},
		{0x1009, 0x02c0},
		{0x1005, 0x0001},
		{0x1007, 0x7fff},
		{0x100a, 0x0000},
		{0x100b, 0x0100},
		{0x100c, 0x0000},
		{0x100d, 0x2090},
		{0x100e, 0x0103},
		{0x1010, 0x0000},
		{0x1011, 0x0000},
	}); err != nil {
		return err
	}
	if err := sleep(ctx, 5*time.Millisecond); err != nil {
		return err
	}
	if err := c.writeAll(ctx, []regWrite{
		{registers.RegSensorCtrl, 0x0053},
		{0x1008, 0x0298},
	}); err != nil {
		return err
	}
	return sleep(ctx, 5*time.Millisecond)
}

// writeExposureRegs writes the four-register exposure group.
func (c *Camera) writeExposureRegs(ctx context.Context, fine, coarse uint16) error {
	return c.writeAll(ctx, []regWrite{
		{registers.RegExposureHigh, 0x0000},
		{registers.RegExposureLow, fine},
		{registers.RegExposureBank, 0x0000},
		{registers.RegExposureCoarse, coarse},
	})
}

func (c *Camera) writeGainReg(ctx context.Context, code int) error {
	return c.codec.WriteRegister(ctx, registers.RegAnalogGain, gainBase|uint16(code))
}

type regWrite struct {
	addr  uint16
	value uint16
}

func (c *Camera) writeAll(ctx context.Context, writes []regWrite) error {
	for _, w := range writes {
		if err := c.codec.WriteRegister(ctx, w.addr, w.value); err != nil {
			return err
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
