package framing

import "time"

// Frame is one complete sensor readout. Data is owned by the receiver; the
// assembler never writes into it after handing it out.
type Frame struct {
	Width         int
	Height        int
	BytesPerPixel int

	// Seq increases by one per assembled frame for the life of the
	// assembler, including across desync recoveries. Gaps seen by a consumer
	// are therefore always explicit drops, never renumbering.
	Seq uint64

	Timestamp time.Time

	Data []byte
}

// Len returns the expected byte length of a frame with this geometry.
func (f *Frame) Len() int { return f.Width * f.Height * f.BytesPerPixel }
