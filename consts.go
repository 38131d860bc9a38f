package toupcam

// USB identity of the camera. Enumeration by VID/PID happens in Open; a
// collaborator that already holds an open descriptor uses WrapFD instead.
const (
	VendorID  uint16 = 0x0547
	ProductID uint16 = 0x3016
)

const (
	// interfaceNumber is the single vendor-specific interface.
	interfaceNumber uint8 = 0
	// configurationValue is the only configuration the device exposes.
	configurationValue = 1
	// streamEndpoint carries the bulk video stream.
	streamEndpoint uint8 = 0x81
	// chunkLen is the bulk read size. Matches the largest transfer the
	// stock software issues; the device ends each frame with a short read.
	chunkLen = 0x40000
)

// Mode selects the sensor readout resolution.
type Mode int

const (
	// Mode0 is the full 16 MP sensor readout.
	Mode0 Mode = iota
	// Mode1 is 2x2 binned readout, the stock software's default.
	Mode1
	// Mode2 is 3x3 binned readout.
	Mode2
)

// Dimensions returns the frame geometry for the mode.
func (m Mode) Dimensions() (width, height int) {
	switch m {
	case Mode0:
		return 4632, 3488
	case Mode1:
		return 2320, 1740
	case Mode2:
		return 1536, 1160
	default:
		return 0, 0
	}
}

func (m Mode) valid() bool { return m >= Mode0 && m <= Mode2 }

// ModeFor maps an exact frame geometry back to its readout mode.
func ModeFor(width, height int) (Mode, bool) {
	for m := Mode0; m <= Mode2; m++ {
		w, h := m.Dimensions()
		if w == width && h == height {
			return m, true
		}
	}
	return 0, false
}

// BitDepth is the raw sample depth.
type BitDepth int

const (
	Depth8 BitDepth = iota
	Depth12
)

// BytesPerPixel returns the wire size of one sample.
func (d BitDepth) BytesPerPixel() int {
	if d == Depth12 {
		return 2
	}
	return 1
}

func (d BitDepth) valid() bool { return d == Depth8 || d == Depth12 }

// StreamState is the capture session lifecycle.
type StreamState int32

const (
	StateIdle StreamState = iota
	StateStarting
	StateStreaming
	StateStopping
	StateFaulted
)

func (s StreamState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}
