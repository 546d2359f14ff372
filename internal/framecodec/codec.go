// Package framecodec decodes the multiplexed stdout/stderr/exit byte stream
// carried by a sandbox streaming exec connection, and encodes the plain
// binary frames used for writes in the other direction.
//
// The decoder is a pure function of (state, bytes) -> (state, frames,
// leftover): it never allocates per byte and keeps only a small scratch
// buffer for the channel currently being assembled.
package framecodec

// Kind identifies the logical channel a decoded Frame belongs to.
type Kind int

const (
	// KindStdout carries a chunk of standard output bytes.
	KindStdout Kind = iota
	// KindStderr carries a chunk of standard error bytes.
	KindStderr
	// KindExit carries the process exit code; it is always the last frame.
	KindExit
)

const (
	tagStdout = 1
	tagStderr = 2
	tagExit   = 3
)

// Frame is one decoded unit from the sandbox stream.
type Frame struct {
	Kind     Kind
	Data     []byte // set for KindStdout / KindStderr
	ExitCode int    // set for KindExit
}

type decoderState int

const (
	stateWaitingTag decoderState = iota
	stateInStdout
	stateInStderr
	stateWaitingExitByte
)

// Decoder reassembles tagged frames from an arbitrarily-chunked byte stream.
// A Decoder is not safe for concurrent use; each Agent Channel owns one.
type Decoder struct {
	state decoderState
	buf   []byte
}

// NewDecoder returns a Decoder ready to consume the start of a stream.
func NewDecoder() *Decoder {
	return &Decoder{state: stateWaitingTag}
}

// Feed processes the next chunk of bytes read from the transport and
// returns any complete frames it produced. A channel's accumulated bytes
// are flushed as a Frame at the end of every Feed call (even if no tag
// switch occurred), so that callers see output as soon as it arrives
// instead of waiting for the next tag byte. Zero-length accumulations are
// not emitted.
func (d *Decoder) Feed(data []byte) []Frame {
	var frames []Frame

	for _, b := range data {
		switch d.state {
		case stateWaitingTag:
			switch b {
			case tagStdout:
				d.state = stateInStdout
			case tagStderr:
				d.state = stateInStderr
			case tagExit:
				d.state = stateWaitingExitByte
			default:
				// Unrecognized tag byte: treat as a no-op resync point
				// rather than aborting the stream.
			}
		case stateWaitingExitByte:
			frames = append(frames, Frame{Kind: KindExit, ExitCode: int(b)})
			d.state = stateWaitingTag
		case stateInStdout, stateInStderr:
			if b == tagStdout || b == tagStderr || b == tagExit {
				frames = d.flush(frames)
				switch b {
				case tagStdout:
					d.state = stateInStdout
				case tagStderr:
					d.state = stateInStderr
				case tagExit:
					d.state = stateWaitingExitByte
				}
				continue
			}
			d.buf = append(d.buf, b)
		}
	}

	frames = d.flush(frames)
	return frames
}

// flush emits the current channel's accumulated bytes as a Frame, if any,
// and resets the scratch buffer.
func (d *Decoder) flush(frames []Frame) []Frame {
	if len(d.buf) == 0 {
		return frames
	}
	var kind Kind
	switch d.state {
	case stateInStdout:
		kind = KindStdout
	case stateInStderr:
		kind = KindStderr
	default:
		return frames
	}
	chunk := make([]byte, len(d.buf))
	copy(chunk, d.buf)
	d.buf = d.buf[:0]
	return append(frames, Frame{Kind: kind, Data: chunk})
}

// Interrupt is the single control byte written to signal an interrupt to
// the agent process.
const Interrupt byte = 0x03

// EncodeUserLine frames one user-turn JSON line for the write direction:
// the caller supplies the already-marshaled JSON payload (without a
// trailing newline); EncodeUserLine appends it.
func EncodeUserLine(jsonLine []byte) []byte {
	out := make([]byte, len(jsonLine)+1)
	copy(out, jsonLine)
	out[len(jsonLine)] = '\n'
	return out
}

// EncodeInterrupt returns the single-byte interrupt frame.
func EncodeInterrupt() []byte {
	return []byte{Interrupt}
}
