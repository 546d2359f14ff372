package eventparser

// Assembler buffers stdout bytes until a newline is observed, then parses
// each complete line through Parse. It is the glue between the Frame
// Codec's stdout chunks and this package's line parser; stderr and raw
// passthrough are the caller's concern (see agentchannel).
type Assembler struct {
	buf []byte
}

// NewAssembler returns an empty Assembler.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// Feed appends a stdout chunk and returns the events parsed from any
// complete lines it closed off. Partial trailing text is retained for the
// next call.
func (a *Assembler) Feed(chunk []byte) []Event {
	if len(chunk) == 0 {
		return nil
	}
	a.buf = append(a.buf, chunk...)

	var events []Event
	for {
		idx := indexByte(a.buf, '\n')
		if idx < 0 {
			break
		}
		line := a.buf[:idx]
		events = append(events, Parse(line))
		a.buf = a.buf[idx+1:]
	}
	return events
}

// Pending returns the unterminated trailing bytes buffered so far, without
// consuming them.
func (a *Assembler) Pending() []byte {
	return a.buf
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
