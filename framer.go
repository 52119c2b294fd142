package modemtime

import "time"

// maxMsgSize bounds the length of a reassembled timecode line. Longer input
// is silently truncated; the line buffer never grows.
const maxMsgSize = 128

const lineTerminator = '\n'

// lineFramer reassembles terminator-delimited lines from the arbitrary
// fragments the raw device delivers. Control characters are stripped. The
// arrival instant of designated on-time bytes is captured: a terminator on
// an empty buffer is a tentative on-time mark, and the '*' and '#' marker
// bytes both timestamp and echo back to the line, since the services use
// their round trip to measure propagation delay.
type lineFramer struct {
	buf    [maxMsgSize]byte
	n      int
	tstamp time.Time // most recent on-time arrival estimate

	// echo forwards a marker byte back to the device, best effort.
	echo func(b byte)
	// emit delivers a complete line with the current on-time timestamp.
	emit func(line string, tstamp time.Time)
}

// reset discards the line in progress at the start of a call cycle.
func (f *lineFramer) reset() {
	f.n = 0
	f.tstamp = time.Time{}
}

// feed scans one raw chunk. Complete lines are emitted in order through the
// emit callback; marker bytes are echoed before any further byte is scanned.
func (f *lineFramer) feed(chunk []byte, arrival time.Time) {
	for _, b := range chunk {
		switch {
		case b == lineTerminator:
			if f.n == 0 {
				// Bare terminator: tentative on-time mark.
				f.tstamp = arrival
				continue
			}
			line := string(f.buf[:f.n])
			f.n = 0
			f.emit(line, f.tstamp)
		case b < 0x20 || b == 0x7f:
			// Other control bytes are dropped.
		default:
			if f.n < maxMsgSize {
				f.buf[f.n] = b
				f.n++
			}
			if b == '*' || b == '#' {
				f.tstamp = arrival
				if f.echo != nil {
					f.echo(b)
				}
			}
		}
	}
}
