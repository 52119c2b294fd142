package modemtime

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// errBadReply is returned when a line matched a recognized message length
// but failed field extraction.
var errBadReply = errors.New("bad timecode reply")

// LeapIndicator describes a pending leap-second adjustment or the
// synchronization health reported by the time service.
type LeapIndicator int

const (
	// LeapNone indicates no pending leap second
	LeapNone LeapIndicator = iota
	// LeapAddSecond indicates a second will be inserted at the end of the month
	LeapAddSecond
	// LeapDelSecond indicates a second will be deleted at the end of the month
	LeapDelSecond
	// LeapNotInSync indicates the source itself is unsynchronized
	LeapNotInSync
)

// String returns a human-readable representation of the leap indicator.
func (l LeapIndicator) String() string {
	switch l {
	case LeapNone:
		return "None"
	case LeapAddSecond:
		return "AddSecond"
	case LeapDelSecond:
		return "DelSecond"
	case LeapNotInSync:
		return "NotInSync"
	default:
		return "Unknown"
	}
}

// Reference identifiers, one per time service.
const (
	RefNIST       = "NIST"
	RefUSNO       = "USNO"
	RefPTB        = "PTB"
	RefSpectracom = "GPS"
)

// Recognized message lengths. The services are transparent on the wire and
// are told apart solely by the length of the timecode line.
const (
	lenMarker      = 1  // lone on-time marker (USNO)
	lenUSNO        = 20 // USNO: "jjjjj nnn hhmmss UTC"
	lenSpectracom0 = 22 // Spectracom format 0: "I  ddd hh:mm:ss DTZ=nn"
	lenSpectracom2 = 24 // Spectracom format 2: "IQyy ddd hh:mm:ss.mmm LD"
	lenNIST        = 50 // NIST format A
	lenPTB         = 78 // PTB/NPL format
)

// TimeSample is one canonical time reading handed to the clock filter.
type TimeSample struct {
	// Year is the full four-digit year; 0 when the wire format carries none
	// and the finalizing code stamps the current year.
	Year int
	// Yday is the day of year, 1..366
	Yday int
	// Hour, Minute, Second hold the time of day
	Hour   int
	Minute int
	Second int
	// Nsec is the sub-second part in nanoseconds
	Nsec int
	// Leap is the leap/sync indicator transmitted by the service
	Leap LeapIndicator
	// RefID identifies the originating service
	RefID string
	// Code is the raw timecode line that finalized the sample
	Code string
	// Timestamp is the on-time marker arrival instant
	Timestamp time.Time
}

type timecodeFormat int

const (
	fmtMarker timecodeFormat = iota
	fmtNIST
	fmtUSNO
	fmtPTB
	fmtSpectracom0
	fmtSpectracom2
)

// timecode holds the fields extracted from a single line, before the
// session applies its per-format finalization policy.
type timecode struct {
	format timecodeFormat
	year   int // 0 when the format carries no year
	yday   int
	hour   int
	minute int
	second int
	nsec   int
	leap   LeapIndicator
	refID  string
	flag   byte // NIST on-time flag character
}

// parseTimecode dispatches on the line length and extracts the canonical
// fields. It returns (nil, nil) for lengths that match no recognized format;
// such lines are line noise, not errors. A recognized length that fails
// field extraction yields errBadReply. The wall clock is needed only to
// resolve two-digit years.
func parseTimecode(line string, now time.Time) (*timecode, error) {
	switch len(line) {
	case lenMarker:
		if line[0] != '*' {
			return nil, nil
		}
		return &timecode{format: fmtMarker}, nil
	case lenNIST:
		return parseNIST(line, now)
	case lenUSNO:
		return parseUSNO(line)
	case lenPTB:
		return parsePTB(line)
	case lenSpectracom0:
		return parseSpectracom0(line)
	case lenSpectracom2:
		return parseSpectracom2(line, now)
	default:
		return nil, nil
	}
}

// parseNIST handles format A:
//
//	jjjjj yy-mm-dd hh:mm:ss ds l uuu aaaaa UTC(NIST) *
//
// MJD, DST, DUT1 and the transmit advance are validated but not used.
func parseNIST(line string, now time.Time) (*timecode, error) {
	f := strings.Fields(line)
	if len(f) != 9 {
		return nil, errBadReply
	}
	if _, ok := digits(f[0], 5); !ok { // MJD, unused
		return nil, errBadReply
	}
	yy, month, day, ok := dashDate(f[1])
	if !ok {
		return nil, errBadReply
	}
	hour, minute, second, ok := colonClock(f[2])
	if !ok {
		return nil, errBadReply
	}
	if _, ok := digits(f[3], 0); !ok { // DST code, unused
		return nil, errBadReply
	}
	leapNum, ok := digits(f[4], 1)
	if !ok {
		return nil, errBadReply
	}
	if _, err := strconv.ParseFloat(f[5], 64); err != nil { // DUT1, unused
		return nil, errBadReply
	}
	if _, err := strconv.ParseFloat(f[6], 64); err != nil { // msADV, unused
		return nil, errBadReply
	}
	if len(f[7]) == 0 || len(f[7]) > 9 { // timescale label
		return nil, errBadReply
	}
	if len(f[8]) != 1 { // on-time flag character
		return nil, errBadReply
	}
	year := resolveYear(yy, now)
	yday, ok := yearDay(year, month, day)
	if !ok {
		return nil, errBadReply
	}
	leap := LeapNone
	switch leapNum {
	case 1:
		leap = LeapAddSecond
	case 2:
		leap = LeapDelSecond
	}
	return &timecode{
		format: fmtNIST,
		year:   year,
		yday:   yday,
		hour:   hour,
		minute: minute,
		second: second,
		leap:   leap,
		refID:  RefNIST,
		flag:   f[8][0],
	}, nil
}

// parseUSNO handles: "jjjjj nnn hhmmss UTC". The format carries neither a
// year nor leap information, and its on-time marker follows on a separate
// line, so finalization is deferred by the caller.
func parseUSNO(line string) (*timecode, error) {
	f := strings.Fields(line)
	if len(f) != 4 {
		return nil, errBadReply
	}
	if _, ok := digits(f[0], 5); !ok { // MJD, unused
		return nil, errBadReply
	}
	yday, ok := digits(f[1], 0)
	if !ok || yday < 1 || yday > 366 {
		return nil, errBadReply
	}
	hms, ok := digits(f[2], 6)
	if !ok {
		return nil, errBadReply
	}
	hour, minute, second := hms/10000, hms/100%100, hms%100
	if !clockValid(hour, minute, second) {
		return nil, errBadReply
	}
	if f[3] == "" { // timescale label
		return nil, errBadReply
	}
	return &timecode{
		format: fmtUSNO,
		yday:   yday,
		hour:   hour,
		minute: minute,
		second: second,
		leap:   LeapNone,
		refID:  RefUSNO,
	}, nil
}

// parsePTB handles the European services (PTB, NPL, ...). The line leads
// with a local-time representation and a timezone label; the authoritative
// UTC fields sit in a fixed-column block further in:
//
//	yyyy-mm-dd hh:mm:ss LLLLLxxxxxxxxxxxxYYYYMMDDHHMMjjjjjuuDnnaaa...f
//
// columns 37.. carry UTC year, month, day, hour and minute; the second is
// shared with the leading local time. A leap second is announced by a
// direction character and the month it applies to.
func parsePTB(line string) (*timecode, error) {
	if !dateShape(line[0:10]) {
		return nil, errBadReply
	}
	if line[10] != ' ' || line[19] != ' ' {
		return nil, errBadReply
	}
	_, _, second, ok := colonClock(line[11:19])
	if !ok {
		return nil, errBadReply
	}
	year, ok := digits(line[37:41], 4)
	if !ok {
		return nil, errBadReply
	}
	month, ok := digits(line[41:43], 2)
	if !ok {
		return nil, errBadReply
	}
	day, ok := digits(line[43:45], 2)
	if !ok {
		return nil, errBadReply
	}
	hour, ok := digits(line[45:47], 2)
	if !ok {
		return nil, errBadReply
	}
	minute, ok := digits(line[47:49], 2)
	if !ok {
		return nil, errBadReply
	}
	if _, ok := digits(line[49:54], 5); !ok { // MJD, unused
		return nil, errBadReply
	}
	if !signedDigit(line[54:56]) { // DUT1, unused
		return nil, errBadReply
	}
	leapDir := line[56]
	leapMonth, ok := digits(line[57:59], 2)
	if !ok {
		return nil, errBadReply
	}
	if _, ok := digits(line[59:62], 3); !ok { // transmit advance, unused
		return nil, errBadReply
	}
	if !clockValid(hour, minute, second) {
		return nil, errBadReply
	}
	yday, ok := yearDay(year, month, day)
	if !ok {
		return nil, errBadReply
	}
	leap := LeapNone
	if leapMonth == month {
		switch leapDir {
		case '+':
			leap = LeapAddSecond
		case '-':
			leap = LeapDelSecond
		}
	}
	return &timecode{
		format: fmtPTB,
		year:   year,
		yday:   yday,
		hour:   hour,
		minute: minute,
		second: second,
		leap:   leap,
		refID:  RefPTB,
	}, nil
}

// parseSpectracom0 handles format 0: "I  ddd hh:mm:ss DTZ=nn". The sync
// character is blank when the receiver is locked. No year is transmitted.
func parseSpectracom0(line string) (*timecode, error) {
	if line[1] != ' ' || line[2] != ' ' || line[6] != ' ' || line[15] != ' ' {
		return nil, errBadReply
	}
	if line[17:20] != "TZ=" {
		return nil, errBadReply
	}
	yday, ok := digits(strings.TrimLeft(line[3:6], " "), 0)
	if !ok || yday < 1 || yday > 366 {
		return nil, errBadReply
	}
	hour, minute, second, ok := colonClock(line[7:15])
	if !ok {
		return nil, errBadReply
	}
	if _, ok := digits(line[20:22], 2); !ok { // timezone offset, unused
		return nil, errBadReply
	}
	leap := LeapNone
	if line[0] != ' ' {
		leap = LeapNotInSync
	}
	return &timecode{
		format: fmtSpectracom0,
		yday:   yday,
		hour:   hour,
		minute: minute,
		second: second,
		leap:   leap,
		refID:  RefSpectracom,
	}, nil
}

// parseSpectracom2 handles format 2: "IQyy ddd hh:mm:ss.mmm LD". The
// millisecond field is scaled to nanoseconds; 'L' announces an insertion.
func parseSpectracom2(line string, now time.Time) (*timecode, error) {
	if line[4] != ' ' || line[8] != ' ' || line[17] != '.' {
		return nil, errBadReply
	}
	yy, ok := digits(line[2:4], 2)
	if !ok {
		return nil, errBadReply
	}
	yday, ok := digits(line[5:8], 3)
	if !ok || yday < 1 || yday > 366 {
		return nil, errBadReply
	}
	hour, minute, second, ok := colonClock(line[9:17])
	if !ok {
		return nil, errBadReply
	}
	msec, ok := digits(line[18:21], 3)
	if !ok {
		return nil, errBadReply
	}
	leap := LeapNone
	if line[0] != ' ' {
		leap = LeapNotInSync
	} else if line[22] == 'L' {
		leap = LeapAddSecond
	}
	return &timecode{
		format: fmtSpectracom2,
		year:   resolveYear(yy, now),
		yday:   yday,
		hour:   hour,
		minute: minute,
		second: second,
		nsec:   msec * 1000000,
		leap:   leap,
		refID:  RefSpectracom,
	}, nil
}

// digits parses an all-ASCII-digit string. A non-zero width requires that
// exact length; width 0 accepts any non-empty length.
func digits(s string, width int) (int, bool) {
	if len(s) == 0 || (width != 0 && len(s) != width) {
		return 0, false
	}
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
		n = n*10 + int(s[i]-'0')
	}
	return n, true
}

// signedDigit reports whether s is a sign-or-digit followed by a digit,
// the shape of the PTB DUT1 field.
func signedDigit(s string) bool {
	if len(s) != 2 {
		return false
	}
	if s[0] != '+' && s[0] != '-' && (s[0] < '0' || s[0] > '9') {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

// dashDate extracts "yy-mm-dd".
func dashDate(s string) (yy, month, day int, ok bool) {
	if len(s) != 8 || s[2] != '-' || s[5] != '-' {
		return 0, 0, 0, false
	}
	yy, ok1 := digits(s[0:2], 2)
	month, ok2 := digits(s[3:5], 2)
	day, ok3 := digits(s[6:8], 2)
	return yy, month, day, ok1 && ok2 && ok3
}

// dateShape reports whether s looks like "yyyy-mm-dd".
func dateShape(s string) bool {
	_, _, _, ok := fullDate(s)
	return ok
}

func fullDate(s string) (year, month, day int, ok bool) {
	if len(s) != 10 || s[4] != '-' || s[7] != '-' {
		return 0, 0, 0, false
	}
	year, ok1 := digits(s[0:4], 4)
	month, ok2 := digits(s[5:7], 2)
	day, ok3 := digits(s[8:10], 2)
	return year, month, day, ok1 && ok2 && ok3
}

// colonClock extracts "hh:mm:ss" and validates the ranges.
func colonClock(s string) (hour, minute, second int, ok bool) {
	if len(s) != 8 || s[2] != ':' || s[5] != ':' {
		return 0, 0, 0, false
	}
	hour, ok1 := digits(s[0:2], 2)
	minute, ok2 := digits(s[3:5], 2)
	second, ok3 := digits(s[6:8], 2)
	if !(ok1 && ok2 && ok3) || !clockValid(hour, minute, second) {
		return 0, 0, 0, false
	}
	return hour, minute, second, true
}

// clockValid allows second 60 for a leap second in progress.
func clockValid(hour, minute, second int) bool {
	return hour < 24 && minute < 60 && second <= 60
}

// yearDay converts a calendar date to a day of year, rejecting impossible
// dates. Day of year is always derived this way; on-the-wire day-of-year
// fields are trusted only for the formats that carry them natively.
func yearDay(year, month, day int) (int, bool) {
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return 0, false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day || int(t.Month()) != month {
		return 0, false
	}
	return t.YearDay(), true
}

// resolveYear expands a two-digit year against the wall clock, picking the
// candidate within 50 years of now. The services transmit no century, so the
// system clock has to be roughly right already.
func resolveYear(yy int, now time.Time) int {
	current := now.UTC().Year()
	year := current/100*100 + yy
	switch {
	case year < current-50:
		year += 100
	case year >= current+50:
		year -= 100
	}
	return year
}
