// Package modemtime implements a dial-up client for the NIST, USNO and
// European (PTB, NPL) telephone time services, as well as Spectracom
// receivers reachable through a modem. A session periodically dials a number
// from a phone list through a Hayes-compatible modem, collects fixed-format
// ASCII timecode lines, and converts the most trustworthy line into a
// canonical time sample for a downstream clock filter.
//
// The core component is the Session struct which implements a timeout-driven
// state machine with the following states: Idle, Setup, Connecting and
// ReceivingTimecode. It has exactly two driving entry points — a complete
// line arriving from the device and a one-second timer tick — plus the
// host-facing Poll, ForceDial and Shutdown operations.
//
// Example usage:
//
//	session, err := modemtime.NewSession(&modemtime.SessionConfig{
//		Name:     "modem0",
//		Device:   "/dev/ttyS0",
//		Phones:   []string{"ATDT13034944774"},
//		OpenPort: openSerial,
//		Filter:   filter,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer session.ShutdownSync()
package modemtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrConfigRequired is returned when a required configuration parameter is missing
	ErrConfigRequired = errors.New("config required")
	// ErrCallInProgress is returned by Shutdown when a call is still active
	ErrCallInProgress = errors.New("call in progress")
)

// SessionState represents the current position of the call automaton.
type SessionState int

const (
	// StateIdle waits for the next poll, forced call, or redial timer
	StateIdle SessionState = iota
	// StateSetup waits for the modem to acknowledge the setup string
	StateSetup
	// StateConnecting waits for the dialed call to be answered
	StateConnecting
	// StateReceiving collects timecode lines from the service
	StateReceiving
)

// String returns a human-readable representation of the session state.
func (ss SessionState) String() string {
	switch ss {
	case StateIdle:
		return "Idle"
	case StateSetup:
		return "Setup"
	case StateConnecting:
		return "Connecting"
	case StateReceiving:
		return "ReceivingTimecode"
	default:
		return "Unknown"
	}
}

// PollMode gates how poll events start calls.
type PollMode int

const (
	// ModeBackup calls only while no better time source is selected
	ModeBackup PollMode = iota
	// ModeAuto calls at every poll event
	ModeAuto
	// ModeManual never calls on poll; only a forced call dials
	ModeManual
)

// String returns a human-readable representation of the poll mode.
func (pm PollMode) String() string {
	switch pm {
	case ModeBackup:
		return "Backup"
	case ModeAuto:
		return "Auto"
	case ModeManual:
		return "Manual"
	default:
		return "Unknown"
	}
}

// Timeouts in seconds, and empirical message-count tunables. The thresholds
// carry no meaning beyond long field experience with the services.
const (
	setupTimeout    = 3  // waiting for OK after the setup string
	answerTimeout   = 60 // waiting for CONNECT after dialing
	timecodeTimeout = 60 // waiting for timecode lines
	redialDelay     = 30 // pause before dialing the next number
	maxTimecodes    = 20 // lines accepted before the call is cut off
	nistMinLines    = 10 // NIST lines required when no on-time flag is seen
)

// defSetupString initializes Hayes-compatible modems: US answer tone, no
// carrier detect, hang up on DTR drop, echo off, low speaker volume until
// carrier, English result codes, long-space disconnect.
const defSetupString = "ATB1&C0&D2E0L1M1Q0V1Y1"

// pollChar is written instead of dialing when no phone list is configured
// and the port is directly connected to a Spectracom receiver.
const pollChar = "T"

// ClockFilter is the downstream consumer of finalized time samples.
type ClockFilter interface {
	// Sample receives one finalized sample; an error marks it bad-time.
	Sample(s *TimeSample) error
	// Commit is called when a call cycle ends with at least one accepted
	// timecode, so the filter can fold the call into its estimate.
	Commit()
}

// StateTransitionType is a callback invoked whenever the automaton changes
// state. It receives the session and both the previous and new state, and
// runs with the session lock held.
type StateTransitionType func(s *Session, prev, next SessionState)

// SessionConfig contains the parameters for creating a session. OpenPort and
// Filter are required; the rest have reasonable defaults.
type SessionConfig struct {
	// Name identifies the session in logs and events
	Name string
	// Device is the modem device path
	Device string
	// Baud is the port speed (default 19200)
	Baud int
	// Phones is the ordered dial list; entries carry their own ATDT prefix.
	// An empty list means the port is directly connected to the device.
	Phones []string
	// Setup overrides the modem setup string once, at start-up
	Setup string
	// Mode gates poll events (default ModeBackup)
	Mode PollMode
	// LockFile enables advisory port locking when non-empty
	LockFile string
	// OpenPort opens the device (required)
	OpenPort OpenPortType
	// Filter receives finalized samples (required)
	Filter ClockFilter
	// Logger receives diagnostics (default logrus standard logger)
	Logger *logrus.Logger
	// StateTransition is an optional state-change callback
	StateTransition StateTransitionType
	// SystemPeer reports whether this session is the selected time source
	// or no source is selected at all; consulted only in ModeBackup. A nil
	// check never blocks a poll.
	SystemPeer func() bool
}

// Session is one dial-up time-service client. It is driven cooperatively:
// the read task delivers complete lines, the host delivers one-second ticks
// and poll events, and no operation inside the automaton blocks.
//
// The session is thread-safe and uses a mutex to protect internal state.
// Most operations require the caller to hold the session lock, with Sync
// variants available that acquire and release the lock automatically.
type Session struct {
	sync.Mutex
	state      SessionState
	timer      int // seconds until timeout; 0 means no pending timeout
	retry      int // index into the phone list
	msgcnt     int // timecode lines accepted this call cycle
	forceDial  bool
	shutdown   bool
	pending    *TimeSample // fields from the last parsed line, pre-finalization
	port       ModemPort
	lockHeld   bool
	callCtx    context.Context
	callCancel context.CancelFunc
	framer     lineFramer

	name            string
	device          string
	baud            int
	phones          []string
	setup           string
	mode            PollMode
	lock            portLock
	openPort        OpenPortType
	filter          ClockFilter
	stateTransition StateTransitionType
	systemPeer      func() bool
	log             *logrus.Entry
	metrics         *Metrics
}

// NewSession creates a session in StateIdle. Nothing is dialed until the
// first poll event or forced call.
//
// Returns ErrConfigRequired if config is nil or required fields are missing.
func NewSession(config *SessionConfig) (*Session, error) {
	if config == nil {
		return nil, ErrConfigRequired
	}
	if config.OpenPort == nil || config.Filter == nil {
		return nil, ErrConfigRequired
	}

	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s := &Session{
		state:           StateIdle,
		name:            config.Name,
		device:          config.Device,
		baud:            config.Baud,
		phones:          config.Phones,
		setup:           config.Setup,
		mode:            config.Mode,
		lock:            portLock{path: config.LockFile},
		openPort:        config.OpenPort,
		filter:          config.Filter,
		stateTransition: config.StateTransition,
		systemPeer:      config.SystemPeer,
		log:             logger.WithField("unit", config.Name),
		metrics:         &Metrics{},
	}

	if s.baud == 0 {
		s.baud = 19200
	}
	if s.setup == "" {
		s.setup = defSetupString
	}

	s.framer.echo = s.echoMarker
	s.framer.emit = s.message

	return s, nil
}

func (s *Session) checkLock() {
	if s.TryLock() {
		panic("session lock not held")
	}
}

// Poll is invoked once per external polling interval. Depending on the poll
// mode it may start a fresh call cycle: the retry index is reset and the
// Idle trigger runs.
// The session lock must be held before calling this method.
// Use PollSync for automatic lock management.
func (s *Session) Poll() {
	s.checkLock()
	s.poll()
}

// PollSync is Poll with automatic lock management.
func (s *Session) PollSync() {
	s.Lock()
	defer s.Unlock()
	s.poll()
}

func (s *Session) poll() {
	if s.shutdown {
		return
	}
	switch s.mode {
	case ModeManual:
		return
	case ModeAuto:
	case ModeBackup:
		if s.systemPeer != nil && !s.systemPeer() {
			return
		}
	}
	s.metrics.Polls++
	if s.state == StateIdle {
		s.retry = 0
		s.idleEvent()
	}
}

// Tick drives the countdown timer and must be invoked once per second. When
// the timer expires, the timeout handler for the current state runs. While
// no timeout is pending, a previously forced call starts a fresh cycle.
// The session lock must be held before calling this method.
// Use TickSync for automatic lock management.
func (s *Session) Tick() {
	s.checkLock()
	s.tick()
}

// TickSync is Tick with automatic lock management.
func (s *Session) TickSync() {
	s.Lock()
	defer s.Unlock()
	s.tick()
}

func (s *Session) tick() {
	if s.shutdown {
		return
	}
	if s.timer == 0 {
		if s.forceDial {
			s.forceDial = false
			if s.state == StateIdle {
				s.retry = 0
				s.idleEvent()
			}
		}
		return
	}
	s.timer--
	if s.timer == 0 {
		s.timeoutEvent(s.state)
	}
}

// ForceDial requests a call at the next idle tick regardless of poll mode.
// The flag is edge-triggered and cleared on consumption.
// The session lock must be held before calling this method.
// Use ForceDialSync for automatic lock management.
func (s *Session) ForceDial() {
	s.checkLock()
	s.forceDial = true
}

// ForceDialSync is ForceDial with automatic lock management.
func (s *Session) ForceDialSync() {
	s.Lock()
	defer s.Unlock()
	s.forceDial = true
}

// Shutdown releases the session. The caller must ensure no call is in
// progress; a violation is detected, the device is force-released without
// redial scheduling, and ErrCallInProgress is returned.
// The session lock must be held before calling this method.
// Use ShutdownSync for automatic lock management.
func (s *Session) Shutdown() error {
	s.checkLock()
	return s.shutdownSession()
}

// ShutdownSync is Shutdown with automatic lock management.
func (s *Session) ShutdownSync() error {
	s.Lock()
	defer s.Unlock()
	return s.shutdownSession()
}

func (s *Session) shutdownSession() error {
	if s.shutdown {
		return nil
	}
	s.shutdown = true
	if s.port == nil && s.state == StateIdle {
		if s.lockHeld {
			s.lock.release()
			s.lockHeld = false
		}
		return nil
	}
	s.log.Error("shutdown with a call in progress")
	s.releasePort()
	if s.lockHeld {
		s.lock.release()
		s.lockHeld = false
	}
	s.setState(StateIdle, 0)
	return ErrCallInProgress
}

// State returns the current automaton state.
// The session lock must be held before calling this method.
// Use StateSync for automatic lock management.
func (s *Session) State() SessionState {
	s.checkLock()
	return s.state
}

// StateSync is State with automatic lock management.
func (s *Session) StateSync() SessionState {
	s.Lock()
	defer s.Unlock()
	return s.state
}

func (s *Session) setState(state SessionState, timer int) {
	prev := s.state
	s.state = state
	s.timer = timer
	if prev != state && s.stateTransition != nil {
		s.stateTransition(s, prev, state)
	}
}

// idleEvent starts a call cycle: lock the port if enabled, open the device,
// and either send the modem setup string or, with no phone list, poll a
// directly connected device.
func (s *Session) idleEvent() {
	if s.port != nil {
		return // port is already open
	}

	if s.lock.path != "" {
		if err := s.lock.acquire(); err != nil {
			s.reportEvent("modem: port busy")
			return
		}
		s.lockHeld = true
	}

	port, err := s.openPort(s.device, s.baud)
	if err != nil {
		s.log.WithError(err).WithField("device", s.device).Error("open failed")
		if s.lockHeld {
			s.lock.release()
			s.lockHeld = false
		}
		return
	}
	s.port = port
	s.callCtx, s.callCancel = context.WithCancel(context.Background())
	s.msgcnt = 0
	s.pending = nil
	s.framer.reset()
	go s.readTask(s.callCtx, port)

	if _, ok := s.phoneAt(s.retry); !ok {
		// Directly connected device: poll it and wait for timecodes.
		s.write([]byte(pollChar))
		s.setState(StateReceiving, timecodeTimeout)
		return
	}

	s.reportEvent("SETUP " + s.setup)
	s.write([]byte(s.setup))
	s.write([]byte("\r"))
	s.setState(StateSetup, setupTimeout)
}

// message handles a complete line from the framer. What to do depends on
// the state and the first token in the line.
func (s *Session) message(line string, tstamp time.Time) {
	s.log.WithFields(logrus.Fields{"len": len(line), "line": line}).Debug("message")

	token := firstToken(line)
	switch s.state {

	// Waiting for OK in response to the setup string. On OK, dial the
	// current number. The setup string echoed back (modem was previously
	// E1) is ignored; anything else aborts the call.
	case StateSetup:
		if token != "OK" {
			if token == s.setup {
				return
			}
			break
		}
		number, ok := s.phoneAt(s.retry)
		if !ok {
			break
		}
		s.reportEvent(fmt.Sprintf("DIAL #%d %s", s.retry, number))
		if err := s.port.SetDTR(true); err != nil {
			s.log.WithError(err).Error("set DTR failed")
		}
		s.write([]byte(number))
		s.write([]byte("\r"))
		s.retry++
		s.metrics.Calls++
		s.setState(StateConnecting, answerTimeout)
		return

	// Waiting for CONNECT in response to the dial command. Anything else,
	// like BUSY or NO CARRIER, aborts the call.
	case StateConnecting:
		if token != "CONNECT" {
			break
		}
		s.reportEvent(line)
		s.metrics.Connects++
		s.metrics.LastConnectTime = time.Now()
		s.setState(StateReceiving, timecodeTimeout)
		return

	// Collecting timecodes. NO CARRIER is reported but the line still goes
	// through the parser, where its length marks it as noise. Once enough
	// lines have been accepted the timeout path ends the call.
	case StateReceiving:
		if token == "NO" {
			s.reportEvent(line)
		}
		if s.msgcnt < maxTimecodes {
			s.timecode(line, tstamp)
		} else {
			s.timeoutEvent(StateReceiving)
		}
		return
	}

	// Other response. Tell us about it and abort the call.
	s.reportEvent(line)
	s.close()
}

// timeoutEvent runs when the countdown for the given state expires. A
// timeout in Idle is the redial timer: the call cycle continues with the
// retry index preserved.
func (s *Session) timeoutEvent(state SessionState) {
	switch state {
	case StateIdle:
		s.idleEvent()
		return
	case StateSetup:
		s.reportEvent("no modem")
	case StateConnecting:
		s.reportEvent("no answer")
	case StateReceiving:
		if s.msgcnt == 0 {
			s.reportEvent("no timecodes")
		} else {
			// Samples were already forwarded during finalization; the
			// filter folds the completed call into its estimate.
			s.filter.Commit()
		}
	}
	s.close()
}

// close is the shared terminal action of every call: hang up, release the
// device and the lock, and schedule a redial when the cycle produced no
// timecodes and numbers remain.
func (s *Session) close() {
	s.releasePort()
	if s.lockHeld {
		s.lock.release()
		s.lockHeld = false
	}
	if s.msgcnt == 0 && s.retry > 0 {
		if _, ok := s.phoneAt(s.retry); ok {
			s.setState(StateIdle, redialDelay)
			return
		}
	}
	s.setState(StateIdle, 0)
}

func (s *Session) releasePort() {
	if s.port == nil {
		return
	}
	if err := s.port.SetDTR(false); err != nil {
		s.log.WithError(err).Error("clear DTR failed")
	}
	s.callCancel()
	if err := s.port.Close(); err != nil {
		s.log.WithError(err).Error("close failed")
	}
	s.port = nil
}

// timecode passes an incoming line through the parser and applies the
// per-format finalization policy.
func (s *Session) timecode(line string, tstamp time.Time) {
	tc, err := parseTimecode(line, time.Now())
	if err != nil {
		s.metrics.BadReplies++
		s.log.WithField("line", line).Debug("bad reply")
		return
	}
	if tc == nil {
		return // unrecognized length: line noise
	}

	if tc.format == fmtMarker {
		// The lone on-time marker finalizes the fields of the previous
		// timecode; it is meaningless before one has been accepted.
		if s.msgcnt == 0 || s.pending == nil {
			return
		}
	} else {
		s.pending = &TimeSample{
			Year:   tc.year,
			Yday:   tc.yday,
			Hour:   tc.hour,
			Minute: tc.minute,
			Second: tc.second,
			Nsec:   tc.nsec,
			Leap:   tc.leap,
			RefID:  tc.refID,
		}
		s.msgcnt++
		s.metrics.Timecodes++
		switch tc.format {
		case fmtNIST:
			// Noise tolerance: without the terminal flag, require a run
			// of accepted lines before trusting the code.
			if tc.flag != '#' && s.msgcnt < nistMinLines {
				return
			}
		case fmtUSNO:
			// Finalized by the on-time marker line that follows.
			return
		}
	}

	s.finalize(line, tstamp)
}

// finalize stamps the pending sample with the on-time timestamp and the raw
// line and hands it to the clock filter. A rejection is reported as a
// bad-time condition but does not change the automaton state.
func (s *Session) finalize(line string, tstamp time.Time) {
	sample := *s.pending
	sample.Code = line
	sample.Timestamp = tstamp
	if sample.Year == 0 {
		// USNO and Spectracom format 0 carry no year at all.
		sample.Year = time.Now().UTC().Year()
	}
	if err := s.filter.Sample(&sample); err != nil {
		s.metrics.BadTimes++
		s.log.WithError(err).WithField("line", line).Warn("sample rejected")
		return
	}
	s.metrics.Samples++
	s.metrics.LastSampleTime = time.Now()
}

// readTask delivers raw device bytes to the framer for the duration of one
// call. It exits when the call context is cancelled or the port fails.
func (s *Session) readTask(ctx context.Context, port ModemPort) {
	buf := make([]byte, maxMsgSize)
	for {
		n, err := port.Read(buf)
		arrival := time.Now()
		s.Lock()
		if ctx.Err() != nil {
			s.Unlock()
			return
		}
		if err != nil || n == 0 {
			s.Unlock()
			return
		}
		s.framer.feed(buf[:n], arrival)
		s.Unlock()
	}
}

// echoMarker writes an on-time marker byte back to the device. Failures are
// logged and otherwise ignored.
func (s *Session) echoMarker(b byte) {
	if s.port == nil {
		return
	}
	if _, err := s.port.Write([]byte{b}); err != nil {
		s.log.WithError(err).Error("write echo fails")
	}
}

// write sends bytes to the device, best effort: failures are logged and the
// automaton proceeds on the strength of its timeouts.
func (s *Session) write(b []byte) {
	if s.port == nil {
		return
	}
	if _, err := s.port.Write(b); err != nil {
		s.log.WithError(err).Error("write fails")
	}
}

// reportEvent emits a fire-and-forget diagnostic event.
func (s *Session) reportEvent(event string) {
	s.log.WithField("state", s.state.String()).Info(event)
}

// phoneAt returns the dial string at the given index. Running past the end
// of the list is the sentinel: no more numbers this cycle.
func (s *Session) phoneAt(i int) (string, bool) {
	if i < 0 || i >= len(s.phones) || s.phones[i] == "" {
		return "", false
	}
	return s.phones[i], true
}

// firstToken isolates the first space-delimited token of a line. Control
// characters were already stripped by the framer.
func firstToken(line string) string {
	if i := strings.IndexByte(line, ' '); i >= 0 {
		return line[:i]
	}
	return line
}
