package modemtime

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// mockPort is an in-memory ModemPort. Reads block on a channel until input
// arrives or the port is closed; writes and DTR changes are recorded.
type mockPort struct {
	mu     sync.Mutex
	reads  chan []byte
	writes []byte
	dtr    []bool
	closed bool
}

func newMockPort() *mockPort {
	return &mockPort{reads: make(chan []byte, 64)}
}

func (p *mockPort) Read(b []byte) (int, error) {
	data, ok := <-p.reads
	if !ok {
		return 0, io.EOF
	}
	return copy(b, data), nil
}

func (p *mockPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, b...)
	return len(b), nil
}

func (p *mockPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.reads)
	}
	return nil
}

func (p *mockPort) SetDTR(on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dtr = append(p.dtr, on)
	return nil
}

func (p *mockPort) input(s string) {
	p.reads <- []byte(s)
}

func (p *mockPort) written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.writes)
}

func (p *mockPort) clearWrites() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = nil
}

func (p *mockPort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *mockPort) dtrStates() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bool(nil), p.dtr...)
}

// mockFilter records samples and commits.
type mockFilter struct {
	mu      sync.Mutex
	samples []TimeSample
	commits int
	reject  error
}

func (f *mockFilter) Sample(s *TimeSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject != nil {
		return f.reject
	}
	f.samples = append(f.samples, *s)
	return nil
}

func (f *mockFilter) Commit() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
}

func (f *mockFilter) sampleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.samples)
}

func (f *mockFilter) commitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commits
}

func (f *mockFilter) lastSample() TimeSample {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.samples[len(f.samples)-1]
}

// sessionFixture hands out a fresh mockPort per open so redial walks can be
// observed per call.
type sessionFixture struct {
	mu      sync.Mutex
	ports   []*mockPort
	openErr error
	filter  *mockFilter
}

func (fx *sessionFixture) open(device string, baud int) (ModemPort, error) {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	if fx.openErr != nil {
		return nil, fx.openErr
	}
	p := newMockPort()
	fx.ports = append(fx.ports, p)
	return p, nil
}

func (fx *sessionFixture) port() *mockPort {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return fx.ports[len(fx.ports)-1]
}

func (fx *sessionFixture) openCount() int {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return len(fx.ports)
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newSessionFixture(t *testing.T, mutate func(*SessionConfig)) (*Session, *sessionFixture) {
	t.Helper()
	fx := &sessionFixture{filter: &mockFilter{}}
	config := &SessionConfig{
		Name:     "test",
		Device:   "/dev/modem0",
		Phones:   []string{"ATDT5551212", "ATDT5552323"},
		Mode:     ModeAuto,
		OpenPort: fx.open,
		Filter:   fx.filter,
		Logger:   testLogger(),
	}
	if mutate != nil {
		mutate(config)
	}
	s, err := NewSession(config)
	if err != nil {
		t.Fatalf("NewSession error: %v", err)
	}
	return s, fx
}

func snapshot(s *Session) (SessionState, int) {
	s.Lock()
	defer s.Unlock()
	return s.state, s.timer
}

// deliver drives the automaton with a complete line, bypassing the framer.
func deliver(s *Session, line string, tstamp time.Time) {
	s.Lock()
	defer s.Unlock()
	s.message(line, tstamp)
}

func ticks(s *Session, n int) {
	for i := 0; i < n; i++ {
		s.TickSync()
	}
}

const nistFlagged = "47999 90-04-18 21:39:15 50 0 +.1 045.0 UTC(NIST) #"
const nistUnflagged = "47999 90-04-18 21:39:15 50 0 +.1 045.0 UTC(NIST) *"

func TestNewSessionValidation(t *testing.T) {
	if _, err := NewSession(nil); err != ErrConfigRequired {
		t.Errorf("nil config: err = %v, want ErrConfigRequired", err)
	}
	fx := &sessionFixture{filter: &mockFilter{}}
	if _, err := NewSession(&SessionConfig{Filter: fx.filter}); err != ErrConfigRequired {
		t.Errorf("missing OpenPort: err = %v, want ErrConfigRequired", err)
	}
	if _, err := NewSession(&SessionConfig{OpenPort: fx.open}); err != ErrConfigRequired {
		t.Errorf("missing Filter: err = %v, want ErrConfigRequired", err)
	}
}

func TestNewSessionDefaults(t *testing.T) {
	s, _ := newSessionFixture(t, nil)
	if s.baud != 19200 {
		t.Errorf("baud = %d, want 19200", s.baud)
	}
	if s.setup != defSetupString {
		t.Errorf("setup = %q, want default", s.setup)
	}
	if got := s.StateSync(); got != StateIdle {
		t.Errorf("state = %v, want Idle", got)
	}
}

func TestSessionStateString(t *testing.T) {
	cases := map[SessionState]string{
		StateIdle:        "Idle",
		StateSetup:       "Setup",
		StateConnecting:  "Connecting",
		StateReceiving:   "ReceivingTimecode",
		SessionState(42): "Unknown",
	}
	for st, want := range cases {
		if st.String() != want {
			t.Errorf("SessionState(%d).String() = %q, want %q", int(st), st.String(), want)
		}
	}
}

func TestPollModeString(t *testing.T) {
	cases := map[PollMode]string{
		ModeBackup:   "Backup",
		ModeAuto:     "Auto",
		ModeManual:   "Manual",
		PollMode(42): "Unknown",
	}
	for pm, want := range cases {
		if pm.String() != want {
			t.Errorf("PollMode(%d).String() = %q, want %q", int(pm), pm.String(), want)
		}
	}
}

func TestPollSendsSetup(t *testing.T) {
	s, fx := newSessionFixture(t, nil)
	s.PollSync()

	if st, timer := snapshot(s); st != StateSetup || timer != setupTimeout {
		t.Fatalf("state/timer = %v/%d, want Setup/%d", st, timer, setupTimeout)
	}
	if got := fx.port().written(); got != defSetupString+"\r" {
		t.Errorf("written = %q, want setup string", got)
	}
}

func TestPollDirectDevice(t *testing.T) {
	s, fx := newSessionFixture(t, func(c *SessionConfig) {
		c.Phones = nil
	})
	s.PollSync()

	if st, timer := snapshot(s); st != StateReceiving || timer != timecodeTimeout {
		t.Fatalf("state/timer = %v/%d, want ReceivingTimecode/%d", st, timer, timecodeTimeout)
	}
	if got := fx.port().written(); got != pollChar {
		t.Errorf("written = %q, want %q", got, pollChar)
	}
}

func TestSetupOKDials(t *testing.T) {
	s, fx := newSessionFixture(t, nil)
	s.PollSync()
	p := fx.port()
	p.clearWrites()

	deliver(s, "OK", time.Time{})

	if st, timer := snapshot(s); st != StateConnecting || timer != answerTimeout {
		t.Fatalf("state/timer = %v/%d, want Connecting/%d", st, timer, answerTimeout)
	}
	if got := p.written(); got != "ATDT5551212\r" {
		t.Errorf("written = %q, want dial command", got)
	}
	if dtr := p.dtrStates(); len(dtr) != 1 || !dtr[0] {
		t.Errorf("dtr = %v, want [true]", dtr)
	}
	m := s.MetricsSync()
	if m.Calls != 1 {
		t.Errorf("Calls = %d, want 1", m.Calls)
	}
}

func TestSetupEchoIgnored(t *testing.T) {
	s, fx := newSessionFixture(t, nil)
	s.PollSync()

	// Modems previously left at E1 echo the setup string before OK.
	deliver(s, defSetupString, time.Time{})

	if st, _ := snapshot(s); st != StateSetup {
		t.Fatalf("state = %v, want Setup", st)
	}
	if fx.port().isClosed() {
		t.Error("port closed on echoed setup string")
	}
}

func TestSetupErrorAborts(t *testing.T) {
	s, fx := newSessionFixture(t, nil)
	s.PollSync()

	deliver(s, "ERROR", time.Time{})

	if st, timer := snapshot(s); st != StateIdle || timer != 0 {
		t.Fatalf("state/timer = %v/%d, want Idle/0", st, timer)
	}
	if !fx.port().isClosed() {
		t.Error("port not closed")
	}
}

func TestSetupTimeout(t *testing.T) {
	s, fx := newSessionFixture(t, nil)
	s.PollSync()
	ticks(s, setupTimeout)

	// Nothing was dialed, so no redial is scheduled.
	if st, timer := snapshot(s); st != StateIdle || timer != 0 {
		t.Fatalf("state/timer = %v/%d, want Idle/0", st, timer)
	}
	if !fx.port().isClosed() {
		t.Error("port not closed")
	}
}

func TestNoAnswerWalksPhoneList(t *testing.T) {
	s, fx := newSessionFixture(t, nil)
	s.PollSync()
	deliver(s, "OK", time.Time{})

	// First number never answers.
	ticks(s, answerTimeout)
	if st, timer := snapshot(s); st != StateIdle || timer != redialDelay {
		t.Fatalf("after timeout: state/timer = %v/%d, want Idle/%d", st, timer, redialDelay)
	}

	// The redial timer reopens the port with the retry index preserved.
	ticks(s, redialDelay)
	if fx.openCount() != 2 {
		t.Fatalf("opened %d ports, want 2", fx.openCount())
	}
	p := fx.port()
	p.clearWrites()
	deliver(s, "OK", time.Time{})
	if got := p.written(); got != "ATDT5552323\r" {
		t.Errorf("written = %q, want second number", got)
	}

	// Second number never answers either and the list is exhausted.
	ticks(s, answerTimeout)
	if st, timer := snapshot(s); st != StateIdle || timer != 0 {
		t.Fatalf("after exhaustion: state/timer = %v/%d, want Idle/0", st, timer)
	}
}

func TestBusyAborts(t *testing.T) {
	s, _ := newSessionFixture(t, nil)
	s.PollSync()
	deliver(s, "OK", time.Time{})

	deliver(s, "BUSY", time.Time{})

	// One number was dialed and another remains: redial scheduled.
	if st, timer := snapshot(s); st != StateIdle || timer != redialDelay {
		t.Fatalf("state/timer = %v/%d, want Idle/%d", st, timer, redialDelay)
	}
}

func TestConnectStartsReceiving(t *testing.T) {
	s, _ := newSessionFixture(t, nil)
	s.PollSync()
	deliver(s, "OK", time.Time{})
	deliver(s, "CONNECT 2400", time.Time{})

	if st, timer := snapshot(s); st != StateReceiving || timer != timecodeTimeout {
		t.Fatalf("state/timer = %v/%d, want ReceivingTimecode/%d", st, timer, timecodeTimeout)
	}
	m := s.MetricsSync()
	if m.Connects != 1 {
		t.Errorf("Connects = %d, want 1", m.Connects)
	}
	if m.LastConnectTime.IsZero() {
		t.Error("LastConnectTime not stamped")
	}
}

func TestNISTFlaggedSample(t *testing.T) {
	s, fx := newSessionFixture(t, nil)
	s.PollSync()
	deliver(s, "OK", time.Time{})
	deliver(s, "CONNECT 2400", time.Time{})

	tstamp := time.Unix(1000, 0)
	deliver(s, nistFlagged, tstamp)

	if fx.filter.sampleCount() != 1 {
		t.Fatalf("samples = %d, want 1", fx.filter.sampleCount())
	}
	sample := fx.filter.lastSample()
	if sample.RefID != RefNIST || sample.Yday != 108 {
		t.Errorf("sample = %+v", sample)
	}
	if !sample.Timestamp.Equal(tstamp) {
		t.Errorf("Timestamp = %v, want %v", sample.Timestamp, tstamp)
	}
	if sample.Code != nistFlagged {
		t.Errorf("Code = %q", sample.Code)
	}

	// The call keeps running until its timeout, then the filter commits.
	if st, _ := snapshot(s); st != StateReceiving {
		t.Fatalf("state = %v, want ReceivingTimecode", st)
	}
	ticks(s, timecodeTimeout)
	if fx.filter.commitCount() != 1 {
		t.Errorf("commits = %d, want 1", fx.filter.commitCount())
	}
	if st, timer := snapshot(s); st != StateIdle || timer != 0 {
		t.Errorf("state/timer = %v/%d, want Idle/0", st, timer)
	}
}

func TestNISTNoiseTolerance(t *testing.T) {
	s, fx := newSessionFixture(t, func(c *SessionConfig) {
		c.Phones = nil
	})
	s.PollSync()

	// Without the terminal flag a run of consistent lines is required.
	for i := 0; i < nistMinLines-1; i++ {
		deliver(s, nistUnflagged, time.Unix(int64(i), 0))
	}
	if fx.filter.sampleCount() != 0 {
		t.Fatalf("samples = %d before threshold, want 0", fx.filter.sampleCount())
	}
	deliver(s, nistUnflagged, time.Unix(100, 0))
	if fx.filter.sampleCount() != 1 {
		t.Fatalf("samples = %d at threshold, want 1", fx.filter.sampleCount())
	}
	m := s.MetricsSync()
	if m.Timecodes != nistMinLines {
		t.Errorf("Timecodes = %d, want %d", m.Timecodes, nistMinLines)
	}
}

func TestUSNOFinalizedByMarker(t *testing.T) {
	s, fx := newSessionFixture(t, func(c *SessionConfig) {
		c.Phones = nil
	})
	s.PollSync()

	t1 := time.Unix(100, 0)
	t2 := time.Unix(101, 0)
	deliver(s, "47999 104 213915 UTC", t1)
	if fx.filter.sampleCount() != 0 {
		t.Fatalf("samples = %d before marker, want 0", fx.filter.sampleCount())
	}

	deliver(s, "*", t2)
	if fx.filter.sampleCount() != 1 {
		t.Fatalf("samples = %d after marker, want 1", fx.filter.sampleCount())
	}
	sample := fx.filter.lastSample()
	if sample.RefID != RefUSNO || sample.Yday != 104 {
		t.Errorf("sample = %+v", sample)
	}
	if !sample.Timestamp.Equal(t2) {
		t.Errorf("Timestamp = %v, want marker arrival %v", sample.Timestamp, t2)
	}
	if sample.Year != time.Now().UTC().Year() {
		t.Errorf("Year = %d, want current year", sample.Year)
	}
}

func TestMarkerWithoutTimecodeIgnored(t *testing.T) {
	s, fx := newSessionFixture(t, func(c *SessionConfig) {
		c.Phones = nil
	})
	s.PollSync()

	deliver(s, "*", time.Unix(100, 0))

	if fx.filter.sampleCount() != 0 {
		t.Errorf("samples = %d, want 0", fx.filter.sampleCount())
	}
	if st, _ := snapshot(s); st != StateReceiving {
		t.Errorf("state = %v, want ReceivingTimecode", st)
	}
}

func TestBadReplyKeepsState(t *testing.T) {
	s, fx := newSessionFixture(t, func(c *SessionConfig) {
		c.Phones = nil
	})
	s.PollSync()

	deliver(s, "4799x 104 213915 UTC", time.Unix(100, 0))

	if st, timer := snapshot(s); st != StateReceiving || timer != timecodeTimeout {
		t.Fatalf("state/timer = %v/%d, want ReceivingTimecode/%d", st, timer, timecodeTimeout)
	}
	m := s.MetricsSync()
	if m.BadReplies != 1 || m.Timecodes != 0 {
		t.Errorf("BadReplies/Timecodes = %d/%d, want 1/0", m.BadReplies, m.Timecodes)
	}
	if fx.filter.sampleCount() != 0 {
		t.Errorf("samples = %d, want 0", fx.filter.sampleCount())
	}
}

func TestNoiseLineIgnored(t *testing.T) {
	s, _ := newSessionFixture(t, func(c *SessionConfig) {
		c.Phones = nil
	})
	s.PollSync()

	// NO CARRIER is reported but its length marks it as noise, and the
	// receive window keeps running.
	deliver(s, "NO CARRIER", time.Unix(100, 0))

	if st, _ := snapshot(s); st != StateReceiving {
		t.Fatalf("state = %v, want ReceivingTimecode", st)
	}
	m := s.MetricsSync()
	if m.BadReplies != 0 {
		t.Errorf("BadReplies = %d, want 0", m.BadReplies)
	}
}

func TestMaxTimecodesEndsCall(t *testing.T) {
	s, fx := newSessionFixture(t, func(c *SessionConfig) {
		c.Phones = nil
	})
	s.PollSync()

	s.Lock()
	s.msgcnt = maxTimecodes
	s.Unlock()

	deliver(s, nistFlagged, time.Unix(100, 0))

	if st, timer := snapshot(s); st != StateIdle || timer != 0 {
		t.Fatalf("state/timer = %v/%d, want Idle/0", st, timer)
	}
	if fx.filter.commitCount() != 1 {
		t.Errorf("commits = %d, want 1", fx.filter.commitCount())
	}
}

func TestRejectedSampleCountsBadTime(t *testing.T) {
	s, fx := newSessionFixture(t, func(c *SessionConfig) {
		c.Phones = nil
	})
	fx.filter.reject = errors.New("offset exceeds sanity window")
	s.PollSync()

	deliver(s, nistFlagged, time.Unix(100, 0))

	m := s.MetricsSync()
	if m.BadTimes != 1 || m.Samples != 0 {
		t.Errorf("BadTimes/Samples = %d/%d, want 1/0", m.BadTimes, m.Samples)
	}
	if st, _ := snapshot(s); st != StateReceiving {
		t.Errorf("state = %v, want ReceivingTimecode", st)
	}
}

func TestRedialGating(t *testing.T) {
	cases := []struct {
		name      string
		msgcnt    int
		retry     int
		wantTimer int
	}{
		{"numbers remain", 0, 1, redialDelay},
		{"list exhausted", 0, 2, 0},
		{"got timecodes", 3, 1, 0},
		{"nothing dialed", 0, 0, 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s, _ := newSessionFixture(t, nil)
			s.Lock()
			s.msgcnt = c.msgcnt
			s.retry = c.retry
			s.close()
			state, timer := s.state, s.timer
			s.Unlock()
			if state != StateIdle || timer != c.wantTimer {
				t.Errorf("state/timer = %v/%d, want Idle/%d", state, timer, c.wantTimer)
			}
		})
	}
}

func TestPollResetsCycle(t *testing.T) {
	s, _ := newSessionFixture(t, nil)
	s.Lock()
	s.retry = 1
	s.msgcnt = 5
	s.Unlock()

	s.PollSync()

	s.Lock()
	retry, msgcnt := s.retry, s.msgcnt
	s.Unlock()
	if retry != 0 || msgcnt != 0 {
		t.Errorf("retry/msgcnt = %d/%d, want 0/0", retry, msgcnt)
	}
}

func TestPollIgnoredDuringCall(t *testing.T) {
	s, fx := newSessionFixture(t, nil)
	s.PollSync()
	deliver(s, "OK", time.Time{})

	s.PollSync()

	if fx.openCount() != 1 {
		t.Errorf("opened %d ports, want 1", fx.openCount())
	}
	if st, _ := snapshot(s); st != StateConnecting {
		t.Errorf("state = %v, want Connecting", st)
	}
}

func TestPollModeGate(t *testing.T) {
	t.Run("manual never polls", func(t *testing.T) {
		s, fx := newSessionFixture(t, func(c *SessionConfig) {
			c.Mode = ModeManual
		})
		s.PollSync()
		if fx.openCount() != 0 {
			t.Errorf("opened %d ports, want 0", fx.openCount())
		}
	})
	t.Run("backup defers to system peer", func(t *testing.T) {
		selected := false
		s, fx := newSessionFixture(t, func(c *SessionConfig) {
			c.Mode = ModeBackup
			c.SystemPeer = func() bool { return selected }
		})
		s.PollSync()
		if fx.openCount() != 0 {
			t.Fatalf("opened %d ports while a peer is selected, want 0", fx.openCount())
		}
		selected = true
		s.PollSync()
		if fx.openCount() != 1 {
			t.Errorf("opened %d ports, want 1", fx.openCount())
		}
	})
	t.Run("backup without peer check polls", func(t *testing.T) {
		s, fx := newSessionFixture(t, func(c *SessionConfig) {
			c.Mode = ModeBackup
		})
		s.PollSync()
		if fx.openCount() != 1 {
			t.Errorf("opened %d ports, want 1", fx.openCount())
		}
	})
}

func TestForceDial(t *testing.T) {
	s, fx := newSessionFixture(t, func(c *SessionConfig) {
		c.Mode = ModeManual
	})
	s.Lock()
	s.retry = 1
	s.Unlock()

	s.ForceDialSync()
	s.TickSync()

	if fx.openCount() != 1 {
		t.Fatalf("opened %d ports, want 1", fx.openCount())
	}
	if st, _ := snapshot(s); st != StateSetup {
		t.Errorf("state = %v, want Setup", st)
	}
	s.Lock()
	retry := s.retry
	s.Unlock()
	if retry != 0 {
		t.Errorf("retry = %d, want 0 (forced call starts a fresh cycle)", retry)
	}

	// The flag is edge-triggered: a later idle tick does not redial.
	deliver(s, "ERROR", time.Time{})
	s.TickSync()
	if fx.openCount() != 1 {
		t.Errorf("opened %d ports after abort, want 1", fx.openCount())
	}
}

func TestPortBusy(t *testing.T) {
	lock := filepath.Join(t.TempDir(), "LCK..modem0")
	if err := os.WriteFile(lock, []byte("999\n"), 0644); err != nil {
		t.Fatal(err)
	}
	s, fx := newSessionFixture(t, func(c *SessionConfig) {
		c.LockFile = lock
	})

	s.PollSync()

	if fx.openCount() != 0 {
		t.Errorf("opened %d ports, want 0", fx.openCount())
	}
	if st, timer := snapshot(s); st != StateIdle || timer != 0 {
		t.Errorf("state/timer = %v/%d, want Idle/0", st, timer)
	}
	if _, err := os.Stat(lock); err != nil {
		t.Errorf("foreign lock file disturbed: %v", err)
	}
}

func TestLockFileLifecycle(t *testing.T) {
	lock := filepath.Join(t.TempDir(), "LCK..modem0")
	s, _ := newSessionFixture(t, func(c *SessionConfig) {
		c.LockFile = lock
	})

	s.PollSync()
	data, err := os.ReadFile(lock)
	if err != nil {
		t.Fatalf("lock file not created: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != strconv.Itoa(os.Getpid()) {
		t.Errorf("lock content = %q, want our pid", got)
	}

	// Call abort releases the lock with the port.
	deliver(s, "ERROR", time.Time{})
	if _, err := os.Stat(lock); !os.IsNotExist(err) {
		t.Errorf("lock file not released: %v", err)
	}
}

func TestOpenFailureReleasesLock(t *testing.T) {
	lock := filepath.Join(t.TempDir(), "LCK..modem0")
	s, fx := newSessionFixture(t, func(c *SessionConfig) {
		c.LockFile = lock
	})
	fx.openErr = errors.New("no such device")

	s.PollSync()

	if st, timer := snapshot(s); st != StateIdle || timer != 0 {
		t.Errorf("state/timer = %v/%d, want Idle/0", st, timer)
	}
	if _, err := os.Stat(lock); !os.IsNotExist(err) {
		t.Errorf("lock file not released after open failure: %v", err)
	}
}

func TestShutdownIdle(t *testing.T) {
	s, fx := newSessionFixture(t, nil)
	if err := s.ShutdownSync(); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
	// Everything is a no-op afterwards.
	s.PollSync()
	s.TickSync()
	if fx.openCount() != 0 {
		t.Errorf("opened %d ports after shutdown, want 0", fx.openCount())
	}
}

func TestShutdownDuringCall(t *testing.T) {
	s, fx := newSessionFixture(t, nil)
	s.PollSync()

	err := s.ShutdownSync()
	if err != ErrCallInProgress {
		t.Fatalf("Shutdown error = %v, want ErrCallInProgress", err)
	}
	if !fx.port().isClosed() {
		t.Error("port not closed")
	}
	if st, timer := snapshot(s); st != StateIdle || timer != 0 {
		t.Errorf("state/timer = %v/%d, want Idle/0", st, timer)
	}
}

func TestMetricsSnapshotIsolated(t *testing.T) {
	s, _ := newSessionFixture(t, nil)
	m1 := s.MetricsSync()
	m1.Polls = 99

	m2 := s.MetricsSync()
	if m2.Polls != 0 {
		t.Errorf("Polls = %d, want 0 (snapshot shared state)", m2.Polls)
	}
	if m2.State != StateIdle {
		t.Errorf("State = %v, want Idle", m2.State)
	}
}

// TestCallReadPath runs a complete call through the real framer and read
// task, with raw bytes arriving over the mock port.
func TestCallReadPath(t *testing.T) {
	s, fx := newSessionFixture(t, nil)
	s.PollSync()
	p := fx.port()

	p.input("\r\nOK\r\n")
	waitState(t, s, StateConnecting)

	p.input("\r\nCONNECT 2400\r\n")
	waitState(t, s, StateReceiving)

	p.input(nistFlagged + "\r\n")
	deadline := time.Now().Add(2 * time.Second)
	for fx.filter.sampleCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fx.filter.sampleCount() != 1 {
		t.Fatalf("samples = %d, want 1", fx.filter.sampleCount())
	}
	sample := fx.filter.lastSample()
	if sample.RefID != RefNIST || sample.Yday != 108 || sample.Hour != 21 {
		t.Errorf("sample = %+v", sample)
	}

	// The on-time marker was echoed back during reception.
	if !strings.Contains(p.written(), "#") {
		t.Errorf("written = %q, marker not echoed", p.written())
	}

	ticks(s, timecodeTimeout)
	if fx.filter.commitCount() != 1 {
		t.Errorf("commits = %d, want 1", fx.filter.commitCount())
	}
	if !p.isClosed() {
		t.Error("port not closed after the call")
	}
	m := s.MetricsSync()
	if m.Calls != 1 || m.Connects != 1 || m.Timecodes != 1 || m.Samples != 1 {
		t.Errorf("metrics = %+v", m)
	}
}

func waitState(t *testing.T, s *Session, want SessionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.StateSync() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", s.StateSync(), want)
}
