package modemtime

import "time"

// Metrics contains cumulative statistics for a session. All counters are
// totals since the session was created.
type Metrics struct {
	// State is the current automaton state
	State SessionState
	// Polls is the number of poll events that passed the mode gate
	Polls int
	// Calls is the number of dial attempts
	Calls int
	// Connects is the number of calls that reached CONNECT
	Connects int
	// Timecodes is the number of timecode lines accepted by the parser
	Timecodes int
	// Samples is the number of samples forwarded to the clock filter
	Samples int
	// BadReplies counts lines of a recognized length that failed extraction
	BadReplies int
	// BadTimes counts finalized samples the clock filter rejected
	BadTimes int
	// LastConnectTime is the timestamp of the last successful connect
	LastConnectTime time.Time
	// LastSampleTime is the timestamp of the last forwarded sample
	LastSampleTime time.Time
}

// Metrics returns a copy of the current session statistics.
// The session lock must be held before calling this method.
// Use MetricsSync for automatic lock management.
func (s *Session) Metrics() *Metrics {
	s.checkLock()
	copy := *s.metrics
	copy.State = s.state
	return &copy
}

// MetricsSync returns a copy of the current session statistics with
// automatic lock management.
func (s *Session) MetricsSync() *Metrics {
	s.Lock()
	defer s.Unlock()
	return s.Metrics()
}
