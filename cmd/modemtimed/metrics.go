package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"modemtime"
)

var (
	sessionInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "modemtime_session_info",
		Help: "Session information",
	}, []string{"unit", "device", "mode"})

	sessionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "modemtime_session_state",
		Help: "Automaton state (0=Idle 1=Setup 2=Connecting 3=ReceivingTimecode)",
	})

	pollsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "modemtime_polls_total",
		Help: "Poll events that passed the mode gate",
	})

	callsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "modemtime_calls_total",
		Help: "Dial attempts",
	})

	connectsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "modemtime_connects_total",
		Help: "Calls that reached CONNECT",
	})

	timecodesTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "modemtime_timecodes_total",
		Help: "Timecode lines accepted by the parser",
	})

	samplesTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "modemtime_samples_total",
		Help: "Samples forwarded to the clock filter",
	})

	badRepliesTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "modemtime_bad_replies_total",
		Help: "Lines of a recognized length that failed extraction",
	})

	badTimesTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "modemtime_bad_times_total",
		Help: "Finalized samples rejected by the clock filter",
	})

	sampleOffset = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "modemtime_sample_offset_seconds",
		Help: "Offset of the last sample against the local clock",
	})

	lastSampleTime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "modemtime_last_sample_timestamp_seconds",
		Help: "Unix time of the last forwarded sample",
	})
)

// initMetrics sets the static info metric.
func initMetrics(cfg *Config) {
	sessionInfo.WithLabelValues(cfg.Modem.Name, cfg.Modem.Device, cfg.Modem.Mode).Set(1)
}

// updateSessionMetrics exports a session statistics snapshot.
func updateSessionMetrics(m *modemtime.Metrics) {
	sessionState.Set(float64(m.State))
	pollsTotal.Set(float64(m.Polls))
	callsTotal.Set(float64(m.Calls))
	connectsTotal.Set(float64(m.Connects))
	timecodesTotal.Set(float64(m.Timecodes))
	samplesTotal.Set(float64(m.Samples))
	badRepliesTotal.Set(float64(m.BadReplies))
	badTimesTotal.Set(float64(m.BadTimes))
	if !m.LastSampleTime.IsZero() {
		lastSampleTime.Set(float64(m.LastSampleTime.Unix()))
	}
}

// updateSampleOffset exports the offset of a freshly accepted sample.
func updateSampleOffset(offset float64) {
	sampleOffset.Set(offset)
}
