package main

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"modemtime"
)

// offsetFilter is a thin downstream clock filter: it converts each sample to
// an offset against the local clock, rejects readings outside a configurable
// sanity window, and logs the result. Actual clock discipline is someone
// else's job.
type offsetFilter struct {
	maxOffset  time.Duration // 0 disables the sanity check
	lastOffset time.Duration
	samples    int
}

// Sample implements modemtime.ClockFilter.
func (f *offsetFilter) Sample(s *modemtime.TimeSample) error {
	st := sampleTime(s)
	offset := st.Sub(s.Timestamp)
	if f.maxOffset > 0 && (offset > f.maxOffset || offset < -f.maxOffset) {
		return fmt.Errorf("offset %v exceeds sanity window %v", offset, f.maxOffset)
	}
	f.lastOffset = offset
	f.samples++
	updateSampleOffset(offset.Seconds())
	log.WithFields(log.Fields{
		"refid":  s.RefID,
		"leap":   s.Leap.String(),
		"offset": offset.Seconds(),
		"code":   s.Code,
	}).Info("time sample")
	return nil
}

// Commit implements modemtime.ClockFilter.
func (f *offsetFilter) Commit() {
	log.WithFields(log.Fields{
		"samples": f.samples,
		"offset":  f.lastOffset.Seconds(),
	}).Info("call complete")
	f.samples = 0
}

// sampleTime reconstructs the wall-clock instant a sample describes.
func sampleTime(s *modemtime.TimeSample) time.Time {
	t := time.Date(s.Year, time.January, 1, s.Hour, s.Minute, s.Second, s.Nsec, time.UTC)
	return t.AddDate(0, 0, s.Yday-1)
}
