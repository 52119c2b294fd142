// timesim simulates a dial-up time service behind a pseudo-terminal: a
// Hayes-compatible modem that answers any dial command with CONNECT and then
// streams timecode lines in a chosen service format. Point modemtimed at the
// printed tty path to exercise a full call without a phone line.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aymanbagabas/go-pty"
	"github.com/jessevdk/go-flags"
)

var opts struct {
	Format   string        `short:"f" long:"format" default:"nist" choice:"nist" choice:"usno" choice:"ptb" choice:"spectracom0" choice:"spectracom2" description:"timecode format to transmit"`
	Count    int           `short:"n" long:"count" default:"15" description:"timecode lines per call"`
	Interval time.Duration `short:"i" long:"interval" default:"1s" description:"delay between timecode lines"`
	Direct   bool          `long:"direct" description:"no modem emulation; stream after a 'T' poll character"`
	Flag     string        `long:"otm" default:"*" description:"NIST on-time flag character"`
}

func main() {
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	tty, err := pty.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pty: %v\n", err)
		os.Exit(1)
	}
	defer tty.Close()
	fmt.Printf("tty path: %s\n", tty.Name())

	sim := &simulator{
		tty:      tty,
		format:   opts.Format,
		count:    opts.Count,
		interval: opts.Interval,
		direct:   opts.Direct,
		flag:     byte(opts.Flag[0]),
		in:       make(chan byte, 1024),
	}
	go sim.readTask()
	sim.run()
}

type simulator struct {
	tty      pty.Pty
	format   string
	count    int
	interval time.Duration
	direct   bool
	flag     byte
	in       chan byte
}

// readTask pumps raw tty bytes into the input channel.
func (s *simulator) readTask() {
	buf := make([]byte, 1)
	for {
		n, err := s.tty.Read(buf)
		if err != nil || n == 0 {
			close(s.in)
			return
		}
		s.in <- buf[0]
	}
}

// run emulates the modem command loop. In direct mode the service streams
// whenever the client writes its poll character.
func (s *simulator) run() {
	var line []byte
	for b := range s.in {
		if s.direct {
			if b == 'T' {
				s.stream()
			}
			continue
		}
		switch b {
		case '\r':
			s.command(strings.ToUpper(strings.TrimSpace(string(line))))
			line = line[:0]
		case '\n':
		default:
			line = append(line, b)
		}
	}
}

// command answers one AT command line.
func (s *simulator) command(cmd string) {
	if !strings.HasPrefix(cmd, "AT") {
		return
	}
	if strings.HasPrefix(cmd, "ATD") {
		fmt.Printf("dialing %s\n", strings.TrimSpace(cmd[3:]))
		time.Sleep(2 * time.Second)
		s.writeString("\r\nCONNECT\r\n")
		s.stream()
		s.writeString("\r\nNO CARRIER\r\n")
		return
	}
	s.writeString("\r\nOK\r\n")
}

// stream transmits the configured number of timecode lines, discarding the
// on-time marker bytes the client echoes back.
func (s *simulator) stream() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	sent := 0
	for sent < s.count {
		select {
		case <-ticker.C:
			for _, line := range s.timecode(time.Now().UTC()) {
				s.writeString(line + "\r\n")
			}
			sent++
		case _, ok := <-s.in:
			if !ok {
				return
			}
			// echoed on-time marker, discard
		}
	}
}

func (s *simulator) writeString(str string) {
	if _, err := s.tty.Write([]byte(str)); err != nil {
		fmt.Fprintf(os.Stderr, "write: %v\n", err)
	}
}

// timecode renders the current instant in the configured wire format. USNO
// sends its on-time marker on a second line.
func (s *simulator) timecode(t time.Time) []string {
	mjd := int(t.Unix()/86400) + 40587
	yy := t.Year() % 100
	switch s.format {
	case "usno":
		return []string{
			fmt.Sprintf("%05d %03d %02d%02d%02d UTC", mjd, t.YearDay(), t.Hour(), t.Minute(), t.Second()),
			"*",
		}
	case "ptb":
		line := fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d UTC  ", t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second()) +
			"000000000000" +
			fmt.Sprintf("%04d%02d%02d%02d%02d%05d", t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), mjd) +
			"+1" + "0" + "00" + "050" + "000000000000000" + "0"
		return []string{line}
	case "spectracom0":
		return []string{fmt.Sprintf("   %03d %02d:%02d:%02d DTZ=00", t.YearDay(), t.Hour(), t.Minute(), t.Second())}
	case "spectracom2":
		return []string{fmt.Sprintf("  %02d %03d %02d:%02d:%02d.%03d   ",
			yy, t.YearDay(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond()/1000000)}
	default: // nist
		return []string{fmt.Sprintf("%05d %02d-%02d-%02d %02d:%02d:%02d 50 0 +.1 045.0 UTC(NIST) %c",
			mjd, yy, t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), s.flag)}
	}
}
