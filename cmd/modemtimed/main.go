// modemtimed dials telephone time services through a Hayes-compatible modem
// and logs the resulting time samples. SIGUSR1 forces a call.
package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"modemtime"
)

var opts struct {
	Config string `short:"c" long:"config" description:"config file directory"`
	Debug  bool   `short:"d" long:"debug" description:"debug logging, overrides the configured level"`
}

func main() {
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	cfg, err := loadConfig(opts.Config)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if opts.Debug {
		cfg.Modem.LogLevel = "DEBUG"
	}
	setupLogging(cfg.Modem.LogLevel)

	mode, err := cfg.PollMode()
	if err != nil {
		log.WithError(err).Fatal("Bad poll mode")
	}
	pollInterval, err := cfg.PollInterval()
	if err != nil || pollInterval <= 0 {
		log.WithError(err).Fatal("Bad poll interval")
	}
	maxOffset, err := cfg.MaxOffset()
	if err != nil {
		log.WithError(err).Fatal("Bad max offset")
	}

	log.WithFields(log.Fields{
		"unit":   cfg.Modem.Name,
		"device": cfg.Modem.Device,
		"baud":   cfg.Modem.Baud,
		"mode":   cfg.Modem.Mode,
		"phones": len(cfg.Modem.Phones),
	}).Info("Starting modemtimed")

	initMetrics(cfg)
	go func() {
		log.WithField("address", cfg.Modem.MetricsAddr).Info("Starting metrics server")
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cfg.Modem.MetricsAddr, nil); err != nil {
			log.WithError(err).Fatal("Failed to start metrics server")
		}
	}()

	session, err := modemtime.NewSession(&modemtime.SessionConfig{
		Name:     cfg.Modem.Name,
		Device:   cfg.Modem.Device,
		Baud:     cfg.Modem.Baud,
		Phones:   cfg.Modem.Phones,
		Setup:    cfg.Modem.Setup,
		Mode:     mode,
		LockFile: cfg.Modem.LockFile,
		OpenPort: openSerialPort,
		Filter:   &offsetFilter{maxOffset: maxOffset},
		Logger:   log.StandardLogger(),
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to create session")
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)

	second := time.NewTicker(time.Second)
	defer second.Stop()
	poll := time.NewTicker(pollInterval)
	defer poll.Stop()

	// First call right away rather than a full poll interval out.
	session.PollSync()

	for {
		select {
		case <-second.C:
			session.TickSync()
			updateSessionMetrics(session.MetricsSync())
		case <-poll.C:
			session.PollSync()
		case sig := <-sigs:
			if sig == syscall.SIGUSR1 {
				log.Info("Forcing a call")
				session.ForceDialSync()
				continue
			}
			log.WithField("signal", sig.String()).Info("Shutting down")
			if err := session.ShutdownSync(); err != nil {
				log.WithError(err).Error("Shutdown")
			}
			return
		}
	}
}
