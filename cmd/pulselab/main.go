// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Command pulselab captures a series of trigger-synchronised voltage and
// current pulses and appends them to the run's dataset.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/OpenPSG/pulselab/acquisition"
	"github.com/OpenPSG/pulselab/acquisition/sim"
	"github.com/OpenPSG/pulselab/internal/events"
	"github.com/OpenPSG/pulselab/internal/status"
	"github.com/OpenPSG/pulselab/session"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := run(logger); err != nil {
		logger.Error("pulselab failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	configPath := flag.String("config", "", "Run configuration file (YAML)")
	pulses := flag.Int("pulses", 0, "Override the number of pulses to capture")
	runName := flag.String("run", "", "Override the run name")
	device := flag.String("device", "sim", "Oscilloscope driver")
	debug := flag.Bool("debug", false, "Log every captured pulse")
	flag.Parse()

	if *debug {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	cfg, err := session.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *pulses > 0 {
		cfg.Pulses = *pulses
	}
	if *runName != "" {
		cfg.RunName = *runName
	}

	dev, err := openDriver(*device)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracker := session.NewTracker()
	opts := []session.Option{session.WithLogger(logger), session.WithTracker(tracker)}

	if cfg.NATSURL != "" {
		publisher, err := events.NewPublisher(cfg.NATSURL)
		if err != nil {
			return err
		}
		defer publisher.Close()
		opts = append(opts, session.WithNotifier(publisher))
	}

	if cfg.StatusAddr != "" {
		srv := &http.Server{
			Addr:         cfg.StatusAddr,
			Handler:      (&status.Handler{Tracker: tracker, Logger: logger}).Router(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  30 * time.Second,
		}
		go func() {
			logger.Info("status server listening", slog.String("addr", cfg.StatusAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server error", slog.String("error", err.Error()))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	res, err := session.Run(ctx, cfg, dev, opts...)
	if err != nil {
		if res.PulsesWritten > 0 {
			logger.Warn("run incomplete, written pulses kept",
				slog.String("path", res.DatasetPath),
				slog.Int("pulses_written", res.PulsesWritten),
				slog.Int("last_pulse_id", res.LastPulseID))
		}
		return err
	}

	fmt.Printf("wrote pulses %d..%d to %s\n", res.FirstPulseID, res.LastPulseID, res.DatasetPath)
	return nil
}

func openDriver(name string) (acquisition.Device, error) {
	switch name {
	case "sim":
		return sim.New(), nil
	default:
		return nil, fmt.Errorf("unknown device driver %q", name)
	}
}
