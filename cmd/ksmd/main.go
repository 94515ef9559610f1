// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Binary ksmd is the page-merging background daemon: it owns one
// internal/ksm.Engine, drives its scan loop, and serves the control surface
// over an abstract unix socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
	gvisorcontrol "github.com/wilinz/gvisor/pkg/control/server"
	"golang.org/x/sync/errgroup"

	"github.com/wilinz/ksmd/internal/control"
	"github.com/wilinz/ksmd/internal/gvisorctx"
	"github.com/wilinz/ksmd/internal/hostvm"
	"github.com/wilinz/ksmd/internal/ksm"
	"github.com/wilinz/ksmd/internal/ksmconfig"
)

var (
	configPath = flag.String("config", "", "path to a TOML configuration file")
	demo       = flag.Bool("demo", false, "run against an in-process mmap-backed simulated host instead of a production host-VM backend")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ksmd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := ksmconfig.Load(*configPath)
	if err != nil {
		return err
	}

	log := newLogger(cfg.LogLevel)

	lock := flock.New(cfg.PidFile)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire pidfile lock %s: %w", cfg.PidFile, err)
	}
	if !locked {
		return fmt.Errorf("another ksmd instance holds %s", cfg.PidFile)
	}
	defer lock.Unlock()

	mode, err := ksm.ParseMode(cfg.Run)
	if err != nil {
		return err
	}

	var host hostvm.Host
	if *demo {
		host = hostvm.NewSimulatedHost()
		log.Info("running against a simulated host-VM backend")
	} else {
		return fmt.Errorf("ksmd: no production host-VM backend wired in this build; pass -demo to run against the simulated backend")
	}

	engine := ksm.NewEngine(host, log.WithField("component", "engine"), cfg.SleepMillisecs, cfg.PagesToScan, cfg.MaxKernelPages)
	if mode != ksm.ModeStop {
		if err := engine.SetMode(gvisorctx.Background(), mode); err != nil {
			return fmt.Errorf("set initial run mode: %w", err)
		}
	}

	srv, err := newControlServer(cfg.ControlAddr, engine)
	if err != nil {
		return fmt.Errorf("start control server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(gvisorctx.WithContext(gctx))
	})
	g.Go(func() error {
		return watchdogLoop(gctx)
	})

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.WithError(err).Warn("systemd notify failed")
	} else if ok {
		log.Info("notified systemd readiness")
	}

	<-ctx.Done()
	log.Info("shutting down")
	srv.Stop(5 * time.Second)

	return g.Wait()
}

// newControlServer binds addr and registers the control.Ksm object,
// following the same Create/Register/StartServing sequence the host
// toolchain's own admin sockets use.
func newControlServer(addr string, engine *ksm.Engine) (*gvisorcontrol.Server, error) {
	srv, err := gvisorcontrol.Create(addr)
	if err != nil {
		return nil, err
	}
	srv.Register(&control.Ksm{Engine: engine})
	if err := srv.StartServing(); err != nil {
		return nil, err
	}
	return srv, nil
}

// watchdogLoop pings systemd's watchdog at half the configured interval, if
// WATCHDOG_USEC is set in the environment; otherwise it is a no-op that
// simply waits for cancellation.
func watchdogLoop(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		<-ctx.Done()
		return nil
	}
	// Jitter slightly below half the interval so near-simultaneous
	// daemons don't all ping systemd in lockstep.
	period := interval / 2
	jitter := time.Duration(rand.Int63n(int64(period / 10)))
	ticker := time.NewTicker(period - jitter)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				logrus.WithError(err).Warn("systemd watchdog notify failed")
			}
		}
	}
}

func newLogger(level string) *logrus.Entry {
	l := logrus.New()
	if lvl, err := logrus.ParseLevel(level); err == nil {
		l.SetLevel(lvl)
	}
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return logrus.NewEntry(l)
}
