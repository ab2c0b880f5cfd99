package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/lorenzodimauro97/klipper/internal/canbus"
	"github.com/lorenzodimauro97/klipper/internal/command"
	"github.com/lorenzodimauro97/klipper/internal/metrics"
	"github.com/lorenzodimauro97/klipper/internal/sched"
)

// Helper implementations live in dedicated files: version.go, config.go,
// logger.go, backend.go, commands.go, mdns.go, metrics_logger.go.

func main() {
	os.Exit(run())
}

func run() int {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("can-node %s (commit %s, built %s)\n", version, commit, date)
		return 0
	}
	if cfg == nil {
		return 2
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	uuid, err := parseUUID(cfg.uuid) // validated during parseFlags
	if err != nil {
		l.Error("uuid_parse_error", "error", err)
		return 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	drv, cleanup, berr := initBackend(cfg, l)
	if berr != nil {
		l.Error("backend_init_error", "error", berr)
		return 1
	}

	s := sched.New()
	reg := command.NewRegistry()
	var framer command.Framer
	tr := canbus.New(drv, s,
		canbus.WithDispatcher(reg),
		canbus.WithLogger(l),
		canbus.WithRetryPolicy(canbus.RetryPolicy{MaxAttempts: cfg.retryMax}),
	)
	registerNodeCommands(reg, tr, &framer, l)
	if err := tr.SetUUID(uuid); err != nil {
		l.Error("uuid_set_error", "error", err)
		cleanup()
		return 1
	}

	startPump(ctx, drv, tr.NotifyRx, l, &wg)

	// Periodic tick: re-arms a transmit buffer stalled on a busy bus and
	// doubles as the receive poll for drivers without readiness edges.
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(cfg.txTick)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if tr.TxPending() {
					tr.NotifyTx()
				}
				tr.NotifyRx()
			case <-ctx.Done():
				return
			}
		}
	}()

	metrics.SetReadinessFunc(func() bool {
		return ctx.Err() == nil && !s.Halted()
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}
	if cfg.mdnsEnable {
		port := metricsPort(cfg.metricsAddr)
		if port == 0 {
			l.Warn("mdns_disabled", "reason", "no metrics-addr to advertise")
		} else if cleanupMDNS, err := startMDNS(ctx, cfg, uuid, port); err != nil {
			l.Warn("mdns_start_failed", "error", err)
		} else {
			l.Info("mdns_started", "service", mdnsServiceType, "port", port)
			defer cleanupMDNS()
		}
	}

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	exitCode := 0
	select {
	case sig := <-sigCh:
		l.Info("shutdown_signal", "signal", sig.String())
		cancel()
		<-runErr
	case err := <-runErr:
		var halt *sched.HaltError
		if errors.As(err, &halt) {
			l.Error("node_halted", "cause", halt.Cause)
			exitCode = 1
		}
		cancel()
	}
	cleanup()
	wg.Wait()
	return exitCode
}

// metricsPort extracts the TCP port from a listen address like ":9100".
func metricsPort(addr string) int {
	if addr == "" {
		return 0
	}
	if _, p, err := net.SplitHostPort(addr); err == nil {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	return 0
}
