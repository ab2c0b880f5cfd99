package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lorenzodimauro97/klipper/internal/driver"
)

// initBackend opens the configured CAN device. The returned cleanup closes it;
// errors are returned instead of exiting so the caller can shut down cleanly.
func initBackend(cfg *appConfig, l *slog.Logger) (driver.Driver, func(), error) {
	switch cfg.backend {
	case "socketcan":
		d, err := driver.OpenSocketCAN(cfg.canIf)
		if err != nil {
			return nil, func() {}, fmt.Errorf("socketcan %s: %w", cfg.canIf, err)
		}
		l.Info("backend_up", "backend", "socketcan", "if", cfg.canIf)
		return d, func() { _ = d.Close() }, nil
	case "serial":
		d, err := driver.OpenSerial(cfg.serialDev, cfg.baud, cfg.serialReadTO)
		if err != nil {
			return nil, func() {}, fmt.Errorf("serial %s: %w", cfg.serialDev, err)
		}
		l.Info("backend_up", "backend", "serial", "dev", cfg.serialDev, "baud", cfg.baud)
		return d, func() { _ = d.Close() }, nil
	case "sim":
		// In-memory bus with a single endpoint; useful for smoke testing the
		// binary without hardware.
		bus := driver.NewBus()
		ep := bus.Open()
		l.Info("backend_up", "backend", "sim")
		return ep, func() { _ = bus.Close() }, nil
	default:
		return nil, func() {}, fmt.Errorf("unknown backend %q (use socketcan|serial|sim)", cfg.backend)
	}
}

// startPump bridges the device's readiness edges to the scheduler when the
// driver supports pumping; otherwise reception relies on the periodic tick.
func startPump(ctx context.Context, d driver.Driver, notify func(), l *slog.Logger, wg *sync.WaitGroup) {
	p, ok := d.(driver.Pumper)
	if !ok {
		l.Warn("backend_no_pump", "note", "falling back to periodic polling")
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Pump(ctx, notify)
	}()
}
