package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lorenzodimauro97/klipper/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"rx_frames", snap.RxFrames,
					"rx_dropped_bytes", snap.RxDroppedBytes,
					"tx_frames", snap.TxFrames,
					"tx_dropped_msgs", snap.TxDroppedMsgs,
					"tx_discards", snap.TxDiscards,
					"dispatched", snap.Dispatched,
					"admin_commands", snap.AdminCommands,
					"admin_responses", snap.AdminResponses,
					"collisions", snap.Collisions,
					"malformed", snap.Malformed,
					"errors", snap.Errors,
					"assigned", snap.AssignedAddress,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
