package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-can-iap/internal/metrics"
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
					"bus_rx", snap.BusRx,
					"bus_tx", snap.BusTx,
					"accepted", snap.Accepted,
					"filtered", snap.Filtered,
					"overflow_drops", snap.OverflowDrops,
					"dispatched", snap.Dispatched,
					"unhandled", snap.Unhandled,
					"flash_blocks", snap.FlashBlocks,
					"rejected_chunks", snap.RejectedChunks,
					"sessions", snap.Sessions,
					"session_state", snap.SessionState,
					"session_offset", snap.SessionOffset,
					"malformed", snap.Malformed,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
