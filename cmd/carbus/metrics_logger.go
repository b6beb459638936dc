package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/kstaniek/go-carbus/internal/metrics"
)

func runMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger) error {
	if interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			snap := metrics.Snap()
			l.Info("metrics_snapshot",
				"rx_frames", snap.RxFrames,
				"tx_frames", snap.TxFrames,
				"error_frames", snap.ErrorFrames,
				"isotp_rx", snap.ISOTPRx,
				"isotp_tx", snap.ISOTPTx,
				"isotp_aborts", snap.ISOTPAborts,
				"sessions", snap.Sessions,
				"errors", snap.Errors,
				"malformed", snap.Malformed,
			)
		case <-ctx.Done():
			return nil
		}
	}
}
