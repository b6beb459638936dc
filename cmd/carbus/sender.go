package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/kstaniek/go-carbus/internal/isotp"
)

// messageSender is the part of port.Port the sender needs.
type messageSender interface {
	Name() string
	Send(ctx context.Context, payload []byte, to isotp.Address) (isotp.Result, error)
}

// runSender sends payload to the peer once, or every interval when it is
// positive, until ctx ends. Failed transfers are logged, not fatal.
func runSender(ctx context.Context, p messageSender, payload []byte, to isotp.Address, interval time.Duration, l *slog.Logger) error {
	send := func() {
		start := time.Now()
		r, err := p.Send(ctx, payload, to)
		switch {
		case err != nil:
			if ctx.Err() == nil {
				l.Warn("isotp_send_error", "port", p.Name(), "to", to.String(), "error", err)
			}
		case !r.OK():
			l.Warn("isotp_send_failed", "port", p.Name(), "to", to.String(), "result", r.String())
		default:
			l.Info("isotp_sent", "port", p.Name(), "to", to.String(), "len", len(payload), "took", time.Since(start))
		}
	}
	send()
	if interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			send()
		case <-ctx.Done():
			return nil
		}
	}
}
