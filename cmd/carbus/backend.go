package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/avast/retry-go"

	"github.com/kstaniek/go-carbus/internal/can"
	"github.com/kstaniek/go-carbus/internal/isotp"
	"github.com/kstaniek/go-carbus/internal/metrics"
	"github.com/kstaniek/go-carbus/internal/port"
	"github.com/kstaniek/go-carbus/internal/slcan"
)

// Hooks for tests.
var (
	openSerial = func(dev string, baud, bitrate int, readTO time.Duration, l *slog.Logger) (port.Link, error) {
		k, err := slcan.Open(dev, baud, bitrate, readTO, slcan.WithLogger(l))
		if err != nil {
			return nil, err
		}
		return k, nil
	}
	addPort = func(ctx context.Context, iface string, a isotp.Addressing, cons port.Consumer, opts ...port.Option) (*port.Port, func() error, error) {
		coll, err := port.NewCollection(ctx, iface, opts...)
		if err != nil {
			return nil, nil, err
		}
		p, err := coll.Add(iface, a, cons)
		if err != nil {
			_ = coll.Close()
			return nil, nil, err
		}
		return p, coll.Close, nil
	}
)

// backend is the set of running ports plus their teardown.
type backend struct {
	ports []*port.Port
	close func() error
}

func portOptions(cfg *appConfig, cons *appConsumer) []port.Option {
	opts := []port.Option{
		port.WithTransportConfig(cfg.transportConfig()),
		port.WithIndication(cons.onIndication),
	}
	if cfg.monitor {
		opts = append(opts, port.WithMonitor(), port.WithFrameHook(cons.onFrame))
	}
	return opts
}

// initBackend opens every configured link, retrying while interfaces come up.
func initBackend(ctx context.Context, cfg *appConfig, cons *appConsumer, l *slog.Logger) (*backend, error) {
	opts := portOptions(cfg, cons)
	addressing := cfg.addressingScheme()
	switch cfg.backend {
	case "slcan":
		link, err := withRetry(ctx, cfg, l, cfg.serialDev, func() (port.Link, error) {
			return openSerial(cfg.serialDev, cfg.baud, cfg.bitrate, cfg.serialReadTO, l)
		})
		if err != nil {
			return nil, err
		}
		p, err := port.New(ctx, cfg.serialDev, link, addressing, cons, append(opts, port.WithLogger(l))...)
		if err != nil {
			_ = link.Close()
			return nil, err
		}
		l.Info("slcan_start", "device", cfg.serialDev, "bitrate", cfg.bitrate)
		return &backend{ports: []*port.Port{p}, close: p.Close}, nil
	default:
		opts = append(opts, port.WithLogger(l))
		var closers []func() error
		b := &backend{close: func() error {
			var errs []error
			for _, c := range closers {
				errs = append(errs, c())
			}
			return errors.Join(errs...)
		}}
		for _, iface := range cfg.interfaces() {
			var closeIface func() error
			p, err := withRetry(ctx, cfg, l, iface, func() (*port.Port, error) {
				p, c, err := addPort(ctx, iface, addressing, cons, opts...)
				closeIface = c
				return p, err
			})
			if err != nil {
				_ = b.close()
				return nil, err
			}
			closers = append(closers, closeIface)
			l.Info("socketcan_start", "iface", iface)
			b.ports = append(b.ports, p)
		}
		return b, nil
	}
}

// permanent reports errors no retry can fix.
func permanent(err error) bool {
	return errors.Is(err, can.ErrConfiguration) ||
		errors.Is(err, can.ErrValidation) ||
		errors.Is(err, port.ErrAlreadyConnected)
}

func withRetry[T any](ctx context.Context, cfg *appConfig, l *slog.Logger, link string, open func() (T, error)) (T, error) {
	var out T
	err := retry.Do(func() error {
		v, err := open()
		if err != nil {
			return err
		}
		out = v
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(cfg.bindRetries),
		retry.Delay(cfg.bindRetryDelay),
		retry.RetryIf(func(err error) bool { return !permanent(err) }),
		retry.OnRetry(func(n uint, err error) {
			metrics.IncError(metrics.ErrBind)
			l.Warn("link_open_retry", "link", link, "attempt", n+1, "error", err)
		}),
		retry.LastErrorOnly(true),
	)
	return out, err
}
