// Package port binds one CAN link to an event loop and an ISO-TP transport.
//
// A Port owns a reactor.Loop. Frames read from the link, transport timers and
// every caller request run on that loop, so the transport needs no locking.
package port

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/kstaniek/go-carbus/internal/can"
	"github.com/kstaniek/go-carbus/internal/isotp"
	"github.com/kstaniek/go-carbus/internal/logging"
	"github.com/kstaniek/go-carbus/internal/metrics"
	"github.com/kstaniek/go-carbus/internal/reactor"
)

// Link is a readiness-driven CAN link such as a socketcan.Socket or an
// slcan.Link. Read returns can.ErrWouldBlock when nothing is queued and an
// error wrapping net.ErrClosed once the link is gone.
type Link interface {
	WaitReadable(timeout time.Duration) (bool, error)
	Read() (can.Received, error)
	WriteFrame(can.Frame) error
	Close() error
}

// Optional link capabilities applied by New.
type (
	filterSetter interface {
		SetFilters([]can.Filter) error
	}
	errorMaskSetter interface {
		SetErrorMask(can.ErrorClass) error
	}
	writeTimeoutSetter interface {
		SetWriteTimeout(time.Duration) error
	}
	writableWaiter interface {
		WaitWritable(timeout time.Duration) (bool, error)
	}
)

// ErrNotWritable is returned by writes when the link transmit queue stays
// full for the whole N_As budget. It reports Timeout() == true.
var ErrNotWritable error = notWritableError{}

type notWritableError struct{}

func (notWritableError) Error() string { return "port: link not writable" }
func (notWritableError) Timeout() bool { return true }

// Consumer receives reassembled messages and error frames. Both callbacks
// run on the port loop and must not block.
type Consumer interface {
	isotp.Handler
	OnErrorFrame(r can.Received)
}

// loopQueueSize is the capacity of the loop work queue.
const loopQueueSize = 256

type options struct {
	cfg        isotp.Config
	log        *slog.Logger
	hook       func(can.Received)
	indication func(isotp.Indication)
	errorMask  can.ErrorClass
	monitor    bool
}

// Option configures a Port.
type Option func(*options)

// WithTransportConfig sets the ISO-TP parameters.
func WithTransportConfig(c isotp.Config) Option { return func(o *options) { o.cfg = c } }

// WithLogger sets the logger for the port and its transport.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.log = l } }

// WithFrameHook observes every received frame, error frames included,
// before it is dispatched.
func WithFrameHook(fn func(can.Received)) Option { return func(o *options) { o.hook = fn } }

// WithIndication forwards transport indications.
func WithIndication(fn func(isotp.Indication)) Option { return func(o *options) { o.indication = fn } }

// WithErrorMask selects the error classes the link delivers.
// The default is can.AllErrorClasses.
func WithErrorMask(m can.ErrorClass) Option { return func(o *options) { o.errorMask = m } }

// WithMonitor keeps the link filters open so the frame hook sees all
// traffic, not only frames addressed to this node.
func WithMonitor() Option { return func(o *options) { o.monitor = true } }

// Port is one link served by one loop.
type Port struct {
	name     string
	link     Link
	loop     *reactor.Loop
	tp       *isotp.Transport
	consumer Consumer
	hook     func(can.Received)
	log      *slog.Logger

	// writeWait bounds the writability wait before a frame is written.
	writeWait time.Duration

	closeOnce sync.Once
	closeErr  error
	goneOnce  sync.Once
	gone      chan struct{}
}

// New configures link for addressing and starts serving it. Cancelling
// ctx closes the port; the loop itself outlives ctx so Close can still
// abort transfers in progress.
func New(ctx context.Context, name string, link Link, addressing isotp.Addressing, c Consumer, opts ...Option) (*Port, error) {
	o := options{cfg: isotp.DefaultConfig(), errorMask: can.AllErrorClasses}
	for _, fn := range opts {
		fn(&o)
	}
	if o.log == nil {
		o.log = logging.For("port")
	}
	log := o.log.With("port", name)
	if c == nil {
		return nil, fmt.Errorf("%w: port %s needs a consumer", can.ErrConfiguration, name)
	}
	if err := configureLink(link, addressing, o); err != nil {
		return nil, err
	}
	p := &Port{
		name:     name,
		link:     link,
		consumer: c,
		hook:     o.hook,
		log:      log,
		gone:     make(chan struct{}),

		writeWait: o.cfg.TimeoutAs,
	}
	p.loop = reactor.New(context.Background(), loopQueueSize, reactor.Hooks{
		OnPanic:      func(any) { metrics.IncError(metrics.ErrLoopPanic) },
		OnWatchError: func(error) { metrics.IncError(metrics.ErrLinkPoll) },
	})
	tpOpts := []isotp.Option{isotp.WithConfig(o.cfg), isotp.WithLogger(log.With("component", "isotp"))}
	if o.indication != nil {
		tpOpts = append(tpOpts, isotp.WithIndication(o.indication))
	}
	tp, err := isotp.New(frameWriter{p}, addressing, c, p.loop, tpOpts...)
	if err != nil {
		p.loop.Close()
		return nil, err
	}
	p.tp = tp
	p.loop.Watch(p)
	go p.closeOnDone(ctx)
	log.Info("port_start", "node", fmt.Sprintf("%02X", addressing.Local()), "monitor", o.monitor)
	return p, nil
}

func (p *Port) closeOnDone(ctx context.Context) {
	select {
	case <-ctx.Done():
		_ = p.Close()
	case <-p.gone:
	}
}

func configureLink(link Link, addressing isotp.Addressing, o options) error {
	if fs, ok := link.(filterSetter); ok {
		var filters []can.Filter
		if !o.monitor {
			filters = addressing.Filters()
		} else {
			// a zero mask matches everything
			filters = []can.Filter{{}}
		}
		if err := fs.SetFilters(filters); err != nil {
			return fmt.Errorf("set filters: %w", err)
		}
	}
	if em, ok := link.(errorMaskSetter); ok {
		if err := em.SetErrorMask(o.errorMask); err != nil {
			return fmt.Errorf("set error mask: %w", err)
		}
	}
	if wt, ok := link.(writeTimeoutSetter); ok {
		if err := wt.SetWriteTimeout(o.cfg.TimeoutAs); err != nil {
			return fmt.Errorf("set write timeout: %w", err)
		}
	}
	return nil
}

// Name returns the link name.
func (p *Port) Name() string { return p.name }

// Done is closed when the link goes away or the port is closed.
func (p *Port) Done() <-chan struct{} { return p.gone }

// WaitReadable implements reactor.Source.
func (p *Port) WaitReadable(timeout time.Duration) (bool, error) {
	ok, err := p.link.WaitReadable(timeout)
	if err != nil && errors.Is(err, net.ErrClosed) {
		return false, fmt.Errorf("%w: %w", reactor.ErrSourceClosed, err)
	}
	return ok, err
}

// OnReadable implements reactor.Source: it reads and dispatches one frame.
func (p *Port) OnReadable() {
	r, err := p.link.Read()
	switch {
	case err == nil:
	case errors.Is(err, can.ErrWouldBlock):
		return
	case errors.Is(err, can.ErrFormat):
		metrics.IncMalformed()
		p.log.Debug("link_malformed_frame", "error", err)
		return
	default:
		metrics.IncError(metrics.ErrLinkRead)
		p.log.Warn("link_read_error", "error", err)
		return
	}
	metrics.IncRx()
	if p.hook != nil {
		p.hook(r)
	}
	if r.Frame.Error {
		var classes []string
		if r.Report != nil {
			for _, c := range r.Report.Classes.Classes() {
				classes = append(classes, c.String())
			}
		}
		metrics.IncErrorFrame(classes)
		p.consumer.OnErrorFrame(r)
		return
	}
	p.tp.OnFrame(r.Frame)
}

// OnClose implements reactor.Source. Transfers in progress are aborted.
func (p *Port) OnClose() {
	p.log.Warn("link_closed")
	p.tp.Close()
	p.goneOnce.Do(func() { close(p.gone) })
}

type frameWriter struct{ p *Port }

func (w frameWriter) WriteFrame(f can.Frame) error { return w.p.write(f) }

// IsWritable reports whether the link accepts a frame right now. Links
// without transmit readiness are writable until the port is gone.
func (p *Port) IsWritable() bool {
	select {
	case <-p.gone:
		return false
	default:
	}
	w, ok := p.link.(writableWaiter)
	if !ok {
		return true
	}
	ready, err := w.WaitWritable(0)
	return err == nil && ready
}

// awaitWritable gates every write. A busy link gets up to writeWait to
// drain before the write fails with ErrNotWritable.
func (p *Port) awaitWritable() error {
	if p.IsWritable() {
		return nil
	}
	w, ok := p.link.(writableWaiter)
	if !ok {
		return fmt.Errorf("port %s: %w", p.name, net.ErrClosed)
	}
	ready, err := w.WaitWritable(p.writeWait)
	switch {
	case err != nil:
		return err
	case !ready:
		return ErrNotWritable
	}
	return nil
}

func (p *Port) write(f can.Frame) error {
	if err := p.awaitWritable(); err != nil {
		metrics.IncError(metrics.ErrLinkWrite)
		return err
	}
	if err := p.link.WriteFrame(f); err != nil {
		metrics.IncError(metrics.ErrLinkWrite)
		return err
	}
	metrics.IncTx()
	return nil
}

// Send transmits payload with ISO-TP and waits for the transfer result.
// A context error leaves the transfer running. Send blocks on the loop, so
// it must not be called from a Consumer callback.
func (p *Port) Send(ctx context.Context, payload []byte, to isotp.Address) (isotp.Result, error) {
	var pend *isotp.Pending
	if err := p.loop.Do(ctx, func() { pend = p.tp.Send(payload, to) }); err != nil {
		return isotp.ResultError, err
	}
	return pend.Wait(ctx)
}

// WriteFrame sends one raw frame outside of any transfer.
func (p *Port) WriteFrame(ctx context.Context, f can.Frame) error {
	var err error
	if derr := p.loop.Do(ctx, func() { err = p.write(f) }); derr != nil {
		return derr
	}
	return err
}

// ChangeParameter adjusts the advertised flow control parameters.
func (p *Port) ChangeParameter(ctx context.Context, param isotp.Parameter, value int) (isotp.ChangeResult, error) {
	var r isotp.ChangeResult
	err := p.loop.Do(ctx, func() { r = p.tp.ChangeParameter(param, value) })
	return r, err
}

// Sessions returns the number of transfers in progress.
func (p *Port) Sessions(ctx context.Context) (int, error) {
	var n int
	err := p.loop.Do(ctx, func() { n = p.tp.Sessions() })
	return n, err
}

// Close aborts transfers, closes the link and stops the loop. Like Send it
// must not be called from a Consumer callback.
func (p *Port) Close() error {
	p.closeOnce.Do(func() {
		_ = p.loop.Do(context.Background(), p.tp.Close)
		err := p.link.Close()
		if err != nil && !errors.Is(err, net.ErrClosed) {
			p.closeErr = err
		}
		p.loop.Close()
		p.goneOnce.Do(func() { close(p.gone) })
		p.log.Info("port_stop")
	})
	return p.closeErr
}

var _ reactor.Source = (*Port)(nil)
