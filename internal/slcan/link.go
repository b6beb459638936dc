package slcan

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/kstaniek/go-carbus/internal/can"
	"github.com/kstaniek/go-carbus/internal/logging"
	"github.com/kstaniek/go-carbus/internal/metrics"
)

const readBufSize = 4096

var (
	// ErrClosed is returned by every operation after Close. It wraps
	// net.ErrClosed.
	ErrClosed = fmt.Errorf("slcan: %w", net.ErrClosed)
	// ErrWouldBlock is returned by Read when no frame is queued.
	ErrWouldBlock = can.ErrWouldBlock
)

// Link is a CAN link over a Lawicel serial adapter. It offers the same
// readiness contract as a SocketCAN socket: WaitReadable fills an internal
// queue, Read pops one frame.
type Link struct {
	mu      sync.Mutex
	port    Port
	codec   Codec
	name    string
	queue   []can.Received
	filters []can.Filter
	closed  bool
	log     *slog.Logger
	now     func() time.Time

	// rx and rbuf are only touched by the goroutine calling WaitReadable.
	rx   bytes.Buffer
	rbuf []byte
}

// Option configures a Link.
type Option func(*Link)

// WithLogger sets the logger used for lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(k *Link) {
		if l != nil {
			k.log = l
		}
	}
}

// openPort is a hook for tests.
var openPort = OpenPort

// Open opens dev and brings the adapter on the bus at bitrate.
func Open(dev string, baud, bitrate int, readTimeout time.Duration, opts ...Option) (*Link, error) {
	if _, err := BitrateCommand(bitrate); err != nil {
		return nil, err
	}
	p, err := openPort(dev, baud, readTimeout)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", dev, err)
	}
	l, err := New(p, dev, bitrate, opts...)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	return l, nil
}

// New runs the adapter setup sequence on an already open port: close any
// open channel, set the bitrate, open the channel.
func New(p Port, name string, bitrate int, opts ...Option) (*Link, error) {
	setup, err := BitrateCommand(bitrate)
	if err != nil {
		return nil, err
	}
	l := &Link{port: p, name: name, now: time.Now, rbuf: make([]byte, readBufSize)}
	for _, o := range opts {
		o(l)
	}
	if l.log == nil {
		l.log = logging.For("slcan")
	}
	for _, cmd := range []string{"C", setup, "O"} {
		if _, err := p.Write([]byte(cmd + "\r")); err != nil {
			return nil, fmt.Errorf("slcan %s: %w", cmd, err)
		}
	}
	l.log.Info("slcan_open", "device", name, "bitrate", bitrate)
	return l, nil
}

// Name returns the device name.
func (l *Link) Name() string { return l.name }

// SetFilters installs acceptance filters applied in software. An empty set
// accepts every frame.
func (l *Link) SetFilters(filters []can.Filter) error {
	if len(filters) > can.MaxFilters {
		return fmt.Errorf("%w: %d filters exceeds limit %d", can.ErrConfiguration, len(filters), can.MaxFilters)
	}
	l.mu.Lock()
	l.filters = append([]can.Filter(nil), filters...)
	l.mu.Unlock()
	return nil
}

// WaitReadable reports whether a frame is queued, reading from the port once
// if not. The wait is bounded by the port read timeout rather than timeout.
func (l *Link) WaitReadable(time.Duration) (bool, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false, ErrClosed
	}
	if len(l.queue) > 0 {
		l.mu.Unlock()
		return true, nil
	}
	l.mu.Unlock()

	n, err := l.port.Read(l.rbuf)
	if n > 0 {
		l.rx.Write(l.rbuf[:n])
		l.decode()
	}
	if err != nil {
		l.mu.Lock()
		closed := l.closed
		l.mu.Unlock()
		var perr *os.PathError
		switch {
		case closed:
			return false, ErrClosed
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			// read timeout with no data
		case errors.As(err, &perr):
			return false, fmt.Errorf("%w: %w", ErrClosed, err)
		default:
			metrics.IncError(metrics.ErrSerialRead)
			return false, fmt.Errorf("slcan read: %w", err)
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue) > 0, nil
}

func (l *Link) decode() {
	ts := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	nacks := l.codec.DecodeStream(&l.rx, func(f can.Frame) {
		if can.Accept(l.filters, f) {
			l.queue = append(l.queue, can.Received{Frame: f, Timestamp: ts})
		}
	})
	for i := 0; i < nacks; i++ {
		metrics.IncError(metrics.ErrSerialNack)
		l.log.Warn("slcan_nack", "device", l.name)
	}
}

// Read pops one queued frame. Adapters do not report bus errors as frames,
// so Report is always nil.
func (l *Link) Read() (can.Received, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return can.Received{}, ErrClosed
	}
	if len(l.queue) == 0 {
		return can.Received{}, ErrWouldBlock
	}
	r := l.queue[0]
	l.queue[0] = can.Received{}
	l.queue = l.queue[1:]
	if len(l.queue) == 0 {
		l.queue = nil
	}
	return r, nil
}

// WriteFrame sends one frame.
func (l *Link) WriteFrame(f can.Frame) error {
	b, err := l.codec.Encode(f)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	n, err := l.port.Write(b)
	if err != nil {
		return fmt.Errorf("slcan write: %w", err)
	}
	if n != len(b) {
		return fmt.Errorf("slcan write: %d of %d bytes", n, len(b))
	}
	return nil
}

// Close takes the adapter off the bus and closes the port.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.closed = true
	_, _ = l.port.Write([]byte("C\r"))
	err := l.port.Close()
	l.log.Info("slcan_close", "device", l.name)
	return err
}
