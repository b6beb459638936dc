//go:build !linux

package socketcan

import (
	"log/slog"
	"syscall"
	"time"

	"github.com/kstaniek/go-carbus/internal/can"
)

// Socket is unavailable off Linux; every call fails with ErrUnsupported.
type Socket struct{}

// Option configures a Socket.
type Option func(*Socket)

// WithLogger is accepted for API parity.
func WithLogger(*slog.Logger) Option { return func(*Socket) {} }

func New(...Option) (*Socket, error) { return nil, ErrUnsupported }
func Open(string, ...Option) (*Socket, error) { return nil, ErrUnsupported }
func (*Socket) Bind(string) error { return ErrUnsupported }
func (*Socket) Name() string { return "" }
func (*Socket) Index() int { return 0 }
func (*Socket) Bound() bool { return false }
func (*Socket) Read() (can.Received, error) { return can.Received{}, ErrUnsupported }
func (*Socket) WriteFrame(can.Frame) error { return ErrUnsupported }
func (*Socket) WaitReadable(time.Duration) (bool, error) {
	return false, ErrUnsupported
}
func (*Socket) WaitWritable(time.Duration) (bool, error) {
	return false, ErrUnsupported
}
func (*Socket) SetErrorMask(can.ErrorClass) error { return ErrUnsupported }
func (*Socket) ErrorMask() (can.ErrorClass, error) { return 0, ErrUnsupported }
func (*Socket) SetLoopback(bool) error { return ErrUnsupported }
func (*Socket) Loopback() (bool, error) { return false, ErrUnsupported }
func (*Socket) SetReceiveOwn(bool) error { return ErrUnsupported }
func (*Socket) ReceiveOwn() (bool, error) { return false, ErrUnsupported }
func (*Socket) SetFilters([]can.Filter) error { return ErrUnsupported }
func (*Socket) Filters() ([]can.Filter, error) { return nil, ErrUnsupported }
func (*Socket) SetWriteTimeout(time.Duration) error { return ErrUnsupported }
func (*Socket) Close() error { return ErrUnsupported }

func errnoTimeout(e syscall.Errno) bool { return e.Timeout() }
