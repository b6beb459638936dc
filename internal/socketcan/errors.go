package socketcan

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/kstaniek/go-carbus/internal/can"
)

var (
	// ErrNotFound is returned by Bind when the interface does not exist.
	ErrNotFound = errors.New("socketcan: interface not found")
	// ErrAlreadyBound is returned by a second Bind.
	ErrAlreadyBound = errors.New("socketcan: already bound")
	// ErrNotBound is returned by traffic operations on an unbound socket.
	ErrNotBound = errors.New("socketcan: not bound")
	// ErrClosed is returned by every operation after Close. It wraps
	// net.ErrClosed.
	ErrClosed = fmt.Errorf("socketcan: %w", net.ErrClosed)
	// ErrShortWrite is returned when the kernel did not take the whole frame.
	ErrShortWrite = errors.New("socketcan: short write")
	// ErrWouldBlock is returned by Read when no frame is queued.
	ErrWouldBlock = can.ErrWouldBlock
	// ErrUnsupported is returned on platforms without SocketCAN.
	ErrUnsupported = errors.New("socketcan: unsupported platform")
)

// SystemCallError reports a failed OS call.
type SystemCallError struct {
	Op    string
	Errno syscall.Errno
}

func (e *SystemCallError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Errno) }

func (e *SystemCallError) Unwrap() error { return e.Errno }

// Timeout reports whether the call gave up waiting on the kernel, either
// through a send timeout or a full transmit queue.
func (e *SystemCallError) Timeout() bool { return errnoTimeout(e.Errno) }

func sysErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var en syscall.Errno
	if errors.As(err, &en) {
		return &SystemCallError{Op: op, Errno: en}
	}
	return fmt.Errorf("%s: %w", op, err)
}
