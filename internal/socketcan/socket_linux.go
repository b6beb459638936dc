//go:build linux

package socketcan

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-carbus/internal/can"
	"github.com/kstaniek/go-carbus/internal/logging"
)

type state uint8

const (
	stateUnbound state = iota
	stateBound
	stateClosed
)

// Socket is one raw CAN socket bound to one interface.
//
// A Socket is single-reader and single-writer: the receive timestamp is
// queried right after each read and belongs to that read only.
// Configuration calls may run before or after Bind.
type Socket struct {
	mu      sync.Mutex
	sys     sysCalls
	fd      int
	state   state
	ifname  string
	ifindex int
	log     *slog.Logger
	rbuf    [can.MTU]byte
}

// Option configures a Socket.
type Option func(*Socket)

// WithLogger sets the logger used for lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(s *Socket) {
		if l != nil {
			s.log = l
		}
	}
}

func withSys(sc sysCalls) Option { return func(s *Socket) { s.sys = sc } }

// New creates an unbound raw CAN socket with CAN FD frames disabled.
func New(opts ...Option) (*Socket, error) {
	s := &Socket{sys: unixSys{}, fd: -1}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = logging.For("socketcan")
	}
	fd, err := s.sys.socket()
	if err != nil {
		return nil, sysErr("socket(AF_CAN)", err)
	}
	if err := s.sys.setsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil {
		// Older kernels do not know the option.
		if !errors.Is(err, unix.ENOPROTOOPT) {
			_ = s.sys.close(fd)
			return nil, sysErr("setsockopt(CAN_RAW_FD_FRAMES)", err)
		}
	}
	s.fd = fd
	return s, nil
}

// Open creates a socket and binds it to iface.
func Open(iface string, opts ...Option) (*Socket, error) {
	s, err := New(opts...)
	if err != nil {
		return nil, err
	}
	if err := s.Bind(iface); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Bind resolves name to an interface index and binds the socket to it.
func (s *Socket) Bind(name string) error {
	if !validIfaceName(name) {
		return fmt.Errorf("%w: interface name %q", can.ErrValidation, name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateClosed:
		return ErrClosed
	case stateBound:
		return fmt.Errorf("%w: to %s", ErrAlreadyBound, s.ifname)
	}
	idx, err := s.sys.ifIndex(s.fd, name)
	if err != nil {
		if errors.Is(err, unix.ENODEV) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return sysErr("ioctl(SIOCGIFINDEX)", err)
	}
	if err := s.sys.bind(s.fd, idx); err != nil {
		return sysErr(fmt.Sprintf("bind(can@%s)", name), err)
	}
	s.state = stateBound
	s.ifname, s.ifindex = name, idx
	s.log.Info("socket_bind", "if", name, "ifindex", idx)
	return nil
}

// Name returns the bound interface name.
func (s *Socket) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ifname
}

// Index returns the bound interface index.
func (s *Socket) Index() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ifindex
}

// Bound reports whether traffic may flow on the socket.
func (s *Socket) Bound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateBound
}

func (s *Socket) trafficLocked() error {
	switch s.state {
	case stateClosed:
		return ErrClosed
	case stateUnbound:
		return ErrNotBound
	}
	return nil
}

// Read reads one frame. Error frames come back decoded in Received.Report.
func (s *Socket) Read() (can.Received, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.trafficLocked(); err != nil {
		return can.Received{}, err
	}
	n, err := s.sys.read(s.fd, s.rbuf[:])
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return can.Received{}, ErrWouldBlock
		}
		return can.Received{}, sysErr("read", err)
	}
	f, err := can.Decode(s.rbuf[:n])
	if err != nil {
		return can.Received{}, err
	}
	tv, err := s.sys.timestamp(s.fd)
	if err != nil {
		return can.Received{}, sysErr("ioctl(SIOCGSTAMP)", err)
	}
	rx := can.Received{Frame: f, Timestamp: time.Unix(tv.Unix())}
	if f.Error {
		rep, err := can.DecodeError(f)
		if err != nil {
			return can.Received{}, err
		}
		rx.Report = &rep
	}
	return rx, nil
}

// WriteFrame transmits one frame.
func (s *Socket) WriteFrame(f can.Frame) error {
	b, err := f.Marshal()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.trafficLocked(); err != nil {
		return err
	}
	n, err := s.sys.write(s.fd, b[:])
	if err != nil {
		return sysErr("write", err)
	}
	if n != can.MTU {
		return fmt.Errorf("%w: %d of %d bytes", ErrShortWrite, n, can.MTU)
	}
	return nil
}

// WaitReadable blocks up to timeout until a frame is queued.
// The socket lock is not held while waiting so Close can proceed.
func (s *Socket) WaitReadable(timeout time.Duration) (bool, error) {
	return s.wait(unix.POLLIN, timeout)
}

// WaitWritable blocks up to timeout until the transmit queue accepts a frame.
func (s *Socket) WaitWritable(timeout time.Duration) (bool, error) {
	return s.wait(unix.POLLOUT, timeout)
}

func (s *Socket) wait(events int16, timeout time.Duration) (bool, error) {
	s.mu.Lock()
	if err := s.trafficLocked(); err != nil {
		s.mu.Unlock()
		return false, err
	}
	fd := s.fd
	s.mu.Unlock()
	ok, err := s.sys.poll(fd, events, timeout)
	if err != nil {
		s.mu.Lock()
		closed := s.state == stateClosed
		s.mu.Unlock()
		if closed {
			return false, ErrClosed
		}
		return false, sysErr("poll", err)
	}
	return ok, nil
}

func (s *Socket) setInt(op string, level, opt, v int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return ErrClosed
	}
	return sysErr(op, s.sys.setsockoptInt(s.fd, level, opt, v))
}

func (s *Socket) getInt(op string, level, opt int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return 0, ErrClosed
	}
	v, err := s.sys.getsockoptInt(s.fd, level, opt)
	return v, sysErr(op, err)
}

// SetErrorMask selects which error classes are delivered as error frames.
func (s *Socket) SetErrorMask(mask can.ErrorClass) error {
	return s.setInt("setsockopt(CAN_RAW_ERR_FILTER)", unix.SOL_CAN_RAW, unix.CAN_RAW_ERR_FILTER, int(mask&can.AllErrorClasses))
}

// ErrorMask returns the current error class mask.
func (s *Socket) ErrorMask() (can.ErrorClass, error) {
	v, err := s.getInt("getsockopt(CAN_RAW_ERR_FILTER)", unix.SOL_CAN_RAW, unix.CAN_RAW_ERR_FILTER)
	return can.ErrorClass(uint32(v)), err
}

// SetLoopback enables local loopback of sent frames to other sockets.
func (s *Socket) SetLoopback(on bool) error {
	return s.setInt("setsockopt(CAN_RAW_LOOPBACK)", unix.SOL_CAN_RAW, unix.CAN_RAW_LOOPBACK, boolInt(on))
}

// Loopback reports whether local loopback is enabled.
func (s *Socket) Loopback() (bool, error) {
	v, err := s.getInt("getsockopt(CAN_RAW_LOOPBACK)", unix.SOL_CAN_RAW, unix.CAN_RAW_LOOPBACK)
	return v != 0, err
}

// SetReceiveOwn enables reception of frames sent by this socket.
func (s *Socket) SetReceiveOwn(on bool) error {
	return s.setInt("setsockopt(CAN_RAW_RECV_OWN_MSGS)", unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, boolInt(on))
}

// ReceiveOwn reports whether own frames are received.
func (s *Socket) ReceiveOwn() (bool, error) {
	v, err := s.getInt("getsockopt(CAN_RAW_RECV_OWN_MSGS)", unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS)
	return v != 0, err
}

// SetFilters replaces the acceptance filter set in one call.
// An empty set stops all data frame reception.
func (s *Socket) SetFilters(filters []can.Filter) error {
	b, err := can.EncodeFilters(filters)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return ErrClosed
	}
	return sysErr("setsockopt(CAN_RAW_FILTER)", s.sys.setsockoptBytes(s.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, b))
}

// Filters returns the active filter set.
func (s *Socket) Filters() ([]can.Filter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return nil, ErrClosed
	}
	buf := make([]byte, can.MaxFilters*can.RawFilterSize)
	n, err := s.sys.getsockoptBytes(s.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, buf)
	if err != nil {
		return nil, sysErr("getsockopt(CAN_RAW_FILTER)", err)
	}
	return can.DecodeFilters(buf[:n])
}

// SetWriteTimeout bounds how long a write may wait for transmit queue space.
// Writes that give up fail with a SystemCallError whose Timeout() is true.
func (s *Socket) SetWriteTimeout(d time.Duration) error {
	tv := unix.NsecToTimeval(d.Nanoseconds())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return ErrClosed
	}
	return sysErr("setsockopt(SO_SNDTIMEO)", s.sys.setsockoptTimeval(s.fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv))
}

// Close releases the socket. Every later call fails with ErrClosed.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return ErrClosed
	}
	s.state = stateClosed
	err := s.sys.close(s.fd)
	s.fd = -1
	s.log.Info("socket_close", "if", s.ifname)
	return sysErr("close", err)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
