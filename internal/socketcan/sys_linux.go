//go:build linux

package socketcan

import (
	"errors"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// siocgstamp is SIOCGSTAMP (SIOCGSTAMP_OLD on newer headers).
const siocgstamp = 0x8906

// sysCalls is the OS surface a Socket uses. Every method is one system call
// and returns its raw error; Socket maps errors into SystemCallError.
type sysCalls interface {
	socket() (int, error)
	ifIndex(fd int, name string) (int, error)
	bind(fd, ifindex int) error
	read(fd int, p []byte) (int, error)
	write(fd int, p []byte) (int, error)
	setsockoptInt(fd, level, opt, value int) error
	getsockoptInt(fd, level, opt int) (int, error)
	setsockoptBytes(fd, level, opt int, b []byte) error
	getsockoptBytes(fd, level, opt int, b []byte) (int, error)
	setsockoptTimeval(fd, level, opt int, tv *unix.Timeval) error
	timestamp(fd int) (unix.Timeval, error)
	poll(fd int, events int16, timeout time.Duration) (bool, error)
	close(fd int) error
}

type unixSys struct{}

func (unixSys) socket() (int, error) {
	return unix.Socket(unix.AF_CAN, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.CAN_RAW)
}

func (unixSys) ifIndex(fd int, name string) (int, error) {
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return 0, err
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFINDEX, ifr); err != nil {
		return 0, err
	}
	return int(ifr.Uint32()), nil
}

func (unixSys) bind(fd, ifindex int) error {
	return unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifindex})
}

// read never blocks: an empty receive queue yields EAGAIN. Writes stay
// blocking, bounded by SO_SNDTIMEO.
func (unixSys) read(fd int, p []byte) (int, error) {
	n, _, err := unix.Recvfrom(fd, p, unix.MSG_DONTWAIT)
	return n, err
}

func (unixSys) write(fd int, p []byte) (int, error) { return unix.Write(fd, p) }

func (unixSys) setsockoptInt(fd, level, opt, value int) error {
	return unix.SetsockoptInt(fd, level, opt, value)
}

func (unixSys) getsockoptInt(fd, level, opt int) (int, error) {
	return unix.GetsockoptInt(fd, level, opt)
}

func (unixSys) setsockoptBytes(fd, level, opt int, b []byte) error {
	return unix.SetsockoptString(fd, level, opt, string(b))
}

func (unixSys) getsockoptBytes(fd, level, opt int, b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	l := uint32(len(b))
	_, _, e := unix.Syscall6(unix.SYS_GETSOCKOPT, uintptr(fd), uintptr(level), uintptr(opt),
		uintptr(unsafe.Pointer(&b[0])), uintptr(unsafe.Pointer(&l)), 0)
	if e != 0 {
		return 0, e
	}
	return int(l), nil
}

func (unixSys) setsockoptTimeval(fd, level, opt int, tv *unix.Timeval) error {
	return unix.SetsockoptTimeval(fd, level, opt, tv)
}

func (unixSys) timestamp(fd int) (unix.Timeval, error) {
	var tv unix.Timeval
	_, _, e := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), siocgstamp, uintptr(unsafe.Pointer(&tv)))
	if e != 0 {
		return tv, e
	}
	return tv, nil
}

func (unixSys) poll(fd int, events int16, timeout time.Duration) (bool, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	n, err := unix.Poll(fds, ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if fds[0].Revents&unix.POLLNVAL != 0 {
		return false, unix.EBADF
	}
	return fds[0].Revents&(events|unix.POLLERR) != 0, nil
}

func (unixSys) close(fd int) error { return unix.Close(fd) }

func errnoTimeout(e syscall.Errno) bool {
	return e == unix.EAGAIN || e == unix.ENOBUFS || e == unix.ETIMEDOUT
}
