//go:build linux

package socketcan

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-carbus/internal/can"
)

// fakeSys is an in-memory kernel: a queue of raw frames, a sent log and an option table.
type fakeSys struct {
	mu       sync.Mutex
	ifaces   map[string]int
	rx       [][]byte
	tx       [][]byte
	ints     map[int]int
	filters  []byte
	sndTO    time.Duration
	closed   bool
	writeN   int // if >0, short write count
	writeErr error
	txBusy   bool
	readErr  error
	tsErr    error
	stamp    unix.Timeval
	calls    []string
}

func newFakeSys() *fakeSys {
	return &fakeSys{
		ifaces: map[string]int{"vcan0": 7},
		ints:   map[int]int{},
		stamp:  unix.Timeval{Sec: 1700000000, Usec: 250000},
	}
}

func (f *fakeSys) log(c string) { f.calls = append(f.calls, c) }

func (f *fakeSys) socket() (int, error) { f.log("socket"); return 3, nil }

func (f *fakeSys) ifIndex(fd int, name string) (int, error) {
	f.log("ifindex")
	if idx, ok := f.ifaces[name]; ok {
		return idx, nil
	}
	return 0, unix.ENODEV
}

func (f *fakeSys) bind(fd, idx int) error { f.log("bind"); return nil }

func (f *fakeSys) read(fd int, p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log("read")
	if f.readErr != nil {
		return 0, f.readErr
	}
	if len(f.rx) == 0 {
		return 0, unix.EAGAIN
	}
	n := copy(p, f.rx[0])
	f.rx = f.rx[1:]
	return n, nil
}

func (f *fakeSys) write(fd int, p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log("write")
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.tx = append(f.tx, append([]byte(nil), p...))
	if f.writeN > 0 {
		return f.writeN, nil
	}
	return len(p), nil
}

func (f *fakeSys) setsockoptInt(fd, level, opt, v int) error {
	f.ints[opt] = v
	return nil
}

func (f *fakeSys) getsockoptInt(fd, level, opt int) (int, error) {
	v, ok := f.ints[opt]
	if !ok {
		return 0, unix.ENOPROTOOPT
	}
	return v, nil
}

func (f *fakeSys) setsockoptBytes(fd, level, opt int, b []byte) error {
	f.log("setfilters")
	f.filters = append([]byte(nil), b...)
	return nil
}

func (f *fakeSys) getsockoptBytes(fd, level, opt int, b []byte) (int, error) {
	return copy(b, f.filters), nil
}

func (f *fakeSys) setsockoptTimeval(fd, level, opt int, tv *unix.Timeval) error {
	f.sndTO = time.Duration(tv.Nano())
	return nil
}

func (f *fakeSys) timestamp(fd int) (unix.Timeval, error) {
	f.log("timestamp")
	return f.stamp, f.tsErr
}

func (f *fakeSys) poll(fd int, events int16, timeout time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if events&unix.POLLOUT != 0 {
		return !f.txBusy, nil
	}
	return len(f.rx) > 0, nil
}

func (f *fakeSys) close(fd int) error { f.closed = true; return nil }

func (f *fakeSys) push(t *testing.T, fr can.Frame) {
	t.Helper()
	b, err := fr.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f.mu.Lock()
	f.rx = append(f.rx, b[:])
	f.mu.Unlock()
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestSocket(t *testing.T, fs *fakeSys) *Socket {
	t.Helper()
	s, err := New(withSys(fs), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSocketLifecycle(t *testing.T) {
	fs := newFakeSys()
	s := newTestSocket(t, fs)
	if fs.ints[unix.CAN_RAW_FD_FRAMES] != 0 {
		t.Fatalf("fd frames not disabled")
	}
	if err := s.WriteFrame(can.Frame{ID: 1}); !errors.Is(err, ErrNotBound) {
		t.Fatalf("write before bind: %v", err)
	}
	if err := s.Bind("vcan0"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if s.Index() != 7 || s.Name() != "vcan0" || !s.Bound() {
		t.Fatalf("bind state: idx=%d name=%q", s.Index(), s.Name())
	}
	if err := s.Bind("vcan0"); !errors.Is(err, ErrAlreadyBound) {
		t.Fatalf("rebind: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !fs.closed {
		t.Fatalf("fd not closed")
	}
	for name, err := range map[string]error{
		"bind":    s.Bind("vcan0"),
		"write":   s.WriteFrame(can.Frame{}),
		"loop":    s.SetLoopback(true),
		"filters": s.SetFilters(nil),
		"close":   s.Close(),
	} {
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("%s after close: %v", name, err)
		}
	}
	if _, err := s.Read(); !errors.Is(err, ErrClosed) {
		t.Fatalf("read after close: %v", err)
	}
}

func TestSocketBindErrors(t *testing.T) {
	fs := newFakeSys()
	s := newTestSocket(t, fs)
	if err := s.Bind("can9"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	fs.calls = nil
	if err := s.Bind("averyveryverylongname"); !errors.Is(err, can.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if len(fs.calls) != 0 {
		t.Fatalf("OS called for invalid name: %v", fs.calls)
	}
}

func TestSocketReadFrameWithTimestamp(t *testing.T) {
	fs := newFakeSys()
	s := newTestSocket(t, fs)
	if err := s.Bind("vcan0"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	want, _ := can.NewFrame(0x7E8, false, false, []byte{0x02, 0x50, 0x03})
	fs.push(t, want)
	fs.calls = nil
	rx, err := s.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rx.Report != nil || rx.Frame != want {
		t.Fatalf("got %+v want %+v", rx, want)
	}
	if ts := rx.Timestamp; ts.Unix() != 1700000000 || ts.Nanosecond() != 250000000 {
		t.Fatalf("timestamp %v", ts)
	}
	if len(fs.calls) != 2 || fs.calls[0] != "read" || fs.calls[1] != "timestamp" {
		t.Fatalf("timestamp not queried right after read: %v", fs.calls)
	}
	if _, err := s.Read(); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("empty queue: %v", err)
	}
}

func TestSocketReadErrorFrame(t *testing.T) {
	fs := newFakeSys()
	s := newTestSocket(t, fs)
	_ = s.Bind("vcan0")
	fs.push(t, can.Frame{ID: uint32(can.ErrClassLostArb), Error: true, Len: 8, Data: [8]byte{5}})
	rx, err := s.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rx.Report == nil || rx.Report.Classes != can.ErrClassLostArb || rx.Report.ArbitrationPosition != 5 {
		t.Fatalf("error report %+v", rx.Report)
	}
}

func TestSocketReadFailures(t *testing.T) {
	fs := newFakeSys()
	s := newTestSocket(t, fs)
	_ = s.Bind("vcan0")

	fs.rx = append(fs.rx, make([]byte, 10))
	if _, err := s.Read(); !errors.Is(err, can.ErrFormat) {
		t.Fatalf("short frame: %v", err)
	}

	fs.readErr = unix.ENETDOWN
	_, err := s.Read()
	var se *SystemCallError
	if !errors.As(err, &se) || se.Errno != unix.ENETDOWN || se.Op != "read" {
		t.Fatalf("expected SystemCallError{read, ENETDOWN}, got %v", err)
	}
	fs.readErr = nil

	// one failing read leaves the socket usable
	fs.push(t, can.Frame{ID: 0x100, Len: 1})
	if _, err := s.Read(); err != nil {
		t.Fatalf("read after failure: %v", err)
	}
}

func TestSocketWrite(t *testing.T) {
	fs := newFakeSys()
	s := newTestSocket(t, fs)
	_ = s.Bind("vcan0")
	f, _ := can.NewFrame(0x18DA10F1, true, false, []byte{1, 2, 3})
	if err := s.WriteFrame(f); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := can.Decode(fs.tx[0])
	if err != nil || got != f {
		t.Fatalf("wire frame %+v err=%v", got, err)
	}

	if err := s.WriteFrame(can.Frame{ID: 1, Len: 9}); !errors.Is(err, can.ErrValidation) {
		t.Fatalf("invalid frame: %v", err)
	}
	if len(fs.tx) != 1 {
		t.Fatalf("invalid frame reached the OS")
	}

	fs.writeN = 8
	if err := s.WriteFrame(f); !errors.Is(err, ErrShortWrite) {
		t.Fatalf("short write: %v", err)
	}
	fs.writeN = 0

	fs.writeErr = unix.ENOBUFS
	err = s.WriteFrame(f)
	var se *SystemCallError
	if !errors.As(err, &se) || !se.Timeout() {
		t.Fatalf("ENOBUFS should be a timeout SystemCallError: %v", err)
	}
}

func TestSocketOptions(t *testing.T) {
	fs := newFakeSys()
	s := newTestSocket(t, fs)
	if err := s.SetErrorMask(can.ErrClassBusOff | can.ErrClassController); err != nil {
		t.Fatalf("set err mask: %v", err)
	}
	if m, err := s.ErrorMask(); err != nil || m != can.ErrClassBusOff|can.ErrClassController {
		t.Fatalf("err mask %v %v", m, err)
	}
	if err := s.SetLoopback(false); err != nil {
		t.Fatalf("loopback: %v", err)
	}
	if on, err := s.Loopback(); err != nil || on {
		t.Fatalf("loopback %v %v", on, err)
	}
	if err := s.SetReceiveOwn(true); err != nil {
		t.Fatalf("recv own: %v", err)
	}
	if on, err := s.ReceiveOwn(); err != nil || !on {
		t.Fatalf("recv own %v %v", on, err)
	}
	if err := s.SetWriteTimeout(250 * time.Millisecond); err != nil || fs.sndTO != 250*time.Millisecond {
		t.Fatalf("write timeout %v %v", fs.sndTO, err)
	}

	delete(fs.ints, unix.CAN_RAW_ERR_FILTER)
	_, err := s.ErrorMask()
	var se *SystemCallError
	if !errors.As(err, &se) || se.Errno != unix.ENOPROTOOPT {
		t.Fatalf("expected SystemCallError, got %v", err)
	}
}

func TestSocketFilters(t *testing.T) {
	fs := newFakeSys()
	s := newTestSocket(t, fs)
	in := []can.Filter{
		{ID: 0x7E8, Mask: 0x7FF, Exclusivity: can.StandardOnly},
		{ID: 0x18DAF100, Mask: 0x1FFFFF00, Exclusivity: can.ExtendedOnly},
		{ID: 0x100, Mask: 0x700, Invert: true},
	}
	if err := s.SetFilters(in); err != nil {
		t.Fatalf("set filters: %v", err)
	}
	out, err := s.Filters()
	if err != nil {
		t.Fatalf("filters: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d filters", len(out))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("filter %d: %+v want %+v", i, out[i], in[i])
		}
	}
	fs.calls = nil
	if err := s.SetFilters(make([]can.Filter, can.MaxFilters+1)); !errors.Is(err, can.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	if len(fs.calls) != 0 {
		t.Fatalf("oversized filter set reached the OS")
	}
}

func TestSocketWaitReadable(t *testing.T) {
	fs := newFakeSys()
	s := newTestSocket(t, fs)
	if _, err := s.WaitReadable(0); !errors.Is(err, ErrNotBound) {
		t.Fatalf("unbound wait: %v", err)
	}
	_ = s.Bind("vcan0")
	if ok, err := s.WaitReadable(0); err != nil || ok {
		t.Fatalf("empty: ok=%v err=%v", ok, err)
	}
	fs.push(t, can.Frame{ID: 1})
	if ok, err := s.WaitReadable(0); err != nil || !ok {
		t.Fatalf("queued: ok=%v err=%v", ok, err)
	}
}

func TestSocketWaitWritable(t *testing.T) {
	fs := newFakeSys()
	s := newTestSocket(t, fs)
	_ = s.Bind("vcan0")
	if ok, err := s.WaitWritable(0); err != nil || !ok {
		t.Fatalf("idle queue: ok=%v err=%v", ok, err)
	}
	fs.mu.Lock()
	fs.txBusy = true
	fs.mu.Unlock()
	if ok, err := s.WaitWritable(0); err != nil || ok {
		t.Fatalf("full queue: ok=%v err=%v", ok, err)
	}
	_ = s.Close()
	if _, err := s.WaitWritable(0); !errors.Is(err, ErrClosed) {
		t.Fatalf("closed: %v", err)
	}
}

func TestUnixSysReadDoesNotBlock(t *testing.T) {
	fd, err := unixSys{}.socket()
	if err != nil {
		t.Skipf("AF_CAN unavailable: %v", err)
	}
	defer unix.Close(fd)
	done := make(chan error, 1)
	go func() {
		var b [can.MTU]byte
		_, err := unixSys{}.read(fd, b[:])
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, unix.EAGAIN) {
			t.Fatalf("read on empty queue: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("read blocked on an empty queue")
	}
}
