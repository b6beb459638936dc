package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-carbus/internal/can"
	"github.com/kstaniek/go-carbus/internal/isotp"
	"github.com/kstaniek/go-carbus/internal/port"
)

// idleLink is a link with no traffic.
type idleLink struct {
	once   sync.Once
	closed chan struct{}
}

func newIdleLink() *idleLink { return &idleLink{closed: make(chan struct{})} }

func (l *idleLink) WaitReadable(time.Duration) (bool, error) {
	select {
	case <-l.closed:
		return false, net.ErrClosed
	case <-time.After(time.Millisecond):
		return false, nil
	}
}
func (l *idleLink) Read() (can.Received, error) { return can.Received{}, can.ErrWouldBlock }
func (l *idleLink) WriteFrame(can.Frame) error  { return nil }
func (l *idleLink) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func serialConfig(retries uint) *appConfig {
	c := validConfig()
	c.backend = "slcan"
	c.serialDev = "/dev/fake"
	c.bindRetries = retries
	c.bindRetryDelay = time.Millisecond
	return c
}

func stubSerial(t *testing.T, fn func(n int) (port.Link, error)) *int {
	t.Helper()
	calls := new(int)
	orig := openSerial
	openSerial = func(string, int, int, time.Duration, *slog.Logger) (port.Link, error) {
		*calls++
		return fn(*calls)
	}
	t.Cleanup(func() { openSerial = orig })
	return calls
}

func TestInitBackend_SerialRetries(t *testing.T) {
	calls := stubSerial(t, func(n int) (port.Link, error) {
		if n < 3 {
			return nil, errors.New("no such device")
		}
		return newIdleLink(), nil
	})
	l := quietLogger()
	be, err := initBackend(context.Background(), serialConfig(3), newAppConsumer(l, nil), l)
	if err != nil {
		t.Fatalf("initBackend: %v", err)
	}
	defer be.close()
	if *calls != 3 {
		t.Fatalf("expected 3 open attempts, got %d", *calls)
	}
	if len(be.ports) != 1 || be.ports[0].Name() != "/dev/fake" {
		t.Fatalf("unexpected ports %v", be.ports)
	}
	if !portsUp(be.ports) {
		t.Fatalf("port not up")
	}
}

func TestInitBackend_SerialGivesUp(t *testing.T) {
	errGone := errors.New("gone")
	calls := stubSerial(t, func(int) (port.Link, error) { return nil, errGone })
	l := quietLogger()
	_, err := initBackend(context.Background(), serialConfig(4), newAppConsumer(l, nil), l)
	if !errors.Is(err, errGone) {
		t.Fatalf("expected last error, got %v", err)
	}
	if *calls != 4 {
		t.Fatalf("expected 4 attempts, got %d", *calls)
	}
}

func TestInitBackend_PermanentErrorNotRetried(t *testing.T) {
	calls := stubSerial(t, func(int) (port.Link, error) {
		return nil, fmt.Errorf("%w: unsupported bitrate", can.ErrConfiguration)
	})
	l := quietLogger()
	_, err := initBackend(context.Background(), serialConfig(5), newAppConsumer(l, nil), l)
	if !errors.Is(err, can.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if *calls != 1 {
		t.Fatalf("expected a single attempt, got %d", *calls)
	}
}

func TestInitBackend_SocketCAN(t *testing.T) {
	var mu sync.Mutex
	attempts := map[string]int{}
	var started []*port.Port
	orig := addPort
	addPort = func(ctx context.Context, iface string, a isotp.Addressing, cons port.Consumer, opts ...port.Option) (*port.Port, func() error, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts[iface]++
		if iface == "can1" && attempts[iface] == 1 {
			return nil, nil, fmt.Errorf("%w: %s", port.ErrNotUp, iface)
		}
		p, err := port.New(ctx, iface, newIdleLink(), a, cons, opts...)
		if err != nil {
			return nil, nil, err
		}
		started = append(started, p)
		return p, p.Close, nil
	}
	t.Cleanup(func() {
		addPort = orig
		for _, p := range started {
			_ = p.Close()
		}
	})

	c := validConfig()
	c.canIfs = "can0,can1"
	c.bindRetries = 2
	c.bindRetryDelay = time.Millisecond
	l := quietLogger()
	be, err := initBackend(context.Background(), c, newAppConsumer(l, nil), l)
	if err != nil {
		t.Fatalf("initBackend: %v", err)
	}
	defer be.close()
	if len(be.ports) != 2 || be.ports[0].Name() != "can0" || be.ports[1].Name() != "can1" {
		t.Fatalf("unexpected ports %v", be.ports)
	}
	if attempts["can0"] != 1 || attempts["can1"] != 2 {
		t.Fatalf("attempts %v", attempts)
	}
}

func TestInitBackend_ContextCancelStopsRetry(t *testing.T) {
	stubSerial(t, func(int) (port.Link, error) { return nil, errors.New("absent") })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := serialConfig(100)
	c.bindRetryDelay = time.Hour
	l := quietLogger()
	done := make(chan error, 1)
	go func() {
		_, err := initBackend(ctx, c, newAppConsumer(l, nil), l)
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("retry ignored context cancellation")
	}
}

func TestPortsUpAfterClose(t *testing.T) {
	l := quietLogger()
	p, err := port.New(context.Background(), "vcan0", newIdleLink(), isotp.NormalFixed{Node: 0xF1}, newAppConsumer(l, nil))
	if err != nil {
		t.Fatalf("port.New: %v", err)
	}
	if !portsUp([]*port.Port{p}) {
		t.Fatalf("expected up")
	}
	_ = p.Close()
	if portsUp([]*port.Port{p}) {
		t.Fatalf("expected down after close")
	}
}
