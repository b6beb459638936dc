package port

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kstaniek/go-carbus/internal/can"
	"github.com/kstaniek/go-carbus/internal/isotp"
	"github.com/kstaniek/go-carbus/internal/socketcan"
)

var (
	// ErrAlreadyConnected is returned by Add for a port name already in use.
	ErrAlreadyConnected = errors.New("port: already connected")
	// ErrNotConnected is returned by Remove for an unknown port name.
	ErrNotConnected = errors.New("port: not connected")
	// ErrNotUp is returned by NewCollection when the interface is
	// administratively down.
	ErrNotUp = errors.New("port: interface not up")
)

// Hooks for tests.
var (
	ifaceUp    = socketcan.IsUp
	openSocket = func(iface string) (Link, error) {
		s, err := socketcan.Open(iface)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
)

// Collection serves one SocketCAN interface through several sockets, one
// Port each, every socket with its own filters and consumer.
type Collection struct {
	ctx   context.Context
	iface string
	mu    sync.Mutex
	ports map[string]*Port
	opts  []Option
}

// NewCollection checks that iface is up and returns an empty collection
// for it. opts apply to every Port.
func NewCollection(ctx context.Context, iface string, opts ...Option) (*Collection, error) {
	up, err := ifaceUp(iface)
	if err != nil {
		return nil, err
	}
	if !up {
		return nil, fmt.Errorf("%w: %s", ErrNotUp, iface)
	}
	return &Collection{ctx: ctx, iface: iface, ports: make(map[string]*Port), opts: opts}, nil
}

// Interface returns the served interface name.
func (c *Collection) Interface() string { return c.iface }

// Add opens a new socket on the interface and starts a Port named name on
// it. Per-port opts follow the collection options.
func (c *Collection) Add(name string, addressing isotp.Addressing, consumer Consumer, opts ...Option) (*Port, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.ports[name]; ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrAlreadyConnected, name, c.iface)
	}
	link, err := openSocket(c.iface)
	if err != nil {
		return nil, err
	}
	all := append(append([]Option(nil), c.opts...), opts...)
	p, err := New(c.ctx, name, link, addressing, consumer, all...)
	if err != nil {
		_ = link.Close()
		return nil, err
	}
	c.ports[name] = p
	return p, nil
}

// Get returns the Port registered as name.
func (c *Collection) Get(name string) (*Port, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.ports[name]
	return p, ok
}

// Names lists the port names in order.
func (c *Collection) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.ports))
	for n := range c.ports {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Remove closes the Port registered as name.
func (c *Collection) Remove(name string) error {
	c.mu.Lock()
	p, ok := c.ports[name]
	delete(c.ports, name)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s on %s", ErrNotConnected, name, c.iface)
	}
	return p.Close()
}

// Close closes every Port concurrently and returns the first error.
func (c *Collection) Close() error {
	c.mu.Lock()
	ports := c.ports
	c.ports = make(map[string]*Port)
	c.mu.Unlock()
	var g errgroup.Group
	for _, p := range ports {
		g.Go(p.Close)
	}
	return g.Wait()
}

// Broadcast sends one raw frame through every port.
func (c *Collection) Broadcast(ctx context.Context, f can.Frame) error {
	c.mu.Lock()
	ports := make([]*Port, 0, len(c.ports))
	for _, p := range c.ports {
		ports = append(ports, p)
	}
	c.mu.Unlock()
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range ports {
		p := p
		g.Go(func() error { return p.WriteFrame(ctx, f) })
	}
	return g.Wait()
}
