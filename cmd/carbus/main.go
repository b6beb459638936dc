package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/kstaniek/go-carbus/internal/metrics"
	"github.com/kstaniek/go-carbus/internal/port"
	"github.com/kstaniek/go-carbus/internal/socketcan"
)

func main() {
	cfg, showVersion, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if showVersion {
		fmt.Printf("carbus %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg.list {
		if err := listInterfaces(os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case s := <-sigCh:
			l.Info("shutdown_signal", "signal", s.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	filters, _ := cfg.monitorFilters()
	cons := newAppConsumer(l, filters)
	be, err := initBackend(ctx, cfg, cons, l)
	if err != nil {
		l.Error("backend_init_error", "error", err)
		return
	}
	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil && portsUp(be.ports) })

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range be.ports {
		p := p
		g.Go(func() error {
			select {
			case <-p.Done():
				if gctx.Err() != nil {
					return nil
				}
				l.Error("link_lost", "port", p.Name())
				return fmt.Errorf("link %s lost", p.Name())
			case <-gctx.Done():
				return nil
			}
		})
	}
	g.Go(func() error { return runMetricsLogger(gctx, cfg.logMetricsEvery, l) })
	if cfg.sendHex != "" {
		payload, _ := cfg.payload()
		g.Go(func() error { return runSender(gctx, be.ports[0], payload, cfg.peerAddress(), cfg.sendEvery, l) })
	}
	if cfg.mdnsEnable && cfg.metricsAddr != "" {
		cleanupMDNS, err := startMDNS(gctx, cfg, listenPort(cfg.metricsAddr))
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
		} else {
			l.Info("mdns_started", "service", mdnsServiceType, "name", mdnsInstance(cfg))
			defer cleanupMDNS()
		}
	}

	<-gctx.Done()
	if err := be.close(); err != nil {
		l.Warn("backend_close_error", "error", err)
	}
	cancel()
	if err := g.Wait(); err != nil {
		l.Error("shutdown", "error", err)
	}
}

func portsUp(ports []*port.Port) bool {
	for _, p := range ports {
		select {
		case <-p.Done():
			return false
		default:
		}
	}
	return true
}

// listenPort extracts the port of a host:port or :port listen address.
func listenPort(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(p)
	return n
}

func listInterfaces(w io.Writer) error {
	phys, err := socketcan.ListPhysical()
	if err != nil {
		return err
	}
	virt, err := socketcan.ListVirtual()
	if err != nil {
		return err
	}
	for _, group := range []struct {
		kind  string
		names []string
	}{{"physical", phys}, {"virtual", virt}} {
		for _, name := range group.names {
			up, _ := socketcan.IsUp(name)
			state := "down"
			if up {
				state = "up"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", name, group.kind, state)
		}
	}
	return nil
}
