package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/grandcat/zeroconf"
)

// mdnsServiceType advertises the metrics and readiness HTTP endpoint.
const mdnsServiceType = "_carbus._tcp"

// registerMDNS is a hook for tests.
var registerMDNS = func(instance, service, domain string, port int, text []string) (func(), error) {
	svc, err := zeroconf.Register(instance, service, domain, port, text, nil)
	if err != nil {
		return nil, err
	}
	return svc.Shutdown, nil
}

func mdnsInstance(cfg *appConfig) string {
	if cfg.mdnsName != "" {
		return cfg.mdnsName
	}
	host, _ := os.Hostname()
	return fmt.Sprintf("carbus-%s", host)
}

func mdnsText(cfg *appConfig) []string {
	link := cfg.canIfs
	if cfg.backend == "slcan" {
		link = cfg.serialDev
	}
	return []string{
		"backend=" + cfg.backend,
		"interface=" + link,
		"addressing=" + cfg.addressing,
		fmt.Sprintf("node=%02X", cfg.node),
		"version=" + version,
		"commit=" + commit,
	}
}

// startMDNS registers the service and returns a cleanup function.
// It is a no-op when mDNS is disabled.
func startMDNS(ctx context.Context, cfg *appConfig, port int) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	shutdown, err := registerMDNS(mdnsInstance(cfg), mdnsServiceType, "local.", port, mdnsText(cfg))
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		shutdown()
	}()
	return func() { close(done); time.Sleep(50 * time.Millisecond) }, nil
}
