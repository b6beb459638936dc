package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestStartMDNS_Disabled(t *testing.T) {
	orig := registerMDNS
	registerMDNS = func(string, string, string, int, []string) (func(), error) {
		t.Fatalf("register called while disabled")
		return nil, nil
	}
	t.Cleanup(func() { registerMDNS = orig })
	cleanup, err := startMDNS(context.Background(), validConfig(), 9100)
	if err != nil || cleanup == nil {
		t.Fatalf("got %v", err)
	}
	cleanup()
}

func TestStartMDNS_Register(t *testing.T) {
	var gotInstance, gotService string
	var gotPort int
	var gotText []string
	shut := make(chan struct{}, 1)
	orig := registerMDNS
	registerMDNS = func(instance, service, domain string, port int, text []string) (func(), error) {
		gotInstance, gotService, gotPort, gotText = instance, service, port, text
		return func() { shut <- struct{}{} }, nil
	}
	t.Cleanup(func() { registerMDNS = orig })

	c := validConfig()
	c.mdnsEnable = true
	c.mdnsName = "bench"
	cleanup, err := startMDNS(context.Background(), c, 9100)
	if err != nil {
		t.Fatalf("startMDNS: %v", err)
	}
	if gotInstance != "bench" || gotService != mdnsServiceType || gotPort != 9100 {
		t.Fatalf("registered %s %s %d", gotInstance, gotService, gotPort)
	}
	joined := strings.Join(gotText, ";")
	for _, want := range []string{"backend=socketcan", "interface=can0", "addressing=normal-fixed", "node=F1"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("TXT %q missing %q", joined, want)
		}
	}
	cleanup()
	select {
	case <-shut:
	case <-time.After(time.Second):
		t.Fatalf("service not shut down")
	}
}

func TestStartMDNS_Error(t *testing.T) {
	orig := registerMDNS
	registerMDNS = func(string, string, string, int, []string) (func(), error) { return nil, errors.New("no multicast") }
	t.Cleanup(func() { registerMDNS = orig })
	c := validConfig()
	c.mdnsEnable = true
	if _, err := startMDNS(context.Background(), c, 9100); err == nil {
		t.Fatalf("expected error")
	}
}

func TestMDNSInstanceDefault(t *testing.T) {
	if got := mdnsInstance(validConfig()); !strings.HasPrefix(got, "carbus-") {
		t.Fatalf("instance %q", got)
	}
}

func TestListenPort(t *testing.T) {
	for addr, want := range map[string]int{":9100": 9100, "127.0.0.1:80": 80, "[::1]:9200": 9200, "bogus": 0} {
		if got := listenPort(addr); got != want {
			t.Fatalf("listenPort(%q)=%d want %d", addr, got, want)
		}
	}
}
