package main

import (
	"testing"
	"time"

	"github.com/kstaniek/go-carbus/internal/can"
	"github.com/kstaniek/go-carbus/internal/isotp"
)

func validConfig() *appConfig {
	return &appConfig{
		backend:      "socketcan",
		canIfs:       "can0",
		serialDev:    "/dev/null",
		baud:         115200,
		bitrate:      500000,
		serialReadTO: 10 * time.Millisecond,
		addressing:   "normal-fixed",
		node:         0xF1,
		peer:         0x10,
		timeoutAs:    time.Second,
		timeoutAr:    time.Second,
		timeoutBs:    time.Second,
		timeoutCr:    time.Second,
		wftMax:       10,
		rxBuffer:     4095,
		padByte:      0xCC,
		logFormat:    "text",
		logLevel:     "info",
		bindRetries:  1,
	}
}

func TestConfigValidate_OK(t *testing.T) {
	if err := validConfig().validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
	c := validConfig()
	c.backend = "slcan"
	c.addressing = "normal"
	c.txID, c.rxID = 0x7E0, 0x7E8
	c.sendHex = "22 F1 90"
	c.monitorFilter = "7E8:7F0,18DAF110"
	if err := c.validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badBackend", func(c *appConfig) { c.backend = "x" }},
		{"noIface", func(c *appConfig) { c.canIfs = " , " }},
		{"badBaud", func(c *appConfig) { c.backend, c.baud = "slcan", 0 }},
		{"badBitrate", func(c *appConfig) { c.backend, c.bitrate = "slcan", 123 }},
		{"badSerialTO", func(c *appConfig) { c.backend, c.serialReadTO = "slcan", 0 }},
		{"badAddressing", func(c *appConfig) { c.addressing = "extended" }},
		{"normalNoIDs", func(c *appConfig) { c.addressing = "normal" }},
		{"normalSameIDs", func(c *appConfig) { c.addressing, c.txID, c.rxID = "normal", 0x7E0, 0x7E0 }},
		{"normalWideIDs", func(c *appConfig) { c.addressing, c.txID, c.rxID = "normal", 0x18DA10F1, 0x7E8 }},
		{"nodeRange", func(c *appConfig) { c.node = 0x100 }},
		{"samePeer", func(c *appConfig) { c.peer = c.node }},
		{"blockSize", func(c *appConfig) { c.blockSize = 256 }},
		{"padByte", func(c *appConfig) { c.padByte = -1 }},
		{"wftMax", func(c *appConfig) { c.wftMax = -1 }},
		{"rxBuffer", func(c *appConfig) { c.rxBuffer = 0 }},
		{"tinyRxBuffer", func(c *appConfig) { c.rxBuffer = 4 }},
		{"timeout", func(c *appConfig) { c.timeoutBs = 0 }},
		{"stmin", func(c *appConfig) { c.stmin = 200 * time.Millisecond }},
		{"sendHex", func(c *appConfig) { c.sendHex = "zz" }},
		{"monitorFilter", func(c *appConfig) { c.monitorFilter = "7E8:xyz" }},
		{"interval", func(c *appConfig) { c.sendEvery = -time.Second }},
		{"retries", func(c *appConfig) { c.bindRetries = 0 }},
	}
	for _, tc := range tests {
		base := validConfig()
		tc.mod(base)
		if err := base.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestParseFlags_Defaults(t *testing.T) {
	cfg, showVersion, err := parseFlags(nil)
	if err != nil || showVersion {
		t.Fatalf("parseFlags: %v %v", err, showVersion)
	}
	if cfg.backend != "socketcan" || cfg.canIfs != "can0" || cfg.addressing != "normal-fixed" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.node != 0xF1 || cfg.peer != 0x10 {
		t.Fatalf("node/peer %X/%X", cfg.node, cfg.peer)
	}
	if got, want := cfg.transportConfig(), isotp.DefaultConfig(); got != want {
		t.Fatalf("transport config %+v want %+v", got, want)
	}
}

func TestParseFlags_Values(t *testing.T) {
	cfg, _, err := parseFlags([]string{
		"-can-if", "can0, vcan1", "-addressing", "mixed", "-node", "0x22", "-peer", "51", "-extension", "0xA0",
		"-block-size", "8", "-stmin", "5ms", "-padding", "-pad-byte", "0x55",
	})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if ifs := cfg.interfaces(); len(ifs) != 2 || ifs[1] != "vcan1" {
		t.Fatalf("interfaces %v", ifs)
	}
	if cfg.node != 0x22 || cfg.peer != 51 {
		t.Fatalf("node/peer %X/%d", cfg.node, cfg.peer)
	}
	tc := cfg.transportConfig()
	if tc.BlockSize != 8 || tc.STmin != 5*time.Millisecond || !tc.Padding || tc.PaddingByte != 0x55 {
		t.Fatalf("transport config %+v", tc)
	}
	if _, ok := cfg.addressingScheme().(isotp.Mixed); !ok {
		t.Fatalf("expected mixed addressing, got %T", cfg.addressingScheme())
	}
	a := cfg.peerAddress()
	if a.Target != 51 || a.Source != 0x22 || !a.HasExtension || a.Extension != 0xA0 {
		t.Fatalf("peer address %+v", a)
	}
}

func TestParseFlags_Rejects(t *testing.T) {
	if _, _, err := parseFlags([]string{"-node", "0x1FF"}); err == nil {
		t.Fatalf("expected error for node out of range")
	}
	if _, _, err := parseFlags([]string{"-backend", "bogus"}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestParseFlags_VersionSkipsValidation(t *testing.T) {
	cfg, showVersion, err := parseFlags([]string{"-version", "-backend", "bogus"})
	if err != nil || !showVersion || cfg == nil {
		t.Fatalf("got %v %v %v", cfg, showVersion, err)
	}
}

func TestAddressingScheme_Normal(t *testing.T) {
	c := validConfig()
	c.addressing, c.txID, c.rxID, c.functionalID = "normal", 0x7E0, 0x7E8, 0x7DF
	n, ok := c.addressingScheme().(isotp.Normal)
	if !ok {
		t.Fatalf("expected normal addressing")
	}
	if len(n.Links) != 1 || n.Links[0].TxID != 0x7E0 || n.Links[0].RxID != 0x7E8 || n.Links[0].Peer != 0x10 {
		t.Fatalf("links %+v", n.Links)
	}
	if n.FunctionalID != 0x7DF {
		t.Fatalf("functional id %X", n.FunctionalID)
	}
}

func TestMonitorFilters(t *testing.T) {
	c := validConfig()
	c.monitorFilter = "7E8, 18DAF110:1FFFFF00 ,0x100:0x700"
	fs, err := c.monitorFilters()
	if err != nil {
		t.Fatalf("monitorFilters: %v", err)
	}
	want := []can.Filter{
		{ID: 0x7E8, Mask: can.CAN_SFF_MASK, Exclusivity: can.StandardOnly},
		{ID: 0x18DAF110, Mask: 0x1FFFFF00, Exclusivity: can.ExtendedOnly},
		{ID: 0x100, Mask: 0x700, Exclusivity: can.StandardOnly},
	}
	if len(fs) != len(want) {
		t.Fatalf("got %d filters", len(fs))
	}
	for i := range want {
		if fs[i] != want[i] {
			t.Fatalf("filter %d: %+v want %+v", i, fs[i], want[i])
		}
	}
	c.monitorFilter = ""
	if fs, _ := c.monitorFilters(); fs != nil {
		t.Fatalf("expected no filters, got %v", fs)
	}
}

func TestPayload(t *testing.T) {
	c := validConfig()
	c.sendHex = "10 03"
	b, err := c.payload()
	if err != nil || len(b) != 2 || b[0] != 0x10 || b[1] != 0x03 {
		t.Fatalf("payload %X %v", b, err)
	}
	c.sendHex = "  "
	if _, err := c.payload(); err == nil {
		t.Fatalf("expected error for empty payload")
	}
}
