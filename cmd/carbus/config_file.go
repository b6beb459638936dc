package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// carbus config.toml layout. Durations are Go duration strings.
type fileConfig struct {
	Backend   string `toml:"backend"`
	Interface string `toml:"interface"`
	Serial    struct {
		Device      string `toml:"device"`
		Baud        int    `toml:"baud"`
		Bitrate     int    `toml:"bitrate"`
		ReadTimeout string `toml:"read_timeout"`
	} `toml:"serial"`
	Addressing struct {
		Mode         string `toml:"mode"`
		Node         uint32 `toml:"node"`
		Peer         uint32 `toml:"peer"`
		Extension    uint32 `toml:"extension"`
		TxID         uint32 `toml:"tx_id"`
		RxID         uint32 `toml:"rx_id"`
		FunctionalID uint32 `toml:"functional_id"`
		Extended     bool   `toml:"extended"`
	} `toml:"addressing"`
	ISOTP struct {
		TimeoutAs string `toml:"n_as"`
		TimeoutAr string `toml:"n_ar"`
		TimeoutBs string `toml:"n_bs"`
		TimeoutCr string `toml:"n_cr"`
		BlockSize int    `toml:"block_size"`
		STmin     string `toml:"stmin"`
		WFTMax    int    `toml:"wft_max"`
		RxBuffer  int    `toml:"rx_buffer"`
		Padding   bool   `toml:"padding"`
		PadByte   int    `toml:"pad_byte"`
	} `toml:"isotp"`
	Monitor struct {
		Enable  bool     `toml:"enable"`
		Filters []string `toml:"filters"`
	} `toml:"monitor"`
	Log struct {
		Format string `toml:"format"`
		Level  string `toml:"level"`
	} `toml:"log"`
	Metrics struct {
		Addr        string `toml:"addr"`
		LogInterval string `toml:"log_interval"`
	} `toml:"metrics"`
	MDNS struct {
		Enable bool   `toml:"enable"`
		Name   string `toml:"name"`
	} `toml:"mdns"`
	Bind struct {
		Retries uint   `toml:"retries"`
		Delay   string `toml:"delay"`
	} `toml:"bind"`
}

// applyConfigFile overlays keys defined in the TOML file at path onto c,
// skipping every key whose flag was set explicitly.
func applyConfigFile(c *appConfig, path string, set map[string]struct{}) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load %s: unknown key %s", path, undecoded[0])
	}

	var firstErr error
	defined := func(flagName string, key ...string) bool {
		if _, ok := set[flagName]; ok {
			return false
		}
		return meta.IsDefined(key...)
	}
	dur := func(flagName, v string, dst *time.Duration, key ...string) {
		if !defined(flagName, key...) {
			return
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", strings.Join(key, "."), err)
			}
			return
		}
		*dst = d
	}

	if defined("backend", "backend") {
		c.backend = strings.TrimSpace(raw.Backend)
	}
	if defined("can-if", "interface") {
		c.canIfs = strings.TrimSpace(raw.Interface)
	}
	if defined("serial", "serial", "device") {
		c.serialDev = strings.TrimSpace(raw.Serial.Device)
	}
	if defined("baud", "serial", "baud") {
		c.baud = raw.Serial.Baud
	}
	if defined("bitrate", "serial", "bitrate") {
		c.bitrate = raw.Serial.Bitrate
	}
	dur("serial-read-timeout", raw.Serial.ReadTimeout, &c.serialReadTO, "serial", "read_timeout")

	if defined("addressing", "addressing", "mode") {
		c.addressing = strings.TrimSpace(raw.Addressing.Mode)
	}
	if defined("node", "addressing", "node") {
		c.node = raw.Addressing.Node
	}
	if defined("peer", "addressing", "peer") {
		c.peer = raw.Addressing.Peer
	}
	if defined("extension", "addressing", "extension") {
		c.extension = raw.Addressing.Extension
	}
	if defined("tx-id", "addressing", "tx_id") {
		c.txID = raw.Addressing.TxID
	}
	if defined("rx-id", "addressing", "rx_id") {
		c.rxID = raw.Addressing.RxID
	}
	if defined("functional-id", "addressing", "functional_id") {
		c.functionalID = raw.Addressing.FunctionalID
	}
	if defined("extended-ids", "addressing", "extended") {
		c.extendedIDs = raw.Addressing.Extended
	}

	dur("n-as", raw.ISOTP.TimeoutAs, &c.timeoutAs, "isotp", "n_as")
	dur("n-ar", raw.ISOTP.TimeoutAr, &c.timeoutAr, "isotp", "n_ar")
	dur("n-bs", raw.ISOTP.TimeoutBs, &c.timeoutBs, "isotp", "n_bs")
	dur("n-cr", raw.ISOTP.TimeoutCr, &c.timeoutCr, "isotp", "n_cr")
	dur("stmin", raw.ISOTP.STmin, &c.stmin, "isotp", "stmin")
	if defined("block-size", "isotp", "block_size") {
		c.blockSize = raw.ISOTP.BlockSize
	}
	if defined("wft-max", "isotp", "wft_max") {
		c.wftMax = raw.ISOTP.WFTMax
	}
	if defined("rx-buffer", "isotp", "rx_buffer") {
		c.rxBuffer = raw.ISOTP.RxBuffer
	}
	if defined("padding", "isotp", "padding") {
		c.padding = raw.ISOTP.Padding
	}
	if defined("pad-byte", "isotp", "pad_byte") {
		c.padByte = raw.ISOTP.PadByte
	}

	if defined("monitor", "monitor", "enable") {
		c.monitor = raw.Monitor.Enable
	}
	if defined("monitor-filter", "monitor", "filters") {
		c.monitorFilter = strings.Join(raw.Monitor.Filters, ",")
	}
	if defined("log-format", "log", "format") {
		c.logFormat = strings.TrimSpace(raw.Log.Format)
	}
	if defined("log-level", "log", "level") {
		c.logLevel = strings.TrimSpace(raw.Log.Level)
	}
	if defined("metrics-addr", "metrics", "addr") {
		c.metricsAddr = strings.TrimSpace(raw.Metrics.Addr)
	}
	dur("log-metrics-interval", raw.Metrics.LogInterval, &c.logMetricsEvery, "metrics", "log_interval")
	if defined("mdns-enable", "mdns", "enable") {
		c.mdnsEnable = raw.MDNS.Enable
	}
	if defined("mdns-name", "mdns", "name") {
		c.mdnsName = strings.TrimSpace(raw.MDNS.Name)
	}
	if defined("bind-retries", "bind", "retries") {
		c.bindRetries = raw.Bind.Retries
	}
	dur("bind-retry-delay", raw.Bind.Delay, &c.bindRetryDelay, "bind", "delay")
	return firstErr
}
