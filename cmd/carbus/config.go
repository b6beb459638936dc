package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-carbus/internal/can"
	"github.com/kstaniek/go-carbus/internal/isotp"
	"github.com/kstaniek/go-carbus/internal/logging"
	"github.com/kstaniek/go-carbus/internal/slcan"
)

type appConfig struct {
	configFile      string
	backend         string
	canIfs          string
	serialDev       string
	baud            int
	bitrate         int
	serialReadTO    time.Duration
	addressing      string
	node            uint32
	peer            uint32
	extension       uint32
	txID            uint32
	rxID            uint32
	functionalID    uint32
	extendedIDs     bool
	timeoutAs       time.Duration
	timeoutAr       time.Duration
	timeoutBs       time.Duration
	timeoutCr       time.Duration
	blockSize       int
	stmin           time.Duration
	wftMax          int
	rxBuffer        int
	padding         bool
	padByte         int
	monitor         bool
	monitorFilter   string
	sendHex         string
	sendEvery       time.Duration
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
	bindRetries     uint
	bindRetryDelay  time.Duration
	list            bool
}

// hexValue is a flag.Value accepting decimal or 0x-prefixed numbers.
type hexValue struct {
	v    *uint32
	bits int
}

func (h hexValue) String() string {
	if h.v == nil {
		return "0"
	}
	return fmt.Sprintf("0x%X", *h.v)
}

func (h hexValue) Set(s string) error {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 0, h.bits)
	if err != nil {
		return err
	}
	*h.v = uint32(n)
	return nil
}

func parseFlags(args []string) (*appConfig, bool, error) {
	def := isotp.DefaultConfig()
	cfg := &appConfig{node: 0xF1, peer: 0x10}
	fs := flag.NewFlagSet("carbus", flag.ContinueOnError)
	fs.StringVar(&cfg.configFile, "config", "", "Optional TOML configuration file")
	fs.StringVar(&cfg.backend, "backend", "socketcan", "CAN backend: socketcan|slcan")
	fs.StringVar(&cfg.canIfs, "can-if", "can0", "SocketCAN interface(s), comma separated (when --backend=socketcan)")
	fs.StringVar(&cfg.serialDev, "serial", "/dev/ttyACM0", "SLCAN serial device (when --backend=slcan)")
	fs.IntVar(&cfg.baud, "baud", 115200, "SLCAN serial baud rate")
	fs.IntVar(&cfg.bitrate, "bitrate", 500000, "SLCAN bus bitrate")
	fs.DurationVar(&cfg.serialReadTO, "serial-read-timeout", 50*time.Millisecond, "SLCAN serial read timeout")
	fs.StringVar(&cfg.addressing, "addressing", "normal-fixed", "ISO-TP addressing: normal-fixed|mixed|normal")
	fs.Var(hexValue{&cfg.node, 8}, "node", "Local node address")
	fs.Var(hexValue{&cfg.peer, 8}, "peer", "Peer node address")
	fs.Var(hexValue{&cfg.extension, 8}, "extension", "Address extension byte (mixed addressing)")
	fs.Var(hexValue{&cfg.txID, 29}, "tx-id", "CAN id towards the peer (normal addressing)")
	fs.Var(hexValue{&cfg.rxID, 29}, "rx-id", "CAN id from the peer (normal addressing)")
	fs.Var(hexValue{&cfg.functionalID, 29}, "functional-id", "CAN id for functional requests (normal addressing, 0 disables)")
	fs.BoolVar(&cfg.extendedIDs, "extended-ids", false, "Use 29-bit ids with normal addressing")
	fs.DurationVar(&cfg.timeoutAs, "n-as", def.TimeoutAs, "N_As timeout")
	fs.DurationVar(&cfg.timeoutAr, "n-ar", def.TimeoutAr, "N_Ar timeout")
	fs.DurationVar(&cfg.timeoutBs, "n-bs", def.TimeoutBs, "N_Bs timeout")
	fs.DurationVar(&cfg.timeoutCr, "n-cr", def.TimeoutCr, "N_Cr timeout")
	fs.IntVar(&cfg.blockSize, "block-size", int(def.BlockSize), "Block size advertised to senders (0 = unlimited)")
	fs.DurationVar(&cfg.stmin, "stmin", def.STmin, "STmin advertised to senders")
	fs.IntVar(&cfg.wftMax, "wft-max", def.MaxWaitFrames, "Maximum WAIT flow controls in a row")
	fs.IntVar(&cfg.rxBuffer, "rx-buffer", int(def.RxBufferSize), "Largest message accepted from a peer")
	fs.BoolVar(&cfg.padding, "padding", def.Padding, "Pad transmitted frames to 8 bytes")
	fs.IntVar(&cfg.padByte, "pad-byte", int(def.PaddingByte), "Padding byte")
	fs.BoolVar(&cfg.monitor, "monitor", false, "Log every frame seen on the bus")
	fs.StringVar(&cfg.monitorFilter, "monitor-filter", "", "Monitor only ids matching id:mask entries, comma separated (hex)")
	fs.StringVar(&cfg.sendHex, "send", "", "Hex payload to send to the peer after start")
	fs.DurationVar(&cfg.sendEvery, "send-every", 0, "If >0, repeat --send at this interval")
	fs.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Advertise the metrics endpoint over mDNS")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default carbus-<hostname>)")
	fs.UintVar(&cfg.bindRetries, "bind-retries", 5, "Attempts to open the link before giving up")
	fs.DurationVar(&cfg.bindRetryDelay, "bind-retry-delay", 500*time.Millisecond, "Initial delay between link open attempts")
	fs.BoolVar(&cfg.list, "list", false, "List CAN interfaces and exit")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}

	// Track which flags were explicitly set to give them precedence.
	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	if cfg.configFile == "" {
		if v, ok := os.LookupEnv("CARBUS_CONFIG"); ok {
			cfg.configFile = strings.TrimSpace(v)
		}
	}
	if cfg.configFile != "" {
		if err := applyConfigFile(cfg, cfg.configFile, setFlags); err != nil {
			return nil, *showVersion, fmt.Errorf("config file: %w", err)
		}
	}
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		return nil, *showVersion, fmt.Errorf("environment override: %w", err)
	}
	if *showVersion || cfg.list {
		return cfg, *showVersion, nil
	}
	if err := cfg.validate(); err != nil {
		return nil, false, fmt.Errorf("configuration: %w", err)
	}
	return cfg, false, nil
}

// validate performs semantic validation of the parsed configuration.
// It does not open devices; only checks values and ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	if _, err := logging.ParseLevel(c.logLevel); err != nil {
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case "socketcan":
		if len(c.interfaces()) == 0 {
			return errors.New("can-if must name at least one interface")
		}
	case "slcan":
		if c.serialDev == "" {
			return errors.New("serial must name a device")
		}
		if c.baud <= 0 {
			return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
		}
		if _, err := slcan.BitrateCommand(c.bitrate); err != nil {
			return err
		}
		if c.serialReadTO <= 0 {
			return errors.New("serial-read-timeout must be > 0")
		}
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	switch c.addressing {
	case "normal-fixed", "mixed":
	case "normal":
		if c.txID == 0 || c.rxID == 0 {
			return errors.New("normal addressing needs tx-id and rx-id")
		}
		if c.txID == c.rxID {
			return errors.New("tx-id and rx-id must differ")
		}
		if !c.extendedIDs && (c.txID > 0x7FF || c.rxID > 0x7FF || c.functionalID > 0x7FF) {
			return errors.New("11-bit ids must be <= 0x7FF (use --extended-ids)")
		}
	default:
		return fmt.Errorf("invalid addressing: %s", c.addressing)
	}
	if c.node > 0xFF || c.peer > 0xFF || c.extension > 0xFF {
		return errors.New("node, peer and extension must fit in one byte")
	}
	if c.node == c.peer {
		return errors.New("node and peer must differ")
	}
	if c.blockSize < 0 || c.blockSize > 0xFF {
		return fmt.Errorf("block-size must be 0..255 (got %d)", c.blockSize)
	}
	if c.padByte < 0 || c.padByte > 0xFF {
		return fmt.Errorf("pad-byte must be 0..255 (got %d)", c.padByte)
	}
	if c.wftMax < 0 {
		return errors.New("wft-max must be >= 0")
	}
	if c.rxBuffer <= 0 {
		return fmt.Errorf("rx-buffer must be > 0 (got %d)", c.rxBuffer)
	}
	if err := c.transportConfig().Validate(); err != nil {
		return err
	}
	if _, err := c.monitorFilters(); err != nil {
		return fmt.Errorf("invalid monitor-filter: %w", err)
	}
	if c.sendHex != "" {
		if _, err := c.payload(); err != nil {
			return fmt.Errorf("invalid send payload: %w", err)
		}
	}
	if c.sendEvery < 0 || c.logMetricsEvery < 0 {
		return errors.New("intervals must be >= 0")
	}
	if c.bindRetries == 0 {
		return errors.New("bind-retries must be >= 1")
	}
	return nil
}

// interfaces splits the can-if list.
func (c *appConfig) interfaces() []string {
	var out []string
	for _, s := range strings.Split(c.canIfs, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// monitorFilters parses the monitor-filter list. An id above 0x7FF selects
// extended frames; a missing mask matches the id exactly.
func (c *appConfig) monitorFilters() ([]can.Filter, error) {
	var out []can.Filter
	for _, e := range strings.Split(c.monitorFilter, ",") {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		idStr, maskStr, hasMask := strings.Cut(e, ":")
		id, err := strconv.ParseUint(strings.TrimPrefix(idStr, "0x"), 16, 29)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", e, err)
		}
		f := can.Filter{ID: uint32(id), Mask: can.CAN_SFF_MASK, Exclusivity: can.StandardOnly}
		if id > can.CAN_SFF_MASK {
			f.Mask, f.Exclusivity = can.CAN_EFF_MASK, can.ExtendedOnly
		}
		if hasMask {
			m, err := strconv.ParseUint(strings.TrimPrefix(maskStr, "0x"), 16, 29)
			if err != nil {
				return nil, fmt.Errorf("%q: %w", e, err)
			}
			f.Mask = uint32(m)
		}
		out = append(out, f)
	}
	return out, nil
}

func (c *appConfig) payload() ([]byte, error) {
	s := strings.ReplaceAll(strings.TrimSpace(c.sendHex), " ", "")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, errors.New("empty")
	}
	return b, nil
}

func (c *appConfig) transportConfig() isotp.Config {
	return isotp.Config{
		TimeoutAs:     c.timeoutAs,
		TimeoutAr:     c.timeoutAr,
		TimeoutBs:     c.timeoutBs,
		TimeoutCr:     c.timeoutCr,
		BlockSize:     uint8(c.blockSize),
		STmin:         c.stmin,
		MaxWaitFrames: c.wftMax,
		RxBufferSize:  uint32(c.rxBuffer),
		Padding:       c.padding,
		PaddingByte:   byte(c.padByte),
	}
}

func (c *appConfig) addressingScheme() isotp.Addressing {
	node := uint8(c.node)
	switch c.addressing {
	case "mixed":
		return isotp.Mixed{Node: node, Extension: uint8(c.extension)}
	case "normal":
		return isotp.Normal{
			Node:               node,
			Links:              []isotp.Link{{Peer: uint8(c.peer), TxID: c.txID, RxID: c.rxID, Extended: c.extendedIDs}},
			FunctionalID:       c.functionalID,
			FunctionalExtended: c.extendedIDs,
		}
	default:
		return isotp.NormalFixed{Node: node}
	}
}

// peerAddress is where --send payloads go.
func (c *appConfig) peerAddress() isotp.Address {
	a := isotp.Address{Source: uint8(c.node), Target: uint8(c.peer)}
	if c.addressing == "mixed" {
		a.Extension, a.HasExtension = uint8(c.extension), true
	}
	return a
}

// applyEnvOverrides maps CARBUS_* environment variables to config fields
// unless the corresponding flag was explicitly set. Empty values are ignored.
// It returns the first parse error.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(flagName, key string) (string, bool) {
		if _, ok := set[flagName]; ok {
			return "", false
		}
		v, ok := os.LookupEnv(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	fail := func(key string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	str := func(flagName, key string, dst *string) {
		if v, ok := get(flagName, key); ok {
			*dst = v
		}
	}
	num := func(flagName, key string, dst *int) {
		if v, ok := get(flagName, key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = n
		}
	}
	addr := func(flagName, key string, bits int, dst *uint32) {
		if v, ok := get(flagName, key); ok {
			if err := (hexValue{dst, bits}).Set(v); err != nil {
				fail(key, err)
			}
		}
	}
	dur := func(flagName, key string, dst *time.Duration) {
		if v, ok := get(flagName, key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = d
		}
	}
	boolean := func(flagName, key string, dst *bool) {
		if v, ok := get(flagName, key); ok {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			default:
				fail(key, fmt.Errorf("not a boolean: %q", v))
			}
		}
	}

	str("backend", "CARBUS_BACKEND", &c.backend)
	str("can-if", "CARBUS_IF", &c.canIfs)
	str("serial", "CARBUS_SERIAL", &c.serialDev)
	num("baud", "CARBUS_BAUD", &c.baud)
	num("bitrate", "CARBUS_BITRATE", &c.bitrate)
	dur("serial-read-timeout", "CARBUS_SERIAL_READ_TIMEOUT", &c.serialReadTO)
	str("addressing", "CARBUS_ADDRESSING", &c.addressing)
	addr("node", "CARBUS_NODE", 8, &c.node)
	addr("peer", "CARBUS_PEER", 8, &c.peer)
	addr("extension", "CARBUS_EXTENSION", 8, &c.extension)
	addr("tx-id", "CARBUS_TX_ID", 29, &c.txID)
	addr("rx-id", "CARBUS_RX_ID", 29, &c.rxID)
	addr("functional-id", "CARBUS_FUNCTIONAL_ID", 29, &c.functionalID)
	boolean("extended-ids", "CARBUS_EXTENDED_IDS", &c.extendedIDs)
	dur("n-as", "CARBUS_N_AS", &c.timeoutAs)
	dur("n-ar", "CARBUS_N_AR", &c.timeoutAr)
	dur("n-bs", "CARBUS_N_BS", &c.timeoutBs)
	dur("n-cr", "CARBUS_N_CR", &c.timeoutCr)
	num("block-size", "CARBUS_BLOCK_SIZE", &c.blockSize)
	dur("stmin", "CARBUS_STMIN", &c.stmin)
	num("wft-max", "CARBUS_WFT_MAX", &c.wftMax)
	num("rx-buffer", "CARBUS_RX_BUFFER", &c.rxBuffer)
	boolean("padding", "CARBUS_PADDING", &c.padding)
	num("pad-byte", "CARBUS_PAD_BYTE", &c.padByte)
	boolean("monitor", "CARBUS_MONITOR", &c.monitor)
	str("monitor-filter", "CARBUS_MONITOR_FILTER", &c.monitorFilter)
	str("send", "CARBUS_SEND", &c.sendHex)
	dur("send-every", "CARBUS_SEND_EVERY", &c.sendEvery)
	str("log-format", "CARBUS_LOG_FORMAT", &c.logFormat)
	str("log-level", "CARBUS_LOG_LEVEL", &c.logLevel)
	str("metrics-addr", "CARBUS_METRICS", &c.metricsAddr)
	dur("log-metrics-interval", "CARBUS_LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	boolean("mdns-enable", "CARBUS_MDNS_ENABLE", &c.mdnsEnable)
	str("mdns-name", "CARBUS_MDNS_NAME", &c.mdnsName)
	if v, ok := get("bind-retries", "CARBUS_BIND_RETRIES"); ok {
		if n, err := strconv.ParseUint(v, 10, 32); err != nil {
			fail("CARBUS_BIND_RETRIES", err)
		} else {
			c.bindRetries = uint(n)
		}
	}
	dur("bind-retry-delay", "CARBUS_BIND_RETRY_DELAY", &c.bindRetryDelay)
	return firstErr
}
