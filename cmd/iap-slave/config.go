package main

import (
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-can-iap/internal/bus"
	"github.com/kstaniek/go-can-iap/internal/can"
	"github.com/kstaniek/go-can-iap/internal/flash"
	"github.com/kstaniek/go-can-iap/internal/iap"
	"github.com/kstaniek/go-can-iap/internal/logging"
)

type appConfig struct {
	backend         string
	canIf           string
	serialDev       string
	baud            int
	serialReadTO    time.Duration
	gateway         string
	nodeAddr        int
	mode            string
	flashImage      string
	flashBase       uint64
	flashSize       uint64
	fwOrigin        uint64
	fwSize          uint64
	backupOrigin    uint64
	backupSize      uint64
	cookieFile      string
	allowUpdate     bool
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
	mqttBroker      string
	mqttTopic       string
}

const envPrefix = "IAP_SLAVE_"

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	flag.StringVar(&cfg.backend, "backend", bus.SocketCAN, "CAN backend: socketcan|serial|cnl")
	flag.StringVar(&cfg.canIf, "can-if", "can0", "SocketCAN interface (when --backend=socketcan)")
	flag.StringVar(&cfg.serialDev, "serial", "/dev/ttyUSB0", "Serial device path (when --backend=serial)")
	flag.IntVar(&cfg.baud, "baud", 115200, "Serial baud rate")
	flag.DurationVar(&cfg.serialReadTO, "serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	flag.StringVar(&cfg.gateway, "gateway", "", "Cannelloni TCP gateway host:port (when --backend=cnl)")
	flag.IntVar(&cfg.nodeAddr, "node-addr", 1, "Node address on the bus (1-31)")
	flag.StringVar(&cfg.mode, "mode", "iap", "Command set to serve: iap|normal")
	flag.StringVar(&cfg.flashImage, "flash-image", "", "File backing the emulated program flash (empty keeps flash in memory)")
	flag.Uint64Var(&cfg.flashBase, "flash-base", 0x08000000, "Flash base address")
	flag.Uint64Var(&cfg.flashSize, "flash-size", 0x40000, "Flash size in bytes")
	flag.Uint64Var(&cfg.fwOrigin, "fw-origin", 0x08008000, "Firmware partition origin")
	flag.Uint64Var(&cfg.fwSize, "fw-size", 0x1C000, "Firmware partition size")
	flag.Uint64Var(&cfg.backupOrigin, "backup-origin", 0x08024000, "Backup partition origin")
	flag.Uint64Var(&cfg.backupSize, "backup-size", 0x1C000, "Backup partition size")
	flag.StringVar(&cfg.cookieFile, "cookie-file", "", "File holding persisted flags (empty keeps them in memory)")
	flag.BoolVar(&cfg.allowUpdate, "allow-update", false, "Set the update flag at startup so mode change requests are accepted")
	flag.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	flag.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	flag.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	flag.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	flag.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Advertise the node via mDNS (requires --metrics-addr)")
	flag.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default iap-slave-<hostname>-<addr>)")
	flag.StringVar(&cfg.mqttBroker, "mqtt-broker", "", "MQTT broker URL for session events (e.g., tcp://host:1883); empty disables")
	flag.StringVar(&cfg.mqttTopic, "mqtt-topic", "iap", "MQTT topic prefix for session events")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or files – only checks values/ranges.
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
	if !bus.ValidBackend(c.backend) {
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	if c.backend == bus.Gateway && c.gateway == "" {
		return errors.New("gateway address required for cnl backend")
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.nodeAddr < 1 || c.nodeAddr > int(can.MaxAddr) {
		return fmt.Errorf("node-addr must be in 1..%d (got %d)", can.MaxAddr, c.nodeAddr)
	}
	if _, err := iap.ParseMode(c.mode); err != nil {
		return err
	}
	for name, v := range map[string]uint64{
		"flash-base": c.flashBase, "flash-size": c.flashSize,
		"fw-origin": c.fwOrigin, "fw-size": c.fwSize,
		"backup-origin": c.backupOrigin, "backup-size": c.backupSize,
	} {
		if v > math.MaxUint32 {
			return fmt.Errorf("%s exceeds 32 bits: %#x", name, v)
		}
	}
	if c.flashSize == 0 || c.flashBase+c.flashSize > 1<<32 {
		return fmt.Errorf("invalid flash geometry base=%#x size=%#x", c.flashBase, c.flashSize)
	}
	if c.fwSize == 0 {
		return errors.New("fw-size must be > 0")
	}
	if c.mdnsEnable && c.metricsAddr == "" {
		return errors.New("mdns-enable requires metrics-addr")
	}
	if c.logMetricsEvery < 0 {
		return errors.New("log-metrics-interval must be >= 0")
	}
	return nil
}

func (c *appConfig) busConfig() bus.Config {
	return bus.Config{
		Backend:      c.backend,
		CANIf:        c.canIf,
		SerialDev:    c.serialDev,
		Baud:         c.baud,
		SerialReadTO: c.serialReadTO,
		Gateway:      c.gateway,
		Addr:         can.Addr(c.nodeAddr),
		Filter:       true,
	}
}

func (c *appConfig) partitions() (fw, backup flash.Partition) {
	fw = flash.Partition{Origin: uint32(c.fwOrigin), Size: uint32(c.fwSize)}
	backup = flash.Partition{Origin: uint32(c.backupOrigin), Size: uint32(c.backupSize)}
	return fw, backup
}

// applyEnvOverrides maps IAP_SLAVE_* environment variables to config fields
// unless a corresponding flag was explicitly set. Empty values are ignored.
// Duration accepts Go time.ParseDuration format; integers accept 0x prefixes.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(name string) (string, bool) {
		if _, ok := set[name]; ok {
			return "", false
		}
		key := envPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		v, ok := os.LookupEnv(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	fail := func(name string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("invalid %s%s: %w", envPrefix, strings.ToUpper(strings.ReplaceAll(name, "-", "_")), err)
		}
	}
	str := func(name string, dst *string) {
		if v, ok := get(name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := get(name); ok {
			n, err := strconv.ParseInt(v, 0, 64)
			if err != nil {
				fail(name, err)
				return
			}
			*dst = int(n)
		}
	}
	u64 := func(name string, dst *uint64) {
		if v, ok := get(name); ok {
			n, err := strconv.ParseUint(v, 0, 64)
			if err != nil {
				fail(name, err)
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := get(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				fail(name, err)
				return
			}
			*dst = d
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := get(name); ok {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			default:
				fail(name, fmt.Errorf("not a boolean: %q", v))
			}
		}
	}

	str("backend", &c.backend)
	str("can-if", &c.canIf)
	str("serial", &c.serialDev)
	num("baud", &c.baud)
	dur("serial-read-timeout", &c.serialReadTO)
	str("gateway", &c.gateway)
	num("node-addr", &c.nodeAddr)
	str("mode", &c.mode)
	str("flash-image", &c.flashImage)
	u64("flash-base", &c.flashBase)
	u64("flash-size", &c.flashSize)
	u64("fw-origin", &c.fwOrigin)
	u64("fw-size", &c.fwSize)
	u64("backup-origin", &c.backupOrigin)
	u64("backup-size", &c.backupSize)
	str("cookie-file", &c.cookieFile)
	boolean("allow-update", &c.allowUpdate)
	str("log-format", &c.logFormat)
	str("log-level", &c.logLevel)
	if _, ok := set["metrics-addr"]; !ok {
		// An explicitly empty value disables metrics.
		if v, ok := os.LookupEnv(envPrefix + "METRICS_ADDR"); ok {
			c.metricsAddr = strings.TrimSpace(v)
		}
	}
	dur("log-metrics-interval", &c.logMetricsEvery)
	boolean("mdns-enable", &c.mdnsEnable)
	str("mdns-name", &c.mdnsName)
	str("mqtt-broker", &c.mqttBroker)
	str("mqtt-topic", &c.mqttTopic)
	return firstErr
}
