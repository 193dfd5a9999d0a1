package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kstaniek/go-can-iap/internal/bus"
	"github.com/kstaniek/go-can-iap/internal/can"
	"github.com/kstaniek/go-can-iap/internal/logging"
)

// Actions.
const (
	actUpdate   = "update"
	actRollback = "rollback"
	actReboot   = "reboot"
	actInfo     = "info"
	actRead     = "read"
	actVerify   = "verify"
)

type appConfig struct {
	backend      string
	canIf        string
	serialDev    string
	baud         int
	serialReadTO time.Duration
	gateway      string
	node         int
	action       string
	image        string
	modeChange   bool
	readAddr     uint64
	readLen      uint64
	out          string
	timeout      time.Duration
	eraseTimeout time.Duration
	deadline     time.Duration
	logFormat    string
	logLevel     string
}

const envPrefix = "IAP_FLASH_"

func parseFlags(fs *flag.FlagSet, args []string) (*appConfig, bool, error) {
	cfg := &appConfig{}
	fs.StringVar(&cfg.backend, "backend", bus.SocketCAN, "CAN backend: socketcan|serial|cnl")
	fs.StringVar(&cfg.canIf, "can-if", "can0", "SocketCAN interface (when --backend=socketcan)")
	fs.StringVar(&cfg.serialDev, "serial", "/dev/ttyUSB0", "Serial device path (when --backend=serial)")
	fs.IntVar(&cfg.baud, "baud", 115200, "Serial baud rate")
	fs.DurationVar(&cfg.serialReadTO, "serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	fs.StringVar(&cfg.gateway, "gateway", "", "Cannelloni TCP gateway host:port (when --backend=cnl)")
	fs.IntVar(&cfg.node, "node", 1, "Target node address (1-31)")
	fs.StringVar(&cfg.action, "action", actInfo, "Action: update|rollback|reboot|info|read|verify")
	fs.StringVar(&cfg.image, "image", "", "Firmware image (raw binary) for --action=update")
	fs.BoolVar(&cfg.modeChange, "mode-change", false, "Request mode change before updating")
	fs.Uint64Var(&cfg.readAddr, "read-addr", 0, "Start address for --action=read (default: firmware origin)")
	fs.Uint64Var(&cfg.readLen, "read-len", 0, "Bytes to read for --action=read (default: whole firmware partition)")
	fs.StringVar(&cfg.out, "out", "", "Output file for --action=read (default: hex dump to stdout)")
	fs.DurationVar(&cfg.timeout, "timeout", time.Second, "Response timeout")
	fs.DurationVar(&cfg.eraseTimeout, "erase-timeout", 10*time.Second, "Timeout for responses that follow a partition erase or copy")
	fs.DurationVar(&cfg.deadline, "deadline", 10*time.Minute, "Overall deadline for the action")
	fs.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	if *showVersion {
		return cfg, true, nil
	}
	set := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = struct{}{} })
	applyEnvOverrides(cfg, set)
	if err := cfg.validate(); err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

// applyEnvOverrides lets IAP_FLASH_BACKEND, IAP_FLASH_CAN_IF, IAP_FLASH_SERIAL
// and IAP_FLASH_GATEWAY select the bus when the flag was not given.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) {
	for name, dst := range map[string]*string{
		"backend": &c.backend,
		"can-if":  &c.canIf,
		"serial":  &c.serialDev,
		"gateway": &c.gateway,
	} {
		if _, ok := set[name]; ok {
			continue
		}
		key := envPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
}

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
	if c.node < 1 || c.node > int(can.MaxAddr) {
		return fmt.Errorf("node must be in 1..%d (got %d)", can.MaxAddr, c.node)
	}
	switch c.action {
	case actUpdate:
		if c.image == "" {
			return errors.New("update requires --image")
		}
	case actRollback, actReboot, actInfo, actVerify:
	case actRead:
		if c.readAddr > 0xFFFFFFFF || c.readLen > 0xFFFFFFFF {
			return errors.New("read-addr and read-len must fit 32 bits")
		}
	default:
		return fmt.Errorf("invalid action: %s", c.action)
	}
	if c.timeout <= 0 || c.eraseTimeout <= 0 || c.deadline <= 0 {
		return errors.New("timeouts must be > 0")
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
		Addr:         can.MasterAddr,
		Filter:       true,
	}
}
