package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/kstaniek/go-can-iap/internal/can"
	"github.com/kstaniek/go-can-iap/internal/events"
	"github.com/kstaniek/go-can-iap/internal/flash"
	"github.com/kstaniek/go-can-iap/internal/iap"
	"github.com/kstaniek/go-can-iap/internal/transport"
)

// restartEnv marks a process started by execSelf.
const restartEnv = "IAP_SLAVE_RESTARTED"

// dialMQTT is a hook for tests.
var dialMQTT = func(broker, prefix string) (eventSink, error) {
	return events.DialMQTT(broker, prefix, 0)
}

type eventSink interface {
	events.Publisher
	Close() error
}

// peripherals are the node's flash, partition table, flag store and event sinks.
type peripherals struct {
	dev     *flash.Device
	parts   *flash.Table
	cookies iap.Cookies
	pub     events.Publisher
	closers []func() error
}

func (p *peripherals) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		errs = append(errs, p.closers[i]())
	}
	return errors.Join(errs...)
}

func openPeripherals(cfg *appConfig, l *slog.Logger) (*peripherals, error) {
	p := &peripherals{}
	ok := false
	defer func() {
		if !ok {
			_ = p.Close()
		}
	}()

	if cfg.flashImage != "" {
		dev, err := flash.OpenImage(cfg.flashImage, uint32(cfg.flashBase), uint32(cfg.flashSize))
		if err != nil {
			return nil, err
		}
		p.dev = dev
		l.Info("flash_image_open", "path", cfg.flashImage, "base", fmt.Sprintf("%#x", cfg.flashBase), "size", cfg.flashSize)
	} else {
		p.dev = flash.NewMemory(uint32(cfg.flashBase), uint32(cfg.flashSize))
		l.Warn("flash_in_memory", "base", fmt.Sprintf("%#x", cfg.flashBase), "size", cfg.flashSize)
	}
	p.closers = append(p.closers, p.dev.Close)

	fw, backup := cfg.partitions()
	parts, err := flash.NewTable(p.dev, fw, backup)
	if err != nil {
		return nil, err
	}
	p.parts = parts

	if cfg.cookieFile != "" {
		cs, err := flash.OpenCookies(cfg.cookieFile)
		if err != nil {
			return nil, err
		}
		p.cookies = cs
	} else {
		p.cookies = &flash.MemCookies{}
	}
	// allow-update applies to cold starts only; after a reset the flag is
	// whatever finish or rollback left behind.
	if cfg.allowUpdate {
		if os.Getenv(restartEnv) != "" {
			l.Info("allow_update_skipped", "reason", "restart", "update_flag", p.cookies.IsSet(flash.UpdateFlag))
		} else if err := p.cookies.Set(flash.UpdateFlag); err != nil {
			return nil, fmt.Errorf("set update flag: %w", err)
		}
	}

	sinks := events.Multi{events.LogPublisher{Logger: l}}
	if cfg.mqttBroker != "" {
		m, err := dialMQTT(cfg.mqttBroker, cfg.mqttTopic)
		if err != nil {
			// Events are informational; run without them.
			l.Warn("mqtt_unavailable", "broker", cfg.mqttBroker, "error", err)
		} else {
			sinks = append(sinks, m)
			p.closers = append(p.closers, m.Close)
		}
	}
	p.pub = sinks
	ok = true
	return p, nil
}

// newSlave builds the protocol node on top of the peripherals.
func newSlave(cfg *appConfig, p *peripherals, tx transport.Mailbox, reset func(), l *slog.Logger) (*iap.Slave, error) {
	mode, err := iap.ParseMode(cfg.mode)
	if err != nil {
		return nil, err
	}
	return iap.New(can.Addr(cfg.nodeAddr), tx, iap.Config{
		Flash:      p.dev,
		Partitions: p.parts,
		Cookies:    p.cookies,
		Reset:      reset,
		Events:     p.pub,
		Logger:     l.With("node", cfg.nodeAddr),
		Mode:       mode,
	})
}
