// Command iap-slave runs a CAN node that accepts firmware updates over the
// bus and programs them into its (emulated) flash.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/kstaniek/go-can-iap/internal/bus"
	"github.com/kstaniek/go-can-iap/internal/can"
	"github.com/kstaniek/go-can-iap/internal/iap"
	"github.com/kstaniek/go-can-iap/internal/metrics"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("iap-slave %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	periph, err := openPeripherals(cfg, l)
	if err != nil {
		l.Error("peripherals_init_error", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	// Frames that arrive before the node exists are dropped.
	var node atomic.Pointer[iap.Slave]
	deliver := func(fr can.Frame) {
		if s := node.Load(); s != nil {
			s.ProcessRx(fr)
		}
	}
	mb, cleanupBus, err := bus.Open(ctx, cfg.busConfig(), deliver, l, &wg)
	if err != nil {
		l.Error("backend_init_error", "error", err)
		_ = periph.Close()
		os.Exit(1)
	}

	resetCh := make(chan struct{}, 1)
	reset := func() {
		select {
		case resetCh <- struct{}{}:
		default:
		}
	}
	slave, err := newSlave(cfg, periph, mb, reset, l)
	if err != nil {
		l.Error("node_init_error", "error", err)
		cancel()
		cleanupBus()
		_ = periph.Close()
		os.Exit(1)
	}
	node.Store(slave)
	l.Info("node_ready", "addr", cfg.nodeAddr, "mode", slave.Mode().String(), "backend", cfg.backend)

	runErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		runErr <- slave.Run(ctx)
	}()

	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil })
	stopHTTP := func() {}
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		cleanupMDNS := func() {}
		if port, err := listenPort(cfg.metricsAddr); err != nil {
			l.Warn("mdns_port_unknown", "addr", cfg.metricsAddr, "error", err)
		} else if c, err := startMDNS(ctx, cfg, port); err != nil {
			l.Warn("mdns_start_failed", "error", err)
		} else {
			cleanupMDNS = c
		}
		stopHTTP = func() {
			cleanupMDNS()
			_ = srvHTTP.Shutdown(context.Background())
		}
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	restart := false
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case <-resetCh:
		l.Info("reset_requested")
		restart = true
	case err := <-runErr:
		// The slave stops dispatching before it calls reset.
		select {
		case <-resetCh:
			l.Info("reset_requested")
			restart = true
		default:
			l.Error("dispatcher_stopped", "error", err)
		}
	}
	cancel()
	cleanupBus()
	wg.Wait()
	stopHTTP()
	if err := periph.Close(); err != nil {
		l.Error("peripherals_close_error", "error", err)
	}
	if restart {
		if err := execSelf(); err != nil {
			l.Error("reset_exec_error", "error", err)
			os.Exit(1)
		}
	}
}
