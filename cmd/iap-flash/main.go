// Command iap-flash drives a node's firmware update over the CAN bus.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/kstaniek/go-can-iap/internal/bus"
	"github.com/kstaniek/go-can-iap/internal/can"
	"github.com/kstaniek/go-can-iap/internal/comproto"
	"github.com/kstaniek/go-can-iap/internal/logging"
	"github.com/kstaniek/go-can-iap/internal/master"
)

func main() {
	cfg, showVersion, err := parseFlags(flag.CommandLine, os.Args[1:])
	if showVersion {
		fmt.Printf("iap-flash %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}
	lvl, _ := logging.ParseLevel(cfg.logLevel)
	l := logging.New(cfg.logFormat, lvl, os.Stderr).With("app", "iap-flash")
	logging.Set(l)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.deadline)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		var se *master.StepError
		if errors.As(err, &se) {
			l.Error("action_failed", "action", cfg.action, "step", se.Step, "offset", se.Offset, "error", se.Err)
		} else {
			l.Error("action_failed", "action", cfg.action, "error", err)
		}
		os.Exit(1)
	}
	l.Info("action_done", "action", cfg.action, "node", cfg.node)
}

func run(ctx context.Context, cfg *appConfig) error {
	l := logging.L()
	busCtx, cancelBus := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	var proto *comproto.Proto
	ready := make(chan struct{})
	deliver := func(fr can.Frame) {
		select {
		case <-ready:
			proto.ProcessRx(fr)
		default:
		}
	}
	mb, cleanup, err := bus.Open(busCtx, cfg.busConfig(), deliver, l, &wg)
	if err != nil {
		cancelBus()
		return err
	}
	defer func() {
		cancelBus()
		cleanup()
		wg.Wait()
	}()
	proto = comproto.New(can.MasterAddr, mb, comproto.WithLogger(l))
	close(ready)

	u := master.New(proto, can.Addr(cfg.node),
		master.WithResponseTimeout(cfg.timeout),
		master.WithEraseTimeout(cfg.eraseTimeout),
		master.WithModeChange(cfg.modeChange),
		master.WithProgressCallback(progressLogger(l)),
		master.WithLogger(l.With("target", cfg.node)),
	)
	return runAction(ctx, cfg, u, os.Stdout, l)
}
