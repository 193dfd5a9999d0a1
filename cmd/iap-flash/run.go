package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/kstaniek/go-can-iap/internal/master"
)

// session is the subset of *master.Updater used by the actions.
type session interface {
	Update(ctx context.Context, image []byte) error
	Rollback(ctx context.Context) error
	Reboot(ctx context.Context) error
	Verify(ctx context.Context) error
	SizeAndAddr(ctx context.Context) (size, origin uint32, err error)
	ReadFlash(ctx context.Context, addr, n uint32) ([]byte, error)
}

var _ session = (*master.Updater)(nil)

// runAction performs cfg.action against the node.
func runAction(ctx context.Context, cfg *appConfig, s session, stdout io.Writer, l *slog.Logger) error {
	switch cfg.action {
	case actUpdate:
		image, err := os.ReadFile(cfg.image)
		if err != nil {
			return fmt.Errorf("read image: %w", err)
		}
		if size, origin, err := s.SizeAndAddr(ctx); err == nil {
			l.Info("target_partition", "origin", fmt.Sprintf("%#08x", origin), "size", size)
			if uint64(len(image)) > uint64(size) {
				return fmt.Errorf("%w: %d bytes, partition holds %d", master.ErrImageTooBig, len(image), size)
			}
		} else {
			l.Warn("size_addr_unavailable", "error", err)
		}
		// The node resets on its own once it acknowledges the finish.
		return s.Update(ctx, image)
	case actRollback:
		return s.Rollback(ctx)
	case actReboot:
		return s.Reboot(ctx)
	case actVerify:
		if err := s.Verify(ctx); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "node %d: iap mode\n", cfg.node)
		return nil
	case actInfo:
		size, origin, err := s.SizeAndAddr(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "node %d: firmware origin 0x%08X size %d (0x%X)\n", cfg.node, origin, size, size)
		return nil
	case actRead:
		addr, n := uint32(cfg.readAddr), uint32(cfg.readLen)
		if addr == 0 || n == 0 {
			size, origin, err := s.SizeAndAddr(ctx)
			if err != nil {
				return err
			}
			if addr == 0 {
				addr = origin
			}
			if n == 0 {
				n = size
			}
		}
		data, err := s.ReadFlash(ctx, addr, n)
		if err != nil {
			return err
		}
		if cfg.out != "" {
			return os.WriteFile(cfg.out, data, 0o644)
		}
		d := hex.Dumper(stdout)
		defer d.Close()
		_, err = d.Write(data)
		return err
	}
	return fmt.Errorf("invalid action: %s", cfg.action)
}

// progressLogger logs update progress every 10 percent.
func progressLogger(l *slog.Logger) master.ProgressCallback {
	next := 0.0
	return func(p master.Progress) {
		if p.Phase == "streaming" && p.Percentage < next {
			return
		}
		l.Info("update_progress",
			"phase", p.Phase,
			"bytes", p.BytesWritten,
			"total", p.TotalBytes,
			"percent", fmt.Sprintf("%.0f", p.Percentage),
			"elapsed", p.ElapsedTime.Round(time.Millisecond),
		)
		if p.Phase == "streaming" {
			next = p.Percentage + 10
		}
	}
}
