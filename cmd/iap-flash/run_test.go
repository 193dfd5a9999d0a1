package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-can-iap/internal/logging"
	"github.com/kstaniek/go-can-iap/internal/master"
)

// fakeSession records calls and serves a fixed partition.
type fakeSession struct {
	calls  []string
	image  []byte
	flash  []byte
	origin uint32
	err    error
}

func (f *fakeSession) Update(_ context.Context, image []byte) error {
	f.calls = append(f.calls, "update")
	f.image = image
	return f.err
}
func (f *fakeSession) Rollback(context.Context) error { f.calls = append(f.calls, "rollback"); return f.err }
func (f *fakeSession) Reboot(context.Context) error   { f.calls = append(f.calls, "reboot"); return nil }
func (f *fakeSession) Verify(context.Context) error   { f.calls = append(f.calls, "verify"); return f.err }
func (f *fakeSession) SizeAndAddr(context.Context) (uint32, uint32, error) {
	f.calls = append(f.calls, "size_addr")
	return uint32(len(f.flash)), f.origin, nil
}
func (f *fakeSession) ReadFlash(_ context.Context, addr, n uint32) ([]byte, error) {
	f.calls = append(f.calls, "read")
	off := addr - f.origin
	return f.flash[off : off+n], nil
}

func newFake() *fakeSession {
	fl := make([]byte, 64)
	for i := range fl {
		fl[i] = byte(i)
	}
	return &fakeSession{flash: fl, origin: 0x08008000}
}

func TestRunAction_UpdateDoesNotReboot(t *testing.T) {
	img := filepath.Join(t.TempDir(), "fw.bin")
	require.NoError(t, os.WriteFile(img, []byte{1, 2, 3}, 0o644))
	f := newFake()
	cfg := &appConfig{action: actUpdate, image: img, node: 2}
	require.NoError(t, runAction(context.Background(), cfg, f, io.Discard, logging.Discard()))
	require.Equal(t, []string{"size_addr", "update"}, f.calls)
	require.Equal(t, []byte{1, 2, 3}, f.image)
}

func TestRunAction_UpdateTooLarge(t *testing.T) {
	img := filepath.Join(t.TempDir(), "fw.bin")
	require.NoError(t, os.WriteFile(img, make([]byte, 65), 0o644))
	f := newFake()
	err := runAction(context.Background(), &appConfig{action: actUpdate, image: img}, f, io.Discard, logging.Discard())
	require.ErrorIs(t, err, master.ErrImageTooBig)
	require.NotContains(t, f.calls, "update")
}

func TestRunAction_UpdateFailure(t *testing.T) {
	img := filepath.Join(t.TempDir(), "fw.bin")
	require.NoError(t, os.WriteFile(img, []byte{1}, 0o644))
	f := newFake()
	f.err = errors.New("timeout")
	err := runAction(context.Background(), &appConfig{action: actUpdate, image: img}, f, io.Discard, logging.Discard())
	require.Error(t, err)
	require.Equal(t, []string{"size_addr", "update"}, f.calls)
}

func TestRunAction_RollbackDoesNotReboot(t *testing.T) {
	f := newFake()
	require.NoError(t, runAction(context.Background(), &appConfig{action: actRollback}, f, io.Discard, logging.Discard()))
	require.Equal(t, []string{"rollback"}, f.calls)
}

func TestRunAction_Reboot(t *testing.T) {
	f := newFake()
	require.NoError(t, runAction(context.Background(), &appConfig{action: actReboot}, f, io.Discard, logging.Discard()))
	require.Equal(t, []string{"reboot"}, f.calls)
}

func TestRunAction_Info(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runAction(context.Background(), &appConfig{action: actInfo, node: 4}, newFake(), &out, logging.Discard()))
	require.Equal(t, "node 4: firmware origin 0x08008000 size 64 (0x40)\n", out.String())
}

func TestRunAction_ReadDefaultsToPartition(t *testing.T) {
	out := filepath.Join(t.TempDir(), "dump.bin")
	f := newFake()
	require.NoError(t, runAction(context.Background(), &appConfig{action: actRead, out: out}, f, io.Discard, logging.Discard()))
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, f.flash, got)
}

func TestRunAction_ReadHexDump(t *testing.T) {
	var out bytes.Buffer
	cfg := &appConfig{action: actRead, readAddr: 0x08008010, readLen: 4}
	require.NoError(t, runAction(context.Background(), cfg, newFake(), &out, logging.Discard()))
	require.True(t, strings.HasPrefix(out.String(), "00000000  10 11 12 13"), out.String())
}

func TestProgressLogger_Throttles(t *testing.T) {
	var buf bytes.Buffer
	cb := progressLogger(logging.New("text", nil, &buf))
	for pct := 0; pct <= 100; pct++ {
		cb(master.Progress{Phase: "streaming", Percentage: float64(pct)})
	}
	require.Equal(t, 11, strings.Count(buf.String(), "update_progress"))
}

func TestParseFlags(t *testing.T) {
	fs := flag.NewFlagSet("iap-flash", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfg, showVersion, err := parseFlags(fs, []string{"-backend", "cnl", "-gateway", "gw:20000", "-node", "9", "-action", "verify"})
	require.NoError(t, err)
	require.False(t, showVersion)
	require.Equal(t, 9, cfg.node)
	require.Equal(t, "gw:20000", cfg.busConfig().Gateway)

	fs = flag.NewFlagSet("iap-flash", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	_, _, err = parseFlags(fs, []string{"-action", "update"})
	require.Error(t, err, "update without image")
}

func TestParseFlags_EnvSelectsBus(t *testing.T) {
	t.Setenv("IAP_FLASH_BACKEND", "serial")
	t.Setenv("IAP_FLASH_SERIAL", "/dev/ttyACM3")
	fs := flag.NewFlagSet("iap-flash", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfg, _, err := parseFlags(fs, []string{"-action", "info"})
	require.NoError(t, err)
	require.Equal(t, "serial", cfg.backend)
	require.Equal(t, "/dev/ttyACM3", cfg.serialDev)
}

func TestValidate_Errors(t *testing.T) {
	base := func() *appConfig {
		return &appConfig{backend: "socketcan", baud: 115200, node: 1, action: actInfo,
			timeout: 1, eraseTimeout: 1, deadline: 1, logFormat: "text", logLevel: "info"}
	}
	require.NoError(t, base().validate())
	for name, mod := range map[string]func(*appConfig){
		"action":  func(c *appConfig) { c.action = "erase" },
		"node":    func(c *appConfig) { c.node = 0 },
		"backend": func(c *appConfig) { c.backend = "usb" },
		"timeout": func(c *appConfig) { c.timeout = 0 },
		"readLen": func(c *appConfig) { c.action = actRead; c.readLen = 1 << 33 },
	} {
		c := base()
		mod(c)
		require.Error(t, c.validate(), name)
	}
}
