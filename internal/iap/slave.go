// Package iap implements the in-application programming side of a node: the
// command handlers that erase, stream, program, finalize and roll back the
// firmware partition.
package iap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kstaniek/go-can-iap/internal/can"
	"github.com/kstaniek/go-can-iap/internal/comproto"
	"github.com/kstaniek/go-can-iap/internal/events"
	"github.com/kstaniek/go-can-iap/internal/flash"
	"github.com/kstaniek/go-can-iap/internal/logging"
	"github.com/kstaniek/go-can-iap/internal/transport"
)

// Flash is the program-flash driver used by the handlers.
type Flash interface {
	Unlock()
	Lock()
	WriteBlock(addr uint32, p []byte) error
	ReadAt(p []byte, off int64) (int, error)
}

// Partitions resolves and manipulates flash partitions.
type Partitions interface {
	Origin(flash.ID) uint32
	Size(flash.ID) uint32
	Erase(flash.ID) error
	Copy(dst, src flash.ID) error
}

// Cookies is the persisted flag store.
type Cookies interface {
	Set(flash.Cookie) error
	Clear(flash.Cookie) error
	IsSet(flash.Cookie) bool
}

// Mode selects which command table a node serves.
type Mode int

const (
	// ModeIAP serves the full update command set.
	ModeIAP Mode = iota
	// ModeNormal serves only mode change and reboot.
	ModeNormal
)

func (m Mode) String() string {
	if m == ModeNormal {
		return "normal"
	}
	return "iap"
}

// ParseMode maps "iap" or "normal" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "iap", "":
		return ModeIAP, nil
	case "normal":
		return ModeNormal, nil
	}
	return ModeIAP, fmt.Errorf("invalid mode: %s", s)
}

var (
	ErrMissingCollaborator = errors.New("missing collaborator")
	ErrImageTooLarge       = errors.New("image exceeds firmware partition")
)

// Config wires a Slave to its peripherals.
type Config struct {
	Flash      Flash
	Partitions Partitions
	Cookies    Cookies
	// Reset restarts the node. The slave stops dispatching before calling it,
	// so nothing queued behind the resetting command runs even if it returns.
	Reset  func()
	Events events.Publisher
	Logger *slog.Logger
	Mode   Mode
}

// Slave is a node taking part in firmware updates.
type Slave struct {
	addr    can.Addr
	proto   *comproto.Proto
	flash   Flash
	parts   Partitions
	cookies Cookies
	reset   func()
	events  events.Publisher
	logger  *slog.Logger
	mode    Mode
	now     func() time.Time

	// mu guards sess for Status readers; handlers run on the dispatcher only.
	mu   sync.Mutex
	sess session
}

// New builds a slave at addr transmitting through tx. Extra options are passed
// to the protocol core; the command table is chosen from cfg.Mode.
func New(addr can.Addr, tx transport.Mailbox, cfg Config, opts ...comproto.Option) (*Slave, error) {
	if cfg.Cookies == nil || cfg.Reset == nil {
		return nil, fmt.Errorf("%w: cookies and reset are required", ErrMissingCollaborator)
	}
	if cfg.Mode == ModeIAP && (cfg.Flash == nil || cfg.Partitions == nil) {
		return nil, fmt.Errorf("%w: iap mode needs flash and partitions", ErrMissingCollaborator)
	}
	s := &Slave{
		addr:    addr & can.DstMask,
		flash:   cfg.Flash,
		parts:   cfg.Partitions,
		cookies: cfg.Cookies,
		events:  cfg.Events,
		logger:  cfg.Logger,
		mode:    cfg.Mode,
		now:     time.Now,
	}
	s.reset = func() {
		s.proto.Stop()
		cfg.Reset()
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	if s.logger == nil {
		s.logger = logging.Node(uint8(s.addr))
	}
	entries := s.IAPTable()
	if s.mode == ModeNormal {
		entries = s.NormalTable()
	}
	tbl, err := comproto.NewTable(entries...)
	if err != nil {
		return nil, err
	}
	all := append([]comproto.Option{comproto.WithLogger(s.logger)}, opts...)
	all = append(all, comproto.WithTable(tbl))
	s.proto = comproto.New(s.addr, tx, all...)
	return s, nil
}

// IAPTable is the full update command set.
func (s *Slave) IAPTable() []comproto.Entry {
	return []comproto.Entry{
		{Code: can.ModeChangeRq, Handler: s.handleModeChange},
		{Code: can.ModeRebootRq, Handler: s.handleReboot},
		{Code: can.ModeVerifyRq, Handler: s.handleVerify},
		{Code: can.ModeUpdateStartRq, Handler: s.handleUpdateStart},
		{Code: can.DataStartRq, Handler: s.handleDataStart},
		{Code: can.DataLen, Handler: s.handleLength},
		{Code: can.DataChunk, Handler: s.handleChunk},
		{Code: can.DataBlockAckRq, Handler: s.handleBlockAck},
		{Code: can.DataFlashRead, Handler: s.handleFlashRead},
		{Code: can.DataFinishRq, Handler: s.handleFinish},
		{Code: can.ModeRollbackRq, Handler: s.handleRollback},
		{Code: can.DataSizeAddrRq, Handler: s.handleSizeAddr},
	}
}

// NormalTable is served while the application runs: enough for a master to
// request the switch into IAP mode.
func (s *Slave) NormalTable() []comproto.Entry {
	return []comproto.Entry{
		{Code: can.ModeChangeRq, Handler: s.handleModeChange},
		{Code: can.ModeRebootRq, Handler: s.handleReboot},
	}
}

func (s *Slave) Addr() can.Addr { return s.addr }
func (s *Slave) Mode() Mode     { return s.mode }

// Proto exposes the protocol core, e.g. for ProcessRx from a bus reader.
func (s *Slave) Proto() *comproto.Proto { return s.proto }

// ProcessRx hands an inbound bus frame to the protocol core. Frames arriving
// after a reset are dropped.
func (s *Slave) ProcessRx(fr can.Frame) { s.proto.ProcessRx(fr) }

// Run serves commands until ctx is cancelled or a handler resets the node.
func (s *Slave) Run(ctx context.Context) error {
	return s.proto.Run(ctx)
}

// Status is a snapshot of the update session.
type Status struct {
	State      State
	Offset     uint32
	Length     uint32
	Cursor     int
	BlockReady bool
}

// Status returns the current session snapshot.
func (s *Slave) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess.status()
}

// reply sends a response to the master. Responses are best effort.
func (s *Slave) reply(cmd can.Command, payload []byte) bool {
	if err := s.proto.Reply(cmd, payload); err != nil {
		s.logger.Warn("reply_failed", "command", cmd.String(), "error", err)
		return false
	}
	return true
}

func (s *Slave) publish(kind events.Kind, err error) {
	ev := events.Event{
		Node:   uint8(s.addr),
		Kind:   kind,
		Offset: s.sess.offset,
		Length: s.sess.length,
		Time:   s.now(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.events.Publish(ev)
}
