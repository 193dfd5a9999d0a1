// Package events reports update-session milestones to operators.
package events

import (
	"log/slog"
	"time"
)

// Kind identifies a session milestone.
type Kind string

const (
	SessionStarted  Kind = "session_started"
	LengthAnnounced Kind = "length_announced"
	BlockWritten    Kind = "block_written"
	SessionFinished Kind = "session_finished"
	SessionFailed   Kind = "session_failed"
	RolledBack      Kind = "rolled_back"
	Rebooting       Kind = "rebooting"
)

// Event is one milestone of a node's update session.
type Event struct {
	Node   uint8     `json:"node"`
	Kind   Kind      `json:"kind"`
	Offset uint32    `json:"offset"`
	Length uint32    `json:"length,omitempty"`
	Error  string    `json:"error,omitempty"`
	Time   time.Time `json:"time"`
}

// Publisher receives events. Publish runs on the protocol dispatcher and must
// not block.
type Publisher interface {
	Publish(Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(Event) {}

// LogPublisher writes events to a structured logger.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(ev Event) {
	l := p.Logger
	if l == nil {
		l = slog.Default()
	}
	attrs := []any{"node", ev.Node, "offset", ev.Offset}
	if ev.Length > 0 {
		attrs = append(attrs, "length", ev.Length)
	}
	if ev.Error != "" {
		attrs = append(attrs, "error", ev.Error)
		l.Warn(string(ev.Kind), attrs...)
		return
	}
	l.Info(string(ev.Kind), attrs...)
}

// Multi fans an event out to several publishers in order.
type Multi []Publisher

func (m Multi) Publish(ev Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ev)
		}
	}
}
