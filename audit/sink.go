// Package audit provides the fire-and-forget audit/notification sink invoked
// by engines after their commit points. Sinks never return errors into the
// caller's control flow.
package audit

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Entry is a single audit trail record.
type Entry struct {
	ID        string `gorm:"primaryKey"`
	Actor     string `gorm:"index"`
	Action    string `gorm:"index"`
	Details   string
	Success   bool
	CreatedAt time.Time
}

// Sink records audit events. Implementations must absorb their own failures.
type Sink interface {
	Record(actor, action, details string, success bool)
}

// NoopSink discards all records.
type NoopSink struct{}

// Record implements Sink.
func (NoopSink) Record(string, string, string, bool) {}

// SlogSink writes audit records as structured log lines.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink wraps a logger; nil falls back to slog.Default.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

// Record implements Sink.
func (s *SlogSink) Record(actor, action, details string, success bool) {
	if s == nil || s.logger == nil {
		return
	}
	s.logger.Info("audit",
		slog.String("audit_id", uuid.NewString()),
		slog.String("actor", actor),
		slog.String("action", action),
		slog.String("details", details),
		slog.Bool("success", success),
	)
}

// MultiSink fans records out to several sinks.
type MultiSink []Sink

// Record implements Sink.
func (m MultiSink) Record(actor, action, details string, success bool) {
	for _, s := range m {
		if s != nil {
			s.Record(actor, action, details, success)
		}
	}
}

// MemSink collects entries in memory for tests.
type MemSink struct {
	Entries []Entry
}

// Record implements Sink.
func (s *MemSink) Record(actor, action, details string, success bool) {
	if s == nil {
		return
	}
	s.Entries = append(s.Entries, Entry{
		ID:        uuid.NewString(),
		Actor:     actor,
		Action:    action,
		Details:   details,
		Success:   success,
		CreatedAt: time.Now().UTC(),
	})
}

// Find returns the recorded entries matching an action. Test helper.
func (s *MemSink) Find(action string) []Entry {
	if s == nil {
		return nil
	}
	var out []Entry
	for _, e := range s.Entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}
