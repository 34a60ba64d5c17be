// Package digest buffers error log entries during a run and flushes them
// as a single operator email at the end. One digest per run at most, no
// matter how many individual errors occurred.
package digest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cellarwatch/lastbottle-monitor/internal/notify"
)

// Entry is one buffered error.
type Entry struct {
	Time    time.Time
	Level   string
	Message string
	Fields  map[string]interface{}
}

// Line renders the entry the way it appears in the digest email.
func (e Entry) Line() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s | %s | %s", e.Time.UTC().Format(time.RFC3339), e.Level, e.Message)

	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Fields[k])
	}
	return b.String()
}

// Collector accumulates Error-level log entries. Attach it to a logger via
// Core and zapcore.NewTee; every error logged anywhere in the run lands
// here as well as in the normal log output.
type Collector struct {
	mu      sync.Mutex
	entries []Entry
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Core returns a zapcore.Core that captures Error-level entries into the
// collector.
func (c *Collector) Core() zapcore.Core {
	return &captureCore{collector: c}
}

// Len reports how many errors are currently buffered.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Drain returns the buffered entries and clears the buffer.
func (c *Collector) Drain() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.entries
	c.entries = nil
	return entries
}

func (c *Collector) add(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
}

// Flush sends one digest email covering every buffered error, then clears
// the buffer. A run with no errors sends nothing. The buffer is cleared
// even when sending fails: retrying a digest next run would re-report
// errors from a run that is already over.
func (c *Collector) Flush(ctx context.Context, sender notify.Sender, tmpl *notify.Templates, operatorEmail string, logger *zap.Logger) error {
	entries := c.Drain()
	if len(entries) == 0 {
		return nil
	}

	if operatorEmail == "" {
		logger.Warn("cannot send error digest: no operator email configured",
			zap.Int("errors", len(entries)))
		return nil
	}

	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, e.Line())
	}

	subject, body, err := tmpl.RenderDigest(time.Now().UTC(), lines)
	if err != nil {
		return fmt.Errorf("rendering digest: %w", err)
	}
	if err := sender.Send(ctx, operatorEmail, subject, body); err != nil {
		return fmt.Errorf("sending digest: %w", err)
	}

	logger.Info("error digest sent",
		zap.String("operator", operatorEmail),
		zap.Int("errors", len(entries)))
	return nil
}

// captureCore tees Error-level entries into the collector. With-fields are
// carried so contextual loggers keep their context in the digest.
type captureCore struct {
	collector *Collector
	fields    []zapcore.Field
}

func (co *captureCore) Enabled(l zapcore.Level) bool {
	return l >= zapcore.ErrorLevel
}

func (co *captureCore) With(fields []zapcore.Field) zapcore.Core {
	combined := make([]zapcore.Field, 0, len(co.fields)+len(fields))
	combined = append(combined, co.fields...)
	combined = append(combined, fields...)
	return &captureCore{collector: co.collector, fields: combined}
}

func (co *captureCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if co.Enabled(ent.Level) {
		return ce.AddCore(ent, co)
	}
	return ce
}

func (co *captureCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range co.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}

	co.collector.add(Entry{
		Time:    ent.Time,
		Level:   ent.Level.CapitalString(),
		Message: ent.Message,
		Fields:  enc.Fields,
	})
	return nil
}

func (co *captureCore) Sync() error { return nil }
