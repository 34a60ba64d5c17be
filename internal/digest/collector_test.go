package digest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/cellarwatch/lastbottle-monitor/internal/notify"
)

type fakeSender struct {
	sent []sentMail
	err  error
}

type sentMail struct {
	to, subject, body string
}

func (f *fakeSender) Send(ctx context.Context, to, subject, body string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMail{to, subject, body})
	return nil
}

func newTestLogger(t *testing.T, c *Collector) *zap.Logger {
	t.Helper()
	base := zaptest.NewLogger(t)
	return zap.New(zapcore.NewTee(base.Core(), c.Core()))
}

func mustTemplates(t *testing.T) *notify.Templates {
	t.Helper()
	tmpl, err := notify.NewTemplates("https://lastbottlewines.com/")
	require.NoError(t, err)
	return tmpl
}

func TestCollectorCapturesOnlyErrors(t *testing.T) {
	c := NewCollector()
	logger := newTestLogger(t, c)

	logger.Info("routine progress")
	logger.Warn("mild concern")
	logger.Error("scoring failed", zap.String("user_id", "jason"))
	logger.Error("send failed", zap.String("user_id", "alice"))

	assert.Equal(t, 2, c.Len())
}

func TestCollectorCarriesWithFields(t *testing.T) {
	c := NewCollector()
	logger := newTestLogger(t, c).With(zap.String("run_id", "r-1"))

	logger.Error("scoring failed", zap.String("user_id", "jason"))

	entries := c.Drain()
	require.Len(t, entries, 1)
	assert.Equal(t, "r-1", entries[0].Fields["run_id"])
	assert.Equal(t, "jason", entries[0].Fields["user_id"])
	assert.Contains(t, entries[0].Line(), "run_id=r-1")
	assert.Contains(t, entries[0].Line(), "user_id=jason")
}

func TestFlushSendsOneDigest(t *testing.T) {
	c := NewCollector()
	logger := newTestLogger(t, c)
	sender := &fakeSender{}

	logger.Error("scoring failed", zap.String("user_id", "jason"))
	logger.Error("send failed", zap.String("user_id", "alice"))

	err := c.Flush(context.Background(), sender, mustTemplates(t), "ops@example.com", logger)
	require.NoError(t, err)

	require.Len(t, sender.sent, 1, "many errors, one email")
	assert.Equal(t, "ops@example.com", sender.sent[0].to)
	assert.Contains(t, sender.sent[0].subject, "Error Digest")
	assert.Contains(t, sender.sent[0].body, "Errors collected: 2")
	assert.Contains(t, sender.sent[0].body, "scoring failed")
	assert.Contains(t, sender.sent[0].body, "send failed")
	assert.Equal(t, 0, c.Len(), "flush clears the buffer")
}

func TestFlushNoErrorsSendsNothing(t *testing.T) {
	c := NewCollector()
	sender := &fakeSender{}

	err := c.Flush(context.Background(), sender, mustTemplates(t), "ops@example.com", zap.NewNop())
	require.NoError(t, err)
	assert.Empty(t, sender.sent)
}

func TestFlushWithoutOperatorEmail(t *testing.T) {
	c := NewCollector()
	logger := newTestLogger(t, c)
	sender := &fakeSender{}

	logger.Error("scoring failed")

	err := c.Flush(context.Background(), sender, mustTemplates(t), "", logger)
	require.NoError(t, err)
	assert.Empty(t, sender.sent)
	assert.Equal(t, 0, c.Len())
}

func TestFlushSendFailureStillClears(t *testing.T) {
	c := NewCollector()
	logger := newTestLogger(t, c)
	sender := &fakeSender{err: errors.New("ses throttled")}

	logger.Error("scoring failed")

	err := c.Flush(context.Background(), sender, mustTemplates(t), "ops@example.com", logger)
	require.Error(t, err)
	assert.Equal(t, 0, c.Len(), "a failed digest is not retried next run")
}
