// Package logging builds the process-wide structured logger. Concrete output
// goes through go.uber.org/zap; internal packages accept the go-logr/logr
// interface so they stay agnostic of the logging backend, the same split the
// teacher draws between its top-level zap.NewProduction() call and the
// logr.Logger parameters threaded through its engine/runner/scheduler
// constructors.
package logging

import (
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the root logger.
type Options struct {
	// Development selects a human-readable console encoder instead of JSON.
	Development bool

	// StripEmojis removes decorative glyphs (SOS_LOG_EMOJIS=0) some loops
	// attach to their log lines (heartbeat ✓, circuit-open 🔴, and so on).
	StripEmojis bool
}

// emojiCore wraps a zapcore.Core and strips a small fixed set of decorative
// glyphs from the message field before encoding.
type emojiCore struct {
	zapcore.Core
}

var emojiReplacer = strings.NewReplacer("✓", "", "✗", "", "🔴", "", "🟢", "", "🟡", "")

func (c emojiCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	entry.Message = emojiReplacer.Replace(entry.Message)
	return c.Core.Check(entry, ce)
}

func (c emojiCore) With(fields []zapcore.Field) zapcore.Core {
	return emojiCore{c.Core.With(fields)}
}

// New builds the root logr.Logger, bridged from a zap core via zapr.
func New(opts Options) logr.Logger {
	var cfg zap.Config
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	zl, err := cfg.Build()
	if err != nil {
		// Configuration of the production encoder cannot fail in practice;
		// fall back to a no-op core rather than panic at startup.
		zl = zap.NewNop()
	}

	if opts.StripEmojis {
		zl = zl.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return emojiCore{core}
		}))
	}

	return zapr.NewLogger(zl)
}
