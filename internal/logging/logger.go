// Package logging owns the process-wide zap logger and the audit appenders.
//
// The logger is installed once at startup. A sampling core provides flood
// protection: past a per-second threshold further records are dropped until
// the next window, with one counter tick recording the suppression.
package logging

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	once   sync.Once
)

type contextKey string

const (
	SessionIDKey contextKey = "session_id"
	UserIDKey    contextKey = "user_id"
	RoomIDKey    contextKey = "room_id"
)

// floodFirst is how many records per second pass through unsampled;
// floodThereafter keeps every Nth record beyond that.
const (
	floodWindow     = time.Second
	floodFirst      = 200
	floodThereafter = 100
)

// Initialize sets up the global logger. level is one of debug, info, warn,
// error; unknown values fall back to info. development switches to the
// console encoder with colored levels.
func Initialize(level string, development bool) error {
	var err error
	once.Do(func() {
		var config zap.Config
		if development {
			config = zap.NewDevelopmentConfig()
			config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		} else {
			config = zap.NewProductionConfig()
			config.EncoderConfig.TimeKey = "timestamp"
			config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		}

		var lvl zapcore.Level
		if parseErr := lvl.Set(level); parseErr != nil {
			lvl = zapcore.InfoLevel
		}
		config.Level = zap.NewAtomicLevelAt(lvl)
		config.OutputPaths = []string{"stdout"}
		config.ErrorOutputPaths = []string{"stderr"}

		logger, err = config.Build(
			zap.AddCallerSkip(1),
			zap.WrapCore(func(core zapcore.Core) zapcore.Core {
				return zapcore.NewSamplerWithOptions(core, floodWindow, floodFirst, floodThereafter)
			}),
		)
	})
	return err
}

// GetLogger returns the global logger instance.
func GetLogger() *zap.Logger {
	if logger == nil {
		// Fallback for tests or before init.
		l, _ := zap.NewDevelopment()
		return l
	}
	return logger
}

// Debug logs a message at DebugLevel.
func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Debug(msg, appendContextFields(ctx, fields)...)
}

// Info logs a message at InfoLevel.
func Info(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Info(msg, appendContextFields(ctx, fields)...)
}

// Warn logs a message at WarnLevel.
func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, appendContextFields(ctx, fields)...)
}

// Error logs a message at ErrorLevel.
func Error(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Error(msg, appendContextFields(ctx, fields)...)
}

func appendContextFields(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}
	if sid, ok := ctx.Value(SessionIDKey).(string); ok {
		fields = append(fields, zap.String("session_id", sid))
	}
	if uid, ok := ctx.Value(UserIDKey).(int32); ok {
		fields = append(fields, zap.Int32("user_id", uid))
	}
	if rid, ok := ctx.Value(RoomIDKey).(string); ok {
		fields = append(fields, zap.String("room_id", rid))
	}
	return fields
}

// Silencer suppresses per-user log chatter for a configured id set
// (the silentPhiraIds configuration key).
type Silencer struct {
	ids map[int32]struct{}
}

// NewSilencer builds a Silencer from the configured id list.
func NewSilencer(ids []int32) *Silencer {
	m := make(map[int32]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return &Silencer{ids: m}
}

// Silenced reports whether routine logs about this user should be dropped.
func (s *Silencer) Silenced(userID int32) bool {
	if s == nil {
		return false
	}
	_, ok := s.ids[userID]
	return ok
}
