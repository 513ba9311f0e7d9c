// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Format selects the log encoding.
type Format string

const (
	// FormatConsole writes colored, pipe separated lines.
	FormatConsole Format = "CONSOLE"
	// FormatJSON writes one JSON object per line.
	FormatJSON Format = "JSON"
)

// FieldThing is the key under which thing scoped loggers carry the thing name.
const FieldThing = "thing"

// Options configures the process logger.
type Options struct {
	Level  zapcore.Level
	Format Format
}

var initOnce sync.Once

// ParseLevel maps LOGGING_LEVEL values to zap levels. PRODUCTION and
// unknown values log at info.
func ParseLevel(value string) zapcore.Level {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "WARN", "WARNING":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseFormat maps LOGGING_FORMAT values to a Format, falling back to console.
func ParseFormat(value string) Format {
	if Format(strings.ToUpper(strings.TrimSpace(value))) == FormatJSON {
		return FormatJSON
	}

	return FormatConsole
}

// OptionsFromEnv reads LOGGING_LEVEL and LOGGING_FORMAT.
func OptionsFromEnv() Options {
	return Options{
		Level:  ParseLevel(os.Getenv("LOGGING_LEVEL")),
		Format: ParseFormat(os.Getenv("LOGGING_FORMAT")),
	}
}

func consoleTime(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05 MST"))
}

// New builds a logger writing to w.
func New(opts Options, w io.Writer) *zap.Logger {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	switch opts.Format {
	case FormatJSON:
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(cfg)
	default:
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.EncodeTime = consoleTime
		cfg.ConsoleSeparator = " | "
		encoder = zapcore.NewConsoleEncoder(cfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(w)), zap.NewAtomicLevelAt(opts.Level))

	return zap.New(core, zap.AddCaller())
}

// Initialize installs the process logger from the environment. Only the
// first call has an effect.
func Initialize() {
	initOnce.Do(func() {
		opts := OptionsFromEnv()
		log := New(opts, os.Stdout)
		zap.ReplaceGlobals(log)
		log.Info("Logger initialized", zap.Stringer("level", opts.Level), zap.String("format", string(opts.Format)))
	})
}

// Sync flushes buffered entries of the process logger.
func Sync() error {
	return zap.L().Sync()
}

// For returns the logger of a component.
func For(component string) *zap.SugaredLogger {
	Initialize()

	return zap.S().Named(component)
}

// ForThing returns the logger of a component working on one thing.
func ForThing(component, thing string) *zap.SugaredLogger {
	return For(component).With(FieldThing, thing)
}
