// Copyright 2024 The UVM Authors.
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

// Package log provides a leveled logging front end for the UVM core.
//
// The backend is logrus; packages log through this front end so that the
// emitter can be swapped or silenced in one place (tests lower the level to
// avoid noise from deliberately-provoked failures).
package log

import (
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Logger is the log target used by the UVM packages.
type Logger interface {
	// Debugf logs a debug message.
	Debugf(format string, v ...any)

	// Infof logs at the info level.
	Infof(format string, v ...any)

	// Warningf logs at the warning level.
	Warningf(format string, v ...any)
}

type logrusLogger struct {
	entry *logrus.Entry
}

func (l *logrusLogger) Debugf(format string, v ...any)   { l.entry.Debugf(format, v...) }
func (l *logrusLogger) Infof(format string, v ...any)    { l.entry.Infof(format, v...) }
func (l *logrusLogger) Warningf(format string, v ...any) { l.entry.Warningf(format, v...) }

var log = func() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	return l
}()

// SetLevel sets the level of the global logger.
func SetLevel(level logrus.Level) {
	log.SetLevel(level)
}

// Log returns the global logger.
func Log() Logger {
	return &logrusLogger{entry: logrus.NewEntry(log)}
}

// Debugf logs a debug message to the global logger.
func Debugf(format string, v ...any) {
	log.Debugf(format, v...)
}

// Infof logs to the global logger at the info level.
func Infof(format string, v ...any) {
	log.Infof(format, v...)
}

// Warningf logs to the global logger at the warning level.
func Warningf(format string, v ...any) {
	log.Warningf(format, v...)
}

type rateLimitedLogger struct {
	logger Logger
	limit  *rate.Limiter
}

func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	if rl.limit.Allow() {
		rl.logger.Debugf(format, v...)
	}
}

func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	if rl.limit.Allow() {
		rl.logger.Infof(format, v...)
	}
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	if rl.limit.Allow() {
		rl.logger.Warningf(format, v...)
	}
}

// BasicRateLimitedLogger returns a Logger that logs to the global logger no
// more than once per the provided duration.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return RateLimitedLogger(Log(), every)
}

// RateLimitedLogger returns a Logger that logs to the provided logger no more
// than once per the provided duration.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}
