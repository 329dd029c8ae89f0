/*
 * Copyright (C) 2020-2022, IrineSistiana
 * Copyright (C) 2026, pmkol
 *
 * This file is part of httpsdns.
 *
 * httpsdns is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * httpsdns is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package mlog

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogConfig struct {
	// Level, See also zapcore.ParseLevel.
	Level string `yaml:"level"`

	// File that logger will be writen into.
	// Default is stderr.
	File string `yaml:"file"`

	// Production enables json output.
	Production bool `yaml:"production"`
}

var (
	stderr = zapcore.Lock(os.Stderr)
	lvl    = zap.NewAtomicLevelAt(zap.InfoLevel)
	l      = zap.New(zapcore.NewCore(zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()), stderr, lvl))

	nop = zap.NewNop()
)

// NewLogger builds a *zap.Logger from lc.
func NewLogger(lc *LogConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if len(lc.Level) > 0 {
		var err error
		level, err = zapcore.ParseLevel(lc.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
	}

	out := stderr
	if len(lc.File) > 0 {
		f, _, err := zap.Open(lc.File)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
	}

	var encoder zapcore.Encoder
	if lc.Production {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}
	return zap.New(zapcore.NewCore(encoder, out, level)), nil
}

// L is a global logger.
func L() *zap.Logger {
	return l
}

// Nop is a logger that never writes out logs.
func Nop() *zap.Logger {
	return nop
}
