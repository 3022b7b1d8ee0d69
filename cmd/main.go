// Copyright 2026 The Lodestar Authors
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

// Package lodestarcmd implements the lodestar command line.
package lodestarcmd

import (
	"log/slog"
	"os"

	"github.com/DeRuina/timberjack"
	"github.com/KimMachineGun/automemlimit/memlimit"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

// LogLevelEnv names the environment variable controlling log verbosity
// (debug, info, warn, error).
const LogLevelEnv = "LODESTAR_LOG"

// ExitCodeFailedStartup is the process exit code for configuration and bind
// failures.
const ExitCodeFailedStartup = 1

// Main implements the main function of the lodestar command. Call this if
// lodestar is to be the main() of your program.
func Main() {
	logger := newLogger()
	defer logger.Sync()

	// Configure the maximum number of CPUs to use to match the Linux container quota (if any)
	// See https://pkg.go.dev/runtime#GOMAXPROCS
	undo, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Debugf))
	defer undo()
	if err != nil {
		logger.Warn("failed to set GOMAXPROCS", zap.Error(err))
	}

	// Configure the maximum memory to use to match the Linux container quota (if any) or system memory
	// See https://pkg.go.dev/runtime/debug#SetMemoryLimit
	_, _ = memlimit.SetGoMemLimitWithOpts(
		memlimit.WithLogger(
			slog.New(zapslog.NewHandler(logger.Core())),
		),
		memlimit.WithProvider(
			memlimit.ApplyFallback(
				memlimit.FromCgroup,
				memlimit.FromSystem,
			),
		),
	)

	if err := rootCommand(logger).Execute(); err != nil {
		logger.Error("startup failed", zap.Error(err))
		os.Exit(ExitCodeFailedStartup)
	}
}

// logLevel reads the verbosity from LODESTAR_LOG, defaulting to info.
func logLevel() zapcore.Level {
	if env := os.Getenv(LogLevelEnv); env != "" {
		if parsed, err := zapcore.ParseLevel(env); err == nil {
			return parsed
		}
	}
	return zapcore.InfoLevel
}

// newLogger builds the process logger, writing to stderr.
func newLogger() *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		logLevel(),
	)
	return zap.New(core)
}

// withFileLogging tees the logger's output into a size-rotated JSON log
// file, keeping stderr output intact.
func withFileLogging(logger *zap.Logger, path string) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.AddSync(&timberjack.Logger{
			Filename:   path,
			MaxSize:    100, // megabytes
			MaxBackups: 10,
		}),
		logLevel(),
	)
	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	}))
}
