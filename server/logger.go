// Copyright 2024 The Nakama Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// SetupLogging builds the process logger. Development environments get a
// console encoder on stdout, production a JSON encoder. If a log file is
// configured its output is rotated with lumberjack and combined with stdout.
func SetupLogging(config *Config) *zap.Logger {
	level := zap.InfoLevel
	switch config.Logger.Level {
	case "debug":
		level = zap.DebugLevel
	case "warn":
		level = zap.WarnLevel
	case "error":
		level = zap.ErrorLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if config.Environment == "development" {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	syncer := zapcore.Lock(os.Stdout)
	if config.Logger.File != "" {
		rotator := zapcore.AddSync(&lumberjack.Logger{
			Filename:   config.Logger.File,
			MaxSize:    config.Logger.MaxSizeMB,
			MaxBackups: config.Logger.MaxBackups,
			MaxAge:     config.Logger.MaxAgeDays,
		})
		syncer = zapcore.NewMultiWriteSyncer(syncer, rotator)
	}

	core := zapcore.NewCore(encoder, syncer, level)
	options := []zap.Option{zap.AddStacktrace(zap.ErrorLevel)}
	if config.Environment == "development" {
		options = append(options, zap.AddCaller())
	}
	return zap.New(core, options...)
}
