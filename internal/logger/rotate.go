// Copyright 2023 Rosenpass e.V.
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
//
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"gopkg.in/natefinch/lumberjack.v2"
)

// rotateBufferSize bounds how many pending log lines an AsyncLogger will
// hold; once that many are queued, Write blocks its caller on the channel
// send until the sink drains one.
const rotateBufferSize = 1024

// NewRotatingFile builds an AsyncLogger backed by a size- and age-rotated
// log file at path, following the lumberjack defaults used throughout the
// gcsfuse pack.
func NewRotatingFile(path string, maxSizeMB, maxBackups, maxAgeDays int) *AsyncLogger {
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}
	return NewAsyncLogger(lj, rotateBufferSize)
}
