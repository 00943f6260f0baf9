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
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetLevelFiltersRecords(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, FormatText)

	SetLevel("ERROR")
	l.Info("should not appear")
	require.Empty(t, buf.String())

	SetLevel("INFO")
	l.Info("should appear")
	require.Contains(t, buf.String(), "should appear")
}

func TestNewJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	SetLevel("INFO")
	l := New(&buf, FormatJSON)
	l.Info("hello", slog.String("k", "v"))
	require.Contains(t, buf.String(), `"k":"v"`)
}
