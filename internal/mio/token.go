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

package mio

import "sync/atomic"

// Token is an opaque identifier handed to the readiness poll layer. Tokens
// are unique for the lifetime of the process and are never reused, even
// after the IoSource they named has been removed.
type Token uint64

// TokenDispenser hands out monotonically increasing Tokens.
type TokenDispenser struct {
	next uint64
}

// Next returns a Token that has never been returned before by this
// dispenser.
func (d *TokenDispenser) Next() Token {
	return Token(atomic.AddUint64(&d.next, 1) - 1)
}
