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

package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	for _, n := range []uint64{0, 1, 255, 65536, RequestMax} {
		hdr := EncodeHeader(n)
		require.Equal(t, n, DecodeHeader(hdr))
	}
}

func TestCheckRequestLenAcceptsBoundary(t *testing.T) {
	require.NoError(t, CheckRequestLen(RequestMax))
	require.Error(t, CheckRequestLen(RequestMax+1))
}

func TestCheckRequestLenRejectsOversized(t *testing.T) {
	err := CheckRequestLen(^uint64(0))
	require.ErrorIs(t, err, ErrOversizedRequest)
}

func TestCheckResponseLenRejectsOversized(t *testing.T) {
	err := CheckResponseLen(ResponseMax + 1)
	require.ErrorIs(t, err, ErrOversizedResponse)
}
