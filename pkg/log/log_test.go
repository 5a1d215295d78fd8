// Copyright The NRI Plugins Authors. All Rights Reserved.
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

package log

import (
	"testing"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/torusched/bgblock/pkg/apis/config/v1alpha1/log"
)

func TestParseSrcmap(t *testing.T) {
	type testCase struct {
		name     string
		settings []string
		expect   srcmap
		invalid  bool
	}
	for _, tc := range []*testCase{
		{
			name:   "empty",
			expect: srcmap{},
		},
		{
			name:     "plain sources",
			settings: []string{"dynamic, mesh"},
			expect:   srcmap{"dynamic": true, "mesh": true},
		},
		{
			name:     "prefix carries over",
			settings: []string{"on:all,off:mesh,bridge"},
			expect:   srcmap{"*": true, "mesh": false, "bridge": false},
		},
		{
			name:     "several settings",
			settings: []string{"dynamic", "off:dynamic"},
			expect:   srcmap{"dynamic": false},
		},
		{
			name:     "bad state",
			settings: []string{"maybe:mesh"},
			invalid:  true,
		},
		{
			name:     "too many colons",
			settings: []string{"on:mesh:x"},
			invalid:  true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m, err := parseSrcmap(tc.settings...)
			if tc.invalid {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expect, m)

			again, err := parseSrcmap(m.String())
			require.NoError(t, err)
			require.Equal(t, m, again)
		})
	}
}

func TestParseLevel(t *testing.T) {
	for value, expect := range map[string]Level{
		"":        LevelInfo,
		"debug":   LevelDebug,
		" Warn ":  LevelWarn,
		"warning": LevelWarn,
		"ERROR":   LevelError,
	} {
		level, err := ParseLevel(value)
		require.NoError(t, err)
		require.Equal(t, expect, level, value)
	}
	_, err := ParseLevel("loud")
	require.Error(t, err)
}

func TestConfigureDebug(t *testing.T) {
	defer func() {
		require.NoError(t, Configure(&cfgapi.Config{}))
	}()

	lg := Get("test")
	require.NoError(t, Configure(&cfgapi.Config{Debug: []string{"test"}}))
	require.True(t, lg.DebugEnabled())
	require.False(t, Get("other").DebugEnabled())

	require.NoError(t, Configure(&cfgapi.Config{Level: "debug"}))
	require.True(t, Get("other").DebugEnabled())

	require.Error(t, Configure(&cfgapi.Config{Level: "loud"}))
}
