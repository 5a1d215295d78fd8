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

package instrumentation

import (
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/torusched/bgblock/pkg/apis/config/v1alpha1/instrumentation"
)

func TestPrometheusConfiguration(t *testing.T) {
	log.EnableDebug(true)

	c := &cfgapi.Config{HTTPEndpoint: "127.0.0.1:0"}
	require.NoError(t, Start(c))
	defer Stop()

	for _, export := range []bool{false, true, false, true} {
		c = &cfgapi.Config{
			HTTPEndpoint:     "127.0.0.1:0",
			PrometheusExport: export,
		}
		require.NoError(t, Reconfigure(c))

		address := HTTPServer().Address()
		require.NotEmpty(t, address)

		checkGet(t, address, "/metrics", export)
		checkGet(t, address, "/healthz", true)
	}
}

func TestExtraHandler(t *testing.T) {
	HTTPServer().Handle("/blocks", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("[]"))
	}))

	require.NoError(t, Start(&cfgapi.Config{HTTPEndpoint: "127.0.0.1:0"}))
	defer Stop()

	body := checkGet(t, HTTPServer().Address(), "/blocks", true)
	require.Equal(t, "[]", body)
}

func checkGet(t *testing.T, server, path string, ok bool) string {
	rpl, err := http.Get("http://" + server + path)
	require.NoError(t, err)
	defer rpl.Body.Close()

	body, err := io.ReadAll(rpl.Body)
	require.NoError(t, err)

	if ok {
		require.Equal(t, http.StatusOK, rpl.StatusCode, "GET %s", path)
	} else {
		require.Equal(t, http.StatusNotFound, rpl.StatusCode, "GET %s", path)
	}
	return string(body)
}
