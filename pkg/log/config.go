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
	"fmt"
	"os"
	"sort"
	"strings"

	cfgapi "github.com/torusched/bgblock/pkg/apis/config/v1alpha1/log"
	"github.com/torusched/bgblock/pkg/log/klogcontrol"
)

const (
	// DefaultLevel is the default logging severity level.
	DefaultLevel = LevelInfo
	// debugEnvVar seeds debugging before the configuration is read,
	// for instance LOGGER_DEBUG=dynamic,mesh or LOGGER_DEBUG=all.
	debugEnvVar = "LOGGER_DEBUG"
	// logSourceEnvVar turns on source prefixes if set.
	logSourceEnvVar = "LOGGER_LOG_SOURCE"
)

// srcmap tells which sources have debugging on ("*" for all sources).
type srcmap map[string]bool

var klogctl = klogcontrol.Get()

// parseSrcmap parses debug settings. A setting is a comma-separated
// list of sources, each optionally prefixed with on: or off:. A prefix
// carries over to the sources following it. "all" stands for every
// source: "on:all,off:mesh" debugs everything except the mesh.
func parseSrcmap(settings ...string) (srcmap, error) {
	m := srcmap{}
	for _, setting := range settings {
		enabled := true
		for _, entry := range strings.Split(setting, ",") {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}
			src := entry
			if state, name, ok := strings.Cut(entry, ":"); ok {
				on, err := parseEnabled(state)
				if err != nil {
					return nil, loggerError("invalid debug setting %q: %v", entry, err)
				}
				if strings.Contains(name, ":") {
					return nil, loggerError("invalid debug setting %q", entry)
				}
				enabled, src = on, strings.TrimSpace(name)
			}
			if src == "all" {
				src = "*"
			}
			m[src] = enabled
		}
	}
	return m, nil
}

// String returns the map in the format parseSrcmap takes.
func (m srcmap) String() string {
	var on, off []string
	for src, enabled := range m {
		if enabled {
			on = append(on, src)
		} else {
			off = append(off, src)
		}
	}
	sort.Strings(on)
	sort.Strings(off)

	var parts []string
	if len(on) > 0 {
		parts = append(parts, "on:"+strings.Join(on, ","))
	}
	if len(off) > 0 {
		parts = append(parts, "off:"+strings.Join(off, ","))
	}
	return strings.Join(parts, ",")
}

func parseEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "on", "true", "enable", "enabled", "1":
		return true, nil
	case "off", "false", "disable", "disabled", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid state %q", value)
}

// Configure applies the logging configuration.
func Configure(cfg *cfgapi.Config) error {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	dbg, err := parseSrcmap(cfg.Debug...)
	if err != nil {
		return err
	}

	// klog headers off means the source is the only hint of the origin
	prefix := cfg.LogSource
	if on(cfg.Klog.Logtostderr) && on(cfg.Klog.Skip_headers) {
		prefix = true
	}

	log.Lock()
	log.level = level
	log.setDbgMap(dbg)
	log.setPrefix(prefix)
	log.Unlock()

	deflog.Debug("logging configured: level %s, debug %q, source prefix %v", level, dbg, prefix)
	return klogctl.Configure(&cfg.Klog)
}

func on(b *bool) bool {
	return b != nil && *b
}

func init() {
	cfg := &cfgapi.Config{
		LogSource: os.Getenv(logSourceEnvVar) != "",
	}
	if value, ok := os.LookupEnv(debugEnvVar); ok {
		cfg.Debug = []string{value}
	}
	if err := Configure(cfg); err != nil {
		deflog.Error("failed to configure logging from environment: %v", err)
	}
}
