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

package klogcontrol

import (
	"strconv"
)

// Config holds the subset of klog flags we allow to be configured.
// Field names follow the klog flag names so they can be looked up by flag.
//
//nolint:revive,stylecheck
type Config struct {
	// +optional
	Logtostderr *bool `json:"logtostderr,omitempty"`
	// +optional
	Alsologtostderr *bool `json:"alsologtostderr,omitempty"`
	// +optional
	Skip_headers *bool `json:"skip_headers,omitempty"`
	// +optional
	Skip_log_headers *bool `json:"skip_log_headers,omitempty"`
	// +optional
	One_output *bool `json:"one_output,omitempty"`
	// +optional
	Stderrthreshold *string `json:"stderrthreshold,omitempty"`
	// +optional
	V *int `json:"v,omitempty"`
	// +optional
	Vmodule *string `json:"vmodule,omitempty"`
	// +optional
	Log_file *string `json:"log_file,omitempty"`
}

// GetByFlag returns the configured value for the given klog flag, if any.
func (c *Config) GetByFlag(name string) (string, bool) {
	if c == nil {
		return "", false
	}

	fmtBool := func(b *bool) (string, bool) {
		if b == nil {
			return "", false
		}
		return strconv.FormatBool(*b), true
	}
	fmtString := func(s *string) (string, bool) {
		if s == nil {
			return "", false
		}
		return *s, true
	}

	switch name {
	case "logtostderr":
		return fmtBool(c.Logtostderr)
	case "alsologtostderr":
		return fmtBool(c.Alsologtostderr)
	case "skip_headers":
		return fmtBool(c.Skip_headers)
	case "skip_log_headers":
		return fmtBool(c.Skip_log_headers)
	case "one_output":
		return fmtBool(c.One_output)
	case "stderrthreshold":
		return fmtString(c.Stderrthreshold)
	case "v":
		if c.V == nil {
			return "", false
		}
		return strconv.Itoa(*c.V), true
	case "vmodule":
		return fmtString(c.Vmodule)
	case "log_file":
		return fmtString(c.Log_file)
	}

	return "", false
}
