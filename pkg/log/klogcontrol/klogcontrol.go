// Copyright 2019-2020 Intel Corporation. All Rights Reserved.
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
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	cfgapi "github.com/torusched/bgblock/pkg/apis/config/v1alpha1/log/klogcontrol"
	"k8s.io/klog/v2"
)

const (
	// envPrefix is prepended to upper-cased klog flag names to form
	// the environment variable carrying a default value for the flag.
	envPrefix = "LOGGER_"
)

// Control implements runtime control for klog.
type Control struct {
	*flag.FlagSet
	defaults map[string]string
}

var ctl = &Control{
	FlagSet:  flag.NewFlagSet("klog flags", flag.ContinueOnError),
	defaults: map[string]string{},
}

// Get returns the klog Control singleton.
func Get() *Control {
	return ctl
}

// Configure klog according to the given configuration. Flags not present
// in the configuration are restored to their startup defaults.
func (c *Control) Configure(cfg *cfgapi.Config) error {
	var errs []error
	c.VisitAll(func(f *flag.Flag) {
		value, ok := cfg.GetByFlag(f.Name)
		if !ok {
			if value, ok = c.defaults[f.Name]; !ok || value == f.Value.String() {
				return
			}
		}
		if err := c.Set(f.Name, value); err != nil {
			errs = append(errs, klogError("failed to set klog flag %s to %s: %w",
				f.Name, value, err))
		}
	})
	return errors.Join(errs...)
}

// Flag returns the current value of the named klog flag.
func (c *Control) Flag(name string) (string, bool) {
	f := c.Lookup(name)
	if f == nil {
		return "", false
	}
	return f.Value.String(), true
}

func envForFlag(flagName string) (string, string, bool) {
	name := envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
	if value, ok := os.LookupEnv(name); ok {
		return name, value, true
	}
	return "", "", false
}

func klogError(format string, args ...interface{}) error {
	return fmt.Errorf("klogcontrol: "+format, args...)
}

func init() {
	ctl.SetOutput(io.Discard)
	klog.InitFlags(ctl.FlagSet)
	ctl.VisitAll(func(f *flag.Flag) {
		if name, value, ok := envForFlag(f.Name); ok {
			if err := ctl.Set(f.Name, value); err != nil {
				klog.Errorf("klog flag %q: invalid environment default %s=%q: %v",
					f.Name, name, value, err)
			}
		} else if f.Name == "skip_headers" {
			// journald timestamps entries itself
			if value, _ := os.LookupEnv("JOURNAL_STREAM"); value != "" {
				_ = ctl.Set(f.Name, "true")
			}
		}
		ctl.defaults[f.Name] = f.Value.String()
	})
}
