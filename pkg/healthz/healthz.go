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

// Package healthz serves the health of registered components on /healthz.
package healthz

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	logger "github.com/torusched/bgblock/pkg/log"
)

var (
	lock     sync.Mutex
	checkers = map[string]CheckFn{}
	log      = logger.NewLogger("health-check")
)

// CheckFn checks the health of a component.
type CheckFn func() (status Status, details error)

// Status describes the health of a component or the whole.
type Status int

const (
	// Healthy components work as expected.
	Healthy Status = iota
	// Degraded components work with reduced capacity, for instance with
	// midplanes down.
	Degraded
	// NonFunctional components do not work.
	NonFunctional
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case NonFunctional:
		return "non-functional"
	}
	return fmt.Sprintf("<status %d>", int(s))
}

// Setup registers the /healthz handler in the given multiplexer.
func Setup(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", serve)
}

func serve(w http.ResponseWriter, _ *http.Request) {
	status, details := Check()

	// a degraded allocator still allocates
	if status != NonFunctional {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusInternalServerError)
	}

	msg := status.String() + "\n"
	if len(details) > 0 {
		var sb strings.Builder
		for _, name := range sortedNames(details) {
			fmt.Fprintf(&sb, "%s: %v\n", name, details[name])
		}
		msg += sb.String()
	}
	if _, err := w.Write([]byte(msg)); err != nil {
		log.Error("failed to write response: %v", err)
	}
}

// RegisterHealthChecker registers the given health checker function.
func RegisterHealthChecker(name string, fn CheckFn) {
	lock.Lock()
	defer lock.Unlock()

	if _, conflict := checkers[name]; conflict {
		panic(fmt.Sprintf("checker %q already registered", name))
	}
	checkers[name] = fn
}

// UnregisterHealthChecker removes the named health checker.
func UnregisterHealthChecker(name string) {
	lock.Lock()
	defer lock.Unlock()
	delete(checkers, name)
}

// Check runs all health checkers, returning the worst status and the
// details of unhealthy components.
func Check() (Status, map[string]error) {
	status := Healthy
	details := map[string]error{}

	lock.Lock()
	defer lock.Unlock()

	for name, fn := range checkers {
		s, err := fn()
		if s == Healthy {
			continue
		}
		if s > status {
			status = s
		}
		if err != nil {
			details[name] = err
			log.Warn("component %s reported %s: %v", name, s, err)
		}
	}

	return status, details
}

func sortedNames(m map[string]error) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
