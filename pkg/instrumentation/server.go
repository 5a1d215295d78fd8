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
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"
)

// Server is our HTTP server. Handlers registered with Handle survive
// restarts of the server.
type Server struct {
	sync.Mutex
	handlers map[string]http.Handler
	server   *http.Server
	listener net.Listener
}

func newServer() *Server {
	return &Server{
		handlers: make(map[string]http.Handler),
	}
}

// Handle registers a handler for the pattern. It takes effect on the
// next start of the server.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.Lock()
	defer s.Unlock()
	s.handlers[pattern] = handler
}

// Address returns the address the server listens on, or an empty string
// if it is not running.
func (s *Server) Address() string {
	s.Lock()
	defer s.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) start(addr string, extra map[string]http.Handler, setup ...func(*http.ServeMux)) error {
	s.Lock()
	defer s.Unlock()

	if addr == "" {
		log.Info("HTTP server disabled, no endpoint set")
		return nil
	}

	mux := http.NewServeMux()
	for pattern, h := range s.handlers {
		mux.Handle(pattern, h)
	}
	for pattern, h := range extra {
		mux.Handle(pattern, h)
	}
	for _, fn := range setup {
		fn(mux)
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.listener = l
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func(srv *http.Server, l net.Listener) {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed: %v", err)
		}
	}(s.server, l)

	log.Info("HTTP server listening on %s", l.Addr())
	return nil
}

func (s *Server) stop() {
	s.Lock()
	defer s.Unlock()

	if s.server == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		log.Error("failed to shut down HTTP server: %v", err)
	}

	s.server = nil
	s.listener = nil
}
