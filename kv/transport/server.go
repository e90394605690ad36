package transport

import (
	"net"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Handler serves one inbound connection. The connection is closed when Handler returns.
type Handler func(conn net.Conn)

// Server accepts connections and runs each one on its own goroutine, so that one slow or malformed
// request never holds up another.
type Server struct {
	name     string
	listener net.Listener
	handler  Handler

	closed atomic.Bool
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// Listen binds addr. Port 0 picks a free port, Addr reports the bound address.
func Listen(name, addr string, handler Handler) (*Server, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "%s listen on %s", name, addr)
	}
	return &Server{
		name:     name,
		listener: l,
		handler:  handler,
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start runs the accept loop in the background.
func (s *Server) Start() {
	s.wg.Add(1)
	go s.acceptLoop()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	log.Info("listening", zap.String("server", s.name), zap.String("addr", s.Addr()))
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				log.Warn("accept failed, retrying", zap.String("server", s.name), zap.Error(err))
				continue
			}
			log.Error("accept loop stopped", zap.String("server", s.name), zap.Error(err))
			return
		}
		if !s.track(conn) {
			conn.Close()
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handler(conn)
		}()
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

// Close stops accepting, closes every open connection and waits for all handlers to return.
// Handlers blocked on something other than their connection must be released by the caller first.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed.Swap(true) {
		s.mu.Unlock()
		return nil
	}
	err := s.listener.Close()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return errors.WithStack(err)
}
