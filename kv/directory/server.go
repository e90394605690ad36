package directory

import (
	"net"
	"sync"

	"github.com/pingcap-incubator/seqkv/kv/transport"
	"github.com/pingcap-incubator/seqkv/kv/wire"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Server is the membership directory: the registry of every running replica and sequencer.
// Records are kept in registration order and never duplicated.
type Server struct {
	addr    string
	maxSize int64
	server  *transport.Server

	mu      sync.RWMutex
	records []wire.Record
}

func NewServer(addr string, maxSize int64) *Server {
	return &Server{
		addr:    addr,
		maxSize: maxSize,
	}
}

func (s *Server) Start() error {
	server, err := transport.Listen("directory", s.addr, s.handle)
	if err != nil {
		return err
	}
	s.server = server
	s.server.Start()
	return nil
}

func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	return s.server.Close()
}

// Addr is the bound address, valid after Start.
func (s *Server) Addr() string {
	return s.server.Addr()
}

// Records returns a copy of the current membership.
func (s *Server) Records() []wire.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]wire.Record(nil), s.records...)
}

func (s *Server) handle(conn net.Conn) {
	msg, err := wire.ReadMessage(conn, s.maxSize)
	if err != nil {
		log.Warn("directory drops malformed request", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
		return
	}
	switch req := msg.(type) {
	case *wire.RegisterRequest:
		s.register(req.Record)
		err = wire.WriteAck(conn)
	case *wire.UnregisterRequest:
		s.unregister(req.Record)
		err = wire.WriteAck(conn)
	case *wire.FetchRequest:
		err = wire.WriteRecords(conn, s.Records())
	default:
		log.Warn("directory drops unexpected op", zap.Stringer("op", msg.Op()),
			zap.Stringer("remote", conn.RemoteAddr()))
		return
	}
	if err != nil {
		log.Warn("directory failed to reply", zap.Stringer("op", msg.Op()), zap.Error(err))
	}
}

func (s *Server) register(rec wire.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r == rec {
			return
		}
	}
	s.records = append(s.records, rec)
	log.Info("directory added endpoint", zap.Stringer("role", rec.Role), zap.String("addr", rec.Addr),
		zap.String("order-addr", rec.OrderAddr))
}

func (s *Server) unregister(rec wire.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.records {
		if r == rec {
			s.records = append(s.records[:i], s.records[i+1:]...)
			log.Info("directory removed endpoint", zap.Stringer("role", rec.Role), zap.String("addr", rec.Addr))
			return
		}
	}
}
