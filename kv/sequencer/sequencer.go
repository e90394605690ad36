package sequencer

import (
	"net"

	"github.com/pingcap-incubator/seqkv/kv/config"
	"github.com/pingcap-incubator/seqkv/kv/directory"
	"github.com/pingcap-incubator/seqkv/kv/transport"
	"github.com/pingcap-incubator/seqkv/kv/wire"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Sequencer puts every commit request into one global total order. Clients mirror each commit
// broadcast to it; it gives the request the next order number and forwards the assignment to the
// order listener of every registered replica.
//
// Assignment delivery is best effort. A replica that misses an assignment stalls at that order
// number, nothing is retried.
type Sequencer struct {
	addr  string
	dir   *directory.Client
	trans *transport.Transport

	server *transport.Server
	record wire.Record
	next   atomic.Uint64
}

func NewSequencer(conf *config.Config, dir *directory.Client, trans *transport.Transport) *Sequencer {
	return &Sequencer{
		addr:  conf.SequencerAddr,
		dir:   dir,
		trans: trans,
	}
}

// Start listens for commit requests and registers with the directory. It fails if the directory
// is unreachable.
func (s *Sequencer) Start() error {
	server, err := transport.Listen("sequencer", s.addr, s.handle)
	if err != nil {
		return err
	}
	s.record = wire.Record{Role: wire.RoleSequencer, Addr: server.Addr()}
	if err := s.dir.Register(s.record); err != nil {
		server.Close()
		return err
	}
	s.server = server
	s.server.Start()
	log.Info("sequencer started", zap.String("addr", s.record.Addr), zap.String("directory", s.dir.Addr()))
	return nil
}

func (s *Sequencer) Stop() error {
	if s.server == nil {
		return nil
	}
	if err := s.dir.Unregister(s.record); err != nil {
		log.Warn("sequencer failed to unregister", zap.Error(err))
	}
	return s.server.Close()
}

// Addr is the bound address, valid after Start.
func (s *Sequencer) Addr() string {
	return s.record.Addr
}

// Next returns the order number the next commit request will receive.
func (s *Sequencer) Next() uint64 {
	return s.next.Load()
}

func (s *Sequencer) handle(conn net.Conn) {
	msg, err := wire.ReadMessage(conn, s.trans.MaxMessageSize())
	if err != nil {
		sequencerCounter.WithLabelValues("malformed").Inc()
		log.Warn("sequencer drops malformed request", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
		return
	}
	req, ok := msg.(*wire.CommitRequest)
	if !ok {
		sequencerCounter.WithLabelValues("unexpected_op").Inc()
		log.Warn("sequencer drops unexpected op", zap.Stringer("op", msg.Op()), zap.Stringer("remote", conn.RemoteAddr()))
		return
	}
	s.assign(req)
}

// assign takes the next order number only once the replicas to send it to are known, so a failed
// membership lookup leaves no gap in the order.
func (s *Sequencer) assign(req *wire.CommitRequest) {
	addrs, err := s.orderAddrs()
	if err != nil {
		sequencerCounter.WithLabelValues("fetch_failed").Inc()
		log.Error("commit request dropped, replicas unknown", zap.String("reply-addr", req.ReplyAddr),
			zap.Uint64("local-id", req.LocalID), zap.Error(err))
		return
	}

	order := s.next.Inc() - 1
	sequencerGauge.Set(float64(order + 1))
	sequencerCounter.WithLabelValues("assign").Inc()

	assignment := &wire.OrderAssignment{
		ReplyAddr: req.ReplyAddr,
		LocalID:   req.LocalID,
		Order:     order,
	}
	s.forward(addrs, assignment)
}

func (s *Sequencer) orderAddrs() ([]string, error) {
	records, err := s.dir.Fetch()
	if err != nil && errors.Cause(err) != directory.ErrEmptyMembership {
		return nil, errors.Annotate(err, "fetch replicas")
	}
	replicas := directory.Replicas(records)
	addrs := make([]string, 0, len(replicas))
	for _, r := range replicas {
		addrs = append(addrs, r.OrderAddr)
	}
	return addrs, nil
}

// forward sends assignment to every replica's order listener. Failures to individual replicas are
// logged and not retried.
func (s *Sequencer) forward(addrs []string, assignment *wire.OrderAssignment) {
	for addr, err := range s.trans.Broadcast(addrs, assignment) {
		sequencerCounter.WithLabelValues("deliver_failed").Inc()
		log.Warn("order assignment lost", zap.String("replica", addr), zap.Uint64("order", assignment.Order), zap.Error(err))
	}
	log.Debug("order assigned", zap.Uint64("order", assignment.Order),
		zap.String("reply-addr", assignment.ReplyAddr), zap.Uint64("local-id", assignment.LocalID),
		zap.Int("replicas", len(addrs)))
}
