package server

import (
	"net"
	"sync"

	"github.com/pingcap-incubator/seqkv/kv/config"
	"github.com/pingcap-incubator/seqkv/kv/directory"
	"github.com/pingcap-incubator/seqkv/kv/storage"
	"github.com/pingcap-incubator/seqkv/kv/transaction/holdback"
	"github.com/pingcap-incubator/seqkv/kv/transaction/occ"
	"github.com/pingcap-incubator/seqkv/kv/transport"
	"github.com/pingcap-incubator/seqkv/kv/util/worker"
	"github.com/pingcap-incubator/seqkv/kv/wire"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Server is a replica, it 'faces outwards', answering reads and commits from clients and taking
// order assignments from the sequencer.
//
// Reads are served straight from storage. A commit is held until the sequencer's order number for
// it is the replica's next turn, then validated, applied and answered. Every replica applies the
// same transactions in the same order, which is what keeps them identical.
type Server struct {
	clientAddr string
	orderAddr  string

	storage storage.Storage
	dir     *directory.Client
	trans   *transport.Transport

	holdback *holdback.Queue
	// assigner hands order assignments to the holdback queue in arrival order.
	assigner *worker.Worker
	wg       sync.WaitGroup

	clients *transport.Server
	orders  *transport.Server
	record  wire.Record
}

// NewServer creates replica id. Its addresses are derived from conf.
func NewServer(conf *config.Config, id int, storage storage.Storage, dir *directory.Client, trans *transport.Transport) *Server {
	return &Server{
		clientAddr: conf.ReplicaAddr(id),
		orderAddr:  conf.OrderAddr(id),
		storage:    storage,
		dir:        dir,
		trans:      trans,
		holdback:   holdback.NewQueue(0),
	}
}

// Start opens storage, listens for clients and order assignments, and registers with the
// directory. It fails if the directory is unreachable.
func (server *Server) Start() (err error) {
	if err = server.storage.Start(); err != nil {
		return errors.Annotate(err, "start storage")
	}
	defer func() {
		if err != nil {
			server.closeListeners()
			server.clients, server.orders = nil, nil
			server.storage.Stop()
		}
	}()

	server.assigner = worker.NewWorker("order-assigner", &server.wg)
	server.assigner.Start(&assignHandler{server: server})
	defer func() {
		if err != nil {
			server.assigner.Stop()
			server.wg.Wait()
		}
	}()

	if server.clients, err = transport.Listen("replica", server.clientAddr, server.handleClient); err != nil {
		return err
	}
	if server.orders, err = transport.Listen("order-listener", server.orderAddr, server.handleOrder); err != nil {
		return err
	}
	server.record = wire.Record{
		Role:      wire.RoleReplica,
		Addr:      server.clients.Addr(),
		OrderAddr: server.orders.Addr(),
	}
	server.orders.Start()
	server.clients.Start()
	if err = server.dir.Register(server.record); err != nil {
		return err
	}
	cursorGauge.WithLabelValues(server.record.Addr).Set(0)
	log.Info("replica started", zap.String("addr", server.record.Addr),
		zap.String("order-addr", server.record.OrderAddr), zap.String("directory", server.dir.Addr()))
	return nil
}

// Stop unregisters, releases every held commit and stops storage.
func (server *Server) Stop() error {
	if server.clients == nil {
		return nil
	}
	if err := server.dir.Unregister(server.record); err != nil {
		log.Warn("replica failed to unregister", zap.String("addr", server.record.Addr), zap.Error(err))
	}
	server.holdback.Close()
	server.closeListeners()
	server.assigner.Stop()
	server.wg.Wait()
	return server.storage.Stop()
}

func (server *Server) closeListeners() {
	if server.clients != nil {
		server.clients.Close()
	}
	if server.orders != nil {
		server.orders.Close()
	}
}

// Addr is the bound client-facing address, valid after Start.
func (server *Server) Addr() string {
	return server.record.Addr
}

// OrderAddr is the bound order listener address, valid after Start.
func (server *Server) OrderAddr() string {
	return server.record.OrderAddr
}

func (server *Server) Holdback() *holdback.Queue {
	return server.holdback
}

func (server *Server) Storage() storage.Storage {
	return server.storage
}

func (server *Server) handleClient(conn net.Conn) {
	msg, err := wire.ReadMessage(conn, server.trans.MaxMessageSize())
	if err != nil {
		log.Warn("replica drops malformed request", zap.String("replica", server.record.Addr),
			zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
		return
	}
	switch req := msg.(type) {
	case *wire.ReadRequest:
		server.read(conn, req)
	case *wire.CommitRequest:
		server.commit(req)
	default:
		log.Warn("replica drops unexpected op", zap.String("replica", server.record.Addr),
			zap.Stringer("op", msg.Op()), zap.Stringer("remote", conn.RemoteAddr()))
	}
}

func (server *Server) read(conn net.Conn, req *wire.ReadRequest) {
	reply, err := server.get(req.Key)
	if err != nil {
		readCounter.WithLabelValues(server.record.Addr, "error").Inc()
		log.Error("read failed", zap.String("replica", server.record.Addr), zap.String("key", req.Key), zap.Error(err))
		return
	}
	if reply.Found {
		readCounter.WithLabelValues(server.record.Addr, "found").Inc()
	} else {
		readCounter.WithLabelValues(server.record.Addr, "not_found").Inc()
	}
	if err := wire.WriteReadReply(conn, reply); err != nil {
		log.Warn("read reply not delivered", zap.String("replica", server.record.Addr), zap.Error(err))
	}
}

func (server *Server) get(key string) (*wire.ReadReply, error) {
	reader, err := server.storage.Reader()
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	item, err := reader.Get(key)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return &wire.ReadReply{}, nil
	}
	return &wire.ReadReply{Found: true, Version: item.Version, Value: item.Value}, nil
}

// commit waits for the request's turn and then runs it. The turn is always consumed, even when
// the payload cannot be decoded or storage fails, since a turn that is never consumed stalls every
// later commit. An undecodable payload aborts. A storage failure sends no reply at all.
func (server *Server) commit(req *wire.CommitRequest) {
	key := holdback.TxnKey{ReplyAddr: req.ReplyAddr, LocalID: req.LocalID}
	payload, decodeErr := wire.UnmarshalTxnPayload(req.Payload)

	held := heldCommitsGauge.WithLabelValues(server.record.Addr)
	held.Inc()
	order, err := server.holdback.WaitTurn(key)
	held.Dec()
	if errors.Cause(err) == holdback.ErrDuplicate {
		commitCounter.WithLabelValues(server.record.Addr, "duplicate").Inc()
		log.Warn("replica drops duplicate commit request", zap.String("replica", server.record.Addr), zap.Stringer("txn", key))
		return
	}
	if err != nil {
		log.Info("held commit released by shutdown", zap.String("replica", server.record.Addr), zap.Stringer("txn", key))
		return
	}

	var res *occ.Result
	if decodeErr == nil {
		res, err = occ.Execute(server.storage, payload)
	} else {
		log.Warn("aborting undecodable transaction", zap.String("replica", server.record.Addr),
			zap.Stringer("txn", key), zap.Uint64("order", order), zap.Error(decodeErr))
		res = &occ.Result{}
	}
	server.holdback.Done(key)
	cursorGauge.WithLabelValues(server.record.Addr).Set(float64(order + 1))

	if err != nil {
		commitCounter.WithLabelValues(server.record.Addr, "error").Inc()
		log.Error("commit failed", zap.String("replica", server.record.Addr), zap.Stringer("txn", key),
			zap.Uint64("order", order), zap.Error(err))
		return
	}
	if res.Committed {
		commitCounter.WithLabelValues(server.record.Addr, "commit").Inc()
	} else {
		commitCounter.WithLabelValues(server.record.Addr, "abort").Inc()
	}
	log.Debug("transaction finished", zap.String("replica", server.record.Addr), zap.Stringer("txn", key),
		zap.Uint64("order", order), zap.Bool("committed", res.Committed), zap.String("conflict", res.Conflict))

	if err := server.trans.Reply(req.ReplyAddr, res.Committed); err != nil {
		log.Warn("commit reply not delivered", zap.String("replica", server.record.Addr),
			zap.Stringer("txn", key), zap.Error(err))
	}
}

func (server *Server) handleOrder(conn net.Conn) {
	msg, err := wire.ReadMessage(conn, server.trans.MaxMessageSize())
	if err != nil {
		log.Warn("order listener drops malformed request", zap.String("replica", server.record.Addr),
			zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
		return
	}
	assignment, ok := msg.(*wire.OrderAssignment)
	if !ok {
		log.Warn("order listener drops unexpected op", zap.String("replica", server.record.Addr),
			zap.Stringer("op", msg.Op()))
		return
	}
	if !server.assigner.Send(assignment) {
		log.Info("order assignment dropped by shutdown", zap.String("replica", server.record.Addr),
			zap.Uint64("order", assignment.Order))
	}
}

type assignHandler struct {
	server *Server
}

func (h *assignHandler) Handle(t worker.Task) {
	server := h.server
	assignment := t.(*wire.OrderAssignment)
	key := holdback.TxnKey{ReplyAddr: assignment.ReplyAddr, LocalID: assignment.LocalID}
	if server.holdback.Assign(key, assignment.Order) {
		assignCounter.WithLabelValues(server.record.Addr, "accepted").Inc()
		return
	}
	assignCounter.WithLabelValues(server.record.Addr, "ignored").Inc()
	log.Info("order assignment ignored", zap.String("replica", server.record.Addr),
		zap.Stringer("txn", key), zap.Uint64("order", assignment.Order))
}
