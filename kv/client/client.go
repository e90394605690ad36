package client

import (
	"context"
	"io"
	"math/rand"
	"net"
	"time"

	"github.com/pingcap-incubator/seqkv/kv/config"
	"github.com/pingcap-incubator/seqkv/kv/directory"
	"github.com/pingcap-incubator/seqkv/kv/transport"
	"github.com/pingcap-incubator/seqkv/kv/wire"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrNoReplicas is returned when the directory lists no replica to read from.
	ErrNoReplicas = errors.New("no replica registered")
	// ErrReplicaUnavailable is returned when a read failed on every replica it was tried on.
	ErrReplicaUnavailable = errors.New("no replica answered the read")
	// ErrCommitUndelivered is returned when a commit could not be sent to any endpoint.
	ErrCommitUndelivered = errors.New("commit request reached no endpoint")
)

// Client runs one transaction at a time against the cluster. Reads are answered by one replica,
// chosen at random, and cached for the rest of the transaction. Writes are buffered locally until
// Commit sends the whole transaction to every replica and the sequencer.
//
// A Client is not safe for concurrent use.
type Client struct {
	id    int
	dir   *directory.Client
	trans *transport.Transport

	replyHost  string
	maxRetries int
	limiter    *rate.Limiter
	rand       *rand.Rand

	replica string
	localID atomic.Uint64

	writeSet map[string][]byte
	readSet  map[string]*wire.ReadEntry
}

// NewClient connects client id to the cluster and picks its replica.
func NewClient(conf *config.Config, id int, dir *directory.Client, trans *transport.Transport) (*Client, error) {
	c := &Client{
		id:         id,
		dir:        dir,
		trans:      trans,
		replyHost:  conf.ReplyHost,
		maxRetries: conf.MaxReadRetries,
		limiter:    rate.NewLimiter(rate.Every(conf.ReadRetryInterval.Duration), 1),
		rand:       rand.New(rand.NewSource(time.Now().UnixNano() + int64(id))),
		writeSet:   make(map[string][]byte),
		readSet:    make(map[string]*wire.ReadEntry),
	}
	if err := c.chooseReplica(); err != nil {
		return nil, err
	}
	return c, nil
}

// Replica is the address reads currently go to.
func (c *Client) Replica() string {
	return c.replica
}

// LocalID identifies the running transaction among this client's transactions.
func (c *Client) LocalID() uint64 {
	return c.localID.Load()
}

// WriteSet and ReadSet expose the running transaction. Callers must not modify them.
func (c *Client) WriteSet() map[string][]byte {
	return c.writeSet
}

func (c *Client) ReadSet() map[string]*wire.ReadEntry {
	return c.readSet
}

func (c *Client) chooseReplica() error {
	records, err := c.dir.Fetch()
	if err != nil && errors.Cause(err) != directory.ErrEmptyMembership {
		return err
	}
	replicas := directory.Replicas(records)
	if len(replicas) == 0 {
		return errors.Trace(ErrNoReplicas)
	}
	c.replica = replicas[c.rand.Intn(len(replicas))].Addr
	return nil
}

// Read returns the value of key as seen by the transaction: its own buffered write, else the value
// it read before, else the value stored on its replica. A key no replica has ever stored reads as
// nil without error and is not remembered; a stored empty value reads as a non-nil empty slice.
//
// When the replica cannot be reached another one is picked at random and the read retried, at most
// MaxReadRetries times.
func (c *Client) Read(ctx context.Context, key string) ([]byte, error) {
	if value, ok := c.writeSet[key]; ok {
		return value, nil
	}
	if entry, ok := c.readSet[key]; ok {
		return entry.Value, nil
	}
	if len(key) > wire.MaxKeyLen {
		return nil, errors.Annotatef(wire.ErrKeyTooLong, "key of %d bytes", len(key))
	}

	reply, err := c.readWithFailover(ctx, key)
	if err != nil {
		return nil, err
	}
	if !reply.Found {
		return nil, nil
	}
	value := reply.Value
	if value == nil {
		value = []byte{}
	}
	c.readSet[key] = &wire.ReadEntry{Value: value, Version: reply.Version}
	return value, nil
}

func (c *Client) readWithFailover(ctx context.Context, key string) (*wire.ReadReply, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, errors.Trace(err)
			}
			if err := c.chooseReplica(); err != nil {
				return nil, err
			}
			clientCounter.WithLabelValues("read_retry").Inc()
		}
		reply, err := c.readFrom(c.replica, key)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		log.Warn("read failed, choosing another replica", zap.Int("client", c.id),
			zap.String("replica", c.replica), zap.Int("attempt", attempt), zap.Error(err))
	}
	return nil, errors.Annotatef(ErrReplicaUnavailable, "key %q after %d attempts: %v", key, c.maxRetries+1, lastErr)
}

func (c *Client) readFrom(addr, key string) (*wire.ReadReply, error) {
	var reply *wire.ReadReply
	err := c.trans.Call(addr, &wire.ReadRequest{Key: key}, func(r io.Reader) error {
		var err error
		reply, err = wire.ReadReadReply(r, c.trans.MaxMessageSize())
		return err
	})
	return reply, err
}

// Write buffers value for key. Nothing is sent until Commit.
func (c *Client) Write(key string, value []byte) {
	if value == nil {
		value = []byte{}
	}
	c.writeSet[key] = value
}

// Abort discards the running transaction.
func (c *Client) Abort() {
	clientCounter.WithLabelValues("abort").Inc()
	c.reset()
}

// Commit sends the transaction to every replica and the sequencer and waits for the first replica
// to report the outcome. It returns true if the transaction committed. Whatever the result, a new
// transaction starts afterwards.
func (c *Client) Commit(ctx context.Context) (bool, error) {
	defer c.reset()

	payload := &wire.TxnPayload{WriteSet: c.writeSet, ReadSet: c.readSet}
	data, err := payload.Encode()
	if err != nil {
		return false, err
	}

	l, err := net.Listen("tcp", net.JoinHostPort(c.replyHost, "0"))
	if err != nil {
		return false, errors.Annotate(err, "open reply listener")
	}
	defer l.Close()

	records, err := c.dir.Fetch()
	if err != nil {
		return false, err
	}
	req := &wire.CommitRequest{
		ReplyAddr: l.Addr().String(),
		LocalID:   c.LocalID(),
		Payload:   data,
	}
	endpoints := directory.Endpoints(records)
	failed := c.trans.Broadcast(endpoints, req)
	for addr, err := range failed {
		log.Warn("commit not delivered", zap.Int("client", c.id), zap.String("endpoint", addr), zap.Error(err))
	}
	if len(failed) == len(endpoints) {
		return false, errors.Trace(ErrCommitUndelivered)
	}

	committed, err := awaitOutcome(ctx, l)
	if err != nil {
		return false, err
	}
	if committed {
		clientCounter.WithLabelValues("commit").Inc()
	} else {
		clientCounter.WithLabelValues("abort").Inc()
	}
	log.Debug("transaction finished", zap.Int("client", c.id), zap.Uint64("local-id", req.LocalID),
		zap.Bool("committed", committed))
	return committed, nil
}

// awaitOutcome accepts one connection on l and reads the outcome byte. Closing l on cancellation
// unblocks the accept.
func awaitOutcome(ctx context.Context, l net.Listener) (bool, error) {
	type outcome struct {
		committed bool
		err       error
	}
	ch := make(chan outcome, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			ch <- outcome{err: errors.Annotate(err, "accept commit reply")}
			return
		}
		defer conn.Close()
		committed, err := wire.ReadCommitReply(conn)
		ch <- outcome{committed: committed, err: err}
	}()

	select {
	case o := <-ch:
		return o.committed, o.err
	case <-ctx.Done():
		l.Close()
		return false, errors.Trace(ctx.Err())
	}
}

func (c *Client) reset() {
	c.writeSet = make(map[string][]byte)
	c.readSet = make(map[string]*wire.ReadEntry)
	c.localID.Inc()
}
