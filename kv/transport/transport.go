package transport

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/pingcap-incubator/seqkv/kv/config"
	"github.com/pingcap-incubator/seqkv/kv/wire"
	"github.com/pingcap/errors"
)

// Transport sends single-frame messages to endpoints. Every message uses a fresh connection, the
// dial is bounded by the configured timeout, nothing else is.
type Transport struct {
	dialTimeout time.Duration
	maxSize     int64
}

func NewTransport(conf *config.Config) (*Transport, error) {
	maxSize, err := conf.MaxMessageBytes()
	if err != nil {
		return nil, err
	}
	return &Transport{
		dialTimeout: conf.DialTimeout.Duration,
		maxSize:     maxSize,
	}, nil
}

// MaxMessageSize bounds every length prefix read off the wire.
func (t *Transport) MaxMessageSize() int64 {
	return t.maxSize
}

func (t *Transport) dial(addr string) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, t.dialTimeout)
	if err != nil {
		return nil, errors.Annotatef(err, "dial %s", addr)
	}
	return conn, nil
}

// Send delivers msg to addr without waiting for any answer.
func (t *Transport) Send(addr string, msg wire.Message) error {
	conn, err := t.dial(addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	return errors.Annotatef(wire.WriteMessage(conn, msg), "send %s to %s", msg.Op(), addr)
}

// Call sends msg to addr and lets readReply consume the answer from the same connection.
func (t *Transport) Call(addr string, msg wire.Message, readReply func(r io.Reader) error) error {
	conn, err := t.dial(addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := wire.WriteMessage(conn, msg); err != nil {
		return errors.Annotatef(err, "send %s to %s", msg.Op(), addr)
	}
	return readReply(conn)
}

// Broadcast sends msg to every address concurrently and returns the failures keyed by address.
func (t *Transport) Broadcast(addrs []string, msg wire.Message) map[string]error {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		failed = make(map[string]error)
	)
	for _, addr := range addrs {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			if err := t.Send(addr, msg); err != nil {
				mu.Lock()
				failed[addr] = err
				mu.Unlock()
			}
		}(addr)
	}
	wg.Wait()
	return failed
}

// Reply delivers the outcome of a commit to the client listening on addr.
func (t *Transport) Reply(addr string, committed bool) error {
	conn, err := t.dial(addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	return errors.Annotatef(wire.WriteCommitReply(conn, committed), "reply to %s", addr)
}
