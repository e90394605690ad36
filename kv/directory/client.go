package directory

import (
	"io"

	"github.com/pingcap-incubator/seqkv/kv/transport"
	"github.com/pingcap-incubator/seqkv/kv/wire"
	"github.com/pingcap/errors"
)

// ErrEmptyMembership is returned when the directory knows no endpoint at all.
var ErrEmptyMembership = errors.New("membership directory has no endpoints")

// Client talks to a membership directory.
type Client struct {
	addr  string
	trans *transport.Transport
}

func NewClient(addr string, trans *transport.Transport) *Client {
	return &Client{addr: addr, trans: trans}
}

func (c *Client) Addr() string {
	return c.addr
}

func (c *Client) Register(rec wire.Record) error {
	err := c.trans.Call(c.addr, &wire.RegisterRequest{Record: rec}, wire.ReadAck)
	return errors.Annotatef(err, "register %s %s with directory %s", rec.Role, rec.Addr, c.addr)
}

func (c *Client) Unregister(rec wire.Record) error {
	err := c.trans.Call(c.addr, &wire.UnregisterRequest{Record: rec}, wire.ReadAck)
	return errors.Annotatef(err, "unregister %s %s from directory %s", rec.Role, rec.Addr, c.addr)
}

// Fetch returns every registered endpoint, or ErrEmptyMembership if there is none.
func (c *Client) Fetch() ([]wire.Record, error) {
	var records []wire.Record
	err := c.trans.Call(c.addr, &wire.FetchRequest{}, func(r io.Reader) error {
		var err error
		records, err = wire.ReadRecords(r, c.trans.MaxMessageSize())
		return err
	})
	if err != nil {
		return nil, errors.Annotatef(err, "fetch membership from %s", c.addr)
	}
	if len(records) == 0 {
		return nil, errors.Trace(ErrEmptyMembership)
	}
	return records, nil
}

// Replicas filters records down to replicas.
func Replicas(records []wire.Record) []wire.Record {
	var replicas []wire.Record
	for _, r := range records {
		if r.Role == wire.RoleReplica {
			replicas = append(replicas, r)
		}
	}
	return replicas
}

// Endpoints lists the client facing address of every record, replicas and sequencer alike.
func Endpoints(records []wire.Record) []string {
	addrs := make([]string, 0, len(records))
	for _, r := range records {
		addrs = append(addrs, r.Addr)
	}
	return addrs
}
