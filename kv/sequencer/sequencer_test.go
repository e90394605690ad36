package sequencer

import (
	"fmt"
	"net"
	"sort"
	"testing"
	"time"

	"github.com/pingcap-incubator/seqkv/kv/config"
	"github.com/pingcap-incubator/seqkv/kv/directory"
	"github.com/pingcap-incubator/seqkv/kv/transport"
	"github.com/pingcap-incubator/seqkv/kv/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderSink struct {
	server *transport.Server
	ch     chan *wire.OrderAssignment
}

func newOrderSink(t *testing.T) *orderSink {
	s := &orderSink{ch: make(chan *wire.OrderAssignment, 64)}
	server, err := transport.Listen("sink", "127.0.0.1:0", func(conn net.Conn) {
		msg, err := wire.ReadMessage(conn, 1<<20)
		if err != nil {
			return
		}
		if a, ok := msg.(*wire.OrderAssignment); ok {
			s.ch <- a
		}
	})
	require.Nil(t, err)
	server.Start()
	s.server = server
	return s
}

func (s *orderSink) take(t *testing.T, n int) []*wire.OrderAssignment {
	var got []*wire.OrderAssignment
	for i := 0; i < n; i++ {
		select {
		case a := <-s.ch:
			got = append(got, a)
		case <-time.After(5 * time.Second):
			t.Fatalf("received %d of %d assignments", i, n)
		}
	}
	return got
}

type testEnv struct {
	conf  *config.Config
	trans *transport.Transport
	dir   *directory.Server
	dc    *directory.Client
}

func newTestEnv(t *testing.T) *testEnv {
	conf := config.NewTestConfig()
	trans, err := transport.NewTransport(conf)
	require.Nil(t, err)
	dir := directory.NewServer("127.0.0.1:0", trans.MaxMessageSize())
	require.Nil(t, dir.Start())
	return &testEnv{conf: conf, trans: trans, dir: dir, dc: directory.NewClient(dir.Addr(), trans)}
}

func TestAssignsConsecutiveOrders(t *testing.T) {
	env := newTestEnv(t)
	defer env.dir.Stop()

	sinks := []*orderSink{newOrderSink(t), newOrderSink(t)}
	for i, sink := range sinks {
		defer sink.server.Close()
		require.Nil(t, env.dc.Register(wire.Record{
			Role:      wire.RoleReplica,
			Addr:      fmt.Sprintf("replica%d", i),
			OrderAddr: sink.server.Addr(),
		}))
	}

	s := NewSequencer(env.conf, env.dc, env.trans)
	require.Nil(t, s.Start())
	defer s.Stop()
	assert.Contains(t, env.dir.Records(), wire.Record{Role: wire.RoleSequencer, Addr: s.Addr()})

	for id := uint64(1); id <= 3; id++ {
		require.Nil(t, env.trans.Send(s.Addr(), &wire.CommitRequest{ReplyAddr: "127.0.0.1:9999", LocalID: id}))
	}

	for _, sink := range sinks {
		got := sink.take(t, 3)
		sort.Slice(got, func(i, j int) bool { return got[i].Order < got[j].Order })
		orders := make(map[uint64]uint64)
		for i, a := range got {
			assert.Equal(t, uint64(i), a.Order)
			assert.Equal(t, "127.0.0.1:9999", a.ReplyAddr)
			orders[a.LocalID] = a.Order
		}
		assert.Len(t, orders, 3)
	}
	assert.Equal(t, uint64(3), s.Next())
}

func TestSameAssignmentForEveryReplica(t *testing.T) {
	env := newTestEnv(t)
	defer env.dir.Stop()

	a, b := newOrderSink(t), newOrderSink(t)
	defer a.server.Close()
	defer b.server.Close()
	require.Nil(t, env.dc.Register(wire.Record{Role: wire.RoleReplica, Addr: "r1", OrderAddr: a.server.Addr()}))
	require.Nil(t, env.dc.Register(wire.Record{Role: wire.RoleReplica, Addr: "r2", OrderAddr: b.server.Addr()}))

	s := NewSequencer(env.conf, env.dc, env.trans)
	require.Nil(t, s.Start())
	defer s.Stop()

	require.Nil(t, env.trans.Send(s.Addr(), &wire.CommitRequest{ReplyAddr: "127.0.0.1:1", LocalID: 42}))
	assert.Equal(t, a.take(t, 1), b.take(t, 1))
}

func TestUnreachableReplicaDoesNotStall(t *testing.T) {
	env := newTestEnv(t)
	defer env.dir.Stop()

	live := newOrderSink(t)
	defer live.server.Close()
	dead := newOrderSink(t)
	deadAddr := dead.server.Addr()
	dead.server.Close()
	require.Nil(t, env.dc.Register(wire.Record{Role: wire.RoleReplica, Addr: "r1", OrderAddr: deadAddr}))
	require.Nil(t, env.dc.Register(wire.Record{Role: wire.RoleReplica, Addr: "r2", OrderAddr: live.server.Addr()}))

	s := NewSequencer(env.conf, env.dc, env.trans)
	require.Nil(t, s.Start())
	defer s.Stop()

	require.Nil(t, env.trans.Send(s.Addr(), &wire.CommitRequest{ReplyAddr: "127.0.0.1:1", LocalID: 1}))
	require.Nil(t, env.trans.Send(s.Addr(), &wire.CommitRequest{ReplyAddr: "127.0.0.1:1", LocalID: 2}))
	assert.Len(t, live.take(t, 2), 2)
}

func TestIgnoresOtherOps(t *testing.T) {
	env := newTestEnv(t)
	defer env.dir.Stop()

	s := NewSequencer(env.conf, env.dc, env.trans)
	require.Nil(t, s.Start())
	defer s.Stop()

	require.Nil(t, env.trans.Send(s.Addr(), &wire.ReadRequest{Key: "k1"}))
	require.Nil(t, env.trans.Send(s.Addr(), &wire.OrderAssignment{Order: 7}))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, uint64(0), s.Next())
}

func TestStartFailsWithoutDirectory(t *testing.T) {
	env := newTestEnv(t)
	env.dir.Stop()

	s := NewSequencer(env.conf, env.dc, env.trans)
	assert.NotNil(t, s.Start())
}

func TestStopUnregisters(t *testing.T) {
	env := newTestEnv(t)
	defer env.dir.Stop()

	s := NewSequencer(env.conf, env.dc, env.trans)
	require.Nil(t, s.Start())
	require.Len(t, env.dir.Records(), 1)
	require.Nil(t, s.Stop())
	assert.Empty(t, env.dir.Records())
}

func TestDirectoryOutageLeavesNoGap(t *testing.T) {
	env := newTestEnv(t)
	defer func() { env.dir.Stop() }()

	sink := newOrderSink(t)
	defer sink.server.Close()
	rec := wire.Record{Role: wire.RoleReplica, Addr: "r1", OrderAddr: sink.server.Addr()}
	require.Nil(t, env.dc.Register(rec))

	s := NewSequencer(env.conf, env.dc, env.trans)
	require.Nil(t, s.Start())
	defer s.Stop()

	dirAddr := env.dir.Addr()
	require.Nil(t, env.dir.Stop())
	require.Nil(t, env.trans.Send(s.Addr(), &wire.CommitRequest{ReplyAddr: "127.0.0.1:1", LocalID: 1}))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, uint64(0), s.Next())
	select {
	case a := <-sink.ch:
		t.Fatalf("unexpected assignment %d", a.Order)
	default:
	}

	// The directory comes back on the same address.
	env.dir = directory.NewServer(dirAddr, env.trans.MaxMessageSize())
	require.Nil(t, env.dir.Start())
	require.Nil(t, env.dc.Register(rec))
	require.Nil(t, env.trans.Send(s.Addr(), &wire.CommitRequest{ReplyAddr: "127.0.0.1:1", LocalID: 2}))
	got := sink.take(t, 1)
	assert.Equal(t, uint64(0), got[0].Order)
	assert.Equal(t, uint64(2), got[0].LocalID)
	assert.Equal(t, uint64(1), s.Next())
}
