package client

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/pingcap-incubator/seqkv/kv/test_cluster"
	"github.com/pingcap-incubator/seqkv/kv/wire"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, c *test_cluster.Cluster) *Client {
	cli, err := NewClient(c.Conf, 1, c.DirectoryClient(), c.Trans)
	require.Nil(t, err)
	return cli
}

func deadAddr(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.Nil(t, err)
	addr := l.Addr().String()
	l.Close()
	return addr
}

func registerDeadReplica(t *testing.T, c *test_cluster.Cluster) string {
	addr := deadAddr(t)
	require.Nil(t, c.DirectoryClient().Register(wire.Record{Role: wire.RoleReplica, Addr: addr, OrderAddr: deadAddr(t)}))
	return addr
}

func TestNoReplicas(t *testing.T) {
	c := test_cluster.NewCluster(0)
	c.Start()
	defer c.Shutdown()

	_, err := NewClient(c.Conf, 1, c.DirectoryClient(), c.Trans)
	assert.Equal(t, ErrNoReplicas, errors.Cause(err))
}

func TestPicksReplicaNotSequencer(t *testing.T) {
	c := test_cluster.NewCluster(2)
	c.Start()
	defer c.Shutdown()

	for i := 0; i < 10; i++ {
		cli := newTestClient(t, c)
		assert.NotEqual(t, c.Sequencer.Addr(), cli.Replica())
	}
}

func TestReadYourWrites(t *testing.T) {
	c := test_cluster.NewCluster(1)
	c.Start()
	defer c.Shutdown()

	cli := newTestClient(t, c)
	cli.Write("k1", []byte("a"))
	value, err := cli.Read(context.Background(), "k1")
	require.Nil(t, err)
	assert.Equal(t, []byte("a"), value)
	assert.Empty(t, cli.ReadSet())
}

func TestEmptyValueIsFound(t *testing.T) {
	c := test_cluster.NewCluster(1)
	c.Start()
	defer c.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	writer := newTestClient(t, c)
	writer.Write("k1", nil)
	value, err := writer.Read(ctx, "k1")
	require.Nil(t, err)
	assert.NotNil(t, value)
	committed, err := writer.Commit(ctx)
	require.Nil(t, err)
	require.True(t, committed)

	cli := newTestClient(t, c)
	value, err = cli.Read(ctx, "k1")
	require.Nil(t, err)
	assert.NotNil(t, value)
	assert.Len(t, value, 0)
	require.Contains(t, cli.ReadSet(), "k1")
	assert.Equal(t, uint64(0), cli.ReadSet()["k1"].Version)
}

func TestNotFound(t *testing.T) {
	c := test_cluster.NewCluster(1)
	c.Start()
	defer c.Shutdown()

	cli := newTestClient(t, c)
	value, err := cli.Read(context.Background(), "missing")
	assert.Nil(t, err)
	assert.Nil(t, value)
	assert.Empty(t, cli.ReadSet())
}

func TestRepeatedReadIsCached(t *testing.T) {
	c := test_cluster.NewCluster(1)
	c.Start()
	defer c.Shutdown()

	writer := newTestClient(t, c)
	writer.Write("k1", []byte("a"))
	committed, err := writer.Commit(context.Background())
	require.Nil(t, err)
	require.True(t, committed)

	cli := newTestClient(t, c)
	value, err := cli.Read(context.Background(), "k1")
	require.Nil(t, err)
	assert.Equal(t, []byte("a"), value)
	assert.Equal(t, &wire.ReadEntry{Value: []byte("a"), Version: 0}, cli.ReadSet()["k1"])

	// With the only replica gone the second read can only come from the read set.
	c.StopReplica(1)
	value, err = cli.Read(context.Background(), "k1")
	require.Nil(t, err)
	assert.Equal(t, []byte("a"), value)
}

func TestReadFailover(t *testing.T) {
	c := test_cluster.NewCluster(1)
	c.Start()
	defer c.Shutdown()
	dead := registerDeadReplica(t, c)
	// Each retry picks among both replicas, leave enough of them to reach the live one.
	c.Conf.MaxReadRetries = 30

	cli := newTestClient(t, c)
	cli.replica = dead
	value, err := cli.Read(context.Background(), "k1")
	assert.Nil(t, err)
	assert.Nil(t, value)
	assert.NotEqual(t, dead, cli.Replica())
}

func TestReadRetriesAreBounded(t *testing.T) {
	c := test_cluster.NewCluster(0)
	c.Start()
	defer c.Shutdown()
	registerDeadReplica(t, c)

	cli := newTestClient(t, c)
	_, err := cli.Read(context.Background(), "k1")
	assert.Equal(t, ErrReplicaUnavailable, errors.Cause(err))
}

func TestKeyTooLong(t *testing.T) {
	c := test_cluster.NewCluster(1)
	c.Start()
	defer c.Shutdown()

	_, err := newTestClient(t, c).Read(context.Background(), strings.Repeat("k", wire.MaxKeyLen+1))
	assert.Equal(t, wire.ErrKeyTooLong, errors.Cause(err))
}

func TestCommitStartsNewTransaction(t *testing.T) {
	c := test_cluster.NewCluster(2)
	c.Start()
	defer c.Shutdown()

	cli := newTestClient(t, c)
	assert.Equal(t, uint64(0), cli.LocalID())
	cli.Write("k1", []byte("a"))
	committed, err := cli.Commit(context.Background())
	require.Nil(t, err)
	assert.True(t, committed)
	assert.Equal(t, uint64(1), cli.LocalID())
	assert.Empty(t, cli.WriteSet())

	cli.Write("k2", []byte("b"))
	cli.Abort()
	assert.Equal(t, uint64(2), cli.LocalID())
	assert.Empty(t, cli.WriteSet())
}

func TestCommitWithoutReply(t *testing.T) {
	c := test_cluster.NewCluster(1)
	c.Start()
	defer c.Shutdown()

	cli := newTestClient(t, c)
	// Only the sequencer is left to receive the commit, nobody will answer it.
	c.StopReplica(1)
	cli.Write("k1", []byte("a"))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := cli.Commit(ctx)
	assert.Equal(t, context.DeadlineExceeded, errors.Cause(err))
	assert.Equal(t, uint64(1), cli.LocalID())
}

func TestCommitUndelivered(t *testing.T) {
	c := test_cluster.NewCluster(0)
	c.Start()
	registerDeadReplica(t, c)
	cli := newTestClient(t, c)
	// Leave nothing but the dead replica in the directory.
	c.Sequencer.Stop()
	c.Sequencer = nil
	defer c.Shutdown()

	cli.Write("k1", []byte("a"))
	_, err := cli.Commit(context.Background())
	assert.Equal(t, ErrCommitUndelivered, errors.Cause(err))
}
