package test_cluster

import (
	"io/ioutil"
	"os"

	"github.com/pingcap-incubator/seqkv/kv/config"
	"github.com/pingcap-incubator/seqkv/kv/directory"
	"github.com/pingcap-incubator/seqkv/kv/sequencer"
	"github.com/pingcap-incubator/seqkv/kv/server"
	"github.com/pingcap-incubator/seqkv/kv/storage"
	"github.com/pingcap-incubator/seqkv/kv/storage/standalone_storage"
	"github.com/pingcap-incubator/seqkv/kv/transport"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Cluster runs a directory, a sequencer and a number of replicas inside the test process, all on
// kernel-chosen loopback ports.
type Cluster struct {
	Conf  *config.Config
	Trans *transport.Transport

	count   int
	durable bool
	dirs    []string

	Directory *directory.Server
	Sequencer *sequencer.Sequencer
	Replicas  map[int]*server.Server
}

// NewCluster prepares count replicas backed by in-memory storage.
func NewCluster(count int) *Cluster {
	conf := config.NewTestConfig()
	trans, err := transport.NewTransport(conf)
	if err != nil {
		panic(err)
	}
	return &Cluster{
		Conf:     conf,
		Trans:    trans,
		count:    count,
		Replicas: make(map[int]*server.Server),
	}
}

// NewDurableCluster is like NewCluster but every replica stores its data in badger under a
// temporary directory.
func NewDurableCluster(count int) *Cluster {
	c := NewCluster(count)
	c.durable = true
	return c
}

func (c *Cluster) Start() {
	c.Directory = directory.NewServer(c.Conf.DirectoryAddr, c.Trans.MaxMessageSize())
	if err := c.Directory.Start(); err != nil {
		panic(err)
	}
	c.Conf.DirectoryAddr = c.Directory.Addr()

	c.Sequencer = sequencer.NewSequencer(c.Conf, c.DirectoryClient(), c.Trans)
	if err := c.Sequencer.Start(); err != nil {
		panic(err)
	}
	c.Conf.SequencerAddr = c.Sequencer.Addr()

	if c.durable {
		dir, err := ioutil.TempDir("", "seqkv-cluster")
		if err != nil {
			panic(err)
		}
		c.dirs = append(c.dirs, dir)
		c.Conf.DBPath = dir
	}
	for id := 1; id <= c.count; id++ {
		c.StartReplica(id)
	}
}

// DirectoryClient returns a fresh client of the cluster's directory.
func (c *Cluster) DirectoryClient() *directory.Client {
	return directory.NewClient(c.Conf.DirectoryAddr, c.Trans)
}

func (c *Cluster) newStorage(id int) storage.Storage {
	if !c.durable {
		return storage.NewMemStorage()
	}
	return standalone_storage.NewStandAloneStorage(c.Conf.ReplicaDBPath(id), c.Conf.TemplatePath)
}

func (c *Cluster) StartReplica(id int) *server.Server {
	s := server.NewServer(c.Conf, id, c.newStorage(id), c.DirectoryClient(), c.Trans)
	if err := s.Start(); err != nil {
		panic(err)
	}
	c.Replicas[id] = s
	return s
}

func (c *Cluster) StopReplica(id int) {
	s, ok := c.Replicas[id]
	if !ok {
		return
	}
	if err := s.Stop(); err != nil {
		log.Warn("stop replica", zap.Int("id", id), zap.Error(err))
	}
	delete(c.Replicas, id)
}

func (c *Cluster) Shutdown() {
	for id := range c.Replicas {
		c.StopReplica(id)
	}
	if c.Sequencer != nil {
		c.Sequencer.Stop()
	}
	if c.Directory != nil {
		c.Directory.Stop()
	}
	for _, dir := range c.dirs {
		os.RemoveAll(dir)
	}
}
