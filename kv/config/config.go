package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

type Config struct {
	// Address of the membership directory every process registers with.
	DirectoryAddr string `toml:"directory-addr"`
	// Client-facing address of the sequencer.
	SequencerAddr string `toml:"sequencer-addr"`

	// Replicas listen on Host:ReplicaBasePort+id for clients and Host:OrderBasePort+id
	// for order assignments coming from the sequencer.
	Host            string `toml:"host"`
	ReplicaBasePort int    `toml:"replica-base-port"`
	OrderBasePort   int    `toml:"order-base-port"`

	// Optional HTTP address serving /status, /metrics and /api/v1. Empty disables it.
	StatusAddr string `toml:"status-addr"`

	LogLevel string `toml:"log-level"`
	LogFile  string `toml:"log-file"`

	DBPath string `toml:"db-path"` // Directory to store the data in. Should exist and be writable.
	// Optional badger directory copied into a replica's store on its first start-up.
	TemplatePath string `toml:"template-path"`

	// Upper bound for a single frame payload, e.g. "4MiB".
	MaxMessageSize string `toml:"max-message-size"`

	// Bounded wait on establishing a connection to a replica or the directory.
	DialTimeout Duration `toml:"dial-timeout"`
	// How many times a client re-selects a replica after a failed read before giving up.
	MaxReadRetries int `toml:"max-read-retries"`
	// Minimum spacing between two replica re-selections.
	ReadRetryInterval Duration `toml:"read-retry-interval"`

	// Host the client binds its one-shot commit reply listener on.
	ReplyHost string `toml:"reply-host"`
}

func (c *Config) Validate() error {
	if c.DirectoryAddr == "" {
		return fmt.Errorf("directory address must be set")
	}
	if _, err := c.MaxMessageBytes(); err != nil {
		return err
	}
	if c.DialTimeout.Duration <= 0 {
		return fmt.Errorf("dial timeout must be greater than 0")
	}
	if c.MaxReadRetries < 0 {
		return fmt.Errorf("max read retries must not be negative")
	}
	if c.ReplicaBasePort < 0 || c.OrderBasePort < 0 {
		return fmt.Errorf("base ports must not be negative")
	}
	if c.ReplicaBasePort != 0 && c.ReplicaBasePort == c.OrderBasePort {
		return fmt.Errorf("replica and order base ports must differ")
	}
	if c.MaxReadRetries > 100 {
		log.Warn("large read retry budget, a dead cluster will take long to report",
			zap.Int("max-read-retries", c.MaxReadRetries))
	}

	return nil
}

// MaxMessageBytes parses MaxMessageSize.
func (c *Config) MaxMessageBytes() (int64, error) {
	size, err := units.RAMInBytes(c.MaxMessageSize)
	if err != nil {
		return 0, errors.Annotatef(err, "invalid max-message-size %q", c.MaxMessageSize)
	}
	if size <= 0 {
		return 0, errors.Errorf("max-message-size must be positive, got %q", c.MaxMessageSize)
	}
	return size, nil
}

// ReplicaAddr is the client-facing address of replica id.
func (c *Config) ReplicaAddr(id int) string {
	return joinPort(c.Host, c.ReplicaBasePort, id)
}

// OrderAddr is the order listener address of replica id.
func (c *Config) OrderAddr(id int) string {
	return joinPort(c.Host, c.OrderBasePort, id)
}

// ReplicaDBPath isolates each replica instance in its own directory.
func (c *Config) ReplicaDBPath(id int) string {
	return filepath.Join(c.DBPath, "replica"+strconv.Itoa(id))
}

func joinPort(host string, base, id int) string {
	// A zero base port lets the kernel choose, used by in-process clusters.
	if base == 0 {
		return net.JoinHostPort(host, "0")
	}
	return net.JoinHostPort(host, strconv.Itoa(base+id))
}

// LoadFile overlays the TOML file at path onto c.
func (c *Config) LoadFile(path string) error {
	if _, err := toml.DecodeFile(path, c); err != nil {
		return errors.Annotatef(err, "load config %s", path)
	}
	return nil
}

const (
	KB uint64 = 1024
	MB uint64 = 1024 * 1024
)

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		DirectoryAddr:     "127.0.0.1:5100",
		SequencerAddr:     "127.0.0.1:5200",
		Host:              "127.0.0.1",
		ReplicaBasePort:   5000,
		OrderBasePort:     5300,
		LogLevel:          getLogLevel(),
		DBPath:            "/tmp/seqkv",
		MaxMessageSize:    "4MiB",
		DialTimeout:       NewDuration(1 * time.Second),
		MaxReadRetries:    5,
		ReadRetryInterval: NewDuration(200 * time.Millisecond),
		ReplyHost:         "127.0.0.1",
	}
}

func NewTestConfig() *Config {
	return &Config{
		DirectoryAddr:     "127.0.0.1:0",
		SequencerAddr:     "127.0.0.1:0",
		Host:              "127.0.0.1",
		LogLevel:          getLogLevel(),
		DBPath:            "/tmp/seqkv-test",
		MaxMessageSize:    "1MiB",
		DialTimeout:       NewDuration(500 * time.Millisecond),
		MaxReadRetries:    3,
		ReadRetryInterval: NewDuration(10 * time.Millisecond),
		ReplyHost:         "127.0.0.1",
	}
}
