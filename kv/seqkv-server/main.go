package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/pingcap-incubator/seqkv/kv/config"
	"github.com/pingcap-incubator/seqkv/kv/directory"
	"github.com/pingcap-incubator/seqkv/kv/sequencer"
	"github.com/pingcap-incubator/seqkv/kv/server"
	"github.com/pingcap-incubator/seqkv/kv/status"
	"github.com/pingcap-incubator/seqkv/kv/storage/standalone_storage"
	"github.com/pingcap-incubator/seqkv/kv/transport"
	"github.com/pingcap-incubator/seqkv/kv/util/logutil"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath    string
	directoryAddr string
	logLevel      string
	statusAddr    string
	dbPath        string
	templatePath  string
)

var (
	gitHash = "None"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "seqkv-server",
		Short: "SeqKV cluster processes",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&directoryAddr, "directory", "", "membership directory address")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "L", "", "log level: debug, info, warn, error, fatal")
	rootCmd.PersistentFlags().StringVar(&statusAddr, "status", "", "status HTTP address, empty disables it")

	replicaCmd := &cobra.Command{
		Use:   "replica id",
		Short: "Run replica <id>",
		Args:  cobra.ExactArgs(1),
		RunE:  runReplica,
	}
	replicaCmd.Flags().StringVar(&dbPath, "db-path", "", "directory holding the data of every replica")
	replicaCmd.Flags().StringVar(&templatePath, "template", "", "badger directory seeding a replica on first start")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "directory",
			Short: "Run the membership directory",
			Args:  cobra.NoArgs,
			RunE:  runDirectory,
		},
		&cobra.Command{
			Use:   "sequencer",
			Short: "Run the sequencer",
			Args:  cobra.NoArgs,
			RunE:  runSequencer,
		},
		replicaCmd,
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	conf := config.NewDefaultConfig()
	if configPath != "" {
		if err := conf.LoadFile(configPath); err != nil {
			return nil, err
		}
	}
	if directoryAddr != "" {
		conf.DirectoryAddr = directoryAddr
	}
	if logLevel != "" {
		conf.LogLevel = logLevel
	}
	if statusAddr != "" {
		conf.StatusAddr = statusAddr
	}
	if dbPath != "" {
		conf.DBPath = dbPath
	}
	if templatePath != "" {
		conf.TemplatePath = templatePath
	}
	if err := conf.Validate(); err != nil {
		return nil, errors.Annotate(err, "invalid config")
	}
	if err := logutil.InitLogger(conf); err != nil {
		return nil, err
	}
	log.Info("seqkv-server", zap.String("git-hash", gitHash))
	log.Info("config", zap.Reflect("conf", conf))
	return conf, nil
}

// component is one runnable cluster process.
type component interface {
	Start() error
	Stop() error
}

func run(role string, conf *config.Config, comp component, register func(*status.Service)) error {
	if err := comp.Start(); err != nil {
		return err
	}
	svc := status.NewService(conf.StatusAddr, role)
	register(svc)
	if err := svc.Start(); err != nil {
		comp.Stop()
		return err
	}

	sig := waitSignal()
	log.Info("got signal to exit", zap.String("role", role), zap.Stringer("signal", sig))
	svc.Stop()
	if err := comp.Stop(); err != nil {
		return err
	}
	log.Info("stopped", zap.String("role", role))
	return nil
}

func waitSignal() os.Signal {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	return <-sigCh
}

func newTransport(conf *config.Config) (*transport.Transport, *directory.Client, error) {
	trans, err := transport.NewTransport(conf)
	if err != nil {
		return nil, nil, err
	}
	return trans, directory.NewClient(conf.DirectoryAddr, trans), nil
}

func runDirectory(cmd *cobra.Command, args []string) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}
	maxSize, err := conf.MaxMessageBytes()
	if err != nil {
		return err
	}
	dir := directory.NewServer(conf.DirectoryAddr, maxSize)
	return run("directory", conf, dir, func(svc *status.Service) { svc.AddDirectory(dir) })
}

func runSequencer(cmd *cobra.Command, args []string) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}
	trans, dc, err := newTransport(conf)
	if err != nil {
		return err
	}
	seq := sequencer.NewSequencer(conf, dc, trans)
	return run("sequencer", conf, seq, func(svc *status.Service) { svc.AddSequencer(seq) })
}

func runReplica(cmd *cobra.Command, args []string) error {
	id, err := strconv.Atoi(args[0])
	if err != nil || id < 0 {
		return fmt.Errorf("replica id must be a non-negative integer, got %q", args[0])
	}
	conf, err := loadConfig()
	if err != nil {
		return err
	}
	trans, dc, err := newTransport(conf)
	if err != nil {
		return err
	}
	store := standalone_storage.NewStandAloneStorage(conf.ReplicaDBPath(id), conf.TemplatePath)
	svr := server.NewServer(conf, id, store, dc, trans)
	return run("replica", conf, svr, func(svc *status.Service) { svc.AddReplica(svr) })
}
