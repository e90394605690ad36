package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pingcap-incubator/seqkv/kv/client"
	"github.com/pingcap-incubator/seqkv/kv/config"
	"github.com/pingcap-incubator/seqkv/kv/directory"
	"github.com/pingcap-incubator/seqkv/kv/transport"
	"github.com/pingcap-incubator/seqkv/kv/util/logutil"
	"github.com/spf13/cobra"
)

var (
	configPath    string
	directoryAddr string
	logLevel      string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "seqkv-ctl id",
		Short: "SeqKV transaction shell",
		Args:  cobra.ExactArgs(1),
		RunE:  runCtl,
	}
	rootCmd.Flags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.Flags().StringVar(&directoryAddr, "directory", "", "membership directory address")
	rootCmd.Flags().StringVarP(&logLevel, "log-level", "L", "warn", "log level")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCtl(cmd *cobra.Command, args []string) error {
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("client id must be an integer, got %q", args[0])
	}
	conf := config.NewDefaultConfig()
	if configPath != "" {
		if err := conf.LoadFile(configPath); err != nil {
			return err
		}
	}
	if directoryAddr != "" {
		conf.DirectoryAddr = directoryAddr
	}
	conf.LogLevel = logLevel
	if err := conf.Validate(); err != nil {
		return err
	}
	if err := logutil.InitLogger(conf); err != nil {
		return err
	}

	trans, err := transport.NewTransport(conf)
	if err != nil {
		return err
	}
	cli, err := client.NewClient(conf, id, directory.NewClient(conf.DirectoryAddr, trans), trans)
	if err != nil {
		return err
	}
	fmt.Printf("Client %d connected to replica %s\n", id, cli.Replica())
	return newShell(cli, os.Stdout).loop()
}
