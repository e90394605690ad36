package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/chzyer/readline"
	"github.com/mattn/go-shellwords"
	"github.com/pingcap-incubator/seqkv/kv/client"
	"github.com/spf13/cobra"
)

type shell struct {
	cli *client.Client
	out io.Writer
	ctx context.Context
}

func newShell(cli *client.Client, out io.Writer) *shell {
	return &shell{cli: cli, out: out, ctx: context.Background()}
}

func (s *shell) loop() error {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            "\033[31m»\033[0m ",
		HistoryFile:       "/tmp/seqkv-ctl.tmp",
		InterruptPrompt:   "^C",
		EOFPrompt:         "^D",
		HistorySearchFold: true,
	})
	if err != nil {
		return err
	}
	defer l.Close()

	for {
		line, err := l.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				return nil
			}
			continue
		}
		line = strings.TrimSpace(line)
		if line == "exit" {
			return nil
		}
		if line == "" {
			continue
		}
		args, err := shellwords.Parse(line)
		if err != nil {
			fmt.Fprintf(s.out, "bad input: %v\n", err)
			continue
		}
		s.run(args)
	}
}

func (s *shell) run(args []string) {
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "SeqKV shell command",
	}
	cmd.SetArgs(args)
	cmd.SetOutput(s.out)

	cmd.AddCommand(
		&cobra.Command{
			Use:                   "read key",
			Short:                 "Read a key inside the running transaction",
			Args:                  cobra.ExactArgs(1),
			Run:                   s.read,
			DisableFlagsInUseLine: true,
		},
		&cobra.Command{
			Use:                   "write key value",
			Short:                 "Buffer a write in the running transaction",
			Args:                  cobra.ExactArgs(2),
			Run:                   s.write,
			DisableFlagsInUseLine: true,
		},
		&cobra.Command{
			Use:                   "commit",
			Short:                 "Commit the running transaction",
			Args:                  cobra.NoArgs,
			Run:                   s.commit,
			DisableFlagsInUseLine: true,
		},
		&cobra.Command{
			Use:                   "abort",
			Short:                 "Discard the running transaction",
			Args:                  cobra.NoArgs,
			Run:                   s.abort,
			DisableFlagsInUseLine: true,
		},
		&cobra.Command{
			Use:                   "status",
			Short:                 "Show the running transaction",
			Args:                  cobra.NoArgs,
			Run:                   s.status,
			DisableFlagsInUseLine: true,
		},
	)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(s.out, cmd.UsageString())
	}
}

func (s *shell) read(cmd *cobra.Command, args []string) {
	value, err := s.cli.Read(s.ctx, args[0])
	if err != nil {
		fmt.Fprintf(s.out, "Read %s failed %v\n", args[0], err)
		return
	}
	if value == nil {
		fmt.Fprintf(s.out, "Read empty for %s\n", args[0])
		return
	}
	fmt.Fprintf(s.out, "%s=%q\n", args[0], value)
}

func (s *shell) write(cmd *cobra.Command, args []string) {
	s.cli.Write(args[0], []byte(args[1]))
	fmt.Fprintf(s.out, "Write %s buffered\n", args[0])
}

func (s *shell) commit(cmd *cobra.Command, args []string) {
	id := s.cli.LocalID()
	committed, err := s.cli.Commit(s.ctx)
	if err != nil {
		fmt.Fprintf(s.out, "Transaction %d failed %v\n", id, err)
		return
	}
	if committed {
		fmt.Fprintf(s.out, "Transaction %d committed\n", id)
	} else {
		fmt.Fprintf(s.out, "Transaction %d aborted\n", id)
	}
}

func (s *shell) abort(cmd *cobra.Command, args []string) {
	id := s.cli.LocalID()
	s.cli.Abort()
	fmt.Fprintf(s.out, "Transaction %d aborted\n", id)
}

func (s *shell) status(cmd *cobra.Command, args []string) {
	fmt.Fprintf(s.out, "replica %s, transaction %d\n", s.cli.Replica(), s.cli.LocalID())
	writes := s.cli.WriteSet()
	keys := make([]string, 0, len(writes))
	for key := range writes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(s.out, "write %s=%q\n", key, writes[key])
	}

	reads := s.cli.ReadSet()
	keys = keys[:0]
	for key := range reads {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(s.out, "read %s=%q version %d\n", key, reads[key].Value, reads[key].Version)
	}
}
