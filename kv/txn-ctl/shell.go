package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/mattn/go-shellwords"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/isolation"
	"github.com/pingcap/errors"
	"github.com/spf13/cobra"
)

const defaultTable uint32 = 1

// session is the state of one interactive shell. With no open transaction every data command runs in a
// transaction of its own that is committed right away.
type session struct {
	c     *client
	out   io.Writer
	txn   uint64
	level string
	table uint32
}

func newSession(c *client, out io.Writer) *session {
	return &session{c: c, out: out, level: isolation.ReadCommitted.String(), table: defaultTable}
}

func newShellCommand() *cobra.Command {
	m := &cobra.Command{
		Use:   "shell",
		Short: "Interactive transaction shell",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return shellLoop(newSession(newClient(serverAddr), cmd.OutOrStdout()))
		},
	}
	return m
}

func shellLoop(s *session) error {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            "\033[31m»\033[0m ",
		HistoryFile:       "/tmp/txn-ctl.history",
		InterruptPrompt:   "^C",
		EOFPrompt:         "^D",
		HistorySearchFold: true,
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer l.Close()

	for {
		l.SetPrompt(s.prompt())
		line, err := l.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				break
			}
			continue
		}
		line = strings.TrimSpace(line)
		if line == "exit" || line == "quit" {
			break
		}
		if line == "" {
			continue
		}
		args, err := shellwords.Parse(line)
		if err != nil {
			fmt.Fprintf(s.out, "parse %q failed: %v\n", line, err)
			continue
		}
		if err := s.exec(args); err != nil {
			fmt.Fprintf(s.out, "ERROR %v\n", err)
		}
	}
	if s.txn != 0 {
		fmt.Fprintf(s.out, "rolling back txn %d\n", s.txn)
		return s.c.rollback(s.txn)
	}
	return nil
}

func (s *session) prompt() string {
	if s.txn == 0 {
		return "\033[31m»\033[0m "
	}
	return fmt.Sprintf("\033[31mtxn %d »\033[0m ", s.txn)
}

// exec runs one shell line.
func (s *session) exec(args []string) error {
	root := &cobra.Command{
		Use:           "",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOutput(s.out)
	root.SetArgs(args)
	root.AddCommand(
		s.command("begin [level]", "Begin a transaction", cobra.MaximumNArgs(1), s.runBegin),
		s.command("commit", "Commit the open transaction", cobra.NoArgs, s.runCommit),
		s.command("rollback", "Roll back the open transaction", cobra.NoArgs, s.runRollback),
		s.command("read key", "Read a row", cobra.ExactArgs(1), s.runRead),
		s.command("write key value", "Write a row", cobra.ExactArgs(2), s.runWrite),
		s.command("delete key", "Delete a row", cobra.ExactArgs(1), s.runDelete),
		s.command("scan start [end]", "Scan rows in [start, end)", cobra.RangeArgs(1, 2), s.runScan),
		s.command("stmt begin|end", "Open or close an explicit statement", cobra.ExactArgs(1), s.runStatement),
		s.command("level [level]", "Get or [set] the level of new transactions", cobra.MaximumNArgs(1), s.runLevel),
		s.command("table [id]", "Get or [set] the table", cobra.MaximumNArgs(1), s.runTable),
		s.command("txns", "List active transactions", cobra.NoArgs, s.printer("/api/v1/txns")),
		s.command("locks", "List the lock table", cobra.NoArgs, s.printer("/api/v1/locks")),
		s.command("deadlocks", "List recently resolved deadlocks", cobra.NoArgs, s.printer("/api/v1/deadlocks")),
		s.command("stats", "Show manager statistics", cobra.NoArgs, s.printer("/api/v1/stats")),
		s.command("gc", "Collect the version store now", cobra.NoArgs, s.runGC),
	)
	return root.Execute()
}

func (s *session) command(use, short string, args cobra.PositionalArgs, run func([]string) error) *cobra.Command {
	return &cobra.Command{
		Use:                   use,
		Short:                 short,
		Args:                  args,
		DisableFlagsInUseLine: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args)
		},
	}
}

func (s *session) printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(s.out, "%v\n", v)
		return
	}
	fmt.Fprintln(s.out, string(data))
}

func (s *session) printer(path string) func([]string) error {
	return func([]string) error {
		v, err := s.c.get(path)
		if err != nil {
			return err
		}
		s.printJSON(v)
		return nil
	}
}

func (s *session) runBegin(args []string) error {
	if s.txn != 0 {
		return errors.Errorf("txn %d is still open", s.txn)
	}
	level := s.level
	if len(args) == 1 {
		level = args[0]
	}
	info, err := s.c.begin(level)
	if err != nil {
		return err
	}
	s.txn = info.ID
	fmt.Fprintf(s.out, "txn %d began at %s, start seq %d\n", info.ID, info.Level, info.StartSeq)
	return nil
}

func (s *session) runCommit([]string) error {
	if s.txn == 0 {
		return errors.New("no open transaction")
	}
	id := s.txn
	// A failed commit rolls the transaction back.
	s.txn = 0
	resp, err := s.c.commit(id)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "txn %d committed at seq %d\n", id, resp.CommitSeq)
	return nil
}

func (s *session) runRollback([]string) error {
	if s.txn == 0 {
		return errors.New("no open transaction")
	}
	id := s.txn
	s.txn = 0
	if err := s.c.rollback(id); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "txn %d rolled back\n", id)
	return nil
}

// inTxn runs fn in the open transaction, or in an autocommitted one when none is open.
func (s *session) inTxn(fn func(id uint64) error) error {
	if s.txn != 0 {
		err := fn(s.txn)
		if e, ok := err.(*apiError); ok && (e.Kind == "deadlock victim" || e.Kind == "not active") {
			fmt.Fprintf(s.out, "txn %d was rolled back\n", s.txn)
			s.txn = 0
		}
		return err
	}
	info, err := s.c.begin(s.level)
	if err != nil {
		return err
	}
	if err := fn(info.ID); err != nil {
		s.c.rollback(info.ID)
		return err
	}
	_, err = s.c.commit(info.ID)
	return err
}

func (s *session) runRead(args []string) error {
	return s.inTxn(func(id uint64) error {
		resp, err := s.c.read(id, s.table, args[0])
		if err != nil {
			return err
		}
		if !resp.Found {
			fmt.Fprintf(s.out, "%s not found\n", args[0])
			return nil
		}
		fmt.Fprintf(s.out, "%s=%q\n", resp.Key, resp.Value)
		return nil
	})
}

func (s *session) runWrite(args []string) error {
	return s.inTxn(func(id uint64) error {
		if err := s.c.write(id, s.table, args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "write %s ok\n", args[0])
		return nil
	})
}

func (s *session) runDelete(args []string) error {
	return s.inTxn(func(id uint64) error {
		if err := s.c.delete(id, s.table, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "delete %s ok\n", args[0])
		return nil
	})
}

func (s *session) runScan(args []string) error {
	end := ""
	if len(args) == 2 {
		end = args[1]
	}
	return s.inTxn(func(id uint64) error {
		rows, err := s.c.scan(id, s.table, args[0], end)
		if err != nil {
			return err
		}
		for _, row := range rows {
			fmt.Fprintf(s.out, "%s=%q\n", row.Key, row.Value)
		}
		fmt.Fprintf(s.out, "%d rows\n", len(rows))
		return nil
	})
}

func (s *session) runStatement(args []string) error {
	if s.txn == 0 {
		return errors.New("no open transaction")
	}
	switch args[0] {
	case "begin":
		return s.c.statement(s.txn, true)
	case "end":
		return s.c.statement(s.txn, false)
	}
	return errors.Errorf("expected begin or end, got %q", args[0])
}

func (s *session) runLevel(args []string) error {
	if len(args) == 1 {
		level, err := isolation.ParseLevel(args[0])
		if err != nil {
			return err
		}
		s.level = level.String()
	}
	fmt.Fprintf(s.out, "new transactions run at %s\n", s.level)
	return nil
}

func (s *session) runTable(args []string) error {
	if len(args) == 1 {
		id, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return errors.Errorf("invalid table %q", args[0])
		}
		s.table = uint32(id)
	}
	fmt.Fprintf(s.out, "using table %d\n", s.table)
	return nil
}

func (s *session) runGC([]string) error {
	v, err := s.c.gc()
	if err != nil {
		return err
	}
	s.printJSON(v)
	return nil
}
