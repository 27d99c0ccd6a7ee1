package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var serverAddr string

func newStatusCommand(use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := newSession(newClient(serverAddr), cmd.OutOrStdout())
			return s.printer(path)(nil)
		},
	}
}

func newGCCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Collect the version store now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return newSession(newClient(serverAddr), cmd.OutOrStdout()).runGC(nil)
		},
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:          "txn-ctl",
		Short:        "tinytxn control tool",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "addr", "u", "127.0.0.1:20180", "address of the tinytxn server")

	rootCmd.AddCommand(
		newShellCommand(),
		newBenchCommand(),
		newStatusCommand("txns", "List active transactions", "/api/v1/txns"),
		newStatusCommand("locks", "List the lock table", "/api/v1/locks"),
		newStatusCommand("deadlocks", "List recently resolved deadlocks", "/api/v1/deadlocks"),
		newStatusCommand("stats", "Show manager statistics", "/api/v1/stats"),
		newStatusCommand("version-store", "Show version store statistics", "/api/v1/version-store"),
		newStatusCommand("isolation", "Show the isolation level table", "/api/v1/isolation"),
		newStatusCommand("config", "Show the transaction config", "/api/v1/config"),
		newGCCommand(),
	)

	cobra.EnablePrefixMatching = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
