package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zeroloop/zeroloop/pkg/mlog"
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Inspect a run's metric log",
}

var logDumpCmd = &cobra.Command{
	Use:   "dump PATH",
	Short: "Dump the metric log at PATH",
	Long: `Dump the metric log of a run, one block per generation.

Examples:
  # Dump everything
  zeroloop log dump data/loop/log.db

  # Only the replay-window metrics
  zeroloop log dump data/loop/log.db --category buffer`,
	Args: cobra.ExactArgs(1),
	RunE: runLogDump,
}

func init() {
	logDumpCmd.Flags().String("category", "", "Only show values in this category")
	logCmd.AddCommand(logDumpCmd)
}

func runLogDump(cmd *cobra.Command, args []string) error {
	filter, _ := cmd.Flags().GetString("category")

	l, err := mlog.Load(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Run:     %s\n", l.RunID())
	fmt.Printf("Batches: %d\n", l.Batches())

	keys := l.Keys()
	for batch := 0; batch < l.Batches(); batch++ {
		fmt.Printf("\nbatch %d:\n", batch)
		for _, name := range keys {
			category, key, ok := strings.Cut(name, "/")
			if !ok {
				continue
			}
			if filter != "" && category != filter {
				continue
			}
			if v, ok := l.Get(batch, category, key); ok {
				fmt.Printf("  %-40s %g\n", name, v)
			}
		}
	}
	return nil
}
