package main

import (
	"fmt"
	"io"
	"sync"

	"ffrecorder/pkg/log"
	"ffrecorder/pkg/storage"

	"github.com/spf13/cobra"
)

type logsOptions struct {
	envPath string
	levels  []string
	sources []string
	streams []string
	limit   int
}

func newLogsCommand() *cobra.Command {
	opts := &logsOptions{}

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query the log database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := storage.ReadConfigEnv(opts.envPath)
			if err != nil {
				return err
			}
			return runLogs(cmd.OutOrStdout(), env.LogDBPath(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.envPath, "env", "./configs/env.yaml", "path to env.yaml")
	flags.StringSliceVar(&opts.levels, "level", nil, "only show levels: error, warning, info, debug")
	flags.StringSliceVar(&opts.sources, "src", nil, "only show sources")
	flags.StringSliceVar(&opts.streams, "stream", nil, "only show streams")
	flags.IntVarP(&opts.limit, "limit", "n", 100, "maximum number of entries")

	return cmd
}

func runLogs(w io.Writer, dbPath string, opts *logsOptions) error {
	q := log.Query{
		Sources: opts.sources,
		Streams: opts.streams,
		Limit:   opts.limit,
	}
	for _, s := range opts.levels {
		level, err := log.ParseLevel(s)
		if err != nil {
			return err
		}
		q.Levels = append(q.Levels, level)
	}

	logDB := log.NewDB(dbPath, &sync.WaitGroup{})
	if err := logDB.OpenReadOnly(); err != nil {
		return err
	}
	defer logDB.Close()

	logs, err := logDB.Query(q)
	if err != nil {
		return err
	}

	// Oldest first.
	for i := len(logs) - 1; i >= 0; i-- {
		fmt.Fprintln(w, log.FormatLog(logs[i]))
	}
	return nil
}
