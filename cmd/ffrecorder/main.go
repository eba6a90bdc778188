package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ffrecorder",
		Short: "Segmented MP4 recorder",
		Long: `ffrecorder records elementary H.264/H.265 streams with optional AAC or
A-law audio into keyframe aligned MP4 segments.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(newRecordCommand())
	cmd.AddCommand(newProbeCommand())
	cmd.AddCommand(newLogsCommand())
	return cmd
}
