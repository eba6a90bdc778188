package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"ffrecorder/pkg/video/mp4"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newProbeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "probe <file>",
		Short: "Print the box structure of a MP4 file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer file.Close()
			return runProbe(cmd.OutOrStdout(), file)
		},
	}
}

func runProbe(w io.Writer, r io.ReadSeeker) error {
	boxes, err := mp4.Probe(r)
	if err != nil {
		return err
	}
	boxType := color.New(color.Bold)
	for _, b := range boxes {
		fmt.Fprintf(w, "%s%s offset=%d size=%d\n",
			strings.Repeat("  ", b.Depth()),
			boxType.Sprint(b.Type()), b.Offset, b.Size)
	}
	return nil
}
