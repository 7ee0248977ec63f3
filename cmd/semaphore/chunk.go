package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/zulandar/semaphore/internal/chunk"
)

func newChunkCmd() *cobra.Command {
	var maxSize int

	cmd := &cobra.Command{
		Use:   "chunk [file]",
		Short: "Preview how a text splits into channel-sized messages",
		Long:  "Reads a file (or stdin) and prints each rendered chunk, for tuning max_chunk_size.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChunk(cmd, args, maxSize)
		},
	}

	cmd.Flags().IntVar(&maxSize, "max-size", 3800, "chunk size ceiling")
	return cmd
}

func runChunk(cmd *cobra.Command, args []string, maxSize int) error {
	var data []byte
	var err error
	if len(args) == 1 {
		data, err = os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read %s: %w", args[0], err)
		}
	} else {
		data, err = io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
	}

	chunks, err := chunk.Split(string(data), maxSize)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for i, ch := range chunks {
		rendered := ch.Render()
		fmt.Fprintf(out, "--- chunk %d/%d (%d bytes) ---\n", i+1, len(chunks), len(rendered))
		fmt.Fprintln(out, rendered)
	}
	if len(chunks) > 1 {
		fmt.Fprintf(out, "--- %d chunks, %d source bytes ---\n", len(chunks), len(data))
	}
	return nil
}
