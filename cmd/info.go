// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 FlashUp Project

package cmd

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/flashup/flashup/pkg/firmware"
)

var infoCmd = &cobra.Command{
	Use:   "info [container.fup]",
	Short: "Inspect a firmware container",
	Long: `Parses a FLASHUP container, verifies its checksum, and prints the
metadata and payload layout.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := firmwarePath
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			return errors.New("no container given")
		}

		pkg, err := firmware.Open(path)
		if err != nil {
			return fmt.Errorf("invalid container: %w", err)
		}
		defer pkg.Close()

		meta := pkg.Metadata()
		fmt.Println(render(labelStyle, "Firmware container"))
		fmt.Printf("  %s %s\n", render(dimStyle, "file:"), pkg.Path())

		keys := make([]string, 0, len(meta))
		for k := range meta {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if k == "sha256" || k == "signature" {
				continue
			}
			fmt.Printf("  %s %s\n", render(dimStyle, k+":"), meta[k])
		}

		fmt.Printf("  %s %d bytes\n", render(dimStyle, "payload:"), pkg.Size())
		fmt.Printf("  %s %s\n", render(dimStyle, "sha256:"), pkg.SHA256())
		if sig := pkg.Signature(); sig != "" {
			fmt.Printf("  %s %s\n", render(dimStyle, "signature:"), sig)
		}
		fmt.Printf("  %s %d x 1024 B (serial), %d x 4096 B (network)\n",
			render(dimStyle, "chunks:"), pkg.ChunkCount(1024), pkg.ChunkCount(4096))
		fmt.Println(render(successStyle, "Checksum OK"))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
