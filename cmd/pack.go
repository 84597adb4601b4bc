// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 FlashUp Project

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flashup/flashup/pkg/firmware"
)

var (
	packName    string
	packVersion string
	packTarget  string
	packOutput  string
	packExtra   []string
)

var packCmd = &cobra.Command{
	Use:   "pack <payload.bin>",
	Short: "Build a firmware container from a raw payload",
	Long: `Wraps a raw firmware image in a FLASHUP container: metadata header
plus SHA-256 integrity checksum. The result is what the flash command
uploads.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		meta := map[string]string{
			"name":    packName,
			"version": packVersion,
			"target":  packTarget,
		}
		for _, kv := range packExtra {
			for i := 0; i < len(kv); i++ {
				if kv[i] == '=' {
					meta[kv[:i]] = kv[i+1:]
					break
				}
			}
		}

		out := packOutput
		if out == "" {
			out = packName + "-" + packVersion + ".fup"
		}

		pkg, err := firmware.Create(out, meta, payload)
		if err != nil {
			return err
		}
		defer pkg.Close()

		fmt.Printf("%s %s\n", render(successStyle, "Created"), out)
		fmt.Printf("  %s %d bytes payload, sha256 %s\n",
			render(dimStyle, "->"), pkg.Size(), pkg.SHA256())
		return nil
	},
}

func init() {
	packCmd.Flags().StringVar(&packName, "name", "", "Firmware name (required)")
	packCmd.Flags().StringVar(&packVersion, "fw-version", "", "Firmware version (required)")
	packCmd.Flags().StringVar(&packTarget, "target", "", "Target device type (required)")
	packCmd.Flags().StringVarP(&packOutput, "output", "o", "", "Output file (default <name>-<version>.fup)")
	packCmd.Flags().StringArrayVar(&packExtra, "meta", nil, "Extra metadata as key=value (repeatable)")
	packCmd.MarkFlagRequired("name")
	packCmd.MarkFlagRequired("fw-version")
	packCmd.MarkFlagRequired("target")
	rootCmd.AddCommand(packCmd)
}
