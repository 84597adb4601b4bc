// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 FlashUp Project

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flashup/flashup/pkg/config"
	"github.com/flashup/flashup/pkg/history"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history [device-id]",
	Short: "Show past update attempts",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		store, err := history.Open(cfg.HistoryDBPath)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := context.Background()
		var rows []*history.Update
		if len(args) == 1 {
			rows, err = store.ListForDevice(ctx, args[0])
		} else {
			rows, err = store.List(ctx, historyLimit)
		}
		if err != nil {
			return err
		}

		if len(rows) == 0 {
			fmt.Println(render(dimStyle, "No updates recorded."))
			return nil
		}
		for _, row := range rows {
			mark := render(successStyle, "✓")
			if !row.Success {
				mark = render(errStyle, "✗")
			}
			fmt.Printf("%s %s  %s %s v%s\n", mark,
				render(dimStyle, row.FinishedAt.Format("2006-01-02 15:04:05")),
				render(labelStyle, row.DeviceID), row.FirmwareName, row.FirmwareVersion)
			if row.Message != "" {
				fmt.Printf("    %s\n", render(dimStyle, row.Message))
			}
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum rows to show (0 = all)")
	rootCmd.AddCommand(historyCmd)
}
