// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 FlashUp Project

package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flashup/flashup/pkg/config"
	"github.com/flashup/flashup/pkg/device"
	"github.com/flashup/flashup/pkg/eventloop"
	"github.com/flashup/flashup/pkg/flashup"
	"github.com/flashup/flashup/pkg/history"
)

var flashVerbose bool

var flashCmd = &cobra.Command{
	Use:   "flash",
	Short: "Run a firmware update headlessly",
	Long: `Uploads the firmware container to the target device and exits.
The exit code is 0 when the device accepted the full image and 1
otherwise, so the command is scriptable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFlash(firmwarePath, deviceID)
	},
}

func init() {
	flashCmd.Flags().BoolVarP(&flashVerbose, "verbose", "v", false, "Show debug log output")
	rootCmd.AddCommand(flashCmd)
}

func runFlash(fwPath, target string) error {
	if fwPath == "" {
		return errors.New("no firmware given: use --firmware <file.fup>")
	}
	if target == "" {
		return errors.New("no device given: use --device <id>")
	}

	cfg := config.Load()
	loop := eventloop.New()
	defer loop.Close()

	opts := []flashup.Option{
		flashup.WithFactories(&flashup.DirectFactory{
			Target:      target,
			DefaultPort: cfg.NetworkPort,
		}),
	}
	if cfg.HistoryDBPath != "" {
		if store, err := history.Open(cfg.HistoryDBPath); err == nil {
			defer store.Close()
			opts = append(opts, flashup.WithHistory(store))
		}
	}

	core := flashup.New(loop, cfg, opts...)
	defer core.Close()

	minLevel := device.LevelInfo
	if flashVerbose {
		minLevel = device.LevelDebug
	}

	type outcome struct {
		success bool
		message string
	}
	done := make(chan outcome, 1)
	core.Subscribe(flashup.Events{
		UpdateProgress: func(id string, progress int, status string) {
			fmt.Printf("\r%s %s   ", render(labelStyle, fmt.Sprintf("[%3d%%]", progress)), status)
		},
		UpdateComplete: func(id string, success bool, message string) {
			done <- outcome{success, message}
		},
		Log: func(level device.LogLevel, message string) {
			printLog(minLevel, level, message)
		},
	})

	list := core.DiscoverDevices()
	if len(list) == 0 {
		return fmt.Errorf("device %q not reachable", target)
	}

	if err := core.UpdateFirmware(list[0].ID, fwPath); err != nil {
		return err
	}

	result := <-done
	fmt.Println()
	if !result.success {
		fmt.Println(render(errStyle, "FAILED: "+result.message))
		return errors.New(result.message)
	}
	fmt.Println(render(successStyle, result.message))
	return nil
}
