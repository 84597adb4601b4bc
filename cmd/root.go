// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 FlashUp Project

package cmd

import (
	"github.com/spf13/cobra"
)

var (
	scriptMode   bool
	firmwarePath string
	deviceID     string
)

var rootCmd = &cobra.Command{
	Use:   "flashup",
	Short: "Firmware updater for serial and network devices",
	Long: `FlashUp - firmware update tool for embedded devices.

Uploads FLASHUP firmware containers to devices over serial ports or the
network. Without --script an interactive shell opens; with --script the
update runs headless and the exit code reports the outcome.

Device identifiers:
  Serial:    serial:/dev/ttyUSB0
  Network:   net:192.168.4.1:8266 (port optional)
  WebSocket: ws://host/path

Configuration is read from FLASHUP_* environment variables, with an
optional .env file in the working directory.`,
	Version: "1.0.0",
	RunE: func(cmd *cobra.Command, args []string) error {
		if scriptMode {
			return runFlash(firmwarePath, deviceID)
		}
		return runTUI(firmwarePath)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&scriptMode, "script", "s", false, "Headless mode: run the update and exit")
	rootCmd.PersistentFlags().StringVarP(&firmwarePath, "firmware", "f", "", "Firmware container (.fup) to load")
	rootCmd.PersistentFlags().StringVarP(&deviceID, "device", "d", "", "Target device identifier")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
