// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 FlashUp Project

package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/flashup/flashup/pkg/simulator"
)

var (
	simAddr       string
	simName       string
	simVersion    string
	simFailChunks int
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a mock network device",
	Long: `Starts a TCP server that behaves like a real update target, for
bench testing without hardware. Point the updater at it with
--device net:<addr>. Runs until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sim := simulator.New(simulator.WithIdentity(simName, simVersion))
		if simFailChunks > 0 {
			sim.FailChunks(simFailChunks)
		}
		if err := sim.Start(simAddr); err != nil {
			return err
		}
		defer sim.Close()

		fmt.Printf("%s %s\n", render(labelStyle, "Simulated device listening on"), sim.Addr())
		fmt.Println(render(dimStyle, "Press Ctrl+C to stop"))

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop

		fmt.Printf("\n%s %d chunks received, %d bytes\n",
			render(dimStyle, "Shutting down:"), sim.Chunks(), len(sim.Received()))
		return nil
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simAddr, "addr", "127.0.0.1:8266", "Listen address")
	simulateCmd.Flags().StringVar(&simName, "name", "SimDevice", "Reported device name")
	simulateCmd.Flags().StringVar(&simVersion, "fw-version", "0.0.0", "Reported firmware version")
	simulateCmd.Flags().IntVar(&simFailChunks, "fail-chunks", 0, "Reject the first N chunks to exercise retries")
	rootCmd.AddCommand(simulateCmd)
}
