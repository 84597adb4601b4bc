// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 FlashUp Project

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flashup/flashup/pkg/config"
	"github.com/flashup/flashup/pkg/eventloop"
	"github.com/flashup/flashup/pkg/flashup"
)

var discoverShowCached bool

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List reachable devices",
	Long: `Scans serial ports and configured network targets and prints every
device found. Network targets come from FLASHUP_NETWORK_TARGETS.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		loop := eventloop.New()
		defer loop.Close()

		core := flashup.New(loop, cfg)
		defer core.Close()

		list := core.DiscoverDevices()
		if len(list) == 0 {
			fmt.Println(render(dimStyle, "No devices found."))
		}
		for _, dev := range list {
			fmt.Printf("%s  %s\n", render(labelStyle, dev.ID), render(dimStyle, dev.Info["type"]))
			if addr := dev.Info["address"]; addr != "" {
				fmt.Printf("    %s %s\n", render(dimStyle, "address:"), addr)
			}
			if port := dev.Info["port"]; port != "" {
				fmt.Printf("    %s %s\n", render(dimStyle, "port:"), port)
			}
		}

		if !discoverShowCached {
			return nil
		}
		cached, err := core.CachedDevices()
		if err != nil {
			return err
		}
		current := map[string]bool{}
		for _, dev := range list {
			current[dev.ID] = true
		}
		for _, c := range cached {
			if current[c.ID] {
				continue
			}
			fmt.Printf("%s  %s\n", render(dimStyle, c.ID),
				render(dimStyle, fmt.Sprintf("(cached, last seen %s)", c.LastSeen.Format("2006-01-02 15:04"))))
		}
		return nil
	},
}

func init() {
	discoverCmd.Flags().BoolVar(&discoverShowCached, "cached", false, "Also show devices remembered from previous runs")
	rootCmd.AddCommand(discoverCmd)
}
