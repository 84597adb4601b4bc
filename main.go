// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 FlashUp Project
//
// FlashUp - firmware update tool for embedded devices.

package main

import (
	"os"

	"github.com/flashup/flashup/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
