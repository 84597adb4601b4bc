// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 FlashUp Project

package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/flashup/flashup/pkg/device"
)

var (
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
)

// stdoutIsTTY reports whether styled output makes sense.
func stdoutIsTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// render applies style only when writing to a terminal.
func render(style lipgloss.Style, text string) string {
	if !stdoutIsTTY() {
		return text
	}
	return style.Render(text)
}

// printLog writes one event-bus log line, styled by level.
func printLog(minLevel, level device.LogLevel, message string) {
	if level < minLevel {
		return
	}
	switch level {
	case device.LevelError:
		fmt.Println(render(errStyle, "✗ "+message))
	case device.LevelWarning:
		fmt.Println(render(warnStyle, "! "+message))
	case device.LevelDebug:
		fmt.Println(render(dimStyle, "  "+message))
	default:
		fmt.Println(render(infoStyle, "  "+message))
	}
}
