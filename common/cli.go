// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package common provides shared helpers for the swarmsync commands.
package common

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"charm.land/lipgloss/v2"
	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/colorprofile"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

// ExecuteWithFang runs cmd through fang with the version and error
// handling shared by every swarmsync command, and exits non-zero on
// failure.
func ExecuteWithFang(cmd *cobra.Command) {
	opts := []fang.Option{
		fang.WithVersion(versioninfo.Short()),
		fang.WithErrorHandler(ErrorHandlerWithUsage(cmd)),
	}
	if err := fang.Execute(context.Background(), cmd, opts...); err != nil {
		os.Exit(1)
	}
}

// ErrorHandlerWithUsage prints err, followed by the usage of cmd when err
// is a command line mistake, or a pointer to --help otherwise.
func ErrorHandlerWithUsage(cmd *cobra.Command) fang.ErrorHandler {
	return func(w io.Writer, styles fang.Styles, err error) {
		lines := []string{
			styles.ErrorHeader.String(),
			styles.ErrorText.Render(err.Error() + "."),
			"",
		}
		for _, l := range lines {
			_, _ = fmt.Fprintln(w, l)
		}
		if IsUsageError(err) {
			printUsage(w, cmd)
			return
		}
		_, _ = fmt.Fprintln(w, tryHelp(styles))
		_, _ = fmt.Fprintln(w)
	}
}

func printUsage(w io.Writer, cmd *cobra.Command) {
	help := cmd.HelpFunc()
	if help == nil {
		return
	}
	_ = colorprofile.NewWriter(w, nil)
	help(cmd, nil)
}

func tryHelp(styles fang.Styles) string {
	text := styles.ErrorText.UnsetWidth()
	return lipgloss.JoinHorizontal(
		lipgloss.Left,
		text.Render("Try"),
		styles.Program.Flag.Render("--help"),
		text.UnsetMargins().UnsetTransform().PaddingLeft(1).Render("for usage."),
	)
}

// IsUsageError returns true if err was caused by how the command was
// invoked rather than by what it did.
func IsUsageError(err error) bool {
	s := err.Error()
	for _, needle := range usageErrors {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}

// usageErrors are fragments of cobra, pflag and swarmsyncd errors caused
// by a bad invocation.
var usageErrors = []string{
	"flag needs an argument:",
	"unknown flag:",
	"unknown shorthand flag:",
	"unknown command",
	"invalid argument",
	"required flag",
	"accepts",
	"arg(s), received",
	"failed to load config file",
	"config file must be specified",
	"payload must be",
}
