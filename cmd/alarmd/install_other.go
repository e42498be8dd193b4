//go:build !darwin

package main

import (
	"errors"

	"github.com/spf13/cobra"
)

var errLaunchAgentUnsupported = errors.New("LaunchAgent installation is only available on macOS; run 'alarmd daemon' under your service manager instead")

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install alarmd as a LaunchAgent (macOS only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return errLaunchAgentUnsupported
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Uninstall the alarmd LaunchAgent (macOS only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return errLaunchAgentUnsupported
	},
}

func init() {
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
}
