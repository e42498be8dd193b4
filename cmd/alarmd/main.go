package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "alarmd",
	Short: "Calendar alarm and mail notification daemon",
	Long: `alarmd keeps encrypted calendar alarms from the mail server scheduled as
local notifications, and listens on the server's event stream for changes.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().Bool("json", false, "print machine-readable JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
