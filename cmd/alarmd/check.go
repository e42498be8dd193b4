package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/benaskins/alarmd/internal/config"
)

type checkResult struct {
	Path     string `json:"path"`
	Valid    bool   `json:"valid"`
	Notifier string `json:"notifier,omitempty"`
	TimeZone string `json:"time_zone,omitempty"`
	Database string `json:"database,omitempty"`
	Error    string `json:"error,omitempty"`
}

var checkCmd = &cobra.Command{
	Use:   "check [config]",
	Short: "Validate a config file",
	Long:  "Parse and validate the daemon config. Checks the given file or the default (~/.alarmd/config.yaml).",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	target := config.DefaultPath()
	if len(args) > 0 {
		target = args[0]
		if _, err := os.Stat(target); err != nil {
			return fmt.Errorf("cannot access %s: %w", target, err)
		}
	}

	result := checkConfig(target)
	if jsonOutput(cmd) {
		if err := printJSON(result); err != nil {
			return err
		}
	} else if result.Valid {
		zone := result.TimeZone
		if zone == "" {
			zone = "local"
		}
		fmt.Printf("OK    %s (notifier %s, zone %s)\n", result.Path, result.Notifier, zone)
	} else {
		fmt.Fprintf(os.Stderr, "FAIL  %s\n      %v\n", result.Path, result.Error)
	}

	if !result.Valid {
		return fmt.Errorf("config failed validation")
	}
	return nil
}

func checkConfig(path string) checkResult {
	cfg, err := config.Load(path)
	if err != nil {
		return checkResult{Path: path, Error: err.Error()}
	}
	return checkResult{
		Path:     path,
		Valid:    true,
		Notifier: cfg.Notifier,
		TimeZone: cfg.TimeZone,
		Database: cfg.Database,
	}
}
