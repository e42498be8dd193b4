//go:build darwin

package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/benaskins/alarmd/internal/config"
)

func launchAgentPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("finding home dir: %w", err)
	}
	return filepath.Join(home, "Library", "LaunchAgents", launchAgentLabel+".plist"), nil
}

func launchDomain() string {
	return "gui/" + strconv.Itoa(os.Getuid())
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install alarmd as a LaunchAgent (starts on login)",
	RunE: func(cmd *cobra.Command, args []string) error {
		binary, err := os.Executable()
		if err != nil {
			return fmt.Errorf("finding binary path: %w", err)
		}
		binary, err = filepath.EvalSymlinks(binary)
		if err != nil {
			return fmt.Errorf("resolving binary path: %w", err)
		}

		cfgPath, _ := cmd.Flags().GetString("config")
		if _, err := config.Load(cfgPath); err != nil {
			return fmt.Errorf("refusing to install with an invalid config: %w", err)
		}

		plistPath, err := launchAgentPath()
		if err != nil {
			return err
		}
		logPath := homePath("daemon.log")

		if err := os.MkdirAll(filepath.Dir(plistPath), 0755); err != nil {
			return fmt.Errorf("creating LaunchAgents dir: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(logPath), 0700); err != nil {
			return fmt.Errorf("creating log dir: %w", err)
		}
		if err := os.WriteFile(plistPath, []byte(launchAgentPlist(binary, cfgPath, logPath)), 0644); err != nil {
			return fmt.Errorf("writing plist: %w", err)
		}

		// Replace a previously bootstrapped agent; absent is fine.
		_ = exec.Command("launchctl", "bootout", launchDomain(), plistPath).Run()
		if out, err := exec.Command("launchctl", "bootstrap", launchDomain(), plistPath).CombinedOutput(); err != nil {
			return fmt.Errorf("launchctl bootstrap: %w: %s", err, out)
		}

		fmt.Printf("Installed LaunchAgent: %s\n", plistPath)
		fmt.Printf("Binary: %s\n", binary)
		fmt.Printf("Logs: %s\n", logPath)
		fmt.Println("alarmd daemon will start now and on every login.")
		return nil
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Uninstall the alarmd LaunchAgent",
	RunE: func(cmd *cobra.Command, args []string) error {
		plistPath, err := launchAgentPath()
		if err != nil {
			return err
		}

		_ = exec.Command("launchctl", "bootout", launchDomain(), plistPath).Run()

		if err := os.Remove(plistPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing plist: %w", err)
		}

		fmt.Println("Uninstalled alarmd LaunchAgent.")
		fmt.Println("Pending notifications stop until the daemon is started again.")
		return nil
	},
}

func init() {
	installCmd.Flags().String("config", config.DefaultPath(), "config file passed to the daemon")
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
}
