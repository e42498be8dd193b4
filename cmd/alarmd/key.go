package main

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/benaskins/alarmd/internal/aes128"
	"github.com/benaskins/alarmd/internal/audit"
	"github.com/benaskins/alarmd/internal/keychain"
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage push identifier keys in the keychain",
}

// openKeyStore opens the keychain with audit logging as the cli actor. The
// returned func closes the audit log.
func openKeyStore() (*keychain.AuditedStore, func(), error) {
	home, err := alarmdHome()
	if err != nil {
		return nil, nil, fmt.Errorf("finding home dir: %w", err)
	}
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating %s: %w", home, err)
	}
	auditLog, err := audit.NewLogger(defaultAuditPath())
	if err != nil {
		return nil, nil, err
	}
	metadata, err := keychain.NewMetadataStore(defaultMetadataPath())
	if err != nil {
		auditLog.Close()
		return nil, nil, err
	}
	store := keychain.NewAuditedStore(keychain.Open(home), auditLog, metadata, "cli")
	return store, func() { auditLog.Close() }, nil
}

// decodeKey parses a base64 session key and checks its length.
func decodeKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("key is not valid base64: %w", err)
	}
	if len(key) != aes128.KeyLength {
		return nil, fmt.Errorf("key is %d bytes: %w", len(key), aes128.ErrInvalidKeyLength)
	}
	return key, nil
}

// readKeyText returns the key from args, a hidden terminal prompt or stdin.
func readKeyText(args []string, stdin *os.File) (string, error) {
	if len(args) == 2 {
		return args[1], nil
	}
	if term.IsTerminal(int(stdin.Fd())) {
		fmt.Print("Enter base64 key: ")
		b, err := term.ReadPassword(int(stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("reading key: %w", err)
		}
		return string(b), nil
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}

var keySetCmd = &cobra.Command{
	Use:   "set <element-id> [base64-key]",
	Short: "Store a push identifier key",
	Long:  "Store a key. If the key is omitted, it is read from a hidden prompt or stdin (useful for piping).",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := readKeyText(args, os.Stdin)
		if err != nil {
			return err
		}
		key, err := decodeKey(text)
		if err != nil {
			return err
		}

		store, done, err := openKeyStore()
		if err != nil {
			return err
		}
		defer done()

		if err := store.StoreKey(args[0], key); err != nil {
			return err
		}
		fmt.Printf("Key %q stored\n", args[0])
		return nil
	},
}

var keyGetCmd = &cobra.Command{
	Use:   "get <element-id>",
	Short: "Print a push identifier key as base64",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, done, err := openKeyStore()
		if err != nil {
			return err
		}
		defer done()

		key, err := store.GetKey(args[0])
		if err != nil {
			return err
		}
		fmt.Println(base64.StdEncoding.EncodeToString(key))
		return nil
	},
}

var keyListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List stored keys",
	Aliases: []string{"ls"},
	RunE: func(cmd *cobra.Command, args []string) error {
		store, done, err := openKeyStore()
		if err != nil {
			return err
		}
		defer done()

		ids, err := store.List()
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Println("No keys stored")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tUPDATED")
		for _, id := range ids {
			updated := "-"
			if meta := store.Metadata().Get(id); meta != nil {
				updated = meta.UpdatedAt.Local().Format(time.DateTime)
			}
			fmt.Fprintf(w, "%s\t%s\n", id, updated)
		}
		return w.Flush()
	},
}

var keyDeleteCmd = &cobra.Command{
	Use:     "delete <element-id>",
	Short:   "Remove a key from the keychain",
	Aliases: []string{"rm"},
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, done, err := openKeyStore()
		if err != nil {
			return err
		}
		defer done()

		if err := store.DeleteKey(args[0]); err != nil {
			return err
		}
		fmt.Printf("Key %q deleted\n", args[0])
		return nil
	},
}

func init() {
	keyCmd.AddCommand(keySetCmd)
	keyCmd.AddCommand(keyGetCmd)
	keyCmd.AddCommand(keyListCmd)
	keyCmd.AddCommand(keyDeleteCmd)
	rootCmd.AddCommand(keyCmd)
}
