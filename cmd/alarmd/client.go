package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/benaskins/alarmd/internal/aes128"
	"github.com/benaskins/alarmd/internal/alarm"
	"github.com/benaskins/alarmd/internal/api"
	"github.com/benaskins/alarmd/internal/notify"
)

const apiBase = "http://alarmd"

func apiClient() *http.Client {
	socketPath := defaultSocketPath()
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
}

func apiDo(method, path string, body []byte, v any) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, apiBase+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := apiClient().Do(req)
	if err != nil {
		return fmt.Errorf("connecting to daemon: %w (is alarmd daemon running?)", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("API error %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("API error %d: %s", resp.StatusCode, raw)
	}

	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func apiGet(path string, v any) error {
	return apiDo(http.MethodGet, path, nil, v)
}

func apiPost(path string, body []byte) (map[string]any, error) {
	var result map[string]any
	if err := apiDo(http.MethodPost, path, body, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		var st api.HealthResponse
		if err := apiGet("/v1/health", &st); err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(st)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Status:\t%s\n", st.State)
		fmt.Fprintf(w, "Started:\t%s\n", formatTime(st.StartedAt))
		fmt.Fprintf(w, "Database:\t%s\n", st.Database)
		if st.Registered {
			fmt.Fprintf(w, "Users:\t%d\n", len(st.Users))
		} else {
			fmt.Fprintf(w, "Users:\tnot registered\n")
		}
		fmt.Fprintf(w, "Event stream:\t%s\n", map[bool]string{true: "connected", false: "disconnected"}[st.StreamConnected])
		fmt.Fprintf(w, "Pending:\t%d\n", st.Pending)
		fmt.Fprintf(w, "Last check:\t%s\n", formatTime(st.LastCheck))
		return w.Flush()
	},
}

// alarms command
var alarmsCmd = &cobra.Command{
	Use:   "alarms",
	Short: "List stored alarms and their next fire time",
	RunE: func(cmd *cobra.Command, args []string) error {
		var alarms []alarm.ScheduledAlarm
		if err := apiGet("/v1/alarms", &alarms); err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(alarms)
		}
		if len(alarms) == 0 {
			fmt.Println("No alarms")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ALARM\tUSER\tSUMMARY\tTRIGGER\tNEXT\tSCHEDULED")
		for _, a := range alarms {
			if a.Error != "" {
				fmt.Fprintf(w, "%s\t%s\t(error: %s)\t-\t-\t0\n", a.Identifier, a.User, a.Error)
				continue
			}
			next := "-"
			if a.NextFireAt != nil {
				next = formatTime(*a.NextFireAt)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n", a.Identifier, a.User, a.Summary, a.Trigger, next, a.Scheduled)
		}
		return w.Flush()
	},
}

// pending command
var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List notifications waiting to fire",
	RunE: func(cmd *cobra.Command, args []string) error {
		var pending []notify.Request
		if err := apiGet("/v1/pending", &pending); err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(pending)
		}
		if len(pending) == 0 {
			fmt.Println("No pending notifications")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tFIRES\tTITLE\tBODY")
		for _, p := range pending {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID, formatTime(p.FireAt), p.Title, p.Body)
		}
		return w.Flush()
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recently delivered notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("lines")
		var deliveries []notify.Delivery
		if err := apiGet("/v1/history?n="+strconv.Itoa(n), &deliveries); err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(deliveries)
		}
		if len(deliveries) == 0 {
			fmt.Println("Nothing delivered yet")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "DELIVERED\tID\tTITLE\tRESULT")
		for _, d := range deliveries {
			result := "ok"
			if d.Error != "" {
				result = d.Error
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", formatTime(d.DeliveredAt), d.ID, d.Title, result)
		}
		return w.Flush()
	},
}

// schedule command
var scheduleCmd = &cobra.Command{
	Use:   "schedule <file|->",
	Short: "Apply a missed-notification payload",
	Long:  "Read a missed-notification JSON payload from a file, or stdin with '-', and schedule its alarms.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			data []byte
			err  error
		)
		if args[0] == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(args[0])
		}
		if err != nil {
			return fmt.Errorf("reading payload: %w", err)
		}

		var mn alarm.MissedNotification
		if err := json.Unmarshal(data, &mn); err != nil {
			return fmt.Errorf("parsing payload: %w", err)
		}

		result, err := apiPost("/v1/alarms", data)
		if err != nil {
			return err
		}
		fmt.Printf("Applied %v alarm change(s), %v mail notification(s)\n", result["alarms"], result["mail"])
		return nil
	},
}

// fetch command
var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch missed notifications from the server now",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/v1/missed/fetch"
		if changeTime, _ := cmd.Flags().GetInt64("change-time"); changeTime > 0 {
			path += "?" + url.Values{"change_time": {strconv.FormatInt(changeTime, 10)}}.Encode()
		}
		if _, err := apiPost(path, nil); err != nil {
			return err
		}
		fmt.Println("Missed notifications fetched")
		return nil
	},
}

// reschedule command
var rescheduleCmd = &cobra.Command{
	Use:   "reschedule",
	Short: "Schedule every stored alarm again",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := apiPost("/v1/alarms/reschedule", nil); err != nil {
			return err
		}
		fmt.Println("Alarms rescheduled")
		return nil
	},
}

// unschedule command
var unscheduleCmd = &cobra.Command{
	Use:   "unschedule <userId>",
	Short: "Remove all alarms of a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiDo(http.MethodDelete, "/v1/users/"+url.PathEscape(args[0])+"/alarms", nil, nil); err != nil {
			return err
		}
		fmt.Printf("Alarms of %s removed\n", args[0])
		return nil
	},
}

// register command
var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a push identifier for a user",
	Long: `Store a push identifier's session key and add the user to the event stream
registration. With --generate, a missing identifier and key are created.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, generated, err := pushIdentifierFromFlags(cmd)
		if err != nil {
			return err
		}
		body, err := json.Marshal(p)
		if err != nil {
			return err
		}
		if _, err := apiPost("/v1/push-identifier", body); err != nil {
			return err
		}
		fmt.Printf("Registered %s for user %s\n", p.Identifier, p.UserID)
		if generated {
			fmt.Printf("Key: %s\n", base64.StdEncoding.EncodeToString(p.SessionKey))
		}
		return nil
	},
}

// pushIdentifierFromFlags builds a registration from the register flags. It
// reports whether the key was generated.
func pushIdentifierFromFlags(cmd *cobra.Command) (alarm.PushIdentifier, bool, error) {
	identifier, _ := cmd.Flags().GetString("identifier")
	user, _ := cmd.Flags().GetString("user")
	origin, _ := cmd.Flags().GetString("origin")
	elementID, _ := cmd.Flags().GetString("element-id")
	keyText, _ := cmd.Flags().GetString("key")
	generate, _ := cmd.Flags().GetBool("generate")

	p := alarm.PushIdentifier{Identifier: identifier, UserID: user, Origin: origin, ElementID: elementID}
	if generate {
		if p.Identifier == "" {
			p.Identifier = uuid.NewString()
		}
		if p.ElementID == "" {
			p.ElementID = uuid.NewString()
		}
	}
	if p.Identifier == "" || p.UserID == "" || p.Origin == "" || p.ElementID == "" {
		return p, false, fmt.Errorf("--identifier, --user, --origin and --element-id are required")
	}

	switch {
	case keyText != "":
		key, err := decodeKey(keyText)
		if err != nil {
			return p, false, err
		}
		p.SessionKey = key
		return p, false, nil
	case generate:
		key, err := aes128.GenerateKey()
		if err != nil {
			return p, false, err
		}
		p.SessionKey = key
		return p, true, nil
	default:
		return p, false, fmt.Errorf("--key is required unless --generate is set")
	}
}

func addRegisterFlags(cmd *cobra.Command) {
	cmd.Flags().String("identifier", "", "push identifier")
	cmd.Flags().String("user", "", "user id")
	cmd.Flags().String("origin", "", "event stream origin, e.g. https://mail.example.com")
	cmd.Flags().String("element-id", "", "push identifier element id, used as the key id")
	cmd.Flags().String("key", "", "base64 push identifier session key")
	cmd.Flags().Bool("generate", false, "generate a missing identifier, element id and key")
}

// reload command
var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload the daemon config",
	Long:  "Re-read the config file. Scheduling changes reschedule every stored alarm.",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := apiPost("/v1/reload", nil)
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(result)
		}
		if result["rescheduled"] == true {
			fmt.Println("Config reloaded, alarms rescheduled")
		} else {
			fmt.Println("Config reloaded, no scheduling changes")
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntP("lines", "n", 20, "number of deliveries to show")
	fetchCmd.Flags().Int64("change-time", 0, "server change time in milliseconds since epoch, recorded as the last check")

	addRegisterFlags(registerCmd)

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(alarmsCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(rescheduleCmd)
	rootCmd.AddCommand(unscheduleCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(reloadCmd)
}
