package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/presencekit/errors"
	"github.com/vinayprograms/presencekit/presence"
)

const defaultServer = "http://localhost:8080"

// statusCmd queries a running engine over its status API.
var statusCmd = &cobra.Command{
	Use:   "status [device-id]",
	Short: "Show device status",
	Long: `Show the status of one device, or list every known device.

Example:
  presenced status
  presenced status lamp-1 --server http://presence.local:8080`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().String("server", defaultServer, "base URL of a running presenced")
}

func runStatus(cmd *cobra.Command, args []string) error {
	server, _ := cmd.Flags().GetString("server")
	client := &http.Client{Timeout: 10 * time.Second}
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		var list struct {
			Devices []string `json:"devices"`
			Count   int      `json:"count"`
		}
		if err := getJSON(client, strings.TrimRight(server, "/")+"/api/devices", &list); err != nil {
			return err
		}
		if list.Count == 0 {
			fmt.Fprintln(out, "no devices seen")
			return nil
		}
		for _, id := range list.Devices {
			fmt.Fprintln(out, id)
		}
		return nil
	}

	id := args[0]
	var snap presence.Snapshot
	err := getJSON(client, strings.TrimRight(server, "/")+"/api/devices/"+url.PathEscape(id), &snap)
	if errors.Is(err, errors.ErrCodeNotFound) {
		fmt.Fprintf(out, "%s: never seen\n", id)
		return nil
	}
	if err != nil {
		return err
	}
	printSnapshot(out, &snap)
	return nil
}

func printSnapshot(w io.Writer, s *presence.Snapshot) {
	status := presence.StatusOffline
	if s.Online {
		status = presence.StatusOnline
	}
	fmt.Fprintf(w, "%s: %s\n", s.ID, status)
	if s.LastCommunication != nil {
		fmt.Fprintf(w, "  last communication: %s\n", s.LastCommunication.UTC().Format(time.RFC3339))
	}
}

// getJSON fetches endpoint into v. Error bodies from the API are decoded back into
// *errors.Error so callers can branch on the code.
func getJSON(client *http.Client, endpoint string, v interface{}) error {
	resp, err := client.Get(endpoint)
	if err != nil {
		return errors.Wrap(err, "status request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr errors.Error
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Code() != "" {
			return &apiErr
		}
		return errors.Newf(errors.ErrCodeInternal, "unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
