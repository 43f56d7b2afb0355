package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/zsprackett/tabsync/internal/db"
	"github.com/zsprackett/tabsync/internal/relay"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show channels on the relay",
	Long:  `List the live channels on the relay with their peers and journalled activity.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().String("relay", "", "relay URL, e.g. http://127.0.0.1:8090")
}

type statusResponse struct {
	Channels []relay.ChannelInfo  `json:"channels"`
	Activity []db.ChannelActivity `json:"activity"`
	// JournalModified is ms since epoch, zero when the relay runs without a journal.
	JournalModified int64 `json:"journal_modified"`
}

// apiURL turns a relay URL in any accepted scheme into the http(s) URL of path.
func apiURL(relayURL, path string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}

func fetchStatus(ctx context.Context, relayURL string) (statusResponse, error) {
	var resp statusResponse
	target, err := apiURL(relayURL, "/api/channels")
	if err != nil {
		return resp, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return resp, err
	}
	httpResp, err := http.DefaultClient.Do(req)
	if err != nil {
		return resp, fmt.Errorf("query relay: %w", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return resp, fmt.Errorf("query relay: unexpected status %s", httpResp.Status)
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return resp, fmt.Errorf("decode relay status: %w", err)
	}
	return resp, nil
}

func printStatus(w io.Writer, resp statusResponse, now time.Time) {
	if len(resp.Channels) == 0 && len(resp.Activity) == 0 {
		fmt.Fprintln(w, "No channels")
		return
	}

	activity := make(map[string]db.ChannelActivity, len(resp.Activity))
	for _, a := range resp.Activity {
		activity[a.Channel] = a
	}
	peers := make(map[string]relay.ChannelInfo, len(resp.Channels))
	for _, c := range resp.Channels {
		peers[c.Name] = c
	}

	names := make([]string, 0, len(peers)+len(activity))
	for _, c := range resp.Channels {
		names = append(names, c.Name)
	}
	for _, a := range resp.Activity {
		if _, live := peers[a.Channel]; !live {
			names = append(names, a.Channel)
		}
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CHANNEL\tPEERS\tCONTEXTS\tEVENTS\tLAST ACTIVITY")
	for _, name := range names {
		last := "-"
		events := "-"
		if a, ok := activity[name]; ok {
			last = humanize.RelTime(a.LastEvent, now, "ago", "from now")
			events = humanize.Comma(int64(a.Events))
		}
		c := peers[name]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", name, c.Peers, len(c.Tokens), events, last)
	}
	tw.Flush()

	if resp.JournalModified > 0 {
		modified := time.UnixMilli(resp.JournalModified)
		fmt.Fprintf(w, "Journal updated %s\n", humanize.RelTime(modified, now, "ago", "from now"))
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	overrideString(cmd, "relay", &cfg.Client.RelayURL)

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	resp, err := fetchStatus(ctx, cfg.Client.RelayURL)
	if err != nil {
		return err
	}
	printStatus(cmd.OutOrStdout(), resp, time.Now())
	return nil
}
