package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/erauner12/notesync/internal/conflict"
	"github.com/erauner12/notesync/internal/statusapi"
)

var (
	strategy   string
	waitResync bool
	acceptSide string

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show queue, view and connectivity state of the running agent",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return callAgent(http.MethodGet, "/status", nil)
		},
	}

	conflictsCmd = &cobra.Command{
		Use:   "conflicts",
		Short: "List open conflicts",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return callAgent(http.MethodGet, "/conflicts", nil)
		},
	}

	resolveCmd = &cobra.Command{
		Use:   "resolve [conflict-id]",
		Short: "Resolve a conflict keeping the local or the server version",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			res := conflict.Resolution{Strategy: conflict.Strategy(strategy)}
			return callAgent(http.MethodPost, "/conflicts/"+url.PathEscape(args[0])+"/resolve", res)
		},
	}

	acceptAllCmd = &cobra.Command{
		Use:   "accept-all",
		Short: "Resolve every open conflict in favour of one side",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return callAgent(http.MethodPost, "/conflicts/accept-all?side="+url.QueryEscape(acceptSide), nil)
		},
	}

	resyncCmd = &cobra.Command{
		Use:   "resync",
		Short: "Replace the local cache with the server's current state",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			path := "/resync"
			if waitResync {
				path += "?wait=true"
			}
			return callAgent(http.MethodPost, path, nil)
		},
	}

	retryCmd = &cobra.Command{
		Use:   "retry [op-id]",
		Short: "Retry a failed operation now",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return callAgent(http.MethodPost, "/ops/"+url.PathEscape(args[0])+"/retry", nil)
		},
	}
)

func init() {
	resolveCmd.Flags().StringVar(&strategy, "strategy", string(conflict.KeepLocal), "keep_local or keep_remote")
	acceptAllCmd.Flags().StringVar(&acceptSide, "side", "remote", "local or remote")
	conflictsCmd.AddCommand(resolveCmd, acceptAllCmd)
	resyncCmd.Flags().BoolVar(&waitResync, "wait", false, "block until the resync completes")
}

// callAgent sends a request to the running agent's status API and prints the
// JSON reply
func callAgent(method, path string, body any) error {
	cfg, err := loadUnvalidated()
	if err != nil {
		return err
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, "http://"+cfg.StatusAddr+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 2 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("agent not reachable at %s: %w", cfg.StatusAddr, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var e statusapi.ErrorResponse
		if json.Unmarshal(raw, &e) == nil && e.Message != "" {
			return fmt.Errorf("%s: %s", e.Error, e.Message)
		}
		return fmt.Errorf("agent returned %d", resp.StatusCode)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		fmt.Println(resp.Status)
		return nil
	}
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		_, err = os.Stdout.Write(raw)
		return err
	}
	out.WriteByte('\n')
	_, err = out.WriteTo(os.Stdout)
	return err
}
