package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/arzzra/hasip/pkg/status"
)

func stateCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Show active calls of a running bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := fetchState(cmd.Context(), statusURL(v.GetString("status_addr")))
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			renderState(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	return cmd
}

// statusURL адрес /state по адресу прослушивания сервера
func statusURL(addr string) string {
	if strings.Contains(addr, "://") {
		return strings.TrimRight(addr, "/") + "/state"
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr + "/state"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + "/state"
}

func fetchState(ctx context.Context, url string) (status.State, error) {
	var st status.State
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return st, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return st, errors.Wrap(err, "status server")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return st, errors.Errorf("status server: %s", resp.Status)
	}
	return st, errors.Wrap(json.NewDecoder(resp.Body).Decode(&st), "decode state")
}

func renderState(w io.Writer, st status.State) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"#", "Caller ID"})
	for i, id := range st.ActiveCalls {
		tw.AppendRow(table.Row{i + 1, id})
	}
	tw.AppendFooter(table.Row{"", fmt.Sprintf("%d active", st.Count)})
	tw.Render()

	if len(st.Accounts) == 0 {
		return
	}
	aw := table.NewWriter()
	aw.SetOutputMirror(w)
	aw.AppendHeader(table.Row{"Account", "Registered"})
	for _, a := range st.Accounts {
		aw.AppendRow(table.Row{fmt.Sprintf("SIP%d", a.Index), a.Registered})
	}
	aw.Render()
}
