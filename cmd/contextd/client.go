package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/contextd/contextd/internal/ctxlog"
	"github.com/contextd/contextd/internal/tools"
)

const defaultServerURL = "http://127.0.0.1:8787"

// apiClient talks to a running daemon over its local HTTP API.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: strings.TrimSuffix(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) get(path string, out any) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return fmt.Errorf("is contextd running at %s? %w", c.base, err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func (c *apiClient) post(path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.http.Post(c.base+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("is contextd running at %s? %w", c.base, err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var failure struct {
			Error *tools.ToolError `json:"error"`
		}
		if json.Unmarshal(data, &failure) == nil && failure.Error != nil {
			return failure.Error
		}
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func buildToolsCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect and run tools on a running daemon",
	}
	cmd.PersistentFlags().StringVar(&serverURL, "server", defaultServerURL, "Base URL of the daemon")

	list := &cobra.Command{
		Use:   "list",
		Short: "List the tool catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Allowlist   []string           `json:"allowlist"`
				Descriptors []tools.Descriptor `json:"descriptors"`
			}
			if err := newAPIClient(serverURL).get("/api/tools", &out); err != nil {
				return err
			}
			allowed := make(map[string]bool, len(out.Allowlist))
			for _, name := range out.Allowlist {
				allowed[name] = true
			}
			for _, d := range out.Descriptors {
				mark := " "
				if allowed[d.Name] {
					mark = "*"
				}
				fmt.Printf("%s %-12s %s\n", mark, d.Name, d.Description)
			}
			fmt.Println("\n* allowlisted")
			return nil
		},
	}

	var argsJSON, convID string
	run := &cobra.Command{
		Use:   "run <name>",
		Short: "Run one tool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			toolArgs := map[string]any{}
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &toolArgs); err != nil {
					return fmt.Errorf("parse --args: %w", err)
				}
			}
			var out struct {
				OK     bool             `json:"ok"`
				Result string           `json:"result"`
				Error  *tools.ToolError `json:"error"`
			}
			err := newAPIClient(serverURL).post("/api/tools/run", map[string]any{
				"name":    args[0],
				"args":    toolArgs,
				"conv_id": convID,
			}, &out)
			if err != nil {
				return err
			}
			// Tool failures ride in the envelope with status 200.
			if !out.OK {
				if out.Error != nil {
					return out.Error
				}
				return fmt.Errorf("tool run failed")
			}
			fmt.Println(out.Result)
			return nil
		},
	}
	run.Flags().StringVar(&argsJSON, "args", "", "Tool arguments as a JSON object")
	run.Flags().StringVar(&convID, "conv", "", "Conversation id for the audit trail")

	cmd.AddCommand(list, run)
	return cmd
}

func buildTailCmd() *cobra.Command {
	var (
		serverURL string
		n         int
		convID    string
		acts      []string
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events from the context log",
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			query.Set("n", strconv.Itoa(n))
			if convID != "" {
				query.Set("conv_id", convID)
			}
			if len(acts) > 0 {
				query.Set("acts", strings.Join(acts, ","))
			}

			var out struct {
				Events []ctxlog.Event `json:"events"`
			}
			if err := newAPIClient(serverURL).get("/api/ctx/tail?"+query.Encode(), &out); err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				for _, e := range out.Events {
					if err := enc.Encode(e); err != nil {
						return err
					}
				}
				return nil
			}
			for _, e := range out.Events {
				printEvent(e)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", defaultServerURL, "Base URL of the daemon")
	cmd.Flags().IntVarP(&n, "number", "n", 20, "How many events to show")
	cmd.Flags().StringVar(&convID, "conv", "", "Filter by conversation id")
	cmd.Flags().StringSliceVar(&acts, "acts", nil, "Filter by act verbs")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw event JSON, one per line")
	return cmd
}

func printEvent(e ctxlog.Event) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %-22s", e.TS.Format(time.RFC3339), e.Act)
	if e.Name != "" {
		fmt.Fprintf(&b, " %s", e.Name)
	}
	if e.Status != "" {
		fmt.Fprintf(&b, " status=%s", e.Status)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, " reason=%s", e.Reason)
	}
	if e.QualityScore != nil {
		fmt.Fprintf(&b, " score=%.2f", *e.QualityScore)
	}
	if e.ConvID != "" {
		fmt.Fprintf(&b, " conv=%s", e.ConvID)
	}
	fmt.Println(b.String())
}
