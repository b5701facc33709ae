// Package main is the shortlinkerctl command line client. It speaks the
// control protocol to a running shortlinker server over the local socket.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/shortlinker/shortlinker/internal/ipc"
	"github.com/shortlinker/shortlinker/internal/model"
	"github.com/shortlinker/shortlinker/internal/reload"
)

var (
	socketPath  string
	callTimeout time.Duration
)

func main() {
	root := &cobra.Command{
		Use:           "shortlinkerctl",
		Short:         "Control a running shortlinker server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", ipc.DefaultEndpoint,
		"control socket path (named pipe on Windows)")
	root.PersistentFlags().DurationVar(&callTimeout, "timeout", ipc.DefaultCallTimeout,
		"per-command timeout")

	root.AddCommand(
		pingCmd(),
		statusCmd(),
		shutdownCmd(),
		reloadCmd(),
		addCmd(),
		removeCmd(),
		updateCmd(),
		getCmd(),
		listCmd(),
		statsCmd(),
		importCmd(),
		exportCmd(),
		configCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// call dials the server, runs one command and decodes its answer into out.
// A nil out discards the payload.
func call(command string, data, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	client, err := ipc.DialClient(ctx, socketPath)
	if err != nil {
		return fmt.Errorf("connect to %s (is the server running?): %w", socketPath, err)
	}
	defer client.Close()
	client.SetCallTimeout(callTimeout)

	resp, err := client.Call(ctx, command, data)
	if err != nil {
		var cmdErr *ipc.CommandError
		if errors.As(err, &cmdErr) {
			return fmt.Errorf("%s: %s", cmdErr.Code, cmdErr.Message)
		}
		return err
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check the server is alive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var pong ipc.PongResponse
			if err := call(ipc.CmdPing, nil, &pong); err != nil {
				return err
			}
			fmt.Printf("pong: version %s, up %s\n",
				pong.Version, (time.Duration(pong.UptimeSecs) * time.Second).String())
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server status and reload history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var st ipc.StatusResponse
			if err := call(ipc.CmdGetStatus, nil, &st); err != nil {
				return err
			}
			fmt.Printf("version:        %s\n", st.Version)
			fmt.Printf("uptime:         %s\n", (time.Duration(st.UptimeSecs) * time.Second).String())
			fmt.Printf("links:          %d\n", st.LinksCount)
			fmt.Printf("pending clicks: %d\n", st.PendingClicks)
			fmt.Printf("reloading:      %v\n", st.IsReloading)
			printReload("last data reload", st.LastDataReload)
			printReload("last config reload", st.LastConfigReload)
			return nil
		},
	}
}

func printReload(label string, r *reload.Result) {
	if r == nil {
		fmt.Printf("%s: never\n", label)
		return
	}
	outcome := "ok"
	if !r.Success {
		outcome = "failed: " + r.Error
	}
	fmt.Printf("%s: %s (%.1fms at %s)\n",
		label, outcome, r.DurationMs, r.FinishedAt.Local().Format(time.RFC3339))
}

func shutdownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Ask the server to shut down gracefully",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := call(ipc.CmdShutdown, nil, nil); err != nil {
				return err
			}
			fmt.Println("server is shutting down")
			return nil
		},
	}
}

func reloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "reload [data|config|all]",
		Short:     "Refresh the in-memory catalog, runtime config, or both",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"data", "config", "all"},
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "all"
			if len(args) == 1 {
				target = args[0]
			}
			var res ipc.ReloadResponse
			if err := call(ipc.CmdReload, ipc.ReloadRequest{Target: target}, &res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("reload %s failed: %s", res.Target, res.Message)
			}
			fmt.Printf("reloaded %s in %.1fms\n", res.Target, res.DurationMs)
			return nil
		},
	}
}

func addCmd() *cobra.Command {
	var (
		code      string
		force     bool
		expiresAt string
		password  string
	)
	cmd := &cobra.Command{
		Use:   "add <target-url>",
		Short: "Create a short link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := ipc.AddLinkRequest{
				Code:     code,
				Target:   args[0],
				Force:    force,
				Password: password,
			}
			if expiresAt != "" {
				t, err := time.Parse(time.RFC3339, expiresAt)
				if err != nil {
					return fmt.Errorf("parse --expires-at: %w", err)
				}
				req.ExpiresAt = &t
			}
			var res ipc.LinkCreatedResponse
			if err := call(ipc.CmdAddLink, req, &res); err != nil {
				return err
			}
			if res.GeneratedCode {
				fmt.Printf("created %s -> %s (generated code)\n", res.Link.Code, res.Link.Target)
			} else {
				fmt.Printf("created %s -> %s\n", res.Link.Code, res.Link.Target)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "short code (generated when omitted)")
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing link under the same code")
	cmd.Flags().StringVar(&expiresAt, "expires-at", "", "expiry timestamp, RFC3339")
	cmd.Flags().StringVar(&password, "password", "", "protect the link with a password")
	return cmd
}

func removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <code>",
		Short: "Delete a short link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res ipc.LinkDeletedResponse
			if err := call(ipc.CmdRemoveLink, ipc.RemoveLinkRequest{Code: args[0]}, &res); err != nil {
				return err
			}
			fmt.Printf("removed %s\n", res.Code)
			return nil
		},
	}
}

func updateCmd() *cobra.Command {
	var (
		expiresAt string
		password  string
	)
	cmd := &cobra.Command{
		Use:   "update <code> <target-url>",
		Short: "Rewrite an existing link's target, expiry and password",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := ipc.UpdateLinkRequest{
				Code:     args[0],
				Target:   args[1],
				Password: password,
			}
			if expiresAt != "" {
				t, err := time.Parse(time.RFC3339, expiresAt)
				if err != nil {
					return fmt.Errorf("parse --expires-at: %w", err)
				}
				req.ExpiresAt = &t
			}
			var res ipc.LinkUpdatedResponse
			if err := call(ipc.CmdUpdateLink, req, &res); err != nil {
				return err
			}
			fmt.Printf("updated %s -> %s\n", res.Link.Code, res.Link.Target)
			return nil
		},
	}
	cmd.Flags().StringVar(&expiresAt, "expires-at", "", "expiry timestamp, RFC3339 (omit to clear)")
	cmd.Flags().StringVar(&password, "password", "", "replace the link password (omit to keep)")
	return cmd
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <code>",
		Short: "Show one link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res ipc.LinkFoundResponse
			if err := call(ipc.CmdGetLink, ipc.GetLinkRequest{Code: args[0]}, &res); err != nil {
				return err
			}
			if res.Link == nil {
				return fmt.Errorf("link %q not found", args[0])
			}
			printLink(res.Link)
			return nil
		},
	}
}

func printLink(l *model.Link) {
	fmt.Printf("code:       %s\n", l.Code)
	fmt.Printf("target:     %s\n", l.Target)
	fmt.Printf("created:    %s\n", l.CreatedAt.Local().Format(time.RFC3339))
	if l.ExpiresAt != nil {
		fmt.Printf("expires:    %s\n", l.ExpiresAt.Local().Format(time.RFC3339))
	} else {
		fmt.Printf("expires:    never\n")
	}
	fmt.Printf("protected:  %v\n", l.HasPassword())
	fmt.Printf("clicks:     %d\n", l.ClickCount)
}

func listCmd() *cobra.Command {
	var (
		page     int
		pageSize int
		search   string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List links, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := ipc.ListLinksRequest{Page: page, PageSize: pageSize, Search: search}
			var res ipc.LinkListResponse
			if err := call(ipc.CmdListLinks, req, &res); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CODE\tTARGET\tCLICKS\tEXPIRES")
			for _, l := range res.Links {
				expires := "never"
				if l.ExpiresAt != nil {
					expires = l.ExpiresAt.Local().Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", l.Code, truncate(l.Target, 60), l.ClickCount, expires)
			}
			w.Flush()
			fmt.Printf("page %d of %d links total\n", res.Page, res.Total)
			return nil
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&pageSize, "page-size", 20, "links per page")
	cmd.Flags().StringVar(&search, "search", "", "filter by substring of code or target")
	return cmd
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show catalog totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var res ipc.StatsResponse
			if err := call(ipc.CmdGetLinkStats, nil, &res); err != nil {
				return err
			}
			fmt.Printf("links:  %d (%d active)\n", res.TotalLinks, res.ActiveLinks)
			fmt.Printf("clicks: %d\n", res.TotalClicks)
			return nil
		},
	}
}

func importCmd() *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "import <file.json>",
		Short: "Bulk-load links from a JSON export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var links []*model.Link
			if err := json.Unmarshal(data, &links); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			req := ipc.ImportLinksRequest{Links: links, Overwrite: overwrite}
			var res ipc.ImportResponse
			if err := call(ipc.CmdImportLinks, req, &res); err != nil {
				return err
			}
			fmt.Printf("imported %d, failed %d\n", res.Success, res.Failed)
			for _, e := range res.Errors {
				fmt.Printf("  %s: %s\n", e.Code, e.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace links whose codes already exist")
	return cmd
}

func exportCmd() *cobra.Command {
	var outFile string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Dump every link as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var res ipc.ExportResponse
			if err := call(ipc.CmdExportLinks, nil, &res); err != nil {
				return err
			}
			data, err := json.MarshalIndent(res.Links, "", "  ")
			if err != nil {
				return err
			}
			data = append(data, '\n')
			if outFile == "" || outFile == "-" {
				_, err = os.Stdout.Write(data)
				return err
			}
			if err := os.WriteFile(outFile, data, 0o600); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "wrote %d links to %s\n", len(res.Links), outFile)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outFile, "output", "o", "-", "output file (- for stdout)")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read and write runtime configuration",
	}
	cmd.AddCommand(configGetCmd(), configSetCmd())
	return cmd
}

func configGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [key]",
		Short: "Show runtime config entries (all when no key given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := ipc.GetConfigRequest{}
			if len(args) == 1 {
				req.Key = args[0]
			}
			var res ipc.ConfigResponse
			if err := call(ipc.CmdGetConfig, req, &res); err != nil {
				return err
			}
			sort.Slice(res.Entries, func(i, j int) bool { return res.Entries[i].Key < res.Entries[j].Key })
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tVALUE\tTYPE\tRESTART")
			for _, e := range res.Entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", e.Key, e.Value, e.ValueType, e.RequiresRestart)
			}
			return w.Flush()
		},
	}
}

func configSetCmd() *cobra.Command {
	var (
		valueType string
		sensitive bool
	)
	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Write one runtime config entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := ipc.SetConfigRequest{
				Key:         args[0],
				Value:       args[1],
				ValueType:   strings.ToLower(valueType),
				IsSensitive: sensitive,
			}
			var res ipc.ConfigResponse
			if err := call(ipc.CmdSetConfig, req, &res); err != nil {
				return err
			}
			fmt.Printf("set %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&valueType, "type", "string", "value type: string, int, uint64 or bool")
	cmd.Flags().BoolVar(&sensitive, "sensitive", false, "redact the value in status output")
	return cmd
}
