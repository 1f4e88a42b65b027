package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/helsinki-systems/fc-nixos/pkg/activity"
	"github.com/helsinki-systems/fc-nixos/pkg/request"
)

const shortIDLength = 8

func (a *app) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active requests in execution order",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), func(ctx context.Context, e *env) error {
				renderList(a.stdout, e.mgr.Requests())
				return nil
			})
		},
	}
}

func (a *app) showCmd() *cobra.Command {
	var dumpYAML bool
	cmd := &cobra.Command{
		Use:   "show [REQUEST-ID]",
		Short: "Show the newest request matching the id prefix",
		Args:  usageArgs(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			return a.withSession(cmd.Context(), func(ctx context.Context, e *env) error {
				req, matches := e.mgr.Show(prefix)
				if req == nil {
					fmt.Fprintln(a.stdout, "no matching request")
					return nil
				}
				if matches > 1 {
					fmt.Fprintf(a.stdout, "%d requests match, showing the newest\n", matches)
				}
				if dumpYAML {
					data, err := os.ReadFile(req.Filename())
					if err != nil {
						return err
					}
					_, err = a.stdout.Write(data)
					return err
				}
				renderRequest(a.stdout, req)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dumpYAML, "dump-yaml", false, "print the stored request file")
	return cmd
}

func renderList(w io.Writer, reqs []*request.Request) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"ID", "State", "Due", "Estimate", "Activity", "Comment"})
	for _, req := range reqs {
		tw.AppendRow(table.Row{
			shortID(req.ID()),
			req.State(),
			formatTime(req.NextDue),
			req.Estimate.String(),
			describe(req.Activity()),
			req.Comment,
		})
	}
	tw.Style().Format.Footer = text.FormatDefault
	tw.AppendFooter(table.Row{fmt.Sprintf("%d requests", len(reqs))})
	tw.Render()
}

func renderRequest(w io.Writer, req *request.Request) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendRows([]table.Row{
		{"ID", req.ID()},
		{"State", req.State()},
		{"Activity", describe(req.Activity())},
		{"Comment", req.Comment},
		{"Estimate", req.Estimate.String()},
		{"Added", formatTime(req.AddedAt)},
		{"Due", formatTime(req.NextDue)},
		{"Last scheduled", formatTime(req.LastScheduledAt)},
		{"Directory", req.Dir()},
	})
	if others := req.OtherRequests(); len(others) > 0 {
		ids := make([]string, 0, len(others))
		for _, other := range others {
			ids = append(ids, shortID(other.ID()))
		}
		tw.AppendRow(table.Row{"Other requests", strings.Join(ids, ", ")})
	}
	tw.Render()

	if len(req.Attempts) == 0 {
		return
	}
	at := table.NewWriter()
	at.SetOutputMirror(w)
	at.SetStyle(table.StyleLight)
	at.AppendHeader(table.Row{"#", "Started", "Duration", "Exit", "Output"})
	for i, attempt := range req.Attempts {
		at.AppendRow(table.Row{
			i + 1,
			formatTime(attempt.Started),
			time.Duration(attempt.Duration * float64(time.Second)).Round(time.Millisecond),
			attempt.ReturnCode,
			lastLine(attempt.Stdout + attempt.Stderr),
		})
	}
	at.Render()
}

func describe(act activity.Activity) string {
	if act == nil {
		return ""
	}
	return act.Describe()
}

func shortID(id string) string {
	if len(id) > shortIDLength {
		return id[:shortIDLength]
	}
	return id
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04 MST")
}

func lastLine(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.LastIndexByte(text, '\n'); i >= 0 {
		return text[i+1:]
	}
	return text
}
