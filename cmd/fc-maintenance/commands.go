package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/helsinki-systems/fc-nixos/pkg/activity"
	"github.com/helsinki-systems/fc-nixos/pkg/estimate"
	"github.com/helsinki-systems/fc-nixos/pkg/request"
	"github.com/helsinki-systems/fc-nixos/pkg/version"
)

func (a *app) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Schedule, execute, postpone and archive requests in one pass",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.newEnv()
			if err != nil {
				return err
			}
			defer e.close()
			res, err := e.mgr.RunPass(cmd.Context())
			if err != nil {
				return err
			}
			if res.Reboot != activity.RebootNone {
				fmt.Fprintf(a.stdout, "%s reboot issued\n", res.Reboot)
			}
			return nil
		},
	}
}

func (a *app) scheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Announce requests to the directory and fetch due times",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), func(ctx context.Context, e *env) error {
				return e.mgr.Schedule(ctx)
			})
		},
	}
}

func (a *app) executeCmd() *cobra.Command {
	var runAllNow bool
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Run due requests inside a maintenance window",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), func(ctx context.Context, e *env) error {
				return e.mgr.Execute(ctx, runAllNow)
			})
		},
	}
	cmd.Flags().BoolVar(&runAllNow, "run-all-now", false, "run every unfinished request regardless of its due time")
	return cmd
}

func (a *app) postponeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "postpone",
		Short: "Ask the directory to move postponed requests",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), func(ctx context.Context, e *env) error {
				return e.mgr.Postpone(ctx)
			})
		},
	}
}

func (a *app) archiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive",
		Short: "Report finished requests and move them to the archive",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), func(ctx context.Context, e *env) error {
				return e.mgr.Archive(ctx)
			})
		},
	}
}

func (a *app) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete REQUEST-ID",
		Short: "Mark a request as deleted; it is archived with the next run",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), func(ctx context.Context, e *env) error {
				req, err := e.mgr.Delete(ctx, args[0])
				if err != nil {
					return err
				}
				if req == nil {
					fmt.Fprintf(a.stdout, "no request matches %s\n", args[0])
					return nil
				}
				fmt.Fprintf(a.stdout, "request %s marked as deleted\n", req.ID())
				return nil
			})
		},
	}
}

// requestFlags are shared by the request subcommands.
type requestFlags struct {
	comment  string
	estimate string
}

func (f *requestFlags) register(cmd *cobra.Command, defaultEstimate string) {
	cmd.Flags().StringVar(&f.comment, "comment", "", "comment shown in the maintenance announcement")
	cmd.Flags().StringVar(&f.estimate, "estimate", defaultEstimate, "expected duration, e.g. 10m or 1h30m")
}

func (f *requestFlags) options() ([]request.Option, error) {
	est, err := estimate.Parse(f.estimate)
	if err != nil {
		return nil, withCode(exitUsage, err)
	}
	return []request.Option{request.WithEstimate(est), request.WithComment(f.comment)}, nil
}

func (a *app) requestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Queue a new maintenance request",
	}
	cmd.AddCommand(a.requestScriptCmd(), a.requestRebootCmd(), a.requestUpdateCmd())
	return cmd
}

func (a *app) requestScriptCmd() *cobra.Command {
	var flags requestFlags
	var reboot string
	cmd := &cobra.Command{
		Use:   "script FILE",
		Short: "Queue a shell script; FILE may be - for standard input",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			script, err := readScript(args[0], cmd.InOrStdin())
			if err != nil {
				return withCode(exitUsage, err)
			}
			opts, err := flags.options()
			if err != nil {
				return err
			}
			return a.withSession(cmd.Context(), func(ctx context.Context, e *env) error {
				act, err := activity.NewShellScript(script, activity.RebootType(reboot), e.mgr.Toolbox())
				if err != nil {
					return withCode(exitUsage, err)
				}
				return a.addRequest(ctx, e, request.New(act, opts...), false)
			})
		},
	}
	flags.register(cmd, "10m")
	cmd.Flags().StringVar(&reboot, "reboot", "", "reboot after the script succeeded: warm or cold")
	return cmd
}

func (a *app) requestRebootCmd() *cobra.Command {
	var flags requestFlags
	var cold bool
	cmd := &cobra.Command{
		Use:   "reboot",
		Short: "Queue a reboot of the node",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := activity.RebootWarm
			if cold {
				kind = activity.RebootCold
			}
			if flags.comment == "" {
				flags.comment = fmt.Sprintf("Scheduled %s reboot", kind)
			}
			opts, err := flags.options()
			if err != nil {
				return err
			}
			return a.withSession(cmd.Context(), func(ctx context.Context, e *env) error {
				act, err := activity.NewReboot(kind, e.mgr.Toolbox())
				if err != nil {
					return err
				}
				return a.addRequest(ctx, e, request.New(act, opts...), true)
			})
		},
	}
	flags.register(cmd, "5m")
	cmd.Flags().BoolVar(&cold, "cold", false, "power the node off instead of a warm reboot")
	return cmd
}

func (a *app) requestUpdateCmd() *cobra.Command {
	var flags requestFlags
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Queue a system update",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.comment == "" {
				flags.comment = "System update"
			}
			opts, err := flags.options()
			if err != nil {
				return err
			}
			return a.withSession(cmd.Context(), func(ctx context.Context, e *env) error {
				act, err := activity.NewUpdate(e.mgr.Toolbox())
				if err != nil {
					return withCode(exitConfigError, err)
				}
				return a.addRequest(ctx, e, request.New(act, opts...), true)
			})
		},
	}
	flags.register(cmd, "10m")
	return cmd
}

func (a *app) addRequest(ctx context.Context, e *env, req *request.Request, skipSameComment bool) error {
	added, err := e.mgr.Add(ctx, req, skipSameComment)
	if err != nil {
		return err
	}
	if added == nil {
		fmt.Fprintf(a.stdout, "request %q already queued, nothing added\n", req.Comment)
		return nil
	}
	fmt.Fprintf(a.stdout, "added request %s\n", added.ID())
	return nil
}

func readScript(path string, stdin io.Reader) (string, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read script: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", fmt.Errorf("script %s is empty", path)
	}
	return string(data), nil
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build version",
		Args:  usageArgs(cobra.NoArgs),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(a.stdout, version.String())
		},
	}
}
