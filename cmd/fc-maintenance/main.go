package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/helsinki-systems/fc-nixos/pkg/config"
	"github.com/helsinki-systems/fc-nixos/pkg/etcdutil"
	"github.com/helsinki-systems/fc-nixos/pkg/manager"
	"github.com/helsinki-systems/fc-nixos/pkg/observability"
)

const (
	exitOK            = 0
	exitFailure       = 1
	exitUsage         = 64
	exitConfigError   = 65
	exitDetectorError = 67
)

// exitError carries the process exit code for a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	exitCode := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(exitCode)
}

// run executes the command line and returns the exit code. Extra manager
// options are applied to every manager the command builds.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, opts ...manager.Option) int {
	a := newApp(stdout, stderr, opts...)
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	fmt.Fprintln(stderr, "error:", err)
	var coded *exitError
	if errors.As(err, &coded) {
		return coded.code
	}
	if strings.HasPrefix(err.Error(), "unknown command") {
		return exitUsage
	}
	return exitFailure
}

type app struct {
	v              *viper.Viper
	stdout         io.Writer
	stderr         io.Writer
	managerOptions []manager.Option
}

func newApp(stdout, stderr io.Writer, opts ...manager.Option) *app {
	v := viper.New()
	v.SetEnvPrefix("FC_MAINTENANCE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return &app{v: v, stdout: stdout, stderr: stderr, managerOptions: opts}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fc-maintenance",
		Short: "Schedule and run maintenance requests of this node",
		Long: `fc-maintenance queues maintenance requests in a spool directory, lets the
directory service assign maintenance windows and runs due requests while the
node is out of service, rebooting it when a request asks for it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return withCode(exitUsage, err)
	})

	flags := root.PersistentFlags()
	flags.StringP("config", "c", config.DefaultConfigPath, "path to configuration file")
	flags.String("spool-dir", "", "spool directory (overrides the configuration)")
	flags.String("enc-path", "", "ENC file with the directory credentials (overrides the configuration)")
	flags.String("log-level", "info", "minimum log level: debug, info, warn or error")
	for _, name := range []string{"config", "spool-dir", "enc-path", "log-level"} {
		_ = a.v.BindPFlag(name, flags.Lookup(name))
	}

	root.AddCommand(
		a.runCmd(),
		a.daemonCmd(),
		a.requestCmd(),
		a.scheduleCmd(),
		a.executeCmd(),
		a.postponeCmd(),
		a.archiveCmd(),
		a.deleteCmd(),
		a.listCmd(),
		a.showCmd(),
		a.validateCmd(),
		a.simulateCmd(),
		a.versionCmd(),
	)
	return root
}

// usageArgs marks positional argument errors as usage errors.
func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		return withCode(exitUsage, check(cmd, args))
	}
}

// loadConfig reads the configuration, falling back to defaults when the
// file is missing, and applies command line overrides.
func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(a.v.GetString("config"))
	if err != nil {
		return nil, withCode(exitConfigError, err)
	}
	if dir := strings.TrimSpace(a.v.GetString("spool-dir")); dir != "" {
		cfg.SpoolDir = dir
	}
	if enc := strings.TrimSpace(a.v.GetString("enc-path")); enc != "" {
		cfg.EncPath = enc
	}
	return cfg, nil
}

func (a *app) logger() (observability.Logger, error) {
	level, err := observability.ParseLevel(a.v.GetString("log-level"))
	if err != nil {
		return nil, withCode(exitUsage, err)
	}
	return observability.FilterLevel(observability.NewJSONLogger(a.stderr), level), nil
}

// env is everything a command needs to work on the spool.
type env struct {
	cfg       *config.Config
	mgr       *manager.ReqManager
	collector *observability.PrometheusCollector
	reporter  *manager.StructuredReporter
	etcd      *clientv3.Client
}

func (a *app) newEnv() (*env, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := a.logger()
	if err != nil {
		return nil, err
	}

	e := &env{cfg: cfg, collector: observability.NewPrometheusCollector()}
	e.reporter = manager.NewStructuredReporter(cfg.NodeName, logger, e.collector)
	opts := []manager.Option{
		manager.WithReporter(e.reporter),
		manager.WithLogger(e.reporter.Logger()),
	}
	if guardCfg := cfg.Reboot.Guard; guardCfg != nil {
		client, err := etcdutil.Dial(guardCfg)
		if err != nil {
			return nil, fmt.Errorf("connect reboot guard: %w", err)
		}
		guard, err := manager.NewEtcdGuard(client, guardCfg, cfg.NodeName, manager.WithGuardReporter(e.reporter))
		if err != nil {
			_ = client.Close()
			return nil, withCode(exitConfigError, err)
		}
		e.etcd = client
		opts = append(opts, manager.WithRebootGuard(guard))
	}
	opts = append(opts, a.managerOptions...)

	mgr, err := manager.New(cfg, opts...)
	if err != nil {
		e.close()
		return nil, err
	}
	e.mgr = mgr
	return e, nil
}

// close writes the metrics textfile and drops the etcd connection.
func (e *env) close() {
	if e.cfg.Metrics.Textfile != "" {
		if err := e.collector.WriteTextfile(e.cfg.Metrics.Textfile); err != nil {
			e.reporter.RecordEvent(context.Background(), observability.Event{
				Level: observability.LevelWarn,
				Event: "metrics_textfile_failed",
				Fields: map[string]interface{}{
					"path":  e.cfg.Metrics.Textfile,
					"error": err.Error(),
				},
			})
		}
	}
	if e.etcd != nil {
		_ = e.etcd.Close()
	}
}

// withSession runs fn with the spool locked.
func (a *app) withSession(ctx context.Context, fn func(context.Context, *env) error) error {
	e, err := a.newEnv()
	if err != nil {
		return err
	}
	defer e.close()
	return e.mgr.Session(ctx, func(ctx context.Context, _ *manager.ReqManager) error {
		return fn(ctx, e)
	})
}
