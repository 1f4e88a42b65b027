package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/helsinki-systems/fc-nixos/pkg/command"
	"github.com/helsinki-systems/fc-nixos/pkg/config"
	"github.com/helsinki-systems/fc-nixos/pkg/detector"
)

func (a *app) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.v.GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				var invalid *config.ValidationError
				if errors.As(err, &invalid) {
					for _, problem := range invalid.Problems {
						fmt.Fprintf(a.stdout, "  - %s\n", problem)
					}
				}
				return withCode(exitConfigError, err)
			}
			fmt.Fprintf(a.stdout, "configuration %s is valid for node %s\n", path, cfg.NodeName)
			return nil
		},
	}
}

func (a *app) simulateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "simulate",
		Short: "Evaluate the reboot detectors without touching the spool",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			detectors, err := detector.NewAll(cfg.Update.RebootRequiredDetectors, command.NewExecRunner())
			if err != nil {
				return withCode(exitConfigError, fmt.Errorf("construct detectors: %w", err))
			}
			engine, err := detector.NewEngine(detectors)
			if err != nil {
				return withCode(exitConfigError, fmt.Errorf("initialise detector engine: %w", err))
			}

			reboot, results, evalErr := engine.Evaluate(cmd.Context())

			names := make([]string, 0, len(results))
			for _, res := range results {
				names = append(names, res.Name)
			}
			out := a.stdout
			fmt.Fprintf(out, "node %s configuration summary:\n", cfg.NodeName)
			fmt.Fprintf(out, "  spool dir: %s\n", cfg.SpoolDir)
			fmt.Fprintf(out, "  directory: %s\n", cfg.Directory.URL)
			fmt.Fprintf(out, "  detectors: %s\n", strings.Join(names, ", "))
			fmt.Fprintf(out, "  warm reboot command: %s\n", strings.Join(cfg.Reboot.WarmCommand, " "))
			fmt.Fprintf(out, "  cold reboot command: %s\n", strings.Join(cfg.Reboot.ColdCommand, " "))
			if guard := cfg.Reboot.Guard; guard != nil {
				fmt.Fprintf(out, "  reboot guard: %s\n", strings.Join(guard.EtcdEndpoints, ", "))
			}
			fmt.Fprintln(out, "detector evaluations:")
			for _, res := range results {
				status := "clear"
				if res.Err != nil {
					status = fmt.Sprintf("error: %v", res.Err)
				} else if res.RequiresReboot {
					status = res.Reboot + " reboot required"
				}
				fmt.Fprintf(out, "  - %s => %s (duration %s)\n", res.Name, status, res.Duration.Round(time.Millisecond))
				if res.CommandOutput != nil {
					fmt.Fprintf(out, "      exit code: %d\n", res.CommandOutput.ExitCode)
					if text := strings.TrimSpace(res.CommandOutput.Stdout); text != "" {
						fmt.Fprintf(out, "      stdout: %s\n", text)
					}
					if text := strings.TrimSpace(res.CommandOutput.Stderr); text != "" {
						fmt.Fprintf(out, "      stderr: %s\n", text)
					}
				}
			}
			if reboot == "" {
				reboot = "none"
			}
			fmt.Fprintf(out, "overall reboot required: %s\n", reboot)

			if evalErr != nil {
				return withCode(exitDetectorError, evalErr)
			}
			fmt.Fprintln(out, "no reboot actions performed in simulation mode")
			return nil
		},
	}
}
