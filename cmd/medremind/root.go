package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"medremind/internal/app"
)

// Set at build time: -ldflags "-X main.version=v1.2.3 -X main.commit=abc123".
var (
	version = "dev"
	commit  = "none"
)

type rootOptions struct {
	configPath string
	timeout    time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "medremind",
		Short:         "Medicine reminder scheduling and dispatch pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config file (YAML or JSON); empty uses defaults + MEDREMIND_* env")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "deadline for one-shot commands")

	root.AddCommand(
		newServeCmd(opts),
		newReconcileCmd(opts),
		newMigrateCmd(opts),
		newMedicineCmd(opts),
		newDeviceCmd(opts),
		newReminderCmd(opts),
		newMailCmd(opts),
		newVersionCmd(),
	)
	return root
}

// withCore runs fn against a bootstrapped core under the one-shot deadline.
func withCore(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, core *app.Core) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()
	core, err := app.Bootstrap(ctx, opts.configPath)
	if err != nil {
		return err
	}
	defer func() { _ = core.Close() }()
	return fn(ctx, core)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newVersionCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(_ *cobra.Command, _ []string) error {
			info := map[string]string{
				"version":  version,
				"commit":   commit,
				"go":       runtime.Version(),
				"platform": runtime.GOOS + "/" + runtime.GOARCH,
			}
			if format == "json" {
				return printJSON(info)
			}
			fmt.Printf("medremind %s (%s) %s %s\n", info["version"], info["commit"], info["go"], info["platform"])
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "output format (json)")
	return cmd
}
