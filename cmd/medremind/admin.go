package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"medremind/internal/app"
)

func newReconcileCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one loader sweep: rebuild the hot cache from the store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCore(cmd, opts, func(ctx context.Context, core *app.Core) error {
				res, err := core.Loader.Sweep(ctx)
				if err != nil {
					return err
				}
				n, err := core.Cache.Len(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("scanned=%d upserted=%d failed=%d took=%s hot=%d\n",
					res.Scanned, res.Upserted, res.Failed, res.Took, n)
				return nil
			})
		},
	}
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema to the configured store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Opening the store applies the schema.
			return withCore(cmd, opts, func(ctx context.Context, core *app.Core) error {
				if err := core.Store.Ping(ctx); err != nil {
					return err
				}
				fmt.Printf("schema up to date (%s)\n", core.Config().Storage.Driver)
				return nil
			})
		},
	}
}
