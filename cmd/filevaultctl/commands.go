package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lk2023060901/filevault-backend/internal/data"
	"github.com/lk2023060901/filevault-backend/internal/file/biz"
	filedata "github.com/lk2023060901/filevault-backend/internal/file/data"
	"github.com/lk2023060901/filevault-backend/internal/file/job"
	"github.com/lk2023060901/filevault-backend/internal/pkg/auth"
	"github.com/lk2023060901/filevault-backend/internal/pkg/database"
	"github.com/lk2023060901/filevault-backend/internal/pkg/workerpool"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the metadata schema",
	}

	openDB := func() (*database.DB, error) {
		config, log, err := opts.load()
		if err != nil {
			return nil, err
		}
		return database.New(&config.Database, log)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			if err := filedata.Migrate(db.DB); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			if err := filedata.RollbackLast(db.DB); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "last migration rolled back")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print known migration ids",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, id := range filedata.MigrationIDs() {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
		},
	})
	return cmd
}

func newUsageCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "usage [owner...]",
		Short: "Print storage usage per owner (all owners when none given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, log, err := opts.load()
			if err != nil {
				return err
			}
			db, err := database.New(&config.Database, log)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			repo := filedata.NewFileRepo(db)
			owners := args
			if len(owners) == 0 {
				if owners, err = repo.Owners(ctx); err != nil {
					return err
				}
			}

			quota := biz.NewQuotaTracker(repo, config.Quota.LimitBytes())
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "OWNER\tFILES\tREFERENCES\tACTUAL\tLOGICAL\tSAVINGS%\tUSED%")
			for _, owner := range owners {
				u, err := quota.Info(ctx, owner)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%.1f\t%.1f\n",
					u.Owner, u.FileCount, u.ReferenceCount,
					u.ActualBytesUsed, u.LogicalBytesUsed,
					u.SavingsPercentage, u.UsagePercentage)
			}
			return w.Flush()
		},
	}
}

func newSweepCmd(opts *rootOptions) *cobra.Command {
	var grace time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete orphaned blobs once, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, log, err := opts.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("grace") {
				config.Sweeper.GracePeriod = grace
			}

			d, cleanup, err := data.NewData(config, log)
			if err != nil {
				return err
			}
			defer cleanup()

			size := config.Sweeper.Workers
			if size <= 0 {
				size = 1
			}
			pool, err := workerpool.New(&workerpool.Config{Size: size}, log.Logger)
			if err != nil {
				return err
			}
			defer pool.Shutdown(10 * time.Second)

			var sweepOpts []job.Option
			if gc, ok := d.Blobs.(job.GarbageCollector); ok {
				sweepOpts = append(sweepOpts, job.WithGC(gc))
			}
			sweeper := job.NewSweeper(filedata.NewTombstoneRepo(d.DB), d.Blobs, pool, config.Sweeper, log, sweepOpts...)
			n, err := sweeper.Sweep(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "swept %d blobs\n", n)
			return err
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", 0, "override sweeper.grace_period")
	return cmd
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		user string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a user id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, _, err := opts.load()
			if err != nil {
				return err
			}
			if config.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not configured")
			}
			if ttl <= 0 {
				ttl = config.Auth.TokenTTL
			}
			token, err := auth.NewJWTManager(config.Auth.JWTSecret, config.Auth.JWTIssuer).GenerateToken(user, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id to embed")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default auth.token_ttl)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
