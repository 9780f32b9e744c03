package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/giggatek/reconciler/internal/db"
)

// schemaMigrator is the part of db.Migrator the commands use.
type schemaMigrator interface {
	Up() (bool, error)
	Down() error
	Goto(version uint) (bool, error)
	Version() (version uint, dirty bool, ok bool, err error)
	Close() error
}

var openMigrator = func(dsn string) (schemaMigrator, error) {
	return db.NewMigrator(dsn)
}

func migrateCmd(st *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
		Long: `Apply or roll back the embedded SQL migrations against DATABASE_URL.

Examples:
  reconcilectl migrate up
  reconcilectl migrate status
  reconcilectl migrate goto 1`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(st, func(m schemaMigrator) error {
				applied, err := m.Up()
				if err != nil {
					return err
				}
				if !applied {
					fmt.Fprintln(cmd.OutOrStdout(), "schema already up to date")
					return nil
				}
				return printVersion(cmd, m)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(st, func(m schemaMigrator) error {
				if err := m.Down(); err != nil {
					return err
				}
				return printVersion(cmd, m)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(st, func(m schemaMigrator) error {
				return printVersion(cmd, m)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "goto <version>",
		Short: "Migrate up or down to a specific version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid version %q: %w", args[0], err)
			}
			return withMigrator(st, func(m schemaMigrator) error {
				if _, err := m.Goto(uint(version)); err != nil {
					return err
				}
				return printVersion(cmd, m)
			})
		},
	})

	return cmd
}

func withMigrator(st *cliState, fn func(m schemaMigrator) error) error {
	m, err := openMigrator(st.cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := m.Close(); cerr != nil {
			st.logger.Warn("failed to close migrator", "error", cerr)
		}
	}()
	return fn(m)
}

func printVersion(cmd *cobra.Command, m schemaMigrator) error {
	version, dirty, ok, err := m.Version()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	switch {
	case !ok:
		fmt.Fprintln(out, "no migrations applied")
	case dirty:
		fmt.Fprintf(out, "schema version %d (dirty: fix manually, then goto a clean version)\n", version)
	default:
		fmt.Fprintf(out, "schema version %d\n", version)
	}
	return nil
}
