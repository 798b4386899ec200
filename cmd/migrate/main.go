package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/tullo/moderation/config"
	"github.com/tullo/moderation/internal/database"
)

var rollbackSteps int

func main() {
	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the moderation database schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: withDB(func(db *sql.DB) error {
			slog.Info("running migrations")
			if err := database.RunMigrations(db); err != nil {
				return err
			}
			slog.Info("migrations completed successfully")
			return nil
		}),
	}

	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the newest migrations",
		RunE: withDB(func(db *sql.DB) error {
			return database.Rollback(db, rollbackSteps)
		}),
	}
	down.Flags().IntVar(&rollbackSteps, "steps", 1, "number of migrations to roll back")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: withDB(func(db *sql.DB) error {
			statuses, err := database.Status(db)
			if err != nil {
				return err
			}
			fmt.Println("Migrations:")
			fmt.Println("-----------")
			for _, st := range statuses {
				if st.Applied {
					fmt.Printf("Version %d - applied at %s\n", st.Version, st.AppliedAt.Format("2006-01-02 15:04:05"))
				} else {
					fmt.Printf("Version %d - pending\n", st.Version)
				}
			}
			return nil
		}),
	}

	policy := &cobra.Command{
		Use:   "check-policy [file]",
		Short: "Validate a moderation policy file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := config.LoadPolicy(path); err != nil {
				return err
			}
			fmt.Println("policy OK")
			return nil
		},
	}

	root.AddCommand(up, down, status, policy)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// withDB opens the configured database around a subcommand
func withDB(fn func(db *sql.DB) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		config.ConfigureLogging(cfg.Log.Level)

		db, err := sql.Open("postgres", cfg.GetDSN())
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()

		return fn(db)
	}
}
