// Package main is the entry point for loomctl, the Loom operator CLI.
// It works directly against the configured database rather than the API:
// sweeping runs a crashed server left in flight, and inspecting or removing
// cron schedules across all owners.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/loomhq/loom/internal/common/config"
	"github.com/loomhq/loom/internal/common/constants"
	"github.com/loomhq/loom/internal/common/logger"
	"github.com/loomhq/loom/internal/storage"
	"github.com/loomhq/loom/internal/storage/repository"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "runs":
		runsCommand(os.Args[2:])
	case "crons":
		cronsCommand(os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: loomctl <command> [arguments]

Commands:
  runs sweep [--older-than 1h]   mark runs stuck in pending/running as errored
  crons list                     list every cron schedule across owners
  crons rm <cron-id>             remove a cron schedule

Database access uses the same configuration as the server (DATABASE_URL,
LOOM_* environment variables, config.yaml).
`)
}

func runsCommand(args []string) {
	if len(args) < 1 || args[0] != "sweep" {
		usage()
		os.Exit(2)
	}
	fs := flag.NewFlagSet("runs sweep", flag.ExitOnError)
	olderThan := fs.Duration("older-than", constants.DefaultStaleRunCutoff, "treat runs idle at least this long as stale")
	_ = fs.Parse(args[1:])

	repo, cleanup := openRepository()
	defer cleanup()

	cutoff := time.Now().UTC().Add(-*olderThan)
	swept, err := repo.SweepStaleRuns(context.Background(), cutoff)
	if err != nil {
		fatalf("sweep failed: %v", err)
	}
	fmt.Printf("swept %d stale run(s) idle since %s\n", swept, cutoff.Format(time.RFC3339))
}

func cronsCommand(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	repo, cleanup := openRepository()
	defer cleanup()

	switch args[0] {
	case "list":
		listCrons(repo)
	case "rm":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: loomctl crons rm <cron-id>")
			os.Exit(2)
		}
		removeCron(repo, args[1])
	default:
		usage()
		os.Exit(2)
	}
}

func listCrons(repo *repository.Repository) {
	crons, err := repo.ListAllCrons(context.Background())
	if err != nil {
		fatalf("listing crons failed: %v", err)
	}
	if len(crons) == 0 {
		fmt.Println("no crons")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CRON ID\tOWNER\tSCHEDULE\tASSISTANT\tNEXT RUN\tEND")
	for _, c := range crons {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			c.CronID, c.Owner(), c.Schedule, c.AssistantID,
			formatTime(c.NextRunDate), formatTime(c.EndTime))
	}
	_ = w.Flush()
}

func removeCron(repo *repository.Repository, cronID string) {
	ctx := context.Background()

	// Deletes are owner-scoped, so resolve the owner from the full listing.
	crons, err := repo.ListAllCrons(ctx)
	if err != nil {
		fatalf("listing crons failed: %v", err)
	}
	for _, c := range crons {
		if c.CronID != cronID {
			continue
		}
		if err := repo.DeleteCron(ctx, cronID, c.Owner()); err != nil {
			fatalf("removing cron failed: %v", err)
		}
		fmt.Printf("removed cron %s\n", cronID)
		return
	}
	fatalf("cron %s not found", cronID)
}

// openRepository loads the server configuration and opens the persistence
// backend. A throwaway in-memory backend would make every command a silent
// no-op, so it is rejected outright.
func openRepository() (*repository.Repository, func()) {
	cfg, err := config.Load()
	if err != nil {
		fatalf("failed to load configuration: %v", err)
	}
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "warn",
		Format:     cfg.Logging.Format,
		OutputPath: "stderr",
	})
	if err != nil {
		fatalf("failed to initialize logger: %v", err)
	}

	backend, cleanup, err := storage.Provide(cfg, log)
	if err != nil {
		fatalf("failed to initialize storage: %v", err)
	}
	if !backend.Persistent() {
		_ = cleanup()
		fatalf("no persistent database configured; set DATABASE_URL or database.fallbackPath")
	}
	return backend.Repo(), func() { _ = cleanup() }
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
