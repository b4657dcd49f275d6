package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"tempest/pkg/tempest"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "init":
		return runInit(ctx, args[1:])
	case "run":
		return runRun(ctx, args[1:])
	case "resume":
		return runResume(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "barrier":
		return runBarrier(ctx, args[1:])
	case "help", "-h", "--help":
		printUsage()
		return nil
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func usageError(message string) error {
	printUsage()
	return fmt.Errorf("tempestctl: %s", message)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: tempestctl <command> [flags]

commands:
  init      initialize the store
  run       execute a parallel tempering run
  resume    continue a checkpointed run
  runs      list stored runs
  barrier   print a run's barrier history`)
}

type storeFlags struct {
	kind *string
	db   *string
}

func addStoreFlags(fs *flag.FlagSet) storeFlags {
	return storeFlags{
		kind: fs.String("store", "memory", "store backend: memory or sqlite"),
		db:   fs.String("db", "tempest.db", "sqlite database path"),
	}
}

func openClient(ctx context.Context, store storeFlags) (*tempest.Client, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return tempest.Open(ctx, tempest.Options{
		StoreKind: *store.kind,
		DBPath:    *store.db,
		Logger:    logger,
	})
}

func runInit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	store := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := openClient(ctx, store)
	if err != nil {
		return err
	}
	defer client.Close()

	fmt.Println("store initialized")
	return nil
}

func runRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	store := addStoreFlags(fs)
	modelName := fs.String("model", "gaussian-pair", "target model: gaussian-pair or unidentifiable-product")
	seed := fs.Int64("seed", 1, "master seed")
	rounds := fs.Int("rounds", 10, "swap rounds")
	chains := fs.Int("chains", 10, "fixed-leg chain count")
	varChains := fs.Int("var-chains", 0, "variational-leg chain count (0 disables the leg)")
	processes := fs.Int("processes", 1, "process count")
	multithreaded := fs.Bool("multithreaded", false, "explore replicas in parallel within each process")
	checkpoint := fs.Bool("checkpoint", false, "persist a checkpoint at the final round")
	checkedRound := fs.Int("checked-round", 0, "verify this round against a single-process replay (0 disables)")
	runID := fs.String("run-id", "", "run id (generated when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := openClient(ctx, store)
	if err != nil {
		return err
	}
	defer client.Close()

	summary, err := client.Run(ctx, tempest.RunRequest{
		RunID:             *runID,
		Model:             *modelName,
		Seed:              *seed,
		Rounds:            *rounds,
		Chains:            *chains,
		ChainsVariational: *varChains,
		Processes:         *processes,
		Multithreaded:     *multithreaded,
		Checkpoint:        *checkpoint,
		CheckedRound:      *checkedRound,
	})
	if err != nil {
		return err
	}
	return printJSON(summary)
}

func runResume(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	store := addStoreFlags(fs)
	runID := fs.String("run-id", "", "run id to resume")
	rounds := fs.Int("rounds", 10, "additional swap rounds")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return fmt.Errorf("run-id is required")
	}

	client, err := openClient(ctx, store)
	if err != nil {
		return err
	}
	defer client.Close()

	summary, err := client.Resume(ctx, *runID, *rounds)
	if err != nil {
		return err
	}
	return printJSON(summary)
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	store := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := openClient(ctx, store)
	if err != nil {
		return err
	}
	defer client.Close()

	runs, err := client.Runs(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tAGE\tMODEL\tCHAINS\tROUNDS\tPROCS\tBARRIER")
	for _, item := range runs {
		age := item.CreatedAtUTC
		if created, err := time.Parse(time.RFC3339, item.CreatedAtUTC); err == nil {
			age = humanize.Time(created)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%.3f\n",
			item.RunID,
			age,
			item.Model,
			humanize.Comma(int64(item.Chains)),
			humanize.Comma(int64(item.Rounds)),
			item.Processes,
			item.GlobalBarrier)
	}
	return w.Flush()
}

func runBarrier(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("barrier", flag.ContinueOnError)
	store := addStoreFlags(fs)
	runID := fs.String("run-id", "", "run id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return fmt.Errorf("run-id is required")
	}

	client, err := openClient(ctx, store)
	if err != nil {
		return err
	}
	defer client.Close()

	history, err := client.BarrierHistory(ctx, *runID)
	if err != nil {
		return err
	}
	return printJSON(history)
}

func printJSON(v any) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}
