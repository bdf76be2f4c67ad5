package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattjoyce/accession/internal/batchqueue"
	"github.com/mattjoyce/accession/internal/ingest"
	"github.com/mattjoyce/accession/internal/lock"
	"github.com/mattjoyce/accession/internal/log"
	"github.com/mattjoyce/accession/internal/supervisor"
)

func runBatchNoun(args []string) int {
	if len(args) < 1 {
		printBatchNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printBatchNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "enqueue":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: accession batch enqueue [--config PATH] <dir>")
			fmt.Println("Move a prepared batch directory into the queue and mark it ready.")
			return 0
		}
		return runBatchEnqueue(actionArgs)
	case "run":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: accession batch run [--config PATH] [--json] <dir>")
			fmt.Println("Ingest one prepared batch now, outside the queue. The daemon must not be running.")
			return 0
		}
		return runBatchRun(actionArgs)
	case "list":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: accession batch list [--config PATH] [--area queued|failed|finished] [--json]")
			return 0
		}
		return runBatchList(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown batch action: %s\n", action)
		return 1
	}
}

func printBatchNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: accession batch <action>")
	fmt.Fprintln(w, "Actions: enqueue, run, list")
}

func runBatchEnqueue(args []string) int {
	fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: accession batch enqueue [--config PATH] <dir>")
		return 1
	}

	cfg, _, err := resolveConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.SetupWriter(cfg.Service.LogLevel, os.Stderr)

	q, err := batchqueue.New(cfg.Queue.Root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open batch queue: %v\n", err)
		return 1
	}
	h, err := q.Enqueue(context.Background(), fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Enqueue failed: %v\n", err)
		return 1
	}
	fmt.Printf("Enqueued %s (%s)\n", h.Name, h.Dir)
	return 0
}

func runBatchRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output the final batch status as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: accession batch run [--config PATH] [--json] <dir>")
		return 1
	}

	cfg, _, err := resolveConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.SetupWriter(cfg.Service.LogLevel, os.Stderr)

	// One worker per state directory: refuse while the daemon holds the lock.
	pidLock, err := lock.AcquirePIDLock(pidLockPath(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot run batch: %v\n", err)
		return 1
	}
	defer pidLock.Release()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := openServices(ctx, cfg, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open repository: %v\n", err)
		return 1
	}
	defer rt.Close()

	sup := supervisor.New(rt.env, rt.queue, supervisor.OptionsFromConfig(cfg))
	status, runErr := sup.RunNow(ctx, fs.Arg(0))

	if *jsonOut {
		if code := printJSON(status); code != 0 {
			return code
		}
	} else if status.Batch != "" {
		fmt.Print(renderBatchStatus(status))
	}

	switch {
	case runErr != nil && errors.Is(runErr, context.Canceled):
		fmt.Fprintln(os.Stderr, "Interrupted; the batch stays queued and the service resumes it from its progress log.")
		return 1
	case runErr != nil:
		fmt.Fprintf(os.Stderr, "Batch run failed: %v\n", runErr)
		return 1
	case status.Outcome != ingest.OutcomeFinished:
		return 1
	}
	return 0
}

func runBatchList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	area := fs.String("area", batchqueue.AreaQueued, "Queue area: queued, failed or finished")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, _, err := resolveConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.SetupWriter("ERROR", os.Stderr)

	q, err := batchqueue.New(cfg.Queue.Root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open batch queue: %v\n", err)
		return 1
	}
	handles, err := q.List(context.Background(), *area)
	if err != nil {
		fmt.Fprintf(os.Stderr, "List failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		return printJSON(handles)
	}
	fmt.Print(renderBatchList(*area, handles))
	return 0
}
