package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattjoyce/accession/internal/auth"
	"github.com/mattjoyce/accession/internal/log"
	"github.com/mattjoyce/accession/internal/mutate"
	"github.com/mattjoyce/accession/internal/repo"
	"github.com/mattjoyce/accession/internal/tree"
	"golang.org/x/sync/errgroup"
)

func runObjectNoun(args []string) int {
	if len(args) < 1 {
		printObjectNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printObjectNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "show":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: accession object show [--config PATH] [--json] <id>")
			return 0
		}
		return runObjectShow(actionArgs)
	case "move":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: accession object move --as NAME --to ID [--order N] [--config PATH] <id>...")
			fmt.Println("Move children into another container. --order inserts at a position; -1 appends.")
			return 0
		}
		return runObjectMove(actionArgs)
	case "delete":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: accession object delete --as NAME [--config PATH] <id>")
			fmt.Println("Purge an object and every descendant. Refused while anything outside the subtree refers to it.")
			return 0
		}
		return runObjectDelete(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown object action: %s\n", action)
		return 1
	}
}

func printObjectNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: accession object <action>")
	fmt.Fprintln(w, "Actions: show, move, delete")
}

// objectView is everything `object show` reports about one object.
type objectView struct {
	Info      repo.Info        `json:"info"`
	Parent    repo.ObjectID    `json:"parent,omitempty"`
	Listing   []tree.Entry     `json:"listing,omitempty"`
	Edges     []tree.Edge      `json:"edges,omitempty"`
	Referrers []repo.Reference `json:"referrers,omitempty"`
}

func loadObjectView(ctx context.Context, store repo.Store, id repo.ObjectID) (objectView, error) {
	var view objectView
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		view.Info, err = store.Info(gctx, id)
		return err
	})
	g.Go(func() (err error) {
		view.Parent, err = store.ImmediateParent(gctx, id)
		return err
	})
	g.Go(func() error {
		raw, _, err := store.ReadDocument(gctx, id, repo.DocListing)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		listing, err := tree.DecodeListing(raw)
		view.Listing = listing.Entries
		return err
	})
	g.Go(func() error {
		raw, _, err := store.ReadDocument(gctx, id, repo.DocEdges)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		edges, err := tree.DecodeEdges(raw)
		view.Edges = edges.Edges
		return err
	})
	g.Go(func() (err error) {
		view.Referrers, err = store.Referrers(gctx, id)
		return err
	})
	if err := g.Wait(); err != nil {
		return objectView{}, err
	}
	return view, nil
}

func runObjectShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: accession object show [--config PATH] [--json] <id>")
		return 1
	}

	cfg, _, err := resolveConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.SetupWriter("ERROR", os.Stderr)

	ctx := context.Background()
	rt, err := openServices(ctx, cfg, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open repository: %v\n", err)
		return 1
	}
	defer rt.Close()

	view, err := loadObjectView(ctx, rt.store, repo.ObjectID(fs.Arg(0)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Show failed: %v\n", err)
		return 1
	}
	if *jsonOut {
		return printJSON(view)
	}
	fmt.Print(renderObjectView(view))
	return 0
}

// mutationSetup loads config, opens the repository and resolves the acting
// principal for move and delete.
func mutationSetup(ctx context.Context, configPath, as string) (*services, *mutate.Orchestrator, auth.Principal, error) {
	cfg, _, err := resolveConfig(configPath)
	if err != nil {
		return nil, nil, auth.Principal{}, fmt.Errorf("load config: %w", err)
	}
	log.SetupWriter(cfg.Service.LogLevel, os.Stderr)

	if as == "" {
		return nil, nil, auth.Principal{}, errors.New("--as is required")
	}
	user, err := auth.NewDirectory(cfg.Principals).Resolve(as)
	if err != nil {
		return nil, nil, auth.Principal{}, err
	}

	rt, err := openServices(ctx, cfg, nil)
	if err != nil {
		return nil, nil, auth.Principal{}, err
	}
	orch := mutate.New(rt.store, auth.RoleGate{}, rt.hub, nil, mutate.OptionsFromConfig(cfg))
	return rt, orch, user, nil
}

func runObjectMove(args []string) int {
	fs := flag.NewFlagSet("move", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	as := fs.String("as", os.Getenv("ACCESSION_USER"), "Acting principal")
	to := fs.String("to", "", "Destination container")
	order := fs.Int("order", -1, "Insert position in the destination listing; -1 appends")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *to == "" || fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Usage: accession object move --as NAME --to ID [--order N] <id>...")
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, orch, user, err := mutationSetup(ctx, *configPath, *as)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer rt.Close()

	ids := make([]repo.ObjectID, fs.NArg())
	for i, a := range fs.Args() {
		ids[i] = repo.ObjectID(a)
	}
	if err := orch.Move(ctx, user, ids, repo.ObjectID(*to), *order); err != nil {
		return reportMutationError("move", err)
	}

	fmt.Printf("Moved %d object(s) to %s\n", len(ids), *to)
	fmt.Print(renderNotifications(rt.hub.SnapshotSince(0)))
	return 0
}

func runObjectDelete(args []string) int {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	as := fs.String("as", os.Getenv("ACCESSION_USER"), "Acting principal")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: accession object delete --as NAME <id>")
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, orch, user, err := mutationSetup(ctx, *configPath, *as)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer rt.Close()

	id := repo.ObjectID(fs.Arg(0))
	if err := orch.Delete(ctx, user, id); err != nil {
		return reportMutationError("delete", err)
	}

	fmt.Printf("Deleted %s\n", id)
	fmt.Print(renderNotifications(rt.hub.SnapshotSince(0)))
	return 0
}

func reportMutationError(op string, err error) int {
	var partial *mutate.PartialMutationError
	var violation *mutate.ConsistencyViolation
	switch {
	case errors.As(err, &partial):
		fmt.Fprintf(os.Stderr, "%s left the repository partially modified: %v\n", op, err)
		for _, id := range partial.Mutated {
			fmt.Fprintf(os.Stderr, "  mutated: %s\n", id)
		}
		if partial.DumpPath != "" {
			fmt.Fprintf(os.Stderr, "  corruption dump: %s\n", partial.DumpPath)
		}
		return 2
	case errors.As(err, &violation):
		fmt.Fprintf(os.Stderr, "%s refused: %v\n", op, err)
	case errors.Is(err, mutate.ErrForbidden):
		fmt.Fprintf(os.Stderr, "%s forbidden: %v\n", op, err)
	default:
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", op, err)
	}
	return 1
}
