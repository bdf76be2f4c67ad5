package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mattjoyce/accession/internal/config"
	"github.com/mattjoyce/accession/internal/doctor"
	"gopkg.in/yaml.v3"
)

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: accession config check [--config PATH] [--json]")
			fmt.Println("Validate syntax, integrity hashes and cross-field policy.")
			return 0
		}
		return runConfigCheck(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: accession config show [--config PATH] [--reveal]")
			fmt.Println("Print the effective configuration with secrets redacted.")
			return 0
		}
		return runConfigShow(actionArgs)
	case "get":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: accession config get [--config PATH] <path>")
			fmt.Println("Print one value, e.g. ingest.root_object or principal:alice.")
			return 0
		}
		return runConfigGet(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: accession config lock [--config PATH]")
			fmt.Println("Record BLAKE3 hashes of the config file and its includes in .checksums.")
			return 0
		}
		return runConfigLock(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: accession config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, show, get, lock")
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, _, err := resolveConfig(*configPath)
	if err != nil {
		result := &doctor.Result{
			Valid:  false,
			Errors: []doctor.Issue{{Category: "load", Message: err.Error()}},
		}
		printCheckResult(result, *jsonOut)
		return 1
	}

	result := doctor.New(cfg).Validate()
	printCheckResult(result, *jsonOut)
	if !result.Valid {
		return 1
	}
	return 0
}

func printCheckResult(r *doctor.Result, asJSON bool) {
	if asJSON {
		out, err := doctor.FormatJSON(r)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return
		}
		fmt.Println(out)
		return
	}
	fmt.Print(doctor.FormatHuman(r))
}

const redacted = "<redacted>"

// redact blanks secrets in a copy of cfg.
func redact(cfg config.Config) config.Config {
	if cfg.API.APIKey != "" {
		cfg.API.APIKey = redacted
	}
	if cfg.Mail.Pass != "" {
		cfg.Mail.Pass = redacted
	}
	if cfg.Blobs.SecretKey != "" {
		cfg.Blobs.SecretKey = redacted
	}
	hooks := make([]config.HookEndpoint, len(cfg.Hooks.Endpoints))
	for i, ep := range cfg.Hooks.Endpoints {
		if ep.Secret != "" {
			ep.Secret = redacted
		}
		hooks[i] = ep
	}
	cfg.Hooks.Endpoints = hooks
	return cfg
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	reveal := fs.Bool("reveal", false, "Print secrets unredacted")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, _, err := resolveConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	shown := *cfg
	if !*reveal {
		shown = redact(shown)
	}
	data, err := yaml.Marshal(&shown)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render config: %v\n", err)
		return 1
	}
	fmt.Print(string(data))
	return 0
}

func runConfigGet(args []string) int {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: accession config get [--config PATH] <path>")
		return 1
	}

	cfg, _, err := resolveConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	shown := redact(*cfg)
	val, err := shown.GetPath(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	switch v := val.(type) {
	case string, int, bool, float64:
		fmt.Println(v)
	default:
		data, err := yaml.Marshal(v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render value: %v\n", err)
			return 1
		}
		fmt.Print(string(data))
	}
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path := *configPath
	if path == "" {
		discovered, err := config.Discover()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		path = discovered
	}

	names, err := config.Lock(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock failed: %v\n", err)
		return 1
	}
	for _, n := range names {
		fmt.Printf("locked %s\n", n)
	}
	return 0
}
