package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattjoyce/accession/internal/tui/watch"
)

// apiTarget resolves the operator API address and key from flags, the
// environment and finally the configuration.
func apiTarget(configPath, urlFlag, keyFlag string) (string, string, error) {
	apiURL, apiKey := urlFlag, keyFlag
	if apiKey == "" {
		apiKey = os.Getenv("ACCESSION_API_KEY")
	}
	if apiURL == "" || apiKey == "" {
		cfg, _, err := resolveConfig(configPath)
		if err != nil {
			return "", "", fmt.Errorf("load config: %w", err)
		}
		if apiURL == "" {
			if !cfg.API.Enabled {
				return "", "", fmt.Errorf("api is disabled in config; pass --api-url")
			}
			apiURL = "http://" + cfg.API.Listen
		}
		if apiKey == "" {
			apiKey = cfg.API.APIKey
		}
	}
	if apiKey == "" {
		return "", "", fmt.Errorf("API key required. Use --api-key or ACCESSION_API_KEY env var")
	}
	return strings.TrimRight(apiURL, "/"), apiKey, nil
}

func runSystemControl(action string, args []string) int {
	fs := flag.NewFlagSet(action, flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	apiURL := fs.String("api-url", "", "Operator API URL")
	apiKey := fs.String("api-key", "", "API Bearer Token")
	timeout := fs.Duration("timeout", 2*time.Minute, "How long to wait for the daemon")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	url, key, err := apiTarget(*configPath, *apiURL, *apiKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/supervisor/"+action, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to reach daemon: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= 300 {
		fmt.Fprintf(os.Stderr, "%s failed: %s: %s\n", action, resp.Status, strings.TrimSpace(string(body)))
		return 1
	}
	fmt.Println(strings.TrimSpace(string(body)))
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	apiURL := fs.String("api-url", "", "Operator API URL")
	apiKey := fs.String("api-key", "", "API Bearer Token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	url, key, err := apiTarget(*configPath, *apiURL, *apiKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	p := tea.NewProgram(watch.New(url, key))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func printSystemWatchHelp() {
	fmt.Println("Usage: accession system watch [flags]")
	fmt.Println()
	fmt.Println("Real-time monitoring TUI: supervisor state, recent batches and tree notifications.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --config PATH    Read api.listen and api.api_key from this configuration")
	fmt.Println("  --api-url URL    Operator API URL (default: http://<api.listen>)")
	fmt.Println("  --api-key KEY    API Bearer Token (or ACCESSION_API_KEY env var)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  p / r            Pause / resume the supervisor")
	fmt.Println("  ↑/↓, k/j         Navigate batches")
}
