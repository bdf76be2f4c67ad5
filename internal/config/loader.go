package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file or a directory holding config.yaml.
// Values not present in the file keep their Defaults(). Files listed under include are
// overlaid in order; their principals are appended.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}

	cfg := Defaults()
	if err := overlayFile(cfg, absPath); err != nil {
		return nil, err
	}

	loaded := []string{absPath}
	visited := map[string]bool{absPath: true}
	baseDir := filepath.Dir(absPath)
	includes := cfg.Include
	for i, inc := range includes {
		incPath := interpolateEnv(inc)
		if !filepath.IsAbs(incPath) {
			incPath = filepath.Join(baseDir, incPath)
		}
		incPath = filepath.Clean(incPath)
		if visited[incPath] {
			return nil, fmt.Errorf("include[%d]: circular or duplicate include: %s", i, incPath)
		}
		visited[incPath] = true
		if _, err := os.Stat(incPath); err != nil {
			return nil, fmt.Errorf("include[%d]: file not found: %s\n"+
				"Referenced from: %s\n"+
				"Hint: Check the path is correct and the file exists", i, incPath, absPath)
		}
		principals := cfg.Principals
		cfg.Principals = nil
		if err := overlayFile(cfg, incPath); err != nil {
			return nil, fmt.Errorf("include[%d] (%s): %w", i, inc, err)
		}
		cfg.Principals = append(principals, cfg.Principals...)
		loaded = append(loaded, incPath)
	}
	cfg.Include = includes

	if err := verifyAllConfigHashes(loaded); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Discover finds the config file by checking standard locations.
// Priority order: $ACCESSION_CONFIG, ~/.config/accession, /etc/accession, ./config.yaml
func Discover() (string, error) {
	if p := os.Getenv("ACCESSION_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "accession")
		if _, err := os.Stat(filepath.Join(userConfigDir, "config.yaml")); err == nil {
			return userConfigDir, nil
		}
	}

	systemConfigDir := "/etc/accession"
	if _, err := os.Stat(filepath.Join(systemConfigDir, "config.yaml")); err == nil {
		return systemConfigDir, nil
	}

	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}

	return "", errors.New("no config found (checked: $ACCESSION_CONFIG, ~/.config/accession, /etc/accession, ./config.yaml)")
}

func resolveConfigFile(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

func overlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return fmt.Errorf("failed to parse YAML in %s: %w", path, err)
	}
	return nil
}

// interpolateEnv replaces ${VAR} with the environment value. Unset variables become "".
func interpolateEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := envVarPattern.FindStringSubmatch(m)[1]
		return os.Getenv(name)
	})
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		return errors.New("service.name is required")
	}
	if cfg.Service.PollInterval <= 0 {
		return errors.New("service.poll_interval must be positive")
	}
	if strings.TrimSpace(cfg.State.Path) == "" {
		return errors.New("state.path is required")
	}
	if strings.TrimSpace(cfg.Queue.Root) == "" {
		return errors.New("queue.root is required")
	}
	if strings.TrimSpace(cfg.Ingest.RootObject) == "" {
		return errors.New("ingest.root_object is required")
	}
	if cfg.Ingest.ExistenceDelay <= 0 || cfg.Ingest.ExistenceTimeout <= 0 {
		return errors.New("ingest.existence_delay and ingest.existence_timeout must be positive")
	}
	if cfg.Ingest.ExistenceDelay > cfg.Ingest.ExistenceTimeout {
		return fmt.Errorf("ingest.existence_delay (%s) exceeds ingest.existence_timeout (%s)",
			cfg.Ingest.ExistenceDelay, cfg.Ingest.ExistenceTimeout)
	}
	if cfg.Mutations.MaxConflictRetries < 0 {
		return errors.New("mutations.max_conflict_retries must not be negative")
	}
	switch cfg.Blobs.Backend {
	case "fs":
		if cfg.Blobs.Dir == "" {
			return errors.New("blobs.dir is required for the fs backend")
		}
	case "s3":
		if cfg.Blobs.Bucket == "" {
			return errors.New("blobs.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("blobs.backend %q is not one of fs, s3", cfg.Blobs.Backend)
	}
	if cfg.API.Enabled && cfg.API.APIKey == "" {
		return errors.New("api.api_key is required when the API is enabled")
	}
	if cfg.Mail.Enabled && (cfg.Mail.Addr == "" || cfg.Mail.From == "") {
		return errors.New("mail.addr and mail.from are required when mail is enabled")
	}
	if cfg.Hooks.Listen != "" && len(cfg.Hooks.Endpoints) == 0 {
		return errors.New("hooks.listen is set but no hooks.endpoints are configured")
	}
	paths := make(map[string]bool, len(cfg.Hooks.Endpoints))
	for i, ep := range cfg.Hooks.Endpoints {
		if !strings.HasPrefix(ep.Path, "/") {
			return fmt.Errorf("hooks.endpoints[%d]: path must start with /", i)
		}
		if paths[ep.Path] {
			return fmt.Errorf("hooks.endpoints[%d]: duplicate path %q", i, ep.Path)
		}
		paths[ep.Path] = true
		if ep.Secret == "" {
			return fmt.Errorf("hooks.endpoints[%d]: secret is required", i)
		}
	}
	seen := make(map[string]bool, len(cfg.Principals))
	for i, p := range cfg.Principals {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("principals[%d]: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("principals[%d]: duplicate principal %q", i, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}
