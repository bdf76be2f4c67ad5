package webhook

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mattjoyce/accession/internal/config"
)

// FromGlobalConfig converts the hooks section into a server Config.
func FromGlobalConfig(hc config.HooksConfig) (Config, error) {
	cfg := Config{
		Listen:    hc.Listen,
		Endpoints: make([]EndpointConfig, len(hc.Endpoints)),
	}
	for i, ep := range hc.Endpoints {
		if ep.Secret == "" {
			return Config{}, fmt.Errorf("hook %q: no secret configured", ep.Path)
		}
		maxBodySize, err := parseMaxBodySize(ep.MaxBodySize)
		if err != nil {
			return Config{}, fmt.Errorf("hook %q: invalid max_body_size %q: %w", ep.Path, ep.MaxBodySize, err)
		}
		root := ep.StagingRoot
		if root != "" {
			if root, err = filepath.Abs(root); err != nil {
				return Config{}, fmt.Errorf("hook %q: staging_root: %w", ep.Path, err)
			}
		}
		cfg.Endpoints[i] = EndpointConfig{
			Path:            ep.Path,
			Secret:          ep.Secret,
			SignatureHeader: ep.SignatureHeader,
			StagingRoot:     root,
			MaxBodySize:     maxBodySize,
		}
	}
	return cfg, nil
}

// parseMaxBodySize parses sizes like "64KB", "1MB" or "2048". Empty means
// DefaultMaxBodySize.
func parseMaxBodySize(size string) (int64, error) {
	if size == "" {
		return DefaultMaxBodySize, nil
	}

	upper := strings.ToUpper(strings.TrimSpace(size))
	multiplier := int64(1)
	for _, unit := range []struct {
		suffix string
		factor int64
	}{{"KB", 1 << 10}, {"MB", 1 << 20}, {"GB", 1 << 30}} {
		if strings.HasSuffix(upper, unit.suffix) {
			multiplier = unit.factor
			upper = strings.TrimSuffix(upper, unit.suffix)
			break
		}
	}

	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %w", err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	result := value * multiplier
	if result/multiplier != value {
		return 0, fmt.Errorf("size too large")
	}
	return result, nil
}
