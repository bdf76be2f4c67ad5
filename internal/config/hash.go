package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

const checksumFile = ".checksums"

// ChecksumManifest is the .checksums file written by `accession config lock`.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyFileHash verifies a file against an expected BLAKE3 hash.
func VerifyFileHash(filePath, expectedHash string) error {
	actualHash, err := ComputeBlake3Hash(filePath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}

	if actualHash != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actualHash)
	}

	return nil
}

// LoadChecksums reads the .checksums manifest in dir.
func LoadChecksums(dir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, checksumFile))
	if err != nil {
		return nil, err
	}
	var m ChecksumManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", checksumFile, err)
	}
	return &m, nil
}

// Lock hashes the config file at configPath plus its includes and writes .checksums
// next to the root config. It returns the file names that were hashed.
func Lock(configPath string) ([]string, error) {
	absPath, err := resolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	cfg := Defaults()
	if err := overlayFile(cfg, absPath); err != nil {
		return nil, err
	}

	dir := filepath.Dir(absPath)
	files := []string{absPath}
	for _, inc := range cfg.Include {
		p := interpolateEnv(inc)
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		files = append(files, filepath.Clean(p))
	}

	manifest := ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string, len(files)),
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		if filepath.Dir(f) != dir {
			return nil, fmt.Errorf("include %s is outside %s; only sibling files can be locked", f, dir)
		}
		h, err := ComputeBlake3Hash(f)
		if err != nil {
			return nil, err
		}
		manifest.Hashes[filepath.Base(f)] = h
		names = append(names, filepath.Base(f))
	}
	sort.Strings(names)

	data, err := yaml.Marshal(&manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal checksums: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, checksumFile), data, 0o600); err != nil {
		return nil, fmt.Errorf("write checksums: %w", err)
	}
	return names, nil
}

func verifyAllConfigHashes(paths []string) error {
	dirToFiles := make(map[string][]string)
	for _, path := range paths {
		dir := filepath.Dir(path)
		dirToFiles[dir] = append(dirToFiles[dir], path)
	}

	for dir, files := range dirToFiles {
		checksums, err := LoadChecksums(dir)
		if err != nil {
			// If .checksums is missing, we skip verification for this directory.
			continue
		}

		for _, path := range files {
			basename := filepath.Base(path)
			expectedHash, ok := checksums.Hashes[basename]
			if !ok {
				return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
					"Run: accession config lock --config %s", basename, dir, dir)
			}

			if err := VerifyFileHash(path, expectedHash); err != nil {
				return fmt.Errorf("config verification failed for %s: %w\n"+
					"If you edited this file intentionally, run: accession config lock --config %s", path, err, dir)
			}
		}
	}
	return nil
}
