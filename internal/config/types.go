package config

import "time"

// Config represents the complete accession configuration.
type Config struct {
	Include    []string        `yaml:"include,omitempty"`
	Service    ServiceConfig   `yaml:"service"`
	State      StateConfig     `yaml:"state"`
	Queue      QueueConfig     `yaml:"queue"`
	Ingest     IngestConfig    `yaml:"ingest"`
	Mutations  MutationsConfig `yaml:"mutations"`
	Blobs      BlobsConfig     `yaml:"blobs"`
	API        APIConfig       `yaml:"api,omitempty"`
	Mail       MailConfig      `yaml:"mail,omitempty"`
	Hooks      HooksConfig     `yaml:"hooks,omitempty"`
	Principals []Principal     `yaml:"principals,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name         string        `yaml:"name"`
	LogLevel     string        `yaml:"log_level"`
	PollInterval time.Duration `yaml:"poll_interval"`
	PIDFile      string        `yaml:"pid_file,omitempty"`
}

// StateConfig defines where the reference repository keeps its SQLite database.
type StateConfig struct {
	Path string `yaml:"path"`
}

// QueueConfig defines the batch directory queue.
type QueueConfig struct {
	Root string `yaml:"root"`
	// KeepFinished relocates completed batches to finished/ instead of deleting them.
	KeepFinished bool `yaml:"keep_finished"`
}

// IngestConfig controls the batch ingest task.
type IngestConfig struct {
	RootObject       string        `yaml:"root_object"`
	Format           string        `yaml:"format"`
	ExistenceDelay   time.Duration `yaml:"existence_delay"`
	ExistenceTimeout time.Duration `yaml:"existence_timeout"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	HaltTimeout      time.Duration `yaml:"halt_timeout"`
	SendEmail        bool          `yaml:"send_email"`
}

// MutationsConfig controls move/delete orchestration.
type MutationsConfig struct {
	DumpDir string `yaml:"dump_dir"`
	// MaxConflictRetries caps optimistic-lock retries. Zero means unbounded.
	MaxConflictRetries int `yaml:"max_conflict_retries"`
}

// BlobsConfig selects the content blob backend.
type BlobsConfig struct {
	Backend  string `yaml:"backend"` // "fs" or "s3"
	Dir      string `yaml:"dir,omitempty"`
	Bucket   string `yaml:"bucket,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
	Region   string `yaml:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`
	// AccessKey/SecretKey are optional static credentials; the default AWS chain is used otherwise.
	AccessKey string `yaml:"access_key,omitempty"`
	SecretKey string `yaml:"secret_key,omitempty"`
}

// APIConfig defines HTTP operator API settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	APIKey  string `yaml:"api_key"`
}

// MailConfig defines SMTP settings for batch completion emails.
type MailConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	From    string `yaml:"from"`
	User    string `yaml:"user,omitempty"`
	Pass    string `yaml:"pass,omitempty"`
}

// HooksConfig defines the signed batch hook listener. It is off when Listen is empty.
type HooksConfig struct {
	Listen    string         `yaml:"listen,omitempty"`
	Endpoints []HookEndpoint `yaml:"endpoints,omitempty"`
}

// HookEndpoint is one signed path that enqueues prepared batches.
type HookEndpoint struct {
	Path            string `yaml:"path"`
	Secret          string `yaml:"secret"`
	SignatureHeader string `yaml:"signature_header,omitempty"`
	StagingRoot     string `yaml:"staging_root,omitempty"`
	MaxBodySize     string `yaml:"max_body_size,omitempty"` // e.g. "64KB", "1MB", "2048"
}

// Principal is a known user who may submit batches or mutate the tree.
type Principal struct {
	Name  string   `yaml:"name"`
	Email string   `yaml:"email,omitempty"`
	Roles []string `yaml:"roles"`
	// Containers restricts add/remove rights to these containers. Empty means all.
	Containers []string `yaml:"containers,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:         "accession",
			LogLevel:     "info",
			PollInterval: time.Second,
		},
		State: StateConfig{
			Path: "./data/repository.db",
		},
		Queue: QueueConfig{
			Root: "./data/batches",
		},
		Ingest: IngestConfig{
			RootObject:       "collections",
			Format:           "accession-descriptor-1.0",
			ExistenceDelay:   2 * time.Second,
			ExistenceTimeout: 5 * time.Minute,
			CallTimeout:      2 * time.Minute,
			HaltTimeout:      30 * time.Second,
		},
		Mutations: MutationsConfig{
			DumpDir: "./data/corruption",
		},
		Blobs: BlobsConfig{
			Backend: "fs",
			Dir:     "./data/blobs",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}
